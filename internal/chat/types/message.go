package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn's contribution by a single role
type Message struct {
	ID           string          `json:"id"`
	Role         Role            `json:"role"`
	Content      string          `json:"content"`
	Reasoning    []ReasoningStep `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall      `json:"toolCalls,omitempty"`
	Citations    []Citation      `json:"citations,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
	IsStreaming  bool            `json:"isStreaming"`
	IsStopped    bool            `json:"isStopped"`
	IsError      bool            `json:"isError"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RequestJSON  json.RawMessage `json:"requestJson,omitempty"`
	ResponseJSON json.RawMessage `json:"responseJson,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

// ReasoningStep is one reasoning summary part
type ReasoningStep struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Citation is a url annotation attached to finished assistant content
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	StartIndex int    `json:"startIndex"`
	EndIndex   int    `json:"endIndex"`
}

// TokenUsage mirrors the usage object of a terminal response
type TokenUsage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// NewUserMessage creates a user message carrying the request it was sent with
func NewUserMessage(content string, request *ResponseRequest) Message {
	msg := Message{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if request != nil {
		if raw, err := json.Marshal(request); err == nil {
			msg.RequestJSON = raw
		}
	}
	return msg
}

// NewAssistantMessage creates an open assistant message awaiting stream events
func NewAssistantMessage() Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleAssistant,
		IsStreaming: true,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// PreviousResponseID returns the continuity id captured in the message's request
func (m Message) PreviousResponseID() string {
	if len(m.RequestJSON) == 0 {
		return ""
	}
	return gjson.GetBytes(m.RequestJSON, "previous_response_id").String()
}

// Request decodes the captured outbound request, if any
func (m Message) Request() (*ResponseRequest, bool) {
	if len(m.RequestJSON) == 0 {
		return nil, false
	}
	var req ResponseRequest
	if err := json.Unmarshal(m.RequestJSON, &req); err != nil {
		return nil, false
	}
	return &req, true
}

// Sanitized returns the message as it may be written to durable storage.
// An open message is recorded as stopped so a reload never resumes it.
func (m Message) Sanitized() Message {
	out := m.Clone()
	if out.IsStreaming {
		out.IsStreaming = false
		out.IsStopped = true
	}
	return out
}

// Clone returns a deep copy
func (m Message) Clone() Message {
	out := m
	if m.Reasoning != nil {
		out.Reasoning = append([]ReasoningStep(nil), m.Reasoning...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Citations != nil {
		out.Citations = append([]Citation(nil), m.Citations...)
	}
	if m.Usage != nil {
		out.Usage = m.Usage.Clone()
	}
	if m.RequestJSON != nil {
		out.RequestJSON = append(json.RawMessage(nil), m.RequestJSON...)
	}
	if m.ResponseJSON != nil {
		out.ResponseJSON = append(json.RawMessage(nil), m.ResponseJSON...)
	}
	return out
}

// Clone returns a deep copy
func (u *TokenUsage) Clone() *TokenUsage {
	if u == nil {
		return nil
	}
	out := *u
	if u.InputTokensDetails != nil {
		d := *u.InputTokensDetails
		out.InputTokensDetails = &d
	}
	if u.OutputTokensDetails != nil {
		d := *u.OutputTokensDetails
		out.OutputTokensDetails = &d
	}
	return &out
}

// CloneMessages deep copies a message list
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

// IndexOf returns the position of the message with the given id, or -1
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}
