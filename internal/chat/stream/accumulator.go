package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
)

// Status is the lifecycle position of an accumulated response
type Status int

const (
	StatusStreaming Status = iota
	StatusCompleted
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TextSegment is one output text part, keyed by item id and content index
type TextSegment struct {
	ItemID       string
	ContentIndex int
	Text         string
}

// State is the accumulated view of one response stream
type State struct {
	// CreatedID is the id announced when the response opened. It is not a
	// continuity id; only ResponseID, set on completion, is.
	CreatedID      string
	ResponseID     string
	ResponseStatus string
	Segments       []TextSegment
	Reasoning      []types.ReasoningStep
	ToolCalls      []types.ToolCall
	Citations      []types.Citation
	Usage          *types.TokenUsage
	RawResponse    json.RawMessage
	Status         Status
	ErrCode        string
	ErrMessage     string
}

// Content joins the text segments in arrival order
func (s State) Content() string {
	if len(s.Segments) == 1 {
		return s.Segments[0].Text
	}
	var b strings.Builder
	for _, seg := range s.Segments {
		b.WriteString(seg.Text)
	}
	return b.String()
}

// Terminal reports whether no further events will be applied
func (s State) Terminal() bool {
	return s.Status != StatusStreaming
}

// Apply folds one event into the state and returns the new state. The input
// is never modified. Unknown events and events arriving after a terminal event
// leave the state unchanged.
func Apply(s State, ev Event) State {
	if s.Terminal() || ev == nil {
		return s
	}
	s = s.clone()

	switch e := ev.(type) {
	case Created:
		if e.ResponseID != "" {
			s.CreatedID = e.ResponseID
		}
	case TextDelta:
		seg := s.segment(e.ItemID, e.ContentIndex)
		seg.Text += e.Delta
	case TextDone:
		seg := s.segment(e.ItemID, e.ContentIndex)
		seg.Text = e.Text
	case ReasoningDelta:
		step := s.reasoningStep(e.ItemID, e.SummaryIndex)
		step.Content += e.Delta
	case ReasoningDone:
		step := s.reasoningStep(e.ItemID, e.SummaryIndex)
		step.Content = e.Text
	case OutputItemAdded:
		s.applyItem(e.Item, false)
	case OutputItemDone:
		s.applyItem(e.Item, true)
	case ArgumentsDelta:
		call := s.toolCall(e.ItemID, e.ToolType)
		call.Arguments += e.Delta
	case ArgumentsDone:
		call := s.toolCall(e.ItemID, e.ToolType)
		call.Arguments = e.Arguments
	case ToolStatus:
		call := s.toolCall(e.ItemID, e.ToolType)
		call.Advance(e.Status)
	case CodeDelta:
		call := s.toolCall(e.ItemID, types.ToolCodeInterpreter)
		call.Code += e.Delta
	case CodeDone:
		call := s.toolCall(e.ItemID, types.ToolCodeInterpreter)
		call.Code = e.Code
	case AnnotationAdded:
		s.addCitation(e.Citation)
	case UsageReport:
		if e.Usage != nil {
			s.Usage = e.Usage.Clone()
		}
	case Completed:
		s.complete(e)
	case Failed:
		s.Status = StatusFailed
		s.ErrCode = e.Code
		s.ErrMessage = e.Message
		s.abortOpenToolCalls()
	default:
		// forward compatible: ignore kinds we do not interpret
	}
	return s
}

// Replay folds an ordered event sequence into a fresh state
func Replay(events []Event) State {
	var s State
	for _, ev := range events {
		s = Apply(s, ev)
	}
	return s
}

// ReplayFrames decodes and folds raw frames, skipping malformed ones
func ReplayFrames(frames [][]byte) (State, int) {
	var s State
	skipped := 0
	for _, raw := range frames {
		ev, err := Decode(raw)
		if err != nil {
			skipped++
			continue
		}
		s = Apply(s, ev)
	}
	return s, skipped
}

// Stop marks a still-open state as cancelled by the user
func (s State) Stop() State {
	if s.Terminal() {
		return s
	}
	s = s.clone()
	s.Status = StatusStopped
	s.abortOpenToolCalls()
	return s
}

// Fail marks a still-open state as failed, keeping partial content
func (s State) Fail(code, message string) State {
	if s.Terminal() {
		return s
	}
	s = s.clone()
	s.Status = StatusFailed
	s.ErrCode = code
	s.ErrMessage = message
	s.abortOpenToolCalls()
	return s
}

// Message renders the state onto base, which supplies id, role and timestamp
func (s State) Message(base types.Message) types.Message {
	msg := base.Clone()
	msg.Role = types.RoleAssistant
	msg.Content = s.Content()
	msg.Reasoning = append([]types.ReasoningStep(nil), s.Reasoning...)
	msg.ToolCalls = append([]types.ToolCall(nil), s.ToolCalls...)
	msg.Usage = s.Usage.Clone()
	msg.Citations = nil
	msg.IsStreaming = false
	msg.IsStopped = false
	msg.IsError = false
	msg.ErrorMessage = ""
	if s.RawResponse != nil {
		msg.ResponseJSON = append(json.RawMessage(nil), s.RawResponse...)
	}

	switch s.Status {
	case StatusStreaming:
		msg.IsStreaming = true
	case StatusStopped:
		msg.IsStopped = true
	case StatusFailed:
		msg.IsError = true
		msg.ErrorMessage = s.ErrMessage
	}
	if s.Status != StatusStreaming {
		msg.Citations = append([]types.Citation(nil), s.Citations...)
	}
	return msg
}

// priorTextItem keys the text a continued message already had. It can never
// match a server item id, so output reconciliation still fills new text.
const priorTextItem = "\x00prior"

// StateFromMessage seeds an open state that continues an existing assistant
// message, as when a response resumes after an approval decision.
func StateFromMessage(m types.Message) State {
	s := State{
		Reasoning: append([]types.ReasoningStep(nil), m.Reasoning...),
		ToolCalls: append([]types.ToolCall(nil), m.ToolCalls...),
		Citations: append([]types.Citation(nil), m.Citations...),
	}
	if m.Content != "" {
		s.Segments = []TextSegment{{ItemID: priorTextItem, Text: m.Content}}
	}
	return s
}

func (s State) clone() State {
	out := s
	out.Segments = append([]TextSegment(nil), s.Segments...)
	out.Reasoning = append([]types.ReasoningStep(nil), s.Reasoning...)
	out.ToolCalls = append([]types.ToolCall(nil), s.ToolCalls...)
	out.Citations = append([]types.Citation(nil), s.Citations...)
	out.Usage = s.Usage.Clone()
	return out
}

func (s *State) segment(itemID string, contentIndex int) *TextSegment {
	for i := range s.Segments {
		if s.Segments[i].ItemID == itemID && s.Segments[i].ContentIndex == contentIndex {
			return &s.Segments[i]
		}
	}
	s.Segments = append(s.Segments, TextSegment{ItemID: itemID, ContentIndex: contentIndex})
	return &s.Segments[len(s.Segments)-1]
}

func (s *State) hasSegment(itemID string) bool {
	for _, seg := range s.Segments {
		if seg.ItemID == itemID {
			return true
		}
	}
	return false
}

func reasoningStepID(itemID string, summaryIndex int) string {
	return fmt.Sprintf("%s:%d", itemID, summaryIndex)
}

func (s *State) reasoningStep(itemID string, summaryIndex int) *types.ReasoningStep {
	id := reasoningStepID(itemID, summaryIndex)
	for i := range s.Reasoning {
		if s.Reasoning[i].ID == id {
			return &s.Reasoning[i]
		}
	}
	s.Reasoning = append(s.Reasoning, types.ReasoningStep{ID: id})
	return &s.Reasoning[len(s.Reasoning)-1]
}

func (s *State) toolCall(id string, typ types.ToolCallType) *types.ToolCall {
	for i := range s.ToolCalls {
		if s.ToolCalls[i].ID == id {
			return &s.ToolCalls[i]
		}
	}
	s.ToolCalls = append(s.ToolCalls, types.ToolCall{
		ID:     id,
		Type:   typ,
		Name:   defaultToolName(typ),
		Status: typ.InitialStatus(),
	})
	call := &s.ToolCalls[len(s.ToolCalls)-1]
	if typ == types.ToolMCPApproval {
		call.ApprovalRequestID = id
	}
	return call
}

func defaultToolName(typ types.ToolCallType) string {
	switch typ {
	case types.ToolWebSearch:
		return "web_search"
	case types.ToolCodeInterpreter:
		return "code_interpreter"
	default:
		return ""
	}
}

var itemToolTypes = map[string]types.ToolCallType{
	"function_call":         types.ToolFunction,
	"web_search_call":       types.ToolWebSearch,
	"code_interpreter_call": types.ToolCodeInterpreter,
	"mcp_call":              types.ToolMCP,
	"mcp_approval_request":  types.ToolMCPApproval,
}

func (s *State) applyItem(item OutputItem, done bool) {
	if item.Type == "message" {
		if done {
			s.reconcileMessage(item)
		}
		return
	}
	typ, ok := itemToolTypes[item.Type]
	if !ok || item.ID == "" {
		return
	}

	call := s.toolCall(item.ID, typ)
	mergeString(&call.Name, item.Name)
	mergeString(&call.Arguments, item.Arguments)
	mergeString(&call.Query, item.Query)
	mergeString(&call.Code, item.Code)
	mergeString(&call.ServerLabel, item.ServerLabel)
	mergeString(&call.Error, item.Error)
	switch typ {
	case types.ToolMCP, types.ToolFunction:
		mergeString(&call.Result, item.Output)
	case types.ToolCodeInterpreter:
		mergeString(&call.Output, item.Output)
	}

	if status, ok := itemStatus(typ, item, done); ok {
		call.Advance(status)
	}
}

// itemStatus maps an item's reported status onto the variant's machine
func itemStatus(typ types.ToolCallType, item OutputItem, done bool) (types.ToolCallStatus, bool) {
	if typ == types.ToolMCPApproval {
		return "", false
	}
	if item.Error != "" {
		return types.StatusFailed, true
	}
	switch item.Status {
	case "in_progress", "searching", "interpreting", "completed", "failed":
		return types.ToolCallStatus(item.Status), true
	case "incomplete":
		return types.StatusAborted, true
	}
	if done {
		return types.StatusCompleted, true
	}
	return "", false
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (s *State) reconcileMessage(item OutputItem) {
	// text already streamed under this item, or under an unlabelled part,
	// wins over the summary in the output list
	if item.Text != "" && !s.hasSegment(item.ID) && !s.hasSegment("") {
		seg := s.segment(item.ID, 0)
		seg.Text = item.Text
	}
	for _, c := range item.Citations {
		s.addCitation(c)
	}
}

func (s *State) addCitation(c types.Citation) {
	for _, existing := range s.Citations {
		if existing.URL == c.URL && existing.StartIndex == c.StartIndex && existing.EndIndex == c.EndIndex {
			return
		}
	}
	s.Citations = append(s.Citations, c)
}

func (s *State) complete(e Completed) {
	for _, item := range e.Output {
		s.applyItem(item, true)
	}
	s.Status = StatusCompleted
	s.ResponseID = e.ResponseID
	s.ResponseStatus = e.Status
	s.RawResponse = e.Response
	if e.Usage != nil {
		s.Usage = e.Usage.Clone()
	}
}

func (s *State) abortOpenToolCalls() {
	for i := range s.ToolCalls {
		call := &s.ToolCalls[i]
		if call.Type == types.ToolMCPApproval {
			continue
		}
		call.Advance(types.StatusAborted)
	}
}
