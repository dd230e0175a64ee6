package stream

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/tidwall/gjson"
)

// EventKind is the wire "type" of a stream event
type EventKind string

const (
	KindCreated    EventKind = "response.created"
	KindInProgress EventKind = "response.in_progress"

	KindOutputTextDelta EventKind = "response.output_text.delta"
	KindOutputTextDone  EventKind = "response.output_text.done"

	KindReasoningDelta EventKind = "response.reasoning_summary_text.delta"
	KindReasoningDone  EventKind = "response.reasoning_summary_text.done"

	KindOutputItemAdded EventKind = "response.output_item.added"
	KindOutputItemDone  EventKind = "response.output_item.done"

	KindFunctionArgsDelta EventKind = "response.function_call_arguments.delta"
	KindFunctionArgsDone  EventKind = "response.function_call_arguments.done"
	KindMCPArgsDelta      EventKind = "response.mcp_call_arguments.delta"
	KindMCPArgsDone       EventKind = "response.mcp_call_arguments.done"

	KindWebSearchInProgress EventKind = "response.web_search_call.in_progress"
	KindWebSearchSearching  EventKind = "response.web_search_call.searching"
	KindWebSearchCompleted  EventKind = "response.web_search_call.completed"

	KindCodeInterpreterInProgress   EventKind = "response.code_interpreter_call.in_progress"
	KindCodeInterpreterInterpreting EventKind = "response.code_interpreter_call.interpreting"
	KindCodeInterpreterCompleted    EventKind = "response.code_interpreter_call.completed"
	KindCodeDelta                   EventKind = "response.code_interpreter_call_code.delta"
	KindCodeDone                    EventKind = "response.code_interpreter_call_code.done"

	KindMCPCallInProgress EventKind = "response.mcp_call.in_progress"
	KindMCPCallCompleted  EventKind = "response.mcp_call.completed"
	KindMCPCallFailed     EventKind = "response.mcp_call.failed"

	KindAnnotationAdded EventKind = "response.output_text.annotation.added"
	KindUsage           EventKind = "response.usage"

	KindCompleted  EventKind = "response.completed"
	KindIncomplete EventKind = "response.incomplete"
	KindFailed     EventKind = "response.failed"
	KindError      EventKind = "error"
)

// ErrMalformedEvent is returned for frames that are not a typed JSON object
var ErrMalformedEvent = errors.New("stream: malformed event")

// Event is one decoded stream event. The set of variants is closed; anything
// the decoder does not recognise becomes Unknown.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Created opens a response
type Created struct {
	ResponseID string
}

// TextDelta appends to an output text part
type TextDelta struct {
	ItemID       string
	ContentIndex int
	Delta        string
}

// TextDone carries the final text of an output text part
type TextDone struct {
	ItemID       string
	ContentIndex int
	Text         string
}

// ReasoningDelta appends to a reasoning summary part
type ReasoningDelta struct {
	ItemID       string
	SummaryIndex int
	Delta        string
}

// ReasoningDone carries the final text of a reasoning summary part
type ReasoningDone struct {
	ItemID       string
	SummaryIndex int
	Text         string
}

// OutputItemAdded announces a new output item
type OutputItemAdded struct {
	Item OutputItem
}

// OutputItemDone carries the final form of an output item
type OutputItemDone struct {
	Item OutputItem
}

// ArgumentsDelta appends to a function or mcp call's arguments
type ArgumentsDelta struct {
	ItemID   string
	ToolType types.ToolCallType
	Delta    string
}

// ArgumentsDone carries a call's final arguments
type ArgumentsDone struct {
	ItemID    string
	ToolType  types.ToolCallType
	Arguments string
}

// ToolStatus moves a hosted tool call through its status machine
type ToolStatus struct {
	ItemID   string
	ToolType types.ToolCallType
	Status   types.ToolCallStatus
}

// CodeDelta appends to a code interpreter call's code
type CodeDelta struct {
	ItemID string
	Delta  string
}

// CodeDone carries a code interpreter call's final code
type CodeDone struct {
	ItemID string
	Code   string
}

// AnnotationAdded attaches a citation to output text
type AnnotationAdded struct {
	ItemID   string
	Citation types.Citation
}

// UsageReport carries token usage ahead of completion
type UsageReport struct {
	Usage *types.TokenUsage
}

// Completed is the terminal success event
type Completed struct {
	ResponseID string
	Status     string
	Output     []OutputItem
	Usage      *types.TokenUsage
	Response   json.RawMessage
}

// Failed is the terminal error event
type Failed struct {
	Code    string
	Message string
}

// Unknown is any event kind this package does not interpret
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Created) Kind() EventKind { return KindCreated }
func (e TextDelta) Kind() EventKind { return KindOutputTextDelta }
func (e TextDone) Kind() EventKind { return KindOutputTextDone }
func (ReasoningDelta) Kind() EventKind { return KindReasoningDelta }
func (ReasoningDone) Kind() EventKind { return KindReasoningDone }
func (OutputItemAdded) Kind() EventKind { return KindOutputItemAdded }
func (OutputItemDone) Kind() EventKind { return KindOutputItemDone }
func (e ArgumentsDelta) Kind() EventKind {
	if e.ToolType == types.ToolMCP {
		return KindMCPArgsDelta
	}
	return KindFunctionArgsDelta
}
func (e ArgumentsDone) Kind() EventKind {
	if e.ToolType == types.ToolMCP {
		return KindMCPArgsDone
	}
	return KindFunctionArgsDone
}
func (e ToolStatus) Kind() EventKind { return toolStatusKinds[e.ToolType][e.Status] }
func (CodeDelta) Kind() EventKind { return KindCodeDelta }
func (CodeDone) Kind() EventKind { return KindCodeDone }
func (AnnotationAdded) Kind() EventKind { return KindAnnotationAdded }
func (UsageReport) Kind() EventKind { return KindUsage }
func (Completed) Kind() EventKind { return KindCompleted }
func (Failed) Kind() EventKind { return KindFailed }
func (e Unknown) Kind() EventKind { return EventKind(e.Type) }
func (Created) isEvent() {}
func (TextDelta) isEvent() {}
func (TextDone) isEvent() {}
func (ReasoningDelta) isEvent() {}
func (ReasoningDone) isEvent() {}
func (OutputItemAdded) isEvent() {}
func (OutputItemDone) isEvent() {}
func (ArgumentsDelta) isEvent() {}
func (ArgumentsDone) isEvent() {}
func (ToolStatus) isEvent() {}
func (CodeDelta) isEvent() {}
func (CodeDone) isEvent() {}
func (AnnotationAdded) isEvent() {}
func (UsageReport) isEvent() {}
func (Completed) isEvent() {}
func (Failed) isEvent() {}
func (Unknown) isEvent() {}

type toolStatusKey struct {
	toolType types.ToolCallType
	status   types.ToolCallStatus
}

var toolStatusEvents = map[EventKind]toolStatusKey{
	KindWebSearchInProgress:         {types.ToolWebSearch, types.StatusInProgress},
	KindWebSearchSearching:          {types.ToolWebSearch, types.StatusSearching},
	KindWebSearchCompleted:          {types.ToolWebSearch, types.StatusCompleted},
	KindCodeInterpreterInProgress:   {types.ToolCodeInterpreter, types.StatusInProgress},
	KindCodeInterpreterInterpreting: {types.ToolCodeInterpreter, types.StatusInterpreting},
	KindCodeInterpreterCompleted:    {types.ToolCodeInterpreter, types.StatusCompleted},
	KindMCPCallInProgress:           {types.ToolMCP, types.StatusInProgress},
	KindMCPCallCompleted:            {types.ToolMCP, types.StatusCompleted},
	KindMCPCallFailed:               {types.ToolMCP, types.StatusFailed},
}

var toolStatusKinds = func() map[types.ToolCallType]map[types.ToolCallStatus]EventKind {
	out := make(map[types.ToolCallType]map[types.ToolCallStatus]EventKind)
	for kind, key := range toolStatusEvents {
		if out[key.toolType] == nil {
			out[key.toolType] = make(map[types.ToolCallStatus]EventKind)
		}
		out[key.toolType][key.status] = kind
	}
	return out
}()

// Decode parses one wire frame into an Event
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedEvent
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, ErrMalformedEvent
	}
	kind := EventKind(root.Get("type").String())
	if kind == "" {
		return nil, ErrMalformedEvent
	}

	if key, ok := toolStatusEvents[kind]; ok {
		return ToolStatus{
			ItemID:   root.Get("item_id").String(),
			ToolType: key.toolType,
			Status:   key.status,
		}, nil
	}

	switch kind {
	case KindCreated, KindInProgress:
		return Created{ResponseID: root.Get("response.id").String()}, nil
	case KindOutputTextDelta:
		return TextDelta{
			ItemID:       root.Get("item_id").String(),
			ContentIndex: int(root.Get("content_index").Int()),
			Delta:        root.Get("delta").String(),
		}, nil
	case KindOutputTextDone:
		return TextDone{
			ItemID:       root.Get("item_id").String(),
			ContentIndex: int(root.Get("content_index").Int()),
			Text:         root.Get("text").String(),
		}, nil
	case KindReasoningDelta:
		return ReasoningDelta{
			ItemID:       root.Get("item_id").String(),
			SummaryIndex: int(root.Get("summary_index").Int()),
			Delta:        root.Get("delta").String(),
		}, nil
	case KindReasoningDone:
		return ReasoningDone{
			ItemID:       root.Get("item_id").String(),
			SummaryIndex: int(root.Get("summary_index").Int()),
			Text:         root.Get("text").String(),
		}, nil
	case KindOutputItemAdded:
		return OutputItemAdded{Item: decodeItem(root.Get("item"))}, nil
	case KindOutputItemDone:
		return OutputItemDone{Item: decodeItem(root.Get("item"))}, nil
	case KindFunctionArgsDelta, KindMCPArgsDelta:
		return ArgumentsDelta{
			ItemID:   root.Get("item_id").String(),
			ToolType: argumentsToolType(kind),
			Delta:    root.Get("delta").String(),
		}, nil
	case KindFunctionArgsDone, KindMCPArgsDone:
		return ArgumentsDone{
			ItemID:    root.Get("item_id").String(),
			ToolType:  argumentsToolType(kind),
			Arguments: root.Get("arguments").String(),
		}, nil
	case KindCodeDelta:
		return CodeDelta{ItemID: root.Get("item_id").String(), Delta: root.Get("delta").String()}, nil
	case KindCodeDone:
		return CodeDone{ItemID: root.Get("item_id").String(), Code: root.Get("code").String()}, nil
	case KindAnnotationAdded:
		citation, ok := decodeCitation(root.Get("annotation"))
		if !ok {
			return Unknown{Type: string(kind), Raw: raw}, nil
		}
		return AnnotationAdded{ItemID: root.Get("item_id").String(), Citation: citation}, nil
	case KindUsage:
		return UsageReport{Usage: ExtractUsage(root.Get("usage"))}, nil
	case KindCompleted, KindIncomplete:
		resp := root.Get("response")
		out := Completed{
			ResponseID: resp.Get("id").String(),
			Status:     resp.Get("status").String(),
			Usage:      ExtractUsage(resp.Get("usage")),
		}
		if resp.Exists() {
			out.Response = json.RawMessage(resp.Raw)
		}
		resp.Get("output").ForEach(func(_, item gjson.Result) bool {
			out.Output = append(out.Output, decodeItem(item))
			return true
		})
		return out, nil
	case KindFailed:
		return Failed{
			Code:    root.Get("response.error.code").String(),
			Message: firstNonEmpty(root.Get("response.error.message").String(), "response failed"),
		}, nil
	case KindError:
		return Failed{
			Code:    root.Get("code").String(),
			Message: firstNonEmpty(root.Get("message").String(), root.Get("error.message").String(), "stream error"),
		}, nil
	default:
		return Unknown{Type: string(kind), Raw: raw}, nil
	}
}

func argumentsToolType(kind EventKind) types.ToolCallType {
	if strings.Contains(string(kind), "mcp_call") {
		return types.ToolMCP
	}
	return types.ToolFunction
}

// OutputItem is the subset of a response output item the accumulator uses
type OutputItem struct {
	ID          string
	Type        string
	Status      string
	Name        string
	Arguments   string
	Query       string
	Code        string
	Output      string
	ServerLabel string
	Error       string
	Text        string
	Citations   []types.Citation
}

func decodeItem(r gjson.Result) OutputItem {
	item := OutputItem{
		ID:          r.Get("id").String(),
		Type:        r.Get("type").String(),
		Status:      r.Get("status").String(),
		Name:        r.Get("name").String(),
		Arguments:   r.Get("arguments").String(),
		Query:       r.Get("action.query").String(),
		Code:        r.Get("code").String(),
		ServerLabel: r.Get("server_label").String(),
		Error:       errorText(r.Get("error")),
	}

	switch item.Type {
	case "code_interpreter_call":
		var logs []string
		r.Get("outputs").ForEach(func(_, o gjson.Result) bool {
			if l := o.Get("logs"); l.Exists() {
				logs = append(logs, l.String())
			}
			return true
		})
		item.Output = strings.Join(logs, "\n")
	case "mcp_call", "function_call":
		item.Output = r.Get("output").String()
	case "message":
		var text strings.Builder
		r.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() != "output_text" {
				return true
			}
			text.WriteString(part.Get("text").String())
			part.Get("annotations").ForEach(func(_, a gjson.Result) bool {
				if c, ok := decodeCitation(a); ok {
					item.Citations = append(item.Citations, c)
				}
				return true
			})
			return true
		})
		item.Text = text.String()
	}
	return item
}

func decodeCitation(a gjson.Result) (types.Citation, bool) {
	if !a.Exists() || a.Get("type").String() != "url_citation" {
		return types.Citation{}, false
	}
	return types.Citation{
		URL:        a.Get("url").String(),
		Title:      a.Get("title").String(),
		StartIndex: int(a.Get("start_index").Int()),
		EndIndex:   int(a.Get("end_index").Int()),
	}, true
}

func errorText(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	if r.IsObject() {
		return r.Get("message").String()
	}
	return r.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
