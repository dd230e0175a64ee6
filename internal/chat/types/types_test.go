package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallTransitions(t *testing.T) {
	tests := []struct {
		name string
		typ  ToolCallType
		from ToolCallStatus
		to   ToolCallStatus
		want bool
	}{
		{"web search starts searching", ToolWebSearch, StatusInProgress, StatusSearching, true},
		{"web search completes", ToolWebSearch, StatusSearching, StatusCompleted, true},
		{"web search aborts", ToolWebSearch, StatusInProgress, StatusAborted, true},
		{"web search never regresses", ToolWebSearch, StatusSearching, StatusInProgress, false},
		{"web search terminal is final", ToolWebSearch, StatusCompleted, StatusAborted, false},
		{"code interpreter interprets", ToolCodeInterpreter, StatusInProgress, StatusInterpreting, true},
		{"function has no searching", ToolFunction, StatusInProgress, StatusSearching, false},
		{"approval approved", ToolMCPApproval, StatusPending, StatusApproved, true},
		{"approval cannot be aborted", ToolMCPApproval, StatusPending, StatusAborted, false},
		{"approval decided once", ToolMCPApproval, StatusApproved, StatusDenied, false},
		{"unknown start accepts valid target", ToolMCP, "", StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestToolCallAdvance(t *testing.T) {
	call := ToolCall{ID: "ws_1", Type: ToolWebSearch, Status: StatusInProgress}

	assert.True(t, call.Advance(StatusSearching))
	assert.True(t, call.Advance(StatusCompleted))
	assert.False(t, call.Advance(StatusSearching))
	assert.Equal(t, StatusCompleted, call.Status)
}

func TestMessageSanitized(t *testing.T) {
	open := NewAssistantMessage()
	open.Content = "partial"

	saved := open.Sanitized()
	assert.False(t, saved.IsStreaming)
	assert.True(t, saved.IsStopped)
	assert.Equal(t, "partial", saved.Content)
	assert.True(t, open.IsStreaming, "original must not be modified")

	failed := NewAssistantMessage()
	failed.IsStreaming = false
	failed.IsError = true
	assert.Equal(t, failed, failed.Sanitized())
}

func TestMessagePreviousResponseID(t *testing.T) {
	req := &ResponseRequest{Model: "gpt-4o", Input: UserInput("hi"), PreviousResponseID: "resp_1", Stream: true}
	msg := NewUserMessage("hi", req)

	assert.Equal(t, "resp_1", msg.PreviousResponseID())

	decoded, ok := msg.Request()
	require.True(t, ok)
	assert.Equal(t, "resp_1", decoded.PreviousResponseID)
	assert.Equal(t, "hi", decoded.Input[0].Content)

	assert.Empty(t, NewUserMessage("hi", nil).PreviousResponseID())
}

func TestThreadCloneIsDeep(t *testing.T) {
	thread := NewThread(NewUserMessage("hello", nil))
	thread.UploadedFileIDs = append(thread.UploadedFileIDs, "file_1")

	clone := thread.Clone()
	clone.Messages[0].Content = "changed"
	clone.UploadedFileIDs[0] = "file_2"

	assert.Equal(t, "hello", thread.Messages[0].Content)
	assert.Equal(t, "file_1", thread.UploadedFileIDs[0])
	assert.True(t, thread.HasPlaceholderTitle())
}

func TestThreadSanitized(t *testing.T) {
	thread := NewThread(NewUserMessage("hello", nil), NewAssistantMessage())

	saved := thread.Sanitized()
	for _, m := range saved.Messages {
		assert.False(t, m.IsStreaming)
	}
	assert.True(t, thread.Messages[1].IsStreaming)
}
