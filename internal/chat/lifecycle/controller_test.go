package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) PublishView(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func delta(text string) string {
	return `{"type":"response.output_text.delta","item_id":"msg_1","content_index":0,"delta":"` + text + `"}`
}

func completed(id string) string {
	return `{"type":"response.completed","response":{"id":"` + id + `","status":"completed","output":[]}}`
}

func waitResult(t *testing.T, turn *Turn) TurnResult {
	t.Helper()
	select {
	case res := <-turn.Done():
		return res
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for turn result")
		return TurnResult{}
	}
}

func lastContent(v View) string {
	if len(v.Messages) == 0 {
		return ""
	}
	return v.Messages[len(v.Messages)-1].Content
}

// startTurn binds the foreground to threadID and starts a piped stream
func startTurn(t *testing.T, c *Controller, threadID string) (*Turn, *stream.PipeSource) {
	t.Helper()
	if threadID != "" {
		c.AssignThread(threadID)
	}
	c.Append(types.NewUserMessage("hi", nil))
	pipe := stream.NewPipeSource(8)
	turn, err := c.StartForeground(context.Background(), types.NewAssistantMessage(), pipe, nil)
	require.NoError(t, err)
	return turn, pipe
}

func TestControllerForegroundCompletes(t *testing.T) {
	pub := &viewRecorder{}
	c := NewController(pub, nil, nil)
	turn, pipe := startTurn(t, c, "t1")

	assert.True(t, c.View().Streaming)
	pipe.SendString(delta("Hello"))
	pipe.SendString(completed("resp_1"))

	res := waitResult(t, turn)
	assert.Equal(t, PlacementForeground, res.Placement)
	assert.Equal(t, "t1", res.ThreadID)
	assert.Equal(t, stream.OutcomeCompleted, res.Outcome.Kind)
	assert.Equal(t, "resp_1", res.PreviousResponseID)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "Hello", res.Messages[1].Content)

	view := c.View()
	assert.False(t, view.Streaming)
	assert.Equal(t, "resp_1", view.PreviousResponseID)
	assert.Greater(t, pub.count(), 2)
}

func TestControllerDetachReattachRoundTrip(t *testing.T) {
	c := NewController(nil, nil, nil)
	turn, pipe := startTurn(t, c, "t1")

	pipe.SendString(delta("Hel"))
	require.Eventually(t, func() bool { return lastContent(c.View()) == "Hel" }, waitFor, tick)

	id, detached, err := c.Detach()
	require.NoError(t, err)
	assert.True(t, detached)
	assert.Equal(t, "t1", id)

	view := c.View()
	assert.Empty(t, view.ThreadID)
	assert.Empty(t, view.Messages)
	assert.False(t, view.Streaming)
	assert.Equal(t, []string{"t1"}, view.Background)

	// the detached session keeps running with nobody watching
	pipe.SendString(delta("lo"))

	reattached, ok, err := c.Reattach(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", reattached.ThreadID)
	assert.True(t, reattached.Streaming)
	assert.Empty(t, c.BackgroundThreads())

	require.Eventually(t, func() bool { return lastContent(c.View()) == "Hello" }, waitFor, tick)

	pipe.SendString(completed("resp_1"))
	res := waitResult(t, turn)
	assert.Equal(t, PlacementForeground, res.Placement)
	assert.Equal(t, "Hello", res.Messages[1].Content)
	assert.Equal(t, "Hello", lastContent(c.View()))
}

func TestControllerReattachAfterCompletionWaitsForSettle(t *testing.T) {
	c := NewController(nil, nil, nil)
	turn, pipe := startTurn(t, c, "t1")

	_, _, err := c.Detach()
	require.NoError(t, err)

	pipe.SendString(delta("done in background"))
	pipe.SendString(completed("resp_bg"))
	res := waitResult(t, turn)
	assert.Equal(t, PlacementBackground, res.Placement)
	assert.Equal(t, "resp_bg", res.PreviousResponseID)
	assert.False(t, c.IsBackground("t1"))

	type reattach struct {
		ok  bool
		err error
	}
	got := make(chan reattach, 1)
	go func() {
		_, ok, err := c.Reattach(context.Background(), "t1")
		got <- reattach{ok, err}
	}()

	select {
	case <-got:
		t.Fatal("reattach returned before the result was settled")
	case <-time.After(50 * time.Millisecond):
	}

	c.MarkSettled("t1", res.Seq)

	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.False(t, r.ok)
	case <-time.After(waitFor):
		t.Fatal("reattach did not return after settle")
	}
}

func TestControllerReattachWaitsForEveryPendingTurn(t *testing.T) {
	c := NewController(nil, nil, nil)

	first, pipe := startTurn(t, c, "t1")
	pipe.SendString(completed("resp_1"))
	res1 := waitResult(t, first)

	second, pipe := startTurn(t, c, "t1")
	require.Greater(t, second.Seq(), first.Seq())
	_, detached, err := c.Detach()
	require.NoError(t, err)
	require.True(t, detached)
	pipe.SendString(delta("second"))
	pipe.SendString(completed("resp_2"))
	res2 := waitResult(t, second)
	assert.Equal(t, PlacementBackground, res2.Placement)

	// the first turn settling must not release the second one
	c.MarkSettled("t1", res1.Seq)
	assert.True(t, c.Settling("t1"))

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := c.Reattach(context.Background(), "t1")
		got <- ok
	}()
	select {
	case <-got:
		t.Fatal("reattach returned before the second turn was settled")
	case <-time.After(50 * time.Millisecond):
	}

	c.MarkSettled("t1", res2.Seq)
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("reattach did not return after settle")
	}
	assert.False(t, c.Settling("t1"))

	// settling an unknown turn is a no-op
	c.MarkSettled("t1", 99)
	assert.False(t, c.Settling("t1"))
}

func TestControllerReattachWaitHonoursContext(t *testing.T) {
	c := NewController(nil, nil, nil)
	turn, pipe := startTurn(t, c, "t1")
	_, _, err := c.Detach()
	require.NoError(t, err)
	pipe.SendString(completed("resp_1"))
	waitResult(t, turn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := c.Reattach(ctx, "t1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestControllerEphemeralCannotDetach(t *testing.T) {
	c := NewController(nil, nil, nil)
	require.NoError(t, c.Reset(true))
	turn, _ := startTurn(t, c, "")

	_, detached, err := c.Detach()
	assert.ErrorIs(t, err, ErrEphemeral)
	assert.False(t, detached)
	assert.Empty(t, c.BackgroundThreads())

	assert.True(t, c.StopForeground())
	res := waitResult(t, turn)
	assert.True(t, res.Ephemeral)
	assert.Equal(t, stream.OutcomeStopped, res.Outcome.Kind)
}

func TestControllerDetachNeedsThread(t *testing.T) {
	c := NewController(nil, nil, nil)
	startTurn(t, c, "")

	_, _, err := c.Detach()
	assert.ErrorIs(t, err, ErrNoThread)

	c.AssignThread("late")
	id, detached, err := c.Detach()
	require.NoError(t, err)
	assert.True(t, detached)
	assert.Equal(t, "late", id)
	c.Shutdown()
}

func TestControllerDetachIdle(t *testing.T) {
	c := NewController(nil, nil, nil)
	c.AssignThread("t1")

	id, detached, err := c.Detach()
	require.NoError(t, err)
	assert.False(t, detached)
	assert.Equal(t, "t1", id)
}

func TestControllerReattachRefusedWhileForegroundBusy(t *testing.T) {
	c := NewController(nil, nil, nil)
	first, firstPipe := startTurn(t, c, "t1")
	_, _, err := c.Detach()
	require.NoError(t, err)

	second, secondPipe := startTurn(t, c, "t2")

	_, ok, err := c.Reattach(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrForegroundBusy)
	assert.False(t, ok)
	assert.True(t, c.IsBackground("t1"))

	// detach first, then reattach
	_, _, err = c.Detach()
	require.NoError(t, err)
	view, ok, err := c.Reattach(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "t1", view.ThreadID)
	assert.Equal(t, []string{"t2"}, view.Background)

	firstPipe.SendString(completed("r1"))
	secondPipe.SendString(completed("r2"))
	assert.Equal(t, PlacementForeground, waitResult(t, first).Placement)
	assert.Equal(t, PlacementBackground, waitResult(t, second).Placement)
}

func TestControllerAbortBackground(t *testing.T) {
	c := NewController(nil, nil, nil)
	turn, pipe := startTurn(t, c, "t1")
	pipe.SendString(delta("partial"))
	require.Eventually(t, func() bool { return lastContent(c.View()) == "partial" }, waitFor, tick)
	_, _, err := c.Detach()
	require.NoError(t, err)

	assert.True(t, c.AbortBackground("t1"))
	assert.False(t, c.AbortBackground("t1"))

	res := waitResult(t, turn)
	assert.True(t, res.Aborted)
	assert.Equal(t, PlacementBackground, res.Placement)
	assert.Equal(t, stream.OutcomeStopped, res.Outcome.Kind)
	assert.False(t, c.IsBackground("t1"))

	select {
	case <-pipe.Closed():
	case <-time.After(waitFor):
		t.Fatal("aborted session did not release its source")
	}

	// aborted turns leave nothing to settle
	_, ok, err := c.Reattach(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestControllerStopForeground(t *testing.T) {
	pub := &viewRecorder{}
	c := NewController(pub, nil, nil)
	turn, pipe := startTurn(t, c, "t1")
	pipe.SendString(delta("half"))
	require.Eventually(t, func() bool { return lastContent(c.View()) == "half" }, waitFor, tick)

	assert.True(t, c.StopForeground())

	view := c.View()
	assert.False(t, view.Streaming)
	assert.True(t, view.Messages[1].IsStopped)
	before := pub.count()

	pipe.SendString(delta(" late"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, pub.count())
	assert.Equal(t, "half", lastContent(c.View()))

	res := waitResult(t, turn)
	assert.Equal(t, stream.OutcomeStopped, res.Outcome.Kind)
	assert.Empty(t, res.PreviousResponseID)
	assert.False(t, c.StopForeground())
}

func TestControllerFailureKeepsContinuity(t *testing.T) {
	c := NewController(nil, nil, nil)
	require.NoError(t, c.Load(&types.Thread{ID: "t1", Title: "Chat", PreviousResponseID: "resp_prev"}))

	c.Append(types.NewUserMessage("again", nil))
	turn, err := c.StartForeground(context.Background(), types.NewAssistantMessage(), stream.ErrorSource{Err: errors.New("dial tcp: refused")}, nil)
	require.NoError(t, err)

	res := waitResult(t, turn)
	assert.Equal(t, stream.OutcomeFailed, res.Outcome.Kind)
	assert.Equal(t, "resp_prev", res.PreviousResponseID)
	assert.True(t, res.Messages[1].IsError)
}

func TestControllerBusyGuards(t *testing.T) {
	c := NewController(nil, nil, nil)
	_, pipe := startTurn(t, c, "t1")
	defer c.Shutdown()

	_, err := c.StartForeground(context.Background(), types.NewAssistantMessage(), stream.NewPipeSource(1), nil)
	assert.ErrorIs(t, err, ErrForegroundBusy)
	assert.ErrorIs(t, c.ClearForeground(), ErrForegroundBusy)
	assert.ErrorIs(t, c.Reset(false), ErrForegroundBusy)
	assert.ErrorIs(t, c.SetMessages(nil), ErrForegroundBusy)
	assert.ErrorIs(t, c.Load(types.NewThread()), ErrForegroundBusy)
	pipe.End()
}

func TestControllerApprovals(t *testing.T) {
	assistant := types.NewAssistantMessage()
	assistant.IsStreaming = false
	assistant.ToolCalls = []types.ToolCall{{
		ID:                "mcpr_1",
		Type:              types.ToolMCPApproval,
		Name:              "create_issue",
		ServerLabel:       "github",
		ApprovalRequestID: "mcpr_1",
		Status:            types.StatusPending,
	}}
	thread := types.NewThread(types.NewUserMessage("file it", nil), assistant)

	c := NewController(nil, nil, nil)
	require.NoError(t, c.Load(thread))

	loc, ok := c.LocateApproval("mcpr_1")
	require.True(t, ok)
	assert.True(t, loc.Foreground)
	assert.Equal(t, assistant.ID, loc.MessageID)
	assert.Equal(t, thread.ID, loc.ThreadID)

	msg, err := c.ResolveApproval("mcpr_1", false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDenied, msg.ToolCalls[0].Status)

	_, err = c.ResolveApproval("mcpr_1", true)
	assert.ErrorIs(t, err, ErrApprovalNotFound)
	_, ok = c.LocateApproval("mcpr_1")
	assert.False(t, ok)
}

func TestControllerLocatesBackgroundApproval(t *testing.T) {
	c := NewController(nil, nil, nil)
	turn, pipe := startTurn(t, c, "t1")
	pipe.SendString(`{"type":"response.output_item.added","item":{"id":"mcpr_9","type":"mcp_approval_request","name":"deploy","server_label":"ops"}}`)
	require.Eventually(t, func() bool {
		_, ok := c.LocateApproval("mcpr_9")
		return ok
	}, waitFor, tick)

	_, _, err := c.Detach()
	require.NoError(t, err)

	loc, ok := c.LocateApproval("mcpr_9")
	require.True(t, ok)
	assert.False(t, loc.Foreground)
	assert.Equal(t, "t1", loc.ThreadID)

	_, err = c.ResolveApproval("mcpr_9", true)
	assert.ErrorIs(t, err, ErrApprovalNotFound)

	c.AbortBackground("t1")
	res := waitResult(t, turn)
	// a pending approval survives the abort
	assert.Equal(t, types.StatusPending, res.Messages[1].ToolCalls[0].Status)
}

func TestControllerContinuesExistingMessage(t *testing.T) {
	assistant := types.NewAssistantMessage()
	assistant.IsStreaming = false
	assistant.Content = "Before."
	c := NewController(nil, nil, nil)
	require.NoError(t, c.Load(types.NewThread(types.NewUserMessage("q", nil), assistant)))

	initial := stream.StateFromMessage(assistant)
	turn, err := c.StartForeground(context.Background(), assistant, stream.NewSliceSource([][]byte{
		[]byte(`{"type":"response.output_text.delta","item_id":"msg_2","delta":" After."}`),
		[]byte(completed("resp_2")),
	}), &initial)
	require.NoError(t, err)

	res := waitResult(t, turn)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, assistant.ID, res.Messages[1].ID)
	assert.Equal(t, "Before. After.", res.Messages[1].Content)
}

func TestControllerAddFiles(t *testing.T) {
	c := NewController(nil, nil, nil)
	c.AddFiles("file_1", "file_2")
	view := c.AddFiles("file_2", "file_3")
	assert.Equal(t, []string{"file_1", "file_2", "file_3"}, view.UploadedFileIDs)
}
