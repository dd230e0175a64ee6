package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/lifecycle"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const approvalItem = `{"type":"response.output_item.added","item":{"id":"mcpr_1","type":"mcp_approval_request","name":"deploy","server_label":"ops"}}`

func textDelta(text string) string {
	return `{"type":"response.output_text.delta","item_id":"msg","delta":"` + text + `"}`
}

func completedEvent(id string) string {
	return `{"type":"response.completed","response":{"id":"` + id + `","status":"completed","output":[]}}`
}

func TestChatSendPersistsAndTitles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.setRespond(reply("It is sunny", "R1"))

	view, err := h.chat.Send(ctx, "  weather?  ")
	require.NoError(t, err)
	require.NotEmpty(t, view.ThreadID)
	h.idle(t)

	view = h.chat.State()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "weather?", view.Messages[0].Content)
	assert.Equal(t, "It is sunny", lastMessage(view).Content)
	assert.Equal(t, "R1", view.PreviousResponseID)

	stored, ok := h.repo.stored(view.ThreadID)
	require.True(t, ok)
	assert.Len(t, stored.Messages, 2)
	assert.Equal(t, "R1", stored.PreviousResponseID)

	require.Eventually(t, func() bool {
		thread, err := h.threads.Get(view.ThreadID)
		return err == nil && thread.Title == "Weather Talk"
	}, waitFor, tick)

	h.transport.setRespond(reply("Still sunny", "R2"))
	_, err = h.chat.Send(ctx, "tomorrow?")
	require.NoError(t, err)
	h.idle(t)

	assert.Equal(t, "R1", h.transport.request(1).PreviousResponseID)
	assert.Equal(t, "chat-model", h.transport.request(1).Model)
	assert.Equal(t, 1, h.titler.callCount())
	assert.Len(t, h.chat.Threads(), 1)
}

func TestChatSwitchBackWaitsForOverlappingSettles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "one")
	require.NoError(t, err)
	threadA := view.ThreadID

	entered := make(chan struct{})
	release := make(chan struct{})
	h.repo.holdNextSave(func() {
		close(entered)
		<-release
	})
	first := h.transport.lastPipe()
	first.SendString(textDelta("first"))
	first.SendString(completedEvent("R1"))
	<-entered

	// the second turn starts while the first is still being written
	_, err = h.chat.Send(ctx, "two")
	require.NoError(t, err)
	second := h.transport.lastPipe()
	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)
	second.SendString(textDelta("second"))
	second.SendString(completedEvent("R2"))
	require.Eventually(t, func() bool { return !h.life.IsBackground(threadA) }, waitFor, tick)

	switched := make(chan error, 1)
	go func() {
		_, err := h.chat.SwitchThread(ctx, threadA)
		switched <- err
	}()
	select {
	case <-switched:
		t.Fatal("switch returned before the turns were settled")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-switched:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("switch did not return")
	}
	view = h.chat.State()
	assert.Equal(t, threadA, view.ThreadID)
	require.Len(t, view.Messages, 4)
	assert.Equal(t, "second", lastMessage(view).Content)
	assert.Equal(t, "R2", view.PreviousResponseID)

	phase, _ := h.threads.Phase(threadA)
	assert.Equal(t, PhaseSettled, phase)
}

func TestChatPersistFailureLogsTurnIDs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	repo := newMemRepo()
	threads := NewThreadUseCase(repo, nil, nil, &recordingNotifier{}, TitleConfig{}, nil, zap.New(core))
	transport := &fakeTransport{}
	chat := NewChatUseCase(threads, lifecycle.NewController(nil, nil, nil), transport, ModelConfig{Model: "chat-model"}, nil)
	t.Cleanup(chat.Close)

	view, err := chat.Send(context.Background(), "hello")
	require.NoError(t, err)
	repo.mu.Lock()
	repo.failSave = true
	repo.mu.Unlock()
	pipe := transport.lastPipe()
	pipe.SendString(textDelta("hi"))
	pipe.SendString(completedEvent("R1"))

	var entry observer.LoggedEntry
	require.Eventually(t, func() bool {
		for _, e := range logs.FilterMessage("failed to persist thread").All() {
			if _, ok := e.ContextMap()["session_id"]; ok {
				entry = e
				return true
			}
		}
		return false
	}, waitFor, tick)

	fields := entry.ContextMap()
	assert.Equal(t, view.ThreadID, fields["thread_id"])
	assert.Equal(t, lastMessage(view).ID, fields["session_id"])
}

func TestChatSendValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.chat.Send(context.Background(), "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	_, err = h.chat.Send(context.Background(), "first")
	require.NoError(t, err)
	_, err = h.chat.Send(context.Background(), "second")
	assert.True(t, apperrors.Is(err, apperrors.ErrStreamBusy))
	assert.Equal(t, 1, h.transport.requestCount())
}

func TestChatRetryKeepsContinuityAcrossThreads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.setRespond(reply("A one", "R1"))
	view, err := h.chat.Send(ctx, "a1")
	require.NoError(t, err)
	threadA := view.ThreadID
	h.idle(t)

	// another thread in between moves nothing on thread A
	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)
	h.transport.setRespond(reply("B one", "RB"))
	_, err = h.chat.Send(ctx, "b1")
	require.NoError(t, err)
	h.idle(t)

	view, err = h.chat.SwitchThread(ctx, threadA)
	require.NoError(t, err)
	assert.Equal(t, "R1", view.PreviousResponseID)

	h.transport.setRespond(failWith(errors.New("connection reset")))
	_, err = h.chat.Send(ctx, "a2")
	require.NoError(t, err)
	h.idle(t)

	view = h.chat.State()
	failed := lastMessage(view)
	require.True(t, failed.IsError)
	assert.Equal(t, "R1", view.PreviousResponseID)

	h.transport.setRespond(reply("A two", "R2"))
	view, err = h.chat.Retry(ctx, failed.ID)
	require.NoError(t, err)
	h.idle(t)

	last := h.transport.request(h.transport.requestCount() - 1)
	assert.Equal(t, "R1", last.PreviousResponseID)
	require.Len(t, last.Input, 1)
	assert.Equal(t, "a2", last.Input[0].Content)

	view = h.chat.State()
	require.Len(t, view.Messages, 4)
	assert.Equal(t, "A two", lastMessage(view).Content)
	assert.Equal(t, "R2", view.PreviousResponseID)
	stored, _ := h.repo.stored(threadA)
	assert.Len(t, stored.Messages, 4)
}

func TestChatRetryPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.setRespond(reply("fine", "R1"))
	_, err := h.chat.Send(ctx, "q")
	require.NoError(t, err)
	h.idle(t)
	view := h.chat.State()

	for _, id := range []string{"missing", view.Messages[0].ID, view.Messages[1].ID} {
		_, err := h.chat.Retry(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.transport.requestCount())
	assert.Len(t, h.chat.State().Messages, 2)
}

func TestChatDeleteWhileStreaming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "long answer please")
	require.NoError(t, err)
	id := view.ThreadID
	pipe := h.transport.lastPipe()
	pipe.SendString(textDelta("partial"))

	view, err = h.chat.DeleteThread(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "clear"}, h.life.order())
	assert.False(t, view.Streaming)
	assert.Empty(t, view.Messages)
	closed(t, pipe)

	// wait for the stopped turn to be handed back
	h.chat.Close()
	assert.Empty(t, h.chat.Threads())
	assert.Zero(t, h.repo.count())
	assert.Equal(t, []string{id}, h.notifier.deleted)
}

func TestChatDeleteBackgroundThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "slow")
	require.NoError(t, err)
	id := view.ThreadID

	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)
	require.True(t, h.life.IsBackground(id))

	_, err = h.chat.DeleteThread(ctx, id)
	require.NoError(t, err)
	assert.False(t, h.life.IsBackground(id))
	assert.Empty(t, h.life.order())

	h.chat.Close()
	assert.Zero(t, h.repo.count())
	_, err = h.threads.Get(id)
	assert.True(t, apperrors.Is(err, apperrors.ErrThreadNotFound))
}

func TestChatSwitchReattachesLiveStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "a")
	require.NoError(t, err)
	threadA := view.ThreadID
	pipeA := h.transport.lastPipe()
	pipeA.SendString(textDelta("partial"))
	require.Eventually(t, func() bool {
		return lastMessage(h.chat.State()).Content == "partial"
	}, waitFor, tick)

	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)
	h.transport.setRespond(reply("B", "RB"))
	_, err = h.chat.Send(ctx, "b")
	require.NoError(t, err)
	h.idle(t)

	view, err = h.chat.SwitchThread(ctx, threadA)
	require.NoError(t, err)
	assert.Equal(t, threadA, view.ThreadID)
	assert.True(t, view.Streaming)
	assert.Equal(t, "partial", lastMessage(view).Content)

	pipeA.SendString(textDelta(" done"))
	pipeA.SendString(completedEvent("RA"))
	h.idle(t)

	view = h.chat.State()
	assert.Equal(t, "partial done", lastMessage(view).Content)
	assert.Equal(t, "RA", view.PreviousResponseID)
	assert.Len(t, h.chat.Threads(), 2)
}

func TestChatSwitchLoadsSettledBackgroundResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "a")
	require.NoError(t, err)
	threadA := view.ThreadID
	pipeA := h.transport.lastPipe()

	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)

	pipeA.SendString(textDelta("finished in background"))
	pipeA.SendString(completedEvent("RA"))
	require.Eventually(t, func() bool {
		phase, _ := h.threads.Phase(threadA)
		return phase == PhaseSettled
	}, waitFor, tick)

	view, err = h.chat.SwitchThread(ctx, threadA)
	require.NoError(t, err)
	assert.False(t, view.Streaming)
	assert.Equal(t, "finished in background", lastMessage(view).Content)
	assert.Equal(t, "RA", view.PreviousResponseID)
}

func TestChatSwitchUnknownThread(t *testing.T) {
	h := newHarness(t)
	_, err := h.chat.SwitchThread(context.Background(), "nope")
	assert.True(t, apperrors.Is(err, apperrors.ErrThreadNotFound))
}

func TestChatSendCreatesThreadBeforeStreaming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, view.ThreadID)
	assert.Equal(t, 1, h.repo.count())

	phase, ok := h.threads.Phase(view.ThreadID)
	require.True(t, ok)
	assert.Equal(t, PhaseStreaming, phase)
}

func TestChatEphemeralNewChatCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.chat.NewChat(ctx, true)
	require.NoError(t, err)
	view, err := h.chat.Send(ctx, "secret")
	require.NoError(t, err)
	assert.True(t, view.Ephemeral)
	assert.Empty(t, view.ThreadID)
	pipe := h.transport.lastPipe()

	view, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)
	assert.False(t, view.Ephemeral)
	assert.Empty(t, view.Messages)
	closed(t, pipe)

	h.chat.Close()
	assert.Empty(t, h.chat.Threads())
	assert.Zero(t, h.repo.count())
}

func TestChatApproveContinuesSameMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.setRespond(func(*types.ResponseRequest) (stream.EventSource, error) {
		return stream.NewSliceSource([][]byte{
			[]byte(`{"type":"response.created","response":{"id":"RA"}}`),
			[]byte(approvalItem),
			[]byte(completedEvent("RA")),
		}), nil
	})
	_, err := h.chat.Send(ctx, "deploy it")
	require.NoError(t, err)
	h.idle(t)
	asking := lastMessage(h.chat.State())
	require.Len(t, asking.ToolCalls, 1)
	assert.Equal(t, types.StatusPending, asking.ToolCalls[0].Status)

	h.transport.setRespond(reply("Deployed", "RB"))
	_, err = h.chat.Approve(ctx, "mcpr_1")
	require.NoError(t, err)
	h.idle(t)

	req := h.transport.request(1)
	assert.Equal(t, "RA", req.PreviousResponseID)
	require.Len(t, req.Input, 1)
	assert.Equal(t, "mcp_approval_response", req.Input[0].Type)
	assert.Equal(t, "mcpr_1", req.Input[0].ApprovalRequestID)
	require.NotNil(t, req.Input[0].Approve)
	assert.True(t, *req.Input[0].Approve)

	view := h.chat.State()
	require.Len(t, view.Messages, 2)
	answered := lastMessage(view)
	assert.Equal(t, asking.ID, answered.ID)
	assert.Equal(t, "Deployed", answered.Content)
	assert.Equal(t, types.StatusApproved, answered.ToolCalls[0].Status)
	assert.Equal(t, "RB", view.PreviousResponseID)

	_, err = h.chat.Deny(ctx, "mcpr_1")
	assert.True(t, apperrors.Is(err, apperrors.ErrApprovalNotFound))
}

func TestChatBackgroundApprovalIsNotRouted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "deploy")
	require.NoError(t, err)
	threadA := view.ThreadID
	h.transport.lastPipe().SendString(approvalItem)
	require.Eventually(t, func() bool {
		_, ok := h.life.LocateApproval("mcpr_1")
		return ok
	}, waitFor, tick)

	_, err = h.chat.NewChat(ctx, false)
	require.NoError(t, err)

	_, err = h.chat.Approve(ctx, "mcpr_1")
	assert.True(t, apperrors.Is(err, apperrors.ErrApprovalNotRouted))
	loc, ok := h.life.LocateApproval("mcpr_1")
	require.True(t, ok)
	assert.Equal(t, threadA, loc.ThreadID)
	assert.Equal(t, 1, h.transport.requestCount())

	_, err = h.chat.Deny(ctx, "mcpr_unknown")
	assert.True(t, apperrors.Is(err, apperrors.ErrApprovalNotFound))
}

func TestChatPersistFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.repo.failSave = true
	h.transport.setRespond(reply("ok", "R1"))

	view, err := h.chat.Send(context.Background(), "q")
	require.NoError(t, err)
	h.idle(t)

	thread, err := h.threads.Get(view.ThreadID)
	require.NoError(t, err)
	assert.Len(t, thread.Messages, 2)
	errs := h.notifier.errors()
	require.NotEmpty(t, errs)
	for _, e := range errs {
		assert.True(t, apperrors.Is(e, apperrors.ErrPersistFailed))
	}
}

func TestChatAttachFiles(t *testing.T) {
	h := newHarness(t)
	h.chat.model.Tools = []types.Tool{{Type: "code_interpreter"}}
	ctx := context.Background()

	_, err := h.chat.AttachFiles(ctx, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParams))

	view, err := h.chat.AttachFiles(ctx, []string{"file_1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"file_1"}, view.UploadedFileIDs)

	h.transport.setRespond(reply("read it", "R1"))
	view, err = h.chat.Send(ctx, "summarise the file")
	require.NoError(t, err)
	h.idle(t)

	req := h.transport.request(0)
	require.Len(t, req.Tools, 1)
	require.NotNil(t, req.Tools[0].Container)
	assert.Equal(t, "auto", req.Tools[0].Container.Type)
	assert.Equal(t, []string{"file_1"}, req.Tools[0].Container.FileIDs)

	stored, ok := h.repo.stored(view.ThreadID)
	require.True(t, ok)
	assert.Equal(t, []string{"file_1"}, stored.UploadedFileIDs)
}

func TestChatStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.chat.Send(ctx, "q")
	require.NoError(t, err)
	h.transport.lastPipe().SendString(textDelta("half"))
	require.Eventually(t, func() bool {
		return lastMessage(h.chat.State()).Content == "half"
	}, waitFor, tick)

	view = h.chat.Stop()
	assert.False(t, view.Streaming)
	assert.True(t, lastMessage(view).IsStopped)
	h.idle(t)

	stored, ok := h.repo.stored(view.ThreadID)
	require.True(t, ok)
	assert.True(t, stored.Messages[1].IsStopped)
	assert.Equal(t, "half", stored.Messages[1].Content)
}
