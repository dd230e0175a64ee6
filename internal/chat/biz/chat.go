package biz

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/lifecycle"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/logger"
	"go.uber.org/zap"
)

// Lifecycle is the stream lifecycle controller as seen by user actions
type Lifecycle interface {
	StartForeground(ctx context.Context, assistant types.Message, src stream.EventSource, initial *stream.State) (*lifecycle.Turn, error)
	Detach() (string, bool, error)
	Reattach(ctx context.Context, threadID string) (lifecycle.View, bool, error)
	AbortBackground(threadID string) bool
	StopForeground() bool
	ClearForeground() error
	Reset(ephemeral bool) error
	Load(thread *types.Thread) error
	AssignThread(threadID string)
	Append(msgs ...types.Message) lifecycle.View
	SetMessages(msgs []types.Message) error
	AddFiles(ids ...string) lifecycle.View
	LocateApproval(approvalID string) (lifecycle.Location, bool)
	ResolveApproval(approvalID string, approve bool) (types.Message, error)
	MarkSettled(threadID string, seq uint64)
	View() lifecycle.View
	IsBackground(threadID string) bool
	Shutdown()
}

var _ Lifecycle = (*lifecycle.Controller)(nil)

// Transport opens a streamed model response
type Transport interface {
	Stream(ctx context.Context, req *types.ResponseRequest) (stream.EventSource, error)
}

// ModelConfig shapes every outbound request
type ModelConfig struct {
	Model            string
	Instructions     string
	ReasoningEffort  string
	ReasoningSummary string
	Tools            []types.Tool
}

// ChatUseCase implements the user actions. Actions are serialised; turn
// results are settled on their own goroutines.
type ChatUseCase struct {
	threads   *ThreadUseCase
	life      Lifecycle
	transport Transport
	model     ModelConfig
	log       *zap.Logger

	// ctx outlives requests; streams run on it until Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
}

// NewChatUseCase creates the user action façade
func NewChatUseCase(threads *ThreadUseCase, life Lifecycle, transport Transport, model ModelConfig, log *zap.Logger) *ChatUseCase {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatUseCase{
		threads:   threads,
		life:      life,
		transport: transport,
		model:     model,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the foreground view
func (uc *ChatUseCase) State() lifecycle.View {
	return uc.life.View()
}

// Threads lists all threads, most recent first
func (uc *ChatUseCase) Threads() []*types.Thread {
	return uc.threads.List()
}

// Send appends a user message to the foreground conversation and streams the
// reply. A fresh persisted conversation gets its thread before streaming
// starts, so it can be detached at any moment.
func (uc *ChatUseCase) Send(ctx context.Context, text string) (lifecycle.View, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return lifecycle.View{}, apperrors.NewValidationError("content")
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	view := uc.life.View()
	if view.Streaming {
		return view, apperrors.New(apperrors.ErrStreamBusy)
	}

	req := uc.newRequest(types.UserInput(text), view.PreviousResponseID, view.UploadedFileIDs)
	user := types.NewUserMessage(text, req)
	uc.life.Append(user)

	threadID := view.ThreadID
	if !view.Ephemeral && threadID == "" {
		thread := uc.threads.CreateThread(ctx, user)
		uc.life.AssignThread(thread.ID)
		threadID = thread.ID
	}

	if err := uc.startTurn(threadID, types.NewAssistantMessage(), req, nil); err != nil {
		return uc.life.View(), err
	}
	return uc.life.View(), nil
}

// Stop cancels the foreground stream
func (uc *ChatUseCase) Stop() lifecycle.View {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.life.StopForeground()
	return uc.life.View()
}

// SwitchThread shows another thread. A running foreground stream is detached
// first, or cancelled when the conversation is ephemeral. A thread with a
// background stream is reattached; otherwise its persisted snapshot is loaded.
func (uc *ChatUseCase) SwitchThread(ctx context.Context, id string) (lifecycle.View, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	current := uc.life.View()
	if current.ThreadID == id {
		return current, nil
	}
	if _, err := uc.threads.Get(id); err != nil {
		return current, err
	}

	if err := uc.leaveForeground(ctx); err != nil {
		return uc.life.View(), err
	}

	view, live, err := uc.life.Reattach(ctx, id)
	if err != nil {
		return uc.life.View(), mapLifecycleErr(err)
	}
	if live {
		return view, nil
	}

	// no live buffer: show what the last completion persisted
	thread, err := uc.threads.Get(id)
	if err != nil {
		return uc.life.View(), err
	}
	if err := uc.life.Load(thread); err != nil {
		return uc.life.View(), mapLifecycleErr(err)
	}
	return uc.life.View(), nil
}

// NewChat leaves the current conversation and starts an empty one
func (uc *ChatUseCase) NewChat(ctx context.Context, ephemeral bool) (lifecycle.View, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if err := uc.leaveForeground(ctx); err != nil {
		return uc.life.View(), err
	}
	if err := uc.life.Reset(ephemeral); err != nil {
		return uc.life.View(), mapLifecycleErr(err)
	}
	return uc.life.View(), nil
}

// DeleteThread deletes a thread. A foreground stream on it is stopped before
// the foreground is cleared; a background stream on it is aborted.
func (uc *ChatUseCase) DeleteThread(ctx context.Context, id string) (lifecycle.View, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	view := uc.life.View()
	switch {
	case view.ThreadID == id:
		if view.Streaming {
			uc.life.StopForeground()
		}
		if err := uc.life.ClearForeground(); err != nil {
			return uc.life.View(), mapLifecycleErr(err)
		}
	case uc.life.IsBackground(id):
		uc.life.AbortBackground(id)
	}

	if err := uc.threads.Delete(ctx, id); err != nil {
		return uc.life.View(), err
	}
	return uc.life.View(), nil
}

// RenameThread sets a thread title
func (uc *ChatUseCase) RenameThread(ctx context.Context, id, title string) (*types.Thread, error) {
	return uc.threads.Rename(ctx, id, title)
}

// Retry re-runs a failed assistant reply with the request its user message
// was originally sent with, so continuity comes from that message. Anything
// else is a no-op.
func (uc *ChatUseCase) Retry(ctx context.Context, messageID string) (lifecycle.View, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	view := uc.life.View()
	if view.Streaming {
		return view, nil
	}
	i := types.IndexOf(view.Messages, messageID)
	if i < 1 {
		return view, nil
	}
	target, user := view.Messages[i], view.Messages[i-1]
	if target.Role != types.RoleAssistant || !target.IsError || user.Role != types.RoleUser {
		return view, nil
	}

	req, ok := user.Request()
	if !ok {
		req = uc.newRequest(types.UserInput(user.Content), user.PreviousResponseID(), view.UploadedFileIDs)
	}

	truncated := types.CloneMessages(view.Messages[:i])
	if err := uc.life.SetMessages(truncated); err != nil {
		return uc.life.View(), mapLifecycleErr(err)
	}
	if view.ThreadID != "" {
		if err := uc.threads.SyncMessages(ctx, view.ThreadID, truncated); err != nil {
			uc.log.Warn("failed to sync retried thread", zap.String("thread_id", view.ThreadID), zap.Error(err))
		}
	}

	if err := uc.startTurn(view.ThreadID, types.NewAssistantMessage(), req, nil); err != nil {
		return uc.life.View(), err
	}
	return uc.life.View(), nil
}

// Approve answers a pending MCP approval request with yes
func (uc *ChatUseCase) Approve(ctx context.Context, approvalID string) (lifecycle.View, error) {
	return uc.resolveApproval(ctx, approvalID, true)
}

// Deny answers a pending MCP approval request with no
func (uc *ChatUseCase) Deny(ctx context.Context, approvalID string) (lifecycle.View, error) {
	return uc.resolveApproval(ctx, approvalID, false)
}

// AttachFiles records uploaded files for the code interpreter of the
// foreground conversation
func (uc *ChatUseCase) AttachFiles(ctx context.Context, fileIDs []string) (lifecycle.View, error) {
	if len(fileIDs) == 0 {
		return uc.life.View(), apperrors.NewValidationError("fileIds")
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()

	view := uc.life.AddFiles(fileIDs...)
	if view.ThreadID != "" {
		if err := uc.threads.AddFiles(ctx, view.ThreadID, fileIDs); err != nil {
			return view, err
		}
	}
	return view, nil
}

// Close cancels every stream and waits for their results to be settled
func (uc *ChatUseCase) Close() {
	uc.life.Shutdown()
	uc.wg.Wait()
	uc.cancel()
}

func (uc *ChatUseCase) resolveApproval(_ context.Context, approvalID string, approve bool) (lifecycle.View, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	loc, ok := uc.life.LocateApproval(approvalID)
	if !ok {
		return uc.life.View(), apperrors.New(apperrors.ErrApprovalNotFound, approvalID)
	}
	// background approvals are left pending until the thread is in front
	if !loc.Foreground {
		return uc.life.View(), apperrors.New(apperrors.ErrApprovalNotRouted, loc.ThreadID)
	}

	view := uc.life.View()
	msg, err := uc.life.ResolveApproval(approvalID, approve)
	if err != nil {
		return view, mapLifecycleErr(err)
	}

	req := uc.newRequest(types.ApprovalInput(approvalID, approve), view.PreviousResponseID, view.UploadedFileIDs)
	initial := stream.StateFromMessage(msg)
	if err := uc.startTurn(view.ThreadID, msg, req, &initial); err != nil {
		return uc.life.View(), err
	}
	return uc.life.View(), nil
}

// leaveForeground detaches or cancels the running foreground stream
func (uc *ChatUseCase) leaveForeground(ctx context.Context) error {
	view := uc.life.View()
	if !view.Streaming {
		return nil
	}
	if view.Ephemeral {
		uc.life.StopForeground()
		return nil
	}
	if view.ThreadID == "" {
		thread := uc.threads.CreateThread(ctx, view.Messages...)
		uc.threads.MarkStreaming(thread.ID, 0)
		uc.life.AssignThread(thread.ID)
	}

	_, _, err := uc.life.Detach()
	return mapLifecycleErr(err)
}

func (uc *ChatUseCase) startTurn(threadID string, assistant types.Message, req *types.ResponseRequest, initial *stream.State) error {
	src, err := uc.transport.Stream(uc.ctx, req)
	if err != nil {
		// the failure is shown on the assistant message like any stream error
		uc.log.Warn("failed to open response stream", zap.String("thread_id", threadID), zap.Error(err))
		src = stream.ErrorSource{Err: err}
	}

	turn, err := uc.life.StartForeground(uc.ctx, assistant, src, initial)
	if err != nil {
		return mapLifecycleErr(err)
	}
	if threadID != "" {
		uc.threads.MarkStreaming(threadID, turn.Seq())
	}

	uc.wg.Add(1)
	go uc.await(turn)
	return nil
}

func (uc *ChatUseCase) await(turn *lifecycle.Turn) {
	defer uc.wg.Done()

	res := <-turn.Done()
	if res.ThreadID != "" {
		defer uc.life.MarkSettled(res.ThreadID, res.Seq)
	}

	ctx := logger.WithSessionID(logger.WithThreadID(uc.ctx, res.ThreadID), turn.MessageID())
	log := uc.log.With(logger.Fields(ctx)...).With(
		zap.String("outcome", res.Outcome.Kind.String()),
		zap.String("placement", res.Placement.String()),
	)
	if res.Outcome.Err != nil {
		log.Warn("turn failed", zap.Error(res.Outcome.Err))
	}
	if res.Ephemeral || res.ThreadID == "" || res.Aborted {
		log.Debug("turn not persisted")
		return
	}

	uc.threads.SettleTurn(ctx, Settlement{
		ThreadID:           res.ThreadID,
		Seq:                res.Seq,
		Messages:           res.Messages,
		PreviousResponseID: res.PreviousResponseID,
		UploadedFileIDs:    res.UploadedFileIDs,
		Model:              uc.model.Model,
	})
}

func (uc *ChatUseCase) newRequest(input []types.InputItem, previousResponseID string, fileIDs []string) *types.ResponseRequest {
	req := &types.ResponseRequest{
		Model:              uc.model.Model,
		Input:              input,
		PreviousResponseID: previousResponseID,
		Instructions:       uc.model.Instructions,
		Stream:             true,
	}
	if uc.model.ReasoningEffort != "" || uc.model.ReasoningSummary != "" {
		req.Reasoning = &types.ReasoningOptions{
			Effort:  uc.model.ReasoningEffort,
			Summary: uc.model.ReasoningSummary,
		}
	}
	for _, tool := range uc.model.Tools {
		if tool.Type == "code_interpreter" {
			container := &types.ToolContainer{Type: "auto"}
			if tool.Container != nil && tool.Container.Type != "" {
				container.Type = tool.Container.Type
			}
			if len(fileIDs) > 0 {
				container.FileIDs = append([]string{}, fileIDs...)
			}
			tool.Container = container
		}
		req.Tools = append(req.Tools, tool)
	}
	return req
}

func mapLifecycleErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, lifecycle.ErrForegroundBusy):
		return apperrors.Wrap(err, apperrors.ErrForegroundBusy)
	case errors.Is(err, lifecycle.ErrEphemeral):
		return apperrors.Wrap(err, apperrors.ErrEphemeralDetach)
	case errors.Is(err, lifecycle.ErrApprovalNotFound):
		return apperrors.Wrap(err, apperrors.ErrApprovalNotFound)
	default:
		return apperrors.Wrap(err, apperrors.ErrInternalServer)
	}
}
