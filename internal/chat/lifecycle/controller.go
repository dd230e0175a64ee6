package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/metrics"
	"go.uber.org/zap"
)

var (
	// ErrForegroundBusy is returned when an operation needs an idle foreground
	ErrForegroundBusy = errors.New("lifecycle: foreground stream is active")
	// ErrEphemeral is returned when detaching an ephemeral conversation
	ErrEphemeral = errors.New("lifecycle: ephemeral conversations cannot be detached")
	// ErrNoThread is returned when detaching a stream that has no thread yet
	ErrNoThread = errors.New("lifecycle: foreground stream has no thread")
	// ErrApprovalNotFound is returned for an unknown or already answered approval
	ErrApprovalNotFound = errors.New("lifecycle: approval request not found")
)

// Placement is where a session was running when it ended
type Placement int

const (
	PlacementForeground Placement = iota
	PlacementBackground
)

func (p Placement) String() string {
	if p == PlacementBackground {
		return "background"
	}
	return "foreground"
}

// View is a deep-copied snapshot of the foreground conversation
type View struct {
	ThreadID           string          `json:"threadId,omitempty"`
	Ephemeral          bool            `json:"ephemeral"`
	Messages           []types.Message `json:"messages"`
	Streaming          bool            `json:"streaming"`
	PreviousResponseID string          `json:"previousResponseId,omitempty"`
	UploadedFileIDs    []string        `json:"uploadedFileIds"`
	Background         []string        `json:"background"`
}

// Publisher receives every foreground view change. It is called with the
// controller lock held, so it must not block or call back into the controller.
type Publisher interface {
	PublishView(View)
}

// TurnResult is delivered once per turn when its session ends
type TurnResult struct {
	Seq                uint64
	ThreadID           string
	Ephemeral          bool
	Placement          Placement
	Outcome            stream.Outcome
	Messages           []types.Message
	PreviousResponseID string
	UploadedFileIDs    []string
	// Aborted is set when the session was cancelled because its thread was deleted
	Aborted bool
}

// Turn is the handle of one started stream session
type Turn struct {
	seq     uint64
	session *stream.Session
	done    chan TurnResult
}

func (t *Turn) Seq() uint64 { return t.seq }

// MessageID is the id of the assistant message the turn renders
func (t *Turn) MessageID() string { return t.session.ID() }

// Done delivers exactly one result
func (t *Turn) Done() <-chan TurnResult { return t.done }

// Location tells where a pending approval request lives
type Location struct {
	ThreadID   string
	MessageID  string
	Foreground bool
}

type buffer struct {
	threadID           string
	ephemeral          bool
	messages           []types.Message
	previousResponseID string
	uploadedFileIDs    []string
	session            *stream.Session
	turn               *Turn
	aborted            bool
}

func newBuffer(ephemeral bool) *buffer {
	return &buffer{ephemeral: ephemeral, uploadedFileIDs: []string{}}
}

func (b *buffer) upsert(msg types.Message) {
	if i := types.IndexOf(b.messages, msg.ID); i >= 0 {
		b.messages[i] = msg
		return
	}
	b.messages = append(b.messages, msg)
}

// Controller owns the foreground buffer and the background registry. A
// session's updates follow the buffer that owns it, so moving a buffer
// between foreground and background rebinds where its updates land.
type Controller struct {
	log     *zap.Logger
	pub     Publisher
	metrics *metrics.Metrics

	mu         sync.Mutex
	fg         *buffer
	background map[string]*buffer
	owner      map[*stream.Session]*buffer

	// settling holds one gate per finished turn whose result is still being
	// recorded, keyed by thread and turn seq
	settling map[string]map[uint64]chan struct{}
	seq      uint64
}

// NewController creates a controller with an empty, persisted foreground
func NewController(pub Publisher, m *metrics.Metrics, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:        log,
		pub:        pub,
		metrics:    m,
		fg:         newBuffer(false),
		background: make(map[string]*buffer),
		owner:      make(map[*stream.Session]*buffer),
		settling:   make(map[string]map[uint64]chan struct{}),
	}
}

// StartForeground streams src into assistant on the foreground. An assistant
// message already present (matched by id) is continued in place. initial
// seeds the accumulator when continuing; pass nil for a fresh reply.
func (c *Controller) StartForeground(ctx context.Context, assistant types.Message, src stream.EventSource, initial *stream.State) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fg.session != nil {
		_ = src.Close()
		return nil, ErrForegroundBusy
	}

	opts := []stream.Option{stream.WithLogger(c.log.With(zap.String("thread_id", c.fg.threadID)))}
	if initial != nil {
		opts = append(opts, stream.WithInitialState(*initial))
	}
	session := stream.NewSession(assistant, opts...)

	c.seq++
	turn := &Turn{seq: c.seq, session: session, done: make(chan TurnResult, 1)}

	c.fg.upsert(session.Snapshot())
	c.fg.session = session
	c.fg.turn = turn
	c.owner[session] = c.fg

	// the session cannot report before Start, and Start does not call back
	session.Start(ctx, src, c)
	c.metrics.StreamStarted()
	c.publishLocked()
	return turn, nil
}

// Detach moves the running foreground stream to the background registry and
// resets the foreground. It reports false when nothing was streaming.
func (c *Controller) Detach() (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.fg
	if b.session == nil {
		return b.threadID, false, nil
	}
	if b.ephemeral {
		return "", false, ErrEphemeral
	}
	if b.threadID == "" {
		return "", false, ErrNoThread
	}

	c.background[b.threadID] = b
	c.fg = newBuffer(false)
	c.metrics.Detached()
	c.metrics.SetBackground(len(c.background))
	c.log.Info("stream detached", zap.String("thread_id", b.threadID))
	c.publishLocked()
	return b.threadID, true, nil
}

// Reattach promotes the background stream of threadID to the foreground. If
// no live buffer exists it waits until every finished turn of that thread has
// been settled and reports false, so the caller can load the persisted
// snapshot instead.
func (c *Controller) Reattach(ctx context.Context, threadID string) (View, bool, error) {
	c.mu.Lock()
	if c.fg.session != nil {
		c.mu.Unlock()
		return View{}, false, ErrForegroundBusy
	}
	if b, ok := c.background[threadID]; ok {
		delete(c.background, threadID)
		c.fg = b
		c.metrics.Reattached()
		c.metrics.SetBackground(len(c.background))
		c.log.Info("stream reattached", zap.String("thread_id", threadID))
		view := c.viewLocked()
		c.publishLocked()
		c.mu.Unlock()
		return view, true, nil
	}
	gates := make([]chan struct{}, 0, len(c.settling[threadID]))
	for _, gate := range c.settling[threadID] {
		gates = append(gates, gate)
	}
	c.mu.Unlock()

	for _, gate := range gates {
		select {
		case <-gate:
		case <-ctx.Done():
			return View{}, false, ctx.Err()
		}
	}
	return View{}, false, nil
}

// AbortBackground cancels the background stream of threadID, if any
func (c *Controller) AbortBackground(threadID string) bool {
	c.mu.Lock()
	b, ok := c.background[threadID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.background, threadID)
	b.aborted = true
	session := b.session
	c.metrics.Aborted()
	c.metrics.SetBackground(len(c.background))
	c.publishLocked()
	c.mu.Unlock()

	c.log.Info("background stream aborted", zap.String("thread_id", threadID))
	if session != nil {
		session.Cancel()
	}
	return true
}

// StopForeground cancels the foreground stream. When it returns the stopped
// outcome has been applied and no further updates will arrive.
func (c *Controller) StopForeground() bool {
	c.mu.Lock()
	session := c.fg.session
	c.mu.Unlock()

	if session == nil {
		return false
	}
	session.Cancel()
	return true
}

// ClearForeground empties the foreground, keeping its ephemeral flag
func (c *Controller) ClearForeground() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg.session != nil {
		return ErrForegroundBusy
	}
	c.fg = newBuffer(c.fg.ephemeral)
	c.publishLocked()
	return nil
}

// Reset starts a fresh foreground conversation
func (c *Controller) Reset(ephemeral bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg.session != nil {
		return ErrForegroundBusy
	}
	c.fg = newBuffer(ephemeral)
	c.publishLocked()
	return nil
}

// Load shows a persisted thread in the foreground
func (c *Controller) Load(thread *types.Thread) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg.session != nil {
		return ErrForegroundBusy
	}
	t := thread.Clone()
	c.fg = &buffer{
		threadID:           t.ID,
		messages:           t.Messages,
		previousResponseID: t.PreviousResponseID,
		uploadedFileIDs:    t.UploadedFileIDs,
	}
	c.publishLocked()
	return nil
}

// AssignThread binds the foreground to a newly created thread
func (c *Controller) AssignThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg.ephemeral || c.fg.threadID != "" {
		return
	}
	c.fg.threadID = threadID
	c.publishLocked()
}

// Append adds messages to the foreground
func (c *Controller) Append(msgs ...types.Message) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		c.fg.upsert(msg.Clone())
	}
	c.publishLocked()
	return c.viewLocked()
}

// SetMessages replaces the foreground messages of an idle conversation
func (c *Controller) SetMessages(msgs []types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fg.session != nil {
		return ErrForegroundBusy
	}
	c.fg.messages = types.CloneMessages(msgs)
	c.publishLocked()
	return nil
}

// AddFiles records uploaded file ids on the foreground
func (c *Controller) AddFiles(ids ...string) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if !contains(c.fg.uploadedFileIDs, id) {
			c.fg.uploadedFileIDs = append(c.fg.uploadedFileIDs, id)
		}
	}
	c.publishLocked()
	return c.viewLocked()
}

// LocateApproval finds a pending approval request in the foreground or any
// background buffer.
func (c *Controller) LocateApproval(approvalID string) (Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msgID, ok := findApproval(c.fg.messages, approvalID); ok {
		return Location{ThreadID: c.fg.threadID, MessageID: msgID, Foreground: true}, true
	}
	for id, b := range c.background {
		if msgID, ok := findApproval(b.messages, approvalID); ok {
			return Location{ThreadID: id, MessageID: msgID}, true
		}
	}
	return Location{}, false
}

// ResolveApproval records the user's decision on a pending foreground
// approval and returns the updated assistant message.
func (c *Controller) ResolveApproval(approvalID string, approve bool) (types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fg.session != nil {
		return types.Message{}, ErrForegroundBusy
	}
	msgID, ok := findApproval(c.fg.messages, approvalID)
	if !ok {
		return types.Message{}, ErrApprovalNotFound
	}

	status := types.StatusDenied
	if approve {
		status = types.StatusApproved
	}
	i := types.IndexOf(c.fg.messages, msgID)
	msg := c.fg.messages[i].Clone()
	for j := range msg.ToolCalls {
		call := &msg.ToolCalls[j]
		if call.Type == types.ToolMCPApproval && approvalKey(*call) == approvalID {
			call.Advance(status)
		}
	}
	c.fg.messages[i] = msg
	c.publishLocked()
	return msg.Clone(), nil
}

// MarkSettled releases anyone waiting for the result of turn seq to be persisted
func (c *Controller) MarkSettled(threadID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gates := c.settling[threadID]
	gate, ok := gates[seq]
	if !ok {
		return
	}
	close(gate)
	delete(gates, seq)
	if len(gates) == 0 {
		delete(c.settling, threadID)
	}
}

// Settling reports whether a finished turn of threadID is still being recorded
func (c *Controller) Settling(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.settling[threadID]) > 0
}

// View returns a snapshot of the foreground
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// BackgroundThreads lists the threads with a background stream
func (c *Controller) BackgroundThreads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backgroundLocked()
}

// IsBackground reports whether threadID has a running background stream
func (c *Controller) IsBackground(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.background[threadID]
	return ok
}

// Shutdown cancels every running session
func (c *Controller) Shutdown() {
	c.mu.Lock()
	sessions := make([]*stream.Session, 0, len(c.owner))
	for s := range c.owner {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}
}

// OnUpdate implements stream.Sink
func (c *Controller) OnUpdate(s *stream.Session, msg types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.owner[s]
	if !ok {
		return
	}
	b.upsert(msg)
	if b == c.fg {
		c.publishLocked()
	}
}

// OnDone implements stream.Sink
func (c *Controller) OnDone(s *stream.Session, out stream.Outcome) {
	c.mu.Lock()

	b, ok := c.owner[s]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.owner, s)

	b.upsert(out.Message)
	// continuity only moves on a server-confirmed completion
	if out.Kind == stream.OutcomeCompleted && out.State.ResponseID != "" {
		b.previousResponseID = out.State.ResponseID
	}
	turn := b.turn
	b.session = nil
	b.turn = nil

	placement := PlacementForeground
	if b != c.fg {
		placement = PlacementBackground
		if c.background[b.threadID] == b {
			delete(c.background, b.threadID)
			c.metrics.SetBackground(len(c.background))
		}
	}
	if !b.ephemeral && !b.aborted && b.threadID != "" {
		gates, ok := c.settling[b.threadID]
		if !ok {
			gates = make(map[uint64]chan struct{})
			c.settling[b.threadID] = gates
		}
		gates[turn.seq] = make(chan struct{})
	}

	result := TurnResult{
		Seq:                turn.seq,
		ThreadID:           b.threadID,
		Ephemeral:          b.ephemeral,
		Placement:          placement,
		Outcome:            out,
		Messages:           types.CloneMessages(b.messages),
		PreviousResponseID: b.previousResponseID,
		UploadedFileIDs:    append([]string{}, b.uploadedFileIDs...),
		Aborted:            b.aborted,
	}
	c.metrics.StreamFinished(out.Kind.String(), placement.String())
	c.log.Debug("stream turn finished",
		zap.String("thread_id", b.threadID),
		zap.String("outcome", out.Kind.String()),
		zap.String("placement", placement.String()),
	)
	c.publishLocked()
	c.mu.Unlock()

	turn.done <- result
}

func (c *Controller) viewLocked() View {
	return View{
		ThreadID:           c.fg.threadID,
		Ephemeral:          c.fg.ephemeral,
		Messages:           types.CloneMessages(c.fg.messages),
		Streaming:          c.fg.session != nil,
		PreviousResponseID: c.fg.previousResponseID,
		UploadedFileIDs:    append([]string{}, c.fg.uploadedFileIDs...),
		Background:         c.backgroundLocked(),
	}
}

func (c *Controller) backgroundLocked() []string {
	ids := make([]string, 0, len(c.background))
	for id := range c.background {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Controller) publishLocked() {
	if c.pub == nil {
		return
	}
	c.pub.PublishView(c.viewLocked())
}

func approvalKey(call types.ToolCall) string {
	if call.ApprovalRequestID != "" {
		return call.ApprovalRequestID
	}
	return call.ID
}

func findApproval(msgs []types.Message, approvalID string) (string, bool) {
	for _, msg := range msgs {
		for _, call := range msg.ToolCalls {
			if call.Type == types.ToolMCPApproval && call.Status == types.StatusPending && approvalKey(call) == approvalID {
				return msg.ID, true
			}
		}
	}
	return "", false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
