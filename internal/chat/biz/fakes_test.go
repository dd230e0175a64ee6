package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/lifecycle"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/stream"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type memRepo struct {
	mu       sync.Mutex
	threads  map[string]*types.Thread
	failSave bool
	saves    int
	// hold runs once at the start of the next Save, outside the lock
	hold func()
}

func newMemRepo() *memRepo {
	return &memRepo{threads: make(map[string]*types.Thread)}
}

func (r *memRepo) Save(_ context.Context, t *types.Thread) error {
	r.mu.Lock()
	hold := r.hold
	r.hold = nil
	r.mu.Unlock()
	if hold != nil {
		hold()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.failSave {
		return errors.New("disk full")
	}
	r.threads[t.ID] = t.Clone()
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*types.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, apperrors.NewThreadNotFound(id)
	}
	return t.Clone(), nil
}

func (r *memRepo) List(_ context.Context) ([]*types.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Thread, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[id]; !ok {
		return apperrors.NewThreadNotFound(id)
	}
	delete(r.threads, id)
	return nil
}

func (r *memRepo) stored(id string) (*types.Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (r *memRepo) holdNextSave(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hold = fn
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}

type recordingNotifier struct {
	mu      sync.Mutex
	threads []string
	deleted []string
	errs    []error
	// events keeps thread and delete notifications in arrival order
	events []string
}

func (n *recordingNotifier) NotifyThread(t *types.Thread) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.threads = append(n.threads, t.ID)
	n.events = append(n.events, "thread:"+t.ID)
}

func (n *recordingNotifier) NotifyThreadDeleted(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, id)
	n.events = append(n.events, "deleted:"+id)
}

func (n *recordingNotifier) ordered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) NotifyError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

// fakeTransport records every request and answers with respond, or with a
// fresh pipe the test can feed when respond is nil
type fakeTransport struct {
	mu       sync.Mutex
	requests []*types.ResponseRequest
	pipes    []*stream.PipeSource
	respond  func(req *types.ResponseRequest) (stream.EventSource, error)
}

func (f *fakeTransport) Stream(_ context.Context, req *types.ResponseRequest) (stream.EventSource, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	pipe := stream.NewPipeSource(16)
	f.mu.Lock()
	f.pipes = append(f.pipes, pipe)
	f.mu.Unlock()
	return pipe, nil
}

func (f *fakeTransport) setRespond(fn func(req *types.ResponseRequest) (stream.EventSource, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) request(i int) *types.ResponseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) lastPipe() *stream.PipeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipes[len(f.pipes)-1]
}

// reply answers with a complete response carrying text and id
func reply(text, responseID string) func(*types.ResponseRequest) (stream.EventSource, error) {
	return func(*types.ResponseRequest) (stream.EventSource, error) {
		return stream.NewSliceSource([][]byte{
			[]byte(`{"type":"response.created","response":{"id":"` + responseID + `"}}`),
			[]byte(`{"type":"response.output_text.delta","item_id":"msg","delta":"` + text + `"}`),
			[]byte(`{"type":"response.completed","response":{"id":"` + responseID + `","status":"completed","output":[]}}`),
		}), nil
	}
}

func failWith(err error) func(*types.ResponseRequest) (stream.EventSource, error) {
	return func(*types.ResponseRequest) (stream.EventSource, error) {
		return nil, err
	}
}

type titleCall struct {
	model string
}

// fakeTitler answers per model; a missing model fails
type fakeTitler struct {
	mu     sync.Mutex
	titles map[string]string
	calls  []titleCall
}

func (f *fakeTitler) GenerateTitle(_ context.Context, model string, _ []types.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, titleCall{model: model})
	title, ok := f.titles[model]
	if !ok {
		return "", errors.New("model unavailable")
	}
	return title, nil
}

func (f *fakeTitler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// orderedLifecycle records the order of stop and clear calls
type orderedLifecycle struct {
	*lifecycle.Controller

	mu    sync.Mutex
	calls []string
}

func (o *orderedLifecycle) record(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, name)
}

func (o *orderedLifecycle) StopForeground() bool {
	o.record("stop")
	return o.Controller.StopForeground()
}

func (o *orderedLifecycle) ClearForeground() error {
	o.record("clear")
	return o.Controller.ClearForeground()
}

func (o *orderedLifecycle) order() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

type harness struct {
	repo      *memRepo
	notifier  *recordingNotifier
	titler    *fakeTitler
	transport *fakeTransport
	life      *orderedLifecycle
	threads   *ThreadUseCase
	chat      *ChatUseCase
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:      newMemRepo(),
		notifier:  &recordingNotifier{},
		titler:    &fakeTitler{titles: map[string]string{"title-model": "Weather Talk"}},
		transport: &fakeTransport{},
	}
	h.life = &orderedLifecycle{Controller: lifecycle.NewController(nil, nil, nil)}
	h.threads = NewThreadUseCase(h.repo, h.titler, nil, h.notifier, TitleConfig{Model: "title-model"}, nil, nil)
	h.chat = NewChatUseCase(h.threads, h.life, h.transport, ModelConfig{Model: "chat-model"}, nil)
	t.Cleanup(h.chat.Close)
	return h
}

// idle waits until the foreground stream ended and its result was recorded
func (h *harness) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		view := h.chat.State()
		if view.Streaming {
			return false
		}
		return view.ThreadID == "" || !h.life.Settling(view.ThreadID)
	}, waitFor, tick)
}

// closed waits until the session released the pipe
func closed(t *testing.T, pipe *stream.PipeSource) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !pipe.Send([]byte(`{"type":"response.output_text.delta","item_id":"msg","delta":"late"}`))
	}, waitFor, tick)
}

func lastMessage(v lifecycle.View) types.Message {
	return v.Messages[len(v.Messages)-1]
}
