package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	"go.uber.org/zap"
)

// ErrStreamEnded is reported when a source ends without a terminal event
var ErrStreamEnded = errors.New("stream: event source ended before completion")

// OutcomeKind is how a session ended
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeStopped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeStopped:
		return "stopped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is delivered exactly once when a session ends
type Outcome struct {
	Kind    OutcomeKind
	Message types.Message
	State   State
	Err     error
}

// StreamError describes a failed stream
type StreamError struct {
	Code    string
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stream failed [%s]: %s", e.Code, e.Message)
	}
	return "stream failed: " + e.Message
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Sink receives a session's progress. OnUpdate is called after every applied
// event in arrival order and OnDone exactly once. Implementations must not
// call Cancel on the reporting session from inside these methods.
type Sink interface {
	OnUpdate(s *Session, msg types.Message)
	OnDone(s *Session, out Outcome)
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithInitialState continues from an existing state instead of an empty one
func WithInitialState(state State) Option {
	return func(s *Session) {
		s.state = state
	}
}

// Session drives one event source through the accumulator. It holds no
// reference to any view and keeps running with nobody watching.
type Session struct {
	base types.Message
	log  *zap.Logger

	// gate serialises delivery to the sink with Cancel, so that once Cancel
	// returns no further OnUpdate can happen.
	gate     sync.Mutex
	started  bool
	finished bool
	cancel   context.CancelFunc
	sink     Sink

	mu    sync.RWMutex
	state State

	done chan struct{}
}

// NewSession creates a session that renders onto the given assistant message
func NewSession(base types.Message, opts ...Option) *Session {
	s := &Session{
		base: base.Clone(),
		log:  zap.NewNop(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session_id", s.base.ID))
	return s
}

// ID is the id of the assistant message this session renders
func (s *Session) ID() string {
	return s.base.ID
}

// Start begins consuming src in a new goroutine. Calling Start twice, or after
// Cancel, only closes src.
func (s *Session) Start(ctx context.Context, src EventSource, sink Sink) {
	s.gate.Lock()
	if s.started || s.finished {
		s.gate.Unlock()
		_ = src.Close()
		return
	}
	s.started = true
	s.sink = sink
	ctx, s.cancel = context.WithCancel(ctx)
	s.gate.Unlock()

	go s.run(ctx, src)
}

// Cancel stops the session and delivers a stopped outcome unless it has
// already ended. It is idempotent.
func (s *Session) Cancel() {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.finished {
		return
	}
	if !s.started {
		s.finished = true
		close(s.done)
		return
	}
	s.finishLocked(OutcomeStopped, nil)
}

// Snapshot returns the current rendered message
func (s *Session) Snapshot() types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messageLocked()
}

// State returns the current accumulated state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Done is closed once the session has released its source
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run(ctx context.Context, src EventSource) {
	defer close(s.done)
	defer func() {
		if err := src.Close(); err != nil {
			s.log.Debug("failed to close event source", zap.Error(err))
		}
	}()

	for {
		raw, err := src.Next(ctx)
		if err != nil {
			s.handleSourceError(ctx, err)
			return
		}

		ev, err := Decode(raw)
		if err != nil {
			s.log.Warn("ignoring malformed stream event", zap.Error(err), zap.ByteString("raw", truncate(raw, 256)))
			continue
		}
		if _, ok := ev.(Unknown); ok {
			s.log.Debug("ignoring unknown stream event", zap.String("type", string(ev.Kind())))
		}

		if stop := s.deliver(ev); stop {
			return
		}
	}
}

// deliver applies ev and notifies the sink; it reports whether the session ended
func (s *Session) deliver(ev Event) bool {
	s.gate.Lock()
	defer s.gate.Unlock()
	if s.finished {
		return true
	}

	s.mu.Lock()
	s.state = Apply(s.state, ev)
	msg := s.messageLocked()
	status := s.state.Status
	s.mu.Unlock()

	s.sink.OnUpdate(s, msg)

	switch status {
	case StatusCompleted:
		s.finishLocked(OutcomeCompleted, nil)
		return true
	case StatusFailed:
		s.finishLocked(OutcomeFailed, nil)
		return true
	}
	return false
}

func (s *Session) handleSourceError(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		// cancelled from outside; Cancel may already have reported
		s.gate.Lock()
		s.finishLocked(OutcomeStopped, nil)
		s.gate.Unlock()
	case errors.Is(err, io.EOF):
		s.gate.Lock()
		s.finishLocked(OutcomeFailed, ErrStreamEnded)
		s.gate.Unlock()
	default:
		s.log.Warn("stream transport failed", zap.Error(err))
		s.gate.Lock()
		s.finishLocked(OutcomeFailed, err)
		s.gate.Unlock()
	}
}

// finishLocked must be called with gate held
func (s *Session) finishLocked(kind OutcomeKind, cause error) {
	if s.finished {
		return
	}
	s.finished = true
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	switch kind {
	case OutcomeStopped:
		s.state = s.state.Stop()
	case OutcomeFailed:
		if cause != nil {
			s.state = s.state.Fail("", cause.Error())
		}
	}
	state := s.state.clone()
	msg := s.messageLocked()
	s.mu.Unlock()

	out := Outcome{Kind: kind, Message: msg, State: state}
	if kind == OutcomeFailed {
		out.Err = &StreamError{Code: state.ErrCode, Message: state.ErrMessage, Err: cause}
	}

	s.log.Debug("stream session finished",
		zap.String("outcome", kind.String()),
		zap.String("response_id", state.ResponseID),
	)
	s.sink.OnDone(s, out)
}

func (s *Session) messageLocked() types.Message {
	return s.state.Message(s.base)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
