package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// EventSource yields raw wire frames of one response stream. Next returns
// io.EOF once the stream has ended and must unblock when ctx is cancelled.
type EventSource interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrSourceClosed is returned by Next after Close
var ErrSourceClosed = errors.New("stream: source closed")

// PipeSource is an EventSource fed by the caller
type PipeSource struct {
	frames chan []byte

	mu     sync.Mutex
	err    error
	ended  bool
	closed chan struct{}
	once   sync.Once
}

// NewPipeSource creates a pipe with the given frame buffer
func NewPipeSource(buffer int) *PipeSource {
	return &PipeSource{
		frames: make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// Send queues a frame. It blocks while the buffer is full and reports false
// once the pipe has ended or been closed.
func (p *PipeSource) Send(raw []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return false
	}
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.frames <- raw:
		return true
	case <-p.closed:
		return false
	}
}

// SendString queues a frame given as a string
func (p *PipeSource) SendString(raw string) bool {
	return p.Send([]byte(raw))
}

// End finishes the stream; Next returns io.EOF after the queued frames
func (p *PipeSource) End() {
	p.Fail(nil)
}

// Fail finishes the stream with err after the queued frames
func (p *PipeSource) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	p.err = err
	close(p.frames)
}

// Next implements EventSource
func (p *PipeSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrSourceClosed
	case raw, ok := <-p.frames:
		if ok {
			return raw, nil
		}
		p.mu.Lock()
		err := p.err
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
}

// Close implements EventSource
func (p *PipeSource) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// Closed is closed once the consumer has released the source
func (p *PipeSource) Closed() <-chan struct{} {
	return p.closed
}

// SliceSource replays recorded frames
type SliceSource struct {
	frames [][]byte
	pos    int
}

// NewSliceSource creates a source over frames
func NewSliceSource(frames [][]byte) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements EventSource
func (s *SliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.frames) {
		return nil, io.EOF
	}
	raw := s.frames[s.pos]
	s.pos++
	return raw, nil
}

// Close implements EventSource
func (s *SliceSource) Close() error { return nil }

// ErrorSource fails on the first read; it stands in for a transport that
// could not open the stream.
type ErrorSource struct {
	Err error
}

// Next implements EventSource
func (s ErrorSource) Next(context.Context) ([]byte, error) { return nil, s.Err }

// Close implements EventSource
func (s ErrorSource) Close() error { return nil }
