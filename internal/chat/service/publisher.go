package service

import (
	"github.com/lk2023060901/ai-chat-stream/internal/chat/biz"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/lifecycle"
	"github.com/lk2023060901/ai-chat-stream/internal/chat/types"
	apperrors "github.com/lk2023060901/ai-chat-stream/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-stream/internal/pkg/sse"
	"go.uber.org/zap"
)

// ResourceChat is the hub resource every chat event is broadcast on
const ResourceChat = "chat"

// Event types pushed to subscribers
const (
	EventView          = "view"
	EventThread        = "thread"
	EventThreadDeleted = "thread_deleted"
	EventError         = "error"
)

// ErrorPayload is the data of an error event
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ThreadDeletedPayload is the data of a thread_deleted event
type ThreadDeletedPayload struct {
	ID string `json:"id"`
}

// Publisher fans controller views and thread changes out to SSE subscribers.
// Broadcasting never blocks, so it is safe under the controller lock.
type Publisher struct {
	hub *sse.Hub
	log *zap.Logger
}

var (
	_ lifecycle.Publisher = (*Publisher)(nil)
	_ biz.Notifier        = (*Publisher)(nil)
)

func NewPublisher(hub *sse.Hub, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{hub: hub, log: log.Named("publisher")}
}

func (p *Publisher) PublishView(view lifecycle.View) {
	p.broadcast(EventView, view)
}

func (p *Publisher) NotifyThread(thread *types.Thread) {
	p.broadcast(EventThread, thread.Sanitized())
}

func (p *Publisher) NotifyThreadDeleted(id string) {
	p.broadcast(EventThreadDeleted, ThreadDeletedPayload{ID: id})
}

func (p *Publisher) NotifyError(err error) {
	p.broadcast(EventError, errorPayload(err))
}

func (p *Publisher) broadcast(eventType string, data interface{}) {
	if dropped := p.hub.Broadcast(ResourceChat, sse.Event{Type: eventType, Data: data}); dropped > 0 {
		p.log.Debug("slow subscribers skipped", zap.String("event", eventType), zap.Int("dropped", dropped))
	}
}

func errorPayload(err error) ErrorPayload {
	code := apperrors.ExtractCode(err)
	return ErrorPayload{
		Code:    code,
		Message: apperrors.FormatError(code, apperrors.GetDetails(err)),
	}
}
