package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/FinBridge/LedgerPipe/internal/models"
)

// Handler processes one normalized inbound event and produces the reply.
// Satisfied by dispatch.Dispatcher.
type Handler interface {
	Handle(ctx context.Context, event models.Event) models.OutboundMessage
}

// Responder connects a messaging service's inbound event stream to the
// dispatcher and sends the reply back on the same channel. It remembers the
// last outbound message per recipient so numbered list replies can be mapped
// back to row values.
type Responder struct {
	service Service
	handler Handler

	mu       sync.Mutex
	lastSent map[string]models.OutboundMessage
	wg       sync.WaitGroup
}

// NewResponder creates a responder for the given service and handler.
func NewResponder(service Service, handler Handler) *Responder {
	return &Responder{
		service:  service,
		handler:  handler,
		lastSent: make(map[string]models.OutboundMessage),
	}
}

// Start consumes inbound events until the service closes its channel or the
// context is cancelled. Events are processed sequentially so a user's
// messages cannot race each other through a flow.
func (r *Responder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Debug("Responder loop starting")
		for {
			select {
			case <-ctx.Done():
				slog.Debug("Responder loop stopping due to context cancellation")
				return
			case event, ok := <-r.service.Events():
				if !ok {
					slog.Debug("Responder loop stopping, events channel closed")
					return
				}
				r.process(ctx, event)
			}
		}
	}()
}

// Wait blocks until the responder loop has exited.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) process(ctx context.Context, event models.Event) {
	key := event.Channel.Key()

	r.mu.Lock()
	if last, ok := r.lastSent[key]; ok {
		event.RawValue = ResolveListReply(last, event.RawValue)
	}
	r.mu.Unlock()

	reply := r.handler.Handle(ctx, event)

	r.mu.Lock()
	r.lastSent[key] = reply
	r.mu.Unlock()

	if err := r.service.SendMessage(ctx, event.Channel.Identifier, reply); err != nil {
		slog.Error("Responder failed to send reply", "error", err, "to", event.Channel.Identifier)
	}
}
