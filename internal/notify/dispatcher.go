package notify

import (
	"context"
	"sync"

	"logview/internal/codec"
	"logview/internal/domain"
)

// Handler consumes one decoded wire message.
type Handler func(*UpdateNotificationMessage)

// Broadcaster publishes a local write's notification to peer clusters.
// Delivery is best-effort: notifications are an optimisation, and a lost one
// is repaired by the receiver's next read.
type Broadcaster interface {
	Broadcast(ctx context.Context, m *UpdateNotificationMessage) error
}

// Dispatcher fans received wire messages out to the adaptors subscribed per
// grain. Messages for grains with no local subscriber are dropped.
type Dispatcher struct {
	mu    sync.RWMutex
	sinks map[string][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{sinks: make(map[string][]Handler)}
}

func (d *Dispatcher) Subscribe(grain domain.GrainRef, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[grain.String()] = append(d.sinks[grain.String()], h)
}

func (d *Dispatcher) Dispatch(m *UpdateNotificationMessage) {
	if m == nil {
		return
	}
	d.mu.RLock()
	handlers := d.sinks[m.Grain().String()]
	d.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

// Sink bridges wire messages into a typed notification consumer, usually an
// adaptor's OnNotificationReceived.
func Sink[E any](c codec.Serializer[E], deliver func(domain.UpdateNotification[E])) Handler {
	return func(m *UpdateNotificationMessage) {
		_, n, err := DecodeNotification(m, c)
		if err != nil {
			return
		}
		deliver(n)
	}
}
