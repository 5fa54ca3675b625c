package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"robot-orchestrator/internal/command"
	"robot-orchestrator/internal/events"
	"robot-orchestrator/internal/platform/metrics"
)

const (
	// NotificationStatus marks a command state transition.
	NotificationStatus = "status"
	// NotificationEvent marks a newly created event.
	NotificationEvent = "event"
)

// subscriberBuffer is the per-subscriber delivery queue depth. A subscriber
// that falls this far behind is pruned rather than allowed to block others.
const subscriberBuffer = 16

// Notification is the unit of fan-out: a typed JSON payload plus the
// request identifier it concerns (empty for events), used for filtering.
type Notification struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Subscriber is one live observer. Delivery is per-subscriber FIFO; there
// is no replay for late subscribers.
type Subscriber struct {
	ch        chan Notification
	requestID string // optional filter; empty receives everything
}

// C returns the subscriber's delivery channel. It is closed when the
// subscriber is pruned or the hub shuts down.
func (s *Subscriber) C() <-chan Notification {
	return s.ch
}

// Hub fans out notifications to all connected subscribers and, when a bus
// is attached, mirrors them to sibling instances.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool

	bus *Bus // nil when running single-instance or degraded
}

// New returns a Hub with no subscribers. Metrics may be nil.
func New(log *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: m,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// AttachBus mirrors all published notifications through the given bus and
// re-broadcasts inbound foreign-origin messages to local subscribers.
func (h *Hub) AttachBus(b *Bus) error {
	h.bus = b
	return b.subscribeInbound(h.publishLocal)
}

// Subscribe registers a new subscriber. If requestID is non-empty, only
// status notifications for that request (plus all events) are delivered.
func (h *Hub) Subscribe(requestID string) *Subscriber {
	sub := &Subscriber{
		ch:        make(chan Notification, subscriberBuffer),
		requestID: requestID,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSubscribers(n)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetActiveSubscribers(n)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PublishStatus broadcasts a command state transition. It satisfies
// command.Notifier.
func (h *Hub) PublishStatus(s command.Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		h.log.Error("marshal status failed", slog.String("error", err.Error()))
		return
	}
	h.publish(Notification{Type: NotificationStatus, RequestID: s.RequestID, Data: data})
}

// PublishEvent broadcasts a newly created event. It satisfies
// events.Notifier.
func (h *Hub) PublishEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal event failed", slog.String("error", err.Error()))
		return
	}
	h.publish(Notification{Type: NotificationEvent, Data: data})
}

// publish delivers locally and mirrors to the bus.
func (h *Hub) publish(n Notification) {
	h.publishLocal(n)
	if h.bus != nil {
		if err := h.bus.publishOutbound(n); err != nil {
			h.log.Warn("bus republish failed, local-only delivery",
				slog.String("error", err.Error()))
			if h.metrics != nil {
				h.metrics.IncBusRepublishErrors()
			}
		}
	}
}

// publishLocal fans out to local subscribers. Sends are non-blocking so
// holding the lock across them cannot stall the publisher or its peers;
// it also means a channel is never closed while a send is in flight. A
// subscriber with a full queue is pruned in place.
func (h *Hub) publishLocal(n Notification) {
	h.mu.Lock()
	pruned := 0
	for sub := range h.subs {
		if sub.requestID != "" && n.RequestID != "" && sub.requestID != n.RequestID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			pruned++
		}
	}
	remaining := len(h.subs)
	h.mu.Unlock()

	if pruned > 0 {
		h.log.Warn("pruned stalled subscribers", slog.Int("count", pruned))
		if h.metrics != nil {
			h.metrics.SetActiveSubscribers(remaining)
		}
	}
}

// Close drops all subscribers and closes the bus connection if attached.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Close()
	}
}
