package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject notifications are mirrored on.
const DefaultSubject = "robot.status.notifications"

// envelope wraps a notification with its originating instance so an
// instance never re-broadcasts its own bus traffic.
type envelope struct {
	Origin       string       `json:"origin"`
	Notification Notification `json:"notification"`
}

// Bus mirrors hub notifications through shared NATS pub/sub so sibling
// instances' local subscribers also receive them. A Bus is optional: when
// NATS is unreachable the hub runs local-only.
type Bus struct {
	nc      *nats.Conn
	subject string
	origin  string
	log     *slog.Logger
	sub     *nats.Subscription
}

// ConnectBus connects to NATS at url. origin uniquely identifies this
// instance for loop prevention. On connection failure the caller should
// log a degraded-mode warning and continue without a bus.
func ConnectBus(url, subject, origin string, log *slog.Logger) (*Bus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("robot-orchestrator-"+origin),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect bus %s: %w", url, err)
	}
	return &Bus{nc: nc, subject: subject, origin: origin, log: log}, nil
}

// publishOutbound sends a locally published notification to the bus.
func (b *Bus) publishOutbound(n Notification) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Notification: n})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.nc.Publish(b.subject, data)
}

// subscribeInbound re-broadcasts foreign-origin bus messages through
// deliver. Messages tagged with this instance's origin are dropped.
func (b *Bus) subscribeInbound(deliver func(Notification)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.log.Warn("discarding malformed bus message", slog.String("error", err.Error()))
			return
		}
		if env.Origin == b.origin {
			return
		}
		deliver(env.Notification)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and connection.
func (b *Bus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
