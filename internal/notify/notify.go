// Package notify publishes job events to the owning user's real-time channel.
// Delivery is best effort: a failed publish is counted and logged, never
// returned to the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/config"
	"github.com/bluefxvideo/bluefx-app-sub009/internal/telemetry"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

// Notifier sends an event to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, ev models.Event)
}

// Publisher is the Redis side of the cache the RedisNotifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

func UserChannel(userID string) string { return "notifications:user:" + userID }
func UserSubject(userID string) string { return "notifications.user." + userID }

// RedisNotifier publishes on a Redis pub/sub channel per user.
type RedisNotifier struct {
	pub Publisher
}

func NewRedisNotifier(pub Publisher) *RedisNotifier {
	return &RedisNotifier{pub: pub}
}

func (n *RedisNotifier) Notify(ctx context.Context, userID string, ev models.Event) {
	if userID == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		failed(ev, userID, err)
		return
	}
	if err := n.pub.Publish(ctx, UserChannel(userID), payload); err != nil {
		failed(ev, userID, err)
	}
}

// NATSNotifier publishes on a NATS subject per user.
type NATSNotifier struct {
	conn *nats.Conn
}

func NewNATSNotifier(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("bluefx-webhooks"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSNotifier{conn: nc}, nil
}

func (n *NATSNotifier) Notify(ctx context.Context, userID string, ev models.Event) {
	if userID == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		failed(ev, userID, err)
		return
	}
	if err := n.conn.Publish(UserSubject(userID), payload); err != nil {
		failed(ev, userID, err)
	}
}

// Close drains pending publishes and closes the connection.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}

// Noop discards every event.
type Noop struct{}

func (Noop) Notify(context.Context, string, models.Event) {}

// New builds the configured Notifier. The returned close func is never nil.
func New(cfg config.NotifierConfig, pub Publisher) (Notifier, func() error, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisNotifier(pub), func() error { return nil }, nil
	case "nats":
		n, err := NewNATSNotifier(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case "none", "":
		return Noop{}, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown notifier %q", cfg.Driver)
	}
}

func failed(ev models.Event, userID string, err error) {
	telemetry.NotificationsFailed.Inc()
	slog.Warn("notification failed",
		"event", ev.Type,
		"job_id", ev.JobID,
		"user_id", userID,
		"error", err,
	)
}
