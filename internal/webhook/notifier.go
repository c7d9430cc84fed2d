// Package webhook delivers outbound event notifications. The notifier
// decides whether an event is wanted and enqueues a delivery job; the
// worker performs the outbound call with its own retry loop on top of
// the queue's attempts policy.
package webhook

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/courier/internal/queue"
)

// QueueName is the delivery queue.
const QueueName = "webhooks"

const jobDeliver = "deliver"

// Enqueue options mirror what the notifier has always used for delivery
// jobs: five queue-level attempts with exponential backoff from 2s.
const (
	deliverAttempts = 5
	deliverBackoff  = 2 * time.Second
)

// Config is the webhook delivery surface. An empty URL disables the
// notifier entirely. Events is a comma-separated filter; empty means
// every event, "*" likewise, and a pattern matches the event exactly or
// as a dot-scoped prefix ("chat" matches "chat" and "chat.update").
type Config struct {
	URL     string
	Events  string
	Retries int
	Backoff time.Duration
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2000 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type deliverPayload struct {
	Event   string `json:"event"`
	Tenant  string `json:"session,omitempty"`
	Payload any    `json:"payload"`
}

// Enqueuer is the slice of the queue service the notifier needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.Options) (queue.Handle, error)
}

type Notifier struct {
	cfg   Config
	queue Enqueuer
	log   *zap.Logger
}

func NewNotifier(cfg Config, q Enqueuer, log *zap.Logger) *Notifier {
	return &Notifier{cfg: cfg, queue: q, log: log}
}

// ShouldSend reports whether the event passes the configured filter.
func (n *Notifier) ShouldSend(event string) bool {
	if n.cfg.URL == "" {
		return false
	}
	filter := strings.TrimSpace(n.cfg.Events)
	if filter == "" {
		return true
	}
	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" || p == event || strings.HasPrefix(event, p+".") {
			return true
		}
	}
	return false
}

// Send enqueues a delivery job. Notification is best-effort from the
// caller's perspective: enqueue failures are logged, never returned, so
// the triggering request can neither block nor fail on them.
func (n *Notifier) Send(ctx context.Context, tenant, event string, payload any) {
	if n.cfg.URL == "" {
		return
	}
	_, err := n.queue.Enqueue(ctx, QueueName, jobDeliver, deliverPayload{
		Event:   event,
		Tenant:  tenant,
		Payload: payload,
	}, queue.Options{
		MaxAttempts:      deliverAttempts,
		Backoff:          queue.Exponential(deliverBackoff),
		RemoveOnComplete: true,
	})
	if err != nil {
		n.log.Warn("webhook enqueue failed",
			zap.String("tenant", tenant),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	n.log.Info("webhook enqueued",
		zap.String("tenant", tenant),
		zap.String("event", event),
	)
}
