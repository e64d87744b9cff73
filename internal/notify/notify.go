// Package notify delivers best-effort messages to marketplace users.
//
// Delivery is fire-and-forget by contract: the escrow engine calls Notify
// after its financial transaction has committed, and nothing that happens
// here — a full queue, a dead SMS gateway, a timeout — may ever propagate
// back into a financial operation. Failures are logged and counted, then
// forgotten.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/ojapay/ojapay/internal/circuitbreaker"
	"github.com/ojapay/ojapay/internal/metrics"
	"github.com/ojapay/ojapay/internal/retry"
)

// Message is one outbound user notification.
type Message struct {
	AccountID string    `json:"accountId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transport sends a message over a concrete channel (SMS gateway, push,
// e-mail). Implementations are expected to respect the context deadline.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport writes notifications to the log. Default in development and
// whenever no gateway is configured.
type LogTransport struct {
	Logger *slog.Logger
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.Logger.Info("notification",
		"account", msg.AccountID,
		"title", msg.Title,
		"body", msg.Body,
	)
	return nil
}

// sendTimeout bounds one transport call so a slow gateway cannot back up
// the queue indefinitely.
const sendTimeout = 5 * time.Second

// breakerKey is the single circuit key; the dispatcher talks to one gateway.
const breakerKey = "transport"

// Dispatcher queues messages and delivers them from a single worker
// goroutine. A circuit breaker around the transport stops it from hammering
// a gateway that is already down.
type Dispatcher struct {
	transport Transport
	queue     chan Message
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with a bounded queue. When the queue
// is full new messages are dropped, never blocked on.
func NewDispatcher(transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		queue:     make(chan Message, 256),
		breaker:   circuitbreaker.New(5, 30*time.Second),
		logger:    logger,
	}
}

// Notify enqueues a message. Never blocks, never returns an error.
func (d *Dispatcher) Notify(accountID, title, body string) {
	msg := Message{
		AccountID: accountID,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now(),
	}
	select {
	case d.queue <- msg:
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("notification queue full, dropping message",
			"account", accountID, "title", title)
	}
}

// Start runs the delivery loop until ctx is cancelled. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.deliver(msg)
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if !d.breaker.Allow(breakerKey) {
		metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		d.logger.Warn("notification skipped, gateway circuit open",
			"account", msg.AccountID, "title", msg.Title)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return d.transport.Send(ctx, msg)
	})
	if err != nil {
		d.breaker.RecordFailure(breakerKey)
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("notification delivery failed",
			"account", msg.AccountID, "title", msg.Title, "error", err)
		return
	}
	d.breaker.RecordSuccess(breakerKey)
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
}
