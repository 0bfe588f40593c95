package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Notifier LISTENs on the outbox channel over a dedicated connection and
// coalesces notifications into a buffered signal channel. Dropped
// connections reconnect with a short delay; missed notifications are
// covered by the dispatcher's poll fallback.
type Notifier struct {
	dsn     string
	channel string
	log     *slog.Logger
	ch      chan struct{}
}

// NewNotifier creates a Notifier for the given channel. Run must be started
// for Notifications to fire.
func NewNotifier(dsn, channel string, log *slog.Logger) *Notifier {
	if channel == "" {
		channel = "outbox_event"
	}
	return &Notifier{dsn: dsn, channel: channel, log: log, ch: make(chan struct{}, 1)}
}

// Notifications returns the coalesced wakeup channel.
func (n *Notifier) Notifications() <-chan struct{} { return n.ch }

// Run blocks listening until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		err := n.listenOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log.Warn("outbox listen connection dropped, reconnecting", slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (n *Notifier) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return fmt.Errorf("op=notify.connect: %w", err)
	}
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return fmt.Errorf("op=notify.listen: %w", err)
	}
	n.log.Debug("outbox listener attached", slog.String("channel", n.channel))

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return fmt.Errorf("op=notify.wait: %w", err)
		}
		// Coalesce: one pending signal is enough to wake every subscriber.
		select {
		case n.ch <- struct{}{}:
		default:
		}
	}
}
