package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

// NotificationPublisher pushes delivered notifications to NATS for the
// push-notification service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.expense.message_posted.
type NotificationPublisher struct {
	conn   *nats.Conn
	prefix string
	log    *logger.Logger
}

// NewNotificationPublisher connects to NATS. Reconnects are unbounded; the
// connection state changes are logged.
func NewNotificationPublisher(url, prefix, name string, log *logger.Logger) (*NotificationPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats: reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Unavailable("nats", err)
	}
	return NewNotificationPublisherWithConn(conn, prefix, log), nil
}

// NewNotificationPublisherWithConn wraps an existing connection. A nil
// connection yields a publisher that drops every event.
func NewNotificationPublisherWithConn(conn *nats.Conn, prefix string, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Subject returns the subject an event type is published on.
func (p *NotificationPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Publish sends one event. The caller decides whether a failure matters.
func (p *NotificationPublisher) Publish(ctx context.Context, event NotificationEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal notification event")
	}

	subject := p.Subject(event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.Unavailable("nats", err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("recipient_id", event.RecipientID).
		Msg("notification: event published")
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *NotificationPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
