package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Notification is one best-effort message to a person.
type Notification struct {
	EventType  string `json:"event_type"`
	DocumentID string `json:"document_id"`
	ActorID    string `json:"actor_id,omitempty"`
	Recipient  string `json:"recipient"` // e-mail address
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// Notifier dispatches notifications. Implementations never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS for the
// mailer service.
//
// Subject convention: notifications.expenses.<event_type>
// Event types: submitted, approval_required, approved, finalized, rejected,
// returned, cancelled
//
// Publish errors are logged and swallowed, so a notification outage never
// interrupts an approval.
type NotificationPublisher struct {
	nats Publisher
	log  zerolog.Logger
}

// NewNotificationPublisher creates a publisher over an established connection.
func NewNotificationPublisher(nc Publisher, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nc, log: log}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string, log zerolog.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
}

// Notify publishes n. Messages without a recipient are dropped.
func (p *NotificationPublisher) Notify(_ context.Context, n Notification) {
	if p.nats == nil || n.Recipient == "" {
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", n.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.expenses.%s", n.EventType)
	if err := p.nats.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("document_id", n.DocumentID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("document_id", n.DocumentID).
		Msg("notification: event published")
}

// LogNotifier writes notifications to the log; used when NATS is not configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs n at info level.
func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	if n.Recipient == "" {
		return
	}
	l.log.Info().
		Str("event_type", n.EventType).
		Str("document_id", n.DocumentID).
		Str("recipient", n.Recipient).
		Str("subject", n.Subject).
		Msg("notification")
}
