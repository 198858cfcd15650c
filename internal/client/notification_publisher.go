package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
)

// SubjectPrefix is prepended to the notification type to form the NATS subject.
const SubjectPrefix = "notifications.returns."

// Notification is a workflow event addressed to one or more users.
//
// Delivery channel (email, in-app, SMS) is chosen by the downstream
// notifications service; this payload only says who and what.
type Notification struct {
	Type       string         `json:"event_type"` // submitted | approved | rejected | completed
	WorkflowID string         `json:"workflow_id"`
	RequestID  string         `json:"request_id"`
	AssetID    string         `json:"asset_id"`
	ActorID    string         `json:"actor_id"`
	Recipients []string       `json:"recipients"`
	Severity   string         `json:"severity,omitempty"`
	Category   string         `json:"category,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NotificationPublisher publishes notifications to NATS JetStream.
type NotificationPublisher struct {
	js  jetstream.JetStream
	log *logger.Logger
}

// NewNotificationPublisher creates a publisher backed by js. A nil js makes
// Publish a no-op, which is how the service runs without NATS.
func NewNotificationPublisher(js jetstream.JetStream, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{js: js, log: log.With("notification_publisher")}
}

// Publish sends n on notifications.returns.<type>.
func (p *NotificationPublisher) Publish(ctx context.Context, n *Notification) error {
	if p.js == nil {
		p.log.Debug().
			Str("event_type", n.Type).
			Str("workflow_id", n.WorkflowID).
			Msg("notification: NATS disabled, dropping event")
		return nil
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := SubjectPrefix + n.Type
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("workflow_id", n.WorkflowID).
		Int("recipients", len(n.Recipients)).
		Msg("notification: event published")
	return nil
}

// ConnectJetStream dials NATS and makes sure the notifications stream exists.
// The returned connection must be drained by the caller.
func ConnectJetStream(ctx context.Context, url, stream string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("be-ops-return-workflows"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{SubjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
	}

	return nc, js, nil
}
