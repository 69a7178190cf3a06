package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/config"
)

const (
	schemaVersion = "1.0"

	TopicTransactionalEmail = "email.transactional"
	TopicInAppNotification  = "notification.in_app"
	TopicAuthAudit          = "audit.auth"
)

type sender interface {
	Send(ctx context.Context, msg *sarama.ProducerMessage) error
	TopicName(topic string) string
}

// Dispatcher publishes side effects and audit entries for downstream mail, notification and
// audit consumers.
type Dispatcher struct {
	producer sender
	logger   *zap.Logger
	appCfg   config.AppSettings
	now      func() time.Time
}

// NewDispatcher constructs a Kafka-backed dispatcher.
func NewDispatcher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *Dispatcher {
	return newDispatcher(producer, appCfg, logger)
}

func newDispatcher(producer sender, appCfg config.AppSettings, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{producer: producer, appCfg: appCfg, logger: logger, now: time.Now}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

type emailPayload struct {
	Kind      domain.EmailKind `json:"kind"`
	Recipient string           `json:"recipient"`
	Data      map[string]any   `json:"data,omitempty"`
}

type notificationPayload struct {
	Kind   domain.NotificationKind `json:"kind"`
	UserID string                  `json:"user_id"`
	Data   map[string]any          `json:"data,omitempty"`
}

// SendTransactionalEmail publishes an email request keyed by recipient.
func (d *Dispatcher) SendTransactionalEmail(ctx context.Context, kind domain.EmailKind, recipient string, data map[string]any) error {
	payload := emailPayload{Kind: kind, Recipient: recipient, Data: data}
	return d.publish(ctx, TopicTransactionalEmail, "email."+string(kind), recipient, d.now(), payload)
}

// CreateInAppNotification publishes a notification keyed by user.
func (d *Dispatcher) CreateInAppNotification(ctx context.Context, kind domain.NotificationKind, userID string, data map[string]any) error {
	payload := notificationPayload{Kind: kind, UserID: userID, Data: data}
	return d.publish(ctx, TopicInAppNotification, "notification."+string(kind), userID, d.now(), payload)
}

// Record publishes an audit entry keyed by account.
func (d *Dispatcher) Record(ctx context.Context, entry domain.AuditEntry) error {
	return d.publish(ctx, TopicAuthAudit, "audit."+string(entry.Action), entry.AccountID, entry.At, entry)
}

func (d *Dispatcher) publish(ctx context.Context, topic, eventType, key string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = d.now()
	}

	metadata := envelopeMetadata{
		"service":     d.appCfg.Name,
		"environment": d.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	message := &sarama.ProducerMessage{
		Topic: d.producer.TopicName(topic),
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(bytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
		},
	}

	if err := d.producer.Send(ctx, message); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

var (
	_ port.Dispatcher = (*Dispatcher)(nil)
	_ port.AuditLog   = (*Dispatcher)(nil)
)
