package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/infra/config"
)

type fakeSyncProducer struct {
	messages []*sarama.ProducerMessage
	err      error
}

func (f *fakeSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.messages = append(f.messages, msg)
	return 0, int64(len(f.messages)), nil
}

func (f *fakeSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	for _, msg := range msgs {
		if _, _, err := f.SendMessage(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSyncProducer) Close() error { return nil }

func (f *fakeSyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func (f *fakeSyncProducer) IsTransactional() bool { return false }

func (f *fakeSyncProducer) BeginTxn() error { return nil }

func (f *fakeSyncProducer) CommitTxn() error { return nil }

func (f *fakeSyncProducer) AbortTxn() error { return nil }

func (f *fakeSyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeSyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newSyncTestProducer(t *testing.T, sync *fakeSyncProducer) *Producer {
	t.Helper()
	return &Producer{
		sync:    sync,
		logger:  zaptest.NewLogger(t),
		cfg:     config.KafkaSettings{TopicPrefix: "reviews"},
		errChan: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func decodeEnvelope(t *testing.T, msg *sarama.ProducerMessage) map[string]any {
	t.Helper()
	raw, err := msg.Value.Encode()
	if err != nil {
		t.Fatalf("encode message value: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return envelope
}

func TestDispatcherSendTransactionalEmail(t *testing.T) {
	sync := &fakeSyncProducer{}
	dispatcher := NewDispatcher(newSyncTestProducer(t, sync), config.AppSettings{Name: "identity-service", Env: "test"}, zaptest.NewLogger(t))
	dispatcher.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }

	err := dispatcher.SendTransactionalEmail(context.Background(), domain.EmailWelcome, "ada@example.com", map[string]any{"firstName": "Ada"})
	if err != nil {
		t.Fatalf("SendTransactionalEmail returned error: %v", err)
	}

	if len(sync.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(sync.messages))
	}
	msg := sync.messages[0]
	if msg.Topic != "reviews.email.transactional" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	key, _ := msg.Key.Encode()
	if string(key) != "ada@example.com" {
		t.Fatalf("expected recipient key, got %q", key)
	}

	envelope := decodeEnvelope(t, msg)
	if envelope["event_type"] != "email.welcome" || envelope["version"] != schemaVersion {
		t.Fatalf("unexpected envelope %v", envelope)
	}
	if envelope["timestamp"] != "2026-03-02T09:00:00Z" {
		t.Fatalf("unexpected timestamp %v", envelope["timestamp"])
	}
	payload := envelope["payload"].(map[string]any)
	if payload["recipient"] != "ada@example.com" || payload["kind"] != "welcome" {
		t.Fatalf("unexpected payload %v", payload)
	}
	metadata := envelope["metadata"].(map[string]any)
	if metadata["service"] != "identity-service" {
		t.Fatalf("unexpected metadata %v", metadata)
	}
}

func TestDispatcherSurfacesBrokerFailure(t *testing.T) {
	sync := &fakeSyncProducer{err: sarama.ErrNotEnoughReplicas}
	dispatcher := NewDispatcher(newSyncTestProducer(t, sync), config.AppSettings{}, zaptest.NewLogger(t))

	err := dispatcher.SendTransactionalEmail(context.Background(), domain.EmailWelcome, "ada@example.com", nil)
	if !errors.Is(err, sarama.ErrNotEnoughReplicas) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestDispatcherRecordAndNotify(t *testing.T) {
	sync := &fakeSyncProducer{}
	dispatcher := NewDispatcher(newSyncTestProducer(t, sync), config.AppSettings{}, zaptest.NewLogger(t))

	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if err := dispatcher.Record(context.Background(), domain.AuditEntry{
		Action:    domain.AuditLoginTokenRotated,
		AccountID: "acc-1",
		Provider:  domain.ProviderNone,
		At:        at,
	}); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := dispatcher.CreateInAppNotification(context.Background(), domain.NotificationPasswordChanged, "acc-1", nil); err != nil {
		t.Fatalf("CreateInAppNotification returned error: %v", err)
	}

	if len(sync.messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(sync.messages))
	}
	if sync.messages[0].Topic != "reviews.audit.auth" || sync.messages[1].Topic != "reviews.notification.in_app" {
		t.Fatalf("unexpected topics %q, %q", sync.messages[0].Topic, sync.messages[1].Topic)
	}
	audit := decodeEnvelope(t, sync.messages[0])
	if audit["event_type"] != "audit.login_token_rotated" || audit["timestamp"] != "2026-03-02T10:00:00Z" {
		t.Fatalf("unexpected audit envelope %v", audit)
	}
}

func TestProducerAsyncSendEnqueues(t *testing.T) {
	async := newFakeAsyncProducer()
	producer := &Producer{
		async:   async,
		logger:  zaptest.NewLogger(t),
		cfg:     config.KafkaSettings{TopicPrefix: "reviews"},
		errChan: make(chan error, 1),
		done:    make(chan struct{}),
	}
	dispatcher := NewDispatcher(producer, config.AppSettings{}, zaptest.NewLogger(t))

	if err := dispatcher.CreateInAppNotification(context.Background(), domain.NotificationWelcome, "acc-1", nil); err != nil {
		t.Fatalf("CreateInAppNotification returned error: %v", err)
	}

	select {
	case msg := <-async.input:
		if msg.Topic != "reviews.notification.in_app" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
	default:
		t.Fatalf("expected message enqueued")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	async.input <- &sarama.ProducerMessage{}
	if err := producer.Send(ctx, &sarama.ProducerMessage{Topic: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation when the input is full, got %v", err)
	}
}

func TestTopicName(t *testing.T) {
	producer := &Producer{cfg: config.KafkaSettings{TopicPrefix: "reviews"}}
	if got := producer.TopicName("audit.auth"); got != "reviews.audit.auth" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := producer.TopicName("reviews.audit.auth"); got != "reviews.audit.auth" {
		t.Fatalf("expected prefix not duplicated, got %q", got)
	}
	if got := (&Producer{}).TopicName("audit.auth"); got != "audit.auth" {
		t.Fatalf("expected bare topic, got %q", got)
	}
}

func TestStubDispatcherNeverLogsData(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	stub := NewStubDispatcher(zap.New(core))

	err := stub.SendTransactionalEmail(context.Background(), domain.EmailPasswordReset, "alan@example.com", map[string]any{
		"resetUrl": "https://app.example.com/reset-password?token=secret-token",
	})
	if err != nil {
		t.Fatalf("SendTransactionalEmail returned error: %v", err)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	for key, value := range entries[0].ContextMap() {
		rendered, _ := json.Marshal(value)
		if strings.Contains(string(rendered), "secret-token") || strings.Contains(string(rendered), "alan@example.com") {
			t.Fatalf("stub dispatcher leaked %s=%s", key, rendered)
		}
	}
}
