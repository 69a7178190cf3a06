package kafka

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/logger"
)

// StubDispatcher logs side effects instead of sending them to Kafka. Useful for development
// environments. Data values are never logged because they may carry reset links.
type StubDispatcher struct {
	logger *zap.Logger
}

// NewStubDispatcher constructs a development-friendly dispatcher.
func NewStubDispatcher(logger *zap.Logger) *StubDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubDispatcher{logger: logger}
}

// SendTransactionalEmail logs the email kind and masked recipient.
func (s *StubDispatcher) SendTransactionalEmail(_ context.Context, kind domain.EmailKind, recipient string, data map[string]any) error {
	s.logger.Info("Stub email dispatched",
		zap.String("kind", string(kind)),
		zap.String("recipient", logger.MaskEmail(recipient)),
		zap.Strings("data_keys", dataKeys(data)),
	)
	return nil
}

// CreateInAppNotification logs the notification kind and user.
func (s *StubDispatcher) CreateInAppNotification(_ context.Context, kind domain.NotificationKind, userID string, data map[string]any) error {
	s.logger.Info("Stub notification created",
		zap.String("kind", string(kind)),
		zap.String("user_id", userID),
		zap.Strings("data_keys", dataKeys(data)),
	)
	return nil
}

// Record logs the audit entry.
func (s *StubDispatcher) Record(_ context.Context, entry domain.AuditEntry) error {
	s.logger.Info("Stub audit entry",
		zap.String("action", string(entry.Action)),
		zap.String("account_id", entry.AccountID),
		zap.String("provider", string(entry.Provider)),
		zap.Time("at", entry.At),
		zap.Any("metadata", entry.Metadata),
	)
	return nil
}

func dataKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ port.Dispatcher = (*StubDispatcher)(nil)
	_ port.AuditLog   = (*StubDispatcher)(nil)
)
