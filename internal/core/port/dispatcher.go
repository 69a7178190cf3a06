package port

import (
	"context"

	"github.com/xuthority/identity-service/internal/core/domain"
)

// Dispatcher delivers out-of-band side effects. Both capabilities fail independently.
type Dispatcher interface {
	SendTransactionalEmail(ctx context.Context, kind domain.EmailKind, recipient string, data map[string]any) error
	CreateInAppNotification(ctx context.Context, kind domain.NotificationKind, userID string, data map[string]any) error
}

// AuditLog records authentication audit entries.
type AuditLog interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}
