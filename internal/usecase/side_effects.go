package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/logger"
)

// NotificationOptions configures recipients and links used in dispatched messages.
type NotificationOptions struct {
	FrontendURL   string
	OpsRecipients []string
}

// sideEffects applies the per-call-site dispatch policy: required sends return an error,
// best-effort sends only log.
type sideEffects struct {
	dispatcher port.Dispatcher
	audit      port.AuditLog
	opts       NotificationOptions
	logger     *zap.Logger
}

func newSideEffects(dispatcher port.Dispatcher, audit port.AuditLog, opts NotificationOptions, log *zap.Logger) *sideEffects {
	if log == nil {
		log = zap.NewNop()
	}
	opts.FrontendURL = strings.TrimRight(opts.FrontendURL, "/")
	return &sideEffects{dispatcher: dispatcher, audit: audit, opts: opts, logger: log}
}

func (s *sideEffects) link(path string) string {
	return s.opts.FrontendURL + path
}

// requireEmail sends an email whose delivery is part of the operation's contract.
func (s *sideEffects) requireEmail(ctx context.Context, kind domain.EmailKind, recipient string, data map[string]any) error {
	if s.dispatcher == nil {
		return fmt.Errorf("%w: dispatcher not configured", ErrDispatchFailed)
	}
	if err := s.dispatcher.SendTransactionalEmail(ctx, kind, recipient, data); err != nil {
		s.logger.Error("required email dispatch failed",
			zap.String("kind", string(kind)),
			zap.String("recipient", logger.MaskEmail(recipient)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s: %v", ErrDispatchFailed, kind, err)
	}
	return nil
}

func (s *sideEffects) email(ctx context.Context, kind domain.EmailKind, recipient string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.SendTransactionalEmail(ctx, kind, recipient, data); err != nil {
		s.logger.Warn("email dispatch failed",
			zap.String("kind", string(kind)),
			zap.String("recipient", logger.MaskEmail(recipient)),
			zap.Error(err),
		)
	}
}

func (s *sideEffects) notify(ctx context.Context, kind domain.NotificationKind, accountID string, data map[string]any) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.CreateInAppNotification(ctx, kind, accountID, data); err != nil {
		s.logger.Warn("in-app notification failed",
			zap.String("kind", string(kind)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

// alertOps emails every operations recipient; failures never reach the caller.
func (s *sideEffects) alertOps(ctx context.Context, kind domain.EmailKind, data map[string]any) {
	for _, recipient := range s.opts.OpsRecipients {
		s.email(ctx, kind, recipient, data)
	}
}

func (s *sideEffects) record(ctx context.Context, action domain.AuditAction, accountID string, provider domain.Provider, at time.Time, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	entry := domain.AuditEntry{
		Action:    action,
		AccountID: accountID,
		Provider:  provider,
		At:        at.UTC(),
		Metadata:  metadata,
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed",
			zap.String("action", string(action)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

func accountMessageData(account domain.Account) map[string]any {
	return map[string]any{
		"accountId": account.ID,
		"firstName": account.FirstName,
		"lastName":  account.LastName,
		"email":     account.Email,
		"role":      string(account.Role),
	}
}
