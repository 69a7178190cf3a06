package domain

import "time"

// EmailKind names a transactional email template.
type EmailKind string

const (
	EmailWelcome               EmailKind = "welcome"
	EmailVendorWelcome         EmailKind = "vendor_welcome"
	EmailPasswordReset         EmailKind = "password_reset"
	EmailPasswordChanged       EmailKind = "password_changed"
	EmailNewAccountAlert       EmailKind = "admin_new_account_alert"
	EmailVendorPendingApproval EmailKind = "admin_vendor_pending_approval"
)

// NotificationKind names an in-app notification template.
type NotificationKind string

const (
	NotificationWelcome         NotificationKind = "welcome"
	NotificationPasswordChanged NotificationKind = "password_changed"
)

// AuditAction names an entry in the authentication audit trail.
type AuditAction string

const (
	AuditRegister               AuditAction = "register"
	AuditRegisterVendor         AuditAction = "register_vendor"
	AuditLogin                  AuditAction = "login"
	AuditLoginTokenRotated      AuditAction = "login_token_rotated"
	AuditFederationLogin        AuditAction = "federation_login"
	AuditFederationSignup       AuditAction = "federation_signup"
	AuditPasswordResetRequested AuditAction = "password_reset_requested"
	AuditPasswordResetCompleted AuditAction = "password_reset_completed"
)

// AuditEntry is a single audit trail record.
type AuditEntry struct {
	Action    AuditAction    `json:"action"`
	AccountID string         `json:"account_id"`
	Provider  Provider       `json:"provider,omitempty"`
	At        time.Time      `json:"at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
