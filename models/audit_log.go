package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of security event being audited
type AuditAction string

const (
	AuditActionTokenIssued       AuditAction = "token_issued"
	AuditActionTokenRefreshed    AuditAction = "token_refreshed"
	AuditActionReuseDetected     AuditAction = "token_reuse_detected"
	AuditActionSessionRevoked    AuditAction = "session_revoked"
	AuditActionFamilyRevoked     AuditAction = "family_revoked"
	AuditActionAccessGranted     AuditAction = "access_granted"
	AuditActionAccessDenied      AuditAction = "access_denied"
	AuditActionCrossTenantBypass AuditAction = "cross_tenant_bypass"
	AuditActionTenantDenied      AuditAction = "tenant_scope_denied"
	AuditActionLoginSucceeded    AuditAction = "login_succeeded"
	AuditActionLoginFailed       AuditAction = "login_failed"
	AuditActionPrincipalLocked   AuditAction = "principal_locked"
	AuditActionPrincipalCreated  AuditAction = "principal_created"
	AuditActionTenantProvisioned AuditAction = "tenant_provisioned"
	AuditActionTenantUpdated     AuditAction = "tenant_updated"
	AuditActionRoleChanged       AuditAction = "role_changed"
)

// AuditLog is one append-only security event
type AuditLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TenantID    uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	PrincipalID *uuid.UUID      `json:"principal_id,omitempty" db:"principal_id"`
	SessionID   *string         `json:"session_id,omitempty" db:"session_id"`
	Action      AuditAction     `json:"action" db:"action"`
	Critical    bool            `json:"critical" db:"critical"`
	Details     json.RawMessage `json:"details" db:"details"` // JSONB
	IPAddress   string          `json:"ip_address" db:"ip_address"`
	UserAgent   string          `json:"user_agent" db:"user_agent"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	RequestID   string          `json:"request_id" db:"request_id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(tenantID uuid.UUID, action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// WithPrincipal sets the principal ID
func (a *AuditLog) WithPrincipal(principalID uuid.UUID) *AuditLog {
	a.PrincipalID = &principalID
	return a
}

// WithSession sets the session ID
func (a *AuditLog) WithSession(sessionID string) *AuditLog {
	if sessionID != "" {
		a.SessionID = &sessionID
	}
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets request metadata
func (a *AuditLog) WithRequest(requestID, ipAddress, userAgent string) *AuditLog {
	a.RequestID = requestID
	a.IPAddress = ipAddress
	a.UserAgent = userAgent
	return a
}

// WithDevice sets the client device id
func (a *AuditLog) WithDevice(deviceID string) *AuditLog {
	a.DeviceID = deviceID
	return a
}

// AsCritical marks the event as security-critical
func (a *AuditLog) AsCritical() *AuditLog {
	a.Critical = true
	return a
}

// At overrides the event timestamp
func (a *AuditLog) At(ts time.Time) *AuditLog {
	if !ts.IsZero() {
		a.Timestamp = ts.UTC()
	}
	return a
}
