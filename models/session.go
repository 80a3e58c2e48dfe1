package models

import (
	"time"

	"github.com/google/uuid"
)

// Session groups the token pairs issued for one login
type Session struct {
	ID            string     `json:"id" db:"id"`
	TenantID      uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	PrincipalID   uuid.UUID  `json:"principal_id" db:"principal_id"`
	FamilyID      string     `json:"family_id" db:"family_id"`
	ClientIP      string     `json:"client_ip,omitempty" db:"client_ip"`
	UserAgent     string     `json:"user_agent,omitempty" db:"user_agent"`
	DeviceID      string     `json:"device_id,omitempty" db:"device_id"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
}

// TableName returns the table name for the Session model
func (Session) TableName() string {
	return "sessions"
}

// Revoked reports whether the session has been revoked
func (s *Session) Revoked() bool {
	return s.RevokedAt != nil
}
