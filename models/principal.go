package models

import (
	"time"

	"github.com/google/uuid"
)

// RoleAssignment binds a role to a principal, optionally until ExpiresAt
type RoleAssignment struct {
	RoleID    uuid.UUID  `json:"role_id" db:"role_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// ActiveAt reports whether the assignment still holds at now
func (a RoleAssignment) ActiveAt(now time.Time) bool {
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// Principal is an authenticated actor owned by exactly one tenant
type Principal struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	TenantID      uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	Email         string           `json:"email" db:"email"`
	PasswordHash  string           `json:"-" db:"password_hash"`
	SSOSubject    *string          `json:"sso_subject,omitempty" db:"sso_subject"`
	Active        bool             `json:"active" db:"active"`
	EmailVerified bool             `json:"email_verified" db:"email_verified"`
	MFAEnabled    bool             `json:"mfa_enabled" db:"mfa_enabled"`
	FailedLogins  int              `json:"-" db:"failed_logins"`
	LockedUntil   *time.Time       `json:"locked_until,omitempty" db:"locked_until"`
	Roles         []RoleAssignment `json:"roles"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Principal model
func (Principal) TableName() string {
	return "principals"
}

// NewPrincipal creates an active principal in tenantID
func NewPrincipal(tenantID uuid.UUID, email, passwordHash string) *Principal {
	now := time.Now().UTC()
	return &Principal{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// LoginBlocker names why a principal cannot log in
type LoginBlocker string

const (
	BlockerNone       LoginBlocker = ""
	BlockerInactive   LoginBlocker = "inactive"
	BlockerLocked     LoginBlocker = "locked"
	BlockerUnverified LoginBlocker = "unverified"
)

// CanLogin returns BlockerNone if the principal may start a session at now
func (p *Principal) CanLogin(now time.Time) LoginBlocker {
	switch {
	case !p.Active:
		return BlockerInactive
	case p.LockedUntil != nil && now.Before(*p.LockedUntil):
		return BlockerLocked
	case !p.EmailVerified:
		return BlockerUnverified
	}
	return BlockerNone
}

// ActiveRoleIDs returns the role ids whose assignment has not expired at now
func (p *Principal) ActiveRoleIDs(now time.Time) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.Roles))
	for _, a := range p.Roles {
		if a.ActiveAt(now) {
			ids = append(ids, a.RoleID)
		}
	}
	return ids
}
