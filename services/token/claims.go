package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// AccessClaims are carried by access tokens
type AccessClaims struct {
	jwt.RegisteredClaims
	TenantID    string   `json:"tid"`
	SessionID   string   `json:"sid"`
	FamilyID    string   `json:"fam"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"perms,omitempty"`
	MFA         bool     `json:"mfa,omitempty"`
	TokenUse    string   `json:"use"`
}

// RefreshClaims are carried by refresh tokens. Version is the family
// version the token was minted for.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TenantID  string `json:"tid"`
	SessionID string `json:"sid"`
	FamilyID  string `json:"fam"`
	Version   int64  `json:"ver"`
	TokenUse  string `json:"use"`
}

// PrincipalID parses the subject
func (c *AccessClaims) PrincipalID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid sub: %w", err)
	}
	return id, nil
}

// Tenant parses the tenant claim
func (c *AccessClaims) Tenant() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tid: %w", err)
	}
	return id, nil
}

// RoleIDs parses the role claim, skipping malformed entries
func (c *AccessClaims) RoleIDs() []uuid.UUID {
	return parseRoleIDs(c.Roles)
}

// HasPermission reports whether the permission snapshot contains perm
func (c *AccessClaims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// TokenPair is what clients receive after login or refresh
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	FamilyID         string    `json:"-"`
}
