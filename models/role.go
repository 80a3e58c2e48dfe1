package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a node in the role tree. A nil TenantID means the role is global.
type Role struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	Level       int        `json:"level" db:"level"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`
	Assignable  bool       `json:"assignable" db:"assignable"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Role model
func (Role) TableName() string {
	return "roles"
}

// Global reports whether the role is shared by every tenant
func (r *Role) Global() bool {
	return r.TenantID == nil
}

// VisibleTo reports whether the role can be used inside tenantID
func (r *Role) VisibleTo(tenantID uuid.UUID) bool {
	return r.TenantID == nil || *r.TenantID == tenantID
}

// Permission is immutable reference data, named "<category>:<action>"
type Permission struct {
	Name           string           `json:"name" db:"name" yaml:"name"`
	Category       string           `json:"category" db:"category" yaml:"category"`
	Action         string           `json:"action" db:"action" yaml:"action"`
	Description    string           `json:"description,omitempty" db:"description" yaml:"description"`
	RequiresMFA    bool             `json:"requires_mfa" db:"requires_mfa" yaml:"requires_mfa"`
	Dangerous      bool             `json:"dangerous" db:"dangerous" yaml:"dangerous"`
	MinTier        SubscriptionTier `json:"min_tier,omitempty" db:"min_tier" yaml:"min_tier"`
	EnterpriseOnly bool             `json:"enterprise_only" db:"enterprise_only" yaml:"enterprise_only"`
	Version        int              `json:"version" db:"version" yaml:"version"`
}

// TableName returns the table name for the Permission model
func (Permission) TableName() string {
	return "permissions"
}

// Normalize fills Category and Action from Name when they are missing
func (p *Permission) Normalize() {
	if p.Category != "" && p.Action != "" {
		return
	}
	if cat, act, ok := strings.Cut(p.Name, ":"); ok {
		if p.Category == "" {
			p.Category = cat
		}
		if p.Action == "" {
			p.Action = act
		}
	}
	if p.Version == 0 {
		p.Version = 1
	}
}
