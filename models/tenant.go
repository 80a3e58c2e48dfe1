package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier is the commercial plan a tenant is on. Tiers are ordered.
type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierStarter      SubscriptionTier = "starter"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
)

var tierRank = map[SubscriptionTier]int{
	TierFree:         0,
	TierStarter:      1,
	TierProfessional: 2,
	TierEnterprise:   3,
}

// Valid reports whether t is a known tier
func (t SubscriptionTier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t is the same as or above min. An empty min is always satisfied.
func (t SubscriptionTier) AtLeast(min SubscriptionTier) bool {
	if min == "" {
		return true
	}
	have, ok := tierRank[t]
	if !ok {
		return false
	}
	need, ok := tierRank[min]
	if !ok {
		return false
	}
	return have >= need
}

// IsolationLevel describes how a tenant's data is partitioned
type IsolationLevel string

const (
	IsolationShared    IsolationLevel = "shared"
	IsolationSchema    IsolationLevel = "schema"
	IsolationDedicated IsolationLevel = "dedicated"
)

// ResourceLimits caps what a tenant may consume
type ResourceLimits struct {
	MaxUsers       int `json:"max_users"`
	MaxAPICallsDay int `json:"max_api_calls_day"`
	MaxStorageMB   int `json:"max_storage_mb"`
}

// SecuritySettings are per-tenant security switches
type SecuritySettings struct {
	IPAllowlist   []string `json:"ip_allowlist,omitempty"`
	DataResidency string   `json:"data_residency,omitempty"`
	SSOEnabled    bool     `json:"sso_enabled"`
	MFARequired   bool     `json:"mfa_required"`
}

// Tenant represents an isolated customer organization
type Tenant struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	Name          string           `json:"name" db:"name"`
	Slug          string           `json:"slug" db:"slug"` // subdomain handle
	CustomDomain  *string          `json:"custom_domain,omitempty" db:"custom_domain"`
	Tier          SubscriptionTier `json:"tier" db:"tier"`
	Isolation     IsolationLevel   `json:"isolation" db:"isolation"`
	Active        bool             `json:"active" db:"active"`
	Suspended     bool             `json:"suspended" db:"suspended"`
	Limits        ResourceLimits   `json:"limits" db:"limits"`
	Security      SecuritySettings `json:"security" db:"security"`
	DefaultRoleID *uuid.UUID       `json:"default_role_id,omitempty" db:"default_role_id"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
	DeactivatedAt *time.Time       `json:"deactivated_at,omitempty" db:"deactivated_at"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// NewTenant creates an active tenant on the shared isolation level
func NewTenant(name, slug string, tier SubscriptionTier) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:        uuid.New(),
		Name:      name,
		Slug:      strings.ToLower(slug),
		Tier:      tier,
		Isolation: IsolationShared,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Usable reports whether the tenant may serve requests
func (t *Tenant) Usable() bool {
	return t.Active && !t.Suspended
}

// Handles lists every handle the tenant can be resolved by
func (t *Tenant) Handles() []string {
	handles := []string{t.ID.String(), t.Slug}
	if t.CustomDomain != nil && *t.CustomDomain != "" {
		handles = append(handles, strings.ToLower(*t.CustomDomain))
	}
	return handles
}
