package models

import (
	"net/netip"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Grant attaches a permission to a role, optionally under conditions
type Grant struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	RoleID     uuid.UUID        `json:"role_id" db:"role_id"`
	Permission string           `json:"permission" db:"permission"`
	Conditions *GrantConditions `json:"conditions,omitempty" db:"conditions"` // JSONB
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Grant model
func (Grant) TableName() string {
	return "role_grants"
}

// NewGrant creates an unconditional grant
func NewGrant(roleID uuid.UUID, permission string) *Grant {
	return &Grant{
		ID:         uuid.New(),
		RoleID:     roleID,
		Permission: permission,
		CreatedAt:  time.Now().UTC(),
	}
}

// GrantConditions constrain a grant. Every non-nil constraint must hold.
type GrantConditions struct {
	Time            *TimeWindow         `json:"time,omitempty"`
	Resource        *ResourceConstraint `json:"resource,omitempty"`
	Usage           *UsageLimit         `json:"usage,omitempty"`
	IPAllowlist     []string            `json:"ip_allowlist,omitempty"`
	DeviceAllowlist []string            `json:"device_allowlist,omitempty"`
}

// ContextDependent reports whether the outcome can change between two
// requests for the same principal, permission and resource.
func (c *GrantConditions) ContextDependent() bool {
	if c == nil {
		return false
	}
	return c.Time != nil || c.Usage != nil || len(c.IPAllowlist) > 0 || len(c.DeviceAllowlist) > 0
}

// TimeWindow limits a grant to a date range, weekdays and business hours.
// NotBefore and NotAfter are inclusive. Hours are [StartHour, EndHour) in Location.
type TimeWindow struct {
	NotBefore *time.Time     `json:"not_before,omitempty"`
	NotAfter  *time.Time     `json:"not_after,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	StartHour *int           `json:"start_hour,omitempty"`
	EndHour   *int           `json:"end_hour,omitempty"`
	Location  string         `json:"location,omitempty"` // IANA name, UTC when empty
}

// Contains reports whether at falls inside the window
func (w *TimeWindow) Contains(at time.Time) (bool, error) {
	if w.NotBefore != nil && at.Before(*w.NotBefore) {
		return false, nil
	}
	if w.NotAfter != nil && at.After(*w.NotAfter) {
		return false, nil
	}

	loc := time.UTC
	if w.Location != "" {
		l, err := time.LoadLocation(w.Location)
		if err != nil {
			return false, err
		}
		loc = l
	}
	local := at.In(loc)

	if len(w.Weekdays) > 0 && !slices.Contains(w.Weekdays, local.Weekday()) {
		return false, nil
	}
	if w.StartHour != nil && local.Hour() < *w.StartHour {
		return false, nil
	}
	if w.EndHour != nil && local.Hour() >= *w.EndHour {
		return false, nil
	}
	return true, nil
}

// ResourceConstraint restricts which resources a grant applies to
type ResourceConstraint struct {
	Types     []string `json:"types,omitempty"`
	OwnerOnly bool     `json:"owner_only,omitempty"`
}

// UsageLimit caps how often a grant may be exercised. Zero means unlimited.
type UsageLimit struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}

// AllowsIP reports whether ip matches one of the exact addresses or CIDR prefixes in list
func AllowsIP(list []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range list {
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}
