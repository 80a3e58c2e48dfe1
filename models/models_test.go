package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestSubscriptionTier_AtLeast(t *testing.T) {
	tests := []struct {
		have SubscriptionTier
		min  SubscriptionTier
		want bool
	}{
		{TierFree, "", true},
		{TierFree, TierStarter, false},
		{TierProfessional, TierStarter, true},
		{TierEnterprise, TierEnterprise, true},
		{TierProfessional, TierEnterprise, false},
		{SubscriptionTier("platinum"), TierFree, false},
		{TierEnterprise, SubscriptionTier("platinum"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.have)+">="+string(tt.min), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.have.AtLeast(tt.min))
		})
	}
}

func TestNewTenant(t *testing.T) {
	tenant := NewTenant("Acme", "ACME", TierStarter)

	assert.NotEqual(t, uuid.Nil, tenant.ID)
	assert.Equal(t, "acme", tenant.Slug)
	assert.Equal(t, IsolationShared, tenant.Isolation)
	assert.True(t, tenant.Usable())
	assert.Equal(t, "tenants", tenant.TableName())

	tenant.Suspended = true
	assert.False(t, tenant.Usable())
}

func TestTenant_Handles(t *testing.T) {
	tenant := NewTenant("Acme", "acme", TierFree)
	assert.Equal(t, []string{tenant.ID.String(), "acme"}, tenant.Handles())

	domain := "Auth.Acme.COM"
	tenant.CustomDomain = &domain
	assert.Contains(t, tenant.Handles(), "auth.acme.com")
}

func TestPrincipal_CanLogin(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	t.Run("verified active principal", func(t *testing.T) {
		p := NewPrincipal(uuid.New(), "a@acme.io", "hash")
		p.EmailVerified = true
		assert.Equal(t, BlockerNone, p.CanLogin(now))
	})

	t.Run("inactive", func(t *testing.T) {
		p := NewPrincipal(uuid.New(), "a@acme.io", "hash")
		p.EmailVerified = true
		p.Active = false
		assert.Equal(t, BlockerInactive, p.CanLogin(now))
	})

	t.Run("locked until later", func(t *testing.T) {
		p := NewPrincipal(uuid.New(), "a@acme.io", "hash")
		p.EmailVerified = true
		p.LockedUntil = timePtr(now.Add(time.Minute))
		assert.Equal(t, BlockerLocked, p.CanLogin(now))
		assert.Equal(t, BlockerNone, p.CanLogin(now.Add(2*time.Minute)))
	})

	t.Run("unverified", func(t *testing.T) {
		p := NewPrincipal(uuid.New(), "a@acme.io", "hash")
		assert.Equal(t, BlockerUnverified, p.CanLogin(now))
	})
}

func TestPrincipal_ActiveRoleIDs(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	live, expired, open := uuid.New(), uuid.New(), uuid.New()

	p := NewPrincipal(uuid.New(), "a@acme.io", "hash")
	p.Roles = []RoleAssignment{
		{RoleID: live, ExpiresAt: timePtr(now.Add(time.Hour))},
		{RoleID: expired, ExpiresAt: timePtr(now.Add(-time.Second))},
		{RoleID: open},
	}

	assert.ElementsMatch(t, []uuid.UUID{live, open}, p.ActiveRoleIDs(now))
}

func TestPrincipal_PasswordHashNotSerialized(t *testing.T) {
	p := NewPrincipal(uuid.New(), "a@acme.io", "$2a$10$secret")
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
	assert.NotContains(t, string(data), "password_hash")
}

func TestPermission_Normalize(t *testing.T) {
	p := Permission{Name: "reports:export"}
	p.Normalize()
	assert.Equal(t, "reports", p.Category)
	assert.Equal(t, "export", p.Action)
	assert.Equal(t, 1, p.Version)
}

func TestRole_VisibleTo(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	global := Role{ID: uuid.New(), Name: "viewer"}
	scoped := Role{ID: uuid.New(), Name: "auditor", TenantID: &tenantA}

	assert.True(t, global.Global())
	assert.True(t, global.VisibleTo(tenantB))
	assert.True(t, scoped.VisibleTo(tenantA))
	assert.False(t, scoped.VisibleTo(tenantB))
}

func TestTimeWindow_Contains(t *testing.T) {
	t0 := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	t1 := time.Date(2026, 1, 9, 17, 0, 0, 0, time.UTC)
	window := &TimeWindow{NotBefore: &t0, NotAfter: &t1}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"lower bound inclusive", t0, true},
		{"upper bound inclusive", t1, true},
		{"one second before", t0.Add(-time.Second), false},
		{"one second after", t1.Add(time.Second), false},
		{"inside", t0.Add(48 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := window.Contains(tt.at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTimeWindow_BusinessHours(t *testing.T) {
	window := &TimeWindow{
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: intPtr(9),
		EndHour:   intPtr(17),
	}

	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	ok, err := window.Contains(monday.Add(9 * time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = window.Contains(monday.Add(17 * time.Hour))
	assert.False(t, ok)

	ok, _ = window.Contains(monday.Add(8*time.Hour + 59*time.Minute))
	assert.False(t, ok)

	ok, _ = window.Contains(saturday)
	assert.False(t, ok)
}

func TestTimeWindow_BadLocation(t *testing.T) {
	window := &TimeWindow{Location: "Mars/Olympus_Mons"}
	_, err := window.Contains(time.Now())
	assert.Error(t, err)
}

func TestGrantConditions_ContextDependent(t *testing.T) {
	var none *GrantConditions
	assert.False(t, none.ContextDependent())
	assert.False(t, (&GrantConditions{Resource: &ResourceConstraint{OwnerOnly: true}}).ContextDependent())
	assert.True(t, (&GrantConditions{Usage: &UsageLimit{PerDay: 3}}).ContextDependent())
	assert.True(t, (&GrantConditions{IPAllowlist: []string{"10.0.0.0/8"}}).ContextDependent())
	assert.True(t, (&GrantConditions{Time: &TimeWindow{}}).ContextDependent())
}

func TestAllowsIP(t *testing.T) {
	list := []string{"10.0.0.0/8", "192.168.1.10", "2001:db8::/32"}

	assert.True(t, AllowsIP(list, "10.20.30.40"))
	assert.True(t, AllowsIP(list, "192.168.1.10"))
	assert.True(t, AllowsIP(list, "::ffff:10.1.1.1"))
	assert.True(t, AllowsIP(list, "2001:db8::1"))
	assert.False(t, AllowsIP(list, "192.168.1.11"))
	assert.False(t, AllowsIP(list, "not-an-ip"))
	assert.False(t, AllowsIP(nil, "10.0.0.1"))
}

func TestAuditLog_BuilderMethods(t *testing.T) {
	tenantID := uuid.New()
	principalID := uuid.New()
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	log := NewAuditLog(tenantID, AuditActionReuseDetected).
		WithPrincipal(principalID).
		WithSession("01HSESSION").
		WithRequest("req-1", "10.0.0.1", "curl/8").
		WithDevice("laptop-1").
		WithDetails(map[string]interface{}{"family": "fam-1"}).
		AsCritical().
		At(ts)

	assert.Equal(t, tenantID, log.TenantID)
	require.NotNil(t, log.PrincipalID)
	assert.Equal(t, principalID, *log.PrincipalID)
	require.NotNil(t, log.SessionID)
	assert.Equal(t, "01HSESSION", *log.SessionID)
	assert.Equal(t, "10.0.0.1", log.IPAddress)
	assert.Equal(t, "laptop-1", log.DeviceID)
	assert.True(t, log.Critical)
	assert.Equal(t, ts, log.Timestamp)
	assert.JSONEq(t, `{"family":"fam-1"}`, string(log.Details))

	assert.Nil(t, NewAuditLog(tenantID, AuditActionAccessGranted).WithSession("").SessionID)
}
