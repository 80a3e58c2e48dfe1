package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return WrapDB(sqlDB, zap.NewNop()), mock
}

func scoped(t *testing.T, tenantID uuid.UUID) context.Context {
	t.Helper()
	ctx, scope, err := tenancy.Bind(context.Background(), tenancy.Binding{TenantID: tenantID})
	require.NoError(t, err)
	t.Cleanup(scope.Close)
	return ctx
}

var tenantRowColumns = []string{
	"id", "name", "slug", "custom_domain", "tier", "isolation", "active", "suspended", "limits",
	"ip_allowlist", "data_residency", "sso_enabled", "mfa_required", "default_role_id",
	"created_at", "updated_at", "deactivated_at",
}

func TestTenantRepository_Create(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewTenantRepository(db, zap.NewNop())
		tenant := models.NewTenant("Acme", "acme", models.TierStarter)

		mock.ExpectExec("INSERT INTO tenants").
			WithArgs(tenant.ID, "Acme", "acme", nil, "starter", "shared", true, false,
				sqlmock.AnyArg(), "{}", "", false, false, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(context.Background(), tenant))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate slug", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewTenantRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO tenants").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "tenants_slug_key"})

		err := repo.Create(context.Background(), models.NewTenant("Acme", "acme", models.TierFree))
		require.Error(t, err)
		assert.ErrorIs(t, err, repositories.ErrDuplicate)

		var conflict *repositories.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "slug", conflict.Field)
	})
}

func TestTenantRepository_GetBySlug(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, zap.NewNop())
	id := uuid.New()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE slug = \\$1").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(tenantRowColumns).AddRow(
			id.String(), "Acme", "acme", "auth.acme.io", "professional", "schema", true, false,
			[]byte(`{"max_users":50}`), []byte(`{10.0.0.0/8,192.168.1.1}`), "eu", true, true, nil,
			now, now, nil,
		))

	tenant, err := repo.GetBySlug(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, id, tenant.ID)
	assert.Equal(t, models.TierProfessional, tenant.Tier)
	assert.Equal(t, models.IsolationSchema, tenant.Isolation)
	require.NotNil(t, tenant.CustomDomain)
	assert.Equal(t, "auth.acme.io", *tenant.CustomDomain)
	assert.Equal(t, 50, tenant.Limits.MaxUsers)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.1"}, tenant.Security.IPAllowlist)
	assert.True(t, tenant.Security.MFARequired)
	assert.Nil(t, tenant.DefaultRoleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRepository_GetByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT (.+) FROM tenants WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows(tenantRowColumns))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestTenantRepository_UpdateMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db, zap.NewNop())

	mock.ExpectExec("UPDATE tenants").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), models.NewTenant("Acme", "acme", models.TierFree))
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

var principalRowColumns = []string{
	"id", "tenant_id", "email", "password_hash", "sso_subject", "active", "email_verified",
	"mfa_enabled", "failed_logins", "locked_until", "created_at", "updated_at",
}

func TestPrincipalRepository_RequiresScope(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPrincipalRepository(db, zap.NewNop())

	_, err := repo.GetByEmail(context.Background(), "a@acme.io")
	assert.ErrorIs(t, err, services.ErrNoTenantScope)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalRepository_GetByEmail(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPrincipalRepository(db, zap.NewNop())
	tenantID, principalID, roleID := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM principals WHERE tenant_id = \\$1 AND email = \\$2").
		WithArgs(tenantID, "a@acme.io").
		WillReturnRows(sqlmock.NewRows(principalRowColumns).AddRow(
			principalID.String(), tenantID.String(), "a@acme.io", "$2a$hash", nil, true, true,
			false, 2, nil, now, now,
		))
	mock.ExpectQuery("SELECT role_id, expires_at FROM principal_roles").
		WithArgs(tenantID, principalID).
		WillReturnRows(sqlmock.NewRows([]string{"role_id", "expires_at"}).AddRow(roleID.String(), nil))

	p, err := repo.GetByEmail(scoped(t, tenantID), "A@Acme.io")
	require.NoError(t, err)
	assert.Equal(t, principalID, p.ID)
	assert.Equal(t, 2, p.FailedLogins)
	assert.Nil(t, p.SSOSubject)
	require.Len(t, p.Roles, 1)
	assert.Equal(t, roleID, p.Roles[0].RoleID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalRepository_CreateOtherTenant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPrincipalRepository(db, zap.NewNop())

	p := models.NewPrincipal(uuid.New(), "a@acme.io", "hash")
	err := repo.Create(scoped(t, uuid.New()), p)
	assert.ErrorIs(t, err, services.ErrTenantMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalRepository_CreateWithRoles(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPrincipalRepository(db, zap.NewNop())
	tenantID := uuid.New()

	p := models.NewPrincipal(tenantID, "New@Acme.io", "hash")
	p.Roles = []models.RoleAssignment{{RoleID: uuid.New()}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO principals").
		WithArgs(p.ID, tenantID, "new@acme.io", "hash", nil, true, false, false, 0, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO principal_roles").
		WithArgs(p.ID, tenantID, p.Roles[0].RoleID, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(scoped(t, tenantID), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalRepository_SetRoles(t *testing.T) {
	tenantID, principalID := uuid.New(), uuid.New()
	roles := []models.RoleAssignment{{RoleID: uuid.New()}, {RoleID: uuid.New()}}

	t.Run("replaces assignments atomically", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPrincipalRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM principal_roles").
			WithArgs(tenantID, principalID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		for _, a := range roles {
			mock.ExpectExec("INSERT INTO principal_roles").
				WithArgs(principalID, tenantID, a.RoleID, nil).
				WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()

		require.NoError(t, repo.SetRoles(scoped(t, tenantID), principalID, roles))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert rolls back the delete", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewPrincipalRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM principal_roles").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO principal_roles").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		assert.Error(t, repo.SetRoles(scoped(t, tenantID), principalID, roles))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPrincipalRepository_RecordLoginAttempt(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPrincipalRepository(db, zap.NewNop())
	tenantID, id := uuid.New(), uuid.New()
	until := time.Now().Add(15 * time.Minute)

	mock.ExpectExec("UPDATE principals").
		WithArgs(tenantID, id, 5, until, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordLoginAttempt(scoped(t, tenantID), id, 5, &until))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_Revoke(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, zap.NewNop())
	tenantID := uuid.New()
	ctx := scoped(t, tenantID)
	at := time.Now().UTC()

	mock.ExpectExec("UPDATE sessions").
		WithArgs(tenantID, "01HSESSION", at, "logout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs(tenantID, "missing", at, "logout").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Revoke(ctx, "01HSESSION", "logout", at))
	assert.ErrorIs(t, repo.Revoke(ctx, "missing", "logout", at), repositories.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_GetByID(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db, zap.NewNop())
	tenantID, principalID := uuid.New(), uuid.New()
	now := time.Now().UTC()

	cols := []string{"id", "tenant_id", "principal_id", "family_id", "client_ip", "user_agent",
		"device_id", "created_at", "expires_at", "revoked_at", "revoked_reason"}
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE tenant_id = \\$1 AND id = \\$2").
		WithArgs(tenantID, "01HSESSION").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"01HSESSION", tenantID.String(), principalID.String(), "01HFAMILY", "10.0.0.1", "curl",
			"", now, now.Add(time.Hour), now, "reuse_detected",
		))

	s, err := repo.GetByID(scoped(t, tenantID), "01HSESSION")
	require.NoError(t, err)
	assert.True(t, s.Revoked())
	assert.Equal(t, "reuse_detected", s.RevokedReason)
}

func TestGrantRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewGrantRepository(db, zap.NewNop())
	roleID := uuid.New()

	mock.ExpectQuery("SELECT id, role_id, permission, conditions, created_at FROM role_grants").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role_id", "permission", "conditions", "created_at"}).
			AddRow(uuid.NewString(), roleID.String(), "reports:export", []byte(`{"usage":{"per_day":3}}`), time.Now()).
			AddRow(uuid.NewString(), roleID.String(), "reports:read", nil, time.Now()))

	grants, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, grants, 2)
	require.NotNil(t, grants[0].Conditions)
	assert.Equal(t, 3, grants[0].Conditions.Usage.PerDay)
	assert.Nil(t, grants[1].Conditions)
}

func TestPermissionRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPermissionRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT name, category, action").
		WillReturnRows(sqlmock.NewRows([]string{"name", "category", "action", "description",
			"requires_mfa", "dangerous", "min_tier", "enterprise_only", "version"}).
			AddRow("billing:refund", "billing", "refund", "", true, true, "professional", false, 2))

	perms, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, models.TierProfessional, perms[0].MinTier)
	assert.Equal(t, 2, perms[0].Version)
}

func TestAuditRepository_Insert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAuditRepository(db, zap.NewNop())

	log := models.NewAuditLog(uuid.New(), models.AuditActionReuseDetected).
		WithSession("01HSESSION").
		WithDetails(map[string]string{"family": "01HFAMILY"}).
		AsCritical()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(log.ID, log.TenantID, nil, "01HSESSION", "token_reuse_detected", true,
			sqlmock.AnyArg(), "", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Insert(context.Background(), log))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_InTransaction(t *testing.T) {
	t.Run("commits and routes queries through the tx", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewTenantRepository(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO tenants").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			_, ok := GetExecutor(ctx, db).(*sql.Tx)
			assert.True(t, ok)
			return repo.Create(ctx, models.NewTenant("Acme", "acme", models.TierFree))
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := tm.InTransaction(context.Background(), func(ctx context.Context, tx repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nested call joins the outer transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		tenantID := uuid.New()
		p := models.NewPrincipal(tenantID, "a@acme.io", "hash")

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO principals").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		repo := NewPrincipalRepository(db, zap.NewNop())
		err := tm.InTransaction(scoped(t, tenantID), func(ctx context.Context, tx repositories.Transaction) error {
			return repo.Create(ctx, p)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError("x", sql.ErrNoRows), repositories.ErrNotFound)
	assert.ErrorIs(t, mapError("x", &pq.Error{Code: "23505", Constraint: "principals_tenant_id_email_key"}), repositories.ErrDuplicate)
	assert.NotErrorIs(t, mapError("x", errors.New("conn reset")), repositories.ErrNotFound)
	assert.Nil(t, mapError("x", nil))
}
