// Package mocks provides testify mocks of the repository interfaces for
// service-level tests.
package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

// TransactionManager is a mock repositories.TransactionManager that hands
// out Tx values carrying the caller's context.
type TransactionManager struct {
	mock.Mock
}

func (m *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(repositories.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.Context(), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Tx is a mock repositories.Transaction
type Tx struct {
	mock.Mock
	Ctx context.Context
}

func (m *Tx) Commit() error {
	return m.Called().Error(0)
}

func (m *Tx) Rollback() error {
	return m.Called().Error(0)
}

func (m *Tx) Context() context.Context {
	if m.Ctx == nil {
		return context.Background()
	}
	return m.Ctx
}

// TenantRepository is a mock repositories.TenantRepository
type TenantRepository struct {
	mock.Mock
}

func (m *TenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	return m.Called(ctx, tenant).Error(0)
}

func (m *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	args := m.Called(ctx, id)
	if t := args.Get(0); t != nil {
		return t.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	args := m.Called(ctx, slug)
	if t := args.Get(0); t != nil {
		return t.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TenantRepository) GetByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	args := m.Called(ctx, domain)
	if t := args.Get(0); t != nil {
		return t.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TenantRepository) List(ctx context.Context, limit, offset int) ([]*models.Tenant, error) {
	args := m.Called(ctx, limit, offset)
	if t := args.Get(0); t != nil {
		return t.([]*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TenantRepository) Update(ctx context.Context, tenant *models.Tenant) error {
	return m.Called(ctx, tenant).Error(0)
}

func (m *TenantRepository) WithTx(tx repositories.Transaction) repositories.TenantRepository {
	return m
}

// PrincipalRepository is a mock repositories.PrincipalRepository
type PrincipalRepository struct {
	mock.Mock
}

func (m *PrincipalRepository) Create(ctx context.Context, principal *models.Principal) error {
	return m.Called(ctx, principal).Error(0)
}

func (m *PrincipalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	args := m.Called(ctx, id)
	if p := args.Get(0); p != nil {
		return p.(*models.Principal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	args := m.Called(ctx, email)
	if p := args.Get(0); p != nil {
		return p.(*models.Principal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *PrincipalRepository) GetBySSOSubject(ctx context.Context, subject string) (*models.Principal, error) {
	args := m.Called(ctx, subject)
	if p := args.Get(0); p != nil {
		return p.(*models.Principal), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *PrincipalRepository) Update(ctx context.Context, principal *models.Principal) error {
	return m.Called(ctx, principal).Error(0)
}

func (m *PrincipalRepository) RecordLoginAttempt(ctx context.Context, id uuid.UUID, failedLogins int, lockedUntil *time.Time) error {
	return m.Called(ctx, id, failedLogins, lockedUntil).Error(0)
}

func (m *PrincipalRepository) SetRoles(ctx context.Context, id uuid.UUID, roles []models.RoleAssignment) error {
	return m.Called(ctx, id, roles).Error(0)
}

func (m *PrincipalRepository) WithTx(tx repositories.Transaction) repositories.PrincipalRepository {
	return m
}

// RoleRepository is a mock repositories.RoleRepository
type RoleRepository struct {
	mock.Mock
}

func (m *RoleRepository) List(ctx context.Context) ([]*models.Role, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.([]*models.Role), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *RoleRepository) Upsert(ctx context.Context, role *models.Role) error {
	return m.Called(ctx, role).Error(0)
}

func (m *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *RoleRepository) WithTx(tx repositories.Transaction) repositories.RoleRepository {
	return m
}

// PermissionRepository is a mock repositories.PermissionRepository
type PermissionRepository struct {
	mock.Mock
}

func (m *PermissionRepository) List(ctx context.Context) ([]*models.Permission, error) {
	args := m.Called(ctx)
	if p := args.Get(0); p != nil {
		return p.([]*models.Permission), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *PermissionRepository) Upsert(ctx context.Context, permission *models.Permission) error {
	return m.Called(ctx, permission).Error(0)
}

// GrantRepository is a mock repositories.GrantRepository
type GrantRepository struct {
	mock.Mock
}

func (m *GrantRepository) List(ctx context.Context) ([]*models.Grant, error) {
	args := m.Called(ctx)
	if g := args.Get(0); g != nil {
		return g.([]*models.Grant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *GrantRepository) Create(ctx context.Context, grant *models.Grant) error {
	return m.Called(ctx, grant).Error(0)
}

func (m *GrantRepository) Delete(ctx context.Context, roleID uuid.UUID, permission string) error {
	return m.Called(ctx, roleID, permission).Error(0)
}

func (m *GrantRepository) WithTx(tx repositories.Transaction) repositories.GrantRepository {
	return m
}

// SessionRepository is a mock repositories.SessionRepository
type SessionRepository struct {
	mock.Mock
}

func (m *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	return m.Called(ctx, session).Error(0)
}

func (m *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*models.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepository) ListActiveByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*models.Session, error) {
	args := m.Called(ctx, principalID)
	if s := args.Get(0); s != nil {
		return s.([]*models.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepository) Revoke(ctx context.Context, id string, reason string, at time.Time) error {
	return m.Called(ctx, id, reason, at).Error(0)
}

// AuditRepository is a mock repositories.AuditRepository
type AuditRepository struct {
	mock.Mock
}

func (m *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *AuditRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, limit, offset)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AuditRepository) GetByPrincipal(ctx context.Context, tenantID, principalID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, principalID, limit, offset)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AuditRepository) GetCritical(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, tenantID, since, limit)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}
