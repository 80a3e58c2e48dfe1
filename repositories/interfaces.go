package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint is violated
	ErrDuplicate = errors.New("duplicate record")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error

	// Context returns a context carrying the transaction. Repositories called
	// with it run inside the transaction.
	Context() context.Context
}

// TenantRepository handles tenant data operations. Tenants are platform-level
// rows and are not filtered by the ambient tenant scope.
type TenantRepository interface {
	Create(ctx context.Context, tenant *models.Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*models.Tenant, error)
	Update(ctx context.Context, tenant *models.Tenant) error
	WithTx(tx Transaction) TenantRepository
}

// PrincipalRepository handles principal data operations. Every method reads
// the tenant from the ambient scope and fails without one.
type PrincipalRepository interface {
	Create(ctx context.Context, principal *models.Principal) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error)
	GetByEmail(ctx context.Context, email string) (*models.Principal, error)
	GetBySSOSubject(ctx context.Context, subject string) (*models.Principal, error)
	Update(ctx context.Context, principal *models.Principal) error

	// RecordLoginAttempt persists the failed-login counter and lock
	RecordLoginAttempt(ctx context.Context, id uuid.UUID, failedLogins int, lockedUntil *time.Time) error

	// SetRoles replaces the principal's role assignments
	SetRoles(ctx context.Context, id uuid.UUID, roles []models.RoleAssignment) error

	WithTx(tx Transaction) PrincipalRepository
}

// RoleRepository handles role data operations
type RoleRepository interface {
	List(ctx context.Context) ([]*models.Role, error)
	Upsert(ctx context.Context, role *models.Role) error
	Delete(ctx context.Context, id uuid.UUID) error
	WithTx(tx Transaction) RoleRepository
}

// PermissionRepository handles permission reference data
type PermissionRepository interface {
	List(ctx context.Context) ([]*models.Permission, error)
	Upsert(ctx context.Context, permission *models.Permission) error
}

// GrantRepository handles role grants
type GrantRepository interface {
	List(ctx context.Context) ([]*models.Grant, error)
	Create(ctx context.Context, grant *models.Grant) error
	Delete(ctx context.Context, roleID uuid.UUID, permission string) error
	WithTx(tx Transaction) GrantRepository
}

// SessionRepository handles sessions. Every method reads the tenant from the
// ambient scope.
type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListActiveByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*models.Session, error)
	Revoke(ctx context.Context, id string, reason string, at time.Time) error
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	// Insert appends one audit event
	Insert(ctx context.Context, log *models.AuditLog) error

	GetByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
	GetByPrincipal(ctx context.Context, tenantID, principalID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
	GetCritical(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*models.AuditLog, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Tenants     TenantRepository
	Principals  PrincipalRepository
	Roles       RoleRepository
	Permissions PermissionRepository
	Grants      GrantRepository
	Sessions    SessionRepository
	AuditLogs   AuditRepository
}

// ConflictError names the unique field that collided. It matches ErrDuplicate
// under errors.Is.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return "duplicate " + e.Field
}

// Is reports ErrDuplicate as a match
func (e *ConflictError) Is(target error) bool {
	return target == ErrDuplicate
}
