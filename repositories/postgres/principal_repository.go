package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

const principalColumns = `id, tenant_id, email, password_hash, sso_subject, active, email_verified,
	mfa_enabled, failed_logins, locked_until, created_at, updated_at`

// PrincipalRepository implements the repositories.PrincipalRepository interface.
// All queries are restricted to the tenant bound in the request context.
type PrincipalRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPrincipalRepository creates a new principal repository
func NewPrincipalRepository(db *DB, logger *zap.Logger) repositories.PrincipalRepository {
	return &PrincipalRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new principal inside the ambient tenant
func (r *PrincipalRepository) Create(ctx context.Context, principal *models.Principal) error {
	tenantID, err := tenancy.Enforce(ctx, principal.TenantID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	err = withinTx(ctx, r.db, r.logger, func(ctx context.Context) error {
		executor := GetExecutor(ctx, r.db)
		_, err := executor.ExecContext(ctx, query,
			principal.ID,
			tenantID,
			strings.ToLower(principal.Email),
			principal.PasswordHash,
			principal.SSOSubject,
			principal.Active,
			principal.EmailVerified,
			principal.MFAEnabled,
			principal.FailedLogins,
			principal.LockedUntil,
			principal.CreatedAt,
			principal.UpdatedAt,
		)
		if err != nil {
			return mapError("create principal", err)
		}
		return r.insertRoles(ctx, executor, tenantID, principal.ID, principal.Roles)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("principal created",
		zap.String("id", principal.ID.String()),
		zap.String("tenant_id", tenantID.String()))
	return nil
}

// GetByID retrieves a principal by ID
func (r *PrincipalRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	return r.getOne(ctx, "get principal", "id = $2", id)
}

// GetByEmail retrieves a principal by email
func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	return r.getOne(ctx, "get principal by email", "email = $2", strings.ToLower(email))
}

// GetBySSOSubject retrieves a principal by its identity provider subject
func (r *PrincipalRepository) GetBySSOSubject(ctx context.Context, subject string) (*models.Principal, error) {
	return r.getOne(ctx, "get principal by sso subject", "sso_subject = $2", subject)
}

// Update updates a principal's profile and flags
func (r *PrincipalRepository) Update(ctx context.Context, principal *models.Principal) error {
	tenantID, err := tenancy.Enforce(ctx, principal.TenantID)
	if err != nil {
		return err
	}

	query := `
		UPDATE principals
		SET email = $3,
		    password_hash = $4,
		    sso_subject = $5,
		    active = $6,
		    email_verified = $7,
		    mfa_enabled = $8,
		    failed_logins = $9,
		    locked_until = $10,
		    updated_at = $11
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		tenantID,
		principal.ID,
		strings.ToLower(principal.Email),
		principal.PasswordHash,
		principal.SSOSubject,
		principal.Active,
		principal.EmailVerified,
		principal.MFAEnabled,
		principal.FailedLogins,
		principal.LockedUntil,
		principal.UpdatedAt,
	)
	if err != nil {
		return mapError("update principal", err)
	}
	return expectOne("update principal", result)
}

// RecordLoginAttempt persists the failed-login counter and lock
func (r *PrincipalRepository) RecordLoginAttempt(ctx context.Context, id uuid.UUID, failedLogins int, lockedUntil *time.Time) error {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE principals
		SET failed_logins = $3, locked_until = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, tenantID, id, failedLogins, lockedUntil, time.Now().UTC())
	if err != nil {
		return mapError("record login attempt", err)
	}
	return expectOne("record login attempt", result)
}

// SetRoles replaces the principal's role assignments
func (r *PrincipalRepository) SetRoles(ctx context.Context, id uuid.UUID, roles []models.RoleAssignment) error {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return err
	}

	return withinTx(ctx, r.db, r.logger, func(ctx context.Context) error {
		executor := GetExecutor(ctx, r.db)
		if _, err := executor.ExecContext(ctx,
			`DELETE FROM principal_roles WHERE tenant_id = $1 AND principal_id = $2`, tenantID, id); err != nil {
			return mapError("clear principal roles", err)
		}
		return r.insertRoles(ctx, executor, tenantID, id, roles)
	})
}

// WithTx returns a new repository instance bound to the transaction
func (r *PrincipalRepository) WithTx(tx repositories.Transaction) repositories.PrincipalRepository {
	return &PrincipalRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func (r *PrincipalRepository) insertRoles(ctx context.Context, executor Executor, tenantID, principalID uuid.UUID, roles []models.RoleAssignment) error {
	query := `
		INSERT INTO principal_roles (principal_id, tenant_id, role_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal_id, role_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	for _, a := range roles {
		if _, err := executor.ExecContext(ctx, query, principalID, tenantID, a.RoleID, a.ExpiresAt); err != nil {
			return mapError("assign principal role", err)
		}
	}
	return nil
}

func (r *PrincipalRepository) getOne(ctx context.Context, op, where string, arg interface{}) (*models.Principal, error) {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + principalColumns + ` FROM principals WHERE tenant_id = $1 AND ` + where

	executor := GetExecutor(ctx, r.db)
	principal := &models.Principal{}
	err = executor.QueryRowContext(ctx, query, tenantID, arg).Scan(
		&principal.ID,
		&principal.TenantID,
		&principal.Email,
		&principal.PasswordHash,
		&principal.SSOSubject,
		&principal.Active,
		&principal.EmailVerified,
		&principal.MFAEnabled,
		&principal.FailedLogins,
		&principal.LockedUntil,
		&principal.CreatedAt,
		&principal.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(op, err)
	}

	roles, err := r.loadRoles(ctx, executor, tenantID, principal.ID)
	if err != nil {
		return nil, err
	}
	principal.Roles = roles
	return principal, nil
}

func (r *PrincipalRepository) loadRoles(ctx context.Context, executor Executor, tenantID, principalID uuid.UUID) ([]models.RoleAssignment, error) {
	rows, err := executor.QueryContext(ctx,
		`SELECT role_id, expires_at FROM principal_roles WHERE tenant_id = $1 AND principal_id = $2`,
		tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query principal roles: %w", err)
	}
	defer rows.Close()

	var roles []models.RoleAssignment
	for rows.Next() {
		var a models.RoleAssignment
		if err := rows.Scan(&a.RoleID, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan principal role: %w", err)
		}
		roles = append(roles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating principal role rows: %w", err)
	}
	return roles, nil
}
