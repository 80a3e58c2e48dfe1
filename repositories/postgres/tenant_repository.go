package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

const tenantColumns = `id, name, slug, custom_domain, tier, isolation, active, suspended, limits,
	ip_allowlist, data_residency, sso_enabled, mfa_required, default_role_id,
	created_at, updated_at, deactivated_at`

// TenantRepository implements the repositories.TenantRepository interface
type TenantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB, logger *zap.Logger) repositories.TenantRepository {
	return &TenantRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (` + tenantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	limits, err := json.Marshal(tenant.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant limits: %w", err)
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.Slug,
		lowerPtr(tenant.CustomDomain),
		tenant.Tier,
		tenant.Isolation,
		tenant.Active,
		tenant.Suspended,
		limits,
		pq.Array(nonNilStrings(tenant.Security.IPAllowlist)),
		tenant.Security.DataResidency,
		tenant.Security.SSOEnabled,
		tenant.Security.MFARequired,
		tenant.DefaultRoleID,
		tenant.CreatedAt,
		tenant.UpdatedAt,
		tenant.DeactivatedAt,
	)
	if err != nil {
		return mapError("create tenant", err)
	}

	r.logger.Debug("tenant created", zap.String("id", tenant.ID.String()), zap.String("slug", tenant.Slug))
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.getOne(ctx, "get tenant", `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

// GetBySlug retrieves a tenant by slug
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return r.getOne(ctx, "get tenant by slug", `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, strings.ToLower(slug))
}

// GetByDomain retrieves a tenant by custom domain
func (r *TenantRepository) GetByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	return r.getOne(ctx, "get tenant by domain", `SELECT `+tenantColumns+` FROM tenants WHERE custom_domain = $1`, strings.ToLower(domain))
}

// List retrieves tenants with pagination
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*models.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}

	return tenants, nil
}

// Update updates a tenant. Slug and ID are immutable.
func (r *TenantRepository) Update(ctx context.Context, tenant *models.Tenant) error {
	query := `
		UPDATE tenants
		SET name = $2,
		    custom_domain = $3,
		    tier = $4,
		    isolation = $5,
		    active = $6,
		    suspended = $7,
		    limits = $8,
		    ip_allowlist = $9,
		    data_residency = $10,
		    sso_enabled = $11,
		    mfa_required = $12,
		    default_role_id = $13,
		    updated_at = $14,
		    deactivated_at = $15
		WHERE id = $1
	`

	limits, err := json.Marshal(tenant.Limits)
	if err != nil {
		return fmt.Errorf("failed to marshal tenant limits: %w", err)
	}

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		lowerPtr(tenant.CustomDomain),
		tenant.Tier,
		tenant.Isolation,
		tenant.Active,
		tenant.Suspended,
		limits,
		pq.Array(nonNilStrings(tenant.Security.IPAllowlist)),
		tenant.Security.DataResidency,
		tenant.Security.SSOEnabled,
		tenant.Security.MFARequired,
		tenant.DefaultRoleID,
		tenant.UpdatedAt,
		tenant.DeactivatedAt,
	)
	if err != nil {
		return mapError("update tenant", err)
	}
	if err := expectOne("update tenant", result); err != nil {
		return err
	}

	r.logger.Debug("tenant updated", zap.String("id", tenant.ID.String()))
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *TenantRepository) WithTx(tx repositories.Transaction) repositories.TenantRepository {
	return &TenantRepository{
		db:     r.db,
		logger: r.logger,
	}
}

func (r *TenantRepository) getOne(ctx context.Context, op, query string, arg interface{}) (*models.Tenant, error) {
	executor := GetExecutor(ctx, r.db)
	tenant, err := scanTenant(executor.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, mapError(op, err)
	}
	return tenant, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	tenant := &models.Tenant{}
	var limits []byte
	var allowlist pq.StringArray

	err := row.Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Slug,
		&tenant.CustomDomain,
		&tenant.Tier,
		&tenant.Isolation,
		&tenant.Active,
		&tenant.Suspended,
		&limits,
		&allowlist,
		&tenant.Security.DataResidency,
		&tenant.Security.SSOEnabled,
		&tenant.Security.MFARequired,
		&tenant.DefaultRoleID,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
		&tenant.DeactivatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &tenant.Limits); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tenant limits: %w", err)
		}
	}
	if len(allowlist) > 0 {
		tenant.Security.IPAllowlist = []string(allowlist)
	}
	return tenant, nil
}

func lowerPtr(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := strings.ToLower(*s)
	return &v
}

// nonNilStrings keeps TEXT[] NOT NULL columns from receiving NULL
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
