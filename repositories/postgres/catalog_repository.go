package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

// RoleRepository implements the repositories.RoleRepository interface
type RoleRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRoleRepository creates a new role repository
func NewRoleRepository(db *DB, logger *zap.Logger) repositories.RoleRepository {
	return &RoleRepository{db: db, logger: logger}
}

// List returns every role, global and tenant-scoped
func (r *RoleRepository) List(ctx context.Context) ([]*models.Role, error) {
	query := `
		SELECT id, name, description, level, parent_id, tenant_id, assignable, created_at, updated_at
		FROM roles
		ORDER BY level, name
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var roles []*models.Role
	for rows.Next() {
		role := &models.Role{}
		if err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.Description,
			&role.Level,
			&role.ParentID,
			&role.TenantID,
			&role.Assignable,
			&role.CreatedAt,
			&role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role rows: %w", err)
	}
	return roles, nil
}

// Upsert inserts or replaces a role
func (r *RoleRepository) Upsert(ctx context.Context, role *models.Role) error {
	query := `
		INSERT INTO roles (id, name, description, level, parent_id, tenant_id, assignable, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			level = EXCLUDED.level,
			parent_id = EXCLUDED.parent_id,
			assignable = EXCLUDED.assignable,
			updated_at = EXCLUDED.updated_at
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.Description,
		role.Level,
		role.ParentID,
		role.TenantID,
		role.Assignable,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return mapError("upsert role", err)
	}

	r.logger.Debug("role saved", zap.String("id", role.ID.String()), zap.String("name", role.Name))
	return nil
}

// Delete deletes a role
func (r *RoleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapError("delete role", err)
	}
	return expectOne("delete role", result)
}

// WithTx returns a new repository instance bound to the transaction
func (r *RoleRepository) WithTx(tx repositories.Transaction) repositories.RoleRepository {
	return &RoleRepository{db: r.db, logger: r.logger}
}

// PermissionRepository implements the repositories.PermissionRepository interface
type PermissionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPermissionRepository creates a new permission repository
func NewPermissionRepository(db *DB, logger *zap.Logger) repositories.PermissionRepository {
	return &PermissionRepository{db: db, logger: logger}
}

// List returns every stored permission
func (r *PermissionRepository) List(ctx context.Context) ([]*models.Permission, error) {
	query := `
		SELECT name, category, action, description, requires_mfa, dangerous, min_tier, enterprise_only, version
		FROM permissions
		ORDER BY name
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []*models.Permission
	for rows.Next() {
		p := &models.Permission{}
		if err := rows.Scan(
			&p.Name,
			&p.Category,
			&p.Action,
			&p.Description,
			&p.RequiresMFA,
			&p.Dangerous,
			&p.MinTier,
			&p.EnterpriseOnly,
			&p.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permission rows: %w", err)
	}
	return perms, nil
}

// Upsert stores a permission. A row is only replaced by a higher version.
func (r *PermissionRepository) Upsert(ctx context.Context, p *models.Permission) error {
	query := `
		INSERT INTO permissions (name, category, action, description, requires_mfa, dangerous, min_tier, enterprise_only, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			category = EXCLUDED.category,
			action = EXCLUDED.action,
			description = EXCLUDED.description,
			requires_mfa = EXCLUDED.requires_mfa,
			dangerous = EXCLUDED.dangerous,
			min_tier = EXCLUDED.min_tier,
			enterprise_only = EXCLUDED.enterprise_only,
			version = EXCLUDED.version
		WHERE permissions.version < EXCLUDED.version
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		p.Name,
		p.Category,
		p.Action,
		p.Description,
		p.RequiresMFA,
		p.Dangerous,
		p.MinTier,
		p.EnterpriseOnly,
		p.Version,
	)
	if err != nil {
		return mapError("upsert permission", err)
	}
	return nil
}

// GrantRepository implements the repositories.GrantRepository interface
type GrantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(db *DB, logger *zap.Logger) repositories.GrantRepository {
	return &GrantRepository{db: db, logger: logger}
}

// List returns every grant
func (r *GrantRepository) List(ctx context.Context) ([]*models.Grant, error) {
	query := `SELECT id, role_id, permission, conditions, created_at FROM role_grants ORDER BY created_at`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*models.Grant
	for rows.Next() {
		g := &models.Grant{}
		var conditions []byte
		if err := rows.Scan(&g.ID, &g.RoleID, &g.Permission, &conditions, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		if len(conditions) > 0 && string(conditions) != "null" {
			g.Conditions = &models.GrantConditions{}
			if err := json.Unmarshal(conditions, g.Conditions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal grant conditions: %w", err)
			}
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grant rows: %w", err)
	}
	return grants, nil
}

// Create stores a grant
func (r *GrantRepository) Create(ctx context.Context, g *models.Grant) error {
	var conditions []byte
	if g.Conditions != nil {
		data, err := json.Marshal(g.Conditions)
		if err != nil {
			return fmt.Errorf("failed to marshal grant conditions: %w", err)
		}
		conditions = data
	}

	query := `
		INSERT INTO role_grants (id, role_id, permission, conditions, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	executor := GetExecutor(ctx, r.db)
	if _, err := executor.ExecContext(ctx, query, g.ID, g.RoleID, g.Permission, conditions, g.CreatedAt); err != nil {
		return mapError("create grant", err)
	}

	r.logger.Debug("grant created", zap.String("role_id", g.RoleID.String()), zap.String("permission", g.Permission))
	return nil
}

// Delete removes the grant of permission to roleID
func (r *GrantRepository) Delete(ctx context.Context, roleID uuid.UUID, permission string) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx,
		`DELETE FROM role_grants WHERE role_id = $1 AND permission = $2`, roleID, permission)
	if err != nil {
		return mapError("delete grant", err)
	}
	return expectOne("delete grant", result)
}

// WithTx returns a new repository instance bound to the transaction
func (r *GrantRepository) WithTx(tx repositories.Transaction) repositories.GrantRepository {
	return &GrantRepository{db: r.db, logger: r.logger}
}
