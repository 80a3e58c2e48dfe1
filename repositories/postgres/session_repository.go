package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

const sessionColumns = `id, tenant_id, principal_id, family_id, client_ip, user_agent, device_id,
	created_at, expires_at, revoked_at, revoked_reason`

// SessionRepository implements the repositories.SessionRepository interface.
// All queries are restricted to the tenant bound in the request context.
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, logger *zap.Logger) repositories.SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	tenantID, err := tenancy.Enforce(ctx, s.TenantID)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		s.ID,
		tenantID,
		s.PrincipalID,
		s.FamilyID,
		s.ClientIP,
		s.UserAgent,
		s.DeviceID,
		s.CreatedAt,
		s.ExpiresAt,
		s.RevokedAt,
		s.RevokedReason,
	)
	if err != nil {
		return mapError("create session", err)
	}

	r.logger.Debug("session created", zap.String("id", s.ID), zap.String("tenant_id", tenantID.String()))
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = $1 AND id = $2`

	executor := GetExecutor(ctx, r.db)
	s, err := scanSession(executor.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		return nil, mapError("get session", err)
	}
	return s, nil
}

// ListActiveByPrincipal returns the principal's unrevoked, unexpired sessions
func (r *SessionRepository) ListActiveByPrincipal(ctx context.Context, principalID uuid.UUID) ([]*models.Session, error) {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE tenant_id = $1 AND principal_id = $2 AND revoked_at IS NULL AND expires_at > $3
		ORDER BY created_at DESC
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, tenantID, principalID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// Revoke marks a session revoked. Revoking twice keeps the first timestamp.
func (r *SessionRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions
		SET revoked_at = COALESCE(revoked_at, $3),
		    revoked_reason = CASE WHEN revoked_at IS NULL THEN $4 ELSE revoked_reason END
		WHERE tenant_id = $1 AND id = $2
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, tenantID, id, at, reason)
	if err != nil {
		return mapError("revoke session", err)
	}
	return expectOne("revoke session", result)
}

func scanSession(row rowScanner) (*models.Session, error) {
	s := &models.Session{}
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.PrincipalID,
		&s.FamilyID,
		&s.ClientIP,
		&s.UserAgent,
		&s.DeviceID,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.RevokedAt,
		&s.RevokedReason,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
