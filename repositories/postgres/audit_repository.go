package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"go.uber.org/zap"
)

const auditColumns = `id, tenant_id, principal_id, session_id, action, critical, details,
	ip_address, user_agent, device_id, request_id, timestamp`

// AuditRepository implements the repositories.AuditRepository interface.
// Audit rows are append-only and may live in a separate database.
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var details []byte
	if len(log.Details) > 0 {
		details = log.Details
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		log.ID,
		log.TenantID,
		log.PrincipalID,
		log.SessionID,
		log.Action,
		log.Critical,
		details,
		log.IPAddress,
		log.UserAgent,
		log.DeviceID,
		log.RequestID,
		log.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	r.logger.Debug("audit log inserted", zap.String("id", log.ID.String()), zap.String("action", string(log.Action)))
	return nil
}

// GetByTenant retrieves audit logs for a tenant, newest first
func (r *AuditRepository) GetByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE tenant_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	return r.queryAuditLogs(ctx, query, tenantID, limit, offset)
}

// GetByPrincipal retrieves audit logs for one principal of a tenant
func (r *AuditRepository) GetByPrincipal(ctx context.Context, tenantID, principalID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE tenant_id = $1 AND principal_id = $2
		ORDER BY timestamp DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryAuditLogs(ctx, query, tenantID, principalID, limit, offset)
}

// GetCritical retrieves critical events recorded since the given time
func (r *AuditRepository) GetCritical(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_logs
		WHERE tenant_id = $1 AND critical AND timestamp >= $2
		ORDER BY timestamp DESC
		LIMIT $3
	`
	return r.queryAuditLogs(ctx, query, tenantID, since, limit)
}

// queryAuditLogs is a helper method to query multiple audit logs
func (r *AuditRepository) queryAuditLogs(ctx context.Context, query string, args ...interface{}) ([]*models.AuditLog, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log := &models.AuditLog{}
		var details []byte
		err := rows.Scan(
			&log.ID,
			&log.TenantID,
			&log.PrincipalID,
			&log.SessionID,
			&log.Action,
			&log.Critical,
			&details,
			&log.IPAddress,
			&log.UserAgent,
			&log.DeviceID,
			&log.RequestID,
			&log.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		if len(details) > 0 {
			log.Details = json.RawMessage(append([]byte(nil), details...))
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}
