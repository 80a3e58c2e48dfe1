package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/tenant-auth/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, coreSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the audit database schema (audit_logs only, no FK).
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}

const coreSchema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		slug VARCHAR(63) NOT NULL,
		custom_domain VARCHAR(253),
		tier VARCHAR(32) NOT NULL,
		isolation VARCHAR(32) NOT NULL DEFAULT 'shared',
		active BOOLEAN NOT NULL DEFAULT true,
		suspended BOOLEAN NOT NULL DEFAULT false,
		limits JSONB NOT NULL DEFAULT '{}',
		ip_allowlist TEXT[] NOT NULL DEFAULT '{}',
		data_residency VARCHAR(64) NOT NULL DEFAULT '',
		sso_enabled BOOLEAN NOT NULL DEFAULT false,
		mfa_required BOOLEAN NOT NULL DEFAULT false,
		default_role_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deactivated_at TIMESTAMPTZ,
		CONSTRAINT tenants_slug_key UNIQUE (slug),
		CONSTRAINT tenants_custom_domain_key UNIQUE (custom_domain)
	);

	CREATE TABLE IF NOT EXISTS roles (
		id UUID PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		parent_id UUID REFERENCES roles(id) ON DELETE SET NULL,
		tenant_id UUID REFERENCES tenants(id) ON DELETE CASCADE,
		assignable BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS permissions (
		name VARCHAR(150) PRIMARY KEY,
		category VARCHAR(64) NOT NULL,
		action VARCHAR(64) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		requires_mfa BOOLEAN NOT NULL DEFAULT false,
		dangerous BOOLEAN NOT NULL DEFAULT false,
		min_tier VARCHAR(32) NOT NULL DEFAULT '',
		enterprise_only BOOLEAN NOT NULL DEFAULT false,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS role_grants (
		id UUID PRIMARY KEY,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		permission VARCHAR(150) NOT NULL REFERENCES permissions(name),
		conditions JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT role_grants_role_id_permission UNIQUE (role_id, permission)
	);

	CREATE TABLE IF NOT EXISTS principals (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		email VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL DEFAULT '',
		sso_subject VARCHAR(255),
		active BOOLEAN NOT NULL DEFAULT true,
		email_verified BOOLEAN NOT NULL DEFAULT false,
		mfa_enabled BOOLEAN NOT NULL DEFAULT false,
		failed_logins INTEGER NOT NULL DEFAULT 0,
		locked_until TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT principals_tenant_id_email_key UNIQUE (tenant_id, email),
		CONSTRAINT principals_tenant_id_sso_subject UNIQUE (tenant_id, sso_subject)
	);

	CREATE TABLE IF NOT EXISTS principal_roles (
		principal_id UUID NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ,
		PRIMARY KEY (principal_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(26) PRIMARY KEY,
		tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		principal_id UUID NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
		family_id VARCHAR(26) NOT NULL,
		client_ip VARCHAR(45) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		revoked_reason VARCHAR(100) NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_roles_tenant_id ON roles(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_role_grants_role_id ON role_grants(role_id);
	CREATE INDEX IF NOT EXISTS idx_principals_tenant_id ON principals(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_principal_roles_tenant_id ON principal_roles(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant_principal ON sessions(tenant_id, principal_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_family_id ON sessions(family_id);
`

// audit_logs carries no foreign keys so it can live in a separate database
const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		principal_id UUID,
		session_id VARCHAR(26),
		action VARCHAR(64) NOT NULL,
		critical BOOLEAN NOT NULL DEFAULT false,
		details JSONB,
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		device_id VARCHAR(255) NOT NULL DEFAULT '',
		request_id VARCHAR(255) NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_tenant_ts ON audit_logs(tenant_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_principal_id ON audit_logs(principal_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_critical ON audit_logs(tenant_id, timestamp) WHERE critical;
`

// WrapDB adapts an existing pool. Used by tests and tools that manage their own *sql.DB.
func WrapDB(sqlDB *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, logger: logger}
}
