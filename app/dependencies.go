package app

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/handlers"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/middleware"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/repositories/postgres"
	"github.com/upb/tenant-auth/services/access"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/catalog"
	"github.com/upb/tenant-auth/services/guard"
	"github.com/upb/tenant-auth/services/identity"
	"github.com/upb/tenant-auth/services/tenant"
	"github.com/upb/tenant-auth/services/token"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Store   cache.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos     *repositories.Repositories
	TxManager repositories.TransactionManager

	// Services
	Audit     *audit.Service
	Tenants   *tenant.Directory
	Catalog   *catalog.Catalog
	Tokens    *token.Authority
	Evaluator *access.Evaluator
	Identity  *identity.Service
	Guard     *guard.Guard

	// HTTP
	AuthMiddleware *middleware.AuthMiddleware
	TokenLimiter   *middleware.IPRateLimiter
	TokenHandler   *handlers.TokenHandler
	AccessHandler  *handlers.AccessHandler
	TenantHandler  *handlers.TenantHandler
	HealthHandler  *handlers.HealthHandler

	stopCh chan struct{}
	closed bool
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	deps.initRepositories()

	// Initialize the shared token and counter store
	if err := deps.initStore(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	if err := deps.initServices(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	// Test the connection
	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	d.Repos = d.RepoFactory.NewRepositories()
	d.TxManager = d.RepoFactory.GetTransactionManager()
	d.Logger.Info("repositories initialized")
}

// initStore selects Redis when configured and the in-process store otherwise
func (d *Dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Addr == "" {
		mem := cache.NewMemoryStore(nil)
		mem.StartSweeper(time.Minute, d.stopCh)
		d.Store = mem
		d.Logger.Warn("redis not configured, using in-process store; sessions are not shared between replicas")
		return nil
	}

	store, err := cache.NewRedisStore(cache.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		OpTimeout: cfg.Redis.OpTimeout,
	})
	if err != nil {
		return err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Store = store
	d.Logger.Info("redis store connected", zap.String("addr", cfg.Redis.Addr))
	return nil
}

func (d *Dependencies) initServices(ctx context.Context, cfg *config.Config) error {
	d.Audit = audit.NewService(d.Repos.AuditLogs, d.Logger, d.Metrics, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	d.Tenants = tenant.NewDirectory(d.Repos.Tenants, d.TxManager, d.Audit, d.Logger, tenant.Config{
		BaseDomain: cfg.Tenancy.BaseDomain,
		CacheTTL:   cfg.Tenancy.CacheTTL,
		CacheSize:  cfg.Tenancy.CacheSize,
	})

	if err := d.initCatalog(ctx, cfg); err != nil {
		return err
	}

	if err := d.initTokens(cfg); err != nil {
		return err
	}

	d.Evaluator = access.NewEvaluator(d.Catalog, d.Store, d.Audit, d.Metrics, d.Logger, access.Config{
		PermissionSetTTL: cfg.Access.PermissionSetTTL,
		DecisionCacheTTL: cfg.Access.DecisionCacheTTL,
		CacheSize:        cfg.Access.CacheSize,
	})

	// TODO: plug a TOTP verifier once enrollment storage exists
	d.Logger.Warn("no MFA verifier configured, step-up verification will always fail")
	svc, err := identity.NewService(d.Tenants, d.Repos.Principals, d.Tokens, nil, d.Audit, d.Logger, identity.Config{
		BcryptCost:       cfg.Security.BcryptCost,
		LockoutThreshold: cfg.Security.LockoutThreshold,
		LockoutDuration:  cfg.Security.LockoutDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity service: %w", err)
	}
	svc.OnRolesChanged(func(principalID uuid.UUID) {
		d.Evaluator.InvalidatePrincipal(principalID)
	})
	d.Identity = svc

	d.Guard = guard.New(d.Tenants, d.Audit, d.Logger)

	d.Logger.Info("services initialized")
	return nil
}

func (d *Dependencies) initCatalog(ctx context.Context, cfg *config.Config) error {
	builtin, err := catalog.Builtin()
	if err != nil {
		return fmt.Errorf("failed to load built-in catalog: %w", err)
	}
	seeds := []*catalog.Seed{builtin}

	if cfg.Access.CatalogFile != "" {
		extra, err := catalog.LoadSeedFile(cfg.Access.CatalogFile)
		if err != nil {
			return fmt.Errorf("failed to load catalog file: %w", err)
		}
		seeds = append(seeds, extra)
		d.Logger.Info("catalog file loaded", zap.String("path", cfg.Access.CatalogFile))
	}

	cat, err := catalog.NewCatalog(catalog.Repositories{
		Roles:       d.Repos.Roles,
		Permissions: d.Repos.Permissions,
		Grants:      d.Repos.Grants,
	}, d.TxManager, d.Logger, seeds...)
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}
	if err := cat.Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	if err := cat.Load(ctx); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	d.Catalog = cat
	return nil
}

func (d *Dependencies) initTokens(cfg *config.Config) error {
	key, err := d.signingKey(cfg)
	if err != nil {
		return err
	}

	authority, err := token.NewAuthority(key, cfg.Token.KeyID, d.Store, d.Logger,
		token.WithIssuer(cfg.Token.Issuer),
		token.WithAudience(cfg.Token.Audience),
		token.WithTTLs(cfg.Token.AccessTTL, cfg.Token.RefreshTTL),
		token.WithSessionMarkerTTL(cfg.Token.SessionMarkerTTL),
		token.WithPermissionSource(d.Catalog),
		token.WithSessionRepository(d.Repos.Sessions),
		token.WithSubjectCheck(d.Tenants, d.Repos.Principals),
		token.WithAuditSink(d.Audit),
		token.WithMetrics(d.Metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create token authority: %w", err)
	}

	d.Tokens = authority
	return nil
}

// signingKey loads the configured key. Outside production a missing key is
// replaced by an ephemeral one, which invalidates tokens on restart.
func (d *Dependencies) signingKey(cfg *config.Config) (*rsa.PrivateKey, error) {
	pemBytes, err := cfg.Token.SigningKeyPEM()
	if err != nil {
		return nil, err
	}
	if len(pemBytes) > 0 {
		return token.ParsePrivateKeyPEM(pemBytes)
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("token signing key is required in production")
	}

	d.Logger.Warn("no signing key configured, generating an ephemeral key",
		zap.String("kid", cfg.Token.KeyID))
	return token.GenerateKey(2048)
}

func (d *Dependencies) initHTTP(cfg *config.Config) {
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Tokens, cfg.Token.Audience, d.Logger)

	d.TokenLimiter = middleware.NewIPRateLimiter(cfg.Security.TokenRateLimit, cfg.Security.TokenRateBurst, 10*time.Minute, d.Logger)
	d.TokenLimiter.StartSweeper(time.Minute, d.stopCh)

	d.TokenHandler = handlers.NewTokenHandler(d.Identity, d.Tokens, d.Logger)
	d.AccessHandler = handlers.NewAccessHandler(d.Guard, d.Identity, d.Evaluator, d.Catalog, d.Logger)
	d.TenantHandler = handlers.NewTenantHandler(d.Tenants, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.DB.DB, d.Store, d.Audit, d.Logger)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.Logger.Info("shutting down dependencies")

	var errs []error

	close(d.stopCh)

	// Drain buffered audit events before the database goes away
	if d.Audit != nil {
		timeout := d.Config.Audit.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if closer, ok := d.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
