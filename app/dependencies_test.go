package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/repositories/postgres"
	"github.com/upb/tenant-auth/services/catalog"
	"github.com/upb/tenant-auth/services/token"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestNewDependencies(t *testing.T) {
	t.Run("successful initialization with all components", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		logger := zaptest.NewLogger(t)

		// Skip if database not available
		if !isDatabaseAvailable(t, cfg) {
			t.Skip("database not available")
		}

		deps, err := NewDependencies(ctx, cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Verify infrastructure
		assert.NotNil(t, deps.DB)
		assert.NotNil(t, deps.Store)
		assert.NotNil(t, deps.TxManager)

		// Verify services
		assert.NotNil(t, deps.Audit)
		assert.NotNil(t, deps.Tenants)
		assert.NotNil(t, deps.Catalog)
		assert.NotNil(t, deps.Tokens)
		assert.NotNil(t, deps.Evaluator)
		assert.NotNil(t, deps.Identity)
		assert.NotNil(t, deps.Guard)

		// Verify HTTP
		assert.NotNil(t, deps.AuthMiddleware)
		assert.NotNil(t, deps.TokenHandler)
		assert.NotNil(t, deps.AccessHandler)
		assert.NotNil(t, deps.TenantHandler)
		assert.NotNil(t, deps.HealthHandler)

		_, ok := deps.Catalog.Role(catalog.RoleID("admin"))
		assert.True(t, ok, "built-in roles are seeded")
		assert.NotEmpty(t, deps.Tokens.JWKS().Keys)

		// Cleanup
		err = deps.Close(ctx)
		assert.NoError(t, err)

		// Second close is a no-op
		assert.NoError(t, deps.Close(ctx))
	})

	t.Run("database connection failure", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Database.Host = "invalid-host-that-does-not-exist"
		logger := zaptest.NewLogger(t)

		deps, err := NewDependencies(ctx, cfg, logger)
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize database")
	})
}

func TestSigningKey(t *testing.T) {
	deps := &Dependencies{Logger: zap.NewNop()}

	t.Run("ephemeral key outside production", func(t *testing.T) {
		cfg := testConfig(t)
		key, err := deps.signingKey(cfg)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, key.N.BitLen(), 2048)
	})

	t.Run("production requires a configured key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Environment = "production"
		_, err := deps.signingKey(cfg)
		assert.Error(t, err)
	})

	t.Run("configured PEM is used", func(t *testing.T) {
		generated, err := token.GenerateKey(2048)
		require.NoError(t, err)
		pemBytes, err := token.EncodePrivateKeyPEM(generated)
		require.NoError(t, err)

		cfg := testConfig(t)
		cfg.Environment = "production"
		cfg.Token.PrivateKeyPEM = string(pemBytes)

		key, err := deps.signingKey(cfg)
		require.NoError(t, err)
		assert.True(t, generated.Equal(key))
	})

	t.Run("garbage PEM", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Token.PrivateKeyPEM = "-----BEGIN NOTHING-----"
		_, err := deps.signingKey(cfg)
		assert.Error(t, err)
	})
}

func TestInitStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory store without redis", func(t *testing.T) {
		deps := &Dependencies{Logger: zap.NewNop(), stopCh: make(chan struct{})}
		defer close(deps.stopCh)

		require.NoError(t, deps.initStore(ctx, testConfig(t)))
		_, ok := deps.Store.(*cache.MemoryStore)
		assert.True(t, ok)
	})

	t.Run("redis store when configured", func(t *testing.T) {
		mr := miniredis.RunT(t)
		deps := &Dependencies{Logger: zap.NewNop(), stopCh: make(chan struct{})}
		defer close(deps.stopCh)

		cfg := testConfig(t)
		cfg.Redis.Addr = mr.Addr()
		require.NoError(t, deps.initStore(ctx, cfg))

		store, ok := deps.Store.(*cache.RedisStore)
		require.True(t, ok)
		require.NoError(t, store.Set(ctx, "ping", []byte("1"), time.Minute))
		assert.True(t, mr.Exists("tenant-auth-test:ping"))
		assert.NoError(t, store.Close())
	})

	t.Run("unreachable redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		deps := &Dependencies{Logger: zap.NewNop(), stopCh: make(chan struct{})}
		defer close(deps.stopCh)

		cfg := testConfig(t)
		cfg.Redis.Addr = addr
		assert.Error(t, deps.initStore(ctx, cfg))
	})
}

// Test helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: config.DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            5432,
			User:            getEnvOrDefault("DB_USER", "auth"),
			Password:        getEnvOrDefault("DB_PASSWORD", "auth_password"),
			Database:        getEnvOrDefault("DB_NAME", "tenant_auth_test"),
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: config.RedisConfig{
			KeyPrefix: "tenant-auth-test:",
			OpTimeout: time.Second,
		},
		Token: config.TokenConfig{
			Issuer:           "tenant-auth-test",
			Audience:         "tenant-api",
			KeyID:            "test",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       24 * time.Hour,
			SessionMarkerTTL: 48 * time.Hour,
		},
		Tenancy: config.TenancyConfig{
			BaseDomain: "auth.test",
			CacheTTL:   time.Minute,
			CacheSize:  100,
		},
		Access: config.AccessConfig{
			DecisionCacheTTL: time.Minute,
			PermissionSetTTL: time.Minute,
			CacheSize:        100,
		},
		Security: config.SecurityConfig{
			BcryptCost:       4,
			LockoutThreshold: 5,
			LockoutDuration:  time.Minute,
			TokenRateLimit:   5,
			TokenRateBurst:   10,
		},
		Audit: config.AuditConfig{
			BufferSize:      100,
			WorkerCount:     1,
			ShutdownTimeout: 2 * time.Second,
		},
		Observability: config.ObservabilityConfig{
			ServiceName:    "tenant-auth-test",
			LogLevel:       "debug",
			LogFormat:      "json",
			MetricsEnabled: false,
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func isDatabaseAvailable(t *testing.T, cfg *config.Config) bool {
	t.Helper()
	logger := zap.NewNop()
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return false
	}
	defer factory.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return factory.GetDB().PingContext(ctx) == nil
}
