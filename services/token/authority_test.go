package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories/mocks"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/catalog"
	"go.uber.org/zap"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := GenerateKey(2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	auth      *Authority
	store     cache.Store
	clock     *fakeClock
	sink      *audit.Recorder
	tenant    *models.Tenant
	principal *models.Principal
}

func newHarness(t *testing.T, store cache.Store, clock *fakeClock, opts ...Option) *harness {
	t.Helper()
	sink := &audit.Recorder{}
	base := []Option{
		WithIssuer("tenant-auth-test"),
		WithAudience("tenant-api"),
		WithClock(clock.Now),
		WithAuditSink(sink),
	}
	a, err := NewAuthority(signingKey(t), "test-key", store, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, err)

	tenant := models.NewTenant("Acme", "acme", models.TierProfessional)
	principal := models.NewPrincipal(tenant.ID, "ada@acme.io", "")
	principal.EmailVerified = true
	principal.Roles = []models.RoleAssignment{{RoleID: catalog.RoleID("member")}}

	return &harness{auth: a, store: store, clock: clock, sink: sink, tenant: tenant, principal: principal}
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func memoryHarness(t *testing.T, opts ...Option) *harness {
	clock := newClock()
	return newHarness(t, cache.NewMemoryStore(clock.Now), clock, opts...)
}

func redisHarness(t *testing.T, opts ...Option) *harness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newHarness(t, cache.NewRedisStoreFromClient(client, "test:", time.Second), newClock(), opts...)
}

func forEachStore(t *testing.T, fn func(t *testing.T, h *harness)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryHarness(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisHarness(t)) })
}

func (h *harness) issue(t *testing.T) *TokenPair {
	t.Helper()
	pair, err := h.auth.IssueTokenPair(context.Background(), h.principal, h.tenant, SessionContext{IP: "10.0.0.1"})
	require.NoError(t, err)
	return pair
}

func TestNewAuthority_Validation(t *testing.T) {
	store := cache.NewMemoryStore(nil)

	_, err := NewAuthority(nil, "k", store, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAuthority(signingKey(t), "", store, zap.NewNop())
	assert.Error(t, err)

	_, err = NewAuthority(signingKey(t), "k", store, zap.NewNop(), WithTTLs(time.Hour, time.Minute))
	assert.Error(t, err)

	_, err = NewAuthority(signingKey(t), "k", store, zap.NewNop(),
		WithTTLs(time.Minute, time.Hour), WithSessionMarkerTTL(30*time.Minute))
	assert.Error(t, err)
}

func TestAuthority_IssueThenVerify(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		pair := h.issue(t)
		assert.Equal(t, "Bearer", pair.TokenType)
		assert.Equal(t, int64(900), pair.ExpiresIn)
		assert.NotEmpty(t, pair.SessionID)

		claims, err := h.auth.VerifyAccessToken(context.Background(), pair.AccessToken, "")
		require.NoError(t, err)

		principalID, err := claims.PrincipalID()
		require.NoError(t, err)
		tenantID, err := claims.Tenant()
		require.NoError(t, err)

		assert.Equal(t, h.principal.ID, principalID)
		assert.Equal(t, h.tenant.ID, tenantID)
		assert.Equal(t, pair.SessionID, claims.SessionID)
		assert.Equal(t, pair.FamilyID, claims.FamilyID)
		assert.Equal(t, []uuid.UUID{catalog.RoleID("member")}, claims.RoleIDs())
		assert.False(t, claims.MFA)
		assert.Equal(t, "tenant-auth-test", claims.Issuer)

		parsed, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, &AccessClaims{})
		require.NoError(t, err)
		assert.Equal(t, "test-key", parsed.Header["kid"])
		assert.Equal(t, "RS256", parsed.Header["alg"])

		issued := h.sink.OfType(models.AuditActionTokenIssued)
		require.Len(t, issued, 1)
		assert.Equal(t, "10.0.0.1", issued[0].Client.IP)
	})
}

func TestAuthority_PermissionSnapshot(t *testing.T) {
	seed, err := catalog.Builtin()
	require.NoError(t, err)
	cat, err := catalog.NewCatalog(catalog.Repositories{}, nil, zap.NewNop(), seed)
	require.NoError(t, err)

	h := memoryHarness(t, WithPermissionSource(cat))
	claims, err := h.auth.VerifyAccessToken(context.Background(), h.issue(t).AccessToken, "")
	require.NoError(t, err)

	assert.True(t, claims.HasPermission("reports:export"))
	assert.True(t, claims.HasPermission("tenant:read"))
	assert.False(t, claims.HasPermission("tenant:manage"))
}

func TestAuthority_IssueRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("locked principal", func(t *testing.T) {
		h := memoryHarness(t)
		until := h.clock.Now().Add(time.Hour)
		h.principal.LockedUntil = &until
		_, err := h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{})
		assert.True(t, errors.Is(err, services.ErrInvalidPrincipalState))
		assert.Equal(t, "locked", services.GetErrorDetails(err)["reason"])
	})

	t.Run("unverified principal", func(t *testing.T) {
		h := memoryHarness(t)
		h.principal.EmailVerified = false
		_, err := h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{})
		assert.True(t, services.IsInvalidPrincipalStateError(err))
	})

	t.Run("suspended tenant", func(t *testing.T) {
		h := memoryHarness(t)
		h.tenant.Suspended = true
		_, err := h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{})
		assert.True(t, errors.Is(err, services.ErrTenantInactive))
	})

	t.Run("principal of another tenant", func(t *testing.T) {
		h := memoryHarness(t)
		h.principal.TenantID = uuid.New()
		_, err := h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{})
		assert.True(t, errors.Is(err, services.ErrTenantMismatch))
	})

	t.Run("expired role assignments are dropped", func(t *testing.T) {
		h := memoryHarness(t)
		past := h.clock.Now().Add(-time.Minute)
		h.principal.Roles = append(h.principal.Roles, models.RoleAssignment{RoleID: catalog.RoleID("admin"), ExpiresAt: &past})
		claims, err := h.auth.VerifyAccessToken(ctx, h.issue(t).AccessToken, "")
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{catalog.RoleID("member")}, claims.RoleIDs())
	})
}

func TestAuthority_VerifyRejects(t *testing.T) {
	ctx := context.Background()
	h := memoryHarness(t)
	pair := h.issue(t)

	t.Run("wrong audience", func(t *testing.T) {
		_, err := h.auth.VerifyAccessToken(ctx, pair.AccessToken, "other-api")
		assert.True(t, errors.Is(err, services.ErrTokenInvalid))
	})

	t.Run("refresh token is not an access token", func(t *testing.T) {
		_, err := h.auth.VerifyAccessToken(ctx, pair.RefreshToken, h.auth.Issuer())
		assert.True(t, errors.Is(err, services.ErrTokenInvalid))
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(pair.AccessToken, ".")
		require.Len(t, parts, 3)
		parts[1] = parts[1][:len(parts[1])-2] + "xx"
		_, err := h.auth.VerifyAccessToken(ctx, strings.Join(parts, "."), "")
		assert.True(t, errors.Is(err, services.ErrTokenInvalid))
	})

	t.Run("hmac token signed with the public key", func(t *testing.T) {
		claims := AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    h.auth.Issuer(),
				Audience:  jwt.ClaimStrings{h.auth.Audience()},
				ExpiresAt: jwt.NewNumericDate(h.clock.Now().Add(time.Minute)),
			},
			TenantID: h.tenant.ID.String(),
			TokenUse: useAccess,
		}
		forged := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		forged.Header["kid"] = "test-key"
		raw, err := forged.SignedString(signingKey(t).PublicKey.N.Bytes())
		require.NoError(t, err)

		_, err = h.auth.VerifyAccessToken(ctx, raw, "")
		assert.True(t, errors.Is(err, services.ErrTokenInvalid))
	})

	t.Run("unknown kid", func(t *testing.T) {
		other, err := NewAuthority(signingKey(t), "other-key", h.store, zap.NewNop(),
			WithIssuer(h.auth.Issuer()), WithClock(h.clock.Now))
		require.NoError(t, err)
		pair, err := other.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{})
		require.NoError(t, err)

		_, err = h.auth.VerifyAccessToken(ctx, pair.AccessToken, "")
		assert.True(t, errors.Is(err, services.ErrTokenInvalid))
	})

	t.Run("expired", func(t *testing.T) {
		h.clock.Advance(16 * time.Minute)
		_, err := h.auth.VerifyAccessToken(ctx, pair.AccessToken, "")
		assert.True(t, errors.Is(err, services.ErrTokenExpired))
	})
}

func TestAuthority_VerifyDoesNotMutate(t *testing.T) {
	clock := newClock()
	store := cache.NewMemoryStore(clock.Now)
	h := newHarness(t, store, clock)
	pair := h.issue(t)

	before := store.Len()
	for i := 0; i < 5; i++ {
		claims, err := h.auth.VerifyAccessToken(context.Background(), pair.AccessToken, "")
		require.NoError(t, err)
		assert.Equal(t, pair.SessionID, claims.SessionID)
	}
	assert.Equal(t, before, store.Len())

	// a refresh afterwards still sees the original family version
	_, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
	assert.NoError(t, err)
}

func TestAuthority_RefreshRotation(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		first := h.issue(t)

		h.clock.Advance(time.Minute)
		second, err := h.auth.RefreshTokenPair(ctx, first.RefreshToken, RefreshContext{IP: "10.0.0.2"})
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, second.SessionID)
		assert.Equal(t, first.FamilyID, second.FamilyID)
		assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

		claims, err := h.auth.VerifyAccessToken(ctx, second.AccessToken, "")
		require.NoError(t, err)
		assert.Equal(t, first.SessionID, claims.SessionID)

		third, err := h.auth.RefreshTokenPair(ctx, second.RefreshToken, RefreshContext{})
		require.NoError(t, err)
		assert.Len(t, h.sink.OfType(models.AuditActionTokenRefreshed), 2)

		t.Run("replaying an exchanged token revokes the family", func(t *testing.T) {
			_, err := h.auth.RefreshTokenPair(ctx, first.RefreshToken, RefreshContext{})
			assert.True(t, errors.Is(err, services.ErrReuseDetected))

			_, err = h.auth.RefreshTokenPair(ctx, third.RefreshToken, RefreshContext{})
			assert.True(t, errors.Is(err, services.ErrTokenRevoked))

			_, err = h.auth.VerifyAccessToken(ctx, third.AccessToken, "")
			assert.True(t, errors.Is(err, services.ErrTokenRevoked))

			reuse := h.sink.OfType(models.AuditActionReuseDetected)
			require.Len(t, reuse, 1)
			assert.True(t, reuse[0].Critical)
			assert.Equal(t, h.tenant.ID, reuse[0].TenantID)
		})
	})
}

func TestAuthority_ConcurrentRefreshSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		pair := h.issue(t)

		const callers = 2
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			wins    int
			reuses  int
			start   = make(chan struct{})
			results = make([]error, callers)
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := h.auth.RefreshTokenPair(ctx, pair.RefreshToken, RefreshContext{})
				results[i] = err
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, services.ErrReuseDetected):
					reuses++
				}
			}(i)
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, wins, "results: %v", results)
		assert.Equal(t, 1, reuses, "results: %v", results)

		// the family is dead for everyone afterwards
		_, err := h.auth.VerifyAccessToken(ctx, pair.AccessToken, "")
		assert.True(t, errors.Is(err, services.ErrTokenRevoked))
	})
}

func TestAuthority_ConcurrentRefreshManyCallers(t *testing.T) {
	h := memoryHarness(t)
	ctx := context.Background()
	pair := h.issue(t)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.auth.RefreshTokenPair(ctx, pair.RefreshToken, RefreshContext{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, services.ErrReuseDetected) || errors.Is(err, services.ErrTokenRevoked), err)
	}
	assert.Equal(t, 1, wins)
}

func TestAuthority_RevokeSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		pair := h.issue(t)

		require.NoError(t, h.auth.RevokeSession(ctx, h.tenant.ID, pair.SessionID, "logout"))

		events := h.sink.OfType(models.AuditActionSessionRevoked)
		require.Len(t, events, 1)
		assert.Equal(t, h.tenant.ID, events[0].TenantID)
		assert.True(t, events[0].Critical)

		_, err := h.auth.VerifyAccessToken(ctx, pair.AccessToken, "")
		assert.True(t, errors.Is(err, services.ErrTokenRevoked))

		_, err = h.auth.RefreshTokenPair(ctx, pair.RefreshToken, RefreshContext{})
		assert.True(t, errors.Is(err, services.ErrTokenRevoked))

		// continuing a revoked session is refused
		_, err = h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{SessionID: pair.SessionID})
		assert.True(t, errors.Is(err, services.ErrTokenRevoked))

		assert.Error(t, h.auth.RevokeSession(ctx, h.tenant.ID, "", "logout"))
		assert.ErrorIs(t, h.auth.RevokeSession(ctx, uuid.Nil, pair.SessionID, "logout"), services.ErrNoTenantScope)

		other, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: uuid.New()})
		require.NoError(t, err)
		defer scope.Close()
		assert.ErrorIs(t, h.auth.RevokeSession(other, h.tenant.ID, pair.SessionID, "logout"), services.ErrTenantMismatch)
	})
}

func TestAuthority_RevokeFamily(t *testing.T) {
	h := memoryHarness(t)
	ctx := context.Background()
	pair := h.issue(t)

	require.NoError(t, h.auth.RevokeFamily(ctx, pair.FamilyID, "admin"))

	_, err := h.auth.RefreshTokenPair(ctx, pair.RefreshToken, RefreshContext{})
	assert.True(t, errors.Is(err, services.ErrTokenRevoked))
	_, err = h.auth.VerifyAccessToken(ctx, pair.AccessToken, "")
	assert.True(t, errors.Is(err, services.ErrTokenRevoked))
	assert.Len(t, h.sink.OfType(models.AuditActionFamilyRevoked), 1)

	assert.True(t, services.IsNotFoundError(h.auth.RevokeFamily(ctx, "missing", "admin")))
}

func TestAuthority_ReissueForSameSession(t *testing.T) {
	h := memoryHarness(t)
	ctx := context.Background()
	first := h.issue(t)

	second, err := h.auth.IssueTokenPair(ctx, h.principal, h.tenant, SessionContext{
		SessionID:      first.SessionID,
		ReplacesFamily: first.FamilyID,
		MFAVerified:    true,
		Reason:         "mfa",
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.FamilyID, second.FamilyID)

	claims, err := h.auth.VerifyAccessToken(ctx, second.AccessToken, "")
	require.NoError(t, err)
	assert.True(t, claims.MFA)

	// the replaced family can no longer refresh, the session stays alive
	_, err = h.auth.RefreshTokenPair(ctx, first.RefreshToken, RefreshContext{})
	assert.True(t, errors.Is(err, services.ErrTokenRevoked))
	_, err = h.auth.RefreshTokenPair(ctx, second.RefreshToken, RefreshContext{})
	assert.NoError(t, err)
}

func TestAuthority_RefreshAfterFamilyExpiry(t *testing.T) {
	h := memoryHarness(t)
	pair := h.issue(t)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
	assert.True(t, errors.Is(err, services.ErrTokenExpired))
}

// failingStore fails every read
type failingStore struct {
	cache.Store
}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestAuthority_VerifyStoreFailureIsInvalid(t *testing.T) {
	h := memoryHarness(t)
	pair := h.issue(t)

	broken, err := NewAuthority(signingKey(t), "test-key", failingStore{Store: h.store}, zap.NewNop(),
		WithIssuer(h.auth.Issuer()), WithClock(h.clock.Now))
	require.NoError(t, err)

	_, err = broken.VerifyAccessToken(context.Background(), pair.AccessToken, "")
	assert.True(t, errors.Is(err, services.ErrTokenInvalid))
}

func TestAuthority_PersistsSessionUnderTenantScope(t *testing.T) {
	sessions := new(mocks.SessionRepository)
	h := memoryHarness(t, WithSessionRepository(sessions))

	sessions.On("Create", mock.MatchedBy(func(ctx context.Context) bool {
		id, err := tenancy.Filter(ctx)
		return err == nil && id == h.tenant.ID
	}), mock.MatchedBy(func(s *models.Session) bool {
		return s.TenantID == h.tenant.ID && s.PrincipalID == h.principal.ID && s.FamilyID != ""
	})).Return(nil).Once()

	pair := h.issue(t)
	sessions.AssertExpectations(t)

	t.Run("revocation updates the row inside a scope", func(t *testing.T) {
		sessions.On("Revoke", mock.MatchedBy(func(ctx context.Context) bool {
			id, err := tenancy.Filter(ctx)
			return err == nil && id == h.tenant.ID
		}), pair.SessionID, "logout", mock.Anything).Return(nil).Once()
		require.NoError(t, h.auth.RevokeSession(context.Background(), h.tenant.ID, pair.SessionID, "logout"))
		sessions.AssertExpectations(t)

		events := h.sink.OfType(models.AuditActionSessionRevoked)
		require.Len(t, events, 1)
		assert.Equal(t, h.tenant.ID, events[0].TenantID)
	})

	t.Run("database failure aborts issuance", func(t *testing.T) {
		sessions.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
		_, err := h.auth.IssueTokenPair(context.Background(), h.principal, h.tenant, SessionContext{})
		assert.True(t, services.IsInternalError(err))
	})
}

func TestAuthority_Metrics(t *testing.T) {
	metrics := observability.NewMetrics()
	h := memoryHarness(t, WithMetrics(metrics))
	pair := h.issue(t)

	_, err := h.auth.VerifyAccessToken(context.Background(), pair.AccessToken, "nope")
	require.Error(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	assert.True(t, found["tokens_issued_total"])
	assert.True(t, found["token_verify_failures_total"])
}

func TestAuthority_TokenEventsDegradeFailingAudit(t *testing.T) {
	tests := []struct {
		name string
		run  func(h *harness, pair *TokenPair) error
	}{
		{"issue", func(h *harness, _ *TokenPair) error {
			_, err := h.auth.IssueTokenPair(context.Background(), h.principal, h.tenant, SessionContext{})
			return err
		}},
		{"refresh", func(h *harness, pair *TokenPair) error {
			_, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
			return err
		}},
		{"revoke session", func(h *harness, pair *TokenPair) error {
			return h.auth.RevokeSession(context.Background(), h.tenant.ID, pair.SessionID, "logout")
		}},
		{"revoke family", func(h *harness, pair *TokenPair) error {
			return h.auth.RevokeFamily(context.Background(), pair.FamilyID, "compromised device")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.AuditRepository)
			repo.On("Insert", mock.Anything, mock.Anything).Return(nil).Once()
			repo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

			sink := audit.NewService(repo, zap.NewNop(), nil, audit.DefaultConfig())
			h := memoryHarness(t, WithAuditSink(sink))
			pair := h.issue(t)
			require.False(t, sink.Degraded())

			require.NoError(t, tt.run(h, pair))
			assert.True(t, sink.Degraded())
		})
	}
}

type tenantTable map[string]*models.Tenant

func (tt tenantTable) Resolve(ctx context.Context, handle string) (*models.Tenant, error) {
	if t, ok := tt[handle]; ok {
		return t, nil
	}
	return nil, services.ErrTenantNotFound
}

func TestAuthority_RefreshReloadsSubject(t *testing.T) {
	inScope := func(tenantID uuid.UUID) interface{} {
		return mock.MatchedBy(func(ctx context.Context) bool {
			id, err := tenancy.Filter(ctx)
			return err == nil && id == tenantID
		})
	}
	setup := func(t *testing.T) (*harness, *mocks.PrincipalRepository, *TokenPair) {
		tenants := tenantTable{}
		principals := new(mocks.PrincipalRepository)
		h := memoryHarness(t, WithSubjectCheck(tenants, principals))
		tenants[h.tenant.ID.String()] = h.tenant
		return h, principals, h.issue(t)
	}

	t.Run("suspended tenant stops rotation", func(t *testing.T) {
		h, principals, pair := setup(t)
		h.tenant.Suspended = true

		_, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
		assert.ErrorIs(t, err, services.ErrTenantInactive)
		principals.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)

		// the token was not spent
		h.tenant.Suspended = false
		principals.On("GetByID", inScope(h.tenant.ID), h.principal.ID).Return(h.principal, nil)
		_, err = h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
		assert.NoError(t, err)
	})

	t.Run("deactivated principal", func(t *testing.T) {
		h, principals, pair := setup(t)
		gone := *h.principal
		gone.Active = false
		principals.On("GetByID", inScope(h.tenant.ID), h.principal.ID).Return(&gone, nil)

		_, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
		assert.True(t, services.IsInvalidPrincipalStateError(err), err)
	})

	t.Run("role changes reach the new pair", func(t *testing.T) {
		h, principals, pair := setup(t)
		promoted := *h.principal
		promoted.Roles = []models.RoleAssignment{{RoleID: catalog.RoleID("admin")}}
		principals.On("GetByID", inScope(h.tenant.ID), h.principal.ID).Return(&promoted, nil)

		next, err := h.auth.RefreshTokenPair(context.Background(), pair.RefreshToken, RefreshContext{})
		require.NoError(t, err)
		claims, err := h.auth.VerifyAccessToken(context.Background(), next.AccessToken, "")
		require.NoError(t, err)
		assert.Equal(t, []string{catalog.RoleID("admin").String()}, claims.Roles)
	})
}
