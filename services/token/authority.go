// Package token issues, verifies, rotates and revokes session tokens.
//
// Access and refresh tokens are RS256 JWTs. Every login starts a token
// family whose state lives in the shared store under a version number; a
// refresh is a compare-and-swap from the version the presented token was
// minted for to the next one. Presenting a refresh token that is not the
// family's current one is treated as theft: the family and its session are
// revoked.
package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/internal/ids"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/catalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	// revocation writes survive a client hanging up
	revokeTimeout = 5 * time.Second
	casAttempts   = 8
)

// PermissionSource computes the permission snapshot embedded in access tokens
type PermissionSource interface {
	PermissionsFor(tenantID uuid.UUID, roleIDs []uuid.UUID) catalog.Effective
}

// SessionContext describes the login a pair is issued for
type SessionContext struct {
	// SessionID continues an existing session. Empty starts a new one.
	SessionID string
	// ReplacesFamily is retired once the new pair is issued
	ReplacesFamily string
	IP             string
	UserAgent      string
	DeviceID       string
	MFAVerified    bool
	// Reason labels the issuance in metrics and audit: login, mfa or sso
	Reason string
}

// RefreshContext describes the client presenting a refresh token
type RefreshContext struct {
	IP        string
	UserAgent string
	DeviceID  string
}

// TenantLookup resolves a tenant by id or handle
type TenantLookup interface {
	Resolve(ctx context.Context, handle string) (*models.Tenant, error)
}

// Option configures an Authority
type Option func(*Authority)

// WithSubjectCheck reloads the tenant and principal on every refresh. A
// suspended or inactive tenant, or a principal that can no longer log in,
// stops the family from rotating, and role changes reach the new pair.
func WithSubjectCheck(tenants TenantLookup, principals repositories.PrincipalRepository) Option {
	return func(a *Authority) {
		a.tenants = tenants
		a.principals = principals
	}
}

// WithIssuer sets the iss claim
func WithIssuer(issuer string) Option {
	return func(a *Authority) {
		if issuer != "" {
			a.issuer = issuer
		}
	}
}

// WithAudience sets the aud claim of access tokens
func WithAudience(audience string) Option {
	return func(a *Authority) {
		if audience != "" {
			a.audience = audience
		}
	}
}

// WithTTLs sets the access and refresh token lifetimes
func WithTTLs(access, refresh time.Duration) Option {
	return func(a *Authority) {
		if access > 0 {
			a.accessTTL = access
		}
		if refresh > 0 {
			a.refreshTTL = refresh
		}
	}
}

// WithSessionMarkerTTL sets how long a session revocation is remembered
func WithSessionMarkerTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		a.markerTTL = ttl
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		if now != nil {
			a.now = now
		}
	}
}

// WithPermissionSource embeds permission snapshots in access tokens
func WithPermissionSource(src PermissionSource) Option {
	return func(a *Authority) {
		a.perms = src
	}
}

// WithSessionRepository persists session rows
func WithSessionRepository(repo repositories.SessionRepository) Option {
	return func(a *Authority) {
		a.sessions = repo
	}
}

// WithAuditSink records issuance, rotation and revocation
func WithAuditSink(sink audit.Sink) Option {
	return func(a *Authority) {
		a.sink = sink
	}
}

// WithMetrics records token counters
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Authority) {
		a.metrics = m
	}
}

// WithVerificationKey accepts tokens signed by a retired key during rotation
func WithVerificationKey(kid string, pub *rsa.PublicKey) Option {
	return func(a *Authority) {
		a.verifyKeys[kid] = pub
	}
}

// Authority signs and tracks tokens
type Authority struct {
	key        *rsa.PrivateKey
	keyID      string
	verifyKeys map[string]*rsa.PublicKey

	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	markerTTL  time.Duration

	store      cache.Store
	perms      PermissionSource
	sessions   repositories.SessionRepository
	tenants    TenantLookup
	principals repositories.PrincipalRepository
	sink     audit.Sink
	metrics  *observability.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAuthority creates an Authority signing with key under keyID
func NewAuthority(key *rsa.PrivateKey, keyID string, store cache.Store, logger *zap.Logger, opts ...Option) (*Authority, error) {
	if key == nil {
		return nil, errors.New("token: signing key is required")
	}
	if keyID == "" {
		return nil, errors.New("token: key id is required")
	}
	if store == nil {
		return nil, errors.New("token: store is required")
	}

	a := &Authority{
		key:        key,
		keyID:      keyID,
		verifyKeys: map[string]*rsa.PublicKey{keyID: &key.PublicKey},
		issuer:     "tenant-auth",
		audience:   "tenant-api",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		store:      store,
		logger:     logger,
		tracer:     otel.Tracer("github.com/upb/tenant-auth/services/token"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.verifyKeys[keyID] = &key.PublicKey

	if a.markerTTL == 0 {
		a.markerTTL = a.refreshTTL + 24*time.Hour
	}
	if a.accessTTL >= a.refreshTTL {
		return nil, errors.New("token: access TTL must be shorter than refresh TTL")
	}
	if a.markerTTL <= a.refreshTTL {
		return nil, errors.New("token: session marker TTL must outlive the refresh TTL")
	}
	return a, nil
}

// Issuer returns the iss claim value
func (a *Authority) Issuer() string {
	return a.issuer
}

// Audience returns the default aud of access tokens
func (a *Authority) Audience() string {
	return a.audience
}

type familyState string

const (
	familyActive  familyState = "active"
	familyRevoked familyState = "revoked"
)

// familyRecord is the shared state of a token family. Its version is the
// store's version of the key.
type familyRecord struct {
	State         familyState `json:"state"`
	CurrentJTI    string      `json:"jti"`
	SessionID     string      `json:"sid"`
	PrincipalID   string      `json:"sub"`
	TenantID      string      `json:"tid"`
	Roles         []string    `json:"roles,omitempty"`
	Permissions   []string    `json:"perms,omitempty"`
	MFA           bool        `json:"mfa,omitempty"`
	RevokedReason string      `json:"revoked_reason,omitempty"`
}

func familyKey(id string) string     { return "tok:fam:" + id }
func blacklistKey(jti string) string { return "tok:bl:" + jti }
func sessionKey(sid string) string   { return "tok:sess:" + sid }

func decodeFamily(v cache.Versioned) (*familyRecord, error) {
	var rec familyRecord
	if err := json.Unmarshal(v.Data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt family record: %w", err)
	}
	return &rec, nil
}

// IssueTokenPair starts a token family for principal in tenant
func (a *Authority) IssueTokenPair(ctx context.Context, principal *models.Principal, tenant *models.Tenant, sc SessionContext) (*TokenPair, error) {
	ctx, span := a.tracer.Start(ctx, "token.IssueTokenPair")
	defer span.End()

	now := a.now()
	if blocker := principal.CanLogin(now); blocker != models.BlockerNone {
		return nil, services.ErrInvalidPrincipalState.Wrap(nil).WithDetail("reason", string(blocker))
	}
	if !tenant.Usable() {
		return nil, services.ErrTenantInactive
	}
	if principal.TenantID != tenant.ID {
		return nil, services.ErrTenantMismatch
	}

	reason := sc.Reason
	if reason == "" {
		reason = "login"
	}

	familyID := ids.NewAt(now)
	sessionID := sc.SessionID
	if sessionID == "" {
		sessionID = ids.NewAt(now)
		if err := a.persistSession(ctx, principal, tenant, sessionID, familyID, sc, now); err != nil {
			return nil, err
		}
	} else {
		revoked, err := a.exists(ctx, sessionKey(sessionID))
		if err != nil {
			return nil, services.ErrCacheFailed.Wrap(err)
		}
		if revoked {
			return nil, services.ErrTokenRevoked
		}
	}

	roleIDs := principal.ActiveRoleIDs(now)
	rec := &familyRecord{
		State:       familyActive,
		SessionID:   sessionID,
		PrincipalID: principal.ID.String(),
		TenantID:    tenant.ID.String(),
		Roles:       roleStrings(roleIDs),
		Permissions: a.snapshot(tenant.ID, roleIDs),
		MFA:         sc.MFAVerified,
	}

	pair, err := a.signPair(rec, familyID, 1, now)
	if err != nil {
		span.RecordError(err)
		return nil, services.ErrInternal.Wrap(err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, services.ErrInternal.Wrap(err)
	}
	swapped, err := a.store.CompareAndSwap(ctx, familyKey(familyID), 0, cache.Versioned{Version: 1, Data: data}, a.refreshTTL)
	if err != nil {
		span.SetStatus(codes.Error, "store write failed")
		return nil, services.ErrCacheFailed.Wrap(err)
	}
	if !swapped {
		return nil, services.ErrInternal.Wrap(fmt.Errorf("family %s already exists", familyID))
	}

	if sc.ReplacesFamily != "" {
		if err := a.markFamilyRevoked(ctx, sc.ReplacesFamily, "superseded"); err != nil {
			a.logger.Warn("failed to retire replaced token family",
				zap.String("family_id", sc.ReplacesFamily), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.String("tenant.id", tenant.ID.String()),
		attribute.String("token.reason", reason),
	)
	a.metrics.TokenIssued(reason)
	a.logger.Info("token pair issued",
		zap.String("tenant_id", tenant.ID.String()),
		zap.String("principal_id", principal.ID.String()),
		zap.String("session_id", sessionID),
		zap.String("reason", reason))

	principalID := principal.ID
	a.emit(ctx, audit.Event{
		Type:        models.AuditActionTokenIssued,
		TenantID:    tenant.ID,
		PrincipalID: &principalID,
		SessionID:   sessionID,
		Client:      audit.Client{IP: sc.IP, UserAgent: sc.UserAgent, DeviceID: sc.DeviceID},
		Details:     map[string]interface{}{"reason": reason, "mfa": sc.MFAVerified},
		Critical:    true,
	})
	return pair, nil
}

func (a *Authority) persistSession(ctx context.Context, principal *models.Principal, tenant *models.Tenant, sessionID, familyID string, sc SessionContext, now time.Time) error {
	if a.sessions == nil {
		return nil
	}

	scoped, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: tenant.ID, PrincipalID: principal.ID})
	if err != nil {
		return err
	}
	defer scope.Close()

	session := &models.Session{
		ID:          sessionID,
		TenantID:    tenant.ID,
		PrincipalID: principal.ID,
		FamilyID:    familyID,
		ClientIP:    sc.IP,
		UserAgent:   sc.UserAgent,
		DeviceID:    sc.DeviceID,
		CreatedAt:   now.UTC(),
		ExpiresAt:   now.Add(a.refreshTTL).UTC(),
	}
	if err := a.sessions.Create(scoped, session); err != nil {
		a.logger.Error("failed to persist session", zap.String("session_id", sessionID), zap.Error(err))
		return services.ErrDatabaseError.Wrap(err)
	}
	return nil
}

// signPair mints an access and a refresh token for rec and records the
// refresh jti as the family's current one.
func (a *Authority) signPair(rec *familyRecord, familyID string, version int64, now time.Time) (*TokenPair, error) {
	accessExp := now.Add(a.accessTTL)
	refreshExp := now.Add(a.refreshTTL)

	access := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewAt(now),
			Issuer:    a.issuer,
			Subject:   rec.PrincipalID,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
		TenantID:    rec.TenantID,
		SessionID:   rec.SessionID,
		FamilyID:    familyID,
		Roles:       rec.Roles,
		Permissions: rec.Permissions,
		MFA:         rec.MFA,
		TokenUse:    useAccess,
	}
	refresh := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.NewAt(now),
			Issuer:    a.issuer,
			Subject:   rec.PrincipalID,
			Audience:  jwt.ClaimStrings{a.issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
		TenantID:  rec.TenantID,
		SessionID: rec.SessionID,
		FamilyID:  familyID,
		Version:   version,
		TokenUse:  useRefresh,
	}

	accessToken, err := a.sign(access)
	if err != nil {
		return nil, err
	}
	refreshToken, err := a.sign(refresh)
	if err != nil {
		return nil, err
	}
	rec.CurrentJTI = refresh.ID

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(a.accessTTL.Seconds()),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SessionID:        rec.SessionID,
		FamilyID:         familyID,
	}, nil
}

func (a *Authority) sign(claims jwt.Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = a.keyID
	signed, err := t.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (a *Authority) keyFunc(t *jwt.Token) (interface{}, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid header not found")
	}
	key, ok := a.verifyKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

func (a *Authority) parse(raw string, claims jwt.Claims, audience string) error {
	_, err := jwt.ParseWithClaims(raw, claims, a.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenExpired) {
		return services.ErrTokenExpired
	}
	return services.ErrTokenInvalid.Wrap(err)
}

// VerifyAccessToken checks an access token and returns its claims. An empty
// audience means the Authority's own. It never writes to the store.
func (a *Authority) VerifyAccessToken(ctx context.Context, raw, expectedAudience string) (*AccessClaims, error) {
	ctx, span := a.tracer.Start(ctx, "token.VerifyAccessToken")
	defer span.End()

	if expectedAudience == "" {
		expectedAudience = a.audience
	}

	claims := &AccessClaims{}
	if err := a.parse(raw, claims, expectedAudience); err != nil {
		return nil, a.verifyFailed(span, err)
	}
	if claims.TokenUse != useAccess || claims.ID == "" || claims.SessionID == "" {
		return nil, a.verifyFailed(span, services.ErrTokenInvalid)
	}
	if _, err := claims.Tenant(); err != nil {
		return nil, a.verifyFailed(span, services.ErrTokenInvalid.Wrap(err))
	}

	revoked, err := a.exists(ctx, blacklistKey(claims.ID))
	if err == nil && !revoked {
		revoked, err = a.exists(ctx, sessionKey(claims.SessionID))
	}
	if err != nil {
		a.logger.Warn("revocation lookup failed", zap.Error(err))
		return nil, a.verifyFailed(span, services.ErrTokenInvalid.Wrap(err))
	}
	if revoked {
		return nil, a.verifyFailed(span, services.ErrTokenRevoked)
	}

	span.SetAttributes(attribute.String("tenant.id", claims.TenantID))
	return claims, nil
}

func (a *Authority) verifyFailed(span trace.Span, err error) error {
	span.SetStatus(codes.Error, string(services.GetErrorType(err)))
	a.metrics.TokenVerifyFailed(string(services.GetErrorType(err)))
	return err
}

// RefreshTokenPair exchanges a refresh token for a new pair. Exactly one
// exchange of a given refresh token succeeds.
func (a *Authority) RefreshTokenPair(ctx context.Context, raw string, rc RefreshContext) (*TokenPair, error) {
	ctx, span := a.tracer.Start(ctx, "token.RefreshTokenPair")
	defer span.End()

	claims := &RefreshClaims{}
	if err := a.parse(raw, claims, a.issuer); err != nil {
		a.metrics.TokenRefresh("invalid")
		return nil, err
	}
	if claims.TokenUse != useRefresh || claims.FamilyID == "" || claims.Version < 1 || claims.ID == "" {
		a.metrics.TokenRefresh("invalid")
		return nil, services.ErrTokenInvalid
	}

	revoked, err := a.exists(ctx, sessionKey(claims.SessionID))
	if err != nil {
		return nil, services.ErrCacheFailed.Wrap(err)
	}
	if revoked {
		a.metrics.TokenRefresh("revoked")
		return nil, services.ErrTokenRevoked
	}

	key := familyKey(claims.FamilyID)
	cur, err := a.store.GetVersioned(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		a.metrics.TokenRefresh("invalid")
		return nil, services.ErrTokenInvalid
	}
	if err != nil {
		return nil, services.ErrCacheFailed.Wrap(err)
	}
	rec, err := decodeFamily(cur)
	if err != nil {
		return nil, services.ErrInternal.Wrap(err)
	}

	if rec.State == familyRevoked {
		a.metrics.TokenRefresh("revoked")
		return nil, services.ErrTokenRevoked
	}
	if cur.Version != claims.Version || rec.CurrentJTI != claims.ID {
		return nil, a.reuse(ctx, span, claims, rec, rc)
	}

	now := a.now()
	roleIDs, err := a.reloadSubject(ctx, rec, now)
	if err != nil {
		a.metrics.TokenRefresh("blocked")
		span.RecordError(err)
		return nil, err
	}
	next := *rec
	next.Roles = roleStrings(roleIDs)
	if tenantID, err := uuid.Parse(rec.TenantID); err == nil && a.perms != nil {
		next.Permissions = a.snapshot(tenantID, roleIDs)
	}
	pair, err := a.signPair(&next, claims.FamilyID, cur.Version+1, now)
	if err != nil {
		return nil, services.ErrInternal.Wrap(err)
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return nil, services.ErrInternal.Wrap(err)
	}

	swapped, err := a.store.CompareAndSwap(ctx, key, cur.Version, cache.Versioned{Version: cur.Version + 1, Data: data}, a.refreshTTL)
	if err != nil {
		return nil, services.ErrCacheFailed.Wrap(err)
	}
	if !swapped {
		// another exchange of the same token won the race
		return nil, a.reuse(ctx, span, claims, rec, rc)
	}

	if ttl := claims.ExpiresAt.Time.Sub(now); ttl > 0 {
		if err := a.store.Set(ctx, blacklistKey(claims.ID), []byte("rotated"), ttl); err != nil {
			a.logger.Warn("failed to blacklist rotated refresh token", zap.String("jti", claims.ID), zap.Error(err))
		}
	}

	a.metrics.TokenRefresh("rotated")
	a.metrics.TokenIssued("refresh")
	span.SetAttributes(attribute.Int64("token.family_version", cur.Version+1))

	tenantID, _ := uuid.Parse(rec.TenantID)
	principalID, _ := uuid.Parse(rec.PrincipalID)
	a.emit(ctx, audit.Event{
		Type:        models.AuditActionTokenRefreshed,
		TenantID:    tenantID,
		PrincipalID: &principalID,
		SessionID:   rec.SessionID,
		Client:      audit.Client{IP: rc.IP, UserAgent: rc.UserAgent, DeviceID: rc.DeviceID},
		Details:     map[string]interface{}{"family_id": claims.FamilyID, "version": cur.Version + 1},
		Critical:    true,
	})
	return pair, nil
}

// reloadSubject returns the role ids the next pair carries. Without a
// subject check they are the family's recorded roles.
func (a *Authority) reloadSubject(ctx context.Context, rec *familyRecord, now time.Time) ([]uuid.UUID, error) {
	if a.tenants == nil || a.principals == nil {
		return parseRoleIDs(rec.Roles), nil
	}
	tenantID, err := uuid.Parse(rec.TenantID)
	if err != nil {
		return nil, services.ErrTokenInvalid
	}
	principalID, err := uuid.Parse(rec.PrincipalID)
	if err != nil {
		return nil, services.ErrTokenInvalid
	}

	t, err := a.tenants.Resolve(ctx, rec.TenantID)
	switch {
	case services.IsNotFoundError(err):
		return nil, services.ErrTenantInactive
	case err != nil:
		return nil, err
	case !t.Usable():
		return nil, services.ErrTenantInactive
	}

	scoped, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: tenantID, PrincipalID: principalID})
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	p, err := a.principals.GetByID(scoped, principalID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrInvalidPrincipalState.Wrap(nil).WithDetail("reason", "deleted")
	}
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	if blocker := p.CanLogin(now); blocker != models.BlockerNone {
		return nil, services.ErrInvalidPrincipalState.Wrap(nil).WithDetail("reason", string(blocker))
	}
	return p.ActiveRoleIDs(now), nil
}

// reuse revokes the family and the session of a replayed refresh token
func (a *Authority) reuse(ctx context.Context, span trace.Span, claims *RefreshClaims, rec *familyRecord, rc RefreshContext) error {
	span.SetStatus(codes.Error, "refresh token reuse")
	a.metrics.TokenRefresh("reuse")

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()

	if err := a.markFamilyRevoked(wctx, claims.FamilyID, "refresh token reuse"); err != nil {
		a.logger.Error("failed to revoke token family after reuse",
			zap.String("family_id", claims.FamilyID), zap.Error(err))
	}
	if err := a.store.Set(wctx, sessionKey(rec.SessionID), []byte("refresh token reuse"), a.markerTTL); err != nil {
		a.logger.Error("failed to revoke session after reuse",
			zap.String("session_id", rec.SessionID), zap.Error(err))
	}

	a.logger.Warn("refresh token reuse detected",
		zap.String("tenant_id", rec.TenantID),
		zap.String("principal_id", rec.PrincipalID),
		zap.String("family_id", claims.FamilyID),
		zap.Int64("presented_version", claims.Version))

	tenantID, _ := uuid.Parse(rec.TenantID)
	principalID, _ := uuid.Parse(rec.PrincipalID)
	a.emit(wctx, audit.Event{
		Type:        models.AuditActionReuseDetected,
		TenantID:    tenantID,
		PrincipalID: &principalID,
		SessionID:   rec.SessionID,
		Client:      audit.Client{IP: rc.IP, UserAgent: rc.UserAgent, DeviceID: rc.DeviceID},
		Details: map[string]interface{}{
			"family_id":         claims.FamilyID,
			"presented_version": claims.Version,
			"presented_jti":     claims.ID,
		},
		Critical: true,
	})
	return services.ErrReuseDetected
}

// markFamilyRevoked moves the family to its terminal state. A missing or
// already revoked family is left alone.
func (a *Authority) markFamilyRevoked(ctx context.Context, familyID, reason string) error {
	key := familyKey(familyID)
	for i := 0; i < casAttempts; i++ {
		cur, err := a.store.GetVersioned(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := decodeFamily(cur)
		if err != nil {
			return err
		}
		if rec.State == familyRevoked {
			return nil
		}

		rec.State = familyRevoked
		rec.RevokedReason = reason
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		swapped, err := a.store.CompareAndSwap(ctx, key, cur.Version, cache.Versioned{Version: cur.Version + 1, Data: data}, a.refreshTTL)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	return fmt.Errorf("family %s: too much contention", familyID)
}

// RevokeSession makes every token of the session fail verification.
// tenantID is the session's tenant; the session row is updated under a scope
// for it.
func (a *Authority) RevokeSession(ctx context.Context, tenantID uuid.UUID, sessionID, reason string) error {
	if sessionID == "" {
		return services.ErrInvalidInput.Wrap(nil).WithDetail("session_id", "is required")
	}
	if reason == "" {
		reason = "revoked"
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()

	scoped, scope, err := tenancy.Bind(wctx, tenancy.Binding{TenantID: tenantID, PrincipalID: actorID(ctx)})
	if err != nil {
		return err
	}
	defer scope.Close()

	if err := a.store.Set(scoped, sessionKey(sessionID), []byte(reason), a.markerTTL); err != nil {
		return services.ErrCacheFailed.Wrap(err)
	}

	if a.sessions != nil {
		err := a.sessions.Revoke(scoped, sessionID, reason, a.now().UTC())
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			a.logger.Error("failed to mark session revoked", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	a.logger.Info("session revoked",
		zap.String("tenant_id", tenantID.String()),
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	a.emit(scoped, audit.Event{
		Type:        models.AuditActionSessionRevoked,
		TenantID:    tenantID,
		PrincipalID: audit.ActorFromContext(ctx),
		SessionID:   sessionID,
		Details:     map[string]interface{}{"reason": reason},
		Critical:    true,
	})
	return nil
}

func actorID(ctx context.Context) uuid.UUID {
	if id := audit.ActorFromContext(ctx); id != nil {
		return *id
	}
	return uuid.Nil
}

// RevokeFamily revokes a token family together with its session
func (a *Authority) RevokeFamily(ctx context.Context, familyID, reason string) error {
	cur, err := a.store.GetVersioned(ctx, familyKey(familyID))
	if errors.Is(err, cache.ErrNotFound) {
		return services.ErrSessionNotFound
	}
	if err != nil {
		return services.ErrCacheFailed.Wrap(err)
	}
	rec, err := decodeFamily(cur)
	if err != nil {
		return services.ErrInternal.Wrap(err)
	}

	if err := a.markFamilyRevoked(ctx, familyID, reason); err != nil {
		return services.ErrCacheFailed.Wrap(err)
	}
	if err := a.store.Set(ctx, sessionKey(rec.SessionID), []byte(reason), a.markerTTL); err != nil {
		return services.ErrCacheFailed.Wrap(err)
	}

	tenantID, _ := uuid.Parse(rec.TenantID)
	principalID, _ := uuid.Parse(rec.PrincipalID)
	a.emit(ctx, audit.Event{
		Type:        models.AuditActionFamilyRevoked,
		TenantID:    tenantID,
		PrincipalID: &principalID,
		SessionID:   rec.SessionID,
		Details:     map[string]interface{}{"family_id": familyID, "reason": reason},
		Critical:    true,
	})
	return nil
}

// JWKS returns the public keys tokens are verified with
func (a *Authority) JWKS() JWKS {
	kids := make([]string, 0, len(a.verifyKeys))
	for kid := range a.verifyKeys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := JWKS{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		set.Keys = append(set.Keys, NewJWK(kid, a.verifyKeys[kid]))
	}
	return set
}

func (a *Authority) exists(ctx context.Context, key string) (bool, error) {
	_, err := a.store.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, cache.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (a *Authority) snapshot(tenantID uuid.UUID, roleIDs []uuid.UUID) []string {
	if a.perms == nil {
		return nil
	}
	return a.perms.PermissionsFor(tenantID, roleIDs).Names()
}

func (a *Authority) emit(ctx context.Context, event audit.Event) {
	if a.sink == nil {
		return
	}
	client := audit.ClientFromContext(ctx)
	if event.Client.IP == "" {
		event.Client.IP = client.IP
	}
	if event.Client.UserAgent == "" {
		event.Client.UserAgent = client.UserAgent
	}
	if event.Client.DeviceID == "" {
		event.Client.DeviceID = client.DeviceID
	}
	event.Client.RequestID = client.RequestID
	event.Timestamp = a.now()

	if err := a.sink.Append(ctx, event); err != nil {
		a.logger.Error("failed to append audit event", zap.String("action", string(event.Type)), zap.Error(err))
	}
}

func roleStrings(roleIDs []uuid.UUID) []string {
	out := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		out = append(out, id.String())
	}
	return out
}

func parseRoleIDs(roles []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(roles))
	for _, r := range roles {
		if id, err := uuid.Parse(r); err == nil {
			out = append(out, id)
		}
	}
	return out
}
