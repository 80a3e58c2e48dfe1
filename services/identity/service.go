// Package identity authenticates principals and manages their lifecycle.
//
// Credential failures are deliberately indistinguishable: an unknown tenant,
// an unknown email and a wrong password all return ErrInvalidCredentials
// after the same bcrypt work.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/internal/tenancy"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/catalog"
	"github.com/upb/tenant-auth/services/tenant"
	"github.com/upb/tenant-auth/services/token"
	"github.com/upb/tenant-auth/utils"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Tokens is the part of the token authority identity needs
type Tokens interface {
	IssueTokenPair(ctx context.Context, principal *models.Principal, tenant *models.Tenant, sc token.SessionContext) (*token.TokenPair, error)
	VerifyAccessToken(ctx context.Context, raw, expectedAudience string) (*token.AccessClaims, error)
}

// MFAVerifier checks a second factor code. Enrollment and code delivery are
// handled outside this service.
type MFAVerifier interface {
	Verify(ctx context.Context, principal *models.Principal, code string) (bool, error)
}

// Config holds credential policy
type Config struct {
	BcryptCost       int
	LockoutThreshold int
	LockoutDuration  time.Duration
}

// DefaultConfig returns the default credential policy
func DefaultConfig() Config {
	return Config{
		BcryptCost:       bcrypt.DefaultCost,
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
	}
}

// Service authenticates principals
type Service struct {
	tenants    tenant.Resolver
	principals repositories.PrincipalRepository
	tokens     Tokens
	mfa        MFAVerifier
	sink       audit.Sink
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time
	dummyHash  []byte

	onRolesChanged func(principalID uuid.UUID)
}

// NewService creates a Service. mfa may be nil, in which case VerifyMFA
// always fails.
func NewService(tenants tenant.Resolver, principals repositories.PrincipalRepository, tokens Tokens, mfa MFAVerifier, sink audit.Sink, logger *zap.Logger, cfg Config) (*Service, error) {
	def := DefaultConfig()
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = def.BcryptCost
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = def.LockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}

	// compared against when the principal does not exist, so that unknown
	// emails cost the same as wrong passwords
	dummy, err := bcrypt.GenerateFromPassword([]byte("tenant-auth-timing-equalizer"), cfg.BcryptCost)
	if err != nil {
		return nil, err
	}

	return &Service{
		tenants:    tenants,
		principals: principals,
		tokens:     tokens,
		mfa:        mfa,
		sink:       sink,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		dummyHash:  dummy,
	}, nil
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnRolesChanged registers fn to run after a principal's roles are replaced
func (s *Service) OnRolesChanged(fn func(principalID uuid.UUID)) {
	s.onRolesChanged = fn
}

// LoginInput is a password login request
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Authenticate checks a password and issues a token pair
func (s *Service) Authenticate(ctx context.Context, tenantHandle string, in LoginInput, sc token.SessionContext) (*token.TokenPair, error) {
	if err := validate(in); err != nil {
		return nil, services.ErrInvalidCredentials
	}

	t, err := s.tenants.Resolve(ctx, tenantHandle)
	if errors.Is(err, services.ErrTenantNotFound) {
		s.burn(in.Password)
		return nil, services.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !t.Usable() {
		return nil, services.ErrTenantInactive
	}

	ctx, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: t.ID})
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	email := normalizeEmail(in.Email)
	p, err := s.principals.GetByEmail(ctx, email)
	if errors.Is(err, repositories.ErrNotFound) {
		s.burn(in.Password)
		s.loginFailed(ctx, t.ID, nil, sc, "unknown email")
		return nil, services.ErrInvalidCredentials
	}
	if err != nil {
		s.logger.Error("failed to load principal", zap.String("tenant_id", t.ID.String()), zap.Error(err))
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	now := s.now()
	locked := p.LockedUntil != nil && now.Before(*p.LockedUntil)

	if p.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(in.Password)) != nil {
		if p.PasswordHash == "" {
			s.burn(in.Password)
		}
		if !locked {
			s.recordFailure(ctx, t.ID, p, now, sc)
		} else {
			s.loginFailed(ctx, t.ID, &p.ID, sc, "locked")
		}
		return nil, services.ErrInvalidCredentials
	}

	// a correct password on a locked account reports the lock
	if locked {
		s.loginFailed(ctx, t.ID, &p.ID, sc, "locked")
		return nil, services.ErrInvalidPrincipalState.Wrap(nil).WithDetail("reason", string(models.BlockerLocked))
	}

	if p.FailedLogins > 0 || p.LockedUntil != nil {
		if err := s.principals.RecordLoginAttempt(ctx, p.ID, 0, nil); err != nil {
			s.logger.Warn("failed to reset login counters", zap.String("principal_id", p.ID.String()), zap.Error(err))
		}
		p.FailedLogins = 0
		p.LockedUntil = nil
	}

	if sc.Reason == "" {
		sc.Reason = "login"
	}
	pair, err := s.tokens.IssueTokenPair(ctx, p, t, sc)
	if err != nil {
		if services.IsInvalidPrincipalStateError(err) {
			s.loginFailed(ctx, t.ID, &p.ID, sc, "principal state")
		}
		return nil, err
	}

	s.emit(ctx, audit.Event{
		Type:        models.AuditActionLoginSucceeded,
		TenantID:    t.ID,
		PrincipalID: &p.ID,
		SessionID:   pair.SessionID,
		Client:      client(sc),
		Details:     map[string]interface{}{"method": "password"},
	})
	return pair, nil
}

func (s *Service) recordFailure(ctx context.Context, tenantID uuid.UUID, p *models.Principal, now time.Time, sc token.SessionContext) {
	failed := p.FailedLogins
	if p.LockedUntil != nil && !now.Before(*p.LockedUntil) {
		// the previous lock ran out, count afresh
		failed = 0
	}
	failed++

	var lockedUntil *time.Time
	if failed >= s.cfg.LockoutThreshold {
		until := now.Add(s.cfg.LockoutDuration).UTC()
		lockedUntil = &until
		failed = 0
	}

	if err := s.principals.RecordLoginAttempt(ctx, p.ID, failed, lockedUntil); err != nil {
		s.logger.Error("failed to record login attempt", zap.String("principal_id", p.ID.String()), zap.Error(err))
	}
	s.loginFailed(ctx, tenantID, &p.ID, sc, "bad password")

	if lockedUntil != nil {
		s.logger.Warn("principal locked",
			zap.String("tenant_id", tenantID.String()),
			zap.String("principal_id", p.ID.String()),
			zap.Time("locked_until", *lockedUntil))
		s.emit(ctx, audit.Event{
			Type:        models.AuditActionPrincipalLocked,
			TenantID:    tenantID,
			PrincipalID: &p.ID,
			Client:      client(sc),
			Details:     map[string]interface{}{"locked_until": lockedUntil.Format(time.RFC3339)},
		})
	}
}

func (s *Service) loginFailed(ctx context.Context, tenantID uuid.UUID, principalID *uuid.UUID, sc token.SessionContext, reason string) {
	s.emit(ctx, audit.Event{
		Type:        models.AuditActionLoginFailed,
		TenantID:    tenantID,
		PrincipalID: principalID,
		Client:      client(sc),
		Details:     map[string]interface{}{"reason": reason},
	})
}

// burn spends the same bcrypt work as a real comparison
func (s *Service) burn(password string) {
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

// RegisterInput creates a password principal
type RegisterInput struct {
	Email         string `json:"email" validate:"required,email"`
	Password      string `json:"password" validate:"required,min=12,max=72"`
	EmailVerified bool   `json:"-"`
}

// Register creates a principal in tenantID holding the tenant's default role
func (s *Service) Register(ctx context.Context, tenantID uuid.UUID, in RegisterInput) (*models.Principal, error) {
	if err := validate(in); err != nil {
		return nil, err
	}
	t, err := s.usableTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, services.ErrInternal.Wrap(err)
	}

	p := models.NewPrincipal(t.ID, normalizeEmail(in.Email), string(hash))
	p.EmailVerified = in.EmailVerified
	p.Roles = []models.RoleAssignment{{RoleID: defaultRole(t)}}

	if err := s.create(ctx, t, p, "password"); err != nil {
		return nil, err
	}
	return p, nil
}

// SSOAssertion is what a trusted identity provider asserts about a user
type SSOAssertion struct {
	Subject  string `json:"subject" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Verified bool   `json:"email_verified"`
}

// ProvisionFromSSO returns the principal for assertion, creating it on first
// sight. An existing password principal with the same email is linked.
func (s *Service) ProvisionFromSSO(ctx context.Context, tenantID uuid.UUID, a SSOAssertion) (*models.Principal, error) {
	if err := validate(a); err != nil {
		return nil, err
	}
	t, err := s.usableTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Security.SSOEnabled {
		return nil, services.ErrSSODisabled
	}

	ctx, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: t.ID})
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	p, err := s.principals.GetBySSOSubject(ctx, a.Subject)
	if err == nil {
		if a.Verified && !p.EmailVerified {
			p.EmailVerified = true
			if err := s.principals.Update(ctx, p); err != nil {
				return nil, services.ErrDatabaseError.Wrap(err)
			}
		}
		return p, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	email := normalizeEmail(a.Email)
	p, err = s.principals.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !a.Verified {
			// linking on an unverified email would hand the account to
			// whoever controls the IdP entry
			return nil, services.ErrInvalidCredentials
		}
		subject := a.Subject
		p.SSOSubject = &subject
		p.EmailVerified = true
		if err := s.principals.Update(ctx, p); err != nil {
			return nil, services.ErrDatabaseError.Wrap(err)
		}
		s.logger.Info("linked principal to sso subject",
			zap.String("tenant_id", t.ID.String()),
			zap.String("principal_id", p.ID.String()))
		return p, nil
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	subject := a.Subject
	p = models.NewPrincipal(t.ID, email, "")
	p.SSOSubject = &subject
	p.EmailVerified = a.Verified
	p.Roles = []models.RoleAssignment{{RoleID: defaultRole(t)}}
	if err := s.create(ctx, t, p, "sso"); err != nil {
		return nil, err
	}
	return p, nil
}

// AuthenticateSSO provisions the asserted principal and issues a token pair
func (s *Service) AuthenticateSSO(ctx context.Context, tenantID uuid.UUID, a SSOAssertion, sc token.SessionContext) (*token.TokenPair, error) {
	p, err := s.ProvisionFromSSO(ctx, tenantID, a)
	if err != nil {
		return nil, err
	}
	t, err := s.usableTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ctx, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: t.ID, PrincipalID: p.ID})
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	sc.Reason = "sso"
	pair, err := s.tokens.IssueTokenPair(ctx, p, t, sc)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, audit.Event{
		Type:        models.AuditActionLoginSucceeded,
		TenantID:    t.ID,
		PrincipalID: &p.ID,
		SessionID:   pair.SessionID,
		Client:      client(sc),
		Details:     map[string]interface{}{"method": "sso"},
	})
	return pair, nil
}

// VerifyMFA checks code for the holder of accessToken and re-issues the
// session's tokens with the MFA flag set. The session id is kept and the
// previous token family is retired.
func (s *Service) VerifyMFA(ctx context.Context, accessToken, code string, sc token.SessionContext) (*token.TokenPair, error) {
	claims, err := s.tokens.VerifyAccessToken(ctx, accessToken, "")
	if err != nil {
		return nil, err
	}
	tenantID, err := claims.Tenant()
	if err != nil {
		return nil, services.ErrTokenInvalid.Wrap(err)
	}
	principalID, err := claims.PrincipalID()
	if err != nil {
		return nil, services.ErrTokenInvalid.Wrap(err)
	}

	t, err := s.usableTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ctx, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: t.ID, PrincipalID: principalID})
	if err != nil {
		return nil, err
	}
	defer scope.Close()

	p, err := s.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTokenInvalid
		}
		return nil, services.ErrDatabaseError.Wrap(err)
	}

	if s.mfa == nil || !p.MFAEnabled {
		return nil, services.ErrMFAFailed
	}
	ok, err := s.mfa.Verify(ctx, p, code)
	if err != nil {
		s.logger.Error("mfa verifier failed", zap.String("principal_id", p.ID.String()), zap.Error(err))
		return nil, services.ErrMFAFailed.Wrap(err)
	}
	if !ok {
		s.loginFailed(ctx, t.ID, &p.ID, sc, "mfa code rejected")
		return nil, services.ErrMFAFailed
	}

	sc.SessionID = claims.SessionID
	sc.ReplacesFamily = claims.FamilyID
	sc.MFAVerified = true
	sc.Reason = "mfa"
	return s.tokens.IssueTokenPair(ctx, p, t, sc)
}

// Principal loads a principal of the ambient tenant
func (s *Service) Principal(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	if _, err := tenancy.Filter(ctx); err != nil {
		return nil, err
	}
	p, err := s.principals.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrPrincipalNotFound
	}
	if err != nil {
		return nil, services.ErrDatabaseError.Wrap(err)
	}
	return p, nil
}

// AssignRoles replaces the role assignments of a principal of the ambient
// tenant. Roles must be assignable and visible in the tenant.
func (s *Service) AssignRoles(ctx context.Context, roles RoleLookup, principalID uuid.UUID, assignments []models.RoleAssignment) error {
	tenantID, err := tenancy.Filter(ctx)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		r, ok := roles.Role(a.RoleID)
		if !ok {
			return services.ErrRoleNotFound.Wrap(nil).WithDetail("role_id", a.RoleID.String())
		}
		if !r.VisibleTo(tenantID) {
			return services.ErrRoleScope.Wrap(nil).WithDetail("role_id", a.RoleID.String())
		}
		if !r.Assignable {
			return services.ErrInvalidInput.Wrap(nil).WithDetail("role_id", "role is not assignable")
		}
	}

	if err := s.principals.SetRoles(ctx, principalID, assignments); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return services.ErrPrincipalNotFound
		}
		return services.ErrDatabaseError.Wrap(err)
	}
	if s.onRolesChanged != nil {
		s.onRolesChanged(principalID)
	}

	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.RoleID.String())
	}
	s.emit(ctx, audit.Event{
		Type:        models.AuditActionRoleChanged,
		TenantID:    tenantID,
		PrincipalID: audit.ActorFromContext(ctx),
		Details:     map[string]interface{}{"target": principalID.String(), "roles": ids},
	})
	return nil
}

// RoleLookup resolves role ids
type RoleLookup interface {
	Role(id uuid.UUID) (*models.Role, bool)
}

func (s *Service) create(ctx context.Context, t *models.Tenant, p *models.Principal, source string) error {
	ctx, scope, err := tenancy.Bind(ctx, tenancy.Binding{TenantID: t.ID})
	if err != nil {
		return err
	}
	defer scope.Close()

	if err := s.principals.Create(ctx, p); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return services.ErrDuplicateEmail
		}
		s.logger.Error("failed to create principal", zap.String("tenant_id", t.ID.String()), zap.Error(err))
		return services.ErrDatabaseError.Wrap(err)
	}

	s.logger.Info("principal created",
		zap.String("tenant_id", t.ID.String()),
		zap.String("principal_id", p.ID.String()),
		zap.String("source", source))
	s.emit(ctx, audit.Event{
		Type:        models.AuditActionPrincipalCreated,
		TenantID:    t.ID,
		PrincipalID: &p.ID,
		Details:     map[string]interface{}{"source": source},
	})
	return nil
}

func (s *Service) usableTenant(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	t, err := s.tenants.Resolve(ctx, tenantID.String())
	if err != nil {
		return nil, err
	}
	if !t.Usable() {
		return nil, services.ErrTenantInactive
	}
	return t, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.sink == nil {
		return
	}
	fromCtx := audit.ClientFromContext(ctx)
	if event.Client.IP == "" {
		event.Client = fromCtx
	}
	event.Client.RequestID = fromCtx.RequestID
	event.Timestamp = s.now()
	if err := s.sink.Append(ctx, event); err != nil {
		s.logger.Error("failed to append audit event", zap.String("action", string(event.Type)), zap.Error(err))
	}
}

func client(sc token.SessionContext) audit.Client {
	return audit.Client{IP: sc.IP, UserAgent: sc.UserAgent, DeviceID: sc.DeviceID}
}

func defaultRole(t *models.Tenant) uuid.UUID {
	if t.DefaultRoleID != nil {
		return *t.DefaultRoleID
	}
	return catalog.RoleID("viewer")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validate(v interface{}) error {
	if err := utils.ValidateStruct(v); err != nil {
		derr := services.ErrInvalidInput.Wrap(err)
		for field, msg := range utils.GetValidationFields(err) {
			derr.WithDetail(field, msg)
		}
		return derr
	}
	return nil
}
