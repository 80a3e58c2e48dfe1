// Package access decides whether a principal may exercise a permission.
//
// A check first resolves the principal's effective permission set from the
// catalog, then runs the grant through a fixed sequence of gates. The first
// gate that fails denies; a denial is a normal Decision, not an error.
package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/services/catalog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Catalog is the part of the permission catalog the evaluator reads
type Catalog interface {
	Permission(name string) (*models.Permission, bool)
	PermissionsFor(tenantID uuid.UUID, roleIDs []uuid.UUID) catalog.Effective
	OnChange(fn func())
}

// Resource is the optional object of a check
type Resource struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	OwnerID  *uuid.UUID `json:"owner_id,omitempty"`
	TenantID uuid.UUID  `json:"tenant_id"`
}

// Context describes the request a check is made for
type Context struct {
	MFAVerified bool
	IP          string
	DeviceID    string
	SessionID   string
	// Timestamp defaults to the evaluator's clock
	Timestamp time.Time
}

// Request is a single permission check
type Request struct {
	Principal  *models.Principal
	Tenant     *models.Tenant
	Permission string
	Resource   *Resource
	Context    Context
}

// Gate names the check that decided a request
type Gate string

const (
	GateNone       Gate = ""
	GateTenant     Gate = "tenant"
	GatePermission Gate = "permission"
	GateTier       Gate = "tier"
	GateMFA        Gate = "mfa"
	GateTime       Gate = "time"
	GateResource   Gate = "resource"
	GateNetwork    Gate = "network"
	GateUsage      Gate = "usage"
)

// Decision is the outcome of a check. Reason is for audit and debug logs
// only and must not be returned to clients.
type Decision struct {
	Granted bool   `json:"granted"`
	Gate    Gate   `json:"-"`
	Reason  string `json:"-"`
	Cached  bool   `json:"-"`
}

func grant() Decision {
	return Decision{Granted: true, Reason: "granted"}
}

func deny(gate Gate, format string, args ...interface{}) Decision {
	return Decision{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

// Config holds evaluator cache settings
type Config struct {
	PermissionSetTTL time.Duration
	DecisionCacheTTL time.Duration
	CacheSize        int
}

// DefaultConfig returns the default cache settings
func DefaultConfig() Config {
	return Config{
		PermissionSetTTL: 2 * time.Minute,
		DecisionCacheTTL: 3 * time.Minute,
		CacheSize:        10000,
	}
}

// Evaluator runs permission checks
type Evaluator struct {
	catalog   Catalog
	counters  *UsageCounter
	sink      audit.Sink
	metrics   *observability.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	permSets  *cache.LRU[catalog.Effective]
	decisions *cache.LRU[Decision]
}

// NewEvaluator creates an Evaluator. store holds usage counters and may be
// shared between replicas.
func NewEvaluator(cat Catalog, store cache.Store, sink audit.Sink, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Evaluator {
	def := DefaultConfig()
	if cfg.PermissionSetTTL <= 0 {
		cfg.PermissionSetTTL = def.PermissionSetTTL
	}
	if cfg.DecisionCacheTTL <= 0 {
		cfg.DecisionCacheTTL = def.DecisionCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}

	e := &Evaluator{
		catalog:   cat,
		counters:  NewUsageCounter(store, logger),
		sink:      sink,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("github.com/upb/tenant-auth/services/access"),
		now:       time.Now,
		permSets:  cache.NewLRU[catalog.Effective](cfg.CacheSize, cfg.PermissionSetTTL),
		decisions: cache.NewLRU[Decision](cfg.CacheSize, cfg.DecisionCacheTTL),
	}
	cat.OnChange(e.Flush)
	return e
}

// WithClock replaces the time source of the evaluator and its caches
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	e.counters.now = now
	e.permSets.WithClock(now)
	e.decisions.WithClock(now)
	return e
}

// Flush drops every cached permission set and decision
func (e *Evaluator) Flush() {
	e.permSets.Clear()
	e.decisions.Clear()
}

// InvalidatePrincipal drops cached state of one principal after its role
// assignments changed
func (e *Evaluator) InvalidatePrincipal(principalID uuid.UUID) int {
	prefix := principalID.String() + "|"
	return e.permSets.InvalidatePrefix(prefix) + e.decisions.InvalidatePrefix(prefix)
}

// Usage returns the current usage counts of a permission
func (e *Evaluator) Usage(ctx context.Context, tenantID, principalID uuid.UUID, permission string) (UsageStats, error) {
	return e.counters.Usage(ctx, tenantID, principalID, permission)
}

// CheckPermission evaluates req. The error is non-nil only when the check
// could not be carried out, e.g. a cancelled context or an unreachable
// counter store; a denial is reported through the Decision.
func (e *Evaluator) CheckPermission(ctx context.Context, req Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if req.Principal == nil || req.Tenant == nil {
		return Decision{}, fmt.Errorf("access: principal and tenant are required")
	}

	ctx, span := e.tracer.Start(ctx, "access.CheckPermission")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.Tenant.ID.String()),
		attribute.String("access.permission", req.Permission),
	)

	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = e.now()
	}

	perm, known := e.catalog.Permission(req.Permission)
	decision, err := e.evaluate(ctx, req, perm, known)
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("access.granted", decision.Granted),
		attribute.String("access.gate", string(decision.Gate)),
	)
	e.metrics.AccessDecision(decision.Granted, string(decision.Gate))
	// Counters may already be spent, so the audit write must not be lost to
	// a cancellation that arrives now.
	e.record(context.WithoutCancel(ctx), req, perm, decision)
	return decision, nil
}

func (e *Evaluator) evaluate(ctx context.Context, req Request, perm *models.Permission, known bool) (Decision, error) {
	if d, ok := checkTenant(req); !ok {
		return d, nil
	}

	key := e.permSetKey(req)
	effective, ok := e.permSets.Get(key)
	if !ok {
		effective = e.catalog.PermissionsFor(req.Tenant.ID, req.Principal.ActiveRoleIDs(req.Context.Timestamp))
		e.permSets.Set(key, effective)
	}

	grants, held := effective[req.Permission]
	if !known || !held {
		return deny(GatePermission, "permission %q not held", req.Permission), nil
	}

	decisionKey := key + "|" + string(req.Tenant.Tier) + "|" + req.Permission + "|" + resourceKey(req.Resource)
	cacheable := contextIndependent(perm, req.Tenant, grants)
	if cacheable {
		if d, ok := e.decisions.Get(decisionKey); ok {
			d.Cached = true
			return d, nil
		}
	}

	d := runGates(req, perm, grants)
	if d.Granted {
		limits := usageLimits(grants)
		if !limits.zero() {
			if err := ctx.Err(); err != nil {
				return Decision{}, err
			}
			ud, err := e.counters.Consume(context.WithoutCancel(ctx), req, limits)
			if err != nil {
				return Decision{}, err
			}
			d = ud
		}
	}

	if cacheable {
		e.decisions.Set(decisionKey, d)
	}
	return d, nil
}

// permSetKey identifies the role set a permission set was computed for. It
// starts with the principal id so one principal can be invalidated by prefix.
func (e *Evaluator) permSetKey(req Request) string {
	roles := req.Principal.ActiveRoleIDs(req.Context.Timestamp)
	parts := make([]string, 0, len(roles))
	for _, id := range roles {
		parts = append(parts, id.String())
	}
	sort.Strings(parts)
	return req.Principal.ID.String() + "|" + req.Tenant.ID.String() + "|" + strings.Join(parts, ",")
}

func resourceKey(r *Resource) string {
	if r == nil {
		return "-"
	}
	owner := "-"
	if r.OwnerID != nil {
		owner = r.OwnerID.String()
	}
	return r.TenantID.String() + "/" + r.Type + "/" + r.ID + "/" + owner
}

// contextIndependent reports whether the decision depends only on the
// principal, tenant, permission and resource
func contextIndependent(perm *models.Permission, tenant *models.Tenant, grants []*models.Grant) bool {
	if perm.RequiresMFA || tenant.Security.MFARequired || len(tenant.Security.IPAllowlist) > 0 {
		return false
	}
	for _, g := range grants {
		if g.Conditions.ContextDependent() {
			return false
		}
	}
	return true
}

func (e *Evaluator) record(ctx context.Context, req Request, perm *models.Permission, d Decision) {
	fingerprint := Fingerprint(req)

	fields := []zap.Field{
		zap.String("tenant_id", req.Tenant.ID.String()),
		zap.String("principal_id", req.Principal.ID.String()),
		zap.String("permission", req.Permission),
		zap.Bool("granted", d.Granted),
		zap.String("gate", string(d.Gate)),
		zap.String("reason", d.Reason),
		zap.Bool("cached", d.Cached),
	}
	if d.Granted {
		e.logger.Debug("access granted", fields...)
	} else {
		e.logger.Info("access denied", fields...)
	}

	if e.sink == nil {
		return
	}

	action := models.AuditActionAccessGranted
	if !d.Granted {
		action = models.AuditActionAccessDenied
	}
	details := map[string]interface{}{
		"permission":  req.Permission,
		"outcome":     outcome(d.Granted),
		"reason":      d.Reason,
		"fingerprint": fingerprint,
		"cached":      d.Cached,
	}
	if d.Gate != GateNone {
		details["gate"] = string(d.Gate)
	}
	if req.Resource != nil {
		details["resource_id"] = req.Resource.ID
		details["resource_type"] = req.Resource.Type
	}

	principalID := req.Principal.ID
	event := audit.Event{
		Type:        action,
		TenantID:    req.Tenant.ID,
		PrincipalID: &principalID,
		SessionID:   req.Context.SessionID,
		Client:      audit.ClientFromContext(ctx),
		Details:     details,
		Timestamp:   req.Context.Timestamp,
		Critical:    !d.Granted && perm != nil && perm.Dangerous,
	}
	if event.Client.IP == "" {
		event.Client.IP = req.Context.IP
	}
	if event.Client.DeviceID == "" {
		event.Client.DeviceID = req.Context.DeviceID
	}
	if err := e.sink.Append(ctx, event); err != nil {
		e.logger.Error("failed to append access decision", zap.Error(err))
	}
}

func outcome(granted bool) string {
	if granted {
		return "granted"
	}
	return "denied"
}

// Fingerprint is a SHA-256 digest of the request context, stored with audit
// records so repeated checks from the same client can be correlated without
// keeping the raw values together.
func Fingerprint(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%t|%s|%d",
		req.Principal.ID, req.Tenant.ID, req.Permission, resourceKey(req.Resource),
		req.Context.IP, req.Context.MFAVerified, req.Context.DeviceID,
		req.Context.Timestamp.Unix())
	return hex.EncodeToString(h.Sum(nil))
}
