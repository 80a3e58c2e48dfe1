package access

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-auth/cache"
	"github.com/upb/tenant-auth/models"
	"go.uber.org/zap"
)

// Window is a usage counting period
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Limits is the tightest usage limit across a permission's grants. Zero
// means unlimited.
type Limits struct {
	PerMinute int
	PerDay    int
}

func (l Limits) zero() bool {
	return l.PerMinute == 0 && l.PerDay == 0
}

func usageLimits(grants []*models.Grant) Limits {
	var l Limits
	for _, g := range grants {
		if g.Conditions == nil || g.Conditions.Usage == nil {
			continue
		}
		l.PerMinute = tighter(l.PerMinute, g.Conditions.Usage.PerMinute)
		l.PerDay = tighter(l.PerDay, g.Conditions.Usage.PerDay)
	}
	return l
}

func tighter(cur, next int) int {
	if next <= 0 {
		return cur
	}
	if cur == 0 || next < cur {
		return next
	}
	return cur
}

// UsageCounter counts permission use in fixed UTC calendar buckets held in
// the shared store. Each bucket is a single counter key, so the check is one
// atomic increment.
type UsageCounter struct {
	store  cache.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewUsageCounter creates a UsageCounter on store
func NewUsageCounter(store cache.Store, logger *zap.Logger) *UsageCounter {
	return &UsageCounter{store: store, logger: logger, now: time.Now}
}

// Consume counts one use of req.Permission and denies when a window is over
// its limit. An exhausted day is detected with a read before any increment,
// so it costs no minute quota. The minute window is then incremented before
// the day window; a call refused by the minute window does not consume daily
// quota. Two calls racing for the last daily use can both pass the read; the
// loser is refused by the day increment after spending a minute slot.
func (u *UsageCounter) Consume(ctx context.Context, req Request, limits Limits) (Decision, error) {
	at := req.Context.Timestamp
	if at.IsZero() {
		at = u.now()
	}
	scope := buildScopeKey(req.Tenant.ID, req.Principal.ID, req.Permission)

	if limits.PerDay > 0 {
		used, err := u.read(ctx, scope, WindowDay, at)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read day window: %w", err)
		}
		if used >= int64(limits.PerDay) {
			return deny(GateUsage, "exceeded %d uses per day", limits.PerDay), nil
		}
	}
	if limits.PerMinute > 0 {
		ok, err := u.checkWindow(ctx, scope, WindowMinute, at, limits.PerMinute)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check minute window: %w", err)
		}
		if !ok {
			return deny(GateUsage, "exceeded %d uses per minute", limits.PerMinute), nil
		}
	}
	if limits.PerDay > 0 {
		ok, err := u.checkWindow(ctx, scope, WindowDay, at, limits.PerDay)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to check day window: %w", err)
		}
		if !ok {
			return deny(GateUsage, "exceeded %d uses per day", limits.PerDay), nil
		}
	}
	return grant(), nil
}

func (u *UsageCounter) checkWindow(ctx context.Context, scope string, window Window, at time.Time, limit int) (bool, error) {
	key, ttl := windowKey(scope, window, at)
	n, err := u.store.Increment(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	return n <= int64(limit), nil
}

// Usage reports the current bucket counts for a principal and permission
func (u *UsageCounter) Usage(ctx context.Context, tenantID, principalID uuid.UUID, permission string) (UsageStats, error) {
	scope := buildScopeKey(tenantID, principalID, permission)
	at := u.now()

	var stats UsageStats
	var err error
	if stats.LastMinute, err = u.read(ctx, scope, WindowMinute, at); err != nil {
		return UsageStats{}, err
	}
	if stats.Today, err = u.read(ctx, scope, WindowDay, at); err != nil {
		return UsageStats{}, err
	}
	return stats, nil
}

func (u *UsageCounter) read(ctx context.Context, scope string, window Window, at time.Time) (int64, error) {
	key, _ := windowKey(scope, window, at)
	raw, err := u.store.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// UsageStats are the counts of the current buckets
type UsageStats struct {
	LastMinute int64
	Today      int64
}

// windowKey returns the bucket key for at and a TTL that outlives the bucket
func windowKey(scope string, window Window, at time.Time) (string, time.Duration) {
	at = at.UTC()
	switch window {
	case WindowMinute:
		return scope + ":m:" + at.Format("200601021504"), 2 * time.Minute
	default:
		return scope + ":d:" + at.Format("20060102"), 25 * time.Hour
	}
}

func buildScopeKey(tenantID, principalID uuid.UUID, permission string) string {
	return fmt.Sprintf("usage:%s:%s:%s", tenantID.String(), principalID.String(), permission)
}
