// Package quota enforces the per-requester daily request budget before a
// completion is dispatched.
//
// The window is one UTC calendar day. The counter store must provide an
// atomic increment-if-below so concurrent admissions for the same requester
// never over-admit; Redis (Lua script) and an in-memory store are provided.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Tier names a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Unlimited is the sentinel budget for tiers with no daily cap.
const Unlimited = -1

// Limits maps a tier to its daily request budget.
type Limits map[Tier]int

// DefaultLimits is the built-in tier table.
var DefaultLimits = Limits{
	TierFree:       20,
	TierPro:        200,
	TierEnterprise: Unlimited,
}

// Limit returns the budget for tier. Unknown tiers get the free budget — the
// most restrictive known policy.
func (l Limits) Limit(tier Tier) int {
	if n, ok := l[tier]; ok {
		return n
	}
	return l[TierFree]
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int // Unlimited for uncapped tiers
	ResetAt   time.Time
}

// Store is the atomic counter backing the gate.
//
// IncrementIfBelow increments the counter at key iff its current value is
// below limit, returning whether the increment happened and the value after
// the call. The key expires at expireAt. The read and increment must be
// atomic with respect to each other.
type Store interface {
	IncrementIfBelow(ctx context.Context, key string, limit int, expireAt time.Time) (admitted bool, used int, err error)
}

// Gate checks and decrements the per-requester budget.
type Gate struct {
	store  Store
	limits Limits
	log    *slog.Logger
	now    func() time.Time // injectable for tests
}

func NewGate(store Store, limits Limits, log *slog.Logger) *Gate {
	if limits == nil {
		limits = DefaultLimits
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{store: store, limits: limits, log: log, now: time.Now}
}

// Admit checks the requester's budget and, when allowed, consumes one unit.
//
// A store error fails open: quota is a policy gate, not a correctness gate,
// and a broken counter store must not take down completions. The error is
// logged and the request admitted.
func (g *Gate) Admit(ctx context.Context, requesterID string, tier Tier) Decision {
	limit := g.limits.Limit(tier)
	now := g.now().UTC()
	resetAt := nextMidnightUTC(now)

	if limit == Unlimited {
		return Decision{Allowed: true, Remaining: Unlimited, ResetAt: resetAt}
	}

	key := windowKey(requesterID, now)
	admitted, used, err := g.store.IncrementIfBelow(ctx, key, limit, resetAt)
	if err != nil {
		g.log.WarnContext(ctx, "quota_store_error",
			slog.String("requester_id", requesterID),
			slog.String("error", err.Error()),
		)
		return Decision{Allowed: true, Remaining: limit, ResetAt: resetAt}
	}

	if !admitted {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// windowKey embeds the UTC date so a new day starts a fresh counter without
// any explicit reset step.
func windowKey(requesterID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", requesterID, now.Format("2006-01-02"))
}

func nextMidnightUTC(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
