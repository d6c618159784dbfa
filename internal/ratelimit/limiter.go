// Package ratelimit throttles pipeline entry points per subscription tier.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"resource-pipeline/internal/config"
	"resource-pipeline/internal/logging"
	"resource-pipeline/internal/models"
	"resource-pipeline/internal/telemetry"
)

// Tier is a subscription class. The zero value is the lowest tier.
type Tier int

const (
	TierAnonymous Tier = iota
	TierFree
	TierTrial
	TierPaid
)

var tierNames = [...]string{"anonymous", "free", "trial", "paid"}

func (t Tier) String() string {
	if t < TierAnonymous || t > TierPaid {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier maps a subscription name onto a Tier.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(s, name) {
			return Tier(i), nil
		}
	}
	return TierAnonymous, fmt.Errorf("unknown tier %q", s)
}

// Limit is a tier's quota.
type Limit struct {
	MaxCalls int
	Window   time.Duration
}

// Limits maps each tier to its quota.
type Limits map[Tier]Limit

// LimitsFromConfig converts configured quotas.
func LimitsFromConfig(cfg config.RateLimitConfig) Limits {
	conv := func(l config.TierLimit) Limit { return Limit{MaxCalls: l.MaxCalls, Window: l.Window} }
	return Limits{
		TierAnonymous: conv(cfg.Anonymous),
		TierFree:      conv(cfg.Free),
		TierTrial:     conv(cfg.Trial),
		TierPaid:      conv(cfg.Paid),
	}
}

// UpgradePrompt is attached to rejections for tiers below paid.
type UpgradePrompt struct {
	Message  string `json:"message"`
	NextTier string `json:"nextTier"`
	MaxCalls int    `json:"maxCalls"`
	Window   string `json:"window"`
	URL      string `json:"url,omitempty"`
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	Used      int
	ResetAt   time.Time
	Tier      Tier
	Upgrade   *UpgradePrompt
	// FailedOpen is set when the request was allowed because the check itself failed.
	FailedOpen bool
}

// ResetIn is the time left in the window, never negative.
func (d Decision) ResetIn(now time.Time) time.Duration {
	if left := d.ResetAt.Sub(now); left > 0 {
		return left
	}
	return 0
}

// UsageRecorder persists every attempted call, allowed or not.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, ev models.UsageEvent) error
}

// TierResolver looks up a caller's tier.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (Tier, error)
}

// Limiter applies per-tier fixed windows over a Store.
type Limiter struct {
	store      Store
	limits     Limits
	usage      UsageRecorder
	upgradeURL string
	now        func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithUsageRecorder records every check.
func WithUsageRecorder(r UsageRecorder) Option { return func(l *Limiter) { l.usage = r } }

// WithUpgradeURL sets the link carried in upgrade prompts.
func WithUpgradeURL(url string) Option { return func(l *Limiter) { l.upgradeURL = url } }

// New builds a Limiter.
func New(store Store, limits Limits, opts ...Option) *Limiter {
	l := &Limiter{store: store, limits: limits, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Now is the limiter's clock.
func (l *Limiter) Now() time.Time { return l.now() }

// Check counts one call by identity against endpoint. Store errors fail open.
func (l *Limiter) Check(ctx context.Context, identity, endpoint string, tier Tier) Decision {
	now := l.now()
	limit, ok := l.limits[tier]
	if !ok {
		limit = l.limits[TierAnonymous]
	}

	win, err := l.store.Hit(ctx, endpoint+":"+identity, limit.MaxCalls, limit.Window, now)
	var d Decision
	if err != nil {
		logging.Warn().Err(err).Str("identity", identity).Str("endpoint", endpoint).Msg("rate limit store failed, allowing request")
		telemetry.RateLimitFailOpen.Inc()
		d = Decision{Allowed: true, Remaining: limit.MaxCalls, Limit: limit.MaxCalls, ResetAt: now.Add(limit.Window), Tier: tier, FailedOpen: true}
	} else {
		d = Decision{
			Allowed:   win.Allowed,
			Remaining: max(0, limit.MaxCalls-win.Count),
			Limit:     limit.MaxCalls,
			Used:      win.Count,
			ResetAt:   win.ResetAt,
			Tier:      tier,
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.WithLabelValues(tier.String(), endpoint).Inc()
			d.Upgrade = l.upgradeFor(tier)
		}
	}

	l.record(ctx, identity, endpoint, tier, d.Allowed, now)
	return d
}

// CheckCaller resolves the tier for userID and checks it. An empty userID is anonymous and
// keyed by ip. A resolver error allows the request.
func (l *Limiter) CheckCaller(ctx context.Context, resolver TierResolver, userID, ip, endpoint string) Decision {
	if userID == "" {
		return l.Check(ctx, ip, endpoint, TierAnonymous)
	}
	tier, err := resolver.ResolveTier(ctx, userID)
	if err != nil {
		now := l.now()
		logging.Warn().Err(err).Str("user_id", userID).Msg("tier lookup failed, allowing request")
		telemetry.RateLimitFailOpen.Inc()
		l.record(ctx, userID, endpoint, TierFree, true, now)
		return Decision{Allowed: true, Tier: TierFree, ResetAt: now, FailedOpen: true}
	}
	return l.Check(ctx, userID, endpoint, tier)
}

func (l *Limiter) upgradeFor(tier Tier) *UpgradePrompt {
	if tier >= TierPaid {
		return nil
	}
	next := tier + 1
	limit := l.limits[next]
	return &UpgradePrompt{
		Message:  fmt.Sprintf("Upgrade to %s for %d calls per %s.", next, limit.MaxCalls, humanWindow(limit.Window)),
		NextTier: next.String(),
		MaxCalls: limit.MaxCalls,
		Window:   humanWindow(limit.Window),
		URL:      l.upgradeURL,
	}
}

func (l *Limiter) record(ctx context.Context, identity, endpoint string, tier Tier, allowed bool, now time.Time) {
	if l.usage == nil {
		return
	}
	ev := models.UsageEvent{Identity: identity, Endpoint: endpoint, Tier: tier.String(), Allowed: allowed, RecordedAt: now}
	if err := l.usage.RecordUsage(ctx, ev); err != nil {
		logging.Warn().Err(err).Str("identity", identity).Msg("record api usage")
	}
}

func humanWindow(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		if n := int(d / (24 * time.Hour)); n != 1 {
			return fmt.Sprintf("%d days", n)
		}
		return "day"
	case d%time.Hour == 0:
		if n := int(d / time.Hour); n != 1 {
			return fmt.Sprintf("%d hours", n)
		}
		return "hour"
	default:
		return d.String()
	}
}
