package quota

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
)

const (
	// DefaultCacheTTL bounds how stale a cached quota decision may be.
	DefaultCacheTTL = 60 * time.Second

	// DefaultCacheSize bounds the decision cache.
	DefaultCacheSize = 128

	// alertThrottle is the minimum gap between webhook alerts per provider.
	alertThrottle = time.Hour
)

// decision is one cached quota verdict for a provider.
type decision struct {
	exceeded   bool
	kind       errors.QuotaKind
	current    float64
	limit      float64
	resumeAt   time.Time
	insertedAt time.Time
}

// CacheStats reports decision-cache behavior.
type CacheStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Ledger enforces provider quotas. The strict mode fails the caller and may
// auto-disable the provider; the pause mode tells translation loops when to
// resume. Decisions are cached with a TTL so per-segment checks stay off the
// database.
type Ledger struct {
	store     *Store
	providers *provider.ConfigStore
	alerter   *Alerter
	logger    *zap.SugaredLogger

	cache    *lru.Cache[string, decision]
	cacheTTL time.Duration
	now      func() time.Time

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// NewLedger creates a quota ledger. cacheSize and ttl of zero take defaults.
func NewLedger(store *Store, providers *provider.ConfigStore, alerter *Alerter, logger *zap.SugaredLogger, cacheSize int, ttl time.Duration) *Ledger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	l := &Ledger{
		store:     store,
		providers: providers,
		alerter:   alerter,
		logger:    logger,
		cacheTTL:  ttl,
		now:       time.Now,
	}
	cache, _ := lru.NewWithEvict[string, decision](cacheSize, func(string, decision) {
		l.evictions.Add(1)
	})
	l.cache = cache
	return l
}

// Exempt reports whether a provider skips quota accounting entirely.
// Local inference has no API cost.
func (l *Ledger) Exempt(providerName string) bool {
	return provider.FamilyFor(providerName) == "local"
}

// evaluate runs the uncached quota computation. Windows with zero or NULL
// limits never trip. Database errors fail open so a briefly unavailable
// database does not hang every request.
func (l *Ledger) evaluate(providerName string, now time.Time) decision {
	q, err := l.store.GetFresh(providerName, now)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			l.logger.Warnw("Quota check failed open",
				"provider", providerName,
				"error", err)
		}
		return decision{insertedAt: now}
	}

	d := decision{insertedAt: now}
	switch {
	case q.DailyLimit > 0 && q.CurrentDailyCost >= q.DailyLimit:
		d = decision{
			exceeded:   true,
			kind:       errors.QuotaDailyCost,
			current:    q.CurrentDailyCost,
			limit:      q.DailyLimit,
			resumeAt:   q.NextDailyReset(),
			insertedAt: now,
		}
	case q.DailyTokenLimit != nil && *q.DailyTokenLimit > 0 && q.CurrentDailyTokens >= *q.DailyTokenLimit:
		d = decision{
			exceeded:   true,
			kind:       errors.QuotaDailyTokens,
			current:    float64(q.CurrentDailyTokens),
			limit:      float64(*q.DailyTokenLimit),
			resumeAt:   q.NextDailyReset(),
			insertedAt: now,
		}
	case q.MonthlyLimit > 0 && q.CurrentMonthlyCost >= q.MonthlyLimit:
		d = decision{
			exceeded:   true,
			kind:       errors.QuotaMonthlyCost,
			current:    q.CurrentMonthlyCost,
			limit:      q.MonthlyLimit,
			resumeAt:   NextMonthlyReset(now),
			insertedAt: now,
		}
	case q.MonthlyTokenLimit != nil && *q.MonthlyTokenLimit > 0 && q.CurrentMonthlyTokens >= *q.MonthlyTokenLimit:
		d = decision{
			exceeded:   true,
			kind:       errors.QuotaMonthlyTokens,
			current:    float64(q.CurrentMonthlyTokens),
			limit:      float64(*q.MonthlyTokenLimit),
			resumeAt:   NextMonthlyReset(now),
			insertedAt: now,
		}
	}
	return d
}

// check returns the cached decision for a provider, re-evaluating on a miss
// or after TTL expiry.
func (l *Ledger) check(providerName string) decision {
	now := l.now()
	if d, ok := l.cache.Get(providerName); ok {
		if now.Sub(d.insertedAt) < l.cacheTTL {
			l.hits.Add(1)
			return d
		}
		l.expirations.Add(1)
		l.cache.Remove(providerName)
	}
	l.misses.Add(1)

	d := l.evaluate(providerName, now)
	l.cache.Add(providerName, d)
	return d
}

// CheckStrict enforces quotas at dispatch. On an exceeded window it returns
// QuotaExceededError and, when the quota row opts in, disables the provider.
func (l *Ledger) CheckStrict(ctx context.Context, providerName string) error {
	if l.Exempt(providerName) {
		return nil
	}
	d := l.check(providerName)
	if !d.exceeded {
		return nil
	}

	if q, err := l.store.Get(providerName); err == nil && q.AutoDisableOnLimit {
		if err := l.providers.SetEnabled(providerName, false); err != nil {
			l.logger.Warnw("Auto-disable failed",
				"provider", providerName,
				"error", err)
		} else {
			l.logger.Warnw("Provider auto-disabled on quota limit",
				"provider", providerName,
				"kind", d.kind)
		}
	}

	return &errors.QuotaExceededError{
		Provider: providerName,
		Kind:     d.kind,
		Current:  d.current,
		Limit:    d.limit,
	}
}

// CheckPause enforces quotas inside translation loops. On an exceeded window
// it returns QuotaPauseError with the next reset boundary; the engine pauses
// the job instead of failing it.
func (l *Ledger) CheckPause(ctx context.Context, providerName string) error {
	if l.Exempt(providerName) {
		return nil
	}
	d := l.check(providerName)
	if !d.exceeded {
		return nil
	}
	return &errors.QuotaPauseError{
		Provider: providerName,
		Kind:     d.kind,
		ResumeAt: d.resumeAt,
	}
}

// ApplyUsage adds cost and tokens to the provider's counters inside the
// caller's transaction, then invalidates the cached decision and evaluates
// the alert threshold. Implements tracker.QuotaRecorder.
func (l *Ledger) ApplyUsage(tx *sql.Tx, providerName string, cost float64, tokens int) error {
	if l.Exempt(providerName) {
		return nil
	}
	if err := l.store.ApplyUsage(tx, providerName, cost, tokens); err != nil {
		return err
	}
	l.cache.Remove(providerName)
	go l.maybeAlert(providerName)
	return nil
}

// Invalidate drops the cached decision for a provider.
func (l *Ledger) Invalidate(providerName string) {
	l.cache.Remove(providerName)
}

// Stats returns decision-cache counters.
func (l *Ledger) Stats() CacheStats {
	return CacheStats{
		Hits:        l.hits.Load(),
		Misses:      l.misses.Load(),
		Evictions:   l.evictions.Load(),
		Expirations: l.expirations.Load(),
	}
}

// maybeAlert fires the webhook when utilization crosses the configured
// threshold and the last alert is over an hour old. Alert failures are
// logged, never surfaced.
func (l *Ledger) maybeAlert(providerName string) {
	if l.alerter == nil {
		return
	}
	now := l.now()
	q, err := l.store.Get(providerName)
	if err != nil {
		return
	}

	dailyPct := q.DailyPercent()
	monthlyPct := q.MonthlyPercent()
	worst := dailyPct
	if monthlyPct > worst {
		worst = monthlyPct
	}
	if worst < float64(q.AlertThresholdPercent) {
		return
	}
	if q.LastAlertSentAt != nil && now.Sub(*q.LastAlertSentAt) < alertThrottle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.alerter.Send(ctx, providerName, dailyPct, monthlyPct); err != nil {
		l.logger.Warnw("Quota alert delivery failed",
			"provider", providerName,
			"error", err)
		return
	}
	if err := l.store.MarkAlerted(providerName, now); err != nil {
		l.logger.Warnw("Alert timestamp update failed",
			"provider", providerName,
			"error", err)
	}
}

// SetClock overrides the ledger's clock for testing.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}
