// Package quota tracks per-provider daily and monthly spend and token
// counters, enforces limits in strict and pause-on-exceed modes, and raises
// webhook alerts as limits approach.
package quota

import (
	"database/sql"
	"time"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Quota is one provider_quotas row. Limits of zero (or NULL token limits)
// mean unlimited.
type Quota struct {
	ID                    int64
	ProviderName          string
	DailyLimit            float64
	MonthlyLimit          float64
	DailyTokenLimit       *int64
	MonthlyTokenLimit     *int64
	CurrentDailyCost      float64
	CurrentMonthlyCost    float64
	CurrentDailyTokens    int64
	CurrentMonthlyTokens  int64
	DailyResetAt          time.Time
	MonthlyResetAt        time.Time
	AlertThresholdPercent int
	AutoDisableOnLimit    bool
	LastAlertSentAt       *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DailyPercent returns the worst daily utilization across cost and tokens.
func (q *Quota) DailyPercent() float64 {
	pct := 0.0
	if q.DailyLimit > 0 {
		pct = q.CurrentDailyCost / q.DailyLimit * 100
	}
	if q.DailyTokenLimit != nil && *q.DailyTokenLimit > 0 {
		if tp := float64(q.CurrentDailyTokens) / float64(*q.DailyTokenLimit) * 100; tp > pct {
			pct = tp
		}
	}
	return pct
}

// MonthlyPercent returns the worst monthly utilization across cost and tokens.
func (q *Quota) MonthlyPercent() float64 {
	pct := 0.0
	if q.MonthlyLimit > 0 {
		pct = q.CurrentMonthlyCost / q.MonthlyLimit * 100
	}
	if q.MonthlyTokenLimit != nil && *q.MonthlyTokenLimit > 0 {
		if tp := float64(q.CurrentMonthlyTokens) / float64(*q.MonthlyTokenLimit) * 100; tp > pct {
			pct = tp
		}
	}
	return pct
}

// NextDailyReset is the resume boundary for a daily window.
func (q *Quota) NextDailyReset() time.Time {
	return q.DailyResetAt.Add(24 * time.Hour)
}

// NextMonthlyReset is the first instant of the month after now.
func NextMonthlyReset(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}

// monthRolledOver reports whether now sits in a later calendar month than the
// last monthly reset.
func monthRolledOver(resetAt, now time.Time) bool {
	return now.Year() > resetAt.Year() ||
		(now.Year() == resetAt.Year() && now.Month() > resetAt.Month())
}

// Store reads and writes provider_quotas rows.
type Store struct {
	db *sql.DB
}

// NewStore creates a quota store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const quotaColumns = `id, provider_name, daily_limit, monthly_limit,
	daily_token_limit, monthly_token_limit,
	current_daily_cost, current_monthly_cost, current_daily_tokens, current_monthly_tokens,
	daily_reset_at, monthly_reset_at,
	alert_threshold_percent, auto_disable_on_limit, last_alert_sent_at,
	created_at, updated_at`

func scanQuota(row interface{ Scan(...interface{}) error }) (*Quota, error) {
	var q Quota
	err := row.Scan(&q.ID, &q.ProviderName, &q.DailyLimit, &q.MonthlyLimit,
		&q.DailyTokenLimit, &q.MonthlyTokenLimit,
		&q.CurrentDailyCost, &q.CurrentMonthlyCost, &q.CurrentDailyTokens, &q.CurrentMonthlyTokens,
		&q.DailyResetAt, &q.MonthlyResetAt,
		&q.AlertThresholdPercent, &q.AutoDisableOnLimit, &q.LastAlertSentAt,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// Get fetches one quota row without applying resets.
func (s *Store) Get(providerName string) (*Quota, error) {
	row := s.db.QueryRow(`SELECT `+quotaColumns+` FROM provider_quotas WHERE provider_name = ?`, providerName)
	q, err := scanQuota(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("quota for provider %q", providerName)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get quota for provider %q", providerName)
	}
	return q, nil
}

// GetFresh fetches a quota row, zeroing any window whose reset boundary has
// passed: daily after 24 hours, monthly on calendar rollover. Due resets are
// persisted before the row is returned.
func (s *Store) GetFresh(providerName string, now time.Time) (*Quota, error) {
	q, err := s.Get(providerName)
	if err != nil {
		return nil, err
	}

	dailyDue := now.Sub(q.DailyResetAt) >= 24*time.Hour
	monthlyDue := monthRolledOver(q.MonthlyResetAt, now)
	if !dailyDue && !monthlyDue {
		return q, nil
	}

	if dailyDue {
		q.CurrentDailyCost = 0
		q.CurrentDailyTokens = 0
		q.DailyResetAt = now
	}
	if monthlyDue {
		q.CurrentMonthlyCost = 0
		q.CurrentMonthlyTokens = 0
		q.MonthlyResetAt = now
	}

	_, err = s.db.Exec(`UPDATE provider_quotas SET
			current_daily_cost = ?, current_daily_tokens = ?, daily_reset_at = ?,
			current_monthly_cost = ?, current_monthly_tokens = ?, monthly_reset_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ?`,
		q.CurrentDailyCost, q.CurrentDailyTokens, q.DailyResetAt,
		q.CurrentMonthlyCost, q.CurrentMonthlyTokens, q.MonthlyResetAt,
		providerName)
	if err != nil {
		return nil, errors.Wrapf(err, "persist quota reset for provider %q", providerName)
	}
	return q, nil
}

// ListAll returns every quota row.
func (s *Store) ListAll() ([]Quota, error) {
	rows, err := s.db.Query(`SELECT ` + quotaColumns + ` FROM provider_quotas ORDER BY provider_name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list quotas")
	}
	defer rows.Close()

	var quotas []Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan quota")
		}
		quotas = append(quotas, *q)
	}
	return quotas, rows.Err()
}

// Upsert inserts or updates a quota's limits and alert settings, keyed by
// provider_name. Counters and reset stamps are untouched on update.
func (s *Store) Upsert(q *Quota) error {
	_, err := s.db.Exec(`
		INSERT INTO provider_quotas (provider_name, daily_limit, monthly_limit,
			daily_token_limit, monthly_token_limit,
			alert_threshold_percent, auto_disable_on_limit, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider_name) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit,
			daily_token_limit = excluded.daily_token_limit,
			monthly_token_limit = excluded.monthly_token_limit,
			alert_threshold_percent = excluded.alert_threshold_percent,
			auto_disable_on_limit = excluded.auto_disable_on_limit,
			updated_at = CURRENT_TIMESTAMP`,
		q.ProviderName, q.DailyLimit, q.MonthlyLimit,
		q.DailyTokenLimit, q.MonthlyTokenLimit,
		q.AlertThresholdPercent, q.AutoDisableOnLimit)
	return errors.Wrapf(err, "upsert quota for provider %q", q.ProviderName)
}

// ApplyUsage adds a request's cost and tokens to both windows inside the
// caller's transaction. Implements the usage tracker's QuotaRecorder, so the
// counters commit atomically with the usage row.
func (s *Store) ApplyUsage(tx *sql.Tx, providerName string, cost float64, tokens int) error {
	// A provider with no quota row is unlimited; the update matching zero
	// rows is not an error.
	_, err := tx.Exec(`UPDATE provider_quotas SET
			current_daily_cost = current_daily_cost + ?,
			current_monthly_cost = current_monthly_cost + ?,
			current_daily_tokens = current_daily_tokens + ?,
			current_monthly_tokens = current_monthly_tokens + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ?`,
		cost, cost, tokens, tokens, providerName)
	return errors.Wrapf(err, "apply usage for provider %q", providerName)
}

// ResetDue zeroes every window whose reset boundary has passed and returns
// the number of providers touched. Called by the periodic quota reset scan.
func (s *Store) ResetDue(now time.Time) (int, error) {
	quotas, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	touched := 0
	for i := range quotas {
		q := &quotas[i]
		dailyDue := now.Sub(q.DailyResetAt) >= 24*time.Hour
		monthlyDue := monthRolledOver(q.MonthlyResetAt, now)
		if !dailyDue && !monthlyDue {
			continue
		}
		if _, err := s.GetFresh(q.ProviderName, now); err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

// MarkAlerted stamps last_alert_sent_at for webhook throttling.
func (s *Store) MarkAlerted(providerName string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE provider_quotas SET last_alert_sent_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE provider_name = ?`, at, providerName)
	return errors.Wrapf(err, "mark alert sent for provider %q", providerName)
}
