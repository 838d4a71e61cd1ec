// Package tracker records per-request AI usage and cost in the
// ai_usage_log table and aggregates it for reporting.
package tracker

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
)

// previewLimit caps the stored prompt/response previews.
const previewLimit = 200

// Usage is one ai_usage_log row.
type Usage struct {
	ID              int64      `json:"id"`
	ProviderName    string     `json:"provider_name"`
	ModelName       string     `json:"model_name"`
	JobID           string     `json:"job_id,omitempty"`
	RequestType     string     `json:"request_type"`
	InputTokens     int        `json:"input_tokens"`
	OutputTokens    int        `json:"output_tokens"`
	TotalTokens     int        `json:"total_tokens"`
	InputCost       float64    `json:"input_cost"`
	OutputCost      float64    `json:"output_cost"`
	TotalCost       float64    `json:"total_cost"`
	LatencyMs       *int64     `json:"latency_ms,omitempty"`
	FinishReason    string     `json:"finish_reason,omitempty"`
	IsError         bool       `json:"is_error"`
	PromptPreview   string     `json:"prompt_preview,omitempty"`
	ResponsePreview string     `json:"response_preview,omitempty"`
	TokensEstimated bool       `json:"tokens_estimated"`
	CreatedAt       time.Time  `json:"created_at"`
}

// QuotaRecorder applies a request's cost and tokens to per-provider quota
// counters inside the caller's transaction, so the usage row and the counters
// commit or roll back together.
type QuotaRecorder interface {
	ApplyUsage(tx *sql.Tx, providerName string, cost float64, tokens int) error
}

// UsageTracker writes usage rows and keeps per-model counters current.
type UsageTracker struct {
	db     *sql.DB
	models *provider.ModelStore
	quota  QuotaRecorder
	logger *zap.SugaredLogger
}

// NewUsageTracker creates a usage tracker. models may be nil, in which case
// every request is recorded at zero cost.
func NewUsageTracker(db *sql.DB, models *provider.ModelStore, logger *zap.SugaredLogger) *UsageTracker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UsageTracker{db: db, models: models, logger: logger}
}

// AttachQuota wires a quota recorder into the tracker's write transaction.
func (t *UsageTracker) AttachQuota(q QuotaRecorder) {
	t.quota = q
}

func truncatePreview(s string) string {
	if len(s) > previewLimit {
		return s[:previewLimit]
	}
	return s
}

// CalculateCost prices a request against the model's configured per-million
// rates. An unconfigured model or missing price yields zero cost; the caller
// is warned once per call, not blocked.
func (t *UsageTracker) CalculateCost(providerName, modelName string, inputTokens, outputTokens int) (inputCost, outputCost float64) {
	if t.models == nil {
		return 0, 0
	}
	mc, err := t.models.Get(providerName, modelName)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			t.logger.Warnw("Cost lookup failed, recording zero cost",
				"provider", providerName,
				"model", modelName,
				"error", err)
		}
		return 0, 0
	}
	inputCost = float64(inputTokens) / 1e6 * mc.InputPricePerM
	outputCost = float64(outputTokens) / 1e6 * mc.OutputPricePerM
	return inputCost, outputCost
}

// Record writes a successful request to the usage log and, when a quota
// recorder is attached, applies cost and tokens to the provider's quota
// counters in the same transaction. Returns the priced cost.
func (t *UsageTracker) Record(u *Usage) (totalCost float64, err error) {
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.InputCost, u.OutputCost = t.CalculateCost(u.ProviderName, u.ModelName, u.InputTokens, u.OutputTokens)
	u.TotalCost = u.InputCost + u.OutputCost

	tx, err := t.db.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin usage tx")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO ai_usage_log (provider_name, model_name, job_id, request_type,
			input_tokens, output_tokens, total_tokens,
			input_cost, output_cost, total_cost,
			latency_ms, finish_reason, is_error,
			prompt_preview, response_preview, tokens_estimated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ProviderName, u.ModelName, nullableString(u.JobID), u.RequestType,
		u.InputTokens, u.OutputTokens, u.TotalTokens,
		u.InputCost, u.OutputCost, u.TotalCost,
		u.LatencyMs, nullableString(u.FinishReason), u.IsError,
		nullableString(truncatePreview(u.PromptPreview)),
		nullableString(truncatePreview(u.ResponsePreview)),
		u.TokensEstimated)
	if err != nil {
		return 0, errors.Wrap(err, "record usage")
	}

	if !u.IsError && t.quota != nil {
		if err := t.quota.ApplyUsage(tx, u.ProviderName, u.TotalCost, u.TotalTokens); err != nil {
			return 0, errors.Wrap(err, "apply quota usage")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit usage tx")
	}

	if !u.IsError && t.models != nil {
		if err := t.models.IncrementUsage(u.ProviderName, u.ModelName, u.TotalTokens); err != nil {
			t.logger.Warnw("Model usage counter update failed",
				"provider", u.ProviderName,
				"model", u.ModelName,
				"error", err)
		}
	}
	return u.TotalCost, nil
}

// RecordError writes a failed request to the usage log. Failures carry zero
// cost but are kept for error-rate reporting.
func (t *UsageTracker) RecordError(providerName, modelName, jobID, requestType string, latencyMs int64, reqErr error) error {
	reason := ""
	if reqErr != nil {
		reason = truncatePreview(reqErr.Error())
	}
	_, err := t.db.Exec(`
		INSERT INTO ai_usage_log (provider_name, model_name, job_id, request_type,
			is_error, latency_ms, response_preview)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		providerName, modelName, nullableString(jobID), requestType,
		latencyMs, nullableString(reason))
	return errors.Wrap(err, "record failed request")
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Stats aggregates usage over a time window.
type Stats struct {
	TotalRequests  int     `json:"total_requests"`
	FailedRequests int     `json:"failed_requests"`
	SuccessRate    float64 `json:"success_rate"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	UniqueModels   int     `json:"unique_models"`
}

// GetStats aggregates the usage log since a timestamp.
func (t *UsageTracker) GetStats(since time.Time) (*Stats, error) {
	var stats Stats
	err := t.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(CASE WHEN is_error = 1 THEN 1 END),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(total_cost), 0),
			COUNT(DISTINCT model_name)
		FROM ai_usage_log
		WHERE created_at >= ?`, since).Scan(
		&stats.TotalRequests, &stats.FailedRequests,
		&stats.TotalTokens, &stats.TotalCost, &stats.UniqueModels)
	if err != nil {
		return nil, errors.Wrap(err, "usage stats")
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.TotalRequests-stats.FailedRequests) / float64(stats.TotalRequests)
	}
	return &stats, nil
}

// ModelBreakdown is per-model aggregated usage.
type ModelBreakdown struct {
	ProviderName string   `json:"provider_name"`
	ModelName    string   `json:"model_name"`
	RequestCount int      `json:"request_count"`
	TotalTokens  int64    `json:"total_tokens"`
	TotalCost    float64  `json:"total_cost"`
	AvgLatencyMs *float64 `json:"avg_latency_ms,omitempty"`
}

// GetModelBreakdown aggregates successful usage per model since a timestamp,
// most expensive first.
func (t *UsageTracker) GetModelBreakdown(since time.Time) ([]ModelBreakdown, error) {
	rows, err := t.db.Query(`
		SELECT provider_name, model_name,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(total_cost), 0),
			AVG(latency_ms)
		FROM ai_usage_log
		WHERE created_at >= ? AND is_error = 0
		GROUP BY provider_name, model_name
		ORDER BY SUM(total_cost) DESC`, since)
	if err != nil {
		return nil, errors.Wrap(err, "model breakdown")
	}
	defer rows.Close()

	var breakdown []ModelBreakdown
	for rows.Next() {
		var mb ModelBreakdown
		if err := rows.Scan(&mb.ProviderName, &mb.ModelName, &mb.RequestCount,
			&mb.TotalTokens, &mb.TotalCost, &mb.AvgLatencyMs); err != nil {
			return nil, errors.Wrap(err, "scan breakdown row")
		}
		breakdown = append(breakdown, mb)
	}
	return breakdown, rows.Err()
}

// DailyPoint is one day of aggregated cost and request counts.
type DailyPoint struct {
	Date     string  `json:"date"`
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
}

// GetDailySeries returns per-day request counts and cost for the trailing
// window.
func (t *UsageTracker) GetDailySeries(days int) ([]DailyPoint, error) {
	rows, err := t.db.Query(`
		SELECT DATE(created_at), COUNT(*), COALESCE(SUM(total_cost), 0)
		FROM ai_usage_log
		WHERE created_at >= datetime('now', '-' || ? || ' days')
		GROUP BY DATE(created_at)
		ORDER BY DATE(created_at) ASC`, days)
	if err != nil {
		return nil, errors.Wrap(err, "daily series")
	}
	defer rows.Close()

	var points []DailyPoint
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Date, &p.Requests, &p.Cost); err != nil {
			return nil, errors.Wrap(err, "scan series point")
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
