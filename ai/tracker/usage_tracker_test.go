package tracker

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
	CREATE TABLE ai_usage_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_name TEXT NOT NULL,
		model_name TEXT NOT NULL,
		job_id TEXT,
		request_type TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		input_cost REAL NOT NULL DEFAULT 0.0,
		output_cost REAL NOT NULL DEFAULT 0.0,
		total_cost REAL NOT NULL DEFAULT 0.0,
		latency_ms INTEGER,
		finish_reason TEXT,
		is_error BOOLEAN NOT NULL DEFAULT 0,
		prompt_preview TEXT,
		response_preview TEXT,
		tokens_estimated BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE provider_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_name TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		api_key TEXT,
		base_url TEXT,
		timeout_seconds INTEGER NOT NULL DEFAULT 300,
		default_model TEXT,
		priority INTEGER NOT NULL DEFAULT 100,
		description TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE model_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider_name TEXT NOT NULL,
		model_name TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		context_window INTEGER NOT NULL DEFAULT 0,
		max_output_tokens INTEGER NOT NULL DEFAULT 0,
		input_price_per_m REAL NOT NULL DEFAULT 0.0,
		output_price_per_m REAL NOT NULL DEFAULT 0.0,
		is_default BOOLEAN NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 100,
		request_count INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(provider_name, model_name)
	)`)
	require.NoError(t, err)
	return db
}

func seedModel(t *testing.T, db *sql.DB, providerName, modelName string, inputPrice, outputPrice float64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO provider_configs (provider_name) VALUES (?)`, providerName)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO model_configs (provider_name, model_name, input_price_per_m, output_price_per_m)
		VALUES (?, ?, ?, ?)`, providerName, modelName, inputPrice, outputPrice)
	require.NoError(t, err)
}

func TestRecordPricesAgainstModelConfig(t *testing.T) {
	db := setupTestDB(t)
	seedModel(t, db, "openai", "gpt-4o-mini", 0.15, 0.60)

	tr := NewUsageTracker(db, provider.NewModelStore(db), nil)

	cost, err := tr.Record(&Usage{
		ProviderName: "openai",
		ModelName:    "gpt-4o-mini",
		JobID:        "job-1",
		RequestType:  "translate",
		InputTokens:  1_000_000,
		OutputTokens: 500_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.15+0.30, cost, 1e-9)

	var inputCost, outputCost, totalCost float64
	var totalTokens int64
	err = db.QueryRow(`SELECT input_cost, output_cost, total_cost, total_tokens FROM ai_usage_log WHERE id = 1`).
		Scan(&inputCost, &outputCost, &totalCost, &totalTokens)
	require.NoError(t, err)
	assert.InDelta(t, 0.15, inputCost, 1e-9)
	assert.InDelta(t, 0.30, outputCost, 1e-9)
	assert.InDelta(t, 0.45, totalCost, 1e-9)
	assert.Equal(t, int64(1_500_000), totalTokens)

	// Usage counters on the model row advance too.
	var requestCount, tokenCount int64
	err = db.QueryRow(`SELECT request_count, token_count FROM model_configs WHERE provider_name = 'openai'`).
		Scan(&requestCount, &tokenCount)
	require.NoError(t, err)
	assert.Equal(t, int64(1), requestCount)
	assert.Equal(t, int64(1_500_000), tokenCount)
}

func TestRecordUnknownModelCostsZero(t *testing.T) {
	db := setupTestDB(t)
	tr := NewUsageTracker(db, provider.NewModelStore(db), nil)

	cost, err := tr.Record(&Usage{
		ProviderName: "local",
		ModelName:    "qwen2.5:7b",
		RequestType:  "translate",
		InputTokens:  12000,
		OutputTokens: 8000,
	})
	require.NoError(t, err)
	assert.Zero(t, cost)
}

func TestRecordErrorRow(t *testing.T) {
	db := setupTestDB(t)
	tr := NewUsageTracker(db, nil, nil)

	err := tr.RecordError("openai", "gpt-4o-mini", "job-9", "translate", 1200,
		errors.New("upstream returned 500"))
	require.NoError(t, err)

	var isError bool
	var totalCost float64
	var preview sql.NullString
	err = db.QueryRow(`SELECT is_error, total_cost, response_preview FROM ai_usage_log WHERE id = 1`).
		Scan(&isError, &totalCost, &preview)
	require.NoError(t, err)
	assert.True(t, isError)
	assert.Zero(t, totalCost)
	assert.Contains(t, preview.String, "upstream returned 500")
}

func TestGetStats(t *testing.T) {
	db := setupTestDB(t)
	tr := NewUsageTracker(db, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := tr.Record(&Usage{
			ProviderName: "openai",
			ModelName:    "gpt-4o-mini",
			RequestType:  "translate",
			InputTokens:  100,
			OutputTokens: 50,
		})
		require.NoError(t, err)
	}
	require.NoError(t, tr.RecordError("openai", "gpt-4o-mini", "", "translate", 500,
		errors.New("timeout")))

	stats, err := tr.GetStats(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRequests)
	assert.Equal(t, 1, stats.FailedRequests)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.001)
	assert.Equal(t, int64(450), stats.TotalTokens)
	assert.Equal(t, 1, stats.UniqueModels)

	// A window starting now excludes everything.
	empty, err := tr.GetStats(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
	assert.Zero(t, empty.SuccessRate)
}

func TestGetModelBreakdownOrdersByCost(t *testing.T) {
	db := setupTestDB(t)
	seedModel(t, db, "openai", "gpt-4o", 2.50, 10.0)
	_, err := db.Exec(`INSERT INTO model_configs (provider_name, model_name, input_price_per_m, output_price_per_m)
		VALUES ('openai', 'gpt-4o-mini', 0.15, 0.60)`)
	require.NoError(t, err)

	tr := NewUsageTracker(db, provider.NewModelStore(db), nil)

	for _, model := range []string{"gpt-4o", "gpt-4o-mini", "gpt-4o-mini"} {
		_, err := tr.Record(&Usage{
			ProviderName: "openai",
			ModelName:    model,
			RequestType:  "translate",
			InputTokens:  100_000,
			OutputTokens: 100_000,
		})
		require.NoError(t, err)
	}

	breakdown, err := tr.GetModelBreakdown(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, "gpt-4o", breakdown[0].ModelName)
	assert.Equal(t, 1, breakdown[0].RequestCount)
	assert.Equal(t, "gpt-4o-mini", breakdown[1].ModelName)
	assert.Equal(t, 2, breakdown[1].RequestCount)
	assert.Greater(t, breakdown[0].TotalCost, breakdown[1].TotalCost)
}

func TestRecordSqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tr := NewUsageTracker(db, nil, nil)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ai_usage_log`).
		WithArgs(
			"openai", "gpt-4o-mini", sqlmock.AnyArg(), "translate",
			100, 50, 150,
			0.0, 0.0, 0.0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), false,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, err = tr.Record(&Usage{
		ProviderName: "openai",
		ModelName:    "gpt-4o-mini",
		RequestType:  "translate",
		InputTokens:  100,
		OutputTokens: 50,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPreviewTruncation(t *testing.T) {
	db := setupTestDB(t)
	tr := NewUsageTracker(db, nil, nil)

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := tr.Record(&Usage{
		ProviderName:  "openai",
		ModelName:     "gpt-4o-mini",
		RequestType:   "translate",
		PromptPreview: string(long),
	})
	require.NoError(t, err)

	var preview string
	require.NoError(t, db.QueryRow(`SELECT prompt_preview FROM ai_usage_log WHERE id = 1`).Scan(&preview))
	assert.Len(t, preview, previewLimit)
}
