package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/internal/httpclient"
)

// Alerter POSTs quota-threshold alerts to a configured webhook.
type Alerter struct {
	url        string
	token      string
	httpClient *httpclient.SaferClient
	logger     *zap.SugaredLogger
}

// NewAlerter creates an alerter. A nil return means alerting is unconfigured.
func NewAlerter(url, token string, logger *zap.SugaredLogger) *Alerter {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Alerter{
		url:        url,
		token:      token,
		httpClient: httpclient.NewSaferClient(30 * time.Second),
		logger:     logger,
	}
}

type alertPayload struct {
	Provider       string  `json:"provider"`
	DailyPercent   float64 `json:"daily_percent"`
	MonthlyPercent float64 `json:"monthly_percent"`
	Timestamp      string  `json:"timestamp"`
}

// Send delivers one alert. Callers treat failures as log-only.
func (a *Alerter) Send(ctx context.Context, providerName string, dailyPct, monthlyPct float64) error {
	payload, err := json.Marshal(alertPayload{
		Provider:       providerName,
		DailyPercent:   dailyPct,
		MonthlyPercent: monthlyPct,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "create alert request")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send alert")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return errors.Newf("alert webhook returned status %d", resp.StatusCode)
	}
	a.logger.Infow("Quota alert sent",
		"provider", providerName,
		"daily_percent", dailyPct,
		"monthly_percent", monthlyPct)
	return nil
}

// SetHTTPClient overrides the HTTP client for testing.
func (a *Alerter) SetHTTPClient(client *http.Client) {
	a.httpClient = httpclient.WrapClient(client)
}
