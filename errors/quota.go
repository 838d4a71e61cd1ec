package errors

import (
	"fmt"
	"time"
)

// QuotaKind names the quota window that tripped.
type QuotaKind string

const (
	QuotaDailyCost     QuotaKind = "daily_cost"
	QuotaMonthlyCost   QuotaKind = "monthly_cost"
	QuotaDailyTokens   QuotaKind = "daily_tokens"
	QuotaMonthlyTokens QuotaKind = "monthly_tokens"
)

// Window returns "daily" or "monthly" for pause-reason strings.
func (k QuotaKind) Window() string {
	switch k {
	case QuotaDailyCost, QuotaDailyTokens:
		return "daily"
	default:
		return "monthly"
	}
}

// QuotaExceededError is the strict-check failure: the job fails and the
// provider may be auto-disabled. Raised at dispatch and other non-loop sites.
type QuotaExceededError struct {
	Provider string
	Kind     QuotaKind
	Current  float64
	Limit    float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for provider %q: %s at %.6f of limit %.6f",
		e.Provider, e.Kind, e.Current, e.Limit)
}

// QuotaPauseError is the pause-on-exceed signal raised inside translation
// loops. The engine catches it, pauses the job, and schedules a wake-up at
// ResumeAt. It never fails the job.
type QuotaPauseError struct {
	Provider string
	Kind     QuotaKind
	ResumeAt time.Time
}

func (e *QuotaPauseError) Error() string {
	return fmt.Sprintf("quota pause for provider %q: %s until %s",
		e.Provider, e.Kind, e.ResumeAt.Format(time.RFC3339))
}

// PauseReason returns the pause_reason string stored on the job,
// e.g. "daily_quota_exceeded".
func (e *QuotaPauseError) PauseReason() string {
	return e.Kind.Window() + "_quota_exceeded"
}

// IsQuotaExceeded reports whether err is or wraps a QuotaExceededError.
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return err != nil && As(err, &qe)
}

// IsQuotaPause reports whether err is or wraps a QuotaPauseError.
func IsQuotaPause(err error) bool {
	var qp *QuotaPauseError
	return err != nil && As(err, &qp)
}
