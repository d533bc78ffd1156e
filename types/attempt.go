package types

import (
	"time"
)

// Outcome is the result of a single attempt of a test
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomePending Outcome = "pending"
)

// IsTerminal reports whether the outcome is final for its attempt
func (o Outcome) IsTerminal() bool {
	return o == OutcomePass || o == OutcomeFail
}

// rank orders outcomes when two reports for the same attempt are merged.
func (o Outcome) rank() int {
	switch o {
	case OutcomeFail:
		return 2
	case OutcomePass:
		return 1
	default:
		return 0
	}
}

// MergeOutcomes returns the outcome of an attempt reported twice. A failure
// reported for an attempt always wins over a pass.
func MergeOutcomes(a, b Outcome) Outcome {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// FailureRecord is a structured failure reported for an attempt
type FailureRecord struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	// Hook is the synthetic hook title when the failure originated in a
	// setup/teardown hook rather than the test body.
	Hook string `json:"hook,omitempty"`
}

// Timing carries when an attempt started and how long it ran
type Timing struct {
	StartedAt time.Time
	Duration  time.Duration
}

// Attempt is one execution of a test
type Attempt struct {
	Index     int             `json:"index"`
	Outcome   Outcome         `json:"outcome"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Errors    []FailureRecord `json:"errors,omitempty"`

	// reports counts how many host reports were merged into this attempt.
	reports int
}

// NewAttempt creates an attempt from a single host report
func NewAttempt(index int, outcome Outcome, timing Timing, errs ...FailureRecord) Attempt {
	a := Attempt{
		Index:     index,
		Outcome:   outcome,
		StartedAt: timing.StartedAt,
		Duration:  timing.Duration,
		reports:   1,
	}
	if len(errs) > 0 {
		a.Errors = append([]FailureRecord(nil), errs...)
	}
	return a
}

// StartedAttempt creates a pending placeholder for an attempt that has begun
// but not reported an outcome yet. It does not count as a report.
func StartedAttempt(index int, startedAt time.Time) Attempt {
	return Attempt{
		Index:     index,
		Outcome:   OutcomePending,
		StartedAt: startedAt,
	}
}

// DurationMs returns the duration in whole milliseconds
func (a Attempt) DurationMs() int64 {
	return a.Duration.Milliseconds()
}

// Reports returns the number of host reports merged into this attempt
func (a Attempt) Reports() int {
	return a.reports
}

// Merge folds a second report for the same attempt into a. Errors of the new
// report are appended after the existing ones.
func (a *Attempt) Merge(outcome Outcome, timing Timing, errs ...FailureRecord) {
	a.Outcome = MergeOutcomes(a.Outcome, outcome)
	if !timing.StartedAt.IsZero() && (a.StartedAt.IsZero() || timing.StartedAt.Before(a.StartedAt)) {
		a.StartedAt = timing.StartedAt
	}
	if timing.Duration > a.Duration {
		a.Duration = timing.Duration
	}
	a.Errors = append(a.Errors, errs...)
	a.reports++
}

// Clone returns a deep copy of the attempt
func (a Attempt) Clone() Attempt {
	c := a
	if a.Errors != nil {
		c.Errors = append([]FailureRecord(nil), a.Errors...)
	}
	return c
}

// SkipReason explains why a test has no attempts
type SkipReason string

const (
	SkipNone       SkipReason = ""
	SkipExplicit   SkipReason = "explicit"
	SkipQuarantine SkipReason = "quarantine"
)
