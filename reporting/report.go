// Package reporting renders run summaries for humans and machines.
package reporting

import (
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/runner"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// ReportAttempt is one attempt as shown in reports
type ReportAttempt struct {
	Index       int                   `json:"index"`
	Outcome     types.Outcome         `json:"outcome"`
	StartTime   time.Time             `json:"start_time,omitzero"`
	DurationMs  int64                 `json:"duration_ms"`
	Independent bool                  `json:"independent,omitempty"`
	Errors      []types.FailureRecord `json:"errors,omitempty"`
}

// ReportTest is the classified history of one test
type ReportTest struct {
	Filename    string           `json:"filename"`
	Name        []string         `json:"name"`
	TestID      string           `json:"test_id,omitempty"`
	Verdict     types.Verdict    `json:"verdict"`
	Quarantined bool             `json:"quarantined,omitempty"`
	SkipReason  types.SkipReason `json:"skip_reason,omitempty"`
	Attempts    []ReportAttempt  `json:"attempts"`
}

// Report contains everything any output format needs
type Report struct {
	RunID          string                  `json:"run_id"`
	QuarantineMode types.QuarantineMode    `json:"quarantine_mode"`
	StartTime      time.Time               `json:"start_time"`
	EndTime        time.Time               `json:"end_time"`
	Duration       time.Duration           `json:"duration"`
	Failed         bool                    `json:"failed"`
	Summary        *runner.RunSummary      `json:"summary"`
	Tests          []ReportTest            `json:"tests"`
	Upload         *types.CreateRunRequest `json:"upload,omitempty"`
}

// BuildReport assembles a report from a summary. upload is the payload that
// was (or would have been) sent to the backend.
func BuildReport(summary *runner.RunSummary, mode types.QuarantineMode, start, end time.Time, upload *types.CreateRunRequest) *Report {
	report := &Report{
		RunID:          summary.RunID,
		QuarantineMode: mode,
		StartTime:      start,
		EndTime:        end,
		Duration:       end.Sub(start),
		Failed:         summary.Failed(),
		Summary:        summary,
		Tests:          make([]ReportTest, 0, len(summary.Verdicts)),
		Upload:         upload,
	}
	for _, v := range summary.Verdicts {
		test := ReportTest{
			Filename:    v.Ref.Filename,
			Name:        v.Ref.TitlePath,
			TestID:      v.TestID,
			Verdict:     v.Verdict,
			Quarantined: v.Quarantined,
			SkipReason:  v.Skip,
			Attempts:    make([]ReportAttempt, 0, len(v.Attempts)),
		}
		for i, a := range v.Attempts {
			test.Attempts = append(test.Attempts, ReportAttempt{
				Index:       a.Index,
				Outcome:     a.Outcome,
				StartTime:   a.StartedAt,
				DurationMs:  a.DurationMs(),
				Independent: i < len(v.Independent) && v.Independent[i],
				Errors:      a.Errors,
			})
		}
		report.Tests = append(report.Tests, test)
	}
	return report
}

// FailedTests returns the tests that fail the run
func (r *Report) FailedTests() []ReportTest {
	return r.filter(func(t ReportTest) bool { return t.Verdict.IsFailure() })
}

// QuarantinedTests returns the quarantined tests that did not pass cleanly
func (r *Report) QuarantinedTests() []ReportTest {
	return r.filter(func(t ReportTest) bool { return t.Verdict.IsQuarantined() })
}

// FlakyTests returns the tests that passed after failing
func (r *Report) FlakyTests() []ReportTest {
	return r.filter(func(t ReportTest) bool { return t.Verdict == types.VerdictFlaky })
}

func (r *Report) filter(keep func(ReportTest) bool) []ReportTest {
	var out []ReportTest
	for _, t := range r.Tests {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
