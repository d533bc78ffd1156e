package types

import "time"

// AttemptResult is the result of an uploaded attempt
type AttemptResult string

const (
	AttemptResultPass        AttemptResult = "pass"
	AttemptResultFail        AttemptResult = "fail"
	AttemptResultQuarantined AttemptResult = "quarantined"
)

// FailureReasonIndependent marks attempts whose failure was attributed to the
// environment rather than the test.
const FailureReasonIndependent = "independent"

// ManifestEntry is a quarantined test as listed by the backend
type ManifestEntry struct {
	TestID   string   `json:"test_id"`
	Filename string   `json:"filename"`
	Name     []string `json:"name"`
}

// Ref returns the identity of the manifest entry, as stored by the backend
func (e ManifestEntry) Ref() TestRef {
	return TestRef{Filename: NormalizeFilename(e.Filename), TitlePath: append([]string(nil), e.Name...)}
}

// ManifestResponse is the body of the manifest endpoint
type ManifestResponse struct {
	QuarantinedTests []ManifestEntry `json:"quarantined_tests"`
}

// AttemptRecord is one uploaded attempt
type AttemptRecord struct {
	StartTime     time.Time     `json:"start_time"`
	DurationMs    int64         `json:"duration_ms"`
	Result        AttemptResult `json:"result"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// TestRunRecord is the uploaded history of one test
type TestRunRecord struct {
	Filename string          `json:"filename"`
	Name     []string        `json:"name"`
	Attempts []AttemptRecord `json:"attempts"`
}

// CreateRunRequest is the body of the run upload endpoint
type CreateRunRequest struct {
	Branch    string          `json:"branch,omitempty"`
	Commit    string          `json:"commit,omitempty"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	TestRuns  []TestRunRecord `json:"test_runs"`
}

// CreateRunResponse is returned by the backend after an upload
type CreateRunResponse struct {
	RunID   string `json:"run_id"`
	SuiteID string `json:"suite_id"`
	Branch  string `json:"branch,omitempty"`
	Commit  string `json:"commit,omitempty"`
}
