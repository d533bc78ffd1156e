package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/runner"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func attempt(index int, outcome types.Outcome, msgs ...string) types.Attempt {
	var errs []types.FailureRecord
	for _, m := range msgs {
		errs = append(errs, types.FailureRecord{Message: m})
	}
	return types.NewAttempt(index, outcome, types.Timing{StartedAt: start, Duration: 250 * time.Millisecond}, errs...)
}

func createTestSummary() *runner.RunSummary {
	verdicts := []runner.TestVerdict{
		{
			Ref:         types.NewTestRef("pkg/a", "TestPassing"),
			Verdict:     types.VerdictPass,
			Attempts:    []types.Attempt{attempt(0, types.OutcomePass)},
			Independent: []bool{false},
		},
		{
			Ref:         types.NewTestRef("pkg/a", "TestFlaky"),
			Verdict:     types.VerdictFlaky,
			Attempts:    []types.Attempt{attempt(0, types.OutcomeFail, "boom"), attempt(1, types.OutcomeFail, "dial tcp: i/o timeout"), attempt(2, types.OutcomePass)},
			Independent: []bool{false, true, false},
		},
		{
			Ref:         types.NewTestRef("pkg/a", "TestFlaky", "sub"),
			Verdict:     types.VerdictPass,
			Attempts:    []types.Attempt{attempt(0, types.OutcomePass)},
			Independent: []bool{false},
		},
		{
			Ref:         types.NewTestRef("pkg/b", "TestFailing"),
			Verdict:     types.VerdictFail,
			Attempts:    []types.Attempt{attempt(0, types.OutcomeFail, "expected 1, got 2")},
			Independent: []bool{false},
		},
		{
			Ref:         types.NewTestRef("pkg/b", "TestQuarantined"),
			TestID:      "q-1",
			Verdict:     types.VerdictQuarantinedPending,
			Quarantined: true,
			Skip:        types.SkipQuarantine,
		},
	}
	return runner.Summarize("test-run-123", verdicts, nil)
}

func createTestReport() *Report {
	summary := createTestSummary()
	upload := runner.BuildCreateRunRequest(summary.Verdicts, "main", "abc", start, start.Add(time.Minute))
	return BuildReport(summary, types.QuarantineSkipTests, start, start.Add(time.Minute), upload)
}

func TestBuildReport(t *testing.T) {
	report := createTestReport()

	assert.Equal(t, "test-run-123", report.RunID)
	assert.Equal(t, time.Minute, report.Duration)
	assert.True(t, report.Failed)
	require.Len(t, report.Tests, 5)

	flaky := report.Tests[1]
	assert.Equal(t, []string{"TestFlaky"}, flaky.Name)
	require.Len(t, flaky.Attempts, 3)
	assert.True(t, flaky.Attempts[1].Independent)
	assert.Equal(t, int64(250), flaky.Attempts[0].DurationMs)

	assert.Len(t, report.FailedTests(), 1)
	assert.Len(t, report.FlakyTests(), 1)
	require.Len(t, report.QuarantinedTests(), 1)
	assert.Equal(t, "q-1", report.QuarantinedTests()[0].TestID)
	assert.NotNil(t, report.QuarantinedTests()[0].Attempts, "tests without attempts render an empty list")
}

func TestJSONFormatter(t *testing.T) {
	out, err := JSONFormatter{}.Format(createTestReport())
	require.NoError(t, err)

	var decoded struct {
		RunID   string `json:"run_id"`
		Failed  bool   `json:"failed"`
		Summary struct {
			Counts runner.Counts `json:"counts"`
		} `json:"summary"`
		Tests  []ReportTest            `json:"tests"`
		Upload *types.CreateRunRequest `json:"upload"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "test-run-123", decoded.RunID)
	assert.True(t, decoded.Failed)
	assert.Equal(t, 5, decoded.Summary.Counts.Total())
	assert.Len(t, decoded.Tests, 5)
	require.NotNil(t, decoded.Upload)
	assert.Len(t, decoded.Upload.TestRuns, 4, "tests without attempts are not uploaded")
}

func TestTableFormatter(t *testing.T) {
	tests := []struct {
		name                string
		showIndividualTests bool
		expectedContent     []string
		unexpectedContent   []string
	}{
		{
			name:                "with individual tests",
			showIndividualTests: true,
			expectedContent: []string{
				"Package", "pkg/a", "pkg/b",
				"TestPassing", "TestFailing", "sub",
				"fail, fail (independent), pass",
				"QUARANTINED-PENDING", "FLAKY", "TOTAL",
			},
		},
		{
			name:                "without individual tests",
			showIndividualTests: false,
			expectedContent:     []string{"Package", "pkg/a", "pkg/b", "TOTAL", "FAIL"},
			unexpectedContent:   []string{"TestPassing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewTableFormatter("Quarantine Results", tt.showIndividualTests).Format(createTestReport())
			require.NoError(t, err)
			assert.Contains(t, out, "Quarantine Results")
			for _, s := range tt.expectedContent {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.unexpectedContent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestTextSummaryFormatter(t *testing.T) {
	out, err := NewTextSummaryFormatter(true).Format(createTestReport())
	require.NoError(t, err)

	assert.Contains(t, out, "Run ID: test-run-123")
	assert.Contains(t, out, "Quarantine mode: skip_tests")
	assert.Contains(t, out, "Total:   5")
	assert.Contains(t, out, "Failed tests:\n  - pkg/b: TestFailing [fail] (fail)\n      expected 1, got 2")
	assert.Contains(t, out, "Quarantined tests:\n  - pkg/b: TestQuarantined [quarantined-pending] ()")
	assert.Contains(t, out, "Flaky tests:\n  - pkg/a: TestFlaky [flaky]")

	brief, err := NewTextSummaryFormatter(false).Format(createTestReport())
	require.NoError(t, err)
	assert.NotContains(t, brief, "expected 1, got 2")
}

func TestTextSummaryFormatter_PackageErrors(t *testing.T) {
	summary := createTestSummary()
	summary.PackageErrors = []runner.PackageError{{Filename: "pkg/c", Output: "syntax error"}}
	summary.Aborted = true
	summary.AbortReason = "interrupted"

	out, err := NewTextSummaryFormatter(true).Format(BuildReport(summary, types.QuarantineIgnoreFailures, start, start, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "WARNING: run aborted: interrupted")
	assert.Contains(t, out, "Package failures:\n  - pkg/c\n      syntax error")
}

type failingWriter struct{}

func (failingWriter) Write(string) error { return errors.New("disk full") }

func TestGenerate(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Generate(createTestReport(), NewTextSummaryFormatter(false), NewStreamWriter(&buf)))
	assert.Contains(t, buf.String(), "TEST SUMMARY")

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, Generate(createTestReport(), JSONFormatter{}, NewFileWriter(path)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	err = Generate(createTestReport(), JSONFormatter{}, failingWriter{})
	require.ErrorContains(t, err, "failed to write report: disk full")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ééé...", truncate("éééééé", 3))
}
