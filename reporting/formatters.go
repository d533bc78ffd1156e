package reporting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/runner"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// maxMessageLength caps failure messages in human readable output
const maxMessageLength = 300

// ReportFormatter defines the interface for different report output formats
type ReportFormatter interface {
	Format(report *Report) (string, error)
}

// ReportWriter defines the interface for writing reports to various destinations
type ReportWriter interface {
	Write(content string) error
}

// FileWriter writes reports to a file
type FileWriter struct {
	path string
}

// NewFileWriter creates a new file writer
func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

// Write writes the content to the file
func (fw *FileWriter) Write(content string) error {
	return os.WriteFile(fw.path, []byte(content), 0644)
}

// StreamWriter writes reports to an io.Writer such as stdout
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter creates a new stream writer
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

func (sw *StreamWriter) Write(content string) error {
	_, err := io.WriteString(sw.w, content)
	return err
}

// Generate formats a report and writes it
func Generate(report *Report, formatter ReportFormatter, writer ReportWriter) error {
	content, err := formatter.Format(report)
	if err != nil {
		return fmt.Errorf("failed to format report: %w", err)
	}
	if err := writer.Write(content); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// JSONFormatter formats reports as indented JSON
type JSONFormatter struct{}

func (JSONFormatter) Format(report *Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(data) + "\n", nil
}

// TableFormatter formats reports as ASCII tables
type TableFormatter struct {
	showIndividualTests bool
	title               string
}

// NewTableFormatter creates a new table formatter
func NewTableFormatter(title string, showIndividualTests bool) *TableFormatter {
	return &TableFormatter{
		showIndividualTests: showIndividualTests,
		title:               title,
	}
}

// Format formats the report as an ASCII table: one row per package followed
// by its tests, indented by nesting level
func (tf *TableFormatter) Format(report *Report) (string, error) {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle(tf.title)

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Flaky", "Failed", "Quarantined", "Skipped", "Attempts", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 200, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Flaky", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Quarantined", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
	})

	testsByFile := make(map[string][]ReportTest)
	for _, test := range report.Tests {
		testsByFile[test.Filename] = append(testsByFile[test.Filename], test)
	}

	for _, suite := range report.Summary.Suites {
		t.AppendRow(table.Row{
			"Package",
			suite.Filename,
			formatDuration(suite.Duration),
			suite.Counts.Total(),
			suite.Counts.Pass,
			suite.Counts.Flaky,
			suite.Counts.Fail,
			quarantinedCount(suite.Counts),
			suite.Counts.Skipped,
			"",
			strings.ToUpper(string(suite.Status)),
		})
		if tf.showIndividualTests {
			tf.addTests(t, testsByFile[suite.Filename])
		}
		t.AppendSeparator()
	}

	counts := report.Summary.Counts
	switch {
	case report.Failed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case counts.Flaky > 0 || quarantinedCount(counts) > 0 || counts.Skipped > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	overallStatus := "PASS"
	if report.Failed {
		overallStatus = "FAIL"
	} else if report.Summary.Aborted {
		overallStatus = "ABORTED"
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(report.Duration),
		counts.Total(),
		counts.Pass,
		counts.Flaky,
		counts.Fail,
		quarantinedCount(counts),
		counts.Skipped,
		"",
		overallStatus,
	})

	t.Render()
	return buf.String(), nil
}

func (tf *TableFormatter) addTests(t table.Writer, tests []ReportTest) {
	for i, test := range tests {
		depth := len(test.Name) - 1
		prefix := strings.Repeat("│   ", depth) + "├──"
		if i == len(tests)-1 {
			prefix = strings.Repeat("│   ", depth) + "└──"
		}
		typ := "Test"
		if depth > 0 {
			typ = ""
		}
		var duration time.Duration
		for _, a := range test.Attempts {
			duration += time.Duration(a.DurationMs) * time.Millisecond
		}
		t.AppendRow(table.Row{
			typ,
			fmt.Sprintf("%s %s", prefix, test.Name[len(test.Name)-1]),
			formatDuration(duration),
			1,
			boolToInt(test.Verdict == types.VerdictPass),
			boolToInt(test.Verdict == types.VerdictFlaky),
			boolToInt(test.Verdict == types.VerdictFail),
			boolToInt(test.Verdict.IsQuarantined()),
			boolToInt(test.Verdict == types.VerdictSkipped),
			attemptHistory(test.Attempts),
			strings.ToUpper(string(test.Verdict)),
		})
	}
}

func quarantinedCount(c runner.Counts) int {
	return c.QuarantinedFail + c.QuarantinedFlaky + c.QuarantinedPending
}

// attemptHistory renders outcomes in attempt order, e.g. "fail, pass"
func attemptHistory(attempts []ReportAttempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = string(a.Outcome)
		if a.Independent {
			parts[i] += " (independent)"
		}
	}
	return strings.Join(parts, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// TextSummaryFormatter formats reports as plain text summaries
type TextSummaryFormatter struct {
	includeDetails bool
}

// NewTextSummaryFormatter creates a new text summary formatter
func NewTextSummaryFormatter(includeDetails bool) *TextSummaryFormatter {
	return &TextSummaryFormatter{
		includeDetails: includeDetails,
	}
}

// Format formats the report as a text summary
func (tsf *TextSummaryFormatter) Format(report *Report) (string, error) {
	var summary strings.Builder
	counts := report.Summary.Counts

	fmt.Fprintf(&summary, "TEST SUMMARY\n")
	fmt.Fprintf(&summary, "============\n")
	fmt.Fprintf(&summary, "Run ID: %s\n", report.RunID)
	fmt.Fprintf(&summary, "Time: %s\n", report.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&summary, "Duration: %s\n", formatDuration(report.Duration))
	fmt.Fprintf(&summary, "Quarantine mode: %s\n\n", report.QuarantineMode)

	if report.Summary.Aborted {
		fmt.Fprintf(&summary, "WARNING: run aborted: %s\n\n", report.Summary.AbortReason)
	}

	fmt.Fprintf(&summary, "Results:\n")
	fmt.Fprintf(&summary, "  Total:   %d\n", counts.Total())
	for _, v := range types.AllVerdicts {
		fmt.Fprintf(&summary, "  %-20s %d\n", v.String()+":", counts.Get(v))
	}
	fmt.Fprintf(&summary, "\n")

	tsf.writeTests(&summary, "Failed tests", report.FailedTests())
	tsf.writeTests(&summary, "Flaky tests", report.FlakyTests())
	tsf.writeTests(&summary, "Quarantined tests", report.QuarantinedTests())

	if len(report.Summary.PackageErrors) > 0 {
		fmt.Fprintf(&summary, "Package failures:\n")
		for _, pe := range report.Summary.PackageErrors {
			fmt.Fprintf(&summary, "  - %s\n", pe.Filename)
			if tsf.includeDetails && pe.Output != "" {
				fmt.Fprintf(&summary, "%s\n", indent(truncate(pe.Output, maxMessageLength*4), "      "))
			}
		}
		fmt.Fprintf(&summary, "\n")
	}

	return summary.String(), nil
}

func (tsf *TextSummaryFormatter) writeTests(w *strings.Builder, heading string, tests []ReportTest) {
	if len(tests) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", heading)
	for _, test := range tests {
		fmt.Fprintf(w, "  - %s: %s [%s] (%s)\n", test.Filename, strings.Join(test.Name, " > "),
			test.Verdict, attemptHistory(test.Attempts))
		if !tsf.includeDetails {
			continue
		}
		if msg := lastFailure(test); msg != "" {
			fmt.Fprintf(w, "%s\n", indent(truncate(msg, maxMessageLength), "      "))
		}
	}
	fmt.Fprintf(w, "\n")
}

// lastFailure returns the first error of the latest failed attempt
func lastFailure(test ReportTest) string {
	for i := len(test.Attempts) - 1; i >= 0; i-- {
		a := test.Attempts[i]
		if a.Outcome == types.OutcomeFail && len(a.Errors) > 0 {
			return a.Errors[0].Message
		}
	}
	return ""
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
