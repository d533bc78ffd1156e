package runner

import (
	"slices"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
)

// TestVerdict is the classified history of one test
type TestVerdict struct {
	Ref         types.TestRef
	TestID      string
	Verdict     types.Verdict
	Quarantined bool
	Skip        types.SkipReason
	Attempts    []types.Attempt
	// Independent flags the attempts attributed to the environment, indexed
	// like Attempts
	Independent []bool

	// QuarantineInherited marks a parent that is only quarantined because
	// quarantined subtests failed it. It has no manifest entry of its own.
	QuarantineInherited bool
}

// Counts holds the number of tests per verdict
type Counts struct {
	Pass               int `json:"pass"`
	Flaky              int `json:"flaky"`
	Fail               int `json:"fail"`
	QuarantinedFail    int `json:"quarantined_fail"`
	QuarantinedFlaky   int `json:"quarantined_flaky"`
	QuarantinedPending int `json:"quarantined_pending"`
	Skipped            int `json:"skipped"`
}

// Add counts one verdict
func (c *Counts) Add(v types.Verdict) {
	switch v {
	case types.VerdictPass:
		c.Pass++
	case types.VerdictFlaky:
		c.Flaky++
	case types.VerdictFail:
		c.Fail++
	case types.VerdictQuarantinedFail:
		c.QuarantinedFail++
	case types.VerdictQuarantinedFlaky:
		c.QuarantinedFlaky++
	case types.VerdictQuarantinedPending:
		c.QuarantinedPending++
	case types.VerdictSkipped:
		c.Skipped++
	}
}

// Get returns the count of one verdict
func (c Counts) Get(v types.Verdict) int {
	switch v {
	case types.VerdictPass:
		return c.Pass
	case types.VerdictFlaky:
		return c.Flaky
	case types.VerdictFail:
		return c.Fail
	case types.VerdictQuarantinedFail:
		return c.QuarantinedFail
	case types.VerdictQuarantinedFlaky:
		return c.QuarantinedFlaky
	case types.VerdictQuarantinedPending:
		return c.QuarantinedPending
	case types.VerdictSkipped:
		return c.Skipped
	}
	return 0
}

// Total returns the number of counted tests
func (c Counts) Total() int {
	return c.Pass + c.Flaky + c.Fail + c.QuarantinedFail + c.QuarantinedFlaky + c.QuarantinedPending + c.Skipped
}

// SuiteSummary rolls up the tests of one file
type SuiteSummary struct {
	Filename string            `json:"filename"`
	Status   types.SuiteStatus `json:"status"`
	Counts   Counts            `json:"counts"`
	Duration time.Duration     `json:"duration"`
}

// RunSummary is the outcome of a whole run
type RunSummary struct {
	RunID         string         `json:"run_id"`
	Counts        Counts         `json:"counts"`
	Suites        []SuiteSummary `json:"suites"`
	SuiteCounts   map[string]int `json:"suite_counts"`
	PackageErrors []PackageError `json:"package_errors,omitempty"`
	Aborted       bool           `json:"aborted,omitempty"`
	AbortReason   string         `json:"abort_reason,omitempty"`
	Verdicts      []TestVerdict  `json:"-"`
}

// Failed reports whether the run should fail: a test failed without being
// quarantined, or a package failed outside of any test
func (s *RunSummary) Failed() bool {
	return s.Counts.Fail > 0 || len(s.PackageErrors) > 0
}

// BuildVerdicts classifies every tracked test, in discovery order
func BuildVerdicts(tracker *Tracker, quarantine QuarantineSet, classifier *Classifier) []TestVerdict {
	runs := tracker.Runs()
	verdicts := make([]TestVerdict, len(runs))
	for i, run := range runs {
		id, quarantined := lookupQuarantine(quarantine, run.Ref)
		independent := make([]bool, len(run.Attempts))
		for j, a := range run.Attempts {
			independent[j] = classifier.IsIndependent(run.Ref, a)
		}
		verdicts[i] = TestVerdict{
			Ref:         run.Ref,
			TestID:      id,
			Quarantined: quarantined,
			Skip:        run.Skip,
			Attempts:    run.Attempts,
			Independent: independent,
		}
	}

	inheritQuarantine(verdicts)

	for i := range verdicts {
		v := &verdicts[i]
		v.Verdict = classifier.Classify(v.Ref, v.Attempts, v.Quarantined)
	}
	return verdicts
}

func lookupQuarantine(set QuarantineSet, ref types.TestRef) (string, bool) {
	if set == nil {
		return "", false
	}
	return set.TestID(ref)
}

// inheritQuarantine marks a parent test quarantined when every one of its
// failed attempts only failed because quarantined subtests failed. A failing
// subtest always fails its parent, and the parent must not fail the run for a
// quarantined subtest.
func inheritQuarantine(verdicts []TestVerdict) {
	children := make(map[string][]int)
	for i, v := range verdicts {
		if parent, ok := v.Ref.Parent(); ok {
			children[parent.Key()] = append(children[parent.Key()], i)
		}
	}

	// Deepest tests first so that quarantine propagates up several levels.
	order := make([]int, len(verdicts))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return len(verdicts[b].Ref.TitlePath) - len(verdicts[a].Ref.TitlePath)
	})

	for _, i := range order {
		v := &verdicts[i]
		if v.Quarantined {
			continue
		}
		kids := children[v.Ref.Key()]
		if len(kids) == 0 {
			continue
		}
		failed := 0
		inherited := true
		for j, a := range v.Attempts {
			if a.Outcome != types.OutcomeFail || v.Independent[j] {
				continue
			}
			failed++
			if len(a.Errors) > 0 || !onlyQuarantinedChildrenFailed(verdicts, kids, a.Index) {
				inherited = false
				break
			}
		}
		if failed > 0 && inherited {
			v.Quarantined = true
			v.QuarantineInherited = true
		}
	}
}

func onlyQuarantinedChildrenFailed(verdicts []TestVerdict, kids []int, attempt int) bool {
	anyFailed := false
	for _, k := range kids {
		for _, a := range verdicts[k].Attempts {
			if a.Index != attempt || a.Outcome != types.OutcomeFail {
				continue
			}
			if !verdicts[k].Quarantined {
				return false
			}
			anyFailed = true
		}
	}
	return anyFailed
}

// Summarize counts verdicts per file and for the whole run. The run counts
// always add up to the number of verdicts.
func Summarize(runID string, verdicts []TestVerdict, tracker *Tracker) *RunSummary {
	summary := &RunSummary{
		RunID:       runID,
		SuiteCounts: make(map[string]int),
		Verdicts:    verdicts,
	}
	suiteIndex := make(map[string]int)
	for _, v := range verdicts {
		summary.Counts.Add(v.Verdict)

		i, ok := suiteIndex[v.Ref.Filename]
		if !ok {
			i = len(summary.Suites)
			suiteIndex[v.Ref.Filename] = i
			summary.Suites = append(summary.Suites, SuiteSummary{Filename: v.Ref.Filename, Status: types.SuitePassed})
		}
		suite := &summary.Suites[i]
		suite.Counts.Add(v.Verdict)
		if status := v.Verdict.SuiteStatus(); status.Severity() > suite.Status.Severity() {
			suite.Status = status
		}
		// Only top-level tests contribute so subtests are not counted twice.
		if len(v.Ref.TitlePath) == 1 {
			for _, a := range v.Attempts {
				suite.Duration += a.Duration
			}
		}
	}
	if tracker != nil {
		summary.PackageErrors = tracker.PackageErrors()
		summary.Aborted, summary.AbortReason = tracker.Aborted()
		// A package that failed outside its tests fails its suite.
		for _, pe := range summary.PackageErrors {
			i, ok := suiteIndex[pe.Filename]
			if !ok {
				i = len(summary.Suites)
				suiteIndex[pe.Filename] = i
				summary.Suites = append(summary.Suites, SuiteSummary{Filename: pe.Filename})
			}
			summary.Suites[i].Status = types.SuiteFailed
		}
	}
	for _, suite := range summary.Suites {
		summary.SuiteCounts[string(suite.Status)]++
	}
	return summary
}
