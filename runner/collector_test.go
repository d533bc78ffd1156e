package runner

import (
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failures(msgs ...string) []types.FailureRecord {
	out := make([]types.FailureRecord, len(msgs))
	for i, m := range msgs {
		out[i] = types.FailureRecord{Message: m}
	}
	return out
}

func verdictsByName(verdicts []TestVerdict) map[string]TestVerdict {
	out := make(map[string]TestVerdict, len(verdicts))
	for _, v := range verdicts {
		out[v.Ref.Filename+":"+v.Ref.GoTestName()] = v
	}
	return out
}

func TestBuildVerdicts(t *testing.T) {
	tr := newTestTracker()
	pass := types.NewTestRef("pkg/a", "TestPass")
	flaky := types.NewTestRef("pkg/a", "TestFlaky")
	quarantined := types.NewTestRef("pkg/b", "TestQuarantined")
	skipped := types.NewTestRef("pkg/b", "TestSkipped")

	tr.RecordAttempt(pass, 0, types.OutcomePass, timing(0, time.Millisecond))
	tr.RecordAttempt(flaky, 0, types.OutcomeFail, timing(0, time.Millisecond), failures("boom")...)
	tr.RecordAttempt(flaky, 1, types.OutcomePass, timing(time.Second, time.Millisecond))
	tr.RecordAttempt(quarantined, 0, types.OutcomeFail, timing(0, time.Millisecond))
	tr.MarkSkipped(skipped, types.SkipExplicit)

	q := staticQuarantine(types.ManifestEntry{TestID: "q-1", Filename: "pkg/b", Name: []string{"TestQuarantined"}})
	verdicts := BuildVerdicts(tr, q, NewClassifier(false, nil))

	require.Len(t, verdicts, 4)
	assert.Equal(t, pass, verdicts[0].Ref, "verdicts keep discovery order")
	got := verdictsByName(verdicts)
	assert.Equal(t, types.VerdictPass, got["pkg/a:TestPass"].Verdict)
	assert.Equal(t, types.VerdictFlaky, got["pkg/a:TestFlaky"].Verdict)
	assert.Equal(t, types.VerdictQuarantinedFail, got["pkg/b:TestQuarantined"].Verdict)
	assert.Equal(t, "q-1", got["pkg/b:TestQuarantined"].TestID)
	assert.Equal(t, types.VerdictSkipped, got["pkg/b:TestSkipped"].Verdict)
	assert.Equal(t, types.SkipExplicit, got["pkg/b:TestSkipped"].Skip)
}

func TestBuildVerdicts_IndependentFailures(t *testing.T) {
	tr := newTestTracker()
	ref := types.NewTestRef("pkg/a", "TestNetwork")
	tr.RecordAttempt(ref, 0, types.OutcomeFail, timing(0, time.Millisecond), failures("dial tcp: connection refused")...)
	tr.RecordAttempt(ref, 1, types.OutcomePass, timing(time.Second, time.Millisecond))

	independent, err := PatternIndependence([]string{"connection refused"})
	require.NoError(t, err)
	verdicts := BuildVerdicts(tr, nil, NewClassifier(false, independent))

	require.Len(t, verdicts, 1)
	assert.Equal(t, []bool{true, false}, verdicts[0].Independent)
	assert.Equal(t, types.VerdictPass, verdicts[0].Verdict, "an independent failure does not make a test flaky")
}

func TestBuildVerdicts_ParentInheritsQuarantine(t *testing.T) {
	tr := newTestTracker()
	parent := types.NewTestRef("pkg/a", "TestParent")
	mid := types.NewTestRef("pkg/a", "TestParent", "group")
	leaf := types.NewTestRef("pkg/a", "TestParent", "group", "quarantined")
	ok := types.NewTestRef("pkg/a", "TestParent", "ok")

	tr.RecordAttempt(leaf, 0, types.OutcomeFail, timing(0, time.Millisecond), failures("flaked")...)
	tr.RecordAttempt(mid, 0, types.OutcomeFail, timing(0, time.Millisecond))
	tr.RecordAttempt(ok, 0, types.OutcomePass, timing(0, time.Millisecond))
	tr.RecordAttempt(parent, 0, types.OutcomeFail, timing(0, time.Millisecond))

	q := staticQuarantine(types.ManifestEntry{TestID: "q-1", Filename: "pkg/a", Name: []string{"TestParent", "group", "quarantined"}})
	got := verdictsByName(BuildVerdicts(tr, q, NewClassifier(false, nil)))

	assert.Equal(t, types.VerdictQuarantinedFail, got["pkg/a:TestParent/group/quarantined"].Verdict)
	assert.Equal(t, types.VerdictQuarantinedFail, got["pkg/a:TestParent/group"].Verdict)
	assert.Equal(t, types.VerdictQuarantinedFail, got["pkg/a:TestParent"].Verdict)
	assert.Empty(t, got["pkg/a:TestParent"].TestID)
	assert.True(t, got["pkg/a:TestParent"].QuarantineInherited)
	assert.False(t, got["pkg/a:TestParent/group/quarantined"].QuarantineInherited)
	assert.Equal(t, types.VerdictPass, got["pkg/a:TestParent/ok"].Verdict)
}

func TestBuildVerdicts_ParentFailsOnItsOwn(t *testing.T) {
	q := staticQuarantine(types.ManifestEntry{TestID: "q-1", Filename: "pkg/a", Name: []string{"TestParent", "quarantined"}})
	parent := types.NewTestRef("pkg/a", "TestParent")
	child := types.NewTestRef("pkg/a", "TestParent", "quarantined")
	other := types.NewTestRef("pkg/a", "TestParent", "other")

	t.Run("own error", func(t *testing.T) {
		tr := newTestTracker()
		tr.RecordAttempt(child, 0, types.OutcomeFail, timing(0, time.Millisecond))
		tr.RecordAttempt(parent, 0, types.OutcomeFail, timing(0, time.Millisecond), failures("cleanup failed")...)
		got := verdictsByName(BuildVerdicts(tr, q, NewClassifier(false, nil)))
		assert.Equal(t, types.VerdictFail, got["pkg/a:TestParent"].Verdict)
	})

	t.Run("other child failed", func(t *testing.T) {
		tr := newTestTracker()
		tr.RecordAttempt(child, 0, types.OutcomeFail, timing(0, time.Millisecond))
		tr.RecordAttempt(other, 0, types.OutcomeFail, timing(0, time.Millisecond))
		tr.RecordAttempt(parent, 0, types.OutcomeFail, timing(0, time.Millisecond))
		got := verdictsByName(BuildVerdicts(tr, q, NewClassifier(false, nil)))
		assert.Equal(t, types.VerdictFail, got["pkg/a:TestParent"].Verdict)
		assert.Equal(t, types.VerdictFail, got["pkg/a:TestParent/other"].Verdict)
	})

	t.Run("retry of quarantined child", func(t *testing.T) {
		tr := newTestTracker()
		tr.RecordAttempt(child, 0, types.OutcomeFail, timing(0, time.Millisecond))
		tr.RecordAttempt(parent, 0, types.OutcomeFail, timing(0, time.Millisecond))
		tr.RecordAttempt(child, 1, types.OutcomePass, timing(time.Second, time.Millisecond))
		tr.RecordAttempt(parent, 1, types.OutcomePass, timing(time.Second, time.Millisecond))
		got := verdictsByName(BuildVerdicts(tr, q, NewClassifier(false, nil)))
		assert.Equal(t, types.VerdictQuarantinedFlaky, got["pkg/a:TestParent"].Verdict)
		assert.Equal(t, types.VerdictQuarantinedFlaky, got["pkg/a:TestParent/quarantined"].Verdict)
	})
}

func TestSummarize(t *testing.T) {
	tr := newTestTracker()
	a1 := types.NewTestRef("pkg/a", "TestOne")
	a1sub := types.NewTestRef("pkg/a", "TestOne", "sub")
	a2 := types.NewTestRef("pkg/a", "TestTwo")
	b1 := types.NewTestRef("pkg/b", "TestOne")
	c1 := types.NewTestRef("pkg/c", "TestQ")
	d1 := types.NewTestRef("pkg/d", "TestSkipped")

	tr.RecordAttempt(a1sub, 0, types.OutcomePass, types.Timing{StartedAt: t0, Duration: time.Second})
	tr.RecordAttempt(a1, 0, types.OutcomePass, types.Timing{StartedAt: t0, Duration: 2 * time.Second})
	tr.RecordAttempt(a2, 0, types.OutcomeFail, types.Timing{StartedAt: t0, Duration: time.Second})
	tr.RecordAttempt(a2, 1, types.OutcomePass, types.Timing{StartedAt: t0, Duration: time.Second})
	tr.RecordAttempt(b1, 0, types.OutcomeFail, timing(0, time.Millisecond))
	tr.RecordAttempt(c1, 0, types.OutcomeFail, timing(0, time.Millisecond))
	tr.MarkSkipped(d1, types.SkipExplicit)
	tr.RecordPackageFailure("pkg/e", "build failed")

	q := staticQuarantine(types.ManifestEntry{TestID: "q", Filename: "pkg/c", Name: []string{"TestQ"}})
	verdicts := BuildVerdicts(tr, q, NewClassifier(false, nil))
	summary := Summarize("run-1", verdicts, tr)

	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, len(verdicts), summary.Counts.Total())
	assert.Equal(t, Counts{Pass: 2, Flaky: 1, Fail: 1, QuarantinedFail: 1, Skipped: 1}, summary.Counts)

	require.Len(t, summary.Suites, 5)
	status := make(map[string]SuiteSummary)
	for _, s := range summary.Suites {
		status[s.Filename] = s
	}
	assert.Equal(t, types.SuiteFlaky, status["pkg/a"].Status)
	assert.Equal(t, 4*time.Second, status["pkg/a"].Duration, "subtests do not add to the suite duration")
	assert.Equal(t, types.SuiteFailed, status["pkg/b"].Status)
	assert.Equal(t, types.SuiteQuarantined, status["pkg/c"].Status)
	assert.Equal(t, types.SuiteSkipped, status["pkg/d"].Status)
	assert.Equal(t, types.SuiteFailed, status["pkg/e"].Status)
	assert.Equal(t, map[string]int{"flaky": 1, "failed": 2, "quarantined": 1, "skipped": 1}, summary.SuiteCounts)

	require.Len(t, summary.PackageErrors, 1)
	assert.True(t, summary.Failed())
}

func TestSummarize_QuarantinedOnlyRunPasses(t *testing.T) {
	tr := newTestTracker()
	q := types.NewTestRef("pkg/a", "TestQ")
	tr.RecordAttempt(q, 0, types.OutcomeFail, timing(0, time.Millisecond))
	tr.RecordAttempt(types.NewTestRef("pkg/a", "TestOK"), 0, types.OutcomePass, timing(0, time.Millisecond))

	cache := staticQuarantine(types.ManifestEntry{TestID: "q", Filename: "pkg/a", Name: []string{"TestQ"}})
	summary := Summarize("run", BuildVerdicts(tr, cache, NewClassifier(false, nil)), tr)
	assert.False(t, summary.Failed())
	assert.Equal(t, types.SuiteQuarantined, summary.Suites[0].Status)
}

func TestSummarize_Empty(t *testing.T) {
	summary := Summarize("run", nil, nil)
	assert.Zero(t, summary.Counts.Total())
	assert.Empty(t, summary.Suites)
	assert.False(t, summary.Failed())
}

func TestCounts_Get(t *testing.T) {
	var c Counts
	for _, v := range types.AllVerdicts {
		c.Add(v)
	}
	for _, v := range types.AllVerdicts {
		assert.Equal(t, 1, c.Get(v), v.String())
	}
	assert.Equal(t, len(types.AllVerdicts), c.Total())
}
