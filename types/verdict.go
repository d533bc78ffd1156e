package types

// Verdict is the final classification of a test for one run
type Verdict string

const (
	VerdictPass               Verdict = "pass"
	VerdictFlaky              Verdict = "flaky"
	VerdictFail               Verdict = "fail"
	VerdictQuarantinedFail    Verdict = "quarantined-fail"
	VerdictQuarantinedFlaky   Verdict = "quarantined-flaky"
	VerdictQuarantinedPending Verdict = "quarantined-pending"
	VerdictSkipped            Verdict = "skipped"
)

// AllVerdicts lists every verdict in display order
var AllVerdicts = []Verdict{
	VerdictPass,
	VerdictFlaky,
	VerdictFail,
	VerdictQuarantinedFail,
	VerdictQuarantinedFlaky,
	VerdictQuarantinedPending,
	VerdictSkipped,
}

// SuiteStatus is the rolled-up status of a file
type SuiteStatus string

const (
	SuiteFailed      SuiteStatus = "failed"
	SuiteQuarantined SuiteStatus = "quarantined"
	SuiteFlaky       SuiteStatus = "flaky"
	SuiteSkipped     SuiteStatus = "skipped"
	SuitePassed      SuiteStatus = "passed"
)

// SuiteStatus maps a verdict onto the severity classes used for files:
// failed > quarantined > flaky > skipped > passed.
func (v Verdict) SuiteStatus() SuiteStatus {
	switch v {
	case VerdictFail:
		return SuiteFailed
	case VerdictQuarantinedFail, VerdictQuarantinedFlaky:
		return SuiteQuarantined
	case VerdictFlaky:
		return SuiteFlaky
	case VerdictSkipped, VerdictQuarantinedPending:
		return SuiteSkipped
	default:
		return SuitePassed
	}
}

// Severity orders suite statuses; the worst status of a file wins.
func (s SuiteStatus) Severity() int {
	switch s {
	case SuiteFailed:
		return 4
	case SuiteQuarantined:
		return 3
	case SuiteFlaky:
		return 2
	case SuiteSkipped:
		return 1
	default:
		return 0
	}
}

// IsQuarantined reports whether the verdict belongs to a quarantined test
func (v Verdict) IsQuarantined() bool {
	return v == VerdictQuarantinedFail || v == VerdictQuarantinedFlaky || v == VerdictQuarantinedPending
}

// IsFailure reports whether the verdict should fail the run
func (v Verdict) IsFailure() bool {
	return v == VerdictFail
}

func (v Verdict) String() string {
	return string(v)
}
