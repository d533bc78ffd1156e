package types

import "time"

// TestEvent is a host execution event delivered to the attempt tracker.
// The set of implementations is closed; consumers switch over it exhaustively.
type TestEvent interface {
	isTestEvent()
}

// TestDiscovered announces a test before (or without) it executing
type TestDiscovered struct {
	Ref TestRef
}

// AttemptStarted marks the beginning of an attempt
type AttemptStarted struct {
	Ref       TestRef
	Attempt   int
	StartedAt time.Time
}

// AttemptFinished is the authoritative end-of-attempt report for a test
type AttemptFinished struct {
	Ref       TestRef
	Attempt   int
	Outcome   Outcome
	StartedAt time.Time
	Duration  time.Duration
	Errors    []FailureRecord
}

// HookFailed reports a setup/teardown failure that the host attributes to a
// synthetic hook title (`"before each" hook for "test title"`) instead of the
// test identity.
type HookFailed struct {
	Filename  string
	HookTitle string
	Attempt   int
	StartedAt time.Time
	Duration  time.Duration
	Error     FailureRecord
}

// TestSkipped reports a test that never executed
type TestSkipped struct {
	Ref    TestRef
	Reason SkipReason
}

// PackageFailed reports a failure that cannot be attributed to any test,
// such as a build error or a failing TestMain.
type PackageFailed struct {
	Filename string
	Output   string
}

// PackageCrashed reports a test binary that exited before running all the
// tests it was asked to run, typically after a panic. Tests that never
// started have no attempt for this index.
type PackageCrashed struct {
	Filename string
	Attempt  int
	Output   string
}

// RunAborted reports that the host stopped before completing the run
type RunAborted struct {
	Reason string
}

func (TestDiscovered) isTestEvent()  {}
func (AttemptStarted) isTestEvent()  {}
func (AttemptFinished) isTestEvent() {}
func (HookFailed) isTestEvent()      {}
func (TestSkipped) isTestEvent()     {}
func (PackageFailed) isTestEvent()   {}
func (PackageCrashed) isTestEvent()  {}
func (RunAborted) isTestEvent()      {}
