package runner

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/metrics"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
)

// ErrDuplicateAttempt marks a third or later report for an attempt whose
// outcome disagrees with what was already merged.
var ErrDuplicateAttempt = errors.New("conflicting duplicate attempt report")

// hookTargetRegex extracts the test title from a synthetic hook title such as
// `"before each" hook for "renders page"`.
var hookTargetRegex = regexp.MustCompile(`hook for "(.+)"\s*$`)

// HookTarget returns the title of the test a hook failure belongs to. Titles
// that do not name a test are returned unchanged.
func HookTarget(hookTitle string) string {
	if m := hookTargetRegex.FindStringSubmatch(hookTitle); m != nil {
		return m[1]
	}
	return hookTitle
}

// TestRun is the attempt history of one test
type TestRun struct {
	Ref      types.TestRef
	Attempts []types.Attempt // ordered by index
	Skip     types.SkipReason
}

func (r *TestRun) find(index int) *types.Attempt {
	i, ok := slices.BinarySearchFunc(r.Attempts, index, func(a types.Attempt, idx int) int {
		return a.Index - idx
	})
	if !ok {
		return nil
	}
	return &r.Attempts[i]
}

func (r *TestRun) insert(a types.Attempt) *types.Attempt {
	i, _ := slices.BinarySearchFunc(r.Attempts, a.Index, func(a types.Attempt, idx int) int {
		return a.Index - idx
	})
	r.Attempts = slices.Insert(r.Attempts, i, a)
	return &r.Attempts[i]
}

// LatestTerminal returns the highest indexed attempt that passed or failed
func (r *TestRun) LatestTerminal() (types.Attempt, bool) {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].Outcome.IsTerminal() {
			return r.Attempts[i], true
		}
	}
	return types.Attempt{}, false
}

func (r *TestRun) clone() *TestRun {
	c := &TestRun{Ref: r.Ref, Skip: r.Skip}
	if r.Attempts != nil {
		c.Attempts = make([]types.Attempt, len(r.Attempts))
		for i, a := range r.Attempts {
			c.Attempts[i] = a.Clone()
		}
	}
	return c
}

// PackageError is a failure that could not be attributed to a test
type PackageError struct {
	Filename string `json:"filename"`
	Output   string `json:"output"`
}

// PackageCrash is a test binary that exited before running every test it
// was asked to run
type PackageCrash struct {
	Filename string `json:"filename"`
	Attempt  int    `json:"attempt"`
	Output   string `json:"output"`
}

// Anomaly is an attempt report the tracker merged but could not reconcile
type Anomaly struct {
	Ref     types.TestRef
	Attempt int
	Err     error
}

type hookKey struct {
	filename string
	title    string
	attempt  int
}

type bufferedHook struct {
	timing types.Timing
	err    types.FailureRecord
}

// Tracker accumulates the attempts of every test of a run. It is safe for
// concurrent use, although hosts are expected to deliver events serially.
type Tracker struct {
	log log.Logger

	mu            sync.Mutex
	runs          map[string]*TestRun
	order         []*TestRun
	hooks         map[hookKey][]bufferedHook
	hookOrder     []hookKey
	packageErrors []PackageError
	crashes       []PackageCrash
	anomalies     []Anomaly
	attempts      int
	aborted       bool
	abortReason   string
}

// NewTracker creates an empty tracker
func NewTracker(logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.New()
	}
	return &Tracker{
		log:   logger.New("component", "tracker"),
		runs:  make(map[string]*TestRun),
		hooks: make(map[hookKey][]bufferedHook),
	}
}

// Handle applies a host event
func (t *Tracker) Handle(ev types.TestEvent) error {
	switch e := ev.(type) {
	case types.TestDiscovered:
		if err := validRef(e.Ref); err != nil {
			return err
		}
		t.Discover(e.Ref)
	case types.AttemptStarted:
		if err := validRef(e.Ref); err != nil {
			return err
		}
		t.StartAttempt(e.Ref, e.Attempt, e.StartedAt)
	case types.AttemptFinished:
		if err := validRef(e.Ref); err != nil {
			return err
		}
		t.RecordAttempt(e.Ref, e.Attempt, e.Outcome, types.Timing{StartedAt: e.StartedAt, Duration: e.Duration}, e.Errors...)
	case types.HookFailed:
		t.RecordHookFailure(e.Filename, e.HookTitle, e.Attempt, types.Timing{StartedAt: e.StartedAt, Duration: e.Duration}, e.Error)
	case types.TestSkipped:
		if err := validRef(e.Ref); err != nil {
			return err
		}
		t.MarkSkipped(e.Ref, e.Reason)
	case types.PackageFailed:
		t.RecordPackageFailure(e.Filename, e.Output)
	case types.PackageCrashed:
		t.RecordPackageCrash(e.Filename, e.Attempt, e.Output)
	case types.RunAborted:
		t.Abort(e.Reason)
	default:
		return fmt.Errorf("unsupported test event %T", ev)
	}
	return nil
}

func validRef(ref types.TestRef) error {
	if len(ref.TitlePath) == 0 {
		return fmt.Errorf("invalid test in %s: %w", ref.Filename, types.ErrEmptyTitlePath)
	}
	return nil
}

// getOrCreate must be called with mu held
func (t *Tracker) getOrCreate(ref types.TestRef) *TestRun {
	key := ref.Key()
	if run, ok := t.runs[key]; ok {
		return run
	}
	run := &TestRun{Ref: ref}
	t.runs[key] = run
	t.order = append(t.order, run)
	return run
}

// Discover registers a test without recording an attempt
func (t *Tracker) Discover(ref types.TestRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(ref)
}

// StartAttempt records that an attempt began. The attempt stays pending until
// its outcome is reported.
func (t *Tracker) StartAttempt(ref types.TestRef, index int, startedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run := t.getOrCreate(ref)
	if run.find(index) == nil {
		run.insert(types.StartedAttempt(index, startedAt))
	}
}

// RecordAttempt records the outcome of an attempt. A report for an attempt
// that already exists is merged into it: errors are appended and a failure
// wins over a pass.
func (t *Tracker) RecordAttempt(ref types.TestRef, index int, outcome types.Outcome, timing types.Timing, errs ...types.FailureRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run := t.getOrCreate(ref)
	attempt := run.find(index)
	switch {
	case attempt == nil:
		attempt = run.insert(types.NewAttempt(index, outcome, timing, errs...))
		t.attempts++
	case attempt.Reports() == 0:
		// Pending placeholder from StartAttempt
		attempt.Merge(outcome, timing, errs...)
		t.attempts++
	default:
		if attempt.Reports() >= 2 && attempt.Outcome.IsTerminal() && outcome.IsTerminal() && attempt.Outcome != outcome {
			t.recordAnomaly(ref, index, fmt.Errorf("%w: attempt %d of %s reported %s after %s",
				ErrDuplicateAttempt, index, ref, outcome, attempt.Outcome))
		}
		attempt.Merge(outcome, timing, errs...)
	}

	// Hook failures that arrived before this report belong after the
	// test's own errors.
	key := hookKey{filename: ref.Filename, title: ref.Title(), attempt: index}
	if buffered, ok := t.hooks[key]; ok {
		delete(t.hooks, key)
		for _, h := range buffered {
			attempt.Merge(types.OutcomeFail, h.timing, h.err)
		}
	}
	metrics.RecordAttempt(outcome)
}

// RecordHookFailure attributes a setup/teardown failure to the test named in
// the hook title. When that test has not finished the attempt yet, the
// failure is held back until it does.
func (t *Tracker) RecordHookFailure(filename, hookTitle string, index int, timing types.Timing, failure types.FailureRecord) {
	if failure.Hook == "" {
		failure.Hook = hookTitle
	}
	target, err := types.NormalizeRef(filename, []string{HookTarget(hookTitle)})
	if err != nil {
		// A single component title path is never empty.
		panic(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if run := t.findByTitle(target.Filename, target.Title(), index); run != nil {
		run.find(index).Merge(types.OutcomeFail, timing, failure)
		return
	}

	key := hookKey{filename: target.Filename, title: target.Title(), attempt: index}
	if _, ok := t.hooks[key]; !ok {
		t.hookOrder = append(t.hookOrder, key)
	}
	t.hooks[key] = append(t.hooks[key], bufferedHook{timing: timing, err: failure})
	t.log.Debug("Buffered hook failure", "file", target.Filename, "test", target.Title(), "attempt", index)
}

// findByTitle returns the first test of a file whose title matches and that
// has a finished attempt at index. A negative index accepts any test with
// that title. Must be called with mu held.
func (t *Tracker) findByTitle(filename, title string, index int) *TestRun {
	for _, run := range t.order {
		if run.Ref.Filename != filename || run.Ref.Title() != title {
			continue
		}
		if index < 0 {
			return run
		}
		if a := run.find(index); a != nil && a.Outcome.IsTerminal() {
			return run
		}
	}
	return nil
}

// MarkSkipped records a test that never executed. The first reason recorded
// for a test is kept.
func (t *Tracker) MarkSkipped(ref types.TestRef, reason types.SkipReason) {
	if reason == types.SkipNone {
		reason = types.SkipExplicit
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	run := t.getOrCreate(ref)
	if run.Skip == types.SkipNone {
		run.Skip = reason
	}
}

// RecordPackageFailure records a failure outside of any test
func (t *Tracker) RecordPackageFailure(filename, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packageErrors = append(t.packageErrors, PackageError{Filename: filename, Output: output})
	t.log.Warn("Package failed outside of a test", "file", filename)
}

// RecordPackageCrash records that the test binary of filename exited early
// during attempt index. It does not fail the run by itself: the tests that
// never ran are retried.
func (t *Tracker) RecordPackageCrash(filename string, index int, output string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.crashes = append(t.crashes, PackageCrash{Filename: filename, Attempt: index, Output: output})
	t.log.Warn("Test binary exited early", "file", filename, "attempt", index)
}

// Crash returns the crash of filename during attempt index, if any
func (t *Tracker) Crash(filename string, index int) (PackageCrash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.crashes {
		if c.Filename == filename && c.Attempt == index {
			return c, true
		}
	}
	return PackageCrash{}, false
}

// Crashes returns every recorded crash in arrival order
func (t *Tracker) Crashes() []PackageCrash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PackageCrash(nil), t.crashes...)
}

// Abort marks the run as cancelled. Attempts that are still pending stay
// pending and are never turned into failures.
func (t *Tracker) Abort(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return
	}
	t.aborted = true
	t.abortReason = reason
	t.log.Warn("Run aborted", "reason", reason)
}

// Finalize attributes hook failures that were never reconciled with a test
// report. It records each of them as a failed attempt of the test named in
// the hook title.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.hookOrder {
		buffered, ok := t.hooks[key]
		if !ok {
			continue
		}
		delete(t.hooks, key)

		run := t.findByTitle(key.filename, key.title, -1)
		if run == nil {
			run = t.getOrCreate(types.TestRef{Filename: key.filename, TitlePath: []string{key.title}})
		}
		for _, h := range buffered {
			attempt := run.find(key.attempt)
			if attempt == nil || attempt.Reports() == 0 {
				if attempt == nil {
					attempt = run.insert(types.StartedAttempt(key.attempt, h.timing.StartedAt))
				}
				t.attempts++
				metrics.RecordAttempt(types.OutcomeFail)
			}
			attempt.Merge(types.OutcomeFail, h.timing, h.err)
		}
		t.log.Warn("Hook failure without a matching test report", "file", key.filename, "test", key.title, "attempt", key.attempt)
	}
	t.hookOrder = nil
}

func (t *Tracker) recordAnomaly(ref types.TestRef, index int, err error) {
	t.anomalies = append(t.anomalies, Anomaly{Ref: ref, Attempt: index, Err: err})
	t.log.Warn("Attempt report anomaly", "test", ref, "attempt", index, "err", err)
	metrics.RecordTrackerAnomaly("duplicate_attempt")
}

// Runs returns a copy of every tracked test in discovery order
func (t *Tracker) Runs() []*TestRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	runs := make([]*TestRun, len(t.order))
	for i, run := range t.order {
		runs[i] = run.clone()
	}
	return runs
}

// Lookup returns a copy of the history of one test
func (t *Tracker) Lookup(ref types.TestRef) (*TestRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[ref.Key()]
	if !ok {
		return nil, false
	}
	return run.clone(), true
}

// Attempts returns a copy of the attempts of one test
func (t *Tracker) Attempts(ref types.TestRef) []types.Attempt {
	run, ok := t.Lookup(ref)
	if !ok {
		return nil
	}
	return run.Attempts
}

// AttemptCount returns the number of distinct attempts with a reported outcome
func (t *Tracker) AttemptCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// PackageErrors returns the failures recorded outside of tests
func (t *Tracker) PackageErrors() []PackageError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PackageError(nil), t.packageErrors...)
}

// Anomalies returns the conflicting reports seen so far
func (t *Tracker) Anomalies() []Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Anomaly(nil), t.anomalies...)
}

// Aborted reports whether the run was cancelled, and why
func (t *Tracker) Aborted() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted, t.abortReason
}
