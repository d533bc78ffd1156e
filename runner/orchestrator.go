package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-quarantine/metrics"
	"github.com/ethereum-optimism/infra/op-quarantine/quarantinetest"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EventSink receives host events. Hosts deliver events to a sink serially.
type EventSink interface {
	Handle(ev types.TestEvent) error
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(ev types.TestEvent) error

func (f EventSinkFunc) Handle(ev types.TestEvent) error {
	return f(ev)
}

// DiscoveredFile is a file (package) that contains tests
type DiscoveredFile struct {
	Filename string
	// Tests are the tests known before execution. It may be incomplete.
	Tests []types.TestRef
}

// PackageInvocation describes how one file is executed in a generation
type PackageInvocation struct {
	Filename string
	Run      string
	Skip     string
	// SkipEntries are quarantined tests the host could not exclude with
	// Skip. They are handed to the test binary through quarantinetest.
	SkipEntries []quarantinetest.Entry
}

// Invocation is one execution pass over a set of files
type Invocation struct {
	Generation int
	Packages   []PackageInvocation
}

// Host executes tests and reports what happened through events
type Host interface {
	Discover(ctx context.Context) ([]DiscoveredFile, error)
	Execute(ctx context.Context, inv Invocation, sink EventSink) error
}

// FilePlan is the part of a plan that concerns one file
type FilePlan struct {
	Filename   string
	Candidates []types.TestRef
}

// Plan selects the tests of one generation
type Plan struct {
	Generation int
	Include    Selector
	// Exclude is applied before execution. It is only set when quarantined
	// tests are skipped.
	Exclude Selector
	Files   []FilePlan
}

// Selector combines Include and Exclude into the tests the plan runs
func (p *Plan) Selector() Selector {
	if p.Exclude == nil {
		return And(p.Include)
	}
	return And(p.Include, Not(p.Exclude))
}

// Selects reports whether ref belongs to the plan
func (p *Plan) Selects(ref types.TestRef) bool {
	return p.Selector().Matches(ref)
}

// accepts drops events for tests the plan did not select; go test patterns
// may run more than was asked for.
func (p *Plan) accepts(ev types.TestEvent) bool {
	switch e := ev.(type) {
	case types.TestDiscovered:
		return p.Selects(e.Ref)
	case types.AttemptStarted:
		return p.Selects(e.Ref)
	case types.AttemptFinished:
		return p.Selects(e.Ref)
	case types.TestSkipped:
		return p.Selects(e.Ref)
	default:
		return true
	}
}

// OrchestratorConfig configures an Orchestrator
type OrchestratorConfig struct {
	Host            Host
	Tracker         *Tracker
	Quarantine      QuarantineSet
	SkipQuarantined bool
	// Filter is the user supplied selection. Retries never widen it.
	Filter         Selector
	FailureRetries int
	RunID          string
	// Recorder receives a copy of every accepted event
	Recorder EventSink
	Log      log.Logger
}

// Orchestrator drives retry generations through a host
type Orchestrator struct {
	host            Host
	tracker         *Tracker
	quarantine      QuarantineSet
	skipQuarantined bool
	filter          Selector
	failureRetries  int
	runID           string
	recorder        EventSink
	log             log.Logger
	tracer          trace.Tracer
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Host == nil {
		return nil, errors.New("host is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if cfg.FailureRetries < 0 {
		return nil, fmt.Errorf("failure retries must not be negative, got %d", cfg.FailureRetries)
	}
	if cfg.Filter == nil {
		cfg.Filter = All()
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Orchestrator{
		host:            cfg.Host,
		tracker:         cfg.Tracker,
		quarantine:      cfg.Quarantine,
		skipQuarantined: cfg.SkipQuarantined,
		filter:          cfg.Filter,
		failureRetries:  cfg.FailureRetries,
		runID:           cfg.RunID,
		recorder:        cfg.Recorder,
		log:             cfg.Log.New("component", "orchestrator"),
		tracer:          otel.Tracer("op-quarantine"),
	}, nil
}

// MaxAttempts is the number of times a failing test is executed at most
func (o *Orchestrator) MaxAttempts() int {
	return o.failureRetries + 1
}

// PlanInitial plans generation 0. When quarantined tests are skipped, the
// ones the user filter selects are recorded without attempts.
func (o *Orchestrator) PlanInitial(files []DiscoveredFile) *Plan {
	plan := &Plan{Generation: 0, Include: o.filter}
	if o.skipQuarantined && o.quarantine != nil {
		plan.Exclude = MatchQuarantined(o.quarantine)
	}

	for _, f := range files {
		filename := types.NormalizeFilename(f.Filename)
		plan.Files = append(plan.Files, FilePlan{Filename: filename, Candidates: f.Tests})
		for _, ref := range f.Tests {
			if plan.Selects(ref) {
				o.tracker.Discover(ref)
			}
		}
		if plan.Exclude == nil {
			continue
		}
		o.markQuarantinedSkips(plan, filename, f.Tests)
	}
	return plan
}

// markQuarantinedSkips records the quarantined tests of one file that the
// plan excludes. Discovered tests are recorded under their own, untruncated
// identity. Static discovery only knows top-level tests, so subtest entries
// are recorded as listed in the manifest when their top-level test exists.
// Entries naming a top-level test that was not discovered are ignored, unless
// discovery found nothing at all in the file.
func (o *Orchestrator) markQuarantinedSkips(plan *Plan, filename string, tests []types.TestRef) {
	topLevel := make(map[string]struct{}, len(tests))
	for _, ref := range tests {
		topLevel[ref.TitlePath[0]] = struct{}{}
		if plan.Include.Matches(ref) && plan.Exclude.Matches(ref) {
			o.tracker.MarkSkipped(ref, types.SkipQuarantine)
		}
	}
	for _, entry := range o.quarantine.EntriesForFile(filename) {
		if !plan.Include.Matches(entry.Ref) {
			continue
		}
		if len(topLevel) > 0 {
			if len(entry.Ref.TitlePath) == 1 {
				continue
			}
			if _, ok := topLevel[entry.Ref.TitlePath[0]]; !ok {
				continue
			}
		}
		o.tracker.MarkSkipped(entry.Ref, types.SkipQuarantine)
	}
}

// PlanNextGeneration plans a retry of every test whose latest attempt failed
// and that has attempts left. Tests that never ran because their test binary
// crashed in the previous generation are planned as well. It returns nil
// when there is nothing to retry.
func (o *Orchestrator) PlanNextGeneration(generation int) *Plan {
	if generation >= o.MaxAttempts() {
		return nil
	}

	var (
		selectors []Selector
		files     []FilePlan
		fileIndex = make(map[string]int)
	)
	for _, run := range o.tracker.Runs() {
		latest, ok := run.LatestTerminal()
		switch {
		case !ok:
			if !o.crashVictim(run, generation-1) {
				continue
			}
		case latest.Outcome != types.OutcomeFail:
			continue
		case terminalAttempts(run) >= o.MaxAttempts():
			continue
		}
		selectors = append(selectors, MatchRef(run.Ref))
		i, ok := fileIndex[run.Ref.Filename]
		if !ok {
			i = len(files)
			fileIndex[run.Ref.Filename] = i
			files = append(files, FilePlan{Filename: run.Ref.Filename})
		}
		files[i].Candidates = append(files[i].Candidates, run.Ref)
	}
	if len(selectors) == 0 {
		return nil
	}
	o.log.Info("Retrying failed tests", "generation", generation, "tests", len(selectors), "files", len(files))
	return &Plan{
		Generation: generation,
		Include:    And(o.filter, Or(selectors...)),
		Files:      files,
	}
}

func terminalAttempts(run *TestRun) int {
	n := 0
	for _, a := range run.Attempts {
		if a.Outcome.IsTerminal() {
			n++
		}
	}
	return n
}

// Run executes generations until nothing is left to retry. Generations run
// strictly one after another. Cancelling ctx aborts the run; tests without a
// finished attempt then stay unfinished instead of failing.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("run %s", o.runID))
	defer span.End()
	defer o.tracker.Finalize()

	files, err := o.host.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover tests: %w", err)
	}
	o.log.Debug("Discovered test files", "files", len(files))

	plan := o.PlanInitial(files)
	for plan != nil {
		if err := ctx.Err(); err != nil {
			o.tracker.Abort(fmt.Sprintf("cancelled before generation %d: %v", plan.Generation, err))
			return nil
		}

		before := o.tracker.AttemptCount()
		err := o.executeGeneration(ctx, plan)
		metrics.RecordRetryGeneration(o.runID)
		if err != nil {
			if ctx.Err() != nil {
				o.tracker.Abort(fmt.Sprintf("cancelled during generation %d: %v", plan.Generation, ctx.Err()))
				return nil
			}
			return fmt.Errorf("generation %d failed: %w", plan.Generation, err)
		}
		if o.tracker.AttemptCount() == before {
			if plan.Generation > 0 {
				o.log.Warn("Retry generation recorded no attempts, stopping", "generation", plan.Generation)
			}
			break
		}
		plan = o.PlanNextGeneration(plan.Generation + 1)
	}
	o.reportUnrunTests()
	return nil
}

// crashVictim reports whether run never finished an attempt although it was
// wanted, and its test binary crashed during attempt index
func (o *Orchestrator) crashVictim(run *TestRun, index int) bool {
	if run.Skip != types.SkipNone || !o.filter.Matches(run.Ref) {
		return false
	}
	_, crashed := o.tracker.Crash(run.Ref.Filename, index)
	return crashed
}

// reportUnrunTests turns tests that a crashing test binary kept from running
// until the last generation into a package failure. Unrun quarantined tests
// do not count.
func (o *Orchestrator) reportUnrunTests() {
	crashes := make(map[string]PackageCrash)
	var order []string
	for _, c := range o.tracker.Crashes() {
		if _, ok := crashes[c.Filename]; !ok {
			order = append(order, c.Filename)
		}
		crashes[c.Filename] = c
	}
	if len(order) == 0 {
		return
	}

	wanted := And(o.filter, Not(MatchQuarantined(o.quarantine)))
	unrun := make(map[string][]string)
	for _, run := range o.tracker.Runs() {
		if _, ok := crashes[run.Ref.Filename]; !ok || run.Skip != types.SkipNone {
			continue
		}
		if _, ok := run.LatestTerminal(); ok || !wanted.Matches(run.Ref) {
			continue
		}
		unrun[run.Ref.Filename] = append(unrun[run.Ref.Filename], run.Ref.GoTestName())
	}
	for _, filename := range order {
		names := unrun[filename]
		if len(names) == 0 {
			continue
		}
		output := fmt.Sprintf("test binary exited before running %s", strings.Join(names, ", "))
		if crash := crashes[filename]; crash.Output != "" {
			output += "\n" + crash.Output
		}
		o.tracker.RecordPackageFailure(filename, output)
	}
}

func (o *Orchestrator) executeGeneration(ctx context.Context, plan *Plan) error {
	ctx, span := o.tracer.Start(ctx, fmt.Sprintf("generation %d", plan.Generation))
	defer span.End()

	inv := o.Compile(plan)
	span.SetAttributes(attribute.Int("packages", len(inv.Packages)))
	if len(inv.Packages) == 0 {
		o.log.Debug("Nothing to execute", "generation", plan.Generation)
		return nil
	}

	sink := EventSinkFunc(func(ev types.TestEvent) error {
		if !plan.accepts(ev) {
			return nil
		}
		if o.recorder != nil {
			if err := o.recorder.Handle(ev); err != nil {
				o.log.Warn("Failed to record event", "err", err)
			}
		}
		if err := o.tracker.Handle(ev); err != nil {
			o.log.Warn("Dropping invalid test event", "event", fmt.Sprintf("%T", ev), "err", err)
			metrics.RecordErrorDetails("tracker", err)
		}
		return nil
	})
	return o.host.Execute(ctx, inv, sink)
}

// Compile turns a plan into go test invocations, one per file that has
// anything to run
func (o *Orchestrator) Compile(plan *Plan) Invocation {
	inv := Invocation{Generation: plan.Generation}
	for _, f := range plan.Files {
		run := CompileGoTestPattern(And(MatchFile(f.Filename), plan.Include), f.Filename, f.Candidates)
		if run.None {
			continue
		}
		pkg := PackageInvocation{Filename: f.Filename, Run: run.Expr}
		if len(pkg.Run) > MaxGoTestPatternLength {
			// Run the whole file; unselected events are dropped.
			pkg.Run = ""
		}

		if plan.Exclude != nil {
			skip := CompileGoTestPattern(plan.Exclude, f.Filename, f.Candidates)
			switch {
			case skip.None:
			case skip.SelectsAll() && skip.Exact:
				continue
			case skip.Exact && len(skip.Expr) <= MaxGoTestPatternLength:
				pkg.Skip = skip.Expr
			default:
				pkg.SkipEntries = skipEntries(o.quarantine, f.Filename)
			}
		}
		inv.Packages = append(inv.Packages, pkg)
	}
	return inv
}

func skipEntries(set QuarantineSet, filename string) []quarantinetest.Entry {
	if set == nil {
		return nil
	}
	var entries []quarantinetest.Entry
	for _, e := range set.EntriesForFile(filename) {
		entries = append(entries, quarantinetest.Entry{
			Name:   e.Ref.TitlePath,
			Prefix: types.IsTruncatedComponent(e.Ref.Title()),
		})
	}
	return entries
}
