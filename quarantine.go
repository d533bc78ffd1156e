// Package quarantine runs a Go test suite against a quarantine manifest:
// failing tests are retried, quarantined failures are ignored, and the attempts
// of every test are reported to the quarantine backend.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-quarantine/api"
	"github.com/ethereum-optimism/infra/op-quarantine/exitcodes"
	"github.com/ethereum-optimism/infra/op-quarantine/manifest"
	"github.com/ethereum-optimism/infra/op-quarantine/metrics"
	"github.com/ethereum-optimism/infra/op-quarantine/reporting"
	"github.com/ethereum-optimism/infra/op-quarantine/runner"
	"github.com/ethereum-optimism/infra/op-quarantine/service"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
)

// tester implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &tester{}

// Result is the outcome of one run
type Result struct {
	RunID   string
	Summary *runner.RunSummary
	Report  *reporting.Report
	// Upload is the backend response, nil when nothing was uploaded
	Upload *types.CreateRunResponse
}

// tester runs a test suite once and exits.
type tester struct {
	config  *Config
	version string

	host       runner.Host
	quarantine *manifest.Cache
	client     *api.Client
	svc        *service.Service
	out        io.Writer
	newRunID   func() string

	result  *Result
	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(config *Config, version string, shutdownCallback func(error)) (*tester, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("config logger is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	config.Log.Debug("Creating op-quarantine with config",
		"testDir", config.TestDir,
		"ingest", config.Ingest,
		"quarantineMode", config.QuarantineMode,
		"failureRetries", config.FailureRetries,
		"upload", config.UploadResults)

	t := &tester{
		config:           config,
		version:          version,
		out:              os.Stdout,
		newRunID:         uuid.NewString,
		shutdownCallback: shutdownCallback,
	}

	if config.NeedsBackend() {
		client, err := api.NewClient(api.Config{
			BaseURL:   config.APIBaseURL,
			SuiteID:   config.SuiteID,
			APIKey:    config.APIKey,
			UserAgent: "op-quarantine/" + version,
			Timeout:   config.APITimeout,
			Log:       config.Log,
		})
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("failed to create api client: %w", err)}
		}
		t.client = client
	}

	switch {
	case config.QuarantineMode == types.QuarantineDisabled:
	case config.ManifestFile != "":
		t.quarantine = manifest.NewCache(manifest.FileFetcher{Path: config.ManifestFile}, config.Log)
	default:
		t.quarantine = manifest.NewCache(t.client, config.Log)
	}

	if config.Ingest {
		t.host = runner.NewEventLogHost(config.EventsFile, config.Log)
	} else {
		host, err := runner.NewGoTestHost(runner.GoTestHostConfig{
			WorkDir:     config.TestDir,
			Packages:    config.Packages,
			GoBinary:    config.GoBinary,
			Timeout:     config.Timeout,
			Concurrency: config.Concurrency,
			Log:         config.Log,
		})
		if err != nil {
			return nil, NewRuntimeError("setup", err)
		}
		t.host = host
	}

	if config.Serve {
		t.svc = service.New(service.Config{
			HealthzAddr: config.HealthzAddr,
			MetricsAddr: config.MetricsAddr,
			Log:         config.Log,
		})
	}
	return t, nil
}

// Start runs the suite once. It returns a TestFailureError when a test that
// is not quarantined failed.
// Start implements the cliapp.Lifecycle interface.
func (t *tester) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if r := recover(); r != nil {
			t.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	t.running.Store(true)
	if t.svc != nil {
		t.svc.Start()
	}

	result, err := t.Run(ctx)
	if err != nil {
		t.config.Log.Error("Runtime error running tests", "error", err)
		return err
	}
	t.result = result

	if result.Summary.Failed() {
		t.config.Log.Warn("Test run completed with failures, returning exit code 1", "run_id", result.RunID)
		return &TestFailureError{FailedTests: result.Summary.Counts.Fail, FailedPackages: len(result.Summary.PackageErrors)}
	}

	go func() {
		t.shutdownCallback(nil)
	}()
	return nil
}

// Stop implements the cliapp.Lifecycle interface.
func (t *tester) Stop(ctx context.Context) error {
	t.config.Log.Info("Stopping op-quarantine")
	if !t.running.Swap(false) {
		return nil
	}
	if t.svc != nil {
		t.svc.Shutdown(ctx)
	}
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (t *tester) Stopped() bool {
	return !t.running.Load()
}

// Result returns the result of the last run
func (t *tester) Result() *Result {
	return t.result
}

// Run executes the suite, classifies every test, renders the results and
// uploads them. Cancelling ctx aborts the run; the partial results are still
// reported.
func (t *tester) Run(ctx context.Context) (*Result, error) {
	runID := t.newRunID()
	logger := t.config.Log.New("run_id", runID)
	start := time.Now()
	logger.Info("Starting test run", "ingest", t.config.Ingest, "quarantine_mode", t.config.QuarantineMode)

	var quarantineSet runner.QuarantineSet
	if t.quarantine != nil {
		// The manifest fails open: without it every test counts.
		_ = t.quarantine.Fetch(ctx)
		quarantineSet = t.quarantine
	}

	filter, err := runner.MatchName(t.config.RunFilter)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	independent, err := runner.PatternIndependence(t.config.IndependentFailurePatterns)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	skipQuarantined := t.config.QuarantineMode == types.QuarantineSkipTests

	var recorder runner.EventSink
	if t.config.RecordEvents != "" {
		f, err := os.Create(t.config.RecordEvents)
		if err != nil {
			return nil, NewRuntimeError("record", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				logger.Warn("Failed to close event log", "path", t.config.RecordEvents, "err", err)
			}
		}()
		recorder = runner.NewEventLogWriter(f)
	}

	tracker := runner.NewTracker(logger)
	orchestrator, err := runner.NewOrchestrator(runner.OrchestratorConfig{
		Host:            t.host,
		Tracker:         tracker,
		Quarantine:      quarantineSet,
		SkipQuarantined: skipQuarantined,
		Filter:          filter,
		FailureRetries:  t.config.FailureRetries,
		RunID:           runID,
		Recorder:        recorder,
		Log:             logger,
	})
	if err != nil {
		return nil, NewRuntimeError("setup", err)
	}
	if err := orchestrator.Run(ctx); err != nil {
		return nil, NewRuntimeError("run", err)
	}
	end := time.Now()

	classifier := runner.NewClassifier(skipQuarantined, independent)
	verdicts := runner.BuildVerdicts(tracker, quarantineSet, classifier)
	summary := runner.Summarize(runID, verdicts, tracker)
	payload := runner.BuildCreateRunRequest(verdicts, t.config.Branch, t.config.Commit, start, end)

	for _, v := range verdicts {
		metrics.RecordVerdict(runID, v.Verdict)
	}
	runResult := "pass"
	if summary.Failed() {
		runResult = "fail"
	}
	metrics.RecordRun(runID, runResult, end.Sub(start))
	for _, a := range tracker.Anomalies() {
		logger.Debug("Tracker anomaly", "test", a.Ref, "attempt", a.Attempt, "err", a.Err)
	}

	result := &Result{RunID: runID, Summary: summary}
	if t.config.UploadResults && t.client != nil {
		result.Upload = t.upload(ctx, logger, payload)
	}

	report := reporting.BuildReport(summary, t.config.QuarantineMode, start, end, payload)
	result.Report = report
	if err := t.render(report); err != nil {
		logger.Warn("Failed to print results", "err", err)
	}
	if t.config.OutputJSON != "" {
		if err := reporting.Generate(report, reporting.JSONFormatter{}, reporting.NewFileWriter(t.config.OutputJSON)); err != nil {
			return nil, NewRuntimeError("report", err)
		}
		logger.Info("Wrote JSON report", "path", t.config.OutputJSON)
	}

	logger.Info("Test run completed",
		"status", runResult,
		"tests", summary.Counts.Total(),
		"fail", summary.Counts.Fail,
		"flaky", summary.Counts.Flaky,
		"quarantined", summary.Counts.QuarantinedFail+summary.Counts.QuarantinedFlaky+summary.Counts.QuarantinedPending,
		"duration", end.Sub(start))
	return result, nil
}

// upload sends the run to the backend. Failures are logged and never change
// the outcome of the run.
func (t *tester) upload(ctx context.Context, logger log.Logger, payload *types.CreateRunRequest) *types.CreateRunResponse {
	// An aborted run still uploads what it has.
	ctx = context.WithoutCancel(ctx)
	resp, err := t.client.CreateRun(ctx, payload)
	metrics.RecordUpload(err == nil)
	if err != nil {
		logger.Warn("Failed to upload test results", "err", err)
		metrics.RecordErrorDetails("upload", err)
		return nil
	}
	logger.Info("Uploaded test results", "backend_run_id", resp.RunID, "test_runs", len(payload.TestRuns))
	return resp
}

func (t *tester) render(report *reporting.Report) error {
	w := reporting.NewStreamWriter(t.out)
	title := fmt.Sprintf("Quarantine Test Results (%s)", report.Duration.Round(time.Millisecond))
	if err := reporting.Generate(report, reporting.NewTableFormatter(title, t.config.ShowIndividualTests), w); err != nil {
		return err
	}
	return reporting.Generate(report, reporting.NewTextSummaryFormatter(true), w)
}
