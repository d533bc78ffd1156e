package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_QUARANTINE"

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a YAML file providing defaults for the flags below (eg. 'quarantine.yaml')",
	}
	TestDir = &cli.StringFlag{
		Name:    "testdir",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TESTDIR"),
		Usage:   "Directory inside the Go module whose tests are run",
	}
	Packages = &cli.StringSliceFlag{
		Name:    "packages",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PACKAGES"),
		Usage:   "Package directories to test, relative to the module root (default: every package with tests)",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for running tests",
	}
	Run = &cli.StringFlag{
		Name:    "run",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN"),
		Usage:   "Only run tests matching this go test -run expression. Retries never run anything outside of it.",
	}
	FailureRetries = &cli.IntFlag{
		Name:    "failure-retries",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAILURE_RETRIES"),
		Usage:   "Number of times a failing test is retried. A test that passes on retry is flaky.",
	}
	QuarantineMode = &cli.StringFlag{
		Name:    "quarantine-mode",
		Value:   string(types.QuarantineIgnoreFailures),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "QUARANTINE_MODE"),
		Usage: fmt.Sprintf("How quarantined tests are handled: %s, %s or %s",
			types.QuarantineIgnoreFailures, types.QuarantineSkipTests, types.QuarantineDisabled),
		Action: func(_ *cli.Context, v string) error {
			_, err := types.ParseQuarantineMode(v)
			return err
		},
	}
	SuiteID = &cli.StringFlag{
		Name:    "suite-id",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUITE_ID"),
		Usage:   "Test suite id on the quarantine backend",
	}
	APIKey = &cli.StringFlag{
		Name:    "api-key",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_KEY"),
		Usage:   "Bearer token used to authenticate with the quarantine backend",
	}
	APIBaseURL = &cli.StringFlag{
		Name:    "api-base-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_BASE_URL"),
		Usage:   "Base URL of the quarantine backend (eg. 'https://quarantine.example.com')",
	}
	APITimeout = &cli.DurationFlag{
		Name:    "api-timeout",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "API_TIMEOUT"),
		Usage:   "Timeout of a single request to the quarantine backend",
	}
	Branch = &cli.StringFlag{
		Name:    "branch",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BRANCH"),
		Usage:   "Branch reported with the uploaded results",
	}
	Commit = &cli.StringFlag{
		Name:    "commit",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COMMIT"),
		Usage:   "Commit hash reported with the uploaded results",
	}
	UploadResults = &cli.BoolFlag{
		Name:    "upload-results",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPLOAD_RESULTS"),
		Usage:   "Upload the attempts of every test to the quarantine backend",
	}
	ManifestFile = &cli.StringFlag{
		Name:    "manifest-file",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST_FILE"),
		Usage:   "Read the quarantine manifest from a local JSON file instead of the backend",
	}
	IndependentFailurePatterns = &cli.StringSliceFlag{
		Name:    "independent-failure-patterns",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INDEPENDENT_FAILURE_PATTERNS"),
		Usage:   "Regular expressions matched against failure messages. Matching failures are attributed to the environment and not counted.",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of packages tested concurrently (0 = number of CPUs)",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Timeout passed to go test for every package (0 = go test default)",
	}
	EventsFile = &cli.StringFlag{
		Name:    "events-file",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EVENTS_FILE"),
		Usage:   "NDJSON event log to ingest instead of running go test",
	}
	RecordEvents = &cli.StringFlag{
		Name:    "record-events",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RECORD_EVENTS"),
		Usage:   "Write every accepted test event to this NDJSON file",
	}
	OutputJSON = &cli.StringFlag{
		Name:    "output-json",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT_JSON"),
		Usage:   "Write the run report, including the upload payload, to this JSON file",
	}
	ShowIndividualTests = &cli.BoolFlag{
		Name:    "show-individual-tests",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_INDIVIDUAL_TESTS"),
		Usage:   "List every test in the results table, not only packages",
	}
	Serve = &cli.BoolFlag{
		Name:    "serve",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SERVE"),
		Usage:   "Serve healthz and prometheus metrics while the run is in progress",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the healthz server",
	}
)

var Flags []cli.Flag

func init() {
	Flags = []cli.Flag{
		ConfigFile,
		TestDir,
		Packages,
		GoBinary,
		Run,
		FailureRetries,
		QuarantineMode,
		SuiteID,
		APIKey,
		APIBaseURL,
		APITimeout,
		Branch,
		Commit,
		UploadResults,
		ManifestFile,
		IndependentFailurePatterns,
		Concurrency,
		Timeout,
		EventsFile,
		RecordEvents,
		OutputJSON,
		ShowIndividualTests,
		Serve,
		HealthzAddr,
	}
	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)
	Flags = append(Flags, opmetrics.CLIFlags(EnvVarPrefix)...)
}
