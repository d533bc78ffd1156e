package quarantine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-quarantine/flags"
	"github.com/ethereum-optimism/infra/op-quarantine/runner"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// FileConfig is the optional YAML or TOML configuration file. Every key has a flag
// counterpart; explicitly set flags win over the file.
type FileConfig struct {
	SuiteID                    string   `yaml:"suite_id" toml:"suite_id"`
	APIBaseURL                 string   `yaml:"api_base_url" toml:"api_base_url"`
	FailureRetries             *int     `yaml:"failure_retries" toml:"failure_retries"`
	QuarantineMode             string   `yaml:"quarantine_mode" toml:"quarantine_mode"`
	UploadResults              *bool    `yaml:"upload_results" toml:"upload_results"`
	Branch                     string   `yaml:"branch" toml:"branch"`
	Commit                     string   `yaml:"commit" toml:"commit"`
	IndependentFailurePatterns []string `yaml:"independent_failure_patterns" toml:"independent_failure_patterns"`
	Packages                   []string `yaml:"packages" toml:"packages"`
}

// LoadFileConfig reads a YAML or, for .toml files, TOML configuration file.
// Unknown keys are rejected.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc FileConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config file %s: unknown keys %v", path, undecoded)
		}
		return &fc, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// Config holds the application configuration
type Config struct {
	TestDir                    string
	Packages                   []string
	GoBinary                   string
	RunFilter                  string // go test -run expression limiting the run
	FailureRetries             int
	QuarantineMode             types.QuarantineMode
	SuiteID                    string
	APIKey                     string
	APIBaseURL                 string
	APITimeout                 time.Duration
	Branch                     string
	Commit                     string
	UploadResults              bool
	ManifestFile               string
	IndependentFailurePatterns []string
	Concurrency                int
	Timeout                    time.Duration
	Ingest                     bool   // replay EventsFile instead of running go test
	EventsFile                 string // "-" reads stdin
	RecordEvents               string
	OutputJSON                 string
	ShowIndividualTests        bool
	Serve                      bool
	HealthzAddr                string
	MetricsAddr                string
	Log                        log.Logger
}

// NewConfig creates a new Config from cli context. ingest selects the ingest
// command, which replays an event log instead of running go test.
func NewConfig(ctx *cli.Context, log log.Logger, ingest bool) (*Config, error) {
	fc := &FileConfig{}
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		var err error
		fc, err = LoadFileConfig(path)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	mode, err := types.ParseQuarantineMode(stringValue(ctx, flags.QuarantineMode, fc.QuarantineMode))
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	retries := ctx.Int(flags.FailureRetries.Name)
	if !ctx.IsSet(flags.FailureRetries.Name) && fc.FailureRetries != nil {
		retries = *fc.FailureRetries
	}
	upload := ctx.Bool(flags.UploadResults.Name)
	if !ctx.IsSet(flags.UploadResults.Name) && fc.UploadResults != nil {
		upload = *fc.UploadResults
	}

	testDir, err := filepath.Abs(ctx.String(flags.TestDir.Name))
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("failed to resolve absolute path for test directory '%s': %w", ctx.String(flags.TestDir.Name), err)}
	}

	metricsCfg := opmetrics.ReadCLIConfig(ctx)

	cfg := &Config{
		TestDir:                    testDir,
		Packages:                   sliceValue(ctx, flags.Packages, fc.Packages),
		GoBinary:                   ctx.String(flags.GoBinary.Name),
		RunFilter:                  ctx.String(flags.Run.Name),
		FailureRetries:             retries,
		QuarantineMode:             mode,
		SuiteID:                    stringValue(ctx, flags.SuiteID, fc.SuiteID),
		APIKey:                     ctx.String(flags.APIKey.Name),
		APIBaseURL:                 stringValue(ctx, flags.APIBaseURL, fc.APIBaseURL),
		APITimeout:                 ctx.Duration(flags.APITimeout.Name),
		Branch:                     stringValue(ctx, flags.Branch, fc.Branch),
		Commit:                     stringValue(ctx, flags.Commit, fc.Commit),
		UploadResults:              upload,
		ManifestFile:               ctx.String(flags.ManifestFile.Name),
		IndependentFailurePatterns: sliceValue(ctx, flags.IndependentFailurePatterns, fc.IndependentFailurePatterns),
		Concurrency:                ctx.Int(flags.Concurrency.Name),
		Timeout:                    ctx.Duration(flags.Timeout.Name),
		Ingest:                     ingest,
		EventsFile:                 ctx.String(flags.EventsFile.Name),
		RecordEvents:               ctx.String(flags.RecordEvents.Name),
		OutputJSON:                 ctx.String(flags.OutputJSON.Name),
		ShowIndividualTests:        ctx.Bool(flags.ShowIndividualTests.Name),
		Serve:                      ctx.Bool(flags.Serve.Name),
		HealthzAddr:                ctx.String(flags.HealthzAddr.Name),
		MetricsAddr:                net.JoinHostPort(metricsCfg.ListenAddr, strconv.Itoa(metricsCfg.ListenPort)),
		Log:                        log,
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stringValue(ctx *cli.Context, flag *cli.StringFlag, fileValue string) string {
	if ctx.IsSet(flag.Name) || fileValue == "" {
		return ctx.String(flag.Name)
	}
	return fileValue
}

func sliceValue(ctx *cli.Context, flag *cli.StringSliceFlag, fileValue []string) []string {
	if ctx.IsSet(flag.Name) || len(fileValue) == 0 {
		return ctx.StringSlice(flag.Name)
	}
	return fileValue
}

// BackendConfigured reports whether any backend setting was given
func (c *Config) BackendConfigured() bool {
	return c.SuiteID != "" || c.APIBaseURL != "" || c.UploadResults
}

// NeedsBackend reports whether the run talks to the quarantine backend
func (c *Config) NeedsBackend() bool {
	if c.UploadResults {
		return true
	}
	return c.QuarantineMode != types.QuarantineDisabled && c.ManifestFile == ""
}

// Check validates the configuration. Without any backend setting or manifest
// file quarantine is switched off instead of failing.
func (c *Config) Check() error {
	if c.FailureRetries < 0 {
		return &ConfigError{Err: fmt.Errorf("failure retries must not be negative, got %d", c.FailureRetries)}
	}
	if _, err := types.ParseQuarantineMode(string(c.QuarantineMode)); err != nil {
		return &ConfigError{Err: err}
	}
	if c.Ingest && c.EventsFile == "" {
		return &ConfigError{Err: errors.New("events file is required to ingest results")}
	}
	if !c.Ingest && c.EventsFile != "" {
		return &ConfigError{Err: errors.New("events file is only read by the ingest command")}
	}
	if _, err := runner.MatchName(c.RunFilter); err != nil {
		return &ConfigError{Err: err}
	}
	if _, err := runner.PatternIndependence(c.IndependentFailurePatterns); err != nil {
		return &ConfigError{Err: err}
	}

	if c.QuarantineMode != types.QuarantineDisabled && c.ManifestFile == "" && !c.BackendConfigured() {
		if c.Log != nil {
			c.Log.Info("No quarantine backend configured, quarantine is disabled")
		}
		c.QuarantineMode = types.QuarantineDisabled
	}
	if c.NeedsBackend() {
		if c.SuiteID == "" {
			return &ConfigError{Err: errors.New("suite id is required when quarantine or upload is enabled")}
		}
		if c.APIBaseURL == "" {
			return &ConfigError{Err: errors.New("api base url is required when quarantine or upload is enabled")}
		}
	}
	return nil
}
