package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/quarantinetest"
	"github.com/ethereum-optimism/infra/op-quarantine/testlist"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

var _ Host = (*GoTestHost)(nil)

// CmdBuilder creates the command that runs go test
type CmdBuilder func(ctx context.Context, name string, arg ...string) *exec.Cmd

// GoTestHostConfig configures a GoTestHost
type GoTestHostConfig struct {
	// WorkDir is any directory inside the module under test
	WorkDir string
	// Packages are package patterns relative to the module root, such as
	// "./..." or "./pkg/foo"
	Packages    []string
	GoBinary    string
	Timeout     time.Duration
	Concurrency int
	// Env is appended to the environment of every go test process
	Env        []string
	CmdBuilder CmdBuilder
	Log        log.Logger
}

// GoTestHost runs `go test -json` once per package and generation
type GoTestHost struct {
	module      testlist.Module
	packages    []string
	goBinary    string
	timeout     time.Duration
	concurrency int
	env         []string
	cmdBuilder  CmdBuilder
	log         log.Logger
}

// NewGoTestHost creates a host for the module containing cfg.WorkDir
func NewGoTestHost(cfg GoTestHostConfig) (*GoTestHost, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}
	module, err := testlist.FindModule(cfg.WorkDir)
	if err != nil {
		return nil, err
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency()
	}
	if cfg.CmdBuilder == nil {
		cfg.CmdBuilder = exec.CommandContext
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &GoTestHost{
		module:      module,
		packages:    cfg.Packages,
		goBinary:    cfg.GoBinary,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		env:         cfg.Env,
		cmdBuilder:  cfg.CmdBuilder,
		log:         cfg.Log.New("component", "gotest"),
	}, nil
}

func defaultConcurrency() int {
	n := runtime.NumCPU()
	if n > MaxReasonableConcurrency {
		n = MaxReasonableConcurrency
	}
	return n
}

// Module returns the module under test
func (h *GoTestHost) Module() testlist.Module {
	return h.module
}

// Discover lists the test packages and their top-level tests
func (h *GoTestHost) Discover(ctx context.Context) ([]DiscoveredFile, error) {
	dirs, err := h.module.FindTestPackages(h.packages)
	if err != nil {
		return nil, err
	}
	files := make([]DiscoveredFile, 0, len(dirs))
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names, err := testlist.FindTestFunctions(filepath.Join(h.module.Root, filepath.FromSlash(dir)))
		if err != nil {
			// go test reports the same problem as a package failure.
			h.log.Warn("Failed to list test functions", "package", dir, "err", err)
		}
		file := DiscoveredFile{Filename: dir}
		for _, name := range names {
			file.Tests = append(file.Tests, types.NewTestRef(dir, name))
		}
		files = append(files, file)
	}
	return files, nil
}

// Execute runs the packages of an invocation concurrently and delivers their
// events to sink one at a time
func (h *GoTestHost) Execute(ctx context.Context, inv Invocation, sink EventSink) error {
	var mu sync.Mutex
	serial := EventSinkFunc(func(ev types.TestEvent) error {
		mu.Lock()
		defer mu.Unlock()
		return sink.Handle(ev)
	})

	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for _, pkg := range inv.Packages {
		g.Go(func() error {
			return h.runPackage(ctx, inv.Generation, pkg, serial)
		})
	}
	return g.Wait()
}

func (h *GoTestHost) runPackage(ctx context.Context, generation int, pkg PackageInvocation, sink EventSink) error {
	args := h.buildTestArgs(pkg)
	cmd := h.cmdBuilder(ctx, h.goBinary, args...)
	cmd.Dir = h.module.Root
	cmd.Env = append(os.Environ(), h.env...)
	if len(pkg.SkipEntries) > 0 {
		value, err := quarantinetest.Encode(pkg.SkipEntries)
		if err != nil {
			return err
		}
		cmd.Env = append(cmd.Env, quarantinetest.EnvVar+"="+value)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to capture go test output for %s: %w", pkg.Filename, err)
	}

	h.log.Info("Running tests", "package", pkg.Filename, "generation", generation)
	h.log.Debug("Running test command", "dir", cmd.Dir, "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start go test for %s: %w", pkg.Filename, err)
	}

	parser := newGoTestParser(pkg.Filename, generation, sink, h.log)
	parseErr := parser.Parse(stdout)
	if parseErr != nil {
		// Keep go test from blocking on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	runErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if parseErr != nil {
		h.log.Warn("Failed to read go test output", "package", pkg.Filename, "err", parseErr)
	}
	exitFailed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return fmt.Errorf("go test failed for %s: %w", pkg.Filename, runErr)
		}
		exitFailed = true
	}
	parser.Finish(stderr.String(), exitFailed)
	return nil
}

func (h *GoTestHost) buildTestArgs(pkg PackageInvocation) []string {
	args := []string{TestCommand, JSONFlag, CountFlag, DisableCacheCount}

	if h.timeout > 0 {
		args = append(args, TimeoutFlag, h.timeout.String())
	}

	args = append(args, packageArg(pkg.Filename))

	if pkg.Run != "" {
		args = append(args, RunFlag, pkg.Run)
	}
	if pkg.Skip != "" {
		args = append(args, SkipFlag, pkg.Skip)
	}
	return args
}

func packageArg(filename string) string {
	if filename == "" || filename == CurrentDirPattern {
		return CurrentDirPattern
	}
	return "./" + filename
}
