package quarantine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-quarantine/exitcodes"
)

// exitCoder is implemented by errors that decide the process exit code
type exitCoder interface {
	ExitCode() int
}

// ExitCode maps an error returned by a run to a process exit code. Errors
// without an exit code of their own count as test failures.
func ExitCode(err error) int {
	if err == nil {
		return exitcodes.Success
	}
	var coder exitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return exitcodes.TestFailure
}

// RuntimeError is an operational failure unrelated to test results, such as a
// broken event log or a go binary that cannot be started
type RuntimeError struct {
	Stage string
	Err   error
}

func NewRuntimeError(stage string, err error) *RuntimeError {
	return &RuntimeError{Stage: stage, Err: err}
}

func (e *RuntimeError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("runtime error: %v", e.Err)
	}
	return fmt.Sprintf("runtime error during %s: %v", e.Stage, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func (e *RuntimeError) ExitCode() int {
	return exitcodes.RuntimeErr
}

// TestFailureError reports a run that failed because tests that are not
// quarantined failed, or because packages failed outside of any test
type TestFailureError struct {
	FailedTests    int
	FailedPackages int
}

func (e *TestFailureError) Error() string {
	var parts []string
	if e.FailedTests > 0 {
		parts = append(parts, fmt.Sprintf("%d test(s) failed", e.FailedTests))
	}
	if e.FailedPackages > 0 {
		parts = append(parts, fmt.Sprintf("%d package(s) failed", e.FailedPackages))
	}
	return "test failure: " + strings.Join(parts, ", ")
}

func (e *TestFailureError) ExitCode() int {
	return exitcodes.TestFailure
}

// ConfigError aborts a run before any test executes
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) ExitCode() int {
	return exitcodes.RuntimeErr
}
