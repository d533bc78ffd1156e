package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-quarantine/quarantinetest"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
)

const (
	// maxFailureLines is the number of trailing output lines kept as the
	// failure message of an attempt
	maxFailureLines = 200

	maxLineSize = 16 * 1024 * 1024
)

// GoTestEvent is a single event of `go test -json` output
type GoTestEvent struct {
	Time        time.Time // Time the event occurred
	Action      string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package     string    // The package being tested
	Test        string    // The test name (empty for package events)
	Elapsed     float64   // Elapsed time in seconds for pass/fail/skip
	Output      string    // Output text (may be empty)
	FailedBuild string    // Package that failed to build, if any
}

type testState struct {
	running bool
	started time.Time
	output  []string
}

// goTestParser converts the test2json stream of one package into events for
// a single attempt index
type goTestParser struct {
	filename string
	attempt  int
	sink     EventSink
	log      log.Logger

	tests      map[string]*testState
	pkgOutput  []string
	testFailed bool
	pkgFailed  bool
	// crashed is set once the binary printed a panic or fatal runtime error
	crashed bool
}

func newGoTestParser(filename string, attempt int, sink EventSink, logger log.Logger) *goTestParser {
	return &goTestParser{
		filename: filename,
		attempt:  attempt,
		sink:     sink,
		log:      logger,
		tests:    make(map[string]*testState),
	}
}

// Parse consumes the stream until EOF. Lines that are not test2json events
// are kept as package output.
func (p *goTestParser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev GoTestEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Action == "" {
			p.pkgOutput = append(p.pkgOutput, string(line))
			p.crashed = p.crashed || isCrashLine(string(line))
			continue
		}
		p.handle(ev)
	}
	return scanner.Err()
}

func (p *goTestParser) emit(ev types.TestEvent) {
	if err := p.sink.Handle(ev); err != nil {
		p.log.Warn("Failed to deliver test event", "file", p.filename, "err", err)
	}
}

func (p *goTestParser) state(test string) *testState {
	s, ok := p.tests[test]
	if !ok {
		s = &testState{}
		p.tests[test] = s
	}
	return s
}

func (p *goTestParser) handle(ev GoTestEvent) {
	if ev.Test == "" {
		p.handlePackageEvent(ev)
		return
	}
	ref, err := types.RefFromGoTestName(p.filename, ev.Test)
	if err != nil {
		p.log.Debug("Ignoring event with invalid test name", "test", ev.Test, "err", err)
		return
	}

	switch ev.Action {
	case ActionRun:
		s := p.state(ev.Test)
		s.running = true
		s.started = ev.Time
		p.emit(types.TestDiscovered{Ref: ref})
		p.emit(types.AttemptStarted{Ref: ref, Attempt: p.attempt, StartedAt: ev.Time})
	case ActionOutput:
		s := p.state(ev.Test)
		s.output = append(s.output, ev.Output)
		p.crashed = p.crashed || isCrashLine(ev.Output)
	case ActionPass, ActionFail:
		s := p.state(ev.Test)
		delete(p.tests, ev.Test)
		duration := time.Duration(ev.Elapsed * float64(time.Second))
		started := s.started
		if started.IsZero() && !ev.Time.IsZero() {
			started = ev.Time.Add(-duration)
		}
		finished := types.AttemptFinished{
			Ref:       ref,
			Attempt:   p.attempt,
			Outcome:   types.OutcomePass,
			StartedAt: started,
			Duration:  duration,
		}
		if ev.Action == ActionFail {
			p.testFailed = true
			finished.Outcome = types.OutcomeFail
			if msg := failureMessage(s.output); msg != "" {
				finished.Errors = []types.FailureRecord{{Message: msg}}
			}
		}
		p.emit(finished)
	case ActionSkip:
		s := p.state(ev.Test)
		delete(p.tests, ev.Test)
		reason := types.SkipExplicit
		if containsLine(s.output, quarantinetest.SkipMessage) {
			reason = types.SkipQuarantine
		}
		p.emit(types.TestSkipped{Ref: ref, Reason: reason})
	}
}

func (p *goTestParser) handlePackageEvent(ev GoTestEvent) {
	switch ev.Action {
	case ActionOutput, "build-output":
		p.pkgOutput = append(p.pkgOutput, ev.Output)
		p.crashed = p.crashed || isCrashLine(ev.Output)
	case ActionFail, "build-fail":
		p.pkgFailed = true
	}
}

// Finish reports what the stream alone cannot tell. exitFailed is set when
// the go test process exited with an error. A binary that exited early fails
// the tests still running and reports a PackageCrashed, so the orchestrator
// can retry the tests that never started. A failure no test accounts for is
// reported as PackageFailed.
func (p *goTestParser) Finish(stderr string, exitFailed bool) {
	if !exitFailed && !p.pkgFailed {
		return
	}
	output := p.packageOutput(stderr)
	if exitFailed {
		interrupted := p.failUnfinished(output)
		if p.crashed || interrupted > 0 {
			p.emit(types.PackageCrashed{Filename: p.filename, Attempt: p.attempt, Output: output})
		}
	}
	if p.testFailed {
		return
	}
	p.emit(types.PackageFailed{Filename: p.filename, Output: output})
}

// failUnfinished reports a failed attempt for every test that started but
// never finished, parents after their subtests
func (p *goTestParser) failUnfinished(pkgOutput string) int {
	var names []string
	for name, s := range p.tests {
		if s.running {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] > names[j] })
	for _, name := range names {
		s := p.tests[name]
		delete(p.tests, name)
		ref, err := types.RefFromGoTestName(p.filename, name)
		if err != nil {
			continue
		}
		msg := failureMessage(s.output)
		if msg == "" {
			msg = pkgOutput
		}
		if msg != "" {
			msg += "\n"
		}
		p.testFailed = true
		p.emit(types.AttemptFinished{
			Ref:       ref,
			Attempt:   p.attempt,
			Outcome:   types.OutcomeFail,
			StartedAt: s.started,
			Errors:    []types.FailureRecord{{Message: msg + "test binary exited before the test finished"}},
		})
	}
	return len(names)
}

func (p *goTestParser) packageOutput(stderr string) string {
	output := cleanOutput(p.pkgOutput, 0)
	if stderr = strings.TrimSpace(stripansi.Strip(stderr)); stderr != "" {
		if output != "" {
			output += "\n"
		}
		output += stderr
	}
	return output
}

// Failed reports whether any test or the package itself failed
func (p *goTestParser) Failed() bool {
	return p.testFailed || p.pkgFailed
}

// failureMessage extracts what a test printed, without the framing lines
// go test adds around it
func failureMessage(output []string) string {
	return cleanOutput(output, maxFailureLines)
}

func cleanOutput(output []string, maxLines int) string {
	var lines []string
	for _, chunk := range output {
		for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
			if isFramingLine(line) {
				continue
			}
			lines = append(lines, strings.TrimRight(stripansi.Strip(line), " \t\r"))
		}
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func isFramingLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS:", "--- FAIL:", "--- SKIP:"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return trimmed == "PASS" || trimmed == "FAIL"
}

// isCrashLine matches the first line go prints when a test binary dies: an
// unrecovered panic (including test timeouts) or a fatal runtime error
func isCrashLine(output string) bool {
	line := strings.TrimSpace(stripansi.Strip(output))
	return strings.HasPrefix(line, "panic: ") || strings.HasPrefix(line, "fatal error: ")
}

func containsLine(output []string, needle string) bool {
	for _, chunk := range output {
		if strings.Contains(chunk, needle) {
			return true
		}
	}
	return false
}
