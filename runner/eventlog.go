package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
)

// Event log record types
const (
	EventTestDiscovered  = "test_discovered"
	EventAttemptStarted  = "attempt_started"
	EventAttemptFinished = "attempt_finished"
	EventHookFailed      = "hook_failed"
	EventTestSkipped     = "test_skipped"
	EventPackageFailed   = "package_failed"
	EventPackageCrashed  = "package_crashed"
	EventRunAborted      = "run_aborted"
)

// EventRecord is one line of an NDJSON event log
type EventRecord struct {
	Type       string                `json:"type"`
	Filename   string                `json:"filename,omitempty"`
	Name       []string              `json:"name,omitempty"`
	Attempt    int                   `json:"attempt"`
	Outcome    types.Outcome         `json:"outcome,omitempty"`
	StartTime  time.Time             `json:"start_time,omitzero"`
	DurationMs int64                 `json:"duration_ms,omitempty"`
	Errors     []types.FailureRecord `json:"errors,omitempty"`
	HookTitle  string                `json:"hook_title,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Output     string                `json:"output,omitempty"`
}

// EncodeEvent converts an event into its log record
func EncodeEvent(ev types.TestEvent) (EventRecord, error) {
	switch e := ev.(type) {
	case types.TestDiscovered:
		return EventRecord{Type: EventTestDiscovered, Filename: e.Ref.Filename, Name: e.Ref.TitlePath}, nil
	case types.AttemptStarted:
		return EventRecord{Type: EventAttemptStarted, Filename: e.Ref.Filename, Name: e.Ref.TitlePath,
			Attempt: e.Attempt, StartTime: e.StartedAt}, nil
	case types.AttemptFinished:
		return EventRecord{Type: EventAttemptFinished, Filename: e.Ref.Filename, Name: e.Ref.TitlePath,
			Attempt: e.Attempt, Outcome: e.Outcome, StartTime: e.StartedAt,
			DurationMs: e.Duration.Milliseconds(), Errors: e.Errors}, nil
	case types.HookFailed:
		return EventRecord{Type: EventHookFailed, Filename: e.Filename, HookTitle: e.HookTitle,
			Attempt: e.Attempt, StartTime: e.StartedAt, DurationMs: e.Duration.Milliseconds(),
			Errors: []types.FailureRecord{e.Error}}, nil
	case types.TestSkipped:
		return EventRecord{Type: EventTestSkipped, Filename: e.Ref.Filename, Name: e.Ref.TitlePath,
			Reason: string(e.Reason)}, nil
	case types.PackageFailed:
		return EventRecord{Type: EventPackageFailed, Filename: e.Filename, Output: e.Output}, nil
	case types.PackageCrashed:
		return EventRecord{Type: EventPackageCrashed, Filename: e.Filename, Attempt: e.Attempt, Output: e.Output}, nil
	case types.RunAborted:
		return EventRecord{Type: EventRunAborted, Reason: e.Reason}, nil
	default:
		return EventRecord{}, fmt.Errorf("unsupported test event %T", ev)
	}
}

// DecodeEvent converts a log record into an event, normalizing the test
// identity it carries
func DecodeEvent(r EventRecord) (types.TestEvent, error) {
	ref := func() (types.TestRef, error) {
		ref, err := types.NormalizeRef(r.Filename, r.Name)
		if err != nil {
			return types.TestRef{}, fmt.Errorf("%s record in %s: %w", r.Type, r.Filename, err)
		}
		return ref, nil
	}
	duration := time.Duration(r.DurationMs) * time.Millisecond

	switch r.Type {
	case EventTestDiscovered:
		ref, err := ref()
		if err != nil {
			return nil, err
		}
		return types.TestDiscovered{Ref: ref}, nil
	case EventAttemptStarted:
		ref, err := ref()
		if err != nil {
			return nil, err
		}
		return types.AttemptStarted{Ref: ref, Attempt: r.Attempt, StartedAt: r.StartTime}, nil
	case EventAttemptFinished:
		ref, err := ref()
		if err != nil {
			return nil, err
		}
		switch r.Outcome {
		case types.OutcomePass, types.OutcomeFail, types.OutcomePending:
		default:
			return nil, fmt.Errorf("invalid outcome %q for %s", r.Outcome, ref)
		}
		return types.AttemptFinished{Ref: ref, Attempt: r.Attempt, Outcome: r.Outcome,
			StartedAt: r.StartTime, Duration: duration, Errors: r.Errors}, nil
	case EventHookFailed:
		if r.HookTitle == "" {
			return nil, fmt.Errorf("hook_failed record in %s without hook title", r.Filename)
		}
		var failure types.FailureRecord
		if len(r.Errors) > 0 {
			failure = r.Errors[0]
		}
		return types.HookFailed{Filename: types.NormalizeFilename(r.Filename), HookTitle: r.HookTitle,
			Attempt: r.Attempt, StartedAt: r.StartTime, Duration: duration, Error: failure}, nil
	case EventTestSkipped:
		ref, err := ref()
		if err != nil {
			return nil, err
		}
		return types.TestSkipped{Ref: ref, Reason: types.SkipReason(r.Reason)}, nil
	case EventPackageFailed:
		return types.PackageFailed{Filename: types.NormalizeFilename(r.Filename), Output: r.Output}, nil
	case EventPackageCrashed:
		return types.PackageCrashed{Filename: types.NormalizeFilename(r.Filename), Attempt: r.Attempt, Output: r.Output}, nil
	case EventRunAborted:
		return types.RunAborted{Reason: r.Reason}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", r.Type)
	}
}

// EventLogWriter appends events to an NDJSON log
type EventLogWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEventLogWriter creates a writer on w
func NewEventLogWriter(w io.Writer) *EventLogWriter {
	return &EventLogWriter{enc: json.NewEncoder(w)}
}

// Handle writes one event
func (w *EventLogWriter) Handle(ev types.TestEvent) error {
	record, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(record)
}

var _ Host = (*EventLogHost)(nil)

// EventLogHost replays an event log recorded by a host that retries tests on
// its own. It cannot execute tests again, so only generation 0 produces
// events.
type EventLogHost struct {
	open func() (io.ReadCloser, error)
	log  log.Logger

	once   sync.Once
	events []types.TestEvent
	err    error
}

// NewEventLogHost replays the log at path ("-" reads stdin)
func NewEventLogHost(path string, logger log.Logger) *EventLogHost {
	return newEventLogHost(func() (io.ReadCloser, error) {
		if path == "-" {
			return io.NopCloser(os.Stdin), nil
		}
		return os.Open(path)
	}, logger)
}

// NewEventLogHostFromReader replays the log read from r
func NewEventLogHostFromReader(r io.Reader, logger log.Logger) *EventLogHost {
	return newEventLogHost(func() (io.ReadCloser, error) {
		return io.NopCloser(r), nil
	}, logger)
}

func newEventLogHost(open func() (io.ReadCloser, error), logger log.Logger) *EventLogHost {
	if logger == nil {
		logger = log.New()
	}
	return &EventLogHost{open: open, log: logger.New("component", "eventlog")}
}

func (h *EventLogHost) load() ([]types.TestEvent, error) {
	h.once.Do(func() {
		rc, err := h.open()
		if err != nil {
			h.err = fmt.Errorf("failed to open event log: %w", err)
			return
		}
		defer func() { _ = rc.Close() }()

		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		line := 0
		for scanner.Scan() {
			line++
			data := scanner.Bytes()
			if len(bytes.TrimSpace(data)) == 0 {
				continue
			}
			var record EventRecord
			if err := json.Unmarshal(data, &record); err != nil {
				h.err = fmt.Errorf("invalid event log line %d: %w", line, err)
				return
			}
			ev, err := DecodeEvent(record)
			if err != nil {
				h.log.Warn("Skipping invalid event", "line", line, "err", err)
				continue
			}
			h.events = append(h.events, ev)
		}
		if err := scanner.Err(); err != nil {
			h.err = fmt.Errorf("failed to read event log: %w", err)
		}
	})
	return h.events, h.err
}

// Discover returns the files that appear in the log
func (h *EventLogHost) Discover(ctx context.Context) ([]DiscoveredFile, error) {
	events, err := h.load()
	if err != nil {
		return nil, err
	}
	var files []DiscoveredFile
	seen := make(map[string]bool)
	add := func(filename string) {
		if !seen[filename] {
			seen[filename] = true
			files = append(files, DiscoveredFile{Filename: filename})
		}
	}
	for _, ev := range events {
		switch e := ev.(type) {
		case types.TestDiscovered:
			add(e.Ref.Filename)
		case types.AttemptStarted:
			add(e.Ref.Filename)
		case types.AttemptFinished:
			add(e.Ref.Filename)
		case types.TestSkipped:
			add(e.Ref.Filename)
		case types.HookFailed:
			add(e.Filename)
		case types.PackageFailed:
			add(e.Filename)
		case types.PackageCrashed:
			add(e.Filename)
		}
	}
	return files, nil
}

// Execute replays the log for generation 0 and does nothing afterwards
func (h *EventLogHost) Execute(ctx context.Context, inv Invocation, sink EventSink) error {
	if inv.Generation > 0 {
		h.log.Info("Event log cannot re-run tests, retries are left to the recording host", "generation", inv.Generation)
		return nil
	}
	events, err := h.load()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.Handle(ev); err != nil {
			return err
		}
	}
	return nil
}
