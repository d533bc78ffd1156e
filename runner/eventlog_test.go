package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLog_WriteAndReplay(t *testing.T) {
	flaky := types.NewTestRef("pkg/a", "TestFlaky")
	hooked := types.NewTestRef("pkg/a", "TestHooked")
	events := []types.TestEvent{
		types.TestDiscovered{Ref: flaky},
		types.AttemptStarted{Ref: flaky, Attempt: 0, StartedAt: t0},
		types.AttemptFinished{Ref: flaky, Attempt: 0, Outcome: types.OutcomeFail, StartedAt: t0, Duration: 1500 * time.Millisecond,
			Errors: []types.FailureRecord{{Message: "boom", Stack: "a_test.go:10"}}},
		types.AttemptFinished{Ref: flaky, Attempt: 1, Outcome: types.OutcomePass, StartedAt: t0.Add(time.Second), Duration: time.Second},
		types.HookFailed{Filename: "pkg/a", HookTitle: `"after each" hook for "TestHooked"`, Attempt: 0, StartedAt: t0,
			Error: types.FailureRecord{Message: "teardown failed"}},
		types.AttemptFinished{Ref: hooked, Attempt: 0, Outcome: types.OutcomePass, StartedAt: t0},
		types.TestSkipped{Ref: types.NewTestRef("pkg/b", "TestSkipped"), Reason: types.SkipExplicit},
		types.PackageFailed{Filename: "pkg/c", Output: "build failed"},
		types.PackageCrashed{Filename: "pkg/d", Attempt: 1, Output: "panic: boom"},
	}

	var buf bytes.Buffer
	w := NewEventLogWriter(&buf)
	for _, ev := range events {
		require.NoError(t, w.Handle(ev))
	}
	assert.Equal(t, len(events), strings.Count(buf.String(), "\n"))

	host := NewEventLogHostFromReader(&buf, log.NewLogger(log.DiscardHandler()))
	files, err := host.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []DiscoveredFile{{Filename: "pkg/a"}, {Filename: "pkg/b"}, {Filename: "pkg/c"}, {Filename: "pkg/d"}}, files)

	replayed := &eventCollector{}
	require.NoError(t, host.Execute(context.Background(), Invocation{Generation: 0}, replayed))
	assert.Equal(t, events, replayed.events)

	again := &eventCollector{}
	require.NoError(t, host.Execute(context.Background(), Invocation{Generation: 1}, again))
	assert.Empty(t, again.events, "retry generations replay nothing")
}

func TestEventLog_OrchestratedReplay(t *testing.T) {
	stream := `{"type":"attempt_finished","filename":"./pkg/a","name":["TestFlaky"],"attempt":0,"outcome":"fail","errors":[{"message":"boom"}]}
{"type":"attempt_finished","filename":"pkg/a","name":["TestFlaky"],"attempt":1,"outcome":"pass"}

{"type":"hook_failed","filename":"pkg/a","hook_title":"\"before each\" hook for \"TestBroken\"","attempt":0,"errors":[{"message":"setup failed"}]}
{"type":"attempt_finished","filename":"pkg/a","name":["TestBroken"],"attempt":0,"outcome":"pass"}
{"type":"attempt_finished","filename":"pkg/a","name":["  TestWeird   name "],"attempt":0,"outcome":"exploded"}
{"type":"mystery","filename":"pkg/a"}
`
	host := NewEventLogHostFromReader(strings.NewReader(stream), log.NewLogger(log.DiscardHandler()))
	res := runOrchestrator(t, host, nil, OrchestratorConfig{FailureRetries: 3})

	assert.Equal(t, types.VerdictFlaky, res.verdicts["TestFlaky"].Verdict)
	broken := res.verdicts["TestBroken"]
	assert.Equal(t, types.VerdictFail, broken.Verdict)
	require.Len(t, broken.Attempts, 1)
	assert.Equal(t, []string{"setup failed"}, messages(broken.Attempts[0]))
	_, ok := res.verdicts["TestWeird name"]
	assert.False(t, ok, "records with an invalid outcome are dropped")
}

func TestEventLog_MalformedLine(t *testing.T) {
	host := NewEventLogHostFromReader(strings.NewReader("{\"type\":\n"), log.NewLogger(log.DiscardHandler()))
	_, err := host.Discover(context.Background())
	require.ErrorContains(t, err, "invalid event log line 1")

	err = host.Execute(context.Background(), Invocation{}, &eventCollector{})
	require.Error(t, err)
}

func TestEventLog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"test_discovered","filename":"pkg/a","name":["TestA"]}`+"\n"), 0o644))

	host := NewEventLogHost(path, log.NewLogger(log.DiscardHandler()))
	files, err := host.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []DiscoveredFile{{Filename: "pkg/a"}}, files)

	_, err = NewEventLogHost(filepath.Join(t.TempDir(), "missing"), nil).Discover(context.Background())
	require.ErrorContains(t, err, "failed to open event log")
}

func TestDecodeEvent_Errors(t *testing.T) {
	_, err := DecodeEvent(EventRecord{Type: EventAttemptFinished, Filename: "pkg/a", Outcome: types.OutcomePass})
	require.ErrorIs(t, err, types.ErrEmptyTitlePath)

	_, err = DecodeEvent(EventRecord{Type: EventHookFailed, Filename: "pkg/a"})
	require.ErrorContains(t, err, "without hook title")

	_, err = EncodeEvent(nil)
	require.Error(t, err)
}
