// Package runner tracks, retries and classifies test attempts.
//
// The main components are:
//   - Tracker: Merges host events into per-test attempt histories keyed by TestRef
//   - Classifier: Turns an attempt history into a verdict (pass, flaky, fail, quarantined-*, skipped)
//   - Orchestrator: Plans and drives retry generations through a Host
//   - GoTestHost: Runs `go test -json` per package and converts test2json output into events
//   - EventLogHost: Replays a recorded NDJSON event stream from hosts that retry in-process
//
// BuildVerdicts, Summarize and BuildTestRunRecords fold the tracker into the
// run summary and the backend upload payload.
package runner
