// Package quarantinetest lets a test binary skip quarantined tests that the
// runner could not exclude with a -skip pattern.
//
// Call SkipIfQuarantined at the top of a test or subtest:
//
//	func TestFoo(t *testing.T) {
//		quarantinetest.SkipIfQuarantined(t)
//		...
//	}
package quarantinetest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	// EnvVar holds the JSON encoded skip list of the package under test
	EnvVar = "OP_QUARANTINE_SKIP_TESTS"
	// SkipMessage is logged by tests skipped because they are quarantined
	SkipMessage = "test is quarantined"
)

// Entry is a quarantined go test name split on "/". When Prefix is set, the
// last component only has to be a prefix of the running test's component.
type Entry struct {
	Name   []string `json:"name"`
	Prefix bool     `json:"prefix,omitempty"`
}

// Matches reports whether the go test name is covered by the entry
func (e Entry) Matches(testName string) bool {
	parts := strings.Split(testName, "/")
	if len(parts) != len(e.Name) || len(parts) == 0 {
		return false
	}
	last := len(parts) - 1
	for i := 0; i < last; i++ {
		if parts[i] != e.Name[i] {
			return false
		}
	}
	if e.Prefix {
		return strings.HasPrefix(parts[last], e.Name[last])
	}
	return parts[last] == e.Name[last]
}

// Encode serializes entries into the EnvVar value
func Encode(entries []Entry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode skip list: %w", err)
	}
	return string(data), nil
}

// Decode parses an EnvVar value
func Decode(value string) ([]Entry, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(value), &entries); err != nil {
		return nil, fmt.Errorf("invalid %s value: %w", EnvVar, err)
	}
	return entries, nil
}

// TB is the subset of testing.TB used by SkipIfQuarantined
type TB interface {
	Helper()
	Name() string
	Skipf(format string, args ...any)
	Logf(format string, args ...any)
}

var (
	loadOnce sync.Once
	loaded   []Entry
	loadErr  error
)

func fromEnv() ([]Entry, error) {
	loadOnce.Do(func() {
		loaded, loadErr = Decode(os.Getenv(EnvVar))
	})
	return loaded, loadErr
}

// SkipIfQuarantined skips t when the runner listed it as quarantined
func SkipIfQuarantined(t TB) {
	t.Helper()
	entries, err := fromEnv()
	if err != nil {
		t.Logf("ignoring quarantine skip list: %v", err)
		return
	}
	skipIfListed(t, entries)
}

func skipIfListed(t TB, entries []Entry) {
	t.Helper()
	name := t.Name()
	for _, e := range entries {
		if e.Matches(name) {
			t.Skipf(SkipMessage)
			return
		}
	}
}
