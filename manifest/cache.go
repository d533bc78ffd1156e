// Package manifest caches the backend's list of quarantined tests for the
// duration of a run.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum-optimism/infra/op-quarantine/metrics"
	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
)

// Fetcher retrieves the quarantine manifest from the backend
type Fetcher interface {
	GetQuarantinedTests(ctx context.Context) (*types.ManifestResponse, error)
}

// FetchError is returned when the manifest could not be retrieved. The cache
// is unavailable afterwards and treats every test as not quarantined.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch quarantine manifest: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Entry is a quarantined test held by the cache
type Entry struct {
	TestID string
	Ref    types.TestRef
}

type state int

const (
	stateNotFetched state = iota
	stateAvailable
	stateUnavailable
)

// Cache answers quarantine membership queries from a manifest fetched at
// most once per run.
type Cache struct {
	fetcher Fetcher
	log     log.Logger

	once     sync.Once
	state    state
	fetchErr error

	exact     map[string]string  // backend ref key -> test id
	truncated map[string][]Entry // file -> entries whose last component hit the length cap
	byFile    map[string][]Entry
	count     int
}

// NewCache creates a cache backed by fetcher. A nil fetcher means quarantine
// is disabled: the manifest is empty and always available.
func NewCache(fetcher Fetcher, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.New()
	}
	return &Cache{
		fetcher: fetcher,
		log:     logger.New("component", "manifest"),
	}
}

// NewStaticCache creates an already populated cache
func NewStaticCache(entries []types.ManifestEntry, logger log.Logger) *Cache {
	c := NewCache(nil, logger)
	c.once.Do(func() {
		c.load(entries)
	})
	return c
}

// Fetch retrieves the manifest on first call. Later calls return the result
// of the first one without contacting the backend again.
func (c *Cache) Fetch(ctx context.Context) error {
	c.once.Do(func() {
		if c.fetcher == nil {
			c.load(nil)
			return
		}
		resp, err := c.fetcher.GetQuarantinedTests(ctx)
		if err == nil && resp == nil {
			err = fmt.Errorf("empty manifest response")
		}
		if err != nil {
			c.fetchErr = &FetchError{Err: err}
			c.state = stateUnavailable
			c.log.Warn("Quarantine manifest unavailable, no tests will be quarantined", "err", err)
			metrics.RecordManifestFetch(false, 0)
			return
		}
		c.load(resp.QuarantinedTests)
		c.log.Info("Fetched quarantine manifest", "quarantined_tests", c.count)
		metrics.RecordManifestFetch(true, c.count)
	})
	return c.fetchErr
}

func (c *Cache) load(entries []types.ManifestEntry) {
	c.exact = make(map[string]string, len(entries))
	c.truncated = make(map[string][]Entry)
	c.byFile = make(map[string][]Entry)
	for _, e := range entries {
		if len(e.Name) == 0 {
			c.log.Warn("Ignoring manifest entry without name", "test_id", e.TestID, "filename", e.Filename)
			continue
		}
		entry := Entry{TestID: e.TestID, Ref: e.Ref()}
		c.exact[entry.Ref.Key()] = e.TestID
		c.byFile[entry.Ref.Filename] = append(c.byFile[entry.Ref.Filename], entry)
		if types.IsTruncatedComponent(entry.Ref.Title()) {
			c.truncated[entry.Ref.Filename] = append(c.truncated[entry.Ref.Filename], entry)
		}
	}
	c.count = len(c.exact)
	c.state = stateAvailable
}

// Available reports whether the manifest was fetched successfully
func (c *Cache) Available() bool {
	return c.state == stateAvailable
}

// Err returns the fetch error, if any
func (c *Cache) Err() error {
	return c.fetchErr
}

// Len returns the number of quarantined tests
func (c *Cache) Len() int {
	if !c.Available() {
		return 0
	}
	return c.count
}

// IsQuarantined reports whether ref is listed in the manifest. It always
// returns false while the manifest is unavailable.
func (c *Cache) IsQuarantined(ref types.TestRef) bool {
	_, ok := c.TestID(ref)
	return ok
}

// TestID returns the backend id of a quarantined test
func (c *Cache) TestID(ref types.TestRef) (string, bool) {
	if !c.Available() || len(ref.TitlePath) == 0 {
		return "", false
	}
	backendRef := ref.BackendRef()
	if id, ok := c.exact[backendRef.Key()]; ok {
		return id, true
	}
	for _, entry := range c.truncated[ref.Filename] {
		if prefixMatch(entry.Ref, ref, backendRef) {
			return entry.TestID, true
		}
	}
	return "", false
}

// prefixMatch matches an entry whose last component was truncated by the
// backend. All other components must match exactly.
func prefixMatch(entry, ref, backendRef types.TestRef) bool {
	if len(entry.TitlePath) != len(backendRef.TitlePath) {
		return false
	}
	last := len(entry.TitlePath) - 1
	for i := 0; i < last; i++ {
		if entry.TitlePath[i] != backendRef.TitlePath[i] {
			return false
		}
	}
	// Compare against the untruncated component.
	return strings.HasPrefix(ref.TitlePath[last], entry.TitlePath[last])
}

// EntriesForFile returns the quarantined tests of a file
func (c *Cache) EntriesForFile(filename string) []Entry {
	if !c.Available() {
		return nil
	}
	return append([]Entry(nil), c.byFile[filename]...)
}

// FileFetcher reads a manifest from a local JSON file with the same shape as
// the backend response. It stands in for the backend when running offline.
type FileFetcher struct {
	Path string
}

func (f FileFetcher) GetQuarantinedTests(_ context.Context) (*types.ManifestResponse, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	var resp types.ManifestResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse manifest file %s: %w", f.Path, err)
	}
	return &resp, nil
}
