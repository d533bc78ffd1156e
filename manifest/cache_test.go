package manifest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum-optimism/infra/op-quarantine/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	resp  *types.ManifestResponse
	err   error
}

func (f *fakeFetcher) GetQuarantinedTests(context.Context) (*types.ManifestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

func discard() log.Logger {
	return discard()
}

func TestCache_ExactMatch(t *testing.T) {
	fetcher := &fakeFetcher{resp: &types.ManifestResponse{QuarantinedTests: []types.ManifestEntry{
		{TestID: "t1", Filename: "pkg/foo", Name: []string{"TestFoo", "case 1"}},
		{TestID: "t2", Filename: "./pkg/bar", Name: []string{"TestBar"}},
		{TestID: "t3", Filename: "pkg/bar"},
	}}}
	c := NewCache(fetcher, discard())
	require.NoError(t, c.Fetch(context.Background()))
	require.NoError(t, c.Fetch(context.Background()))
	assert.Equal(t, 1, fetcher.calls)

	assert.True(t, c.Available())
	assert.Equal(t, 2, c.Len(), "entries without a name are ignored")

	id, ok := c.TestID(types.NewTestRef("pkg/foo", "TestFoo", "case   1"))
	require.True(t, ok)
	assert.Equal(t, "t1", id)
	assert.True(t, c.IsQuarantined(types.NewTestRef("pkg/bar", "TestBar")))

	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestFoo")), "parents are not quarantined by their subtests")
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestFoo", "case 1", "deeper")))
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/other", "TestBar")), "the file is part of the identity")
}

func TestCache_TruncatedNames(t *testing.T) {
	full := strings.Repeat("a", 5000)
	stored := full[:types.MaxNameComponentLength]
	c := NewStaticCache([]types.ManifestEntry{
		{TestID: "long", Filename: "pkg/foo", Name: []string{"TestLong", stored}},
	}, discard())

	id, ok := c.TestID(types.NewTestRef("pkg/foo", "TestLong", full))
	require.True(t, ok)
	assert.Equal(t, "long", id)
	assert.True(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestLong", stored)))
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestOther", full)))
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestLong", strings.Repeat("b", 5000))))
}

func TestCache_DeepNamesCompareOnBackendIdentity(t *testing.T) {
	path := []string{"TestDeep", "1", "2", "3", "4", "5", "6", "7", "8", "9"}
	c := NewStaticCache([]types.ManifestEntry{
		{TestID: "deep", Filename: "pkg/foo", Name: path[:types.MaxNameComponents]},
	}, discard())
	assert.True(t, c.IsQuarantined(types.NewTestRef("pkg/foo", path...)))
}

func TestCache_FetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	c := NewCache(fetcher, discard())

	err := c.Fetch(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorContains(t, err, "connection refused")
	require.Error(t, c.Fetch(context.Background()))
	assert.Equal(t, 1, fetcher.calls, "a failed fetch is not retried")

	assert.False(t, c.Available())
	assert.Zero(t, c.Len())
	assert.Equal(t, err, c.Err())
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestFoo")))
	assert.Nil(t, c.EntriesForFile("pkg/foo"))
}

func TestCache_EmptyResponse(t *testing.T) {
	c := NewCache(&fakeFetcher{}, discard())
	require.Error(t, c.Fetch(context.Background()))
	assert.False(t, c.Available())
}

func TestCache_Disabled(t *testing.T) {
	c := NewCache(nil, discard())
	require.NoError(t, c.Fetch(context.Background()))
	assert.True(t, c.Available())
	assert.Zero(t, c.Len())
	assert.False(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestFoo")))
}

func TestCache_EntriesForFile(t *testing.T) {
	c := NewStaticCache([]types.ManifestEntry{
		{TestID: "1", Filename: "pkg/foo", Name: []string{"TestA"}},
		{TestID: "2", Filename: "pkg/foo", Name: []string{"TestB", "sub"}},
		{TestID: "3", Filename: "pkg/bar", Name: []string{"TestC"}},
	}, discard())

	entries := c.EntriesForFile("pkg/foo")
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].TestID)
	assert.Equal(t, types.NewTestRef("pkg/foo", "TestB", "sub"), entries[1].Ref)

	entries[0].TestID = "changed"
	assert.Equal(t, "1", c.EntriesForFile("pkg/foo")[0].TestID)
	assert.Empty(t, c.EntriesForFile("pkg/none"))
}

func TestCache_ConcurrentFetch(t *testing.T) {
	fetcher := &fakeFetcher{resp: &types.ManifestResponse{}}
	c := NewCache(fetcher, discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Fetch(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fetcher.calls)
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"quarantined_tests":[{"test_id":"t1","filename":"pkg/foo","name":["TestFoo","sub"]}]}`), 0o644))

	c := NewCache(FileFetcher{Path: path}, discard())
	require.NoError(t, c.Fetch(context.Background()))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.IsQuarantined(types.NewTestRef("pkg/foo", "TestFoo", "sub")))

	t.Run("missing file", func(t *testing.T) {
		c := NewCache(FileFetcher{Path: filepath.Join(dir, "missing.json")}, discard())
		var fetchErr *FetchError
		require.ErrorAs(t, c.Fetch(context.Background()), &fetchErr)
		assert.False(t, c.Available())
	})

	t.Run("malformed file", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`[`), 0o644))
		c := NewCache(FileFetcher{Path: bad}, discard())
		require.ErrorContains(t, c.Fetch(context.Background()), "failed to parse manifest file")
	})
}
