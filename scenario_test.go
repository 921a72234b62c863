package srtmcache_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/srtmcache"
	"github.com/calvinalkan/srtmcache/internal/fetch"
)

// tileServer serves a small remote tile store:
//
//	srtm_41_03  valid archive holding srtm_41_03.tif
//	srtm_01_01  garbage bytes, not an archive
//	srtm_99_99  always answers 503
//
// Everything else is 404.
type tileServer struct {
	*httptest.Server

	zipRequests atomic.Int32
	overloaded  atomic.Int32
}

const tileContent = "elevation raster 41 03"

func newTileServer(t *testing.T) *tileServer {
	t.Helper()

	ts := &tileServer{}
	archive := validZip(t, "srtm_41_03.tif", tileContent)

	mux := http.NewServeMux()
	mux.HandleFunc("/srtm_41_03.zip", func(w http.ResponseWriter, r *http.Request) {
		ts.zipRequests.Add(1)
		_, _ = w.Write(archive)
	})
	mux.HandleFunc("/srtm_01_01.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>there is no tile here</html>"))
	})
	mux.HandleFunc("/srtm_99_99.zip", func(w http.ResponseWriter, r *http.Request) {
		ts.overloaded.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts
}

func validZip(t *testing.T, member, content string) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := zip.NewWriter(&buf)

	entry, err := w.Create(member)
	if err != nil {
		t.Fatalf("creating zip member: %v", err)
	}

	if _, err := entry.Write([]byte(content)); err != nil {
		t.Fatalf("writing zip member: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}

	return buf.Bytes()
}

// fastFetcher is the real HTTP fetcher with delays turned down for tests.
func fastFetcher() *fetch.HTTP {
	return fetch.NewHTTP(
		fetch.WithRetries(2),
		fetch.WithBackoff(time.Millisecond),
		fetch.WithMaxBackoff(5*time.Millisecond),
	)
}

func newLiveCache(t *testing.T, dir, baseURL string) *srtmcache.Cache {
	t.Helper()

	cache, err := srtmcache.New(dir,
		srtmcache.WithBaseURL(baseURL),
		srtmcache.WithFetcher(fastFetcher()),
	)
	require.NoError(t, err)

	return cache
}

// Empty directory, tile available remotely: first call downloads, second
// answers from disk without touching the network.
func Test_Cache_Downloads_Then_Caches_Against_Live_Server(t *testing.T) {
	t.Parallel()

	server := newTileServer(t)
	dir := t.TempDir()
	cache := newLiveCache(t, dir, server.URL)

	outcome, err := cache.EnsureTile(context.Background(), "srtm_41_03")
	require.NoError(t, err)
	require.Equal(t, srtmcache.OutcomeDownloaded, outcome)

	paths := srtmcache.PathsFor(dir, "srtm_41_03")

	got, err := os.ReadFile(paths.Artifact)
	require.NoError(t, err)
	require.Equal(t, tileContent, string(got))

	_, err = os.Stat(paths.Archive)
	require.ErrorIs(t, err, os.ErrNotExist)

	outcome, err = cache.EnsureTile(context.Background(), "srtm_41_03")
	require.NoError(t, err)
	require.Equal(t, srtmcache.OutcomeCached, outcome)

	require.EqualValues(t, 1, server.zipRequests.Load(), "the second call must not touch the network")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the artifact may remain, found %v", entries)
}

// Two instances over one directory race on an empty cache: one download on
// the wire, outcomes split into downloaded and cached.
func Test_Cache_Two_Instances_Racing_Produce_One_Download(t *testing.T) {
	t.Parallel()

	server := newTileServer(t)
	dir := t.TempDir()

	cacheA := newLiveCache(t, dir, server.URL)
	cacheB := newLiveCache(t, dir, server.URL)

	var wg sync.WaitGroup

	results := make([]srtmcache.Outcome, 2)
	errs := make([]error, 2)

	for i, cache := range []*srtmcache.Cache{cacheA, cacheB} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i], errs[i] = cache.EnsureTile(context.Background(), "srtm_41_03")
		}()
	}

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.EqualValues(t, 1, server.zipRequests.Load())

	got := []string{results[0].String(), results[1].String()}
	sort.Strings(got)
	require.Equal(t, []string{"cached", "downloaded"}, got)
}

// A remote blob that is not an archive marks the tile unavailable and leaves
// the directory clean.
func Test_Cache_Marks_Tile_Unavailable_When_Remote_Serves_Garbage(t *testing.T) {
	t.Parallel()

	server := newTileServer(t)
	dir := t.TempDir()
	cache := newLiveCache(t, dir, server.URL)

	outcome, err := cache.EnsureTile(context.Background(), "srtm_01_01")
	require.NoError(t, err)
	require.Equal(t, srtmcache.OutcomeUnavailable, outcome)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "an unavailable tile must leave nothing behind")
}

// A remote that keeps answering 503 exhausts the retry budget and surfaces
// a transport error, leaving the directory clean.
func Test_Cache_Surfaces_RetryExhausted_When_Remote_Keeps_Failing(t *testing.T) {
	t.Parallel()

	server := newTileServer(t)
	dir := t.TempDir()
	cache := newLiveCache(t, dir, server.URL)

	_, err := cache.EnsureTile(context.Background(), "srtm_99_99")
	require.ErrorIs(t, err, srtmcache.ErrRetryExhausted)
	require.EqualValues(t, 3, server.overloaded.Load(), "initial attempt plus two retries")

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	require.Empty(t, entries)
}

// An unknown tile is a terminal transport failure (404), not an unavailable
// outcome: the remote refused the request rather than serving a bad blob.
func Test_Cache_Surfaces_ConnectionFailed_When_Tile_Unknown_To_Remote(t *testing.T) {
	t.Parallel()

	server := newTileServer(t)
	cache := newLiveCache(t, t.TempDir(), server.URL)

	_, err := cache.EnsureTile(context.Background(), "srtm_77_77")
	require.ErrorIs(t, err, srtmcache.ErrConnectionFailed)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}

	return 0
}

func Test_Cache_Reports_Outcome_Metrics_Through_Registerer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	registry := prometheus.NewRegistry()

	fetcher := &stubFetcher{}
	extractor := &stubExtractor{}
	cache := newStubbedCache(t, dir, fetcher, extractor, srtmcache.WithRegisterer(registry))

	_, err := cache.EnsureTile(context.Background(), "srtm_41_03")
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, registry, "srtmcache_downloads_total"))

	_, err = cache.EnsureTile(context.Background(), "srtm_41_03")
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, registry, "srtmcache_hits_total"))

	extractor.mu.Lock()
	extractor.err = fmt.Errorf("%w: junk", srtmcache.ErrNotAValidArchive)
	extractor.mu.Unlock()

	_, err = cache.EnsureTile(context.Background(), "srtm_01_01")
	require.NoError(t, err)
	require.Equal(t, 1.0, counterValue(t, registry, "srtmcache_unavailable_total"))

	fetcher.mu.Lock()
	fetcher.err = fmt.Errorf("%w: boom", srtmcache.ErrConnectionFailed)
	fetcher.mu.Unlock()

	_, err = cache.EnsureTile(context.Background(), "srtm_99_99")
	require.ErrorIs(t, err, srtmcache.ErrConnectionFailed)
	require.Equal(t, 1.0, counterValue(t, registry, "srtmcache_fetch_errors_total"))
}
