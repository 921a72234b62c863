package srtmcache_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/srtmcache"
)

// Concurrent calls within one process must collapse into a single
// download+extract cycle.
func Test_Cache_EnsureTile_Fetches_Once_Across_Concurrent_Goroutines(t *testing.T) {
	t.Parallel()

	const callers = 8

	dir := t.TempDir()
	fetcher := &stubFetcher{
		onFetch: func(ctx context.Context, dst, srcURL string) error {
			// Widen the race window.
			time.Sleep(50 * time.Millisecond)

			return os.WriteFile(dst, []byte("archive bytes"), 0o644)
		},
	}
	extractor := &stubExtractor{}
	cache := newStubbedCache(t, dir, fetcher, extractor)

	var wg sync.WaitGroup

	outcomes := make(chan srtmcache.Outcome, callers)
	errs := make(chan error, callers)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := cache.EnsureTile(context.Background(), "srtm_41_03")
			if err != nil {
				errs <- err
				return
			}
			outcomes <- outcome
		}()
	}

	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		t.Fatalf("EnsureTile: %v", err)
	}

	for outcome := range outcomes {
		require.Contains(t, []srtmcache.Outcome{srtmcache.OutcomeDownloaded, srtmcache.OutcomeCached}, outcome)
	}

	require.Equal(t, 1, fetcher.callCount(), "concurrent callers must share one fetch")
	require.Equal(t, 1, extractor.callCount())
}

// Two independent Cache instances sharing one directory stand in for two
// processes: the file locks alone must serialize them, and the loser must
// short-circuit after the winner populates the cache.
func Test_Cache_EnsureTile_Fetches_Once_Across_Instances_Sharing_A_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	slowFetch := func(ctx context.Context, dst, srcURL string) error {
		time.Sleep(50 * time.Millisecond)

		return os.WriteFile(dst, []byte("archive bytes"), 0o644)
	}

	fetcherA := &stubFetcher{onFetch: slowFetch}
	fetcherB := &stubFetcher{onFetch: slowFetch}
	cacheA := newStubbedCache(t, dir, fetcherA, &stubExtractor{})
	cacheB := newStubbedCache(t, dir, fetcherB, &stubExtractor{})

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

	got := []string{results[0].String(), results[1].String()}
	sort.Strings(got)
	require.Equal(t, []string{"cached", "downloaded"}, got)

	require.Equal(t, 1, fetcherA.callCount()+fetcherB.callCount(),
		"exactly one fetch across both instances")
}

// A reader that sees the artifact while the writer is still mid-extraction
// must block on the extract lock and only return once the write finished.
func Test_Cache_EnsureTile_Reader_Blocks_Until_Writer_Finishes_Artifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths := srtmcache.PathsFor(dir, "srtm_41_03")

	started := make(chan struct{})
	resume := make(chan struct{})

	writerExtractor := &stubExtractor{
		onExtract: func(archivePath, member, targetDir string) error {
			artifact := filepath.Join(targetDir, member)

			if err := os.WriteFile(artifact, []byte("partial"), 0o644); err != nil {
				return err
			}

			close(started)
			<-resume

			return os.WriteFile(artifact, []byte("complete raster"), 0o644)
		},
	}

	writer := newStubbedCache(t, dir, &stubFetcher{payload: []byte("archive")}, writerExtractor)
	reader := newStubbedCache(t, dir, &stubFetcher{}, &stubExtractor{})

	writerDone := make(chan error, 1)

	go func() {
		_, err := writer.EnsureTile(context.Background(), "srtm_41_03")
		writerDone <- err
	}()

	<-started

	readerDone := make(chan srtmcache.Outcome, 1)
	readerErr := make(chan error, 1)

	go func() {
		outcome, err := reader.EnsureTile(context.Background(), "srtm_41_03")
		if err != nil {
			readerErr <- err
			return
		}
		readerDone <- outcome
	}()

	select {
	case outcome := <-readerDone:
		t.Fatalf("reader returned %v while the artifact was still being written", outcome)
	case err := <-readerErr:
		t.Fatalf("reader EnsureTile: %v", err)
	case <-time.After(150 * time.Millisecond):
		// Blocked on the extract lock, as it should be.
	}

	close(resume)

	require.NoError(t, <-writerDone)

	select {
	case outcome := <-readerDone:
		require.Equal(t, srtmcache.OutcomeCached, outcome)
	case err := <-readerErr:
		t.Fatalf("reader EnsureTile after writer finished: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader still blocked after the writer released its locks")
	}

	got, err := os.ReadFile(paths.Artifact)
	require.NoError(t, err)
	require.Equal(t, "complete raster", string(got), "reader must never observe a partial artifact")
}
