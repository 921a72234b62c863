package srtmcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calvinalkan/srtmcache/internal/archive"
	"github.com/calvinalkan/srtmcache/internal/fetch"
	"github.com/calvinalkan/srtmcache/pkg/flock"
	"github.com/calvinalkan/srtmcache/pkg/logging"
)

// DefaultBaseURL is where tiles are fetched from unless WithBaseURL says
// otherwise: 5x5 degree SRTM GeoTIFF archives in a public S3 bucket.
const DefaultBaseURL = "https://srtm-dems.s3.amazonaws.com/srtm_5x5/TIFF"

const outputDirPerm = 0o755

// Fetcher downloads one remote blob to a local path. Implementations retry
// transient failures themselves; the cache never retries a failed fetch. On
// success the destination holds the complete blob; on failure the
// destination must not be trusted and should be absent.
//
// The default implementation fetches over HTTP and publishes the destination
// atomically.
type Fetcher interface {
	Fetch(ctx context.Context, dst, srcURL string) error
}

// Extractor extracts a single named member from a local archive into a
// directory, under the member's own name. A blob that is not a usable
// archive must surface as [ErrNotAValidArchive] (or [ErrMemberNotFound]);
// the cache reports those as OutcomeUnavailable rather than failing.
//
// ExtractMember is called while the cache holds the lock guarding the
// member's final path, so implementations may write it in place.
type Extractor interface {
	ExtractMember(archivePath, member, targetDir string) error
}

// Cache downloads, extracts, and caches elevation tiles in one shared output
// directory. Construct with [New]; the zero value is not usable.
//
// A Cache is safe for concurrent use, and any number of Cache instances in
// any number of processes may share the same output directory: all
// cross-process coordination runs through named file locks, not memory.
type Cache struct {
	dir       string
	baseURL   string
	fetcher   Fetcher
	extractor Extractor
	locker    flock.Locker
	log       logging.Logger
	metrics   *cacheMetrics
	group     singleflight.Group
}

// New returns a Cache rooted at outputDir, creating the directory if needed.
func New(outputDir string, opts ...Option) (*Cache, error) {
	if outputDir == "" {
		return nil, errors.New("output dir is empty")
	}

	c := &Cache{
		dir:     outputDir,
		baseURL: DefaultBaseURL,
		log:     logging.Nop(),
		metrics: newCacheMetrics(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.fetcher == nil {
		c.fetcher = fetch.NewHTTP()
	}

	if c.extractor == nil {
		c.extractor = archive.NewZip()
	}

	if c.locker == nil {
		c.locker = flock.New()
	}

	if err := os.MkdirAll(outputDir, outputDirPerm); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	return c, nil
}

// Dir returns the output directory the cache is rooted at.
func (c *Cache) Dir() string {
	return c.dir
}

// EnsureTile makes sure the final artifact for tileID exists under the
// output directory, downloading and extracting the tile archive if needed.
//
// Calling EnsureTile any number of times, from any number of goroutines or
// processes, for the same tile and output directory performs at most one
// download+extract cycle; everyone else short-circuits on the artifact check
// or blocks on a lock and then short-circuits.
//
// The returned Outcome says how the request was satisfied. OutcomeUnavailable
// is a normal result, not an error: the remote answered, but what it returned
// is not a tile archive. Fetch failures surface unchanged, so callers can
// test them with errors.Is against [ErrRetryExhausted] and
// [ErrConnectionFailed]. On any error no artifact exists for the tile and
// no locks stay held.
//
// ctx bounds the whole call, including time spent blocked on another
// process's locks.
func (c *Cache) EnsureTile(ctx context.Context, tileID string) (Outcome, error) {
	if tileID == "" {
		return OutcomeUnknown, ErrEmptyTileID
	}

	paths := PathsFor(c.dir, tileID)

	hit, err := c.fastPath(ctx, paths)
	if err != nil {
		return OutcomeUnknown, err
	}

	if hit {
		c.metrics.hits.Inc()
		c.log.Debug("tile already cached", "tile", tileID)

		return OutcomeCached, nil
	}

	// Collapse concurrent in-process requests for the same tile; the file
	// locks below still coordinate with other processes.
	v, err, _ := c.group.Do(tileID, func() (any, error) {
		return c.populate(ctx, tileID, paths)
	})
	if err != nil {
		return OutcomeUnknown, err
	}

	return v.(Outcome), nil
}

// fastPath reports whether the final artifact already exists. The artifact
// is write-once and only ever written under the extract lock, so existence
// alone is the cache-hit signal. If the extract lock file is still on disk
// the writer may be mid-write: acquiring and releasing the lock rendezvouses
// with it. Releasing a lock removes its file, so the steady-state hit takes
// no locks at all.
func (c *Cache) fastPath(ctx context.Context, paths TilePaths) (bool, error) {
	artifactPresent, err := fileExists(paths.Artifact)
	if err != nil {
		return false, fmt.Errorf("checking artifact: %w", err)
	}

	if !artifactPresent {
		return false, nil
	}

	lockPresent, err := fileExists(paths.ExtractLock)
	if err != nil {
		return false, fmt.Errorf("checking extract lock: %w", err)
	}

	if lockPresent {
		lock, err := c.locker.Acquire(ctx, paths.ExtractLock)
		if err != nil {
			return false, fmt.Errorf("awaiting extract lock: %w", err)
		}

		if err := lock.Release(); err != nil {
			return false, fmt.Errorf("releasing extract lock: %w", err)
		}
	}

	return true, nil
}

// populate is the write path: the locked download+extract cycle. The
// download lock serializes downloaders per tile; the extract lock guards the
// artifact write. Both are held at the extraction point, and the deferred
// releases drop the extract lock first, then the download lock.
func (c *Cache) populate(ctx context.Context, tileID string, paths TilePaths) (Outcome, error) {
	downloadLock, err := c.locker.Acquire(ctx, paths.DownloadLock)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("awaiting download lock: %w", err)
	}
	defer func() { _ = downloadLock.Release() }()

	// Another process may have completed the whole cycle while we waited.
	artifactPresent, err := fileExists(paths.Artifact)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("checking artifact: %w", err)
	}

	if artifactPresent {
		c.metrics.hits.Inc()
		c.log.Debug("tile cached while awaiting download lock", "tile", tileID)

		return OutcomeCached, nil
	}

	archivePresent, err := fileExists(paths.Archive)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("checking archive: %w", err)
	}

	if archivePresent {
		// A present archive is always complete: the fetcher publishes it
		// atomically. Reuse what an interrupted run left behind.
		c.log.Debug("reusing archive from interrupted run", "tile", tileID, "archive", paths.Archive)
	} else if err := c.fetchArchive(ctx, tileID, paths); err != nil {
		return OutcomeUnknown, err
	}

	extractLock, err := c.locker.Acquire(ctx, paths.ExtractLock)
	if err != nil {
		return OutcomeUnknown, fmt.Errorf("awaiting extract lock: %w", err)
	}
	defer func() { _ = extractLock.Release() }()

	outcome, extractErr := c.extractArtifact(tileID, paths)

	// The archive is transient: gone once extraction has been attempted,
	// whatever the result.
	if err := os.Remove(paths.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("removing archive", "tile", tileID, "err", err)
	}

	if extractErr != nil {
		return OutcomeUnknown, extractErr
	}

	switch outcome {
	case OutcomeDownloaded:
		c.metrics.downloads.Inc()
	case OutcomeUnavailable:
		c.metrics.unavailable.Inc()
	}

	return outcome, nil
}

func (c *Cache) fetchArchive(ctx context.Context, tileID string, paths TilePaths) error {
	srcURL, err := url.JoinPath(c.baseURL, tileID+archiveSuffix)
	if err != nil {
		return fmt.Errorf("building url for %s: %w", tileID, err)
	}

	c.log.Info("downloading tile", "tile", tileID, "url", srcURL)

	start := time.Now()

	if err := c.fetcher.Fetch(ctx, paths.Archive, srcURL); err != nil {
		c.metrics.fetchErrors.Inc()
		c.log.Error("download failed", "tile", tileID, "err", err)

		// Fetch failures pass through unchanged; retrying already happened
		// inside the fetcher.
		return err
	}

	c.metrics.fetchSeconds.Observe(time.Since(start).Seconds())

	return nil
}

// extractArtifact writes the final artifact while both locks are held. A
// blob that is not a valid archive, or lacks the raster member, means the
// remote has no data for this tile: a normal outcome, not an error.
func (c *Cache) extractArtifact(tileID string, paths TilePaths) (Outcome, error) {
	err := c.extractor.ExtractMember(paths.Archive, MemberName(tileID), c.dir)
	if err == nil {
		c.log.Info("tile extracted", "tile", tileID, "artifact", paths.Artifact)

		return OutcomeDownloaded, nil
	}

	// A failed extraction must not leave a half-written artifact claiming
	// to be a cache entry. The artifact did not exist when the download
	// lock was taken, so anything here came from this attempt.
	if removeErr := os.Remove(paths.Artifact); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		c.log.Warn("removing partial artifact", "tile", tileID, "err", removeErr)
	}

	if errors.Is(err, ErrNotAValidArchive) || errors.Is(err, ErrMemberNotFound) {
		c.log.Warn("tile unavailable", "tile", tileID, "reason", err)

		return OutcomeUnavailable, nil
	}

	return OutcomeUnknown, fmt.Errorf("extracting %s: %w", tileID, err)
}

// fileExists reports whether path exists. Stat errors other than
// os.ErrNotExist surface to the caller instead of counting as absence.
func fileExists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}
