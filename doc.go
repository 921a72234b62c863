// Package srtmcache downloads SRTM elevation-tile archives, extracts the
// raster file from each, and caches the result on local disk so repeated
// requests for the same tile never touch the network again.
//
// # Basic Usage
//
//	cache, err := srtmcache.New("/var/cache/srtm")
//	if err != nil {
//	    // bad output directory
//	}
//
//	outcome, err := cache.EnsureTile(ctx, "srtm_41_03")
//	if err != nil {
//	    // transport failure; test with errors.Is against
//	    // [ErrRetryExhausted] / [ErrConnectionFailed]
//	}
//	// outcome is Cached, Downloaded, or Unavailable;
//	// on the first two, /var/cache/srtm/srtm_41_03.tif exists.
//
// # Cross-Process Coordination
//
// Any number of processes may share one output directory. Coordination runs
// entirely through named file locks (flock(2) by default, released by the
// kernel if a holder dies), so no central service and no shared memory are
// involved. Per tile the directory holds up to four files:
//
//	{tile}.zip       transient archive while a download is in flight
//	{tile}.tif       final artifact, write-once, the cache entry itself
//	{tile}_zip.lock  download lock
//	{tile}_tif.lock  extract lock
//
// A writer takes the download lock, re-checks the artifact, fetches the
// archive, then takes the extract lock to write the artifact, removes the
// archive, and releases both locks. The artifact is only ever written under
// the extract lock and never modified afterwards, so its existence alone is
// the cache-hit signal: readers stat the artifact, rendezvous on the extract
// lock only if its lock file is still on disk, and otherwise return without
// locking at all. Releasing a lock removes its file, which is what makes the
// steady-state hit lock-free.
//
// The double-check after the download lock guarantees at most one network
// transfer per tile per cache-population event, no matter how many processes
// race.
//
// # Outcomes vs Errors
//
// A remote blob that turns out not to be a valid archive marks the tile
// Unavailable: a normal, reportable outcome, not an error. Transport
// failures are errors; they surface unchanged from the fetcher after its own
// retries, with no partial state left behind.
package srtmcache
