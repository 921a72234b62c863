package srtmcache

import "path/filepath"

// Filesystem layout under the output directory, all derived from the tile id:
//
//	{tile}.zip       transient archive while a download is in flight
//	{tile}.tif       final artifact, write-once
//	{tile}_zip.lock  download lock, serializes fetch + archive write
//	{tile}_tif.lock  extract lock, guards artifact writes
const (
	archiveSuffix      = ".zip"
	artifactSuffix     = ".tif"
	downloadLockSuffix = "_zip.lock"
	extractLockSuffix  = "_tif.lock"
)

// TilePaths holds every path the cache derives for one tile.
type TilePaths struct {
	Archive      string
	Artifact     string
	DownloadLock string
	ExtractLock  string
}

// PathsFor derives the on-disk paths for a tile. The derivation is a pure
// function of the output directory and the tile id; no other state
// influences it.
func PathsFor(outputDir, tileID string) TilePaths {
	return TilePaths{
		Archive:      filepath.Join(outputDir, tileID+archiveSuffix),
		Artifact:     filepath.Join(outputDir, tileID+artifactSuffix),
		DownloadLock: filepath.Join(outputDir, tileID+downloadLockSuffix),
		ExtractLock:  filepath.Join(outputDir, tileID+extractLockSuffix),
	}
}

// MemberName returns the archive member holding the raster for a tile. Tile
// archives carry the raster under the tile's own name with a .tif extension.
func MemberName(tileID string) string {
	return tileID + artifactSuffix
}
