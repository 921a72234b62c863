package srtmcache

import (
	"errors"

	"github.com/calvinalkan/srtmcache/internal/archive"
	"github.com/calvinalkan/srtmcache/internal/fetch"
)

// ErrEmptyTileID is returned when EnsureTile is called with an empty tile id.
var ErrEmptyTileID = errors.New("tile id is empty")

// Errors re-exported from the default Fetcher. EnsureTile propagates them
// unchanged, so callers can branch with errors.Is without importing internal
// packages. Custom Fetcher implementations should return these same values
// for the matching conditions.
var (
	// ErrRetryExhausted is returned when the remote kept answering with a
	// retryable status for the whole retry budget.
	ErrRetryExhausted = fetch.ErrRetryExhausted

	// ErrConnectionFailed is returned when the remote is unreachable or
	// answers with a non-retryable, non-success status.
	ErrConnectionFailed = fetch.ErrConnectionFailed
)

// Errors re-exported from the default Extractor. EnsureTile never returns
// them: both map to OutcomeUnavailable. Custom Extractor implementations
// must return them to get the same treatment.
var (
	// ErrNotAValidArchive means the downloaded blob is not a well-formed
	// archive.
	ErrNotAValidArchive = archive.ErrNotAValidArchive

	// ErrMemberNotFound means the archive is well-formed but lacks the
	// tile's raster member.
	ErrMemberNotFound = archive.ErrMemberNotFound
)
