package srtmcache

// Outcome reports how EnsureTile satisfied a request.
type Outcome int

const (
	// OutcomeUnknown is the zero value. EnsureTile never returns it together
	// with a nil error.
	OutcomeUnknown Outcome = iota

	// OutcomeCached means the final artifact was already present.
	OutcomeCached

	// OutcomeDownloaded means this call downloaded the archive and extracted
	// the artifact.
	OutcomeDownloaded

	// OutcomeUnavailable means the remote answered but the blob was not a
	// valid tile archive: the tile has no data. Nothing is cached for it and
	// a later call will ask the remote again.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
