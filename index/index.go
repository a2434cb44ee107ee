// Package index holds the set of track catalogues produced by one
// indexing pass together with the identity of the file they describe,
// and persists it as a versioned binary cache.
package index

import (
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

// ErrorHandling records how decode failures were treated while indexing.
type ErrorHandling int

// Error handling policies.
const (
	ErrorHandlingAbort ErrorHandling = iota
	ErrorHandlingIgnore
)

// Index is the result of indexing one file.
type Index struct {
	Source        media.SourceKind
	Signature     Signature
	ErrorHandling ErrorHandling
	// Decoder identifies the backend build that produced the index.
	Decoder string
	Tracks  []*track.Catalogue
	// DecodeErrors counts ignored decode failures per track.
	DecodeErrors []int
}

// NumTracks returns the number of container streams.
func (x *Index) NumTracks() int {
	return len(x.Tracks)
}

// Track returns the catalogue of container stream i.
func (x *Index) Track(i int) (*track.Catalogue, error) {
	if i < 0 || i >= len(x.Tracks) {
		return nil, media.Errorf(media.KindOutOfRange, "track", "track %d out of range [0,%d)", i, len(x.Tracks))
	}
	return x.Tracks[i], nil
}

// FirstTrackOfType returns the number of the first track of type t.
func (x *Index) FirstTrackOfType(t media.TrackType) (int, error) {
	for i, c := range x.Tracks {
		if c.Type == t {
			return i, nil
		}
	}
	return -1, media.Errorf(media.KindInvalidArgument, "first track of type", "no suitable track found")
}

// FirstIndexedTrackOfType returns the number of the first indexed track
// of type t.
func (x *Index) FirstIndexedTrackOfType(t media.TrackType) (int, error) {
	for i, c := range x.Tracks {
		if c.Type == t && c.Indexed() {
			return i, nil
		}
	}
	return -1, media.Errorf(media.KindInvalidArgument, "first indexed track of type", "no suitable, indexed track found")
}

// HasUnindexedAudioOnly reports whether the index has audio tracks and
// none of them is indexed.
func (x *Index) HasUnindexedAudioOnly() bool {
	audio := false
	for _, c := range x.Tracks {
		if c.Type != media.TrackTypeAudio {
			continue
		}
		audio = true
		if c.Indexed() {
			return false
		}
	}
	return audio
}
