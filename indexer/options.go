package indexer

import (
	"log/slog"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

// DefaultProgressInterval is the number of bytes read between two
// progress callbacks.
const DefaultProgressInterval = 4 << 20

// Mask selects container tracks: bit i stands for track i.
type Mask uint64

// Masks selecting no and every track.
const (
	NoTracks  Mask = 0
	AllTracks Mask = ^Mask(0)
)

// Has reports whether track i is selected.
func (m Mask) Has(i int) bool {
	return i >= 0 && i < 64 && m&(1<<uint(i)) != 0
}

// With returns m with track i selected.
func (m Mask) With(i int) Mask {
	if i < 0 || i >= 64 {
		return m
	}
	return m | 1<<uint(i)
}

// ProgressFunc receives the bytes read so far and the file size. Returning
// false cancels indexing.
type ProgressFunc func(current, total int64) bool

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(ix *Indexer) {
		if log != nil {
			ix.log = log
		}
	}
}

// WithRegistry sets the backends the file is probed against.
func WithRegistry(r *container.Registry) Option {
	return func(ix *Indexer) {
		if r != nil {
			ix.registry = r
		}
	}
}

// WithSourceKind forces a backend instead of probing.
func WithSourceKind(kind media.SourceKind) Option {
	return func(ix *Indexer) { ix.kind = kind }
}

// WithThreads sets the decoder thread count for dumped tracks.
func WithThreads(n int) Option {
	return func(ix *Indexer) { ix.threads = n }
}

// WithProgressInterval sets how many bytes are read between progress
// callbacks.
func WithProgressInterval(n int64) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.progressInterval = n
		}
	}
}
