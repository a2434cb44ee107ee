package source

import (
	"log/slog"

	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/seek"
)

// RFFMode selects how repeat-field flags shape the output sequence.
type RFFMode int

const (
	// RFFIgnore returns every coded frame once.
	RFFIgnore RFFMode = iota
	// RFFHonor expands frames into fields per their repeat flags and
	// pairs the fields back into frames.
	RFFHonor
	// RFFForceFilm honors the flags, then drops one frame in five.
	RFFForceFilm
)

// DefaultAudioCacheBlocks is how many decoded audio packets an
// AudioSource keeps.
const DefaultAudioCacheBlocks = 64

type config struct {
	log     *slog.Logger
	mode    seek.Mode
	threads int
	fpsNum  int64
	fpsDen  int64
	rff     RFFMode
	blocks  int
}

func newConfig(opts []Option) (config, error) {
	c := config{
		log:    slog.Default(),
		mode:   seek.Normal,
		blocks: DefaultAudioCacheBlocks,
	}
	for _, o := range opts {
		o(&c)
	}
	if !c.mode.Valid() {
		return c, media.Errorf(media.KindInvalidArgument, "open source", "invalid seek mode %d", int(c.mode))
	}
	if c.rff < RFFIgnore || c.rff > RFFForceFilm {
		return c, media.Errorf(media.KindInvalidArgument, "open source", "invalid RFF mode %d", int(c.rff))
	}
	if c.fpsNum > 0 && c.fpsDen < 1 {
		return c, media.Errorf(media.KindInvalidArgument, "open source", "fps denominator %d must be at least 1", c.fpsDen)
	}
	if c.fpsNum > 0 && c.rff != RFFIgnore {
		return c, media.Errorf(media.KindInvalidArgument, "open source", "RFF modes may not be combined with CFR conversion")
	}
	if c.blocks < 1 {
		c.blocks = 1
	}
	return c, nil
}

// Option configures a source.
type Option func(*config)

// WithLogger sets the logger. A nil logger means slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithSeekMode sets the seek policy of a video source. Default Normal.
func WithSeekMode(m seek.Mode) Option {
	return func(c *config) { c.mode = m }
}

// WithThreads sets the decoder thread count. Zero lets the decoder pick.
func WithThreads(n int) Option {
	return func(c *config) { c.threads = n }
}

// WithFPS remaps a video source to a constant num/den frame rate. A
// num of zero or less keeps the source timing.
func WithFPS(num, den int64) Option {
	return func(c *config) { c.fpsNum, c.fpsDen = num, den }
}

// WithRFFMode sets the repeat-field handling of a video source.
func WithRFFMode(m RFFMode) Option {
	return func(c *config) { c.rff = m }
}

// WithCacheSize sets how many decoded packets an audio source keeps.
func WithCacheSize(blocks int) Option {
	return func(c *config) { c.blocks = blocks }
}
