// Package libav is the FFmpeg-backed reader. It is compiled in with the
// with_libav build tag; without it the backend reports itself
// unavailable and every Open fails with a source-unavailable error.
package libav

import "github.com/zsiec/ffindex/media"

// Backend reads any format libavformat understands.
type Backend struct{}

// New returns the libav backend.
func New() *Backend {
	return &Backend{}
}

func (*Backend) Kind() media.SourceKind { return media.SourceLibav }
func (*Backend) Name() string           { return "libav" }
