package indexer

import (
	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/container/libav"
	"github.com/zsiec/ffindex/container/matroska"
	"github.com/zsiec/ffindex/container/mpegts"
)

// DefaultRegistry returns a registry holding every backend in probe
// order: Matroska, MPEG-TS, then libav, which claims any file when it is
// compiled in.
func DefaultRegistry() *container.Registry {
	r := container.NewRegistry()
	r.Register(matroska.New())
	r.Register(mpegts.New())
	r.Register(libav.New())
	return r
}
