//go:build !with_libav

package libav

import (
	"context"
	"log/slog"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

// SetLogger does nothing without libav.
func SetLogger(*slog.Logger) {}

func (*Backend) Available() bool { return false }

func (*Backend) Probe([]byte) bool { return false }

func (*Backend) Open(context.Context, string, *slog.Logger) (container.Demuxer, error) {
	return nil, media.Errorf(media.KindSourceUnavailable, "open", "built without libav support")
}

func (*Backend) NewDecoder(container.StreamInfo, container.DecoderOptions) (container.Decoder, error) {
	return nil, media.Errorf(media.KindSourceUnavailable, "new decoder", "built without libav support")
}
