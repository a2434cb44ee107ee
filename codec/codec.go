// Package codec provides the pure-Go decoders used by the native
// container backends: PCM audio, raw video, and a passthrough decoder
// that models the output delay of compressed video codecs.
package codec

import (
	"io"
	"strings"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

// New returns a decoder for the stream described by info.
func New(info container.StreamInfo, opts container.DecoderOptions) (container.Decoder, error) {
	switch {
	case strings.HasPrefix(info.Codec, "pcm_"):
		return newPCM(info)
	case info.Codec == "rawvideo":
		return newRawVideo(info)
	case info.Type == media.TrackTypeVideo:
		return newPassthrough(info, opts), nil
	}
	return nil, media.Errorf(media.KindUnsupportedFormat, "new decoder", "no decoder for %s %s stream", info.Codec, info.Type)
}

// Supported reports whether New can create a decoder for info.
func Supported(info container.StreamInfo) bool {
	switch {
	case strings.HasPrefix(info.Codec, "pcm_"):
		_, ok := pcmLayouts[info.Codec]
		return ok
	case info.Codec == "rawvideo", info.Type == media.TrackTypeVideo:
		return true
	}
	return false
}

// queue is the send/receive state shared by the decoders that produce at
// most one frame per packet.
type queue struct {
	frames   []*media.Frame
	draining bool
}

func (q *queue) push(f *media.Frame) {
	q.frames = append(q.frames, f)
}

func (q *queue) pop() (*media.Frame, error) {
	if len(q.frames) == 0 {
		if q.draining {
			return nil, io.EOF
		}
		return nil, container.ErrAgain
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, nil
}

func (q *queue) reset() {
	q.frames = nil
	q.draining = false
}
