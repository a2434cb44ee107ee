package codec

import (
	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

type rawDecoder struct {
	info container.StreamInfo
	size int
	q    queue
}

func newRawVideo(info container.StreamInfo) (*rawDecoder, error) {
	if info.PixelFormat.Planes() == 0 {
		return nil, media.Errorf(media.KindUnsupportedFormat, "new decoder", "raw video in unsupported pixel format %q", info.PixelFormat)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, media.Errorf(media.KindInvalidArgument, "new decoder", "raw video stream %d without dimensions", info.Index)
	}
	return &rawDecoder{info: info, size: info.PixelFormat.FrameSize(info.Width, info.Height)}, nil
}

func (d *rawDecoder) Send(pkt *container.Packet) error {
	if pkt == nil {
		d.q.draining = true
		return nil
	}
	if len(pkt.Data) < d.size {
		return media.Errorf(media.KindDecodeError, "decode", "raw frame of %d bytes, want %d", len(pkt.Data), d.size)
	}

	pf := d.info.PixelFormat
	w, h := d.info.Width, d.info.Height
	planes := make([]media.Plane, pf.Planes())
	off := 0
	for i := range planes {
		rb, rows := pf.PlaneSize(i, w, h)
		n := rb * rows
		planes[i] = media.Plane{Data: append([]byte(nil), pkt.Data[off:off+n]...), Stride: rb}
		off += n
	}
	d.q.push(&media.Frame{
		PTS:           pkt.PTS,
		Keyframe:      true,
		Width:         w,
		Height:        h,
		PixelFormat:   pf,
		Planes:        planes,
		RepeatPict:    pkt.RepeatPict,
		TopFieldFirst: pkt.TopFieldFirst,
		Captions:      pkt.Captions,
	})
	return nil
}

func (d *rawDecoder) Receive() (*media.Frame, error) { return d.q.pop() }
func (d *rawDecoder) Flush()                         { d.q.reset() }
func (d *rawDecoder) Close() error                   { return nil }
