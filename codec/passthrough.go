package codec

import (
	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

// passthrough emits compressed access units as frames. It holds back
// delay units and releases them lowest PTS first, the way a decoder with
// that many reorder frames does.
type passthrough struct {
	info    container.StreamInfo
	delay   int
	pending []*media.Frame
	ready   queue
}

func newPassthrough(info container.StreamInfo, opts container.DecoderOptions) *passthrough {
	return &passthrough{info: info, delay: max(info.ReorderDepth, opts.ReorderDepth, 0)}
}

func (d *passthrough) Send(pkt *container.Packet) error {
	if pkt == nil {
		for len(d.pending) > 0 {
			d.ready.push(d.release())
		}
		d.ready.draining = true
		return nil
	}
	if len(pkt.Data) == 0 {
		return media.Errorf(media.KindDecodeError, "decode", "empty access unit at offset %d", pkt.Pos)
	}
	d.pending = append(d.pending, &media.Frame{
		PTS:           pkt.PTS,
		Keyframe:      pkt.Keyframe,
		Width:         d.info.Width,
		Height:        d.info.Height,
		RepeatPict:    pkt.RepeatPict,
		TopFieldFirst: pkt.TopFieldFirst,
		Captions:      pkt.Captions,
		Data:          append([]byte(nil), pkt.Data...),
	})
	if len(d.pending) > d.delay {
		d.ready.push(d.release())
	}
	return nil
}

// release removes and returns the pending frame with the lowest PTS. A
// frame without a PTS is released in arrival order.
func (d *passthrough) release() *media.Frame {
	best := 0
	if d.pending[0].PTS != media.NoPTS {
		for i, f := range d.pending {
			if f.PTS != media.NoPTS && f.PTS < d.pending[best].PTS {
				best = i
			}
		}
	}
	f := d.pending[best]
	d.pending = append(d.pending[:best], d.pending[best+1:]...)
	return f
}

func (d *passthrough) Receive() (*media.Frame, error) { return d.ready.pop() }

func (d *passthrough) Flush() {
	d.pending = nil
	d.ready.reset()
}

func (d *passthrough) Close() error { return nil }
