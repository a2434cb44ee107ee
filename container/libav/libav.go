//go:build with_libav

package libav

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/asticode/go-astiav"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

var logOnce sync.Once

// bridgeLogs forwards libav messages to log at their matching level.
func bridgeLogs(log *slog.Logger) {
	logOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelWarning)
		var mu sync.Mutex
		astiav.SetLogCallback(func(c astiav.Classer, level astiav.LogLevel, _, msg string) {
			mu.Lock()
			defer mu.Unlock()
			msg = strings.TrimSpace(msg)
			switch {
			case level <= astiav.LogLevelError:
				log.Error(msg, "component", "libav")
			case level <= astiav.LogLevelWarning:
				log.Warn(msg, "component", "libav")
			case level <= astiav.LogLevelInfo:
				log.Info(msg, "component", "libav")
			default:
				log.Debug(msg, "component", "libav")
			}
		})
	})
}

// SetLogger routes libav messages to log. Only the first call has an
// effect.
func SetLogger(log *slog.Logger) {
	bridgeLogs(log)
}

func (*Backend) Available() bool { return true }

// Probe accepts anything; libav is the fallback reader.
func (*Backend) Probe([]byte) bool { return true }

func (*Backend) Open(ctx context.Context, path string, log *slog.Logger) (container.Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	bridgeLogs(log)
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, media.Wrap(media.KindNoSuchFile, "open", err, "open %s", path)
		}
		return nil, media.Wrap(media.KindReadError, "open", err, "stat %s", path)
	}

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, media.Errorf(media.KindReadError, "open", "unable to allocate a format context")
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return nil, media.Wrap(media.KindUnsupportedFormat, "open", err, "open input %s", path)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, media.Wrap(media.KindUnsupportedFormat, "open", err, "find stream info in %s", path)
	}
	if err := ctx.Err(); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, media.Wrap(media.KindCancelled, "open", err, "open %s", path)
	}

	d := &demuxer{
		log:  log.With("component", "libav"),
		fc:   fc,
		pkt:  astiav.AllocPacket(),
		size: st.Size(),
	}
	for _, s := range fc.Streams() {
		d.streams = append(d.streams, streamInfo(s))
	}
	return d, nil
}

func streamInfo(s *astiav.Stream) container.StreamInfo {
	cp := s.CodecParameters()
	info := container.StreamInfo{
		Index:     s.Index(),
		Codec:     cp.CodecID().Name(),
		TimeBase:  rational(s.TimeBase()),
		Extradata: append([]byte(nil), cp.ExtraData()...),
	}
	switch cp.MediaType() {
	case astiav.MediaTypeVideo:
		info.Type = media.TrackTypeVideo
		info.Width, info.Height = cp.Width(), cp.Height()
		info.PixelFormat = media.PixelFormat(cp.PixelFormat().String())
		info.SAR = rational(cp.SampleAspectRatio())
		info.FrameRate = rational(s.AvgFrameRate())
	case astiav.MediaTypeAudio:
		info.Type = media.TrackTypeAudio
		info.SampleRate = cp.SampleRate()
		info.Channels = cp.ChannelLayout().Channels()
		info.SampleFormat, _ = sampleFormat(cp.SampleFormat())
		info.BitsPerSample = info.SampleFormat.BytesPerSample() * 8
	case astiav.MediaTypeSubtitle:
		info.Type = media.TrackTypeSubtitle
	case astiav.MediaTypeAttachment:
		info.Type = media.TrackTypeAttachment
	case astiav.MediaTypeData:
		info.Type = media.TrackTypeData
	}
	return info
}

func rational(r astiav.Rational) media.Rational {
	return media.Rational{Num: int64(r.Num()), Den: int64(r.Den())}
}

// sampleFormat maps a libav sample format to its packed equivalent and
// reports whether the source is planar.
func sampleFormat(f astiav.SampleFormat) (media.SampleFormat, bool) {
	switch f {
	case astiav.SampleFormatU8:
		return media.SampleFormatU8, false
	case astiav.SampleFormatU8P:
		return media.SampleFormatU8, true
	case astiav.SampleFormatS16:
		return media.SampleFormatS16, false
	case astiav.SampleFormatS16P:
		return media.SampleFormatS16, true
	case astiav.SampleFormatS32:
		return media.SampleFormatS32, false
	case astiav.SampleFormatS32P:
		return media.SampleFormatS32, true
	case astiav.SampleFormatFlt:
		return media.SampleFormatFloat, false
	case astiav.SampleFormatFltp:
		return media.SampleFormatFloat, true
	case astiav.SampleFormatDbl:
		return media.SampleFormatDouble, false
	case astiav.SampleFormatDblp:
		return media.SampleFormatDouble, true
	}
	return media.SampleFormatNone, false
}

type demuxer struct {
	log     *slog.Logger
	fc      *astiav.FormatContext
	pkt     *astiav.Packet
	size    int64
	pos     int64
	streams []container.StreamInfo
}

func (d *demuxer) Streams() []container.StreamInfo {
	return append([]container.StreamInfo(nil), d.streams...)
}

func (d *demuxer) ReadPacket(ctx context.Context) (*container.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, media.Wrap(media.KindCancelled, "read packet", err, "read cancelled")
	}
	d.pkt.Unref()
	if err := d.fc.ReadFrame(d.pkt); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return nil, io.EOF
		}
		return nil, media.Wrap(media.KindReadError, "read packet", err, "read frame")
	}
	pkt := &container.Packet{
		Stream:   d.pkt.StreamIndex(),
		PTS:      d.pkt.Pts(),
		DTS:      d.pkt.Dts(),
		Pos:      d.pkt.Pos(),
		Keyframe: d.pkt.Flags().Has(astiav.PacketFlagKey),
		Data:     append([]byte(nil), d.pkt.Data()...),
	}
	if pkt.Pos >= 0 {
		d.pos = pkt.Pos
	}
	return pkt, nil
}

func (d *demuxer) SeekByte(pos int64) error {
	if pos < 0 || pos > d.size {
		return media.Errorf(media.KindSeekError, "seek", "offset %d outside file of %d bytes", pos, d.size)
	}
	if err := d.fc.SeekFrame(-1, pos, astiav.NewSeekFlags(astiav.SeekFlagByte)); err != nil {
		return media.Wrap(media.KindSeekError, "seek", err, "seek to byte %d", pos)
	}
	d.pos = pos
	return nil
}

func (d *demuxer) SeekTime(stream int, ts int64) error {
	if stream < 0 || stream >= len(d.streams) {
		return media.Errorf(media.KindInvalidArgument, "seek", "no stream %d", stream)
	}
	if err := d.fc.SeekFrame(stream, ts, astiav.NewSeekFlags(astiav.SeekFlagBackward)); err != nil {
		return media.Wrap(media.KindSeekError, "seek", err, "seek stream %d to %d", stream, ts)
	}
	return nil
}

func (d *demuxer) Size() int64     { return d.size }
func (d *demuxer) Position() int64 { return d.pos }

func (d *demuxer) Close() error {
	d.pkt.Free()
	d.fc.CloseInput()
	d.fc.Free()
	return nil
}

// NewDecoder opens a libav decoder for the stream.
func (*Backend) NewDecoder(info container.StreamInfo, opts container.DecoderOptions) (container.Decoder, error) {
	c := astiav.FindDecoderByName(info.Codec)
	if c == nil {
		return nil, media.Errorf(media.KindUnsupportedFormat, "new decoder", "no libav decoder for %s", info.Codec)
	}
	d := &decoder{info: info, codec: c, threads: opts.Threads, frame: astiav.AllocFrame()}
	if err := d.open(); err != nil {
		d.frame.Free()
		return nil, err
	}
	return d, nil
}

type decoder struct {
	info    container.StreamInfo
	codec   *astiav.Codec
	cc      *astiav.CodecContext
	frame   *astiav.Frame
	threads int
	pkt     *astiav.Packet
}

func (d *decoder) open() error {
	cc := astiav.AllocCodecContext(d.codec)
	if cc == nil {
		return media.Errorf(media.KindDecodeError, "new decoder", "unable to allocate codec context")
	}
	cc.SetTimeBase(astiav.NewRational(int(d.info.TimeBase.Num), int(d.info.TimeBase.Den)))
	switch d.info.Type {
	case media.TrackTypeVideo:
		cc.SetWidth(d.info.Width)
		cc.SetHeight(d.info.Height)
	case media.TrackTypeAudio:
		cc.SetSampleRate(d.info.SampleRate)
		switch d.info.Channels {
		case 1:
			cc.SetChannelLayout(astiav.ChannelLayoutMono)
		case 2:
			cc.SetChannelLayout(astiav.ChannelLayoutStereo)
		}
	}
	if len(d.info.Extradata) > 0 {
		if err := cc.SetExtraData(d.info.Extradata); err != nil {
			cc.Free()
			return media.Wrap(media.KindDecodeError, "new decoder", err, "set extradata")
		}
	}
	if d.threads > 0 {
		cc.SetThreadCount(d.threads)
	}
	if err := cc.Open(d.codec, nil); err != nil {
		cc.Free()
		return media.Wrap(media.KindDecodeError, "new decoder", err, "open %s decoder", d.info.Codec)
	}
	d.cc = cc
	if d.pkt == nil {
		d.pkt = astiav.AllocPacket()
	}
	return nil
}

func (d *decoder) Send(pkt *container.Packet) error {
	if d.cc == nil {
		return media.Errorf(media.KindDecodeError, "decode", "%s decoder failed to reopen", d.info.Codec)
	}
	if pkt == nil {
		if err := d.cc.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return media.Wrap(media.KindDecodeError, "decode", err, "drain")
		}
		return nil
	}
	d.pkt.Unref()
	if err := d.pkt.FromData(pkt.Data); err != nil {
		return media.Wrap(media.KindDecodeError, "decode", err, "wrap packet")
	}
	d.pkt.SetPts(pkt.PTS)
	d.pkt.SetDts(pkt.DTS)
	if pkt.Keyframe {
		d.pkt.SetFlags(d.pkt.Flags().Add(astiav.PacketFlagKey))
	}
	if err := d.cc.SendPacket(d.pkt); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return container.ErrAgain
		}
		return media.Wrap(media.KindDecodeError, "decode", err, "send packet")
	}
	return nil
}

func (d *decoder) Receive() (*media.Frame, error) {
	if d.cc == nil {
		return nil, io.EOF
	}
	d.frame.Unref()
	if err := d.cc.ReceiveFrame(d.frame); err != nil {
		switch {
		case errors.Is(err, astiav.ErrEagain):
			return nil, container.ErrAgain
		case errors.Is(err, astiav.ErrEof):
			return nil, io.EOF
		}
		return nil, media.Wrap(media.KindDecodeError, "decode", err, "receive frame")
	}
	if d.info.Type == media.TrackTypeAudio {
		return d.audioFrame()
	}
	return d.videoFrame()
}

func (d *decoder) videoFrame() (*media.Frame, error) {
	f := d.frame
	pf := media.PixelFormat(f.PixelFormat().String())
	if pf.Planes() == 0 {
		return nil, media.Errorf(media.KindDecodeError, "decode", "decoder output pixel format %s is not supported", pf)
	}
	buf, err := f.Data().Bytes(1)
	if err != nil {
		return nil, media.Wrap(media.KindDecodeError, "decode", err, "copy picture")
	}
	w, h := f.Width(), f.Height()
	out := &media.Frame{
		PTS:         f.Pts(),
		Keyframe:    f.PictureType() == astiav.PictureTypeI,
		Width:       w,
		Height:      h,
		PixelFormat: pf,
	}
	off := 0
	for i := 0; i < pf.Planes(); i++ {
		rb, rows := pf.PlaneSize(i, w, h)
		n := rb * rows
		if off+n > len(buf) {
			return nil, media.Errorf(media.KindDecodeError, "decode", "short picture buffer")
		}
		out.Planes = append(out.Planes, media.Plane{Data: buf[off : off+n : off+n], Stride: rb})
		off += n
	}
	return out, nil
}

func (d *decoder) audioFrame() (*media.Frame, error) {
	f := d.frame
	sf, planar := sampleFormat(f.SampleFormat())
	if sf == media.SampleFormatNone {
		return nil, media.Errorf(media.KindDecodeError, "decode", "decoder output sample format %s is not supported", f.SampleFormat().Name())
	}
	buf, err := f.Data().Bytes(1)
	if err != nil {
		return nil, media.Wrap(media.KindDecodeError, "decode", err, "copy samples")
	}
	channels := f.ChannelLayout().Channels()
	n := f.NbSamples()
	if planar {
		buf = interleave(buf, channels, n, sf.BytesPerSample())
	}
	return &media.Frame{
		PTS:          f.Pts(),
		Keyframe:     true,
		SampleFormat: sf,
		SampleRate:   f.SampleRate(),
		Channels:     channels,
		NumSamples:   n,
		Data:         buf,
	}, nil
}

// interleave converts channel planes laid out back to back into packed
// samples.
func interleave(planes []byte, channels, samples, size int) []byte {
	out := make([]byte, channels*samples*size)
	plane := samples * size
	for c := 0; c < channels; c++ {
		for s := 0; s < samples; s++ {
			src := c*plane + s*size
			if src+size > len(planes) {
				return out
			}
			copy(out[(s*channels+c)*size:], planes[src:src+size])
		}
	}
	return out
}

// Flush reopens the codec context, which drops all buffered pictures.
func (d *decoder) Flush() {
	d.cc.Free()
	d.cc = nil
	if err := d.open(); err != nil {
		slog.Default().Error("reopen decoder after flush", "codec", d.info.Codec, "error", err)
	}
}

func (d *decoder) Close() error {
	if d.cc != nil {
		d.cc.Free()
	}
	if d.pkt != nil {
		d.pkt.Free()
	}
	d.frame.Free()
	return nil
}
