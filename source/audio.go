package source

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/seek"
	"github.com/zsiec/ffindex/track"
)

// audioForwardBlocks is how far ahead of the demuxer a packet may be
// before an AudioSource seeks instead of decoding through.
const audioForwardBlocks = 16

// AudioProperties describes the samples of an AudioSource.
type AudioProperties struct {
	SampleFormat  media.SampleFormat
	SampleRate    int
	Channels      int
	BitsPerSample int
	NumSamples    int64
	FirstTime     float64
	LastTime      float64
}

// BytesPerFrame is the size of one sample of every channel.
func (p AudioProperties) BytesPerFrame() int {
	return p.SampleFormat.BytesPerSample() * p.Channels
}

// AudioSource decodes sample ranges of one audio track. It is not safe
// for concurrent use.
type AudioSource struct {
	log  *slog.Logger
	cat  *track.Catalogue
	info container.StreamInfo
	dmx  container.Demuxer
	dec  container.Decoder

	// blocks caches decoded packets by record index.
	blocks *frameCache
	// cursor is the record index of the next packet the demuxer returns,
	// or -1 when unknown.
	cursor int

	props AudioProperties
}

// NewAudio opens path with backend and prepares sample access to the
// track described by cat. The first packet is decoded to learn the
// sample format.
func NewAudio(ctx context.Context, path string, backend container.Backend, cat *track.Catalogue, opts ...Option) (*AudioSource, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cat == nil || !cat.Indexed() {
		return nil, media.Errorf(media.KindInvalidArgument, "open audio", "track is not indexed")
	}
	if cat.Type != media.TrackTypeAudio {
		return nil, media.Errorf(media.KindInvalidArgument, "open audio", "track %d is %s, not audio", cat.Index, cat.Type)
	}

	a := &AudioSource{
		log:    cfg.log.With("component", "audio-source", "track", cat.Index),
		cat:    cat,
		blocks: newFrameCache(cfg.blocks),
	}
	a.dmx, a.info, err = openStream(ctx, path, backend, cat, a.log)
	if err != nil {
		return nil, err
	}
	a.dec, err = backend.NewDecoder(a.info, container.DecoderOptions{ReorderDepth: -1, Threads: cfg.threads})
	if err != nil {
		a.dmx.Close()
		return nil, err
	}

	r0 := 0
	if n := cat.FrameForSample(0); n >= 0 {
		r0 = cat.RecordIndex(n)
	}
	first, err := a.block(ctx, r0)
	if err != nil {
		a.Close()
		return nil, err
	}
	bits := cat.BitsPerSample
	if bits == 0 {
		bits = first.SampleFormat.BytesPerSample() * 8
	}
	a.props = AudioProperties{
		SampleFormat:  first.SampleFormat,
		SampleRate:    first.SampleRate,
		Channels:      first.Channels,
		BitsPerSample: bits,
		NumSamples:    cat.TotalSamples(),
		FirstTime:     cat.Seconds(cat.FirstPTS()),
		LastTime:      cat.Seconds(cat.LastPTS()),
	}
	if a.props.BytesPerFrame() == 0 {
		a.Close()
		return nil, media.Errorf(media.KindDecodeError, "open audio", "decoder produced no usable sample format")
	}
	a.log.Debug("opened", "samples", a.props.NumSamples, "rate", a.props.SampleRate, "channels", a.props.Channels, "format", a.props.SampleFormat)
	return a, nil
}

// Properties describes the samples.
func (a *AudioSource) Properties() AudioProperties {
	return a.props
}

// Catalogue returns the track catalogue of the source.
func (a *AudioSource) Catalogue() *track.Catalogue {
	return a.cat
}

// GetAudio fills buf with count interleaved samples starting at sample
// start. buf must hold count*BytesPerFrame bytes.
func (a *AudioSource) GetAudio(ctx context.Context, buf []byte, start, count int64) error {
	if a.dec == nil {
		return media.Errorf(media.KindInvalidArgument, "get audio", "source is closed")
	}
	total := a.props.NumSamples
	if start < 0 || count < 0 || start > total || count > total-start {
		return media.Errorf(media.KindOutOfRange, "get audio", "samples [%d,%d) outside [0,%d)", start, start+count, total)
	}
	bpf := int64(a.props.BytesPerFrame())
	if int64(len(buf)) < count*bpf {
		return media.Errorf(media.KindInvalidArgument, "get audio", "buffer of %d bytes cannot hold %d samples", len(buf), count)
	}

	out := buf
	for s, end := start, start+count; s < end; {
		n := a.cat.FrameForSample(s)
		f, err := a.block(ctx, a.cat.RecordIndex(n))
		if err != nil {
			return err
		}
		off := s - a.cat.SampleStart(n)
		take := min(int64(f.NumSamples)-off, end-s)
		copy(out, f.Data[off*bpf:(off+take)*bpf])
		out = out[take*bpf:]
		s += take
	}
	return nil
}

// Close releases the decoder and the file.
func (a *AudioSource) Close() error {
	if a.dec != nil {
		a.dec.Close()
		a.dec = nil
	}
	a.blocks.clear()
	if a.dmx == nil {
		return nil
	}
	err := a.dmx.Close()
	a.dmx = nil
	return err
}

// block returns the decoded samples of record r.
func (a *AudioSource) block(ctx context.Context, r int) (*media.Frame, error) {
	if f, ok := a.blocks.get(r); ok {
		return f, nil
	}
	if a.cursor < 0 || r < a.cursor || r-a.cursor > audioForwardBlocks {
		sr := seek.SeekRecord(a.cat, r)
		if err := a.dmx.SeekByte(a.cat.Record(sr).Pos); err != nil {
			a.cursor = -1
			return nil, err
		}
		a.dec.Flush()
		a.cursor = sr
	}

	for {
		pkt, err := a.dmx.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			a.cursor = -1
			return nil, media.Errorf(media.KindDecodeError, "get audio", "end of file before packet %d", r)
		}
		if err != nil {
			a.cursor = -1
			return nil, err
		}
		if pkt.Stream != a.info.Index {
			continue
		}
		cur := a.cursor
		if cur >= a.cat.Len() || (pkt.Pos >= 0 && a.cat.Record(cur).Pos != pkt.Pos) {
			a.cursor = -1
			return nil, media.Errorf(media.KindSeekError, "get audio", "packet at offset %d does not match the index", pkt.Pos)
		}
		a.cursor++
		f, err := a.decode(pkt, cur)
		if err != nil {
			a.cursor = -1
			return nil, err
		}
		a.blocks.put(cur, f)
		if cur == r {
			return f, nil
		}
	}
}

// decode turns one packet into one block of samples and checks its size
// against the catalogue.
func (a *AudioSource) decode(pkt *container.Packet, r int) (*media.Frame, error) {
	if err := a.dec.Send(pkt); err != nil {
		return nil, media.Wrap(media.KindDecodeError, "get audio", err, "packet at offset %d", pkt.Pos)
	}
	var block *media.Frame
	for {
		f, err := a.dec.Receive()
		if errors.Is(err, container.ErrAgain) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, media.Wrap(media.KindDecodeError, "get audio", err, "packet at offset %d", pkt.Pos)
		}
		if block == nil {
			block = f
			continue
		}
		if f.SampleFormat != block.SampleFormat || f.Channels != block.Channels {
			return nil, media.Errorf(media.KindDecodeError, "get audio", "sample format changed within packet at offset %d", pkt.Pos)
		}
		block.Data = append(block.Data, f.Data...)
		block.NumSamples += f.NumSamples
	}
	want := int(a.cat.Record(r).SampleCount)
	got := 0
	if block != nil {
		got = block.NumSamples
	}
	if got != want {
		return nil, media.Errorf(media.KindDecodeError, "get audio",
			"packet at offset %d decoded to %d samples, index says %d", pkt.Pos, got, want)
	}
	if block == nil {
		block = &media.Frame{PTS: pkt.PTS}
	}
	return block, nil
}
