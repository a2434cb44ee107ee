// Package source returns exact video frames and audio samples from an
// indexed file. A source seeks with the help of its track catalogue and
// decodes forward to the requested unit, checking what the decoder
// produces against the catalogue's timestamps.
package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/big"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/scale"
	"github.com/zsiec/ffindex/seek"
	"github.com/zsiec/ffindex/track"
)

// videoCacheFrames is how many decoded source frames a VideoSource keeps.
const videoCacheFrames = 8

// errRetry asks the frame loop for another plan.
var errRetry = errors.New("source: target not reached")

// VideoProperties describes the output of a VideoSource.
type VideoProperties struct {
	FrameCount int
	// FPS is the remap rate, or the container's rate, or an estimate from
	// the timestamps.
	FPS           media.Rational
	FirstTime     float64
	LastTime      float64
	Width         int
	Height        int
	SAR           media.Rational
	PixelFormat   media.PixelFormat
	KeyframeCount int
	ReorderDepth  int
	TopFieldFirst bool
	SeekMode      seek.Mode
}

// VideoSource decodes frames of one video track. It is not safe for
// concurrent use.
type VideoSource struct {
	log     *slog.Logger
	cfg     config
	cat     *track.Catalogue
	info    container.StreamInfo
	dmx     container.Demuxer
	dec     container.Decoder
	planner *seek.Planner

	// cursor is the presentation number of the last frame the decoder
	// returned, or seek.AtStart / seek.Unknown.
	cursor  int
	drained bool
	cache   *frameCache

	cfr    *cfrMap
	fields *fieldMap

	native  media.PixelFormat
	width   int
	height  int
	tff     bool
	out     media.PixelFormat
	outW    int
	outH    int
	resizer media.Resizer
}

// NewVideo opens path with backend and prepares frame access to the
// track described by cat. The first frame is decoded to learn the
// native picture format.
func NewVideo(ctx context.Context, path string, backend container.Backend, cat *track.Catalogue, opts ...Option) (*VideoSource, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	if cat == nil || !cat.Indexed() {
		return nil, media.Errorf(media.KindInvalidArgument, "open video", "track is not indexed")
	}
	if cat.Type != media.TrackTypeVideo {
		return nil, media.Errorf(media.KindInvalidArgument, "open video", "track %d is %s, not video", cat.Index, cat.Type)
	}
	planner, err := seek.New(cfg.mode)
	if err != nil {
		return nil, err
	}

	v := &VideoSource{
		log:     cfg.log.With("component", "video-source", "track", cat.Index),
		cfg:     cfg,
		cat:     cat,
		planner: planner,
		cursor:  seek.AtStart,
		cache:   newFrameCache(videoCacheFrames),
	}
	if cfg.fpsNum > 0 {
		if v.cfr, err = newCFR(cat, cfg.fpsNum, cfg.fpsDen); err != nil {
			return nil, err
		}
	}
	if cfg.rff != RFFIgnore {
		v.fields = newFieldMap(cat, cfg.rff)
	}

	v.dmx, v.info, err = openStream(ctx, path, backend, cat, v.log)
	if err != nil {
		return nil, err
	}
	v.dec, err = backend.NewDecoder(v.info, container.DecoderOptions{ReorderDepth: cat.ReorderDepth, Threads: cfg.threads})
	if err != nil {
		v.dmx.Close()
		return nil, err
	}

	first, err := v.sourceFrame(ctx, 0)
	if err != nil {
		v.Close()
		return nil, err
	}
	v.native = first.PixelFormat
	v.width, v.height = first.Width, first.Height
	if v.width == 0 || v.height == 0 {
		v.width, v.height = v.info.Width, v.info.Height
	}
	v.tff = first.TopFieldFirst
	v.log.Debug("opened", "frames", v.FrameCount(), "format", v.native, "width", v.width, "height", v.height, "seek_mode", cfg.mode)
	return v, nil
}

// openStream opens the file and finds the container stream of cat.
func openStream(ctx context.Context, path string, backend container.Backend, cat *track.Catalogue, log *slog.Logger) (container.Demuxer, container.StreamInfo, error) {
	if backend == nil || !backend.Available() {
		return nil, container.StreamInfo{}, media.Errorf(media.KindSourceUnavailable, "open source", "backend not available")
	}
	dmx, err := backend.Open(ctx, path, log)
	if err != nil {
		return nil, container.StreamInfo{}, err
	}
	streams := dmx.Streams()
	if cat.Index < 0 || cat.Index >= len(streams) || streams[cat.Index].Type != cat.Type {
		dmx.Close()
		return nil, container.StreamInfo{}, media.Errorf(media.KindCorruptData, "open source",
			"stream %d of %s does not match the index", cat.Index, path)
	}
	return dmx, streams[cat.Index], nil
}

// FrameCount returns the number of output frames.
func (v *VideoSource) FrameCount() int {
	switch {
	case v.cfr != nil:
		return v.cfr.count
	case v.fields != nil:
		return v.fields.count
	}
	return v.cat.FrameCount()
}

// GetFrame returns output frame n. The frame is the caller's.
func (v *VideoSource) GetFrame(ctx context.Context, n int) (*media.Frame, error) {
	if n < 0 || n >= v.FrameCount() {
		return nil, media.Errorf(media.KindOutOfRange, "get frame", "frame %d outside 0..%d", n, v.FrameCount()-1)
	}
	switch {
	case v.cfr != nil:
		f, err := v.sourceFrame(ctx, v.cfr.source(v.cat, n))
		if err != nil {
			return nil, err
		}
		return v.output(f)
	case v.fields != nil:
		top, bottom := v.fields.output(n)
		ft, err := v.sourceFrame(ctx, top)
		if err != nil {
			return nil, err
		}
		fb := ft
		if bottom != top {
			if fb, err = v.sourceFrame(ctx, bottom); err != nil {
				return nil, err
			}
		}
		return v.output(weave(ft, fb))
	}
	f, err := v.sourceFrame(ctx, n)
	if err != nil {
		return nil, err
	}
	return v.output(f)
}

// GetFrameByTime returns the source frame whose timestamp is closest to
// seconds.
func (v *VideoSource) GetFrameByTime(ctx context.Context, seconds float64) (*media.Frame, error) {
	tb := v.cat.TimeBase
	if !tb.Valid() || tb.Num == 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return nil, media.Errorf(media.KindInvalidArgument, "get frame by time", "cannot map %v seconds", seconds)
	}
	ts := int64(math.Round(seconds * float64(tb.Den) / float64(tb.Num)))
	f, err := v.sourceFrame(ctx, v.cat.ClosestFrameFromPTS(ts))
	if err != nil {
		return nil, err
	}
	return v.output(f)
}

// SetOutputFormat converts returned frames to the first producible format
// of candidates at width x height. The native format wins when it is a
// candidate. Zero dimensions keep the native size. Formats with
// subsampled chroma are cropped to even dimensions.
func (v *VideoSource) SetOutputFormat(candidates []media.PixelFormat, width, height int, resizer media.Resizer) error {
	if width < 0 || height < 0 {
		return media.Errorf(media.KindInvalidArgument, "set output format", "output size %dx%d", width, height)
	}
	if width == 0 || height == 0 {
		width, height = v.width, v.height
	}
	pick := media.PixelFormatNone
	for _, c := range candidates {
		if c == v.native && scale.Supported(c) {
			pick = c
			break
		}
	}
	if pick == media.PixelFormatNone {
		for _, c := range candidates {
			if scale.CanConvert(v.native, c) {
				pick = c
				break
			}
		}
	}
	if pick == media.PixelFormatNone {
		return media.Errorf(media.KindNoSuitableFormat, "set output format", "no candidate can be produced from %q", v.native)
	}
	w, h := scale.OutputSize(pick, width, height)
	if w <= 0 || h <= 0 {
		return media.Errorf(media.KindInvalidArgument, "set output format", "output size %dx%d", w, h)
	}
	v.out, v.outW, v.outH, v.resizer = pick, w, h, resizer
	return nil
}

// ResetOutputFormat returns frames in the native format again.
func (v *VideoSource) ResetOutputFormat() {
	v.out, v.outW, v.outH = media.PixelFormatNone, 0, 0
}

// OutputFormat returns the format and size of returned frames.
func (v *VideoSource) OutputFormat() (media.PixelFormat, int, int) {
	if v.out == media.PixelFormatNone {
		return v.native, v.width, v.height
	}
	return v.out, v.outW, v.outH
}

// Properties describes the output.
func (v *VideoSource) Properties() VideoProperties {
	pf, w, h := v.OutputFormat()
	return VideoProperties{
		FrameCount:    v.FrameCount(),
		FPS:           v.fps(),
		FirstTime:     v.cat.Seconds(v.cat.FirstPTS()),
		LastTime:      v.cat.Seconds(v.cat.LastPTS()),
		Width:         w,
		Height:        h,
		SAR:           v.info.SAR,
		PixelFormat:   pf,
		KeyframeCount: v.cat.KeyframeCount(),
		ReorderDepth:  v.cat.ReorderDepth,
		TopFieldFirst: v.tff,
		SeekMode:      v.cfg.mode,
	}
}

// Catalogue returns the track catalogue of the source.
func (v *VideoSource) Catalogue() *track.Catalogue {
	return v.cat
}

// fps returns the output rate. With repeat fields honored the source rate
// scales by output frames per coded frame.
func (v *VideoSource) fps() media.Rational {
	if v.cfr != nil {
		return reduce(big.NewRat(v.cfg.fpsNum, v.cfg.fpsDen))
	}
	var base *big.Rat
	if fr := v.info.FrameRate; fr.Valid() && fr.Num > 0 {
		base = fr.Rat()
	} else if n := v.cat.FrameCount(); n > 1 && v.cat.TimeBase.Valid() && v.cat.TimeBase.Num > 0 {
		span := v.cat.LastPTS() - v.cat.FirstPTS()
		if span <= 0 {
			return media.Rational{}
		}
		base = new(big.Rat).Quo(big.NewRat(int64(n-1), span), v.cat.TimeBase.Rat())
	} else {
		return media.Rational{}
	}
	if v.fields != nil {
		base.Mul(base, big.NewRat(int64(v.fields.count), int64(v.cat.FrameCount())))
	}
	return reduce(base)
}

func reduce(r *big.Rat) media.Rational {
	if !r.Num().IsInt64() || !r.Denom().IsInt64() {
		f, _ := r.Float64()
		return media.Rational{Num: int64(math.Round(f * 1000)), Den: 1000}
	}
	return media.Rational{Num: r.Num().Int64(), Den: r.Denom().Int64()}
}

// Close releases the decoder and the file.
func (v *VideoSource) Close() error {
	if v.dec != nil {
		v.dec.Close()
		v.dec = nil
	}
	if v.dmx == nil {
		return nil
	}
	err := v.dmx.Close()
	v.dmx = nil
	return err
}

func (v *VideoSource) output(f *media.Frame) (*media.Frame, error) {
	if v.out == media.PixelFormatNone {
		return f.Clone(), nil
	}
	return scale.Convert(f, v.out, v.outW, v.outH, v.resizer)
}

// sourceFrame returns presentation frame n of the track. The returned
// frame is shared with the cache and must not be modified.
func (v *VideoSource) sourceFrame(ctx context.Context, n int) (*media.Frame, error) {
	if v.dec == nil {
		return nil, media.Errorf(media.KindInvalidArgument, "get frame", "source is closed")
	}
	if v.cfg.mode == seek.KeyframeOnly {
		n = max(seek.Keyframe(v.cat, n), 0)
	}
	if f, ok := v.cache.get(n); ok {
		return f, nil
	}

	plan, err := v.planner.Plan(v.cat, n, v.cursor)
	if err != nil {
		return nil, err
	}
	for {
		v.log.Debug("plan", "frame", n, "cursor", v.cursor, "plan", plan.String())
		f, err := v.execute(ctx, plan)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errRetry) {
			v.cursor = seek.Unknown
			return nil, err
		}
		if plan.Action == seek.DecodeForward {
			plan, err = v.planner.Plan(v.cat, plan.Target, seek.Unknown)
		} else {
			plan, err = v.planner.Backoff(v.cat, plan)
		}
		if err != nil {
			v.cursor = seek.Unknown
			return nil, err
		}
	}
}

// execute carries out plan and returns the target frame, or errRetry
// when the output cannot be matched to it.
func (v *VideoSource) execute(ctx context.Context, plan seek.Plan) (*media.Frame, error) {
	afterSeek := false
	if plan.Action == seek.Seek {
		if err := v.dmx.SeekByte(plan.SeekByteOffset); err != nil {
			return nil, err
		}
		v.dec.Flush()
		v.drained = false
		v.cursor = seek.Unknown
		if plan.Keyframe < 0 && plan.SeekRecord == 0 {
			v.cursor = seek.AtStart
		}
		afterSeek = true
	}

	for decoded := 0; decoded < plan.FramesToDecodeForward; decoded++ {
		f, err := v.next(ctx)
		if errors.Is(err, io.EOF) {
			v.cursor = seek.Unknown
			return nil, errRetry
		}
		if err != nil {
			return nil, err
		}
		m := v.identify(f, afterSeek)
		afterSeek = false
		if m < 0 {
			v.log.Debug("unidentified frame", "pts", f.PTS, "target", plan.Target)
			v.cursor = seek.Unknown
			return nil, errRetry
		}
		v.cursor = m
		v.cache.put(m, f)
		switch {
		case m == plan.Target:
			return f, nil
		case m > plan.Target:
			v.log.Debug("overshot target", "frame", m, "target", plan.Target)
			return nil, errRetry
		}
	}
	return nil, errRetry
}

// identify returns the presentation number of a decoded frame, or -1.
func (v *VideoSource) identify(f *media.Frame, afterSeek bool) int {
	next := v.cursor + 1
	sequential := v.cursor >= seek.AtStart && next < v.cat.FrameCount()
	if f.PTS == media.NoPTS {
		if sequential {
			return next
		}
		return -1
	}
	if sequential && v.cat.Frame(next).PTS == f.PTS {
		return next
	}
	if afterSeek && v.cfg.mode == seek.Aggressive {
		return v.cat.ClosestFrameFromPTS(f.PTS)
	}
	return v.cat.FrameFromPTS(f.PTS)
}

// next returns the next frame out of the decoder, feeding it packets of
// the track as needed. It returns io.EOF once the decoder is drained.
func (v *VideoSource) next(ctx context.Context) (*media.Frame, error) {
	for {
		f, err := v.dec.Receive()
		if err == nil {
			return f, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if !errors.Is(err, container.ErrAgain) {
			return nil, media.Wrap(media.KindDecodeError, "get frame", err, "receive")
		}
		if v.drained {
			return nil, io.EOF
		}

		pkt, err := v.dmx.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			v.drained = true
			if err := v.dec.Send(nil); err != nil {
				return nil, media.Wrap(media.KindDecodeError, "get frame", err, "drain")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if pkt.Stream != v.info.Index {
			continue
		}
		if err := v.dec.Send(pkt); err != nil {
			return nil, media.Wrap(media.KindDecodeError, "get frame", err, "packet at offset %d", pkt.Pos)
		}
	}
}
