// Package mpegts is the native MPEG transport stream backend. It reads
// PAT/PMT and PES units with the byte offset of their first TS packet,
// learns stream parameters from the H.264/H.265 parameter sets and ADTS
// headers, and repositions by byte offset.
package mpegts

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/zsiec/ffindex/codec"
	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/internal/demux"
	mts "github.com/zsiec/ffindex/internal/mpegts"
	"github.com/zsiec/ffindex/media"
)

const (
	packetSize = 188

	// probePackets is how many consecutive sync bytes Probe wants.
	probePackets = 3

	// discoverLimit bounds the scan for PMT and parameter sets on open.
	discoverLimit = 8 << 20

	ptsWrap = 1 << 33
)

// PMT stream types.
const (
	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypePrivate    = 0x06
	streamTypeAAC        = 0x0F
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81
)

// Backend reads MPEG-TS files.
type Backend struct{}

// New returns the MPEG-TS backend.
func New() *Backend {
	return &Backend{}
}

func (*Backend) Kind() media.SourceKind { return media.SourceMPEGTS }
func (*Backend) Name() string           { return "mpegts" }
func (*Backend) Available() bool        { return true }

// Probe looks for probePackets sync bytes one packet apart within the
// first packet's worth of bytes. A file shorter than that must be
// aligned from offset 0.
func (*Backend) Probe(head []byte) bool {
	for start := 0; start < packetSize && start < len(head); start++ {
		n := 0
		for off := start; off < len(head) && head[off] == 0x47; off += packetSize {
			n++
		}
		if n >= probePackets {
			return true
		}
		if start == 0 && n > 0 && n*packetSize >= len(head) {
			return true
		}
	}
	return false
}

// NewDecoder returns a pure-Go decoder for the stream.
func (*Backend) NewDecoder(info container.StreamInfo, opts container.DecoderOptions) (container.Decoder, error) {
	return codec.New(info, opts)
}

// Open opens path and scans its head for the program map and the
// parameters of every stream.
func (*Backend) Open(ctx context.Context, path string, log *slog.Logger) (container.Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, media.Wrap(media.KindNoSuchFile, "open", err, "open %s", path)
		}
		return nil, media.Wrap(media.KindReadError, "open", err, "open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, media.Wrap(media.KindReadError, "open", err, "stat %s", path)
	}

	bf := newBufferedFile(f)
	d := &demuxer{
		log:     log.With("component", "mpegts"),
		file:    bf,
		size:    st.Size(),
		dmx:     mts.NewDemuxer(bf),
		byPID:   make(map[uint16]int),
		parsers: make(map[int]*demux.VideoParser),
		refPTS:  media.NoPTS,
	}
	if err := d.discover(ctx); err != nil {
		f.Close()
		return nil, err
	}
	if err := d.dmx.SeekOffset(0); err != nil {
		f.Close()
		return nil, media.Wrap(media.KindReadError, "open", err, "rewind %s", path)
	}
	return d, nil
}

type demuxer struct {
	log  *slog.Logger
	file *bufferedFile
	size int64
	dmx  *mts.Demuxer

	streams []container.StreamInfo
	byPID   map[uint16]int
	parsers map[int]*demux.VideoParser

	// refPTS is the first timestamp of the file; later timestamps more
	// than half the 33-bit range below it have wrapped.
	refPTS int64
}

func (d *demuxer) discover(ctx context.Context) error {
	pmtSeen := false
	pending := make(map[int]bool)
	for d.dmx.Offset() < discoverLimit {
		if err := ctx.Err(); err != nil {
			return media.Wrap(media.KindCancelled, "open", err, "stream discovery")
		}
		data, err := d.dmx.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return media.Wrap(media.KindReadError, "open", err, "stream discovery")
		}

		if data.Kind == mts.UnitPMT && !pmtSeen {
			pmtSeen = true
			for _, es := range data.Streams {
				if _, dup := d.byPID[es.PID]; dup {
					continue
				}
				i := len(d.streams)
				info := streamInfo(es.Type)
				info.Index = i
				d.streams = append(d.streams, info)
				d.byPID[es.PID] = i
				switch info.Codec {
				case demux.CodecH264, demux.CodecHEVC:
					d.parsers[i] = demux.NewVideoParser(info.Codec, d.log)
					pending[i] = true
				case "aac":
					pending[i] = true
				}
				d.log.Debug("found stream", "pid", es.PID, "index", i,
					"type", info.Type, "codec", info.Codec)
			}
			continue
		}
		if !pmtSeen || data.PES == nil {
			continue
		}

		i, ok := d.byPID[data.PID]
		if !ok {
			continue
		}
		if data.PES.PTS != mts.NoTimestamp && d.refPTS == media.NoPTS {
			d.refPTS = data.PES.PTS
		}
		if !pending[i] {
			continue
		}
		if p := d.parsers[i]; p != nil {
			p.Parse(data.PES.Data)
			if p.HasParams() {
				d.applyVideoParams(i, p.Params())
				delete(pending, i)
			}
		} else if _, rate, ch, _ := demux.ADTSSampleCount(data.PES.Data); rate > 0 {
			d.streams[i].SampleRate = rate
			d.streams[i].Channels = ch
			delete(pending, i)
		}
		if len(pending) == 0 && d.refPTS != media.NoPTS {
			break
		}
	}

	if !pmtSeen {
		return media.Errorf(media.KindUnsupportedFormat, "open", "no program map table in the first %d bytes", discoverLimit)
	}
	for i := range pending {
		d.log.Warn("stream parameters not found", "index", i, "codec", d.streams[i].Codec)
	}
	for _, p := range d.parsers {
		p.ResetCaptions()
	}
	return nil
}

func streamInfo(streamType uint8) container.StreamInfo {
	info := container.StreamInfo{TimeBase: media.Rational{Num: 1, Den: 90000}}
	switch streamType {
	case streamTypeH264:
		info.Type, info.Codec = media.TrackTypeVideo, demux.CodecH264
	case streamTypeH265:
		info.Type, info.Codec = media.TrackTypeVideo, demux.CodecHEVC
	case streamTypeMPEG1Video, streamTypeMPEG2Video:
		info.Type, info.Codec = media.TrackTypeVideo, "mpeg2video"
	case streamTypeAAC:
		info.Type, info.Codec = media.TrackTypeAudio, "aac"
		info.SampleFormat, info.BitsPerSample = media.SampleFormatFloat, 32
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		info.Type, info.Codec = media.TrackTypeAudio, "mp2"
	case streamTypeAC3:
		info.Type, info.Codec = media.TrackTypeAudio, "ac3"
	case streamTypePrivate:
		info.Type, info.Codec = media.TrackTypeData, "private"
	default:
		info.Type, info.Codec = media.TrackTypeUnknown, "unknown"
	}
	return info
}

func (d *demuxer) applyVideoParams(i int, p demux.StreamParams) {
	s := &d.streams[i]
	s.Width, s.Height = p.Width, p.Height
	s.PixelFormat = p.PixelFormat
	s.ReorderDepth = p.ReorderDepth
	if p.SARNum > 0 && p.SARDen > 0 {
		s.SAR = media.Rational{Num: int64(p.SARNum), Den: int64(p.SARDen)}
	}
	if p.FrameRateNum > 0 && p.FrameRateDen > 0 {
		s.FrameRate = media.Rational{Num: p.FrameRateNum, Den: p.FrameRateDen}
	}
}

func (d *demuxer) Streams() []container.StreamInfo {
	return append([]container.StreamInfo(nil), d.streams...)
}

func (d *demuxer) ReadPacket(ctx context.Context) (*container.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := d.dmx.Next(ctx)
		if errors.Is(err, io.EOF) {
			if d.dmx.Resyncs()+d.dmx.Corrupt() > 0 {
				d.log.Debug("damaged stream", "resyncs", d.dmx.Resyncs(), "corrupt_units", d.dmx.Corrupt())
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, media.Wrap(media.KindReadError, "read packet", err, "at offset %d", d.dmx.Offset())
		}
		if data.PES == nil {
			continue
		}
		i, ok := d.byPID[data.PID]
		if !ok {
			continue
		}
		return d.packet(i, data), nil
	}
}

func (d *demuxer) packet(i int, u *mts.Unit) *container.Packet {
	pes := u.PES
	pkt := &container.Packet{
		Stream:        i,
		PTS:           media.NoPTS,
		DTS:           media.NoPTS,
		Pos:           u.Offset,
		Discontinuity: u.Discontinuity,
		Data:          pes.Data,
	}
	if pes.PTS != mts.NoTimestamp {
		pkt.PTS = d.unwrap(pes.PTS)
	}
	if pes.DTS != mts.NoTimestamp {
		pkt.DTS = d.unwrap(pes.DTS)
	} else {
		pkt.DTS = pkt.PTS
	}

	s := d.streams[i]
	switch {
	case d.parsers[i] != nil:
		au := d.parsers[i].Parse(pes.Data)
		pkt.Keyframe = au.Keyframe
		pkt.RepeatPict = au.RepeatPict
		pkt.TopFieldFirst = au.TopFieldFirst
		pkt.Captions = au.Captions
	case s.Codec == "aac":
		n, _, _, err := demux.ADTSSampleCount(pes.Data)
		if err != nil {
			d.log.Debug("bad ADTS frame", "offset", pkt.Pos, "error", err)
		}
		pkt.SampleCount = n
		pkt.Keyframe = true
	case s.Type == media.TrackTypeAudio:
		pkt.Keyframe = true
	default:
		pkt.Keyframe = u.RandomAccess
		pkt.KeyframeUnknown = !pkt.Keyframe
	}
	return pkt
}

func (d *demuxer) unwrap(ts int64) int64 {
	if d.refPTS == media.NoPTS {
		d.refPTS = ts
		return ts
	}
	if ts < d.refPTS-ptsWrap/2 {
		return ts + ptsWrap
	}
	return ts
}

func (d *demuxer) SeekByte(pos int64) error {
	if pos < 0 || pos > d.size {
		return media.Errorf(media.KindSeekError, "seek", "offset %d outside file of %d bytes", pos, d.size)
	}
	if err := d.dmx.SeekOffset(pos); err != nil {
		return media.Wrap(media.KindSeekError, "seek", err, "offset %d", pos)
	}
	for _, p := range d.parsers {
		p.ResetCaptions()
	}
	return nil
}

// SeekTime scans from the start for the last keyframe of stream at or
// before ts and repositions there.
func (d *demuxer) SeekTime(stream int, ts int64) error {
	if stream < 0 || stream >= len(d.streams) {
		return media.Errorf(media.KindInvalidArgument, "seek", "stream %d out of range", stream)
	}
	if err := d.SeekByte(0); err != nil {
		return err
	}
	best := int64(0)
	for {
		pkt, err := d.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return media.Wrap(media.KindSeekError, "seek", err, "scan for %d", ts)
		}
		if pkt.Stream != stream || !pkt.Keyframe || pkt.PTS == media.NoPTS {
			continue
		}
		if pkt.PTS > ts {
			break
		}
		best = pkt.Pos
	}
	return d.SeekByte(best)
}

func (d *demuxer) Size() int64     { return d.size }
func (d *demuxer) Position() int64 { return d.dmx.Offset() }

func (d *demuxer) Close() error {
	return d.file.Close()
}
