// Package matroska is the native Matroska/WebM backend. Packets carry the
// byte offset of the block element they came from, and the demuxer can
// resume at any block offset by locating its enclosing cluster.
package matroska

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"github.com/zsiec/ffindex/codec"
	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/internal/demux"
	"github.com/zsiec/ffindex/media"
)

// Element IDs.
const (
	idEBML           = 0x1A45DFA3
	idDocType        = 0x4282
	idSegment        = 0x18538067
	idSeekHead       = 0x114D9B74
	idInfo           = 0x1549A966
	idTimecodeScale  = 0x2AD7B1
	idTracks         = 0x1654AE6B
	idTrackEntry     = 0xAE
	idTrackNumber    = 0xD7
	idTrackType      = 0x83
	idCodecID        = 0x86
	idCodecPrivate   = 0x63A2
	idDefaultDur     = 0x23E383
	idContentEncs    = 0x6D80
	idVideo          = 0xE0
	idPixelWidth     = 0xB0
	idPixelHeight    = 0xBA
	idDisplayWidth   = 0x54B0
	idDisplayHeight  = 0x54BA
	idColourSpace    = 0x2EB524
	idAudio          = 0xE1
	idSamplingFreq   = 0xB5
	idChannels       = 0x9F
	idBitDepth       = 0x6264
	idCluster        = 0x1F43B675
	idTimecode       = 0xE7
	idSimpleBlock    = 0xA3
	idBlockGroup     = 0xA0
	idBlock          = 0xA1
	idReferenceBlock = 0xFB
	idCues           = 0x1C53BB6B
	idChapters       = 0x1043A770
	idTags           = 0x1254C367
	idAttachments    = 0x1941A469
)

// Matroska track types.
const (
	trackVideo    = 1
	trackAudio    = 2
	trackSubtitle = 0x11
)

const defaultTimecodeScale = 1000000

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Backend reads Matroska and WebM files.
type Backend struct{}

// New returns the Matroska backend.
func New() *Backend {
	return &Backend{}
}

func (*Backend) Kind() media.SourceKind { return media.SourceMatroska }
func (*Backend) Name() string           { return "matroska" }
func (*Backend) Available() bool        { return true }

// Probe checks for the EBML magic and, when the header is complete in
// head, a matroska or webm DocType.
func (*Backend) Probe(head []byte) bool {
	if !bytes.HasPrefix(head, ebmlMagic) {
		return false
	}
	_, size, n, err := parseHeader(head)
	if err != nil || size == unknownSize || uint64(len(head)-n) < size {
		return err == nil
	}
	doc := "matroska"
	_ = walk(head[n:n+int(size)], func(id uint32, data []byte) error {
		if id == idDocType {
			doc = string(data)
		}
		return nil
	})
	return doc == "matroska" || doc == "webm"
}

// NewDecoder returns a pure-Go decoder for the stream.
func (*Backend) NewDecoder(info container.StreamInfo, opts container.DecoderOptions) (container.Decoder, error) {
	return codec.New(info, opts)
}

// Open reads the EBML header, segment info and track list of path and
// positions the demuxer at the first cluster.
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
	d := &demuxer{
		log:       log.With("component", "matroska"),
		f:         f,
		er:        newReader(f),
		size:      st.Size(),
		timescale: defaultTimecodeScale,
		byNumber:  make(map[uint64]int),
	}
	if err := d.parseHead(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// track is the per-stream state kept beside the StreamInfo.
type track struct {
	// blockAlign is the size of one PCM sample frame, or 0.
	blockAlign int
	// nalLength is the NAL length field size of AVCC/HVCC payloads.
	nalLength int
	parser    *demux.VideoParser
}

// cluster is one entry of the cluster table used to resume reading
// inside a cluster.
type cluster struct {
	start, data, end int64
	timecode         int64
}

type demuxer struct {
	log  *slog.Logger
	f    *os.File
	er   *reader
	size int64

	segStart, segEnd int64
	firstCluster     int64
	timescale        uint64

	streams  []container.StreamInfo
	tracks   []track
	byNumber map[uint64]int

	// clusters is filled lazily by scanning cluster headers from
	// firstCluster; scanPos is where the scan resumes.
	clusters []cluster
	scanPos  int64
	scanDone bool

	inCluster  bool
	clusterTC  int64
	clusterEnd int64
	pending    []*container.Packet
}

func (d *demuxer) parseHead(ctx context.Context) error {
	id, size, err := d.er.readHeader()
	if err != nil || id != idEBML || size == unknownSize {
		return media.Errorf(media.KindUnsupportedFormat, "open", "no EBML header")
	}
	hdr, err := d.er.readN(size)
	if err != nil {
		return media.Wrap(media.KindReadError, "open", err, "read EBML header")
	}
	doc := "matroska"
	_ = walk(hdr, func(id uint32, data []byte) error {
		if id == idDocType {
			doc = string(data)
		}
		return nil
	})
	if doc != "matroska" && doc != "webm" {
		return media.Errorf(media.KindUnsupportedFormat, "open", "unsupported document type %q", doc)
	}

	for {
		id, size, err = d.er.readHeader()
		if err != nil {
			return media.Errorf(media.KindUnsupportedFormat, "open", "no segment")
		}
		if id == idSegment {
			break
		}
		if size == unknownSize {
			return media.Errorf(media.KindCorruptData, "open", "top-level element %#x of unknown size", id)
		}
		if err := d.er.skip(size); err != nil {
			return media.Wrap(media.KindReadError, "open", err, "skip element %#x", id)
		}
	}
	d.segStart = d.er.pos
	d.segEnd = d.size
	if size != unknownSize && d.segStart+int64(size) < d.size {
		d.segEnd = d.segStart + int64(size)
	}

	var entries [][]byte
	d.firstCluster = d.segEnd
	for d.er.pos < d.segEnd {
		if err := ctx.Err(); err != nil {
			return media.Wrap(media.KindCancelled, "open", err, "read segment")
		}
		start := d.er.pos
		id, size, err := d.er.readHeader()
		if err != nil {
			break
		}
		if id == idCluster {
			d.firstCluster = start
			break
		}
		if size == unknownSize {
			return media.Errorf(media.KindCorruptData, "open", "element %#x of unknown size at %d", id, start)
		}
		switch id {
		case idInfo, idTracks:
			data, err := d.er.readN(size)
			if err != nil {
				return media.Wrap(media.KindReadError, "open", err, "read element %#x", id)
			}
			if id == idInfo {
				_ = walk(data, func(id uint32, data []byte) error {
					if id == idTimecodeScale {
						if v := readUint(data); v > 0 {
							d.timescale = v
						}
					}
					return nil
				})
				continue
			}
			err = walk(data, func(id uint32, data []byte) error {
				if id == idTrackEntry {
					entries = append(entries, data)
				}
				return nil
			})
			if err != nil {
				return media.Wrap(media.KindCorruptData, "open", err, "parse track list")
			}
		default:
			if err := d.er.skip(size); err != nil {
				return media.Wrap(media.KindReadError, "open", err, "skip element %#x", id)
			}
		}
	}
	if len(entries) == 0 {
		return media.Errorf(media.KindUnsupportedFormat, "open", "no tracks")
	}

	tb := timeBase(d.timescale)
	for _, e := range entries {
		te, err := parseTrackEntry(e)
		if err != nil {
			return media.Wrap(media.KindCorruptData, "open", err, "parse track entry")
		}
		info, tr := d.streamInfo(te)
		info.Index = len(d.streams)
		info.TimeBase = tb
		d.byNumber[te.number] = info.Index
		d.streams = append(d.streams, info)
		d.tracks = append(d.tracks, tr)
	}
	d.scanPos = d.firstCluster
	return d.SeekByte(0)
}

// timeBase reduces TimecodeScale nanoseconds to a rational.
func timeBase(scale uint64) media.Rational {
	r := new(big.Rat).SetFrac64(int64(scale), 1000000000)
	return media.Rational{Num: r.Num().Int64(), Den: r.Denom().Int64()}
}

type trackEntry struct {
	number      uint64
	kind        uint64
	codecID     string
	private     []byte
	defaultDur  uint64
	encoded     bool
	width       uint64
	height      uint64
	dispWidth   uint64
	dispHeight  uint64
	colourSpace string
	rate        float64
	channels    uint64
	bitDepth    uint64
}

func parseTrackEntry(b []byte) (trackEntry, error) {
	te := trackEntry{channels: 1, rate: 8000}
	err := walk(b, func(id uint32, data []byte) error {
		switch id {
		case idTrackNumber:
			te.number = readUint(data)
		case idTrackType:
			te.kind = readUint(data)
		case idCodecID:
			te.codecID = strings.TrimRight(string(data), "\x00")
		case idCodecPrivate:
			te.private = data
		case idDefaultDur:
			te.defaultDur = readUint(data)
		case idContentEncs:
			te.encoded = true
		case idVideo:
			return walk(data, func(id uint32, data []byte) error {
				switch id {
				case idPixelWidth:
					te.width = readUint(data)
				case idPixelHeight:
					te.height = readUint(data)
				case idDisplayWidth:
					te.dispWidth = readUint(data)
				case idDisplayHeight:
					te.dispHeight = readUint(data)
				case idColourSpace:
					te.colourSpace = string(data)
				}
				return nil
			})
		case idAudio:
			return walk(data, func(id uint32, data []byte) error {
				switch id {
				case idSamplingFreq:
					te.rate = readFloat(data)
				case idChannels:
					te.channels = readUint(data)
				case idBitDepth:
					te.bitDepth = readUint(data)
				}
				return nil
			})
		}
		return nil
	})
	return te, err
}

var rawFourCC = map[string]media.PixelFormat{
	"I420": media.PixelFormatYUV420P,
	"IYUV": media.PixelFormatYUV420P,
	"YUY2": media.PixelFormatYUYV422,
	"Y800": media.PixelFormatGray,
	"GREY": media.PixelFormatGray,
	"Y8  ": media.PixelFormatGray,
	"444P": media.PixelFormatYUV444P,
	"422P": media.PixelFormatYUV422P,
}

var audioCodecs = map[string]string{
	"A_AAC":     "aac",
	"A_AC3":     "ac3",
	"A_EAC3":    "eac3",
	"A_DTS":     "dts",
	"A_FLAC":    "flac",
	"A_OPUS":    "opus",
	"A_VORBIS":  "vorbis",
	"A_MPEG/L2": "mp2",
	"A_MPEG/L3": "mp3",
}

func (d *demuxer) streamInfo(te trackEntry) (container.StreamInfo, track) {
	var info container.StreamInfo
	var tr track
	switch te.kind {
	case trackVideo:
		info.Type = media.TrackTypeVideo
		info.Width, info.Height = int(te.width), int(te.height)
		if te.defaultDur > 0 {
			r := new(big.Rat).SetFrac64(1000000000, int64(te.defaultDur))
			info.FrameRate = media.Rational{Num: r.Num().Int64(), Den: r.Denom().Int64()}
		}
		if te.dispWidth > 0 && te.dispHeight > 0 && te.width > 0 && te.height > 0 {
			r := new(big.Rat).SetFrac64(int64(te.dispWidth*te.height), int64(te.dispHeight*te.width))
			info.SAR = media.Rational{Num: r.Num().Int64(), Den: r.Denom().Int64()}
		}
		d.videoCodec(te, &info, &tr)
	case trackAudio:
		info.Type = media.TrackTypeAudio
		info.SampleRate = int(te.rate)
		info.Channels = int(te.channels)
		info.BitsPerSample = int(te.bitDepth)
		info.Codec = audioCodec(te)
		if sf, bits, ok := codec.PCMSampleFormat(info.Codec); ok {
			info.SampleFormat = sf
			info.BitsPerSample = bits
			tr.blockAlign = bits / 8 * info.Channels
		} else if strings.HasPrefix(te.codecID, "A_AAC") {
			info.SampleFormat = media.SampleFormatFloat
			info.BitsPerSample = 32
		}
	case trackSubtitle:
		info.Type = media.TrackTypeSubtitle
		info.Codec = strings.ToLower(strings.TrimPrefix(te.codecID, "S_"))
	default:
		info.Type = media.TrackTypeData
		info.Codec = strings.ToLower(te.codecID)
	}
	info.Extradata = te.private
	if te.encoded {
		d.log.Warn("track uses content encoding, packets are passed through unchanged", "track", te.number, "codec", te.codecID)
	}
	return info, tr
}

func audioCodec(te trackEntry) string {
	switch te.codecID {
	case "A_PCM/INT/LIT":
		switch te.bitDepth {
		case 8:
			return "pcm_u8"
		case 24:
			return "pcm_s24le"
		case 32:
			return "pcm_s32le"
		}
		return "pcm_s16le"
	case "A_PCM/INT/BIG":
		return "pcm_s16be"
	case "A_PCM/FLOAT/IEEE":
		if te.bitDepth == 64 {
			return "pcm_f64le"
		}
		return "pcm_f32le"
	}
	for prefix, name := range audioCodecs {
		if te.codecID == prefix || strings.HasPrefix(te.codecID, prefix+"/") {
			return name
		}
	}
	return strings.ToLower(strings.TrimPrefix(te.codecID, "A_"))
}

func (d *demuxer) videoCodec(te trackEntry, info *container.StreamInfo, tr *track) {
	switch te.codecID {
	case "V_UNCOMPRESSED":
		info.Codec = "rawvideo"
		info.PixelFormat = rawFourCC[te.colourSpace]
		if info.PixelFormat == media.PixelFormatNone {
			d.log.Warn("unsupported raw colour space", "track", te.number, "fourcc", te.colourSpace)
		}
	case "V_MPEG4/ISO/AVC":
		info.Codec = demux.CodecH264
		info.ReorderDepth = 2
		d.nalConfig(te.private, info, tr, avcCParameterSets)
	case "V_MPEGH/ISO/HEVC":
		info.Codec = demux.CodecHEVC
		info.ReorderDepth = 2
		d.nalConfig(te.private, info, tr, hvcCParameterSets)
	case "V_MPEG2", "V_MPEG1":
		info.Codec = "mpeg2video"
		info.ReorderDepth = 1
	default:
		info.Codec = strings.ToLower(strings.TrimPrefix(te.codecID, "V_"))
		d.log.Debug("video codec without native parameter parsing", "track", te.number, "codec", te.codecID)
	}
}

// nalConfig primes a video parser with the parameter sets of an avcC or
// hvcC record and applies what it learned.
func (d *demuxer) nalConfig(private []byte, info *container.StreamInfo, tr *track, sets func([]byte) (int, [][]byte, bool)) {
	tr.parser = demux.NewVideoParser(info.Codec, d.log)
	n, nalus, ok := sets(private)
	if !ok {
		d.log.Warn("missing or malformed codec configuration record", "codec", info.Codec)
		tr.nalLength = 4
		return
	}
	tr.nalLength = n
	var annexB []byte
	for _, nalu := range nalus {
		annexB = append(annexB, 0, 0, 0, 1)
		annexB = append(annexB, nalu...)
	}
	tr.parser.Parse(annexB)
	if !tr.parser.HasParams() {
		return
	}
	p := tr.parser.Params()
	if info.Width == 0 || info.Height == 0 {
		info.Width, info.Height = p.Width, p.Height
	}
	info.PixelFormat = p.PixelFormat
	info.ReorderDepth = p.ReorderDepth
	if !info.SAR.Valid() && p.SARNum > 0 && p.SARDen > 0 {
		info.SAR = media.Rational{Num: int64(p.SARNum), Den: int64(p.SARDen)}
	}
	if !info.FrameRate.Valid() && p.FrameRateNum > 0 && p.FrameRateDen > 0 {
		info.FrameRate = media.Rational{Num: p.FrameRateNum, Den: p.FrameRateDen}
	}
}

// avcCParameterSets returns the NAL length size and the SPS and PPS units
// of an AVCDecoderConfigurationRecord.
func avcCParameterSets(b []byte) (int, [][]byte, bool) {
	if len(b) < 7 || b[0] != 1 {
		return 0, nil, false
	}
	n := int(b[4]&3) + 1
	var out [][]byte
	p := 6
	count := int(b[5] & 0x1F)
	for set := 0; set < 2; set++ {
		for i := 0; i < count; i++ {
			if p+2 > len(b) {
				return 0, nil, false
			}
			l := int(b[p])<<8 | int(b[p+1])
			p += 2
			if p+l > len(b) {
				return 0, nil, false
			}
			out = append(out, b[p:p+l])
			p += l
		}
		if set == 0 {
			if p >= len(b) {
				break
			}
			count = int(b[p])
			p++
		}
	}
	return n, out, true
}

// hvcCParameterSets returns the NAL length size and the parameter set
// units of an HEVCDecoderConfigurationRecord.
func hvcCParameterSets(b []byte) (int, [][]byte, bool) {
	if len(b) < 23 {
		return 0, nil, false
	}
	n := int(b[21]&3) + 1
	var out [][]byte
	p := 23
	for a := 0; a < int(b[22]); a++ {
		if p+3 > len(b) {
			return 0, nil, false
		}
		count := int(b[p+1])<<8 | int(b[p+2])
		p += 3
		for i := 0; i < count; i++ {
			if p+2 > len(b) {
				return 0, nil, false
			}
			l := int(b[p])<<8 | int(b[p+1])
			p += 2
			if p+l > len(b) {
				return 0, nil, false
			}
			out = append(out, b[p:p+l])
			p += l
		}
	}
	return n, out, true
}

// lengthPrefixedToAnnexB rewrites n-byte NAL lengths as start codes.
func lengthPrefixedToAnnexB(data []byte, n int) []byte {
	out := make([]byte, 0, len(data)+16)
	for len(data) >= n {
		l := int(readUint(data[:n]))
		data = data[n:]
		if l > len(data) {
			l = len(data)
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[:l]...)
		data = data[l:]
	}
	return out
}

func (d *demuxer) Streams() []container.StreamInfo {
	return append([]container.StreamInfo(nil), d.streams...)
}

func isTopLevel(id uint32) bool {
	switch id {
	case idCluster, idCues, idTags, idChapters, idAttachments, idSeekHead, idInfo, idTracks:
		return true
	}
	return false
}

func (d *demuxer) ReadPacket(ctx context.Context) (*container.Packet, error) {
	for {
		if len(d.pending) > 0 {
			pkt := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			return pkt, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, media.Wrap(media.KindCancelled, "read packet", err, "read cancelled")
		}
		start := d.er.pos
		if start >= d.segEnd {
			return nil, io.EOF
		}
		if d.inCluster && start >= d.clusterEnd {
			d.inCluster = false
		}
		id, size, err := d.er.readHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, media.Wrap(media.KindCorruptData, "read packet", err, "element header at %d", start)
		}
		data := d.er.pos
		if size == unknownSize {
			if id != idCluster {
				return nil, media.Errorf(media.KindCorruptData, "read packet", "element %#x of unknown size at %d", id, start)
			}
			size = uint64(d.segEnd - data)
		}
		if data+int64(size) > d.size {
			d.log.Warn("element truncated by end of file", "id", id, "offset", start)
			size = uint64(d.size - data)
		}

		if !d.inCluster || isTopLevel(id) {
			d.inCluster = false
			if id == idCluster {
				d.inCluster = true
				d.clusterTC = 0
				d.clusterEnd = data + int64(size)
				continue
			}
			if err := d.er.skip(size); err != nil {
				return nil, io.EOF
			}
			continue
		}

		switch id {
		case idTimecode, idSimpleBlock, idBlockGroup:
			payload, err := d.er.readN(size)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil, io.EOF
				}
				return nil, media.Wrap(media.KindReadError, "read packet", err, "read element at %d", start)
			}
			switch id {
			case idTimecode:
				d.clusterTC = int64(readUint(payload))
			case idSimpleBlock:
				d.block(start, payload, nil)
			case idBlockGroup:
				d.blockGroup(start, payload)
			}
		default:
			if err := d.er.skip(size); err != nil {
				return nil, io.EOF
			}
		}
	}
}

func (d *demuxer) blockGroup(pos int64, b []byte) {
	var block []byte
	referenced := false
	err := walk(b, func(id uint32, data []byte) error {
		switch id {
		case idBlock:
			block = data
		case idReferenceBlock:
			referenced = true
		}
		return nil
	})
	if err != nil || block == nil {
		d.log.Warn("skipping malformed block group", "offset", pos, "error", err)
		return
	}
	key := !referenced
	d.block(pos, block, &key)
}

// block queues the frames of a SimpleBlock or Block payload. keyframe
// overrides the SimpleBlock flag for blocks inside a BlockGroup.
func (d *demuxer) block(pos int64, b []byte, keyframe *bool) {
	number, n, err := parseVint(b)
	if err != nil || len(b) < n+3 {
		d.log.Warn("skipping malformed block", "offset", pos)
		return
	}
	si, ok := d.byNumber[number]
	if !ok {
		return
	}
	rel := int16(uint16(b[n])<<8 | uint16(b[n+1]))
	flags := b[n+2]
	frames, err := splitLaces(b[n+3:], flags)
	if err != nil {
		d.log.Warn("skipping block with bad lacing", "offset", pos, "error", err)
		return
	}

	key := flags&0x80 != 0
	if keyframe != nil {
		key = *keyframe
	}
	info := &d.streams[si]
	tr := &d.tracks[si]
	if info.Type == media.TrackTypeAudio {
		key = true
	}
	pts := d.clusterTC + int64(rel)
	for _, f := range frames {
		pkt := &container.Packet{
			Stream:   si,
			PTS:      pts,
			DTS:      media.NoPTS,
			Pos:      pos,
			Keyframe: key,
			Data:     f,
		}
		if tr.blockAlign > 0 {
			pkt.SampleCount = len(f) / tr.blockAlign
		}
		if tr.parser != nil {
			au := tr.parser.Parse(lengthPrefixedToAnnexB(f, tr.nalLength))
			pkt.RepeatPict = au.RepeatPict
			pkt.TopFieldFirst = au.TopFieldFirst
			pkt.Captions = au.Captions
		}
		d.pending = append(d.pending, pkt)
	}
}

// splitLaces returns the frames of a block payload according to the
// lacing bits of flags.
func splitLaces(data []byte, flags byte) ([][]byte, error) {
	lacing := (flags >> 1) & 3
	if lacing == 0 {
		return [][]byte{data}, nil
	}
	if len(data) < 1 {
		return nil, io.ErrUnexpectedEOF
	}
	count := int(data[0]) + 1
	data = data[1:]
	sizes := make([]int, count)

	switch lacing {
	case 1: // Xiph
		for i := 0; i < count-1; i++ {
			for {
				if len(data) == 0 {
					return nil, io.ErrUnexpectedEOF
				}
				c := data[0]
				data = data[1:]
				sizes[i] += int(c)
				if c != 0xFF {
					break
				}
			}
		}
	case 2: // fixed
		if len(data)%count != 0 {
			return nil, errors.New("matroska: fixed lacing does not divide block")
		}
		for i := range sizes {
			sizes[i] = len(data) / count
		}
	case 3: // EBML
		if count > 1 {
			v, n, err := parseVint(data)
			if err != nil {
				return nil, err
			}
			if v > uint64(len(data)) {
				return nil, errors.New("matroska: lace larger than block")
			}
			sizes[0] = int(v)
			data = data[n:]
			for i := 1; i < count-1; i++ {
				delta, n, err := parseSignedVint(data)
				if err != nil {
					return nil, err
				}
				sizes[i] = sizes[i-1] + int(delta)
				data = data[n:]
			}
		}
	}
	if lacing != 2 {
		sum := 0
		for _, s := range sizes[:count-1] {
			if s < 0 || s > len(data)-sum {
				return nil, errors.New("matroska: lace sizes do not fit the block")
			}
			sum += s
		}
		sizes[count-1] = len(data) - sum
	}
	frames := make([][]byte, count)
	for i, s := range sizes {
		frames[i] = data[:s:s]
		data = data[s:]
	}
	return frames, nil
}

// scanCluster adds the next cluster to the table. It reports false when
// no cluster follows scanPos.
func (d *demuxer) scanCluster() bool {
	for !d.scanDone && d.scanPos < d.segEnd {
		start := d.scanPos
		id, size, n, err := headerAt(d.f, start)
		if err != nil {
			break
		}
		data := start + int64(n)
		if id != idCluster {
			if size == unknownSize {
				break
			}
			d.scanPos = data + int64(size)
			continue
		}
		c := cluster{start: start, data: data, end: data + int64(size)}
		if size == unknownSize {
			c.end = d.unknownClusterEnd(data)
		}
		if c.end > d.segEnd {
			c.end = d.segEnd
		}
		if cid, csize, cn, err := headerAt(d.f, data); err == nil && cid == idTimecode && csize <= 8 {
			buf := make([]byte, csize)
			if _, err := d.f.ReadAt(buf, data+int64(cn)); err == nil {
				c.timecode = int64(readUint(buf))
			}
		}
		d.clusters = append(d.clusters, c)
		d.scanPos = c.end
		return true
	}
	d.scanDone = true
	return false
}

// unknownClusterEnd walks the children of a cluster of unknown size up
// to the next top-level element.
func (d *demuxer) unknownClusterEnd(off int64) int64 {
	for off < d.segEnd {
		id, size, n, err := headerAt(d.f, off)
		if err != nil || isTopLevel(id) || size == unknownSize {
			break
		}
		off += int64(n) + int64(size)
	}
	return min(off, d.segEnd)
}

// clusterAt returns the cluster whose span contains pos, scanning
// further cluster headers as needed.
func (d *demuxer) clusterAt(pos int64) (cluster, bool) {
	for {
		if n := len(d.clusters); n > 0 && pos < d.clusters[n-1].end {
			return d.binarySearch(pos)
		}
		if !d.scanCluster() {
			return cluster{}, false
		}
	}
}

func (d *demuxer) binarySearch(pos int64) (cluster, bool) {
	lo, hi := 0, len(d.clusters)
	for lo < hi {
		mid := (lo + hi) / 2
		if d.clusters[mid].end <= pos {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(d.clusters) && d.clusters[lo].start <= pos {
		return d.clusters[lo], true
	}
	return cluster{}, false
}

// SeekByte resumes reading at the element starting at pos, which must be
// a block offset returned in a packet or a cluster start. Offsets before
// the first cluster rewind to it.
func (d *demuxer) SeekByte(pos int64) error {
	if pos < 0 || pos > d.size {
		return media.Errorf(media.KindSeekError, "seek", "offset %d outside file of %d bytes", pos, d.size)
	}
	d.pending = nil
	d.resetParsers()
	if pos < d.firstCluster {
		d.inCluster = false
		return d.seekReader(d.firstCluster)
	}
	c, ok := d.clusterAt(pos)
	if !ok {
		if pos >= d.segEnd {
			d.inCluster = false
			return d.seekReader(pos)
		}
		return media.Errorf(media.KindSeekError, "seek", "offset %d is not inside a cluster", pos)
	}
	if pos == c.start {
		d.inCluster = false
	} else {
		d.inCluster = true
		d.clusterTC = c.timecode
		d.clusterEnd = c.end
	}
	return d.seekReader(pos)
}

func (d *demuxer) seekReader(pos int64) error {
	if err := d.er.seek(pos); err != nil {
		return media.Wrap(media.KindSeekError, "seek", err, "seek to %d", pos)
	}
	return nil
}

func (d *demuxer) resetParsers() {
	for _, tr := range d.tracks {
		if tr.parser != nil {
			tr.parser.ResetCaptions()
		}
	}
}

// SeekTime positions at the last cluster starting at or before ts. The
// caller verifies where it landed.
func (d *demuxer) SeekTime(stream int, ts int64) error {
	if stream < 0 || stream >= len(d.streams) {
		return media.Errorf(media.KindInvalidArgument, "seek", "no stream %d", stream)
	}
	for d.scanCluster() {
	}
	target := -1
	for i, c := range d.clusters {
		if c.timecode > ts {
			break
		}
		target = i
	}
	if target < 0 {
		return d.SeekByte(0)
	}
	return d.SeekByte(d.clusters[target].start)
}

func (d *demuxer) Size() int64 {
	return d.size
}

func (d *demuxer) Position() int64 {
	return d.er.pos
}

func (d *demuxer) Close() error {
	return d.f.Close()
}
