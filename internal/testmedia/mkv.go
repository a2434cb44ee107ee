package testmedia

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
)

// Matroska element IDs written by BuildMKV.
const (
	idEBML           = 0x1A45DFA3
	idEBMLVersion    = 0x4286
	idEBMLReadVer    = 0x42F7
	idEBMLMaxIDLen   = 0x42F2
	idEBMLMaxSizeLen = 0x42F3
	idDocType        = 0x4282
	idDocTypeVersion = 0x4287
	idDocTypeReadVer = 0x4285
	idSegment        = 0x18538067
	idInfo           = 0x1549A966
	idTimecodeScale  = 0x2AD7B1
	idMuxingApp      = 0x4D80
	idWritingApp     = 0x5741
	idTracks         = 0x1654AE6B
	idTrackEntry     = 0xAE
	idTrackNumber    = 0xD7
	idTrackUID       = 0x73C5
	idTrackType      = 0x83
	idCodecID        = 0x86
	idCodecPrivate   = 0x63A2
	idDefaultDur     = 0x23E383
	idVideo          = 0xE0
	idPixelWidth     = 0xB0
	idPixelHeight    = 0xBA
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
	idVoid           = 0xEC
)

// MKVVideo describes the video track of BuildMKV.
type MKVVideo struct {
	// Codec is "raw" (V_UNCOMPRESSED) or "h264" (V_MPEG4/ISO/AVC).
	Codec string
	// FourCC selects the raw layout: I420, YUY2 or Y800.
	FourCC string
	Width  int
	Height int
	Frames int
	// FrameMS is the frame duration in milliseconds. Default 40.
	FrameMS int
	// H264 configures the h264 codec; Frames, Width and Height are taken
	// from it.
	H264 H264Config
	// BlockGroups writes non-keyframes as BlockGroup with a
	// ReferenceBlock instead of SimpleBlock.
	BlockGroups bool
}

// MKVAudio describes the PCM track of BuildMKV.
type MKVAudio struct {
	SampleRate int // default 48000
	Channels   int // default 2
	// SamplesPerBlock is the number of samples per block. Default 480.
	SamplesPerBlock int
	// TotalSamples is rounded up to whole blocks. Zero covers the video.
	TotalSamples int
	// Lacing packs this many frames per block with Xiph lacing.
	Lacing int
}

// MKVConfig describes a synthetic Matroska file.
type MKVConfig struct {
	Video *MKVVideo
	Audio *MKVAudio
	// ClusterMS is the cluster span in milliseconds. Default 200.
	ClusterMS int
}

// MKVBlock is one frame as written, in file order.
type MKVBlock struct {
	Track    int // 0 video, 1 audio
	TimeMS   int64
	Keyframe bool
	// Frame is the video presentation number or the audio frame number.
	Frame   int
	Samples int
	Data    []byte

	slot int64
}

// MKV is a built Matroska file together with what was written.
type MKV struct {
	Data   []byte
	Blocks []MKVBlock
	// Video holds the H.264 access units in decode order for the h264
	// codec.
	Video []AU
	// Samples is the total number of PCM samples per channel.
	Samples int
}

// RawFrameValue is the luma value of every pixel of raw frame n.
func RawFrameValue(n int) byte {
	return byte(16 + n*7%200)
}

// PCMSample is the s16 value of sample s on channel c.
func PCMSample(s, c int) int16 {
	return int16((s*37 + c*1000) % 30011)
}

// RawFrame returns raw frame n in the layout named by fourcc.
func RawFrame(fourcc string, w, h, n int) []byte {
	v := RawFrameValue(n)
	switch fourcc {
	case "YUY2":
		out := make([]byte, 0, w*h*2)
		for i := 0; i < w*h/2; i++ {
			out = append(out, v, 128, v, 128)
		}
		return out
	case "Y800":
		return bytes.Repeat([]byte{v}, w*h)
	}
	cw, ch := (w+1)/2, (h+1)/2
	out := bytes.Repeat([]byte{v}, w*h)
	return append(out, bytes.Repeat([]byte{128}, 2*cw*ch)...)
}

// BuildMKV writes a Matroska file with a video and/or a PCM s16le track.
// Blocks of both tracks are interleaved by timestamp in clusters of
// ClusterMS.
func BuildMKV(cfg MKVConfig) *MKV {
	if cfg.ClusterMS <= 0 {
		cfg.ClusterMS = 200
	}
	out := &MKV{}

	var tracks [][]byte
	var blocks []MKVBlock
	videoEnd := int64(0)
	if v := cfg.Video; v != nil {
		if v.FrameMS <= 0 {
			v.FrameMS = 40
		}
		entry := element(idTrackNumber, uintData(1))
		entry = append(entry, element(idTrackUID, uintData(1))...)
		entry = append(entry, element(idTrackType, uintData(1))...)
		entry = append(entry, element(idDefaultDur, uintData(uint64(v.FrameMS)*1e6))...)
		if v.Codec == "h264" {
			hc := v.H264.withDefaults()
			v.Width, v.Height, v.Frames = hc.Width, hc.Height, hc.Frames
			out.Video = H264(hc)
			entry = append(entry, element(idCodecID, []byte("V_MPEG4/ISO/AVC"))...)
			entry = append(entry, element(idCodecPrivate, avcC(hc))...)
			for i, au := range out.Video {
				blocks = append(blocks, MKVBlock{
					Track:    0,
					TimeMS:   int64(au.Frame * v.FrameMS),
					Keyframe: au.Keyframe,
					Frame:    au.Frame,
					Data:     annexBToAVCC(au.Data),
					slot:     int64(i * v.FrameMS),
				})
			}
		} else {
			entry = append(entry, element(idCodecID, []byte("V_UNCOMPRESSED"))...)
			for n := 0; n < v.Frames; n++ {
				blocks = append(blocks, MKVBlock{
					Track:    0,
					TimeMS:   int64(n * v.FrameMS),
					Keyframe: true,
					Frame:    n,
					Data:     RawFrame(v.FourCC, v.Width, v.Height, n),
					slot:     int64(n * v.FrameMS),
				})
			}
		}
		video := element(idPixelWidth, uintData(uint64(v.Width)))
		video = append(video, element(idPixelHeight, uintData(uint64(v.Height)))...)
		if v.Codec != "h264" {
			video = append(video, element(idColourSpace, []byte(v.FourCC))...)
		}
		entry = append(entry, element(idVideo, video)...)
		tracks = append(tracks, element(idTrackEntry, entry))
		videoEnd = int64(v.Frames * v.FrameMS)
	}

	if a := cfg.Audio; a != nil {
		if a.SampleRate <= 0 {
			a.SampleRate = 48000
		}
		if a.Channels <= 0 {
			a.Channels = 2
		}
		if a.SamplesPerBlock <= 0 {
			a.SamplesPerBlock = 480
		}
		total := a.TotalSamples
		if total <= 0 {
			total = int(videoEnd * int64(a.SampleRate) / 1000)
		}
		nFrames := (total + a.SamplesPerBlock - 1) / a.SamplesPerBlock
		out.Samples = nFrames * a.SamplesPerBlock

		entry := element(idTrackNumber, uintData(2))
		entry = append(entry, element(idTrackUID, uintData(2))...)
		entry = append(entry, element(idTrackType, uintData(2))...)
		entry = append(entry, element(idCodecID, []byte("A_PCM/INT/LIT"))...)
		audio := element(idSamplingFreq, floatData(float64(a.SampleRate)))
		audio = append(audio, element(idChannels, uintData(uint64(a.Channels)))...)
		audio = append(audio, element(idBitDepth, uintData(16))...)
		entry = append(entry, element(idAudio, audio)...)
		tracks = append(tracks, element(idTrackEntry, entry))

		for f := 0; f < nFrames; f++ {
			start := f * a.SamplesPerBlock
			buf := make([]byte, 0, a.SamplesPerBlock*a.Channels*2)
			for s := start; s < start+a.SamplesPerBlock; s++ {
				for c := 0; c < a.Channels; c++ {
					buf = binary.LittleEndian.AppendUint16(buf, uint16(PCMSample(s, c)))
				}
			}
			ms := int64(start) * 1000 / int64(a.SampleRate)
			blocks = append(blocks, MKVBlock{
				Track:    1,
				TimeMS:   ms,
				Keyframe: true,
				Frame:    f,
				Samples:  a.SamplesPerBlock,
				Data:     buf,
				slot:     ms,
			})
		}
	}

	// Interleave by cluster, keeping each track's own order. H.264
	// pictures are placed by decode slot so B pictures follow their
	// anchor.
	clusterOf := func(b MKVBlock) int64 {
		return b.slot / int64(cfg.ClusterMS)
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		ci, cj := clusterOf(blocks[i]), clusterOf(blocks[j])
		if ci != cj {
			return ci < cj
		}
		return blocks[i].Track < blocks[j].Track
	})

	var clusters []byte
	lacing := 0
	if cfg.Audio != nil {
		lacing = cfg.Audio.Lacing
	}
	for i := 0; i < len(blocks); {
		c := clusterOf(blocks[i])
		j := i
		for j < len(blocks) && clusterOf(blocks[j]) == c {
			j++
		}
		clusterTC := blocks[i].TimeMS
		for _, b := range blocks[i:j] {
			clusterTC = min(clusterTC, b.TimeMS)
		}
		body := element(idTimecode, uintData(uint64(clusterTC)))
		var lastVideo int64 = -1
		for k := i; k < j; {
			b := blocks[k]
			rel := b.TimeMS - clusterTC
			if b.Track == 1 && lacing > 1 {
				n := 1
				for n < lacing && k+n < j && blocks[k+n].Track == 1 {
					n++
				}
				body = append(body, element(idSimpleBlock, xiphLacedBlock(2, rel, blocks[k:k+n]))...)
				k += n
				continue
			}
			if b.Track == 0 && cfg.Video.BlockGroups && !b.Keyframe {
				group := element(idBlock, blockData(1, rel, 0, b.Data))
				ref := lastVideo - b.TimeMS
				if lastVideo < 0 {
					ref = -int64(cfg.Video.FrameMS)
				}
				group = append(group, element(idReferenceBlock, intData(ref))...)
				body = append(body, element(idBlockGroup, group)...)
			} else {
				var flags byte
				if b.Keyframe {
					flags = 0x80
				}
				body = append(body, element(idSimpleBlock, blockData(b.Track+1, rel, flags, b.Data))...)
			}
			if b.Track == 0 {
				lastVideo = b.TimeMS
			}
			k++
		}
		clusters = append(clusters, element(idCluster, body)...)
		i = j
	}
	out.Blocks = blocks

	header := element(idEBMLVersion, uintData(1))
	header = append(header, element(idEBMLReadVer, uintData(1))...)
	header = append(header, element(idEBMLMaxIDLen, uintData(4))...)
	header = append(header, element(idEBMLMaxSizeLen, uintData(8))...)
	header = append(header, element(idDocType, []byte("matroska"))...)
	header = append(header, element(idDocTypeVersion, uintData(4))...)
	header = append(header, element(idDocTypeReadVer, uintData(2))...)

	info := element(idTimecodeScale, uintData(1000000))
	info = append(info, element(idMuxingApp, []byte("testmedia"))...)
	info = append(info, element(idWritingApp, []byte("testmedia"))...)

	segment := element(idInfo, info)
	segment = append(segment, element(idVoid, make([]byte, 16))...)
	segment = append(segment, element(idTracks, bytes.Join(tracks, nil))...)
	segment = append(segment, clusters...)

	out.Data = append(element(idEBML, header), element(idSegment, segment)...)
	return out
}

func blockData(track int, rel int64, flags byte, data []byte) []byte {
	b := []byte{0x80 | byte(track), byte(uint16(int16(rel)) >> 8), byte(int16(rel)), flags}
	return append(b, data...)
}

// xiphLacedBlock packs frames into one SimpleBlock with Xiph lacing.
func xiphLacedBlock(track int, rel int64, frames []MKVBlock) []byte {
	b := blockData(track, rel, 0x80|0x02, nil)
	b = append(b, byte(len(frames)-1))
	for _, f := range frames[:len(frames)-1] {
		n := len(f.Data)
		for n >= 255 {
			b = append(b, 0xFF)
			n -= 255
		}
		b = append(b, byte(n))
	}
	for _, f := range frames {
		b = append(b, f.Data...)
	}
	return b
}

func element(id uint32, data []byte) []byte {
	var out []byte
	switch {
	case id > 0xFFFFFF:
		out = append(out, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFFFF:
		out = append(out, byte(id>>16), byte(id>>8), byte(id))
	case id > 0xFF:
		out = append(out, byte(id>>8), byte(id))
	default:
		out = append(out, byte(id))
	}
	out = append(out, sizeVint(uint64(len(data)))...)
	return append(out, data...)
}

func sizeVint(n uint64) []byte {
	l := 1
	for n >= 1<<(7*l)-1 {
		l++
	}
	out := make([]byte, l)
	for i := l - 1; i >= 0; i-- {
		out[i] = byte(n)
		n >>= 8
	}
	out[0] |= 0x80 >> (l - 1)
	return out
}

func uintData(v uint64) []byte {
	n := 1
	for v>>(8*n) != 0 && n < 8 {
		n++
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func intData(v int64) []byte {
	n := 1
	for n < 8 && (v < -(1<<(8*n-1)) || v >= 1<<(8*n-1)) {
		n++
	}
	out := make([]byte, n)
	u := uint64(v)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}

func floatData(f float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(f))
}

// avcC builds an AVCDecoderConfigurationRecord with 4-byte NAL lengths.
func avcC(cfg H264Config) []byte {
	sps, pps := SPS(cfg), PPS()
	out := []byte{1, sps[1], sps[2], sps[3], 0xFF, 0xE1}
	out = binary.BigEndian.AppendUint16(out, uint16(len(sps)))
	out = append(out, sps...)
	out = append(out, 1)
	out = binary.BigEndian.AppendUint16(out, uint16(len(pps)))
	return append(out, pps...)
}

// annexBToAVCC rewrites start codes as 4-byte big-endian lengths.
func annexBToAVCC(data []byte) []byte {
	var out []byte
	sc := []byte{0, 0, 0, 1}
	parts := bytes.Split(data, sc)
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}
