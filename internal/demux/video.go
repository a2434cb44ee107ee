package demux

import (
	"log/slog"

	"github.com/zsiec/ccx"

	"github.com/zsiec/ffindex/media"
)

// Video codecs understood by VideoParser.
const (
	CodecH264 = "h264"
	CodecHEVC = "hevc"
)

// AccessUnit describes one coded picture.
type AccessUnit struct {
	// Keyframe is set for IDR/IRAP pictures, recovery points, and I
	// pictures that follow an SPS.
	Keyframe bool
	// SliceType is the type of the first slice, or -1 when unknown.
	SliceType     int
	PicStruct     int
	HasPicStruct  bool
	RepeatPict    int
	TopFieldFirst bool
	Captions      []media.CaptionPair
}

// StreamParams are the stream-level values learned from parameter sets.
type StreamParams struct {
	Width, Height  int
	SARNum, SARDen int
	// FrameRateNum and FrameRateDen are zero when not signalled.
	FrameRateNum, FrameRateDen int64
	ReorderDepth               int
	PixelFormat                media.PixelFormat
}

// VideoParser analyses the access units of one H.264 or H.265 stream.
// It is not safe for concurrent use.
type VideoParser struct {
	log    *slog.Logger
	codec  string
	sps    SPSInfo
	hevc   HEVCSPSInfo
	hasSPS bool

	units int64

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewVideoParser returns a parser for codec (CodecH264 or CodecHEVC). If
// log is nil, slog.Default() is used.
func NewVideoParser(codec string, log *slog.Logger) *VideoParser {
	if log == nil {
		log = slog.Default()
	}
	return &VideoParser{
		log:   log.With("component", "demux", "codec", codec),
		codec: codec,
	}
}

// Codec returns the codec name the parser was created for.
func (p *VideoParser) Codec() string {
	return p.codec
}

// HasParams reports whether a sequence parameter set has been seen.
func (p *VideoParser) HasParams() bool {
	return p.hasSPS
}

// Params returns the values of the most recent sequence parameter set.
func (p *VideoParser) Params() StreamParams {
	if !p.hasSPS {
		return StreamParams{}
	}
	if p.codec == CodecHEVC {
		sp := StreamParams{
			Width:        p.hevc.Width,
			Height:       p.hevc.Height,
			ReorderDepth: p.hevc.MaxNumReorderPics,
			PixelFormat:  chromaPixelFormat(int(p.hevc.ChromaFormatIdc)),
		}
		if !p.hevc.ReorderKnown {
			sp.ReorderDepth = 2
		}
		return sp
	}
	sp := StreamParams{
		Width:        p.sps.Width,
		Height:       p.sps.Height,
		SARNum:       p.sps.SARNum,
		SARDen:       p.sps.SARDen,
		ReorderDepth: p.sps.ReorderDepth(),
		PixelFormat:  chromaPixelFormat(p.sps.ChromaFormat),
	}
	if num, den, ok := p.sps.FrameRate(); ok {
		sp.FrameRateNum, sp.FrameRateDen = num, den
	}
	return sp
}

func chromaPixelFormat(chroma int) media.PixelFormat {
	switch chroma {
	case 0:
		return media.PixelFormatGray
	case 2:
		return media.PixelFormatYUV422P
	case 3:
		return media.PixelFormatYUV444P
	}
	return media.PixelFormatYUV420P
}

// Parse analyses the Annex B payload of one access unit.
func (p *VideoParser) Parse(data []byte) AccessUnit {
	p.units++
	if p.codec == CodecHEVC {
		return p.parseHEVC(data)
	}
	return p.parseH264(data)
}

func (p *VideoParser) parseH264(data []byte) AccessUnit {
	au := AccessUnit{SliceType: -1}
	sawSPS := false
	for _, nalu := range ParseAnnexB(data) {
		switch {
		case IsSPS(nalu.Type):
			info, err := ParseSPS(nalu.Data)
			if err != nil {
				p.log.Debug("bad SPS", "error", err)
				continue
			}
			if !p.hasSPS || info.Width != p.sps.Width || info.Height != p.sps.Height {
				p.log.Debug("sequence parameters", "width", info.Width, "height", info.Height,
					"reorder", info.ReorderDepth(), "picStruct", info.PicStructPresent)
			}
			p.sps = info
			p.hasSPS = true
			sawSPS = true
		case IsKeyframe(nalu.Type):
			au.Keyframe = true
			if au.SliceType < 0 {
				au.SliceType = SliceI
			}
		case nalu.Type == NALTypeSlice:
			if au.SliceType < 0 {
				if st, err := ParseSliceType(nalu.Data); err == nil {
					au.SliceType = st
				}
			}
		case nalu.Type == NALTypeSEI:
			if HasRecoveryPoint(nalu.Data) {
				au.Keyframe = true
			}
			if ps, ok := ParsePicStruct(nalu.Data, p.sps); ok {
				au.PicStruct, au.HasPicStruct = ps, true
				au.RepeatPict = RepeatPict(ps)
				au.TopFieldFirst = TopFieldFirst(ps)
			}
			au.Captions = append(au.Captions, p.captions(nalu.Data)...)
		}
	}
	if sawSPS && (au.SliceType == SliceI || au.SliceType == SliceSI) {
		au.Keyframe = true
	}
	return au
}

func (p *VideoParser) parseHEVC(data []byte) AccessUnit {
	au := AccessUnit{SliceType: -1}
	for _, nalu := range ParseAnnexBHEVC(data) {
		switch {
		case IsHEVCSPS(nalu.Type):
			info, err := ParseHEVCSPS(nalu.Data)
			if err != nil {
				p.log.Debug("bad SPS", "error", err)
				continue
			}
			p.hevc = info
			p.hasSPS = true
		case IsHEVCKeyframe(nalu.Type):
			au.Keyframe = true
		case nalu.Type == HEVCNALSEIPrefix:
			if len(nalu.Data) > 2 {
				au.Captions = append(au.Captions, p.captions(nalu.Data)...)
			}
		}
	}
	return au
}

// captions extracts CEA-608 pairs from an SEI NAL unit. A control code
// repeated within two pictures is the redundant transmission and is
// dropped.
func (p *VideoParser) captions(sei []byte) []media.CaptionPair {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []media.CaptionPair
	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := int(pair.Field)
		if f > 1 {
			continue
		}

		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			gap := p.units - p.lastCCCtrlFrame[f]
			if p.lastCCWasCtrl[f] && p.lastCCCtrl[f] == cp && gap <= 2 {
				p.lastCCWasCtrl[f] = false
				continue
			}
			p.lastCCCtrl[f] = cp
			p.lastCCWasCtrl[f] = true
			p.lastCCCtrlFrame[f] = p.units
		} else {
			p.lastCCWasCtrl[f] = false
		}

		out = append(out, media.CaptionPair{Field: f, Channel: pair.Channel, Data: [2]byte{cc1, cc2}})
	}
	return out
}

// ResetCaptions forgets caption deduplication state, for use after the
// stream is repositioned.
func (p *VideoParser) ResetCaptions() {
	p.lastCCWasCtrl = [2]bool{}
}
