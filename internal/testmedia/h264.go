// Package testmedia builds small synthetic media files for tests: H.264
// elementary streams with B-frames, pic_timing and caption SEI, muxed into
// MPEG-TS or Matroska, plus raw video and PCM Matroska files whose
// decoded content can be checked sample by sample.
package testmedia

import (
	"bytes"
	"fmt"
	"strconv"
)

// H264Config describes a synthetic H.264 stream.
type H264Config struct {
	// Frames is the number of pictures.
	Frames int
	// GOP is the keyframe interval in display order. Default 12.
	GOP int
	// BFrames is the number of B pictures between anchors, 0 to 2.
	BFrames int
	// Width and Height default to 64x48 and must be even.
	Width, Height int
	// PicStructs is cycled over display order and sent in pic_timing SEI.
	// Nil disables pic_timing.
	PicStructs []int
	// Captions attaches one CEA-608 pair to every picture.
	Captions bool
	// StartPTS defaults to 90000 and Duration to 3003, both in 90 kHz
	// units.
	StartPTS int64
	Duration int64
	// Filler pads every slice so pictures span several TS packets.
	// Default 400 bytes.
	Filler int
}

func (c H264Config) withDefaults() H264Config {
	if c.GOP <= 0 {
		c.GOP = 12
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = 64, 48
	}
	if c.StartPTS == 0 {
		c.StartPTS = 90000
	}
	if c.Duration <= 0 {
		c.Duration = 3003
	}
	if c.Filler <= 0 {
		c.Filler = 400
	}
	c.BFrames = min(max(c.BFrames, 0), 2)
	return c
}

// ReorderDepth returns the max_num_reorder_frames the stream declares.
func (c H264Config) ReorderDepth() int {
	if c.BFrames > 0 {
		return 1
	}
	return 0
}

// AU is one coded picture in decode order.
type AU struct {
	// Frame is the presentation number.
	Frame     int
	PTS, DTS  int64
	Keyframe  bool
	Type      byte // 'I', 'P' or 'B'
	PicStruct int
	// Data is the Annex B access unit.
	Data []byte
}

// H264 returns the access units of the stream in decode order.
func H264(cfg H264Config) []AU {
	cfg = cfg.withDefaults()

	types := make([]byte, cfg.Frames)
	for d := range types {
		off := d % cfg.GOP
		switch {
		case off == 0:
			types[d] = 'I'
		case off%(cfg.BFrames+1) == 0:
			types[d] = 'P'
		default:
			// A B picture needs a later anchor in the same GOP.
			anchor := d + (cfg.BFrames + 1 - off%(cfg.BFrames+1))
			if anchor >= cfg.Frames || anchor%cfg.GOP < off {
				types[d] = 'P'
			} else {
				types[d] = 'B'
			}
		}
	}

	var order []int
	var pending []int
	for d, t := range types {
		if t == 'B' {
			pending = append(pending, d)
			continue
		}
		order = append(order, d)
		order = append(order, pending...)
		pending = pending[:0]
	}

	delay := int64(cfg.ReorderDepth())
	aus := make([]AU, len(order))
	for i, d := range order {
		au := AU{
			Frame:    d,
			PTS:      cfg.StartPTS + int64(d)*cfg.Duration,
			DTS:      cfg.StartPTS + (int64(i)-delay)*cfg.Duration,
			Keyframe: types[d] == 'I',
			Type:     types[d],
		}
		if len(cfg.PicStructs) > 0 {
			au.PicStruct = cfg.PicStructs[d%len(cfg.PicStructs)]
		}
		au.Data = buildAU(cfg, au)
		aus[i] = au
	}
	return aus
}

func buildAU(cfg H264Config, au AU) []byte {
	var out []byte
	nal := func(header byte, rbsp []byte) {
		out = append(out, 0, 0, 0, 1, header)
		out = append(out, addEPB(rbsp)...)
	}

	nal(0x09, []byte{0xF0})
	if au.Keyframe {
		nal(0x67, spsRBSP(cfg))
		nal(0x68, ppsRBSP())
	}
	if len(cfg.PicStructs) > 0 {
		msg := encodeSEIMessage(1, picTimingPayload(au.PicStruct))
		nal(0x06, append(msg, 0x80))
	}
	if cfg.Captions {
		msg := encodeSEIMessage(4, captionPayload(au.Frame))
		nal(0x06, append(msg, 0x80))
	}

	switch au.Type {
	case 'I':
		nal(0x65, sliceRBSP(cfg, au, 7))
	case 'P':
		nal(0x41, sliceRBSP(cfg, au, 5))
	default:
		nal(0x01, sliceRBSP(cfg, au, 6))
	}
	return out
}

// SPS returns the sequence parameter set NAL unit, without a start code.
func SPS(cfg H264Config) []byte {
	return append([]byte{0x67}, addEPB(spsRBSP(cfg.withDefaults()))...)
}

// PPS returns the picture parameter set NAL unit, without a start code.
func PPS() []byte {
	return append([]byte{0x68}, ppsRBSP()...)
}

func spsRBSP(cfg H264Config) []byte {
	mbw := (cfg.Width + 15) / 16
	mbh := (cfg.Height + 15) / 16

	bw := &bitWriter{}
	bw.writeBits(77, 8) // Main
	bw.writeBits(0x40, 8)
	bw.writeBits(30, 8)
	bw.writeUE(0) // seq_parameter_set_id
	bw.writeUE(0) // log2_max_frame_num_minus4
	bw.writeUE(0) // pic_order_cnt_type
	bw.writeUE(2) // log2_max_pic_order_cnt_lsb_minus4
	bw.writeUE(2) // max_num_ref_frames
	bw.writeBit(0)
	bw.writeUE(uint64(mbw - 1))
	bw.writeUE(uint64(mbh - 1))
	bw.writeBit(1) // frame_mbs_only_flag
	bw.writeBit(1) // direct_8x8_inference_flag

	cropRight := (mbw*16 - cfg.Width) / 2
	cropBottom := (mbh*16 - cfg.Height) / 2
	bw.writeFlag(cropRight > 0 || cropBottom > 0)
	if cropRight > 0 || cropBottom > 0 {
		bw.writeUE(0)
		bw.writeUE(uint64(cropRight))
		bw.writeUE(0)
		bw.writeUE(uint64(cropBottom))
	}

	bw.writeBit(1) // vui_parameters_present_flag
	bw.writeBit(1) // aspect_ratio_info_present_flag
	bw.writeBits(1, 8)
	bw.writeBit(0) // overscan
	bw.writeBit(0) // video_signal_type
	bw.writeBit(0) // chroma_loc_info
	bw.writeBit(1) // timing_info_present_flag
	bw.writeBits(1001, 32)
	bw.writeBits(60000, 32)
	bw.writeBit(1)
	bw.writeBit(0) // nal_hrd
	bw.writeBit(0) // vcl_hrd
	bw.writeFlag(len(cfg.PicStructs) > 0)
	bw.writeBit(1) // bitstream_restriction_flag
	bw.writeBit(1)
	bw.writeUE(0)
	bw.writeUE(0)
	bw.writeUE(16)
	bw.writeUE(16)
	bw.writeUE(uint64(cfg.ReorderDepth()))
	bw.writeUE(2) // max_dec_frame_buffering
	bw.trailing()
	return bw.bytes()
}

func ppsRBSP() []byte {
	return []byte{0xCE, 0x3C, 0x80}
}

var numClockTS = [...]int{1, 1, 1, 2, 2, 3, 3, 2, 3}

func picTimingPayload(picStruct int) []byte {
	bw := &bitWriter{}
	bw.writeBits(uint64(picStruct), 4)
	for i := 0; i < numClockTS[picStruct]; i++ {
		bw.writeBit(0) // clock_timestamp_flag
	}
	bw.trailing()
	return bw.bytes()
}

// captionPayload is an A/53 cc_data structure with one field 1 pair.
func captionPayload(frame int) []byte {
	p := []byte{0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03}
	p = append(p, 0x40|1, 0xFF)
	p = append(p, 0xFC, addParity('A'+byte(frame%26)), addParity('a'+byte(frame%26)))
	return append(p, 0xFF)
}

func sliceRBSP(cfg H264Config, au AU, sliceType uint64) []byte {
	bw := &bitWriter{}
	bw.writeUE(0) // first_mb_in_slice
	bw.writeUE(sliceType)
	bw.writeUE(0) // pic_parameter_set_id
	bw.writeBits(uint64(au.Frame%16), 4)
	if au.Type == 'I' {
		bw.writeUE(0) // idr_pic_id
	}
	bw.writeBits(uint64(au.Frame*2%64), 6)
	for bw.bit != 0 {
		bw.writeBit(1)
	}
	out := bw.bytes()
	out = append(out, frameTag(au.Frame)...)
	out = append(out, bytes.Repeat([]byte{0xA5}, cfg.Filler+au.Frame%7*13)...)
	return append(out, 0x80)
}

func frameTag(n int) []byte {
	return []byte(fmt.Sprintf("FID=%06d;", n))
}

// FrameID returns the presentation number embedded in a picture built by
// H264, or -1.
func FrameID(data []byte) int {
	i := bytes.Index(data, []byte("FID="))
	if i < 0 || i+11 > len(data) {
		return -1
	}
	n, err := strconv.Atoi(string(data[i+4 : i+10]))
	if err != nil {
		return -1
	}
	return n
}
