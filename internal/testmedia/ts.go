package testmedia

import (
	"bytes"
	"encoding/binary"
)

// TSPacketSize is the fixed size of an MPEG-TS packet.
const TSPacketSize = 188

// PIDs used by BuildTS.
const (
	PMTPID   = 0x1000
	VideoPID = 0x100
	AudioPID = 0x101
)

// AAC parameters of the BuildTS audio track.
const (
	AudioSampleRate    = 48000
	AudioChannels      = 2
	AudioFramesPerPES  = 2
	aacSamplesPerFrame = 1024
	// AudioPESDuration is the PTS step between audio PES packets.
	AudioPESDuration = AudioFramesPerPES * aacSamplesPerFrame * 90000 / AudioSampleRate
)

// TSConfig describes a synthetic transport stream.
type TSConfig struct {
	Video H264Config
	// Audio adds an AAC ADTS track covering the video's duration.
	Audio bool
	// NoPSIRepeat writes PAT and PMT only at the start of the stream.
	NoPSIRepeat bool
}

// AudioPES is one audio PES packet written by BuildTS.
type AudioPES struct {
	PTS     int64
	Samples int
	Pos     int64
}

// TS is a built transport stream together with what was written.
type TS struct {
	Data []byte
	// Video holds the access units in decode order; VideoPos the offset
	// of the first TS packet of each.
	Video    []AU
	VideoPos []int64
	Audio    []AudioPES
}

// BuildTS muxes a synthetic H.264 stream, and optionally AAC audio, into
// an MPEG-TS byte stream. PAT and PMT are repeated before every keyframe
// unless NoPSIRepeat is set.
func BuildTS(cfg TSConfig) *TS {
	vcfg := cfg.Video.withDefaults()
	ts := &TS{Video: H264(vcfg)}
	m := &tsMuxer{cc: map[uint16]byte{}}

	end := vcfg.StartPTS + int64(vcfg.Frames)*vcfg.Duration
	audioPTS := vcfg.StartPTS
	writeAudio := func(until int64) {
		for cfg.Audio && audioPTS < end && audioPTS <= until {
			pos := int64(m.buf.Len())
			m.writePES(AudioPID, 0xC0, audioPTS, -1, adtsPES(len(ts.Audio)), false)
			ts.Audio = append(ts.Audio, AudioPES{PTS: audioPTS, Samples: AudioFramesPerPES * aacSamplesPerFrame, Pos: pos})
			audioPTS += AudioPESDuration
		}
	}

	m.writePSI(cfg.Audio)
	for i, au := range ts.Video {
		if au.Keyframe && i > 0 && !cfg.NoPSIRepeat {
			m.writePSI(cfg.Audio)
		}
		writeAudio(au.DTS)
		ts.VideoPos = append(ts.VideoPos, int64(m.buf.Len()))
		dts := au.DTS
		if dts == au.PTS {
			dts = -1
		}
		m.writePES(VideoPID, 0xE0, au.PTS, dts, au.Data, au.Keyframe)
	}
	writeAudio(end)
	ts.Data = m.buf.Bytes()
	return ts
}

type tsMuxer struct {
	buf bytes.Buffer
	cc  map[uint16]byte
}

func (m *tsMuxer) writePSI(audio bool) {
	pat := []byte{0x00, 0x01, 0xE0 | PMTPID>>8, PMTPID & 0xFF}
	m.packetize(0x0000, psiSection(0x00, 1, pat), false)

	pmt := []byte{0xE0 | VideoPID>>8, VideoPID & 0xFF, 0xF0, 0x00}
	pmt = append(pmt, 0x1B, 0xE0|VideoPID>>8, VideoPID&0xFF, 0xF0, 0x00)
	if audio {
		pmt = append(pmt, 0x0F, 0xE0|AudioPID>>8, AudioPID&0xFF, 0xF0, 0x00)
	}
	m.packetize(PMTPID, psiSection(0x02, 1, pmt), false)
}

// psiSection wraps body in a long-form section with pointer field and CRC.
func psiSection(tableID byte, idExt uint16, body []byte) []byte {
	length := 5 + len(body) + 4
	sec := []byte{
		tableID,
		0xB0 | byte(length>>8)&0x0F, byte(length),
		byte(idExt >> 8), byte(idExt),
		0xC1, // version 0, current
		0x00, 0x00,
	}
	sec = append(sec, body...)
	sec = binary.BigEndian.AppendUint32(sec, crc32MPEG(sec))
	return append([]byte{0x00}, sec...)
}

func (m *tsMuxer) writePES(pid uint16, streamID byte, pts, dts int64, data []byte, rai bool) {
	flags, hdrLen := byte(0x80), byte(5)
	if dts >= 0 {
		flags, hdrLen = 0xC0, 10
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, 0, 0, 0x80, flags, hdrLen}
	if dts >= 0 {
		pes = appendTimestamp(pes, 0x3, pts)
		pes = appendTimestamp(pes, 0x1, dts)
	} else {
		pes = appendTimestamp(pes, 0x2, pts)
	}
	pes = append(pes, data...)
	if n := len(pes) - 6; n <= 0xFFFF {
		binary.BigEndian.PutUint16(pes[4:6], uint16(n))
	}
	m.packetize(pid, pes, rai)
}

func appendTimestamp(b []byte, prefix byte, ts int64) []byte {
	return append(b,
		prefix<<4|byte(ts>>29)&0x0E|1,
		byte(ts>>22),
		byte(ts>>14)|1,
		byte(ts>>7),
		byte(ts<<1)|1,
	)
}

// packetize splits data into TS packets on pid. The first packet carries
// the random access indicator when rai is set; the last is padded with
// adaptation field stuffing.
func (m *tsMuxer) packetize(pid uint16, data []byte, rai bool) {
	first := true
	for off := 0; off < len(data); {
		var pkt [TSPacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
		}
		cc := m.cc[pid]
		m.cc[pid] = (cc + 1) & 0x0F
		pkt[3] = 0x10 | cc

		afMin := 0
		if first && rai {
			afMin = 2
		}
		n := min(len(data)-off, TSPacketSize-4-afMin)
		stuff := TSPacketSize - 4 - afMin - n

		p := 4
		switch {
		case afMin > 0:
			pkt[3] |= 0x20
			pkt[4] = byte(1 + stuff)
			pkt[5] = 0x40
			p = 6
		case stuff == 1:
			pkt[3] |= 0x20
			pkt[4] = 0
			p = 5
			stuff = 0
		case stuff > 1:
			pkt[3] |= 0x20
			pkt[4] = byte(stuff - 1)
			pkt[5] = 0x00
			p = 6
			stuff -= 2
		}
		for i := 0; i < stuff; i++ {
			pkt[p] = 0xFF
			p++
		}
		copy(pkt[p:], data[off:off+n])
		off += n
		first = false
		m.buf.Write(pkt[:])
	}
}

// adtsPES returns AudioFramesPerPES ADTS frames of AAC-LC, 48 kHz stereo.
func adtsPES(seq int) []byte {
	var out []byte
	for i := 0; i < AudioFramesPerPES; i++ {
		payload := bytes.Repeat([]byte{0x21 + byte((seq+i)%64)}, 48)
		flen := 7 + len(payload)
		const profile, sfi, ch = 1, 3, AudioChannels
		out = append(out,
			0xFF, 0xF1,
			profile<<6|sfi<<2|ch>>2,
			byte(ch&3)<<6|byte(flen>>11)&0x03,
			byte(flen>>3),
			byte(flen&7)<<5|0x1F,
			0xFC,
		)
		out = append(out, payload...)
	}
	return out
}

var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
