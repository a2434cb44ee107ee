package mpegts

import "encoding/binary"

// flags selects the header bits of a packet built by tsPacket.
type flags struct {
	start        bool
	errored      bool
	signalled    bool
	randomAccess bool
	noPayload    bool
}

// tsPacket builds a 188-byte packet. A payload shorter than 184 bytes
// is right-aligned behind an adaptation field of 0xFF stuffing, which
// also carries the discontinuity and random access bits.
func tsPacket(pid uint16, cc uint8, f flags, payload []byte) []byte {
	b := make([]byte, packetSize)
	b[0] = syncByte
	b[1] = byte(pid>>8) & 0x1F
	b[2] = byte(pid)
	b[3] = cc & 0x0F
	if f.start {
		b[1] |= 0x40
	}
	if f.errored {
		b[1] |= 0x80
	}
	if f.noPayload {
		payload = nil
	} else {
		b[3] |= 0x10
	}

	room := packetSize - 4
	if len(payload) < room {
		b[3] |= 0x20
		afLen := room - 1 - len(payload)
		b[4] = byte(afLen)
		if afLen > 0 {
			for i := 6; i < 5+afLen; i++ {
				b[i] = 0xFF
			}
			if f.signalled {
				b[5] |= 0x80
			}
			if f.randomAccess {
				b[5] |= 0x40
			}
		}
	}
	copy(b[packetSize-len(payload):], payload)
	return b
}

// section builds a long-form PSI section with its CRC.
func section(tableID byte, idExt uint16, body []byte) []byte {
	n := 5 + len(body) + 4
	s := []byte{
		tableID, 0xB0 | byte(n>>8)&0x0F, byte(n),
		byte(idExt >> 8), byte(idExt), 0xC1, 0x00, 0x00,
	}
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, sectionCRC(s))
}

func patSection(progs ...Program) []byte {
	var body []byte
	for _, p := range progs {
		body = binary.BigEndian.AppendUint16(body, p.Number)
		body = binary.BigEndian.AppendUint16(body, 0xE000|p.PMTPID)
	}
	return section(tablePAT, 1, body)
}

func pmtSection(pcrPID uint16, streams ...ElementaryStream) []byte {
	body := binary.BigEndian.AppendUint16(nil, 0xE000|pcrPID)
	body = append(body, 0xF0, 0x00)
	for _, es := range streams {
		body = append(body, es.Type)
		body = binary.BigEndian.AppendUint16(body, 0xE000|es.PID)
		body = append(body, 0xF0, 0x00)
	}
	return section(tablePMT, 1, body)
}

// psiPayload prefixes sections with a zero pointer_field.
func psiPayload(secs ...[]byte) []byte {
	out := []byte{0x00}
	for _, s := range secs {
		out = append(out, s...)
	}
	return out
}

// pesPacket builds a PES packet. Stream 0xE0 gets a zero
// PES_packet_length the way video is usually muxed.
func pesPacket(id byte, pts, dts int64, data []byte) []byte {
	var hdr []byte
	var ptsDTS byte
	switch {
	case pts != NoTimestamp && dts != NoTimestamp:
		ptsDTS = 0xC0
		hdr = putTimestamp(hdr, 0x30, pts)
		hdr = putTimestamp(hdr, 0x10, dts)
	case pts != NoTimestamp:
		ptsDTS = 0x80
		hdr = putTimestamp(hdr, 0x20, pts)
	}
	b := []byte{0x00, 0x00, 0x01, id, 0x00, 0x00, 0x80, ptsDTS, byte(len(hdr))}
	b = append(append(b, hdr...), data...)
	if id != 0xE0 {
		binary.BigEndian.PutUint16(b[4:], uint16(len(b)-6))
	}
	return b
}

func putTimestamp(b []byte, prefix byte, ts int64) []byte {
	return append(b,
		prefix|byte(ts>>29)&0x0E|1,
		byte(ts>>22),
		byte(ts>>14)|1,
		byte(ts>>7),
		byte(ts<<1)|1,
	)
}
