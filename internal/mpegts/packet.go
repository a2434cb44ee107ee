package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

// packet is one decoded TS packet.
type packet struct {
	offset int64
	pid    uint16
	cc     uint8

	start        bool // payload_unit_start_indicator
	errored      bool // transport_error_indicator
	hasPayload   bool
	signalled    bool // discontinuity_indicator
	randomAccess bool

	// gap is set on the first packet of a unit that follows lost data.
	gap bool

	payload []byte
}

// decodePacket parses a 188-byte TS packet read at offset. The payload
// is copied out of b.
func decodePacket(b []byte, offset int64) (packet, error) {
	if len(b) != packetSize {
		return packet{}, fmt.Errorf("%w: %d bytes", errPacketSize, len(b))
	}
	if b[0] != syncByte {
		return packet{}, fmt.Errorf("%w: 0x%02X at offset %d", errNoSync, b[0], offset)
	}

	p := packet{
		offset:     offset,
		pid:        binary.BigEndian.Uint16(b[1:3]) & 0x1FFF,
		cc:         b[3] & 0x0F,
		start:      b[1]&0x40 != 0,
		errored:    b[1]&0x80 != 0,
		hasPayload: b[3]&0x10 != 0,
	}
	rest := b[4:]
	if b[3]&0x20 != 0 {
		n := int(rest[0])
		if n > 0 {
			p.signalled = rest[1]&0x80 != 0
			p.randomAccess = rest[1]&0x40 != 0
		}
		rest = rest[min(1+n, len(rest)):]
	}
	if p.hasPayload && len(rest) > 0 {
		p.payload = append([]byte(nil), rest...)
	}
	return p, nil
}

func joinPayloads(ps []packet) []byte {
	if len(ps) == 1 {
		return ps[0].payload
	}
	n := 0
	for _, p := range ps {
		n += len(p.payload)
	}
	out := make([]byte, 0, n)
	for _, p := range ps {
		out = append(out, p.payload...)
	}
	return out
}
