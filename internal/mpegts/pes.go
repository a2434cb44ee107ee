package mpegts

import (
	"encoding/binary"
	"fmt"
)

func hasStartCode(b []byte) bool {
	return len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1
}

// hasOptionalHeader reports whether PES packets of stream id carry the
// optional header with the timestamps. The program stream map, padding,
// private_stream_2, ECM, EMM, DSM-CC, H.222.1 type E and the program
// stream directory do not.
func hasOptionalHeader(id uint8) bool {
	switch id {
	case 0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePES decodes a PES packet. A PES_packet_length of zero, used for
// video, means the packet runs to the end of b.
func parsePES(b []byte) (*PES, error) {
	if len(b) < 6 {
		return nil, fmt.Errorf("%w: %d bytes", errShortPES, len(b))
	}
	if !hasStartCode(b) {
		return nil, errNoStartCode
	}
	pes := &PES{StreamID: b[3], PTS: NoTimestamp, DTS: NoTimestamp}
	end := len(b)
	if n := int(binary.BigEndian.Uint16(b[4:6])); n > 0 && 6+n < end {
		end = 6 + n
	}
	if !hasOptionalHeader(pes.StreamID) {
		pes.Data = b[6:end]
		return pes, nil
	}
	if end < 9 {
		return nil, fmt.Errorf("%w: optional header cut at %d bytes", errShortPES, end)
	}

	flags := b[7] >> 6
	headerEnd := min(9+int(b[8]), end)
	fields := b[9:headerEnd]
	if flags&0x02 != 0 && len(fields) >= 5 {
		pes.PTS = timestamp(fields)
		if flags == 0x03 && len(fields) >= 10 {
			pes.DTS = timestamp(fields[5:])
		}
	}
	pes.Data = b[headerEnd:end]
	return pes, nil
}

// timestamp reads a 33-bit PTS or DTS spread over five bytes with
// marker bits.
func timestamp(b []byte) int64 {
	return int64(b[0]&0x0E)<<29 |
		int64(b[1])<<22 |
		int64(b[2]&0xFE)<<14 |
		int64(b[3])<<7 |
		int64(b[4])>>1
}
