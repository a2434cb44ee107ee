package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	pidPAT   = 0x0000
	tablePAT = 0x00
	tablePMT = 0x02
)

// crcTable drives the MPEG-2 CRC-32 over PSI sections: polynomial
// 0x04C11DB7, most significant bit first, no final XOR.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&(1<<31) != 0 {
				c = c<<1 ^ 0x04C11DB7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// sectionCRC returns zero for a section followed by its correct CRC.
func sectionCRC(b []byte) uint32 {
	c := ^uint32(0)
	for _, v := range b {
		c = c<<8 ^ crcTable[byte(c>>24)^v]
	}
	return c
}

// splitSections cuts a PSI payload, starting at its pointer_field, into
// whole sections. complete is false while the last section still needs
// bytes from further packets. Stuffing and bytes without the
// section_syntax_indicator end the walk.
func splitSections(payload []byte) (secs [][]byte, complete bool) {
	if len(payload) == 0 {
		return nil, false
	}
	off := 1 + int(payload[0])
	if off >= len(payload) {
		return nil, false
	}
	for off < len(payload) {
		if payload[off] == 0xFF {
			break
		}
		if off+3 > len(payload) {
			return secs, false
		}
		if payload[off+1]&0x80 == 0 {
			break
		}
		end := off + 3 + int(binary.BigEndian.Uint16(payload[off+1:])&0x0FFF)
		if end > len(payload) {
			return secs, false
		}
		secs = append(secs, payload[off:end])
		off = end
	}
	return secs, true
}

func checkSection(sec []byte, minLen int) error {
	if len(sec) < minLen {
		return fmt.Errorf("%w: %d bytes", errShortSection, len(sec))
	}
	if sectionCRC(sec) != 0 {
		return errSectionCRC
	}
	return nil
}

// parsePAT lists the programs of a PAT section. Program 0 names the
// network PID and is left out.
func parsePAT(sec []byte) ([]Program, error) {
	if err := checkSection(sec, 12); err != nil {
		return nil, fmt.Errorf("PAT: %w", err)
	}
	var progs []Program
	for e := sec[8 : len(sec)-4]; len(e) >= 4; e = e[4:] {
		num := binary.BigEndian.Uint16(e)
		if num == 0 {
			continue
		}
		progs = append(progs, Program{Number: num, PMTPID: binary.BigEndian.Uint16(e[2:]) & 0x1FFF})
	}
	return progs, nil
}

// parsePMT lists the elementary streams of a PMT section in table
// order.
func parsePMT(sec []byte) ([]ElementaryStream, error) {
	if err := checkSection(sec, 16); err != nil {
		return nil, fmt.Errorf("PMT: %w", err)
	}
	body := sec[:len(sec)-4]
	off := 12 + int(binary.BigEndian.Uint16(sec[10:])&0x0FFF)
	var streams []ElementaryStream
	for off+5 <= len(body) {
		streams = append(streams, ElementaryStream{
			Type: body[off],
			PID:  binary.BigEndian.Uint16(body[off+1:]) & 0x1FFF,
		})
		off += 5 + int(binary.BigEndian.Uint16(body[off+3:])&0x0FFF)
	}
	return streams, nil
}
