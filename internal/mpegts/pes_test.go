package mpegts

import (
	"bytes"
	"errors"
	"testing"
)

func TestParsePES(t *testing.T) {
	t.Parallel()

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	tests := []struct {
		name     string
		raw      []byte
		id       uint8
		pts, dts int64
		data     []byte
	}{
		{"audio with PTS", pesPacket(0xC0, 90000, NoTimestamp, data), 0xC0, 90000, NoTimestamp, data},
		{"video with PTS and DTS", pesPacket(0xE0, 99009, 93003, data), 0xE0, 99009, 93003, data},
		{"no timestamps", pesPacket(0xC1, NoTimestamp, NoTimestamp, data), 0xC1, NoTimestamp, NoTimestamp, data},
		{"33-bit timestamp", pesPacket(0xE0, 1<<33-1, 1<<32, nil), 0xE0, 1<<33 - 1, 1 << 32, []byte{}},
		{
			name: "length bounds the data",
			raw:  append(pesPacket(0xC0, 3000, NoTimestamp, data), 0xFF, 0xFF),
			id:   0xC0, pts: 3000, dts: NoTimestamp, data: data,
		},
		{
			name: "padding has no optional header",
			raw:  []byte{0x00, 0x00, 0x01, 0xBE, 0x00, 0x03, 0xFF, 0xFF, 0xFF, 0x00},
			id:   0xBE, pts: NoTimestamp, dts: NoTimestamp, data: []byte{0xFF, 0xFF, 0xFF},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pes, err := parsePES(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if pes.StreamID != tt.id {
				t.Errorf("stream id = %#x, want %#x", pes.StreamID, tt.id)
			}
			if pes.PTS != tt.pts || pes.DTS != tt.dts {
				t.Errorf("PTS/DTS = %d/%d, want %d/%d", pes.PTS, pes.DTS, tt.pts, tt.dts)
			}
			if !bytes.Equal(pes.Data, tt.data) {
				t.Errorf("data = %x, want %x", pes.Data, tt.data)
			}
		})
	}
}

func TestParsePESErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"too short", []byte{0x00, 0x00, 0x01, 0xE0}, errShortPES},
		{"no start code", []byte{0x00, 0x00, 0x02, 0xE0, 0x00, 0x00, 0x80, 0x00, 0x00}, errNoStartCode},
		{"optional header cut", []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80}, errShortPES},
	}
	for _, tt := range tests {
		if _, err := parsePES(tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestHasOptionalHeader(t *testing.T) {
	t.Parallel()

	for _, id := range []uint8{0xBD, 0xC0, 0xDF, 0xE0, 0xEF} {
		if !hasOptionalHeader(id) {
			t.Errorf("stream %#x should have an optional header", id)
		}
	}
	for _, id := range []uint8{0xBC, 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF} {
		if hasOptionalHeader(id) {
			t.Errorf("stream %#x should not have an optional header", id)
		}
	}
}
