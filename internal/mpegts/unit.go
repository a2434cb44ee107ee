// Package mpegts splits an MPEG transport stream into its PAT, PMT and
// PES units. Every unit carries the file offset of its first TS packet,
// which is what an index stores to seek back to it.
package mpegts

import "errors"

// NoTimestamp marks a PES packet without a PTS or DTS.
const NoTimestamp int64 = -1

// UnitKind tells which table or packet a Unit holds.
type UnitKind uint8

const (
	UnitPES UnitKind = iota
	UnitPAT
	UnitPMT
)

func (k UnitKind) String() string {
	switch k {
	case UnitPAT:
		return "PAT"
	case UnitPMT:
		return "PMT"
	}
	return "PES"
}

// Unit is one reassembled PSI section or PES packet.
type Unit struct {
	Kind UnitKind
	PID  uint16
	// Offset is the file position of the first TS packet of the unit.
	Offset int64
	// RandomAccess is the random_access_indicator of the first packet.
	RandomAccess bool
	// Discontinuity is set when packets of the PID were lost, or the
	// stream signalled a discontinuity, just before this unit.
	Discontinuity bool

	Programs []Program          // UnitPAT
	Streams  []ElementaryStream // UnitPMT
	PES      *PES               // UnitPES
}

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// ElementaryStream is one PMT entry.
type ElementaryStream struct {
	PID  uint16
	Type uint8
}

// PES is a reassembled packetized elementary stream packet. PTS and DTS
// are 33-bit 90 kHz values or NoTimestamp.
type PES struct {
	StreamID uint8
	PTS      int64
	DTS      int64
	Data     []byte
}

var (
	// ErrNotSeekable is returned by SeekOffset when the reader cannot
	// seek.
	ErrNotSeekable = errors.New("mpegts: reader is not seekable")

	errNoSync       = errors.New("mpegts: missing sync byte")
	errPacketSize   = errors.New("mpegts: short packet")
	errShortPES     = errors.New("mpegts: PES packet too short")
	errNoStartCode  = errors.New("mpegts: missing PES start code")
	errShortSection = errors.New("mpegts: section too short")
	errSectionCRC   = errors.New("mpegts: section CRC mismatch")
)
