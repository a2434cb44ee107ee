package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// Demuxer reads TS packets and returns the units they carry. It learns
// PMT PIDs from every PAT it sees. It is not safe for concurrent use.
type Demuxer struct {
	r   io.Reader
	buf [packetSize]byte
	asm *reassembler

	pmtPIDs map[uint16]bool
	queue   []*Unit
	eof     bool

	// offset is the file position of the next byte read from r.
	offset  int64
	resyncs int
	corrupt int
}

// NewDemuxer returns a demuxer reading r from its current position,
// which is taken to be offset 0.
func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{
		r:       r,
		asm:     newReassembler(),
		pmtPIDs: make(map[uint16]bool),
	}
}

// Next returns the next unit in stream order, or io.EOF. Units still
// being assembled at the end of the input are returned before io.EOF.
func (d *Demuxer) Next(ctx context.Context) (*Unit, error) {
	for len(d.queue) == 0 {
		if d.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := d.readPacket()
		if errors.Is(err, io.EOF) {
			d.eof = true
			for _, ps := range d.asm.flush() {
				d.emit(ps)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if done := d.asm.push(p, d.isPSI(p.pid)); done != nil {
			d.emit(done)
		}
	}
	u := d.queue[0]
	d.queue = d.queue[1:]
	return u, nil
}

func (d *Demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmtPIDs[pid]
}

// emit parses the payload of a finished unit onto the queue. Units that
// fail to parse are counted and dropped.
func (d *Demuxer) emit(ps []packet) {
	first := ps[0]
	base := Unit{
		PID:           first.pid,
		Offset:        first.offset,
		RandomAccess:  first.randomAccess,
		Discontinuity: first.gap,
	}
	payload := joinPayloads(ps)

	if d.isPSI(first.pid) {
		secs, _ := splitSections(payload)
		for _, sec := range secs {
			u := base
			var err error
			switch sec[0] {
			case tablePAT:
				u.Kind = UnitPAT
				if u.Programs, err = parsePAT(sec); err == nil {
					for _, p := range u.Programs {
						d.pmtPIDs[p.PMTPID] = true
					}
				}
			case tablePMT:
				u.Kind = UnitPMT
				u.Streams, err = parsePMT(sec)
			default:
				continue
			}
			if err != nil {
				d.corrupt++
				continue
			}
			d.queue = append(d.queue, &u)
		}
		return
	}

	if !hasStartCode(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		d.corrupt++
		return
	}
	base.Kind = UnitPES
	base.PES = pes
	d.queue = append(d.queue, &base)
}

// readPacket reads the next packet, realigning on the sync byte when
// the stream lost packet alignment. A trailing partial packet reads as
// io.EOF.
func (d *Demuxer) readPacket() (packet, error) {
	start := d.offset
	n, err := io.ReadFull(d.r, d.buf[:])
	d.offset += int64(n)
	if err == nil && d.buf[0] != syncByte {
		start, err = d.realign()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil {
		return packet{}, err
	}
	return decodePacket(d.buf[:], start)
}

// realign drops bytes up to the next sync byte, refills buf behind it
// and returns the offset of the realigned packet.
func (d *Demuxer) realign() (int64, error) {
	d.resyncs++
	for {
		i := bytes.IndexByte(d.buf[1:], syncByte) + 1
		if i == 0 {
			i = packetSize
		}
		kept := copy(d.buf[:], d.buf[i:])
		n, err := io.ReadFull(d.r, d.buf[kept:])
		d.offset += int64(n)
		if err != nil {
			return 0, err
		}
		if d.buf[0] == syncByte {
			return d.offset - packetSize, nil
		}
	}
}

// Offset returns the file position of the next packet to be read.
func (d *Demuxer) Offset() int64 {
	return d.offset
}

// Resyncs returns how many times packet alignment was lost.
func (d *Demuxer) Resyncs() int {
	return d.resyncs
}

// Corrupt returns how many units were dropped because they failed to
// parse.
func (d *Demuxer) Corrupt() int {
	return d.corrupt
}

// SeekOffset repositions the demuxer at offset, which should be the
// start of a TS packet. Partial units are discarded. The PMT PIDs
// learned so far are kept, so tables after the seek point still parse.
func (d *Demuxer) SeekOffset(offset int64) error {
	s, ok := d.r.(io.Seeker)
	if !ok {
		return ErrNotSeekable
	}
	if _, err := s.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	d.offset = offset
	d.asm = newReassembler()
	d.queue = nil
	d.eof = false
	return nil
}
