package matroska

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// unknownSize marks an element whose size field is all ones.
const unknownSize = ^uint64(0)

// maxElementSize bounds the payloads read into memory.
const maxElementSize = 256 << 20

var errBadVint = errors.New("matroska: invalid variable-length integer")

// vintLength returns the total length encoded by the leading byte of a
// vint, or 0 if the byte is not a valid first byte.
func vintLength(first byte) int {
	for i := 0; i < 8; i++ {
		if first&(0x80>>i) != 0 {
			return i + 1
		}
	}
	return 0
}

// parseVint decodes a size-style vint at the start of b, with the length
// marker removed. An all-ones value decodes to unknownSize.
func parseVint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	n := vintLength(b[0])
	if n == 0 {
		return 0, 0, errBadVint
	}
	if len(b) < n {
		return 0, 0, io.ErrUnexpectedEOF
	}
	mask := byte(0xFF >> n)
	v := uint64(b[0] & mask)
	allOnes := b[0]&mask == mask
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
		allOnes = allOnes && c == 0xFF
	}
	if allOnes {
		return unknownSize, n, nil
	}
	return v, n, nil
}

// parseSignedVint decodes an EBML lacing delta.
func parseSignedVint(b []byte) (int64, int, error) {
	v, n, err := parseVint(b)
	if err != nil {
		return 0, 0, err
	}
	if v == unknownSize {
		return 0, 0, errBadVint
	}
	return int64(v) - (int64(1)<<(7*n-1) - 1), n, nil
}

// parseID decodes an element ID at the start of b, keeping the marker
// bits as IDs are written in the format tables.
func parseID(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	n := vintLength(b[0])
	if n == 0 || n > 4 {
		return 0, 0, errBadVint
	}
	if len(b) < n {
		return 0, 0, io.ErrUnexpectedEOF
	}
	var id uint32
	for _, c := range b[:n] {
		id = id<<8 | uint32(c)
	}
	return id, n, nil
}

// parseHeader decodes an element header at the start of b.
func parseHeader(b []byte) (id uint32, size uint64, n int, err error) {
	id, in, err := parseID(b)
	if err != nil {
		return 0, 0, 0, err
	}
	size, sn, err := parseVint(b[in:])
	if err != nil {
		return 0, 0, 0, err
	}
	return id, size, in + sn, nil
}

// walk calls fn for each child element of a master element payload.
// Children with an unknown size extend to the end of b.
func walk(b []byte, fn func(id uint32, data []byte) error) error {
	for len(b) > 0 {
		id, size, n, err := parseHeader(b)
		if err != nil {
			return err
		}
		b = b[n:]
		if size == unknownSize || size > uint64(len(b)) {
			size = uint64(len(b))
		}
		if err := fn(id, b[:size]); err != nil {
			return err
		}
		b = b[size:]
	}
	return nil
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func readInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	v := int64(int8(b[0]))
	for _, c := range b[1:] {
		v = v<<8 | int64(c)
	}
	return v
}

func readFloat(b []byte) float64 {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	}
	return 0
}

// reader is a buffered element reader over a file that tracks its
// absolute offset and can reposition.
type reader struct {
	f   *os.File
	r   *bufio.Reader
	pos int64
}

func newReader(f *os.File) *reader {
	return &reader{f: f, r: bufio.NewReaderSize(f, 256<<10)}
}

func (er *reader) seek(pos int64) error {
	if _, err := er.f.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	er.r.Reset(er.f)
	er.pos = pos
	return nil
}

func (er *reader) readByte() (byte, error) {
	b, err := er.r.ReadByte()
	if err != nil {
		return 0, err
	}
	er.pos++
	return b, nil
}

// readN returns a fresh slice of n bytes.
func (er *reader) readN(n uint64) ([]byte, error) {
	if n > maxElementSize {
		return nil, fmt.Errorf("matroska: element of %d bytes at %d", n, er.pos)
	}
	buf := make([]byte, n)
	m, err := io.ReadFull(er.r, buf)
	er.pos += int64(m)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (er *reader) skip(n uint64) error {
	if n > 1<<20 {
		return er.seek(er.pos + int64(n))
	}
	m, err := er.r.Discard(int(n))
	er.pos += int64(m)
	return err
}

// readHeader reads an element header. A clean end of file before the
// first byte returns io.EOF.
func (er *reader) readHeader() (uint32, uint64, error) {
	first, err := er.readByte()
	if err != nil {
		return 0, 0, err
	}
	var buf [12]byte
	buf[0] = first
	n := vintLength(first)
	if n == 0 || n > 4 {
		return 0, 0, errBadVint
	}
	for i := 1; i < n; i++ {
		if buf[i], err = er.readByte(); err != nil {
			return 0, 0, io.ErrUnexpectedEOF
		}
	}
	id, _, _ := parseID(buf[:n])

	sf, err := er.readByte()
	if err != nil {
		return 0, 0, io.ErrUnexpectedEOF
	}
	sbuf := buf[4:]
	sbuf[0] = sf
	sn := vintLength(sf)
	if sn == 0 {
		return 0, 0, errBadVint
	}
	for i := 1; i < sn; i++ {
		if sbuf[i], err = er.readByte(); err != nil {
			return 0, 0, io.ErrUnexpectedEOF
		}
	}
	size, _, err := parseVint(sbuf[:sn])
	return id, size, err
}

// headerAt reads an element header at off without disturbing any
// buffered reader.
func headerAt(r io.ReaderAt, off int64) (id uint32, size uint64, n int, err error) {
	var buf [12]byte
	m, err := r.ReadAt(buf[:], off)
	if m == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, 0, 0, err
	}
	return parseHeader(buf[:m])
}
