// Package w64 writes Sony Wave64 files: RIFF with 128-bit chunk GUIDs and
// 64-bit chunk sizes, so dumps of long tracks are not limited to 4 GiB.
package w64

import (
	"encoding/binary"
	"errors"
	"io"
)

// Chunk GUIDs as they appear on disk.
var (
	guidRIFF = [16]byte{'r', 'i', 'f', 'f', 0x2E, 0x91, 0xCF, 0x11, 0xA5, 0xD6, 0x28, 0xDB, 0x04, 0xC1, 0x00, 0x00}
	guidWAVE = [16]byte{'w', 'a', 'v', 'e', 0xF3, 0xAC, 0xD3, 0x11, 0x8C, 0xD1, 0x00, 0xC0, 0x4F, 0x8E, 0xDB, 0x8A}
	guidFmt  = [16]byte{'f', 'm', 't', ' ', 0xF3, 0xAC, 0xD3, 0x11, 0x8C, 0xD1, 0x00, 0xC0, 0x4F, 0x8E, 0xDB, 0x8A}
	guidData = [16]byte{'d', 'a', 't', 'a', 0xF3, 0xAC, 0xD3, 0x11, 0x8C, 0xD1, 0x00, 0xC0, 0x4F, 0x8E, 0xDB, 0x8A}
)

const (
	chunkHeaderSize = 24
	fmtBodySize     = 24 // WAVEFORMATEX (18 bytes) padded to 8
	// HeaderSize is the number of bytes before the first sample.
	HeaderSize = 16 + 8 + 16 + chunkHeaderSize + fmtBodySize + chunkHeaderSize

	formatPCM   = 1
	formatFloat = 3
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("w64: writer closed")

// Format is the sample layout of the file.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool
}

// BlockAlign is the size of one sample of every channel.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// Writer streams interleaved samples into a Wave64 file. The sizes in
// the header are patched by Close, which needs an io.WriteSeeker.
type Writer struct {
	ws     io.WriteSeeker
	format Format
	data   uint64
	closed bool
}

// NewWriter writes a header for format to ws.
func NewWriter(ws io.WriteSeeker, format Format) (*Writer, error) {
	if format.Channels <= 0 || format.SampleRate <= 0 || format.BitsPerSample <= 0 || format.BitsPerSample%8 != 0 {
		return nil, errors.New("w64: invalid format")
	}
	w := &Writer{ws: ws, format: format}
	if _, err := ws.Write(w.header()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) header() []byte {
	f := w.format
	b := make([]byte, 0, HeaderSize)
	b = append(b, guidRIFF[:]...)
	b = binary.LittleEndian.AppendUint64(b, HeaderSize+w.data+(8-w.data%8)%8)
	b = append(b, guidWAVE[:]...)

	b = append(b, guidFmt[:]...)
	b = binary.LittleEndian.AppendUint64(b, chunkHeaderSize+fmtBodySize)
	tag := uint16(formatPCM)
	if f.Float {
		tag = formatFloat
	}
	b = binary.LittleEndian.AppendUint16(b, tag)
	b = binary.LittleEndian.AppendUint16(b, uint16(f.Channels))
	b = binary.LittleEndian.AppendUint32(b, uint32(f.SampleRate))
	b = binary.LittleEndian.AppendUint32(b, uint32(f.SampleRate*f.BlockAlign()))
	b = binary.LittleEndian.AppendUint16(b, uint16(f.BlockAlign()))
	b = binary.LittleEndian.AppendUint16(b, uint16(f.BitsPerSample))
	b = binary.LittleEndian.AppendUint16(b, 0)
	b = append(b, make([]byte, fmtBodySize-18)...)

	b = append(b, guidData[:]...)
	b = binary.LittleEndian.AppendUint64(b, chunkHeaderSize+w.data)
	return b
}

// Write appends interleaved samples.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	n, err := w.ws.Write(p)
	w.data += uint64(n)
	return n, err
}

// DataSize returns the number of sample bytes written.
func (w *Writer) DataSize() uint64 {
	return w.data
}

// Close pads the data chunk to 8 bytes and rewrites the header with the
// final sizes. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if pad := (8 - w.data%8) % 8; pad > 0 {
		if _, err := w.ws.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	if _, err := w.ws.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.ws.Write(w.header()); err != nil {
		return err
	}
	_, err := w.ws.Seek(0, io.SeekEnd)
	return err
}
