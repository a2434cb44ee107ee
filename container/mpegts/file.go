package mpegts

import (
	"bufio"
	"io"
	"os"
)

// readBufferSize holds a few hundred TS packets.
const readBufferSize = 188 * 512

// bufferedFile is a buffered reader over a file that can still seek.
type bufferedFile struct {
	f *os.File
	r *bufio.Reader
}

func newBufferedFile(f *os.File) *bufferedFile {
	return &bufferedFile{f: f, r: bufio.NewReaderSize(f, readBufferSize)}
}

func (b *bufferedFile) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Seek supports io.SeekStart only.
func (b *bufferedFile) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, os.ErrInvalid
	}
	n, err := b.f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, err
	}
	b.r.Reset(b.f)
	return n, nil
}

func (b *bufferedFile) Close() error {
	return b.f.Close()
}
