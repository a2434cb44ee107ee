package indexer

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/zsiec/ffindex/internal/w64"
	"github.com/zsiec/ffindex/media"
)

// dumper writes the decoded samples of one track to a Wave64 file. The
// file is created at the first decoded frame, whose format it takes.
type dumper struct {
	path   string
	f      *os.File
	buf    *bufio.Writer
	w      *w64.Writer
	format w64.Format
}

// seekBuffer lets w64.Writer patch its header through a bufio.Writer.
type seekBuffer struct {
	*bufio.Writer
	f *os.File
}

func (s seekBuffer) Seek(off int64, whence int) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	return s.f.Seek(off, whence)
}

func (d *dumper) open(path string, f *media.Frame) error {
	d.format = w64.Format{
		SampleRate:    f.SampleRate,
		Channels:      f.Channels,
		BitsPerSample: f.SampleFormat.BytesPerSample() * 8,
		Float:         f.SampleFormat.IsFloat(),
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return media.Wrap(media.KindIndexingError, "dump", err, "create directory for %s", path)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "create %s", path)
	}
	d.path, d.f = path, file
	d.buf = bufio.NewWriterSize(file, 1<<20)
	d.w, err = w64.NewWriter(seekBuffer{Writer: d.buf, f: file}, d.format)
	if err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "write header of %s", path)
	}
	return nil
}

func (d *dumper) write(f *media.Frame) error {
	if f.SampleRate != d.format.SampleRate || f.Channels != d.format.Channels ||
		f.SampleFormat.BytesPerSample()*8 != d.format.BitsPerSample {
		return media.Errorf(media.KindDecodeError, "dump", "audio format changed mid-stream in %s", d.path)
	}
	if _, err := d.w.Write(f.Data); err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "write %s", d.path)
	}
	return nil
}

// finish completes the header and closes the file.
func (d *dumper) finish() error {
	if d.w == nil {
		return nil
	}
	if err := d.w.Close(); err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "finish %s", d.path)
	}
	if err := d.buf.Flush(); err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "flush %s", d.path)
	}
	err := d.f.Close()
	d.f, d.w = nil, nil
	if err != nil {
		return media.Wrap(media.KindIndexingError, "dump", err, "close %s", d.path)
	}
	return nil
}

func (d *dumper) close() {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
}

// remove deletes a partially written dump.
func (d *dumper) remove() {
	d.close()
	if d.path != "" {
		os.Remove(d.path)
	}
}
