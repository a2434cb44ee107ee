package track

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/zsiec/ffindex/media"
)

// WriteTimecodes writes a v2 timecode file: a header line followed by the
// millisecond timestamp of every frame in presentation order.
func (c *Catalogue) WriteTimecodes(w io.Writer) error {
	if !c.Indexed() {
		return media.Errorf(media.KindInvalidArgument, "write timecodes", "track %d is not indexed", c.Index)
	}
	if !c.TimeBase.Valid() || c.TimeBase.Num == 0 {
		return media.Errorf(media.KindInvalidArgument, "write timecodes", "track %d has invalid timebase %s", c.Index, c.TimeBase)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("# timecode format v2\n"); err != nil {
		return err
	}
	for n := 0; n < c.FrameCount(); n++ {
		ms := float64(sortPTS(c.Frame(n))) * float64(c.TimeBase.Num) * 1000 / float64(c.TimeBase.Den)
		if _, err := fmt.Fprintf(bw, "%.02f\n", ms); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteTimecodesFile writes the timecodes to path, replacing any existing
// file.
func (c *Catalogue) WriteTimecodesFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return media.Wrap(media.KindReadError, "write timecodes", err, "create %s", path)
	}
	if err := c.WriteTimecodes(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
