// Package track implements the per-stream catalogue of packet metadata
// that the indexer builds and the retrieval engine consumes.
package track

import (
	"sort"
	"sync"

	"github.com/zsiec/ffindex/media"
)

// FrameRecord describes one demuxed packet.
type FrameRecord struct {
	PTS           int64
	DTS           int64
	Pos           int64
	SampleCount   uint32
	RepeatPict    int8
	Keyframe      bool
	TopFieldFirst bool
}

// HasPTS reports whether the record carries a presentation timestamp.
func (r FrameRecord) HasPTS() bool {
	return r.PTS != media.NoPTS
}

// Info describes the stream a catalogue belongs to.
type Info struct {
	Type     media.TrackType
	Codec    string
	TimeBase media.Rational
	// Index is the stream's ordinal among all container streams.
	Index int
	// ReorderDepth is the number of frames a decoder may hold back before
	// emitting them in presentation order.
	ReorderDepth int

	Width         int
	Height        int
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Catalogue is the ordered record of every packet of one stream. Records
// are kept in container order. A Catalogue is immutable once built and
// safe for concurrent readers.
type Catalogue struct {
	Info

	records []FrameRecord

	orderOnce sync.Once
	order     []int   // presentation number -> record index
	inverse   []int   // record index -> presentation number
	starts    []int64 // presentation number -> first sample, len+1 entries
	keyframes []int   // presentation numbers of keyframes
}

// New builds a catalogue over records, which must be in container order.
// The slice is retained.
func New(info Info, records []FrameRecord) *Catalogue {
	return &Catalogue{Info: info, records: records}
}

// Len returns the number of records.
func (c *Catalogue) Len() int {
	return len(c.records)
}

// Indexed reports whether the stream was scanned. A stream present in the
// container but excluded from indexing has no records.
func (c *Catalogue) Indexed() bool {
	return len(c.records) > 0
}

// Record returns record i in container order.
func (c *Catalogue) Record(i int) FrameRecord {
	return c.records[i]
}

// Records returns the records in container order. The slice must not be
// modified.
func (c *Catalogue) Records() []FrameRecord {
	return c.records
}

func (c *Catalogue) buildOrder() {
	c.orderOnce.Do(func() {
		n := len(c.records)
		c.order = make([]int, n)
		for i := range c.order {
			c.order[i] = i
		}
		sort.SliceStable(c.order, func(a, b int) bool {
			return sortPTS(c.records[c.order[a]]) < sortPTS(c.records[c.order[b]])
		})

		c.inverse = make([]int, n)
		c.starts = make([]int64, n+1)
		for pn, ri := range c.order {
			c.inverse[ri] = pn
			rec := c.records[ri]
			c.starts[pn+1] = c.starts[pn] + int64(rec.SampleCount)
			if rec.Keyframe {
				c.keyframes = append(c.keyframes, pn)
			}
		}
	})
}

// sortPTS places records without a timestamp at their DTS, which keeps
// them in container order relative to their neighbours.
func sortPTS(r FrameRecord) int64 {
	if r.PTS == media.NoPTS {
		return r.DTS
	}
	return r.PTS
}

// FrameCount returns the number of frames in presentation order.
func (c *Catalogue) FrameCount() int {
	return len(c.records)
}

// Frame returns the record shown as presentation frame n.
func (c *Catalogue) Frame(n int) FrameRecord {
	c.buildOrder()
	return c.records[c.order[n]]
}

// RecordIndex maps presentation frame n to its container-order index.
func (c *Catalogue) RecordIndex(n int) int {
	c.buildOrder()
	return c.order[n]
}

// FrameNumber maps a container-order index to its presentation number.
func (c *Catalogue) FrameNumber(recordIndex int) int {
	c.buildOrder()
	return c.inverse[recordIndex]
}

// Keyframes returns the presentation numbers of all keyframes in
// ascending order. The slice must not be modified.
func (c *Catalogue) Keyframes() []int {
	c.buildOrder()
	return c.keyframes
}

// KeyframeCount returns the number of keyframes.
func (c *Catalogue) KeyframeCount() int {
	return len(c.Keyframes())
}

// FrameFromPTS returns the presentation number of the frame whose PTS
// equals pts, or -1.
func (c *Catalogue) FrameFromPTS(pts int64) int {
	n := c.FrameAtOrAfter(pts)
	if n < 0 || c.Frame(n).PTS != pts {
		return -1
	}
	return n
}

// FrameAtOrAfter returns the first presentation frame whose PTS is at or
// after pts, or -1 when every frame is earlier.
func (c *Catalogue) FrameAtOrAfter(pts int64) int {
	c.buildOrder()
	n := sort.Search(len(c.order), func(i int) bool {
		return sortPTS(c.records[c.order[i]]) >= pts
	})
	if n == len(c.order) {
		return -1
	}
	return n
}

// ClosestFrameFromPTS returns the presentation frame whose PTS is nearest
// to pts, preferring the earlier frame on ties. It returns -1 for an empty
// catalogue.
func (c *Catalogue) ClosestFrameFromPTS(pts int64) int {
	if len(c.records) == 0 {
		return -1
	}
	n := c.FrameAtOrAfter(pts)
	if n < 0 {
		return len(c.records) - 1
	}
	if n == 0 {
		return 0
	}
	before := pts - sortPTS(c.Frame(n-1))
	after := sortPTS(c.Frame(n)) - pts
	if before <= after {
		return n - 1
	}
	return n
}

// FirstPTS returns the PTS of presentation frame 0.
func (c *Catalogue) FirstPTS() int64 {
	if len(c.records) == 0 {
		return media.NoPTS
	}
	return sortPTS(c.Frame(0))
}

// LastPTS returns the PTS of the last presentation frame.
func (c *Catalogue) LastPTS() int64 {
	if len(c.records) == 0 {
		return media.NoPTS
	}
	return sortPTS(c.Frame(len(c.records) - 1))
}

// TotalSamples returns the sum of all records' sample counts.
func (c *Catalogue) TotalSamples() int64 {
	c.buildOrder()
	return c.starts[len(c.records)]
}

// SampleStart returns the first PCM sample of presentation frame n. n may
// equal FrameCount, giving the total.
func (c *Catalogue) SampleStart(n int) int64 {
	c.buildOrder()
	return c.starts[n]
}

// FrameForSample returns the presentation frame containing sample s, or -1
// when s is outside the track. Frames with zero samples are skipped.
func (c *Catalogue) FrameForSample(s int64) int {
	c.buildOrder()
	if s < 0 || s >= c.starts[len(c.records)] {
		return -1
	}
	// First frame whose end is past s.
	return sort.Search(len(c.records), func(i int) bool {
		return c.starts[i+1] > s
	})
}

// Seconds converts a timestamp in the track's timebase to seconds.
func (c *Catalogue) Seconds(ts int64) float64 {
	return c.TimeBase.Seconds(ts)
}
