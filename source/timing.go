package source

import (
	"math/big"

	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

// cfrMap maps output frames of a constant-rate remap to source frames.
// Output frame n shows the first source frame at or after
// first + n*den/num seconds.
type cfrMap struct {
	count int
	first *big.Rat // first PTS in ticks
	step  *big.Rat // ticks per output frame
}

func newCFR(cat *track.Catalogue, num, den int64) (*cfrMap, error) {
	tb := cat.TimeBase
	if !tb.Valid() || tb.Num == 0 {
		return nil, media.Errorf(media.KindInvalidArgument, "open source", "track timebase %s cannot be remapped", tb)
	}
	first := new(big.Rat).SetInt64(cat.FirstPTS())
	span := new(big.Rat).SetInt64(cat.LastPTS() - cat.FirstPTS())

	// (last-first) * tb * num/den
	n := new(big.Rat).Mul(span, tb.Rat())
	n.Mul(n, big.NewRat(num, den))
	count := max(int(ceilRat(n)), 1)

	// den/num seconds in ticks: den/num / tb
	step := new(big.Rat).Quo(big.NewRat(den, num), tb.Rat())
	return &cfrMap{count: count, first: first, step: step}, nil
}

// source returns the source frame shown as output frame n.
func (m *cfrMap) source(cat *track.Catalogue, n int) int {
	ts := new(big.Rat).Mul(m.step, new(big.Rat).SetInt64(int64(n)))
	ts.Add(ts, m.first)
	s := cat.FrameAtOrAfter(ceilRat(ts))
	if s < 0 {
		return cat.FrameCount() - 1
	}
	return s
}

// ceilRat rounds r up to an integer. big.Rat keeps the denominator
// positive, so Euclidean division floors.
func ceilRat(r *big.Rat) int64 {
	q, m := new(big.Int).DivMod(r.Num(), r.Denom(), new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// fieldMap lays out the fields of a repeat-field honoring source. Frame n
// contributes 2+RepeatPict fields; output frame j is made of fields 2j
// and 2j+1. Field parity alternates from the first frame's field order.
type fieldMap struct {
	fields []int
	tff    bool
	count  int
	// film drops one output frame of every five.
	film bool
}

func newFieldMap(cat *track.Catalogue, mode RFFMode) *fieldMap {
	m := &fieldMap{film: mode == RFFForceFilm}
	for n := 0; n < cat.FrameCount(); n++ {
		rec := cat.Frame(n)
		for k := 0; k < 2+max(int(rec.RepeatPict), 0); k++ {
			m.fields = append(m.fields, n)
		}
	}
	if len(m.fields) > 0 {
		m.tff = cat.Frame(0).TopFieldFirst
	}
	m.count = (len(m.fields) + 1) / 2
	if m.film {
		m.count = m.count/5*4 + m.count%5
	}
	return m
}

// pair returns the source frames holding fields 2j and 2j+1 of paired
// frame j.
func (m *fieldMap) pair(j int) (int, int) {
	a := m.fields[2*j]
	if 2*j+1 >= len(m.fields) {
		return a, a
	}
	return a, m.fields[2*j+1]
}

// output returns the source frames of output frame n, the one carrying
// the top field first.
func (m *fieldMap) output(n int) (top, bottom int) {
	j := n
	if m.film {
		j = m.filmFrame(n)
	}
	a, b := m.pair(j)
	// Field 2j has the first frame's parity.
	if m.tff {
		return a, b
	}
	return b, a
}

// filmFrame maps an output frame of force-film mode to a paired frame.
// In every full group of five paired frames the first woven one is
// dropped, or the last one when none is woven.
func (m *fieldMap) filmFrame(n int) int {
	paired := (len(m.fields) + 1) / 2
	g, i := n/4, n%4
	start := g * 5
	if start+5 > paired {
		// Trailing partial group keeps every frame.
		return paired/5*5 + (n - paired/5*4)
	}
	drop := start + 4
	for j := start; j < start+5; j++ {
		if a, b := m.pair(j); a != b {
			drop = j
			break
		}
	}
	j := start + i
	if j >= drop {
		j++
	}
	return j
}

// weave builds a frame from the top field of top and the bottom field of
// bottom by taking even rows from the first and odd rows from the second.
// Frames without planes, or with differing layouts, yield a copy of top.
func weave(top, bottom *media.Frame) *media.Frame {
	out := top.Clone()
	if top == bottom || len(top.Planes) == 0 || len(top.Planes) != len(bottom.Planes) ||
		top.PixelFormat != bottom.PixelFormat || top.Width != bottom.Width || top.Height != bottom.Height {
		return out
	}
	for i := range out.Planes {
		dst, src := out.Planes[i], bottom.Planes[i]
		if dst.Stride != src.Stride || len(dst.Data) != len(src.Data) || dst.Stride == 0 {
			continue
		}
		for y := 1; (y+1)*dst.Stride <= len(dst.Data); y += 2 {
			copy(dst.Data[y*dst.Stride:(y+1)*dst.Stride], src.Data[y*src.Stride:(y+1)*src.Stride])
		}
	}
	return out
}
