package source

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zsiec/ffindex/media"
)

func TestCeilRat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		num, den int64
		want     int64
	}{
		{0, 1, 0},
		{4, 2, 2},
		{7, 2, 4},
		{-7, 2, -3},
		{1, 1000, 1},
		{-1, 1000, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ceilRat(big.NewRat(tt.num, tt.den)), "%d/%d", tt.num, tt.den)
	}
}

func TestFilmFrame(t *testing.T) {
	t.Parallel()

	// Paired frames: 0 (0,0) 1 (0,1) 2 (1,1) 3 (2,2) 4 (3,3) 5 (4,4) 6 (5,5).
	m := &fieldMap{fields: []int{0, 0, 0, 1, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5}, film: true}
	var got []int
	for n := 0; n < 6; n++ {
		got = append(got, m.filmFrame(n))
	}
	assert.Equal(t, []int{0, 2, 3, 4, 5, 6}, got)

	// No woven frame in the group drops the last one.
	m = &fieldMap{fields: []int{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}, film: true}
	got = got[:0]
	for n := 0; n < 4; n++ {
		got = append(got, m.filmFrame(n))
	}
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestFieldOrder(t *testing.T) {
	t.Parallel()

	m := &fieldMap{fields: []int{0, 0, 0, 1, 1}, tff: false}
	top, bottom := m.output(1)
	assert.Equal(t, 1, top)
	assert.Equal(t, 0, bottom)

	top, bottom = m.output(2)
	assert.Equal(t, 1, top, "an odd field count repeats the last field")
	assert.Equal(t, 1, bottom)
}

func grayFrame(v byte, w, h int) *media.Frame {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = v
	}
	return &media.Frame{PixelFormat: media.PixelFormatGray, Width: w, Height: h, Planes: []media.Plane{{Data: data, Stride: w}}}
}

func TestWeave(t *testing.T) {
	t.Parallel()

	top, bottom := grayFrame(10, 4, 4), grayFrame(20, 4, 4)
	out := weave(top, bottom)
	for y := 0; y < 4; y++ {
		want := byte(10)
		if y%2 == 1 {
			want = 20
		}
		assert.Equal(t, want, out.Planes[0].Data[y*4+1], "row %d", y)
	}
	assert.Equal(t, byte(10), top.Planes[0].Data[4], "inputs are not modified")

	mismatched := weave(top, grayFrame(20, 2, 2))
	assert.Equal(t, top.Planes[0].Data, mismatched.Planes[0].Data)

	passthrough := weave(&media.Frame{Data: []byte{1}}, &media.Frame{Data: []byte{2}})
	assert.Equal(t, []byte{1}, passthrough.Data)
}
