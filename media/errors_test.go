package media

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsKind(t *testing.T) {
	t.Parallel()

	err := Errorf(KindOutOfRange, "get frame", "frame %d out of range", 12)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.False(t, errors.Is(err, ErrDecodeError))
	assert.Equal(t, KindOutOfRange, KindOf(err))
	assert.Equal(t, "ffindex: get frame: frame 12 out of range", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	err := Wrap(KindReadError, "read index", io.ErrUnexpectedEOF, "truncated body")
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.True(t, errors.Is(err, ErrReadError))

	outer := fmt.Errorf("loading cache: %w", err)
	assert.Equal(t, KindReadError, KindOf(outer))

	assert.NoError(t, Wrap(KindReadError, "noop", nil, "unused"))
}

func TestKindOfPlainErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(io.EOF))
	assert.Equal(t, KindCancelled, KindOf(fmt.Errorf("wrapped: %w", ErrCancelled)))
}

func TestPixelFormatGeometry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format PixelFormat
		w, h   int
		size   int
	}{
		{PixelFormatYUV420P, 4, 4, 16 + 4 + 4},
		{PixelFormatYUV420P, 5, 3, 15 + 6 + 6},
		{PixelFormatYUV422P, 4, 2, 8 + 4 + 4},
		{PixelFormatYUV444P, 2, 2, 12},
		{PixelFormatYUYV422, 4, 2, 16},
		{PixelFormatRGBA, 3, 2, 24},
		{PixelFormatBGR24, 3, 2, 18},
		{PixelFormatGray, 3, 3, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.size, tt.format.FrameSize(tt.w, tt.h), "%s %dx%d", tt.format, tt.w, tt.h)
	}

	assert.True(t, PixelFormatYUV420P.EvenHeight())
	assert.True(t, PixelFormatYUYV422.EvenWidth())
	assert.False(t, PixelFormatYUYV422.EvenHeight())
	assert.Equal(t, PixelFormatRGBA, ParsePixelFormat("RGB32"))
}

func TestFrameCloneIsDeep(t *testing.T) {
	t.Parallel()

	f := &Frame{PTS: 3, Planes: []Plane{{Data: []byte{1, 2}, Stride: 2}}, Data: []byte{9}}
	c := f.Clone()
	c.Planes[0].Data[0] = 7
	c.Data[0] = 8
	assert.Equal(t, byte(1), f.Planes[0].Data[0])
	assert.Equal(t, byte(9), f.Data[0])
	assert.Nil(t, (*Frame)(nil).Clone())
}
