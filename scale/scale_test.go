package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/media"
)

func fillFrame(pf media.PixelFormat, w, h int, value func(plane, i int) byte) *media.Frame {
	f := &media.Frame{Width: w, Height: h, PixelFormat: pf}
	for i := 0; i < pf.Planes(); i++ {
		rb, rows := pf.PlaneSize(i, w, h)
		data := make([]byte, rb*rows)
		for j := range data {
			data[j] = value(i, j)
		}
		f.Planes = append(f.Planes, media.Plane{Data: data, Stride: rb})
	}
	return f
}

func flat(v byte) func(int, int) byte {
	return func(int, int) byte { return v }
}

func TestConvertYUVToRGBA(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatYUV420P, 16, 8, flat(128))
	src.PTS = 42
	out, err := Convert(src, media.PixelFormatRGBA, 16, 8, media.ResizerBicubic)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out.PTS)
	require.Len(t, out.Planes, 1)
	assert.Equal(t, 64, out.Planes[0].Stride)
	for i := 0; i < len(out.Planes[0].Data); i += 4 {
		px := out.Planes[0].Data[i : i+4]
		require.Equal(t, []byte{128, 128, 128, 255}, px, "pixel %d", i/4)
	}
}

func TestConvertPackedSwap(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatRGB24, 2, 1, func(_, i int) byte { return byte(i + 1) })
	out, err := Convert(src, media.PixelFormatBGR24, 2, 1, media.ResizerPoint)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 2, 1, 6, 5, 4}, out.Planes[0].Data)
}

func TestConvertCropsOddSizes(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatYUV420P, 5, 3, func(p, i int) byte { return byte(p*50 + i) })
	out, err := Convert(src, media.PixelFormatYUV420P, 5, 3, media.ResizerBicubic)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, 2, out.Height)
	// Luma rows keep their leading samples.
	assert.Equal(t, []byte{0, 1, 2, 3, 5, 6, 7, 8}, out.Planes[0].Data)
	assert.Equal(t, []byte{50, 51}, out.Planes[1].Data)

	w, h := OutputSize(media.PixelFormatYUYV422, 5, 3)
	assert.Equal(t, 4, w)
	assert.Equal(t, 3, h)
	w, h = OutputSize(media.PixelFormatRGBA, 5, 3)
	assert.Equal(t, 5, w)
	assert.Equal(t, 3, h)
}

func TestResizeKeepsFlatPicture(t *testing.T) {
	t.Parallel()

	for _, r := range []media.Resizer{media.ResizerBicubic, media.ResizerBilinear, media.ResizerLanczos, media.ResizerPoint} {
		t.Run(r.String(), func(t *testing.T) {
			t.Parallel()
			src := fillFrame(media.PixelFormatYUV420P, 64, 48, flat(100))
			out, err := Convert(src, media.PixelFormatYUV420P, 32, 24, r)
			require.NoError(t, err)
			assert.Equal(t, 32, out.Width)
			assert.Equal(t, 24, out.Height)
			require.Len(t, out.Planes[0].Data, 32*24)
			for _, v := range out.Planes[0].Data {
				assert.InDelta(t, 100, int(v), 1)
			}
		})
	}
}

func TestResizeRGBA(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatRGBA, 8, 8, flat(200))
	out, err := Convert(src, media.PixelFormatRGBA, 4, 2, media.ResizerFastBilinear)
	require.NoError(t, err)
	assert.Len(t, out.Planes[0].Data, 4*2*4)
	for _, v := range out.Planes[0].Data {
		assert.InDelta(t, 200, int(v), 1)
	}
}

func TestYUYVRoundTrip(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatYUV422P, 4, 2, func(p, i int) byte { return byte(16 + p*64 + i) })
	packed, err := Convert(src, media.PixelFormatYUYV422, 4, 2, media.ResizerBicubic)
	require.NoError(t, err)
	back, err := Convert(packed, media.PixelFormatYUV422P, 4, 2, media.ResizerBicubic)
	require.NoError(t, err)
	for i := range src.Planes {
		assert.Equal(t, src.Planes[i].Data, back.Planes[i].Data, "plane %d", i)
	}
}

func TestConvertGray(t *testing.T) {
	t.Parallel()

	src := fillFrame(media.PixelFormatYUV444P, 4, 4, func(p, i int) byte {
		if p == 0 {
			return byte(i * 10)
		}
		return 128
	})
	out, err := Convert(src, media.PixelFormatGray, 4, 4, media.ResizerBicubic)
	require.NoError(t, err)
	assert.Equal(t, src.Planes[0].Data, out.Planes[0].Data)
}

func TestConvertUnsupported(t *testing.T) {
	t.Parallel()

	src := &media.Frame{Width: 4, Height: 4, Data: []byte{1}}
	_, err := Convert(src, media.PixelFormatRGBA, 4, 4, media.ResizerBicubic)
	assert.ErrorIs(t, err, media.ErrNoSuitableFormat)
	assert.False(t, CanConvert(media.PixelFormatNone, media.PixelFormatYUV420P))
	assert.True(t, CanConvert(media.PixelFormatBGRA, media.PixelFormatYUV420P))
}
