// Package scale converts decoded pictures between pixel formats and
// sizes. Planar YUV and gray pictures are resized with rez; packed RGB
// pictures with golang.org/x/image/draw.
package scale

import (
	"image"
	"image/color"

	"github.com/bamiaux/rez"
	"golang.org/x/image/draw"

	"github.com/zsiec/ffindex/media"
)

// Supported reports whether pictures in format pf can be read or written.
func Supported(pf media.PixelFormat) bool {
	switch pf {
	case media.PixelFormatYUV420P, media.PixelFormatYUVJ420P, media.PixelFormatYUV422P,
		media.PixelFormatYUV444P, media.PixelFormatYUYV422, media.PixelFormatGray,
		media.PixelFormatRGB24, media.PixelFormatBGR24, media.PixelFormatRGBA, media.PixelFormatBGRA:
		return true
	}
	return false
}

// CanConvert reports whether Convert can turn pictures in from into to.
func CanConvert(from, to media.PixelFormat) bool {
	return Supported(from) && Supported(to)
}

// OutputSize returns the picture size a w x h request becomes in pf:
// formats with subsampled chroma are cropped to even dimensions.
func OutputSize(pf media.PixelFormat, w, h int) (int, int) {
	if pf.EvenWidth() {
		w &^= 1
	}
	if pf.EvenHeight() {
		h &^= 1
	}
	return w, h
}

// Convert returns a copy of f in format pf at w x h. A frame that already
// matches is still copied so callers may keep it.
func Convert(f *media.Frame, pf media.PixelFormat, w, h int, r media.Resizer) (*media.Frame, error) {
	if !CanConvert(f.PixelFormat, pf) {
		return nil, media.Errorf(media.KindNoSuitableFormat, "convert", "cannot convert %q to %q", f.PixelFormat, pf)
	}
	w, h = OutputSize(pf, w, h)
	if w <= 0 || h <= 0 {
		return nil, media.Errorf(media.KindInvalidArgument, "convert", "output size %dx%d", w, h)
	}

	img, err := frameImage(f)
	if err != nil {
		return nil, err
	}
	img = crop(img, f.Width, f.Height, pf)
	if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
		if img, err = resize(img, w, h, r); err != nil {
			return nil, err
		}
	}

	out := &media.Frame{
		PTS:           f.PTS,
		Keyframe:      f.Keyframe,
		Width:         w,
		Height:        h,
		PixelFormat:   pf,
		RepeatPict:    f.RepeatPict,
		TopFieldFirst: f.TopFieldFirst,
		Captions:      append([]media.CaptionPair(nil), f.Captions...),
	}
	out.Planes = imagePlanes(img, pf)
	return out, nil
}

// crop trims the picture to the even size pf needs when the source is at
// its native size.
func crop(img image.Image, w, h int, pf media.PixelFormat) image.Image {
	ew, eh := OutputSize(pf, w, h)
	if ew == w && eh == h {
		return img
	}
	r := image.Rect(0, 0, ew, eh)
	switch m := img.(type) {
	case *image.YCbCr:
		dst := image.NewYCbCr(r, m.SubsampleRatio)
		for y := 0; y < eh; y++ {
			copy(dst.Y[y*dst.YStride:y*dst.YStride+ew], m.Y[m.YOffset(0, y):])
		}
		cw := dst.COffset(ew-1, 0) + 1
		ch := dst.COffset(0, eh-1)/dst.CStride + 1
		for y := 0; y < ch; y++ {
			copy(dst.Cb[y*dst.CStride:y*dst.CStride+cw], m.Cb[y*m.CStride:])
			copy(dst.Cr[y*dst.CStride:y*dst.CStride+cw], m.Cr[y*m.CStride:])
		}
		return dst
	case *image.Gray:
		return m.SubImage(r)
	case *image.RGBA:
		return m.SubImage(r)
	}
	return img
}

func resize(img image.Image, w, h int, r media.Resizer) (image.Image, error) {
	rect := image.Rect(0, 0, w, h)
	switch src := img.(type) {
	case *image.YCbCr:
		dst := image.NewYCbCr(rect, src.SubsampleRatio)
		if r == media.ResizerPoint {
			nearestYCbCr(dst, src)
			return dst, nil
		}
		if err := rez.Convert(dst, src, rezFilter(r)); err != nil {
			return nil, media.Wrap(media.KindNoSuitableFormat, "resize", err, "resize to %dx%d", w, h)
		}
		return dst, nil
	case *image.Gray:
		dst := image.NewGray(rect)
		if r == media.ResizerPoint {
			draw.NearestNeighbor.Scale(dst, rect, src, src.Bounds(), draw.Src, nil)
			return dst, nil
		}
		if err := rez.Convert(dst, src, rezFilter(r)); err != nil {
			return nil, media.Wrap(media.KindNoSuitableFormat, "resize", err, "resize to %dx%d", w, h)
		}
		return dst, nil
	}
	dst := image.NewRGBA(rect)
	drawScaler(r).Scale(dst, rect, img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

func rezFilter(r media.Resizer) rez.Filter {
	switch r {
	case media.ResizerBilinear, media.ResizerFastBilinear:
		return rez.NewBilinearFilter()
	case media.ResizerLanczos:
		return rez.NewLanczosFilter(3)
	}
	return rez.NewBicubicFilter()
}

func drawScaler(r media.Resizer) draw.Scaler {
	switch r {
	case media.ResizerPoint:
		return draw.NearestNeighbor
	case media.ResizerFastBilinear:
		return draw.ApproxBiLinear
	case media.ResizerBilinear:
		return draw.BiLinear
	}
	return draw.CatmullRom
}

func nearestYCbCr(dst, src *image.YCbCr) {
	sb, db := src.Bounds(), dst.Bounds()
	for y := 0; y < db.Dy(); y++ {
		sy := sb.Min.Y + y*sb.Dy()/db.Dy()
		for x := 0; x < db.Dx(); x++ {
			sx := sb.Min.X + x*sb.Dx()/db.Dx()
			dst.Y[dst.YOffset(x, y)] = src.Y[src.YOffset(sx, sy)]
			ci := dst.COffset(x, y)
			sc := src.COffset(sx, sy)
			dst.Cb[ci] = src.Cb[sc]
			dst.Cr[ci] = src.Cr[sc]
		}
	}
}

// toRGBA renders any image into a new RGBA image with origin at zero.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if m, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return m
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// toYCbCr returns img as a YCbCr image with the given subsampling.
func toYCbCr(img image.Image, ratio image.YCbCrSubsampleRatio) *image.YCbCr {
	if m, ok := img.(*image.YCbCr); ok && m.SubsampleRatio == ratio {
		return m
	}
	if g, ok := img.(*image.Gray); ok {
		b := g.Bounds()
		dst := image.NewYCbCr(image.Rect(0, 0, b.Dx(), b.Dy()), ratio)
		for y := 0; y < b.Dy(); y++ {
			copy(dst.Y[y*dst.YStride:y*dst.YStride+b.Dx()], g.Pix[g.PixOffset(b.Min.X, b.Min.Y+y):])
		}
		for i := range dst.Cb {
			dst.Cb[i], dst.Cr[i] = 128, 128
		}
		return dst
	}

	rgba := toRGBA(img)
	b := rgba.Bounds()
	dst := image.NewYCbCr(b, ratio)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			p := rgba.Pix[rgba.PixOffset(x, y):]
			yy, cb, cr := color.RGBToYCbCr(p[0], p[1], p[2])
			dst.Y[dst.YOffset(x, y)] = yy
			ci := dst.COffset(x, y)
			dst.Cb[ci], dst.Cr[ci] = cb, cr
		}
	}
	return dst
}
