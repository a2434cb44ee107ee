package scale

import (
	"image"

	"github.com/zsiec/ffindex/media"
)

func ratioOf(pf media.PixelFormat) image.YCbCrSubsampleRatio {
	switch pf {
	case media.PixelFormatYUV422P, media.PixelFormatYUYV422:
		return image.YCbCrSubsampleRatio422
	case media.PixelFormatYUV444P:
		return image.YCbCrSubsampleRatio444
	}
	return image.YCbCrSubsampleRatio420
}

// frameImage wraps the planes of f as an image. Planar layouts share the
// frame's memory; packed layouts other than RGBA are unpacked.
func frameImage(f *media.Frame) (image.Image, error) {
	if len(f.Planes) < f.PixelFormat.Planes() {
		return nil, media.Errorf(media.KindInvalidArgument, "convert", "%q frame with %d planes", f.PixelFormat, len(f.Planes))
	}
	r := image.Rect(0, 0, f.Width, f.Height)
	p := f.Planes
	switch f.PixelFormat {
	case media.PixelFormatYUV420P, media.PixelFormatYUVJ420P, media.PixelFormatYUV422P, media.PixelFormatYUV444P:
		return &image.YCbCr{
			Y: p[0].Data, Cb: p[1].Data, Cr: p[2].Data,
			YStride: p[0].Stride, CStride: p[1].Stride,
			SubsampleRatio: ratioOf(f.PixelFormat),
			Rect:           r,
		}, nil
	case media.PixelFormatGray:
		return &image.Gray{Pix: p[0].Data, Stride: p[0].Stride, Rect: r}, nil
	case media.PixelFormatRGBA:
		return &image.RGBA{Pix: p[0].Data, Stride: p[0].Stride, Rect: r}, nil
	case media.PixelFormatBGRA, media.PixelFormatRGB24, media.PixelFormatBGR24:
		return unpackRGB(f), nil
	case media.PixelFormatYUYV422:
		return unpackYUYV(f), nil
	}
	return nil, media.Errorf(media.KindNoSuitableFormat, "convert", "unsupported pixel format %q", f.PixelFormat)
}

func unpackRGB(f *media.Frame) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := f.Planes[0]
	bpp, swap := 3, f.PixelFormat == media.PixelFormatBGR24
	if f.PixelFormat == media.PixelFormatBGRA {
		bpp, swap = 4, true
	}
	for y := 0; y < f.Height; y++ {
		row := src.Data[y*src.Stride:]
		out := dst.Pix[y*dst.Stride:]
		for x := 0; x < f.Width; x++ {
			s, d := row[x*bpp:], out[x*4:]
			if swap {
				d[0], d[1], d[2] = s[2], s[1], s[0]
			} else {
				d[0], d[1], d[2] = s[0], s[1], s[2]
			}
			d[3] = 0xFF
			if bpp == 4 {
				d[3] = s[3]
			}
		}
	}
	return dst
}

func unpackYUYV(f *media.Frame) *image.YCbCr {
	dst := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio422)
	src := f.Planes[0]
	for y := 0; y < f.Height; y++ {
		row := src.Data[y*src.Stride:]
		for x := 0; x < f.Width; x += 2 {
			s := row[x*2:]
			dst.Y[dst.YOffset(x, y)] = s[0]
			if x+1 < f.Width {
				dst.Y[dst.YOffset(x+1, y)] = s[2]
			}
			ci := dst.COffset(x, y)
			dst.Cb[ci], dst.Cr[ci] = s[1], s[3]
		}
	}
	return dst
}

// imagePlanes writes img into tightly packed planes of format pf.
func imagePlanes(img image.Image, pf media.PixelFormat) []media.Plane {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	planes := make([]media.Plane, pf.Planes())
	for i := range planes {
		rb, rows := pf.PlaneSize(i, w, h)
		planes[i] = media.Plane{Data: make([]byte, rb*rows), Stride: rb}
	}

	switch pf {
	case media.PixelFormatYUV420P, media.PixelFormatYUVJ420P, media.PixelFormatYUV422P, media.PixelFormatYUV444P:
		src := toYCbCr(img, ratioOf(pf))
		copyPlane(planes[0], src.Y[src.YOffset(src.Rect.Min.X, src.Rect.Min.Y):], src.YStride)
		co := src.COffset(src.Rect.Min.X, src.Rect.Min.Y)
		copyPlane(planes[1], src.Cb[co:], src.CStride)
		copyPlane(planes[2], src.Cr[co:], src.CStride)
	case media.PixelFormatGray:
		switch src := img.(type) {
		case *image.Gray:
			copyPlane(planes[0], src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], src.Stride)
		case *image.YCbCr:
			copyPlane(planes[0], src.Y[src.YOffset(b.Min.X, b.Min.Y):], src.YStride)
		default:
			yuv := toYCbCr(img, image.YCbCrSubsampleRatio444)
			copyPlane(planes[0], yuv.Y, yuv.YStride)
		}
	case media.PixelFormatYUYV422:
		src := toYCbCr(img, image.YCbCrSubsampleRatio422)
		dst := planes[0]
		for y := 0; y < h; y++ {
			out := dst.Data[y*dst.Stride:]
			for x := 0; x < w; x += 2 {
				sx, sy := src.Rect.Min.X+x, src.Rect.Min.Y+y
				ci := src.COffset(sx, sy)
				d := out[x*2:]
				d[0], d[1], d[3] = src.Y[src.YOffset(sx, sy)], src.Cb[ci], src.Cr[ci]
				d[2] = d[0]
				if x+1 < w {
					d[2] = src.Y[src.YOffset(sx+1, sy)]
				}
			}
		}
	default:
		rgba := toRGBA(img)
		packRGB(planes[0], rgba, pf)
	}
	return planes
}

func copyPlane(dst media.Plane, src []byte, stride int) {
	rows := len(dst.Data) / dst.Stride
	for y := 0; y < rows; y++ {
		copy(dst.Data[y*dst.Stride:(y+1)*dst.Stride], src[y*stride:])
	}
}

func packRGB(dst media.Plane, src *image.RGBA, pf media.PixelFormat) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		in := src.Pix[y*src.Stride:]
		out := dst.Data[y*dst.Stride:]
		for x := 0; x < b.Dx(); x++ {
			s := in[x*4:]
			switch pf {
			case media.PixelFormatRGBA:
				copy(out[x*4:x*4+4], s[:4])
			case media.PixelFormatBGRA:
				d := out[x*4:]
				d[0], d[1], d[2], d[3] = s[2], s[1], s[0], s[3]
			case media.PixelFormatRGB24:
				d := out[x*3:]
				d[0], d[1], d[2] = s[0], s[1], s[2]
			case media.PixelFormatBGR24:
				d := out[x*3:]
				d[0], d[1], d[2] = s[2], s[1], s[0]
			}
		}
	}
}
