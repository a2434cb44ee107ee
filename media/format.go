package media

import "strings"

// PixelFormat names a picture layout using libav's names.
type PixelFormat string

// Pixel formats understood by the pure-Go codecs and scaler. Other names
// may appear on frames produced by the libav backend.
const (
	PixelFormatNone     PixelFormat = ""
	PixelFormatYUV420P  PixelFormat = "yuv420p"
	PixelFormatYUVJ420P PixelFormat = "yuvj420p"
	PixelFormatYUV422P  PixelFormat = "yuv422p"
	PixelFormatYUV444P  PixelFormat = "yuv444p"
	PixelFormatYUYV422  PixelFormat = "yuyv422"
	PixelFormatGray     PixelFormat = "gray"
	PixelFormatRGB24    PixelFormat = "rgb24"
	PixelFormatBGR24    PixelFormat = "bgr24"
	PixelFormatRGBA     PixelFormat = "rgba"
	PixelFormatBGRA     PixelFormat = "bgra"
)

// DefaultOutputFormats is the candidate list used when a caller does not
// supply one.
var DefaultOutputFormats = []PixelFormat{
	PixelFormatYUVJ420P,
	PixelFormatYUV420P,
	PixelFormatYUYV422,
	PixelFormatRGBA,
	PixelFormatBGR24,
}

// ParsePixelFormat accepts libav names plus the "rgb32" and "i420"
// aliases.
func ParsePixelFormat(s string) PixelFormat {
	switch s = strings.ToLower(s); s {
	case "rgb32":
		return PixelFormatRGBA
	case "i420", "yv12":
		return PixelFormatYUV420P
	case "yuy2":
		return PixelFormatYUYV422
	case "gray8", "y8":
		return PixelFormatGray
	}
	return PixelFormat(s)
}

// EvenWidth reports whether the format needs an even picture width.
func (p PixelFormat) EvenWidth() bool {
	switch p {
	case PixelFormatYUV420P, PixelFormatYUVJ420P, PixelFormatYUV422P, PixelFormatYUYV422:
		return true
	}
	return false
}

// EvenHeight reports whether the format needs an even picture height.
func (p PixelFormat) EvenHeight() bool {
	return p == PixelFormatYUV420P || p == PixelFormatYUVJ420P
}

// Planes returns the number of planes the format uses, or 0 for unknown
// formats.
func (p PixelFormat) Planes() int {
	switch p {
	case PixelFormatYUV420P, PixelFormatYUVJ420P, PixelFormatYUV422P, PixelFormatYUV444P:
		return 3
	case PixelFormatYUYV422, PixelFormatGray, PixelFormatRGB24, PixelFormatBGR24, PixelFormatRGBA, PixelFormatBGRA:
		return 1
	}
	return 0
}

// ChromaShift returns the horizontal and vertical chroma subsampling
// shifts of a planar YUV format.
func (p PixelFormat) ChromaShift() (x, y int) {
	switch p {
	case PixelFormatYUV420P, PixelFormatYUVJ420P:
		return 1, 1
	case PixelFormatYUV422P, PixelFormatYUYV422:
		return 1, 0
	}
	return 0, 0
}

// PlaneSize returns the width in bytes and the height of plane i for a
// picture of w x h.
func (p PixelFormat) PlaneSize(i, w, h int) (rowBytes, rows int) {
	switch p {
	case PixelFormatYUYV422:
		return ((w + 1) &^ 1) * 2, h
	case PixelFormatRGB24, PixelFormatBGR24:
		return w * 3, h
	case PixelFormatRGBA, PixelFormatBGRA:
		return w * 4, h
	case PixelFormatGray:
		return w, h
	}
	if i == 0 {
		return w, h
	}
	sx, sy := p.ChromaShift()
	return (w + (1 << sx) - 1) >> sx, (h + (1 << sy) - 1) >> sy
}

// FrameSize returns the number of bytes a tightly packed picture of
// w x h occupies.
func (p PixelFormat) FrameSize(w, h int) int {
	n := 0
	for i := 0; i < p.Planes(); i++ {
		rb, rows := p.PlaneSize(i, w, h)
		n += rb * rows
	}
	return n
}

// SampleFormat is a packed (interleaved) PCM sample format.
type SampleFormat int

// Sample formats.
const (
	SampleFormatNone SampleFormat = iota
	SampleFormatU8
	SampleFormatS16
	SampleFormatS32
	SampleFormatFloat
	SampleFormatDouble
)

// BytesPerSample returns the size of one sample of one channel.
func (s SampleFormat) BytesPerSample() int {
	switch s {
	case SampleFormatU8:
		return 1
	case SampleFormatS16:
		return 2
	case SampleFormatS32, SampleFormatFloat:
		return 4
	case SampleFormatDouble:
		return 8
	}
	return 0
}

// IsFloat reports whether samples are IEEE floats.
func (s SampleFormat) IsFloat() bool {
	return s == SampleFormatFloat || s == SampleFormatDouble
}

func (s SampleFormat) String() string {
	switch s {
	case SampleFormatU8:
		return "u8"
	case SampleFormatS16:
		return "s16"
	case SampleFormatS32:
		return "s32"
	case SampleFormatFloat:
		return "flt"
	case SampleFormatDouble:
		return "dbl"
	}
	return "none"
}
