package media

import (
	"fmt"
	"math/big"
	"strings"
)

// TrackType is the media type of a container stream.
type TrackType int

// Track types.
const (
	TrackTypeUnknown TrackType = iota
	TrackTypeVideo
	TrackTypeAudio
	TrackTypeData
	TrackTypeSubtitle
	TrackTypeAttachment
)

func (t TrackType) String() string {
	switch t {
	case TrackTypeVideo:
		return "video"
	case TrackTypeAudio:
		return "audio"
	case TrackTypeData:
		return "data"
	case TrackTypeSubtitle:
		return "subtitle"
	case TrackTypeAttachment:
		return "attachment"
	}
	return "unknown"
}

// SourceKind tags the backend that produced an index and that must be
// used to open sources from it.
type SourceKind int

// Source kinds. SourceDefault asks the indexer to probe the file.
const (
	SourceDefault SourceKind = iota
	SourceMPEGTS
	SourceMatroska
	SourceLibav
)

// SourceKinds lists every concrete source kind.
var SourceKinds = []SourceKind{SourceMPEGTS, SourceMatroska, SourceLibav}

func (k SourceKind) String() string {
	switch k {
	case SourceDefault:
		return "default"
	case SourceMPEGTS:
		return "mpegts"
	case SourceMatroska:
		return "matroska"
	case SourceLibav:
		return "libav"
	}
	return fmt.Sprintf("source(%d)", int(k))
}

// ParseSourceKind maps a name produced by String back to a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return SourceDefault, nil
	case "mpegts", "ts":
		return SourceMPEGTS, nil
	case "matroska", "mkv":
		return SourceMatroska, nil
	case "libav", "lavf":
		return SourceLibav, nil
	}
	return SourceDefault, Errorf(KindInvalidArgument, "parse source kind", "unknown source kind %q", s)
}

// Rational is a numerator/denominator pair such as a timebase or a frame
// rate.
type Rational struct {
	Num int64
	Den int64
}

// Valid reports whether r has a positive denominator and a non-negative
// numerator.
func (r Rational) Valid() bool {
	return r.Den > 0 && r.Num >= 0
}

// Float64 returns r as a float, or 0 when r is invalid.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Rat returns r as an exact big.Rat.
func (r Rational) Rat() *big.Rat {
	if r.Den == 0 {
		return new(big.Rat)
	}
	return big.NewRat(r.Num, r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Seconds converts a timestamp in timebase r to seconds.
func (r Rational) Seconds(ts int64) float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(ts) * float64(r.Num) / float64(r.Den)
}

// Resizer selects the scaling filter used when converting output frames.
type Resizer int

// Resizers.
const (
	ResizerBicubic Resizer = iota
	ResizerFastBilinear
	ResizerBilinear
	ResizerPoint
	ResizerLanczos
)

func (r Resizer) String() string {
	switch r {
	case ResizerFastBilinear:
		return "fast_bilinear"
	case ResizerBilinear:
		return "bilinear"
	case ResizerPoint:
		return "point"
	case ResizerLanczos:
		return "lanczos"
	}
	return "bicubic"
}

// ParseResizer maps a resizer name to a Resizer.
func ParseResizer(s string) (Resizer, error) {
	switch strings.ToLower(s) {
	case "", "bicubic":
		return ResizerBicubic, nil
	case "fast_bilinear", "fast-bilinear":
		return ResizerFastBilinear, nil
	case "bilinear":
		return ResizerBilinear, nil
	case "point", "neighbor":
		return ResizerPoint, nil
	case "lanczos":
		return ResizerLanczos, nil
	}
	return ResizerBicubic, Errorf(KindInvalidArgument, "parse resizer", "unknown resizer %q", s)
}
