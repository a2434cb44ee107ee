// Package media defines the core types shared by the indexer, the index
// store and the retrieval engine: track and source kinds, rationals,
// pixel and sample formats, decoded frames and the error taxonomy.
package media

// NoPTS marks a packet or frame without a presentation timestamp.
const NoPTS int64 = -1 << 63

// Plane is one plane of a decoded picture. Packed formats use a single
// plane.
type Plane struct {
	Data   []byte
	Stride int
}

// CaptionPair is one CEA-608 byte pair carried with a video access unit.
type CaptionPair struct {
	Field   int
	Channel int
	Data    [2]byte
}

// Frame is a decoded video picture or a decoded block of audio samples.
//
// Video frames from raw or libav decoders carry Planes in PixelFormat.
// Frames from the passthrough decoder have PixelFormat PixelFormatNone and
// carry the compressed access unit in Data.
type Frame struct {
	PTS      int64
	Keyframe bool

	Width         int
	Height        int
	PixelFormat   PixelFormat
	Planes        []Plane
	RepeatPict    int
	TopFieldFirst bool
	Captions      []CaptionPair

	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
	NumSamples   int

	// Data holds interleaved PCM for audio and the access unit for
	// passthrough video.
	Data []byte
}

// Clone returns a deep copy of f.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.Planes != nil {
		c.Planes = make([]Plane, len(f.Planes))
		for i, p := range f.Planes {
			c.Planes[i] = Plane{Data: append([]byte(nil), p.Data...), Stride: p.Stride}
		}
	}
	if f.Captions != nil {
		c.Captions = append([]CaptionPair(nil), f.Captions...)
	}
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	return &c
}

// IsAudio reports whether f carries PCM samples.
func (f *Frame) IsAudio() bool {
	return f.NumSamples > 0 || f.SampleFormat != SampleFormatNone
}
