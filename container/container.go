// Package container defines the capability set the indexer and the
// retrieval engine use to read media files: a Backend opens a Demuxer
// over a file and creates Decoders for its streams. Concrete container
// readers live in subpackages and are registered with a Registry.
package container

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zsiec/ffindex/media"
)

// ErrAgain is returned by Decoder.Receive when the decoder needs more
// input before it can produce a frame.
var ErrAgain = errors.New("container: decoder needs more input")

// Packet is one demuxed unit of compressed data.
type Packet struct {
	Stream int
	PTS    int64
	DTS    int64
	// Pos is the byte offset that SeekByte accepts to resume reading at
	// this packet.
	Pos      int64
	Keyframe bool
	// KeyframeUnknown is set by backends that cannot tell whether the
	// packet starts a random access point.
	KeyframeUnknown bool
	// Discontinuity is set when data of this stream was lost just before
	// the packet.
	Discontinuity bool
	Data          []byte
	// SampleCount is the number of PCM samples an audio packet decodes
	// to, or 0 when the backend cannot tell without decoding.
	SampleCount   int
	RepeatPict    int
	TopFieldFirst bool
	Captions      []media.CaptionPair
}

// StreamInfo describes one container stream.
type StreamInfo struct {
	Index    int
	Type     media.TrackType
	Codec    string
	TimeBase media.Rational

	Width       int
	Height      int
	PixelFormat media.PixelFormat
	SAR         media.Rational
	// FrameRate is the container's or bitstream's declared rate, zero
	// when unknown.
	FrameRate media.Rational

	SampleRate    int
	Channels      int
	BitsPerSample int
	SampleFormat  media.SampleFormat

	// ReorderDepth is the decoder delay declared by the bitstream.
	ReorderDepth int
	Extradata    []byte
}

// Demuxer reads packets from an open file. ReadPacket returns io.EOF at
// the end of the file. A Demuxer is not safe for concurrent use.
type Demuxer interface {
	Streams() []StreamInfo
	ReadPacket(ctx context.Context) (*Packet, error)
	// SeekByte repositions at a Packet.Pos value.
	SeekByte(pos int64) error
	// SeekTime repositions at or before ts in the stream's timebase.
	SeekTime(stream int, ts int64) error
	// Size is the file size in bytes; Position the current read offset.
	Size() int64
	Position() int64
	Close() error
}

// Decoder turns packets of one stream into frames. Send with a nil
// packet starts draining; Receive then returns the buffered frames and
// io.EOF once empty. Receive returns ErrAgain when more input is needed.
type Decoder interface {
	Send(pkt *Packet) error
	Receive() (*media.Frame, error)
	// Flush discards buffered state after a seek.
	Flush()
	Close() error
}

// DecoderOptions configures NewDecoder.
type DecoderOptions struct {
	// ReorderDepth overrides the stream's declared decoder delay when
	// non-negative.
	ReorderDepth int
	Threads      int
}

// Backend is one container reader implementation.
type Backend interface {
	Kind() media.SourceKind
	Name() string
	// Available reports whether the backend was compiled in and its
	// runtime dependencies are present.
	Available() bool
	// Probe reports whether head, the first bytes of a file, looks like
	// a format the backend reads.
	Probe(head []byte) bool
	Open(ctx context.Context, path string, log *slog.Logger) (Demuxer, error)
	NewDecoder(info StreamInfo, opts DecoderOptions) (Decoder, error)
}
