package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

// FormatVersion is the cache layout version. Files with any other version
// are rejected.
const FormatVersion = 1

// headerSize is magic(4) + version(2) + flags(2) + body length(8).
const headerSize = 16

var magic = [4]byte{'F', 'F', 'I', 'X'}

// Signed values are zig-zag encoded; this range keeps the result within a
// QUIC varint.
const (
	minSigned = -1 << 61
	maxSigned = 1<<61 - 1
)

const (
	recKeyframe = 1 << iota
	recHasPTS
	recHasDTS
	recTopFieldFirst
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return encoder, decoder, codecErr
}

// Serialize encodes idx into the versioned cache layout.
func Serialize(idx *Index) ([]byte, error) {
	body, err := encodeBody(idx)
	if err != nil {
		return nil, err
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, media.Wrap(media.KindIndexingError, "serialize", err, "zstd init")
	}
	compressed := enc.EncodeAll(body, nil)

	out := make([]byte, headerSize, headerSize+len(compressed))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:6], FormatVersion)
	binary.LittleEndian.PutUint16(out[6:8], 0)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(compressed)))
	return append(out, compressed...), nil
}

// Deserialize decodes a cache produced by Serialize.
func Deserialize(data []byte) (*Index, error) {
	if len(data) < headerSize {
		return nil, media.Errorf(media.KindCorruptData, "deserialize", "file too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, media.Errorf(media.KindCorruptData, "deserialize", "bad magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != FormatVersion {
		return nil, media.Errorf(media.KindVersionMismatch, "deserialize", "index version %d, want %d", v, FormatVersion)
	}
	bodyLen := binary.LittleEndian.Uint64(data[8:16])
	if bodyLen != uint64(len(data)-headerSize) {
		return nil, media.Errorf(media.KindCorruptData, "deserialize", "body length %d, have %d bytes", bodyLen, len(data)-headerSize)
	}

	_, dec, err := codecs()
	if err != nil {
		return nil, media.Wrap(media.KindReadError, "deserialize", err, "zstd init")
	}
	body, err := dec.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, media.Wrap(media.KindCorruptData, "deserialize", err, "decompress body")
	}
	idx, err := decodeBody(body)
	if err != nil {
		return nil, media.Wrap(media.KindCorruptData, "deserialize", err, "decode body")
	}
	return idx, nil
}

type bodyWriter struct {
	buf []byte
	err error
}

func (w *bodyWriter) uint(v uint64) {
	if w.err != nil {
		return
	}
	if v > quicvarint.Max {
		w.err = fmt.Errorf("value %d exceeds varint range", v)
		return
	}
	w.buf = quicvarint.Append(w.buf, v)
}

func (w *bodyWriter) int(v int64) {
	if v > maxSigned || v < minSigned {
		if w.err == nil {
			w.err = fmt.Errorf("value %d exceeds varint range", v)
		}
		return
	}
	w.uint(uint64(v<<1) ^ uint64(v>>63))
}

func (w *bodyWriter) string(s string) {
	w.uint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func encodeBody(idx *Index) ([]byte, error) {
	w := &bodyWriter{}
	w.int(idx.Signature.Size)
	w.buf = append(w.buf, idx.Signature.Digest[:]...)
	w.uint(uint64(idx.Source))
	w.uint(uint64(idx.ErrorHandling))
	w.string(idx.Decoder)
	w.uint(uint64(len(idx.Tracks)))

	for ti, c := range idx.Tracks {
		w.uint(uint64(c.Type))
		w.string(c.Codec)
		w.int(c.TimeBase.Num)
		w.int(c.TimeBase.Den)
		w.int(int64(c.Index))
		w.int(int64(c.ReorderDepth))
		w.int(int64(c.Width))
		w.int(int64(c.Height))
		w.int(int64(c.SampleRate))
		w.int(int64(c.Channels))
		w.int(int64(c.BitsPerSample))
		decodeErrors := 0
		if ti < len(idx.DecodeErrors) {
			decodeErrors = idx.DecodeErrors[ti]
		}
		w.uint(uint64(decodeErrors))

		recs := c.Records()
		w.uint(uint64(len(recs)))
		var prevPTS, prevDTS, prevPos int64
		for _, r := range recs {
			var flags uint64
			if r.Keyframe {
				flags |= recKeyframe
			}
			if r.PTS != media.NoPTS {
				flags |= recHasPTS
			}
			if r.DTS != media.NoPTS {
				flags |= recHasDTS
			}
			if r.TopFieldFirst {
				flags |= recTopFieldFirst
			}
			w.uint(flags)
			if r.PTS != media.NoPTS {
				w.int(r.PTS - prevPTS)
				prevPTS = r.PTS
			}
			if r.DTS != media.NoPTS {
				w.int(r.DTS - prevDTS)
				prevDTS = r.DTS
			}
			w.int(r.Pos - prevPos)
			prevPos = r.Pos
			w.uint(uint64(r.SampleCount))
			w.int(int64(r.RepeatPict))
		}
	}
	if w.err != nil {
		return nil, media.Wrap(media.KindInvalidArgument, "serialize", w.err, "encode index")
	}
	return w.buf, nil
}

type bodyReader struct {
	r   *bytes.Reader
	err error
}

func (r *bodyReader) uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := quicvarint.Read(r.r)
	if err != nil {
		r.err = err
		return 0
	}
	return v
}

func (r *bodyReader) int() int64 {
	u := r.uint()
	return int64(u>>1) ^ -int64(u&1)
}

// count reads a length and rejects values that cannot fit in the
// remaining input, so corrupt files cannot force huge allocations.
func (r *bodyReader) count(minSize int) int {
	n := r.uint()
	if r.err == nil && n > uint64(r.r.Len()/minSize) {
		r.err = fmt.Errorf("count %d exceeds remaining %d bytes", n, r.r.Len())
	}
	if r.err != nil {
		return 0
	}
	return int(n)
}

func (r *bodyReader) string() string {
	n := r.count(1)
	if r.err != nil || n == 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}

func decodeBody(body []byte) (*Index, error) {
	r := &bodyReader{r: bytes.NewReader(body)}
	idx := &Index{}
	idx.Signature.Size = r.int()
	if _, err := io.ReadFull(r.r, idx.Signature.Digest[:]); err != nil {
		return nil, err
	}
	idx.Source = media.SourceKind(r.uint())
	idx.ErrorHandling = ErrorHandling(r.uint())
	idx.Decoder = r.string()

	nTracks := r.count(1)
	idx.Tracks = make([]*track.Catalogue, 0, nTracks)
	idx.DecodeErrors = make([]int, 0, nTracks)
	for i := 0; i < nTracks && r.err == nil; i++ {
		var info track.Info
		info.Type = media.TrackType(r.uint())
		info.Codec = r.string()
		info.TimeBase = media.Rational{Num: r.int(), Den: r.int()}
		info.Index = int(r.int())
		info.ReorderDepth = int(r.int())
		info.Width = int(r.int())
		info.Height = int(r.int())
		info.SampleRate = int(r.int())
		info.Channels = int(r.int())
		info.BitsPerSample = int(r.int())
		idx.DecodeErrors = append(idx.DecodeErrors, int(r.uint()))

		// Smallest record: flags, pos delta, samples, repeat.
		nRecs := r.count(4)
		var recs []track.FrameRecord
		if nRecs > 0 {
			recs = make([]track.FrameRecord, nRecs)
		}
		var prevPTS, prevDTS, prevPos int64
		for j := 0; j < nRecs && r.err == nil; j++ {
			flags := r.uint()
			rec := track.FrameRecord{PTS: media.NoPTS, DTS: media.NoPTS}
			rec.Keyframe = flags&recKeyframe != 0
			rec.TopFieldFirst = flags&recTopFieldFirst != 0
			if flags&recHasPTS != 0 {
				prevPTS += r.int()
				rec.PTS = prevPTS
			}
			if flags&recHasDTS != 0 {
				prevDTS += r.int()
				rec.DTS = prevDTS
			}
			prevPos += r.int()
			rec.Pos = prevPos
			rec.SampleCount = uint32(r.uint())
			rec.RepeatPict = int8(r.int())
			recs[j] = rec
		}
		idx.Tracks = append(idx.Tracks, track.New(info, recs))
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.r.Len())
	}
	return idx, nil
}
