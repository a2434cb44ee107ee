package index

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

func sampleIndex() *Index {
	video := track.New(track.Info{
		Type:         media.TrackTypeVideo,
		Codec:        "h264",
		TimeBase:     media.Rational{Num: 1, Den: 90000},
		Index:        0,
		ReorderDepth: 1,
		Width:        64,
		Height:       48,
	}, []track.FrameRecord{
		{PTS: 3003, DTS: 0, Pos: 376, Keyframe: true},
		{PTS: 12012, DTS: 3003, Pos: 940},
		{PTS: 6006, DTS: 6006, Pos: 1316, RepeatPict: 1, TopFieldFirst: true},
		{PTS: media.NoPTS, DTS: 9009, Pos: 1692},
	})
	audio := track.New(track.Info{
		Type:          media.TrackTypeAudio,
		Codec:         "pcm_s16le",
		TimeBase:      media.Rational{Num: 1, Den: 1000},
		Index:         1,
		SampleRate:    48000,
		Channels:      2,
		BitsPerSample: 16,
	}, []track.FrameRecord{
		{PTS: 0, DTS: 0, Pos: 100, SampleCount: 480, Keyframe: true},
		{PTS: 10, DTS: 10, Pos: 2100, SampleCount: 480, Keyframe: true},
	})
	unindexed := track.New(track.Info{Type: media.TrackTypeAudio, Codec: "aac", Index: 2}, nil)

	return &Index{
		Source:        media.SourceMPEGTS,
		Signature:     Signature{Size: 123456, Digest: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		ErrorHandling: ErrorHandlingIgnore,
		Decoder:       "ffindex-test",
		Tracks:        []*track.Catalogue{video, audio, unindexed},
		DecodeErrors:  []int{0, 2, 0},
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	idx := sampleIndex()
	data, err := Serialize(idx)
	require.NoError(t, err)

	got, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, idx.Source, got.Source)
	assert.Equal(t, idx.Signature, got.Signature)
	assert.Equal(t, idx.ErrorHandling, got.ErrorHandling)
	assert.Equal(t, idx.Decoder, got.Decoder)
	assert.Equal(t, idx.DecodeErrors, got.DecodeErrors)
	require.Len(t, got.Tracks, 3)
	for i := range idx.Tracks {
		assert.Equal(t, idx.Tracks[i].Info, got.Tracks[i].Info, "track %d", i)
		assert.Equal(t, idx.Tracks[i].Len(), got.Tracks[i].Len(), "track %d", i)
		for j := 0; j < idx.Tracks[i].Len(); j++ {
			assert.Equal(t, idx.Tracks[i].Record(j), got.Tracks[i].Record(j), "track %d record %d", i, j)
		}
	}
	assert.False(t, got.Tracks[2].Indexed())

	again, err := Serialize(got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, again), "re-serialized bytes differ")
}

func TestDeserializeVersionMismatch(t *testing.T) {
	t.Parallel()

	data, err := Serialize(sampleIndex())
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(data[4:6], FormatVersion+1)

	_, err = Deserialize(data)
	assert.ErrorIs(t, err, media.ErrVersionMismatch)
}

func TestDeserializeCorrupt(t *testing.T) {
	t.Parallel()

	data, err := Serialize(sampleIndex())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", data[:10]},
		{"bad magic", append([]byte("XXXX"), data[4:]...)},
		{"truncated body", data[:len(data)-3]},
		{"trailing garbage", append(append([]byte(nil), data...), 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			assert.ErrorIs(t, err, media.ErrCorruptData)
		})
	}

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-5] ^= 0xFF
	_, err = Deserialize(flipped)
	assert.Error(t, err)
}

func TestSerializeRejectsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	idx := &Index{Tracks: []*track.Catalogue{
		track.New(track.Info{TimeBase: media.Rational{Num: 1, Den: 1}}, []track.FrameRecord{
			{PTS: 1 << 62, DTS: media.NoPTS},
		}),
	}}
	_, err := Serialize(idx)
	assert.ErrorIs(t, err, media.ErrInvalidArgument)
}

func TestWriteReadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.ts.ffindex")
	idx := sampleIndex()
	require.NoError(t, WriteFile(path, idx))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, idx.Signature, got.Signature)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")

	_, err = ReadFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, media.ErrNoSuchFile)
}

func TestWriteFileFailureKeepsOldCache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.ffindex")
	require.NoError(t, WriteFile(path, sampleIndex()))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := &Index{Tracks: []*track.Catalogue{
		track.New(track.Info{}, []track.FrameRecord{{PTS: -1 << 62}}),
	}}
	require.Error(t, WriteFile(path, bad))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBelongsToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{0x47}, 4096), 0o644))

	sig, err := ComputeSignature(src)
	require.NoError(t, err)
	idx := &Index{Signature: sig}

	ok, err := BelongsToFile(idx, src)
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := os.OpenFile(src, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	ok, err = BelongsToFile(idx, src)
	require.NoError(t, err)
	assert.False(t, ok, "cache accepted after size change")

	_, err = BelongsToFile(idx, filepath.Join(dir, "gone"))
	assert.ErrorIs(t, err, media.ErrNoSuchFile)
}

func TestSignatureLargeFile(t *testing.T) {
	t.Parallel()

	data := make([]byte, 3*signatureSpan)
	a, err := signatureOf(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	// A change in the middle is outside both hashed spans.
	data[len(data)/2] = 1
	b, err := signatureOf(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	data[len(data)-1] = 1
	c, err := signatureOf(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestFirstTrackOfType(t *testing.T) {
	t.Parallel()

	idx := sampleIndex()
	n, err := idx.FirstTrackOfType(media.TrackTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = idx.FirstTrackOfType(media.TrackTypeSubtitle)
	assert.ErrorIs(t, err, media.ErrInvalidArgument)

	idx.Tracks[1] = track.New(idx.Tracks[1].Info, nil)
	_, err = idx.FirstIndexedTrackOfType(media.TrackTypeAudio)
	assert.ErrorIs(t, err, media.ErrInvalidArgument)
	assert.True(t, idx.HasUnindexedAudioOnly())

	_, err = idx.Track(7)
	assert.ErrorIs(t, err, media.ErrOutOfRange)
}

func FuzzDeserialize(f *testing.F) {
	data, err := Serialize(sampleIndex())
	if err != nil {
		f.Fatal(err)
	}
	f.Add(data)
	f.Add([]byte("FFIX"))
	f.Fuzz(func(t *testing.T, b []byte) {
		idx, err := Deserialize(b)
		if err != nil {
			return
		}
		if _, err := Serialize(idx); err != nil {
			t.Fatalf("Serialize after successful Deserialize: %v", err)
		}
	})
}
