package indexer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/internal/testmedia"
	"github.com/zsiec/ffindex/internal/w64"
	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

func rawClip(frames int) testmedia.MKVConfig {
	return testmedia.MKVConfig{
		Video: &testmedia.MKVVideo{Codec: "raw", FourCC: "I420", Width: 64, Height: 48, Frames: frames},
		Audio: &testmedia.MKVAudio{},
	}
}

func writeMKV(t *testing.T, cfg testmedia.MKVConfig) (*testmedia.MKV, string) {
	t.Helper()
	mkv := testmedia.BuildMKV(cfg)
	return mkv, testmedia.WriteTemp(t, "clip.mkv", mkv.Data)
}

func TestIndexMatroska(t *testing.T) {
	t.Parallel()

	mkv, path := writeMKV(t, rawClip(10))
	ix, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, ix.NumTracks())
	assert.Equal(t, media.TrackTypeVideo, ix.TrackType(0))
	assert.Equal(t, media.TrackTypeAudio, ix.TrackType(1))
	assert.Equal(t, media.TrackTypeUnknown, ix.TrackType(7))
	assert.Equal(t, "rawvideo", ix.CodecName(0))
	assert.Equal(t, "matroska", ix.FormatName())
	assert.Equal(t, media.SourceMatroska, ix.SourceKind())

	idx, err := ix.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, idx.Tracks, 2)
	assert.Equal(t, media.SourceMatroska, idx.Source)
	assert.Equal(t, int64(len(mkv.Data)), idx.Signature.Size)

	video := idx.Tracks[0]
	assert.True(t, video.Indexed())
	assert.Equal(t, 10, video.FrameCount())
	assert.Equal(t, 10, video.KeyframeCount())
	assert.Equal(t, int64(360), video.LastPTS())
	assert.Equal(t, 64, video.Width)

	audio := idx.Tracks[1]
	assert.False(t, audio.Indexed(), "audio is indexed only when selected")
	assert.Equal(t, 48000, audio.SampleRate)
	assert.True(t, idx.HasUnindexedAudioOnly())

	_, err = ix.Run(context.Background())
	assert.ErrorIs(t, err, media.ErrInvalidArgument)
}

func TestIndexAudioMask(t *testing.T) {
	t.Parallel()

	mkv, path := writeMKV(t, rawClip(10))
	ix, err := Open(context.Background(), path)
	require.NoError(t, err)
	ix.SetIndexMask(NoTracks.With(1))

	idx, err := ix.Run(context.Background())
	require.NoError(t, err)
	audio := idx.Tracks[1]
	require.True(t, audio.Indexed())
	assert.Equal(t, int64(mkv.Samples), audio.TotalSamples())
	assert.Equal(t, 40, audio.FrameCount())
	assert.Equal(t, 0, idx.DecodeErrors[1])
}

func TestDumpAudio(t *testing.T) {
	t.Parallel()

	mkv, path := writeMKV(t, rawClip(5))
	dir := t.TempDir()

	ix, err := Open(context.Background(), path)
	require.NoError(t, err)
	ix.SetDumpMask(AllTracks)
	var named AudioNameInfo
	ix.SetAudioNameCallback(func(info AudioNameInfo) (string, error) {
		named = info
		return filepath.Join(dir, DefaultAudioFilename("%trackzn%-%samplerate%.w64", AudioNameInfo{
			Track: info.Track, SampleRate: info.SampleRate,
		})), nil
	})

	idx, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, idx.Tracks[1].Indexed(), "dumping implies indexing")
	assert.Equal(t, 1, named.Track)
	assert.Equal(t, 2, named.Channels)
	assert.Equal(t, 16, named.BitsPerSample)
	assert.Equal(t, path, named.SourceFile)

	data, err := os.ReadFile(filepath.Join(dir, "01-48000.w64"))
	require.NoError(t, err)
	pcm := mkv.Samples * 2 * 2
	require.GreaterOrEqual(t, len(data), w64.HeaderSize+pcm)
	body := data[w64.HeaderSize:]
	for _, s := range []int{0, 1, 479, 480, mkv.Samples - 1} {
		for c := 0; c < 2; c++ {
			got := int16(binary.LittleEndian.Uint16(body[(s*2+c)*2:]))
			assert.Equal(t, testmedia.PCMSample(s, c), got, "sample %d channel %d", s, c)
		}
	}
}

func TestProgressCancel(t *testing.T) {
	t.Parallel()

	_, path := writeMKV(t, rawClip(20))
	ix, err := Open(context.Background(), path, WithProgressInterval(1))
	require.NoError(t, err)
	calls := 0
	ix.SetProgressCallback(func(current, total int64) bool {
		calls++
		assert.LessOrEqual(t, current, total)
		return calls < 3
	})
	idx, err := ix.Run(context.Background())
	assert.Nil(t, idx)
	assert.ErrorIs(t, err, media.ErrCancelled)
	assert.Equal(t, 3, calls)
}

func TestProgressReachesEnd(t *testing.T) {
	t.Parallel()

	mkv, path := writeMKV(t, rawClip(4))
	ix, err := Open(context.Background(), path)
	require.NoError(t, err)
	var last, size int64
	ix.SetProgressCallback(func(current, total int64) bool {
		last, size = current, total
		return true
	})
	_, err = ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(mkv.Data)), size)
	assert.Equal(t, size, last)
}

func TestContextCancel(t *testing.T) {
	t.Parallel()

	_, path := writeMKV(t, rawClip(4))
	ix, err := Open(context.Background(), path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ix.Run(ctx)
	assert.ErrorIs(t, err, media.ErrCancelled)
}

func TestIndexTransportStream(t *testing.T) {
	t.Parallel()

	cfg := testmedia.TSConfig{Video: testmedia.H264Config{Frames: 30, GOP: 12, BFrames: 1}, Audio: true}
	ts := testmedia.BuildTS(cfg)
	path := testmedia.WriteTemp(t, "clip.ts", ts.Data)

	ix, err := Open(context.Background(), path, WithSourceKind(media.SourceMPEGTS))
	require.NoError(t, err)
	ix.SetIndexMask(AllTracks)
	idx, err := ix.Run(context.Background())
	require.NoError(t, err)

	vi, err := idx.FirstIndexedTrackOfType(media.TrackTypeVideo)
	require.NoError(t, err)
	video := idx.Tracks[vi]
	assert.Equal(t, 30, video.FrameCount())
	assert.Equal(t, 3, video.KeyframeCount())
	assert.Equal(t, 1, video.ReorderDepth)
	for n := 0; n < video.FrameCount(); n++ {
		assert.Equal(t, int64(90000+n*3003), video.Frame(n).PTS, "frame %d", n)
	}

	ai, err := idx.FirstIndexedTrackOfType(media.TrackTypeAudio)
	require.NoError(t, err)
	var samples int64
	for _, a := range ts.Audio {
		samples += int64(a.Samples)
	}
	assert.Equal(t, samples, idx.Tracks[ai].TotalSamples())
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.mkv"))
	assert.ErrorIs(t, err, media.ErrNoSuchFile)

	junk := testmedia.WriteTemp(t, "junk.bin", []byte("definitely not a media file"))
	_, err = Open(context.Background(), junk)
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)

	_, err = Open(context.Background(), junk, WithSourceKind(media.SourceLibav))
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)
}

func TestReorderDepth(t *testing.T) {
	t.Parallel()

	recs := func(pts ...int64) []track.FrameRecord {
		out := make([]track.FrameRecord, len(pts))
		for i, p := range pts {
			out[i] = track.FrameRecord{PTS: p}
		}
		return out
	}
	tests := []struct {
		name string
		recs []track.FrameRecord
		want int
	}{
		{"empty", nil, 0},
		{"in order", recs(0, 1, 2, 3), 0},
		{"one B frame", recs(0, 2, 1, 4, 3), 1},
		{"two B frames", recs(0, 3, 1, 2, 6, 4, 5), 1},
		{"pyramid", recs(0, 4, 2, 1, 3, 8, 6, 5, 7), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReorderDepth(tt.recs))
		})
	}
}

func TestDefaultAudioFilename(t *testing.T) {
	t.Parallel()

	info := AudioNameInfo{SourceFile: "/m/a.mkv", Track: 3, SampleRate: 44100, Channels: 6, BitsPerSample: 24, DelayMS: -42}
	assert.Equal(t, "/m/a.mkv.03.w64", DefaultAudioFilename(DefaultAudioPattern, info))
	assert.Equal(t, "3_44100_6_24_-42_%other%",
		DefaultAudioFilename("%trackn%_%samplerate%_%channels%_%bps%_%delay%_%other%", info))
}

func TestMask(t *testing.T) {
	t.Parallel()

	m := NoTracks.With(0).With(5).With(64)
	assert.True(t, m.Has(0))
	assert.True(t, m.Has(5))
	assert.False(t, m.Has(1))
	assert.False(t, m.Has(64))
	assert.True(t, AllTracks.Has(63))
	assert.False(t, AllTracks.Has(-1))
}

// fakeBackend replays a fixed packet list and decodes every packet to one
// frame of samples, failing on packets without data. Its decoders hold
// back delay frames until drained.
type fakeBackend struct {
	streams []container.StreamInfo
	packets []*container.Packet
	delay   int
}

func (*fakeBackend) Kind() media.SourceKind { return media.SourceLibav }
func (*fakeBackend) Name() string           { return "fake" }
func (*fakeBackend) Available() bool        { return true }
func (*fakeBackend) Probe([]byte) bool      { return true }

func (b *fakeBackend) Open(context.Context, string, *slog.Logger) (container.Demuxer, error) {
	return &fakeDemuxer{b: b}, nil
}

func (b *fakeBackend) NewDecoder(container.StreamInfo, container.DecoderOptions) (container.Decoder, error) {
	return &fakeDecoder{delay: b.delay}, nil
}

type fakeDemuxer struct {
	b *fakeBackend
	i int
}

func (d *fakeDemuxer) Streams() []container.StreamInfo { return d.b.streams }

func (d *fakeDemuxer) ReadPacket(context.Context) (*container.Packet, error) {
	if d.i >= len(d.b.packets) {
		return nil, io.EOF
	}
	p := *d.b.packets[d.i]
	d.i++
	return &p, nil
}

func (d *fakeDemuxer) SeekByte(int64) error      { return nil }
func (d *fakeDemuxer) SeekTime(int, int64) error { return nil }
func (d *fakeDemuxer) Size() int64               { return int64(len(d.b.packets)) }
func (d *fakeDemuxer) Position() int64           { return int64(d.i) }
func (d *fakeDemuxer) Close() error              { return nil }

type fakeDecoder struct {
	out   []*media.Frame
	eof   bool
	delay int
}

func (d *fakeDecoder) Send(pkt *container.Packet) error {
	if pkt == nil {
		d.eof = true
		return nil
	}
	if len(pkt.Data) == 0 {
		return errors.New("empty packet")
	}
	d.out = append(d.out, &media.Frame{
		PTS: pkt.PTS, SampleFormat: media.SampleFormatS16, SampleRate: 8000, Channels: 1,
		NumSamples: len(pkt.Data) / 2, Data: pkt.Data,
	})
	return nil
}

func (d *fakeDecoder) Receive() (*media.Frame, error) {
	if len(d.out) == 0 && d.eof {
		return nil, io.EOF
	}
	if len(d.out) == 0 || (!d.eof && len(d.out) <= d.delay) {
		return nil, container.ErrAgain
	}
	f := d.out[0]
	d.out = d.out[1:]
	return f, nil
}

func (d *fakeDecoder) Flush()       { d.out = nil }
func (d *fakeDecoder) Close() error { return nil }

func openFake(t *testing.T, b *fakeBackend) *Indexer {
	t.Helper()
	reg := container.NewRegistry()
	reg.Register(b)
	path := testmedia.WriteTemp(t, "fake.bin", []byte("fake"))
	ix, err := Open(context.Background(), path, WithRegistry(reg))
	require.NoError(t, err)
	return ix
}

func TestKeyframeFallback(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		streams: []container.StreamInfo{{Index: 0, Type: media.TrackTypeVideo, Codec: "mpeg2video", TimeBase: media.Rational{Num: 1, Den: 90000}}},
	}
	for i := 0; i < 6; i++ {
		b.packets = append(b.packets, &container.Packet{
			Stream: 0, PTS: int64(i) * 3000, DTS: int64(i) * 3000, Pos: int64(i) * 188,
			KeyframeUnknown: true, Discontinuity: i == 4, Data: []byte{1},
		})
	}
	idx, err := openFake(t, b).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4}, idx.Tracks[0].Keyframes())
}

func TestNoKeyframesMarksFirst(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		streams: []container.StreamInfo{{Index: 0, Type: media.TrackTypeVideo, Codec: "mpeg2video"}},
	}
	for i := 0; i < 3; i++ {
		b.packets = append(b.packets, &container.Packet{Stream: 0, PTS: int64(i), DTS: int64(i), Pos: int64(i), Data: []byte{1}})
	}
	idx, err := openFake(t, b).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0}, idx.Tracks[0].Keyframes())
}

func audioFake() *fakeBackend {
	b := &fakeBackend{
		streams: []container.StreamInfo{{Index: 0, Type: media.TrackTypeAudio, Codec: "fake", SampleRate: 8000, Channels: 1, TimeBase: media.Rational{Num: 1, Den: 8000}}},
	}
	for i := 0; i < 4; i++ {
		data := make([]byte, 20)
		if i == 2 {
			data = nil
		}
		b.packets = append(b.packets, &container.Packet{Stream: 0, PTS: int64(i) * 10, Pos: int64(i), Keyframe: true, Data: data})
	}
	return b
}

func TestSampleCountsFromDecoder(t *testing.T) {
	t.Parallel()

	b := audioFake()
	b.packets[2].Data = make([]byte, 20)
	ix := openFake(t, b)
	ix.SetIndexMask(AllTracks)
	idx, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40), idx.Tracks[0].TotalSamples())
}

func TestSampleCountsIncludeDrainedSamples(t *testing.T) {
	t.Parallel()

	b := audioFake()
	b.packets[2].Data = make([]byte, 20)
	b.delay = 2
	ix := openFake(t, b)
	ix.SetIndexMask(AllTracks)
	idx, err := ix.Run(context.Background())
	require.NoError(t, err)

	cat := idx.Tracks[0]
	assert.Equal(t, int64(40), cat.TotalSamples())
	assert.Equal(t, uint32(0), cat.Record(1).SampleCount)
	assert.Equal(t, uint32(10), cat.Record(2).SampleCount)
	assert.Equal(t, uint32(30), cat.Record(3).SampleCount, "samples released by the drain go to the last packet")
}

func TestDecodeErrorsFatalByDefault(t *testing.T) {
	t.Parallel()

	ix := openFake(t, audioFake())
	ix.SetIndexMask(AllTracks)
	_, err := ix.Run(context.Background())
	assert.ErrorIs(t, err, media.ErrDecodeError)
}

func TestDecodeErrorsIgnored(t *testing.T) {
	t.Parallel()

	ix := openFake(t, audioFake())
	ix.SetIndexMask(AllTracks)
	ix.SetIgnoreDecodeErrors(true)
	idx, err := ix.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, idx.DecodeErrors)
	assert.Equal(t, 4, idx.Tracks[0].FrameCount())
	assert.Equal(t, int64(30), idx.Tracks[0].TotalSamples())
	assert.ErrorIs(t, ix.DecodeErrors(), media.ErrDecodeError)
}
