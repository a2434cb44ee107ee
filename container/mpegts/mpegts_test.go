package mpegts

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/internal/testmedia"
	"github.com/zsiec/ffindex/media"
)

func openTS(t *testing.T, cfg testmedia.TSConfig) (*testmedia.TS, container.Demuxer) {
	t.Helper()
	ts := testmedia.BuildTS(cfg)
	path := testmedia.WriteTemp(t, "clip.ts", ts.Data)
	dmx, err := New().Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dmx.Close() })
	return ts, dmx
}

func readAll(t *testing.T, dmx container.Demuxer, stream int) []*container.Packet {
	t.Helper()
	var out []*container.Packet
	for {
		pkt, err := dmx.ReadPacket(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		if pkt.Stream == stream {
			out = append(out, pkt)
		}
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	b := New()
	ts := testmedia.BuildTS(testmedia.TSConfig{Video: testmedia.H264Config{Frames: 3}})
	assert.True(t, b.Probe(ts.Data))
	assert.True(t, b.Probe(append([]byte{0, 1, 2}, ts.Data...)), "misaligned start")
	assert.True(t, b.Probe(ts.Data[:188]), "single packet file")

	mkv := testmedia.BuildMKV(testmedia.MKVConfig{Audio: &testmedia.MKVAudio{TotalSamples: 480}})
	assert.False(t, b.Probe(mkv.Data))
	assert.False(t, b.Probe(nil))
}

func TestOpenStreams(t *testing.T) {
	t.Parallel()

	_, dmx := openTS(t, testmedia.TSConfig{
		Video: testmedia.H264Config{Frames: 24, BFrames: 2},
		Audio: true,
	})
	streams := dmx.Streams()
	require.Len(t, streams, 2)

	v := streams[0]
	assert.Equal(t, media.TrackTypeVideo, v.Type)
	assert.Equal(t, "h264", v.Codec)
	assert.Equal(t, media.Rational{Num: 1, Den: 90000}, v.TimeBase)
	assert.Equal(t, 64, v.Width)
	assert.Equal(t, 48, v.Height)
	assert.Equal(t, 1, v.ReorderDepth)
	assert.Equal(t, media.Rational{Num: 60000, Den: 2002}, v.FrameRate)
	assert.Equal(t, media.Rational{Num: 1, Den: 1}, v.SAR)
	assert.Equal(t, media.PixelFormatYUV420P, v.PixelFormat)

	a := streams[1]
	assert.Equal(t, media.TrackTypeAudio, a.Type)
	assert.Equal(t, "aac", a.Codec)
	assert.Equal(t, testmedia.AudioSampleRate, a.SampleRate)
	assert.Equal(t, testmedia.AudioChannels, a.Channels)
	assert.Equal(t, int64(0), dmx.Position(), "open must rewind")
}

func TestReadPackets(t *testing.T) {
	t.Parallel()

	ts, dmx := openTS(t, testmedia.TSConfig{
		Video: testmedia.H264Config{Frames: 30, BFrames: 2, GOP: 12},
		Audio: true,
	})

	video := readAll(t, dmx, 0)
	require.Len(t, video, len(ts.Video))
	for i, pkt := range video {
		au := ts.Video[i]
		assert.Equal(t, ts.VideoPos[i], pkt.Pos, "AU %d", i)
		assert.Equal(t, au.PTS, pkt.PTS, "AU %d", i)
		assert.Equal(t, au.DTS, pkt.DTS, "AU %d", i)
		assert.Equal(t, au.Keyframe, pkt.Keyframe, "AU %d", i)
		assert.False(t, pkt.KeyframeUnknown)
		assert.Equal(t, au.Frame, testmedia.FrameID(pkt.Data), "AU %d", i)
	}

	require.NoError(t, dmx.SeekByte(0))
	audio := readAll(t, dmx, 1)
	require.Len(t, audio, len(ts.Audio))
	for i, pkt := range audio {
		assert.Equal(t, ts.Audio[i].Pos, pkt.Pos)
		assert.Equal(t, ts.Audio[i].PTS, pkt.PTS)
		assert.Equal(t, ts.Audio[i].Samples, pkt.SampleCount)
		assert.True(t, pkt.Keyframe)
	}
}

func TestSeekByteToKeyframe(t *testing.T) {
	t.Parallel()

	ts, dmx := openTS(t, testmedia.TSConfig{Video: testmedia.H264Config{Frames: 36, BFrames: 2, GOP: 12}})
	var k int
	for i, au := range ts.Video {
		if au.Keyframe && au.Frame == 24 {
			k = i
		}
	}
	require.NotZero(t, k)

	require.NoError(t, dmx.SeekByte(ts.VideoPos[k]))
	pkts := readAll(t, dmx, 0)
	require.Len(t, pkts, len(ts.Video)-k)
	assert.Equal(t, ts.Video[k].PTS, pkts[0].PTS)
	assert.True(t, pkts[0].Keyframe)

	assert.ErrorIs(t, dmx.SeekByte(-1), media.ErrSeekError)
	assert.ErrorIs(t, dmx.SeekByte(dmx.Size()+1), media.ErrSeekError)
}

func TestSeekTime(t *testing.T) {
	t.Parallel()

	ts, dmx := openTS(t, testmedia.TSConfig{Video: testmedia.H264Config{Frames: 36, BFrames: 2, GOP: 12}})
	target := ts.Video[0].PTS + 20*3003
	require.NoError(t, dmx.SeekTime(0, target))

	pkt, err := dmx.ReadPacket(context.Background())
	require.NoError(t, err)
	assert.True(t, pkt.Keyframe)
	assert.Equal(t, ts.Video[0].PTS+12*3003, pkt.PTS)

	assert.ErrorIs(t, dmx.SeekTime(5, 0), media.ErrInvalidArgument)
}

func TestPTSWrap(t *testing.T) {
	t.Parallel()

	start := int64(1<<33) - 5*3003
	ts, dmx := openTS(t, testmedia.TSConfig{Video: testmedia.H264Config{Frames: 12, StartPTS: start}})
	pkts := readAll(t, dmx, 0)
	require.Len(t, pkts, 12)
	for i, pkt := range pkts {
		assert.Equal(t, ts.Video[i].PTS, pkt.PTS, "AU %d", i)
	}
	assert.Greater(t, pkts[11].PTS, int64(1<<33))
}

func TestPicStruct(t *testing.T) {
	t.Parallel()

	ts, dmx := openTS(t, testmedia.TSConfig{Video: testmedia.H264Config{
		Frames:     8,
		PicStructs: []int{5, 4, 6, 3},
	}})
	pkts := readAll(t, dmx, 0)
	require.Len(t, pkts, 8)
	for i, pkt := range pkts {
		ps := ts.Video[i].PicStruct
		wantRepeat := 0
		if ps == 5 || ps == 6 {
			wantRepeat = 1
		}
		assert.Equal(t, wantRepeat, pkt.RepeatPict, "AU %d pic_struct %d", i, ps)
		assert.Equal(t, ps == 5 || ps == 3, pkt.TopFieldFirst, "AU %d pic_struct %d", i, ps)
	}
}

func TestDiscontinuityAfterCorruption(t *testing.T) {
	t.Parallel()

	ts := testmedia.BuildTS(testmedia.TSConfig{Video: testmedia.H264Config{Frames: 6}})
	data := append([]byte(nil), ts.Data...)
	// Skip the continuity counter of the second packet of AU 2.
	off := ts.VideoPos[2] + testmedia.TSPacketSize
	data[off+3] = data[off+3]&0xF0 | (data[off+3]+5)&0x0F

	path := testmedia.WriteTemp(t, "broken.ts", data)
	dmx, err := New().Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer dmx.Close()

	pkts := readAll(t, dmx, 0)
	require.NotEmpty(t, pkts)
	var disc []int64
	for _, p := range pkts {
		if p.Discontinuity {
			disc = append(disc, p.PTS)
		}
	}
	assert.Equal(t, []int64{ts.Video[3].PTS}, disc)
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	_, err := New().Open(context.Background(), filepath.Join(t.TempDir(), "missing.ts"), nil)
	assert.ErrorIs(t, err, media.ErrNoSuchFile)

	// Sync bytes but no PSI.
	data := make([]byte, 188*4)
	for i := 0; i < 4; i++ {
		data[i*188] = 0x47
		data[i*188+1] = 0x1F
		data[i*188+2] = 0xFF
		data[i*188+3] = 0x10
	}
	path := testmedia.WriteTemp(t, "null.ts", data)
	_, err = New().Open(context.Background(), path, nil)
	assert.ErrorIs(t, err, media.ErrUnsupportedFormat)
}
