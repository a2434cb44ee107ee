package ffindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/index"
	"github.com/zsiec/ffindex/internal/testmedia"
	"github.com/zsiec/ffindex/media"
)

func writeClip(t *testing.T, frames int) string {
	t.Helper()
	mkv := testmedia.BuildMKV(testmedia.MKVConfig{
		Video: &testmedia.MKVVideo{Codec: "raw", FourCC: "I420", Width: 32, Height: 32, Frames: frames},
		Audio: &testmedia.MKVAudio{},
	})
	return testmedia.WriteTemp(t, "clip.mkv", mkv.Data)
}

func TestSources(t *testing.T) {
	t.Parallel()

	Init()
	Init()
	present := PresentSources()
	assert.Equal(t, []media.SourceKind{media.SourceMatroska, media.SourceMPEGTS, media.SourceLibav}, present)

	enabled := EnabledSources()
	assert.Subset(t, present, enabled)
	assert.Contains(t, enabled, media.SourceMatroska)
	assert.Contains(t, enabled, media.SourceMPEGTS)
}

func TestDefaultCachePath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/media/clip.mkv.ffindex", DefaultCachePath("/media/clip.mkv"))
}

func TestMakeIndexRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	path := writeClip(t, 2)
	Init()
	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	_, ok := inFlight.Begin(abs)
	require.True(t, ok)

	_, err = MakeIndex(context.Background(), path, IndexRequest{})
	assert.ErrorIs(t, err, media.ErrInvalidArgument)

	inFlight.Finish(abs)
	idx, err := MakeIndex(context.Background(), path, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, media.SourceMatroska, idx.Source)
}

func TestLoadOrIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := writeClip(t, 5)
	cache := DefaultCachePath(path)

	idx, res, err := LoadOrIndex(ctx, path, "", -1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheCreated, res)
	assert.FileExists(t, cache)
	assert.False(t, idx.Tracks[1].Indexed())

	_, res, err = LoadOrIndex(ctx, path, "", -1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, res)

	// Asking for the audio track reindexes with it added.
	idx, res, err = LoadOrIndex(ctx, path, "", 1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheOverwritten, res)
	assert.True(t, idx.Tracks[1].Indexed())

	_, res, err = LoadOrIndex(ctx, path, "", 1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheHit, res)
}

func TestLoadOrIndexStaleCache(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := writeClip(t, 5)
	cache := filepath.Join(t.TempDir(), "clip.idx")

	_, res, err := LoadOrIndex(ctx, path, cache, -1, IndexRequest{})
	require.NoError(t, err)
	require.Equal(t, CacheCreated, res)

	longer := testmedia.BuildMKV(testmedia.MKVConfig{
		Video: &testmedia.MKVVideo{Codec: "raw", FourCC: "I420", Width: 32, Height: 32, Frames: 8},
	})
	require.NoError(t, os.WriteFile(path, longer.Data, 0o644))

	idx, res, err := LoadOrIndex(ctx, path, cache, -1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheOverwritten, res)
	assert.Equal(t, 8, idx.Tracks[0].FrameCount())

	ok, err := index.BelongsToFile(idx, path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadOrIndexCorruptCache(t *testing.T) {
	t.Parallel()

	path := writeClip(t, 3)
	require.NoError(t, os.WriteFile(DefaultCachePath(path), []byte("not an index"), 0o644))

	idx, res, err := LoadOrIndex(context.Background(), path, "", -1, IndexRequest{})
	require.NoError(t, err)
	assert.Equal(t, CacheOverwritten, res)
	assert.Equal(t, 3, idx.Tracks[0].FrameCount())
}

func TestOpenSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := writeClip(t, 6)
	idx, err := MakeIndex(ctx, path, IndexRequest{IndexMask: 1 << 1})
	require.NoError(t, err)

	v, err := OpenVideo(ctx, path, idx, 0)
	require.NoError(t, err)
	defer v.Close()
	f, err := v.GetFrame(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, testmedia.RawFrameValue(4), f.Planes[0].Data[0])

	a, err := OpenAudio(ctx, path, idx, 1)
	require.NoError(t, err)
	defer a.Close()
	assert.Positive(t, a.Properties().NumSamples)

	_, err = OpenVideo(ctx, path, idx, 5)
	assert.ErrorIs(t, err, media.ErrOutOfRange)

	if Registry().Backends()[2].Available() {
		return
	}
	libavIdx := *idx
	libavIdx.Source = media.SourceLibav
	_, err = OpenVideo(ctx, path, &libavIdx, 0)
	assert.ErrorIs(t, err, media.ErrSourceUnavailable)
}
