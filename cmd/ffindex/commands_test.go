package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/ffindex/internal/testmedia"
	"github.com/zsiec/ffindex/internal/w64"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append([]string{"--config", ""}, args...))
	require.NoError(t, root.Execute())
	return out.String()
}

func TestCommands(t *testing.T) {
	mkv := testmedia.BuildMKV(testmedia.MKVConfig{
		Video: &testmedia.MKVVideo{Codec: "raw", FourCC: "I420", Width: 16, Height: 16, Frames: 5},
		Audio: &testmedia.MKVAudio{},
	})
	path := testmedia.WriteTemp(t, "clip.mkv", mkv.Data)
	dir := t.TempDir()

	out := execute(t, "sources")
	assert.Contains(t, out, "matroska")
	assert.Contains(t, out, "mpegts")

	execute(t, "--cache-dir", dir, "index", path)
	assert.FileExists(t, filepath.Join(dir, "clip.mkv.ffindex"))

	out = execute(t, "--cache-dir", dir, "info", path)
	assert.Contains(t, out, "matroska reader")
	assert.Contains(t, out, "16x16")

	out = execute(t, "--cache-dir", dir, "timecodes", path)
	assert.Equal(t, "# timecode format v2\n0.00\n40.00\n80.00\n120.00\n160.00\n", out)

	frame := filepath.Join(dir, "frame.raw")
	execute(t, "--cache-dir", dir, "frame", path, "3", "-o", frame)
	data, err := os.ReadFile(frame)
	require.NoError(t, err)
	require.Len(t, data, 16*16*3/2)
	assert.Equal(t, testmedia.RawFrameValue(3), data[0])

	audio := filepath.Join(dir, "audio.w64")
	execute(t, "--cache-dir", dir, "audio", path, "--start", "10", "--count", "100", "-o", audio)
	data, err = os.ReadFile(audio)
	require.NoError(t, err)
	require.Len(t, data, w64.HeaderSize+100*4)
}
