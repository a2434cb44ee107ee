package indexer

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultAudioPattern names dump files after the source and the track.
const DefaultAudioPattern = "%sourcefile%.%trackzn%.w64"

// AudioNameInfo describes a dumped track to an AudioNameFunc.
type AudioNameInfo struct {
	SourceFile    string
	Track         int
	SampleRate    int
	Channels      int
	BitsPerSample int
	// DelayMS is the first timestamp of the track in milliseconds.
	DelayMS int64
}

// AudioNameFunc returns the path a dumped track is written to.
type AudioNameFunc func(AudioNameInfo) (string, error)

// DefaultAudioFilename expands the tokens of pattern:
//
//	%sourcefile%  source path
//	%trackn%      track number
//	%trackzn%     track number padded to two digits
//	%samplerate%  sample rate in Hz
//	%channels%    channel count
//	%bps%         bits per sample
//	%delay%       first timestamp in milliseconds
//
// Unknown tokens are left as they are.
func DefaultAudioFilename(pattern string, info AudioNameInfo) string {
	return strings.NewReplacer(
		"%sourcefile%", info.SourceFile,
		"%trackn%", strconv.Itoa(info.Track),
		"%trackzn%", fmt.Sprintf("%02d", info.Track),
		"%samplerate%", strconv.Itoa(info.SampleRate),
		"%channels%", strconv.Itoa(info.Channels),
		"%bps%", strconv.Itoa(info.BitsPerSample),
		"%delay%", strconv.FormatInt(info.DelayMS, 10),
	).Replace(pattern)
}

// PatternNamer returns an AudioNameFunc that expands pattern.
func PatternNamer(pattern string) AudioNameFunc {
	return func(info AudioNameInfo) (string, error) {
		return DefaultAudioFilename(pattern, info), nil
	}
}
