// Package seek decides how the retrieval engine reaches a target frame:
// keep decoding from where the decoder is, or reposition at a keyframe
// and decode forward from there.
package seek

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zsiec/ffindex/media"
	"github.com/zsiec/ffindex/track"
)

// Mode is the speed/accuracy policy of a video source.
type Mode int

const (
	// LinearNoRewind decodes forward only; a backward request fails.
	LinearNoRewind Mode = -1
	// Linear never seeks by keyframe; going backward restarts from the
	// first packet.
	Linear Mode = 0
	// Normal seeks to the nearest usable keyframe and decodes forward to
	// the exact frame.
	Normal Mode = 1
	// KeyframeOnly returns the keyframe at or before the target.
	KeyframeOnly Mode = 2
	// Aggressive is Normal with longer forward runs and a looser check
	// of the first frame after a seek.
	Aggressive Mode = 3
)

const (
	// ForwardThreshold is how far ahead of the last decoded frame a
	// keyframe may lie before Normal mode seeks instead of decoding on.
	ForwardThreshold = 10
	// AggressiveGap is the forward distance Aggressive mode always
	// covers by decoding.
	AggressiveGap = 30
)

// Cursor values for a source that has not output a frame yet.
const (
	// AtStart means the demuxer is at the first packet.
	AtStart = -1
	// Unknown means the position is lost, for example after a failed
	// decode, and the next request must seek.
	Unknown = -2
)

var modeNames = map[Mode]string{
	LinearNoRewind: "linear-norewind",
	Linear:         "linear",
	Normal:         "normal",
	KeyframeOnly:   "keyframe",
	Aggressive:     "aggressive",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Valid reports whether m is in -1..3.
func (m Mode) Valid() bool {
	return m >= LinearNoRewind && m <= Aggressive
}

// ParseMode accepts a mode name or its number.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name {
			return m, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Mode(n).Valid() {
		return Mode(n), nil
	}
	return 0, media.Errorf(media.KindInvalidArgument, "parse seek mode", "unknown seek mode %q", s)
}

// Action is what the caller does before decoding.
type Action int

const (
	// DecodeForward keeps reading from the current position.
	DecodeForward Action = iota
	// Seek repositions at SeekByteOffset, flushes the decoder and then
	// decodes forward.
	Seek
)

func (a Action) String() string {
	if a == Seek {
		return "seek"
	}
	return "decode-forward"
}

// Plan is the way to reach one frame.
type Plan struct {
	Action Action
	// SeekByteOffset and SeekRecord name the packet to resume at when
	// Action is Seek. SeekRecord is a container-order record index.
	SeekByteOffset int64
	SeekRecord     int
	// Keyframe is the presentation number of the keyframe the plan
	// starts from, or -1 when decoding starts at the first packet.
	Keyframe int
	// FramesToDecodeForward bounds the number of frames decoded after
	// the seek before the target must have appeared.
	FramesToDecodeForward int
	// Target is the presentation number to return. It differs from the
	// request only in KeyframeOnly mode.
	Target int
}

// Planner computes plans for one mode.
type Planner struct {
	Mode Mode
}

// New returns a planner for mode.
func New(mode Mode) (*Planner, error) {
	if !mode.Valid() {
		return nil, media.Errorf(media.KindInvalidArgument, "seek", "seek mode %d outside -1..3", int(mode))
	}
	return &Planner{Mode: mode}, nil
}

// Plan returns how to reach presentation frame target of cat given that
// cursor is the presentation number of the last frame the decoder
// returned, or AtStart/Unknown.
func (p *Planner) Plan(cat *track.Catalogue, target, cursor int) (Plan, error) {
	if !cat.Indexed() {
		return Plan{}, media.Errorf(media.KindInvalidArgument, "seek", "track is not indexed")
	}
	if target < 0 || target >= cat.FrameCount() {
		return Plan{}, media.Errorf(media.KindOutOfRange, "seek", "frame %d outside 0..%d", target, cat.FrameCount()-1)
	}
	ahead := cursor != Unknown && target > cursor

	switch p.Mode {
	case LinearNoRewind:
		if !ahead {
			return Plan{}, media.Errorf(media.KindSeekError, "seek",
				"frame %d requested after frame %d and rewinding is disabled", target, cursor)
		}
		return forward(cat, target, cursor), nil
	case Linear:
		if ahead {
			return forward(cat, target, cursor), nil
		}
		return fromStart(cat, target), nil
	}

	k := Keyframe(cat, target)
	if p.Mode == KeyframeOnly {
		if k < 0 {
			k = 0
		}
		target = k
		ahead = cursor != Unknown && target > cursor
		if ahead && (cursor == AtStart || k <= cursor+ForwardThreshold) && noKeyframeBetween(cat, cursor, k) {
			return forward(cat, target, cursor), nil
		}
		return seekTo(cat, k, target), nil
	}

	if ahead {
		if p.Mode == Aggressive && target <= cursor+AggressiveGap {
			return forward(cat, target, cursor), nil
		}
		if k <= cursor+ForwardThreshold {
			return forward(cat, target, cursor), nil
		}
	}
	if k < 0 {
		return fromStart(cat, target), nil
	}
	return seekTo(cat, k, target), nil
}

// Backoff returns a plan for the same target starting one keyframe
// earlier than prev. It fails with SeekError when prev already started
// at the first keyframe or at the start of the file.
func (p *Planner) Backoff(cat *track.Catalogue, prev Plan) (Plan, error) {
	if prev.Keyframe < 0 {
		return Plan{}, media.Errorf(media.KindSeekError, "seek", "frame accurate seeking is not possible")
	}
	kfs := cat.Keyframes()
	i := sort.SearchInts(kfs, prev.Keyframe)
	if i == 0 {
		if cat.RecordIndex(prev.Keyframe) == 0 || prev.SeekRecord == 0 {
			return Plan{}, media.Errorf(media.KindSeekError, "seek", "frame accurate seeking is not possible")
		}
		return fromStart(cat, prev.Target), nil
	}
	return seekTo(cat, kfs[i-1], prev.Target), nil
}

// Keyframe returns the presentation number of the keyframe to start
// decoding from for target: the keyframe with the largest PTS not after
// the target's and a byte offset not after the target's, ties broken by
// the larger offset. It returns -1 when there is none.
func Keyframe(cat *track.Catalogue, target int) int {
	tr := cat.Frame(target)
	kfs := cat.Keyframes()
	// Keyframes at or before target in presentation order.
	i := sort.SearchInts(kfs, target+1)
	best := -1
	var bestRec track.FrameRecord
	for j := i - 1; j >= 0; j-- {
		rec := cat.Frame(kfs[j])
		if best >= 0 && ptsOf(rec) < ptsOf(bestRec) {
			break
		}
		if rec.Pos > tr.Pos || ptsOf(rec) > ptsOf(tr) {
			continue
		}
		if best < 0 || rec.Pos > bestRec.Pos {
			best, bestRec = kfs[j], rec
		}
	}
	return best
}

func ptsOf(r track.FrameRecord) int64 {
	if r.PTS == media.NoPTS {
		return r.DTS
	}
	return r.PTS
}

// noKeyframeBetween reports whether decoding on from cursor reaches k
// without passing a later keyframe first, which would be the better
// seek point.
func noKeyframeBetween(cat *track.Catalogue, cursor, k int) bool {
	kfs := cat.Keyframes()
	i := sort.SearchInts(kfs, cursor+1)
	return i >= len(kfs) || kfs[i] >= k
}

func forward(cat *track.Catalogue, target, cursor int) Plan {
	n := target - cursor
	if cursor < 0 {
		n = target + 1
	}
	return Plan{
		Action:                DecodeForward,
		Keyframe:              -1,
		FramesToDecodeForward: n + cat.ReorderDepth,
		Target:                target,
	}
}

func fromStart(cat *track.Catalogue, target int) Plan {
	return Plan{
		Action:                Seek,
		SeekByteOffset:        cat.Record(0).Pos,
		SeekRecord:            0,
		Keyframe:              -1,
		FramesToDecodeForward: outputsUntil(cat, 0, target) + cat.ReorderDepth,
		Target:                target,
	}
}

func seekTo(cat *track.Catalogue, k, target int) Plan {
	r := SeekRecord(cat, cat.RecordIndex(k))
	return Plan{
		Action:                Seek,
		SeekByteOffset:        cat.Record(r).Pos,
		SeekRecord:            r,
		Keyframe:              k,
		FramesToDecodeForward: max(outputsUntil(cat, r, target), 1) + cat.ReorderDepth,
		Target:                target,
	}
}

// outputsUntil counts the frames a decoder started at record r returns
// up to and including presentation frame target. Output comes in
// presentation order, so that is every record from r on that is shown
// no later than the target, wherever it sits in decode order.
func outputsUntil(cat *track.Catalogue, r, target int) int {
	n := 0
	for i := r; i < cat.Len(); i++ {
		if cat.FrameNumber(i) <= target {
			n++
		}
	}
	return n
}

// SeekRecord rewinds record r to the first record sharing its byte
// offset. Frames laced into one container block share an offset, and
// the demuxer can only resume at the block.
func SeekRecord(cat *track.Catalogue, r int) int {
	for r > 0 && cat.Record(r-1).Pos == cat.Record(r).Pos {
		r--
	}
	return r
}

func (p Plan) String() string {
	if p.Action == Seek {
		return fmt.Sprintf("seek to record %d (offset %d), decode %d for frame %d", p.SeekRecord, p.SeekByteOffset, p.FramesToDecodeForward, p.Target)
	}
	return fmt.Sprintf("decode %d forward for frame %d", p.FramesToDecodeForward, p.Target)
}
