package mpegts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/zsiec/ffindex/internal/testmedia"
)

const (
	pmtPID   = 0x1000
	videoPID = 0x100
	audioPID = 0x101
)

// shortStream is PAT, PMT and three single-packet video PES units with
// PTS 3000, 6000 and 9000. Packet i sits at offset i*188.
func shortStream() []byte {
	var b bytes.Buffer
	b.Write(tsPacket(pidPAT, 0, flags{start: true}, psiPayload(patSection(Program{Number: 1, PMTPID: pmtPID}))))
	b.Write(tsPacket(pmtPID, 0, flags{start: true}, psiPayload(pmtSection(videoPID,
		ElementaryStream{PID: videoPID, Type: 0x1B},
		ElementaryStream{PID: audioPID, Type: 0x0F},
	))))
	for i := range 3 {
		pes := pesPacket(0xE0, int64(i+1)*3000, NoTimestamp, []byte{0, 0, 0, 1, 0x65})
		b.Write(tsPacket(videoPID, uint8(i), flags{start: true, randomAccess: i == 0}, pes))
	}
	return b.Bytes()
}

func readUnits(t *testing.T, d *Demuxer) []*Unit {
	t.Helper()
	var out []*Unit
	for {
		u, err := d.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, u)
	}
}

func pesUnits(units []*Unit) []*Unit {
	var out []*Unit
	for _, u := range units {
		if u.Kind == UnitPES {
			out = append(out, u)
		}
	}
	return out
}

func TestDemuxerUnits(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(bytes.NewReader(shortStream()))
	units := readUnits(t, d)
	if len(units) != 5 {
		t.Fatalf("got %d units, want 5", len(units))
	}

	pat, pmt := units[0], units[1]
	if pat.Kind != UnitPAT || len(pat.Programs) != 1 || pat.Programs[0].PMTPID != pmtPID {
		t.Errorf("first unit = %+v, want the PAT", pat)
	}
	if pmt.Kind != UnitPMT || pmt.PID != pmtPID || len(pmt.Streams) != 2 || pmt.Offset != packetSize {
		t.Errorf("second unit = %+v, want the PMT at %d", pmt, packetSize)
	}
	for i, u := range units[2:] {
		if u.PID != videoPID || u.PES == nil {
			t.Fatalf("unit %d = %+v, want video PES", i, u)
		}
		if want := int64(i+2) * packetSize; u.Offset != want {
			t.Errorf("PES %d offset = %d, want %d", i, u.Offset, want)
		}
		if want := int64(i+1) * 3000; u.PES.PTS != want || u.PES.DTS != NoTimestamp {
			t.Errorf("PES %d PTS/DTS = %d/%d, want %d/none", i, u.PES.PTS, u.PES.DTS, want)
		}
		if u.RandomAccess != (i == 0) {
			t.Errorf("PES %d random access = %v", i, u.RandomAccess)
		}
		if !bytes.Equal(u.PES.Data, []byte{0, 0, 0, 1, 0x65}) {
			t.Errorf("PES %d data = %x", i, u.PES.Data)
		}
	}
	if d.Offset() != 5*packetSize {
		t.Errorf("Offset() = %d, want %d", d.Offset(), 5*packetSize)
	}
}

func TestDemuxerMultiPacketPES(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte{0x42}, 500)
	pes := pesPacket(0xC0, 90000, NoTimestamp, payload)

	var b bytes.Buffer
	b.Write(tsPacket(audioPID, 0, flags{start: true}, pes[:184]))
	b.Write(tsPacket(audioPID, 1, flags{}, pes[184:368]))
	b.Write(tsPacket(audioPID, 2, flags{}, pes[368:]))

	units := pesUnits(readUnits(t, NewDemuxer(&b)))
	if len(units) != 1 {
		t.Fatalf("got %d PES units, want 1", len(units))
	}
	if units[0].Offset != 0 || !bytes.Equal(units[0].PES.Data, payload) {
		t.Errorf("unit at %d with %d data bytes, want 0 and %d", units[0].Offset, len(units[0].PES.Data), len(payload))
	}
}

func TestDemuxerSeekOffsetKeepsProgramMap(t *testing.T) {
	t.Parallel()

	stream := shortStream()
	// A PMT repeated after the seek point is only known as PSI through
	// the PAT read before it.
	stream = append(stream, tsPacket(pmtPID, 1, flags{start: true}, psiPayload(pmtSection(videoPID,
		ElementaryStream{PID: videoPID, Type: 0x1B},
	)))...)
	d := NewDemuxer(bytes.NewReader(stream))
	if n := len(readUnits(t, d)); n != 6 {
		t.Fatalf("got %d units, want 6", n)
	}

	if err := d.SeekOffset(3 * packetSize); err != nil {
		t.Fatal(err)
	}
	if d.Offset() != 3*packetSize {
		t.Errorf("Offset() after seek = %d", d.Offset())
	}
	units := readUnits(t, d)
	if len(units) != 3 {
		t.Fatalf("after seek got %d units, want 3", len(units))
	}
	if units[0].PES == nil || units[0].PES.PTS != 6000 || units[0].Offset != 3*packetSize {
		t.Errorf("first unit after seek = %+v, want PTS 6000 at %d", units[0], 3*packetSize)
	}
	// Sections complete at once; the last PES waits for the end of input.
	if units[1].Kind != UnitPMT || len(units[1].Streams) != 1 {
		t.Errorf("second unit = %+v, want the repeated PMT", units[1])
	}
	if units[2].PES == nil || units[2].PES.PTS != 9000 {
		t.Errorf("last unit = %+v, want PTS 9000", units[2])
	}
}

func TestDemuxerSeekOffsetNotSeekable(t *testing.T) {
	t.Parallel()

	d := NewDemuxer(io.MultiReader(bytes.NewReader(shortStream())))
	if err := d.SeekOffset(0); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("SeekOffset on a plain reader = %v, want ErrNotSeekable", err)
	}
}

func TestDemuxerResync(t *testing.T) {
	t.Parallel()

	garbage := []byte{0x00, 0x11, 0x22, 0x33, 0x44}
	data := append(append([]byte(nil), garbage...), shortStream()...)
	data = append(data, 0x47, 0x01) // partial trailing packet
	d := NewDemuxer(bytes.NewReader(data))

	units := pesUnits(readUnits(t, d))
	if len(units) != 3 {
		t.Fatalf("got %d PES units, want 3", len(units))
	}
	if want := int64(len(garbage)) + 2*packetSize; units[0].Offset != want {
		t.Errorf("first PES offset = %d, want %d", units[0].Offset, want)
	}
	if d.Resyncs() != 1 {
		t.Errorf("Resyncs() = %d, want 1", d.Resyncs())
	}
}

func TestDemuxerContinuityLoss(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	for i, cc := range []uint8{0, 2, 3} {
		pes := pesPacket(0xE0, int64(i+1)*3000, NoTimestamp, []byte{0, 0, 0, 1, 0x41})
		b.Write(tsPacket(videoPID, cc, flags{start: true}, pes))
	}

	units := readUnits(t, NewDemuxer(&b))
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].PES.PTS != 6000 || !units[0].Discontinuity {
		t.Errorf("unit after the gap = %+v, want PTS 6000 marked discontinuous", units[0])
	}
	if units[1].Discontinuity {
		t.Errorf("unit %+v should not be marked discontinuous", units[1])
	}
}

func TestDemuxerCountsCorruptSections(t *testing.T) {
	t.Parallel()

	pat := patSection(Program{Number: 1, PMTPID: pmtPID})
	pat[len(pat)-1] ^= 0x55
	var b bytes.Buffer
	b.Write(tsPacket(pidPAT, 0, flags{start: true}, psiPayload(pat)))
	b.Write(tsPacket(videoPID, 0, flags{start: true}, []byte{0x00, 0x00, 0x01}))

	d := NewDemuxer(&b)
	if units := readUnits(t, d); len(units) != 0 {
		t.Errorf("got %d units from a bad PAT and a cut PES", len(units))
	}
	if d.Corrupt() != 2 {
		t.Errorf("Corrupt() = %d, want 2", d.Corrupt())
	}
}

func TestDemuxerCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDemuxer(bytes.NewReader(shortStream()))
	if _, err := d.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next on a cancelled context = %v", err)
	}
}

func TestDemuxerBuiltStream(t *testing.T) {
	t.Parallel()

	ts := testmedia.BuildTS(testmedia.TSConfig{
		Video: testmedia.H264Config{Frames: 30, GOP: 12, BFrames: 2},
		Audio: true,
	})
	units := readUnits(t, NewDemuxer(bytes.NewReader(ts.Data)))

	var video, audio []*Unit
	pmts := 0
	for _, u := range units {
		switch {
		case u.Kind == UnitPMT:
			pmts++
		case u.PID == testmedia.VideoPID:
			video = append(video, u)
		case u.PID == testmedia.AudioPID:
			audio = append(audio, u)
		}
	}
	if pmts != 3 {
		t.Errorf("got %d PMTs, want one per keyframe", pmts)
	}
	if len(video) != len(ts.Video) || len(audio) != len(ts.Audio) {
		t.Fatalf("got %d video and %d audio units, want %d and %d", len(video), len(audio), len(ts.Video), len(ts.Audio))
	}
	for i, u := range video {
		if u.Offset != ts.VideoPos[i] || u.PES.PTS != ts.Video[i].PTS {
			t.Errorf("video unit %d at %d PTS %d, want %d PTS %d", i, u.Offset, u.PES.PTS, ts.VideoPos[i], ts.Video[i].PTS)
		}
		if u.RandomAccess != ts.Video[i].Keyframe {
			t.Errorf("video unit %d random access = %v", i, u.RandomAccess)
		}
	}
	for i, u := range audio {
		if u.Offset != ts.Audio[i].Pos {
			t.Errorf("audio unit %d at %d, want %d", i, u.Offset, ts.Audio[i].Pos)
		}
	}
}
