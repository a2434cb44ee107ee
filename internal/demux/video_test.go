package demux

import (
	"testing"

	"github.com/zsiec/ffindex/media"
)

// captionAU is an H.264 access unit holding one SEI with three cc_data
// pairs: a field 1 character pair, then the same field 2 control code
// sent twice.
func captionAU() []byte {
	payload := []byte{
		0xB5, 0x00, 0x31, 'G', 'A', '9', '4', 0x03, 0x40 | 3, 0xFF,
		0xFC, 'A', 'b',
		0xFD, 0x14, 0x2C,
		0xFD, 0x14, 0x2C,
	}
	au := []byte{0x00, 0x00, 0x00, 0x01, 0x06, 0x04, byte(len(payload))}
	au = append(au, payload...)
	return append(au, 0x80)
}

func TestVideoParserCaptionFields(t *testing.T) {
	t.Parallel()
	p := NewVideoParser(CodecH264, nil)

	got := p.Parse(captionAU()).Captions
	want := []media.CaptionPair{
		{Field: 0, Channel: 1, Data: [2]byte{'A', 'b'}},
		{Field: 1, Channel: 3, Data: [2]byte{0x14, 0x2C}},
	}
	if len(got) != len(want) {
		t.Fatalf("captions: got %d pairs %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pair %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestVideoParserResetCaptions(t *testing.T) {
	t.Parallel()
	p := NewVideoParser(CodecH264, nil)

	p.Parse(captionAU())
	p.ResetCaptions()
	got := p.Parse(captionAU()).Captions
	if len(got) != 2 || got[1].Field != 1 {
		t.Fatalf("captions after reset: got %v", got)
	}
}
