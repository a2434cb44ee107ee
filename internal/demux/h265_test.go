package demux

import (
	"math/bits"
	"testing"

	"github.com/zsiec/ffindex/media"
)

// bitWriter packs MSB-first fields for hand-built parameter sets.
type bitWriter struct {
	b []byte
	n int
}

func (w *bitWriter) put(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		if w.n%8 == 0 {
			w.b = append(w.b, 0)
		}
		if v>>uint(i)&1 == 1 {
			w.b[len(w.b)-1] |= 0x80 >> uint(w.n%8)
		}
		w.n++
	}
}

func (w *bitWriter) ue(v uint64) {
	l := bits.Len64(v + 1)
	w.put(0, l-1)
	w.put(v+1, l)
}

// rbsp closes the payload with the stop bit and inserts emulation
// prevention bytes.
func (w *bitWriter) rbsp() []byte {
	w.put(1, 1)
	var out []byte
	zeros := 0
	for _, c := range w.b {
		if zeros >= 2 && c <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		out = append(out, c)
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

type hevcSPSConfig struct {
	subLayersMinus1 int
	// allLayers sets sub_layer_ordering_info_present_flag, which gives
	// one reorder value per sub-layer.
	allLayers     bool
	reorder       []uint64
	width, height uint64
	cropBottom    uint64
	// stopAfterSize cuts the SPS after pic_height_in_luma_samples.
	stopAfterSize bool
}

// hevcSPS builds a Main profile, level 3.1, 4:2:0 SPS NAL unit.
func hevcSPS(c hevcSPSConfig) []byte {
	var w bitWriter
	w.put(0, 4)
	w.put(uint64(c.subLayersMinus1), 3)
	w.put(1, 1)

	w.put(0, 2)
	w.put(0, 1)
	w.put(1, 5)
	w.put(0x40000000, 32)
	w.put(0xB00000000000, 48)
	w.put(93, 8)
	if c.subLayersMinus1 > 0 {
		w.put(0, 2*c.subLayersMinus1)
		w.put(0, 2*(8-c.subLayersMinus1))
	}

	w.ue(0)
	w.ue(1)
	w.ue(c.width)
	w.ue(c.height)
	if c.stopAfterSize {
		return append([]byte{0x42, 0x01}, w.rbsp()...)
	}
	if c.cropBottom > 0 {
		w.put(1, 1)
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(c.cropBottom)
	} else {
		w.put(0, 1)
	}
	w.ue(0)
	w.ue(0)
	w.ue(4)
	if c.allLayers {
		w.put(1, 1)
	} else {
		w.put(0, 1)
	}
	for _, r := range c.reorder {
		w.ue(r + 1)
		w.ue(r)
		w.ue(0)
	}
	return append([]byte{0x42, 0x01}, w.rbsp()...)
}

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
		out = append(out, n...)
	}
	return out
}

func TestHEVCNALClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header   byte
		nalType  byte
		keyframe bool
	}{
		{0x02, 1, false},
		{0x20, HEVCNALBlaWLP, true},
		{0x22, 17, true},
		{0x24, 18, true},
		{0x26, HEVCNALIDRWRadl, true},
		{0x28, HEVCNALIDRNlp, true},
		{0x2A, HEVCNALCraNut, true},
		{0x2C, 22, false},
		{0x40, HEVCNALVPS, false},
		{0x42, HEVCNALSPS, false},
		{0x4E, HEVCNALSEIPrefix, false},
	}
	for _, tt := range tests {
		typ := HEVCNALType(tt.header)
		if typ != tt.nalType {
			t.Errorf("HEVCNALType(%#02x) = %d, want %d", tt.header, typ, tt.nalType)
		}
		if IsHEVCKeyframe(typ) != tt.keyframe {
			t.Errorf("IsHEVCKeyframe(%d) = %v", typ, !tt.keyframe)
		}
	}
	if !IsHEVCSPS(HEVCNALSPS) || IsHEVCSPS(HEVCNALPPS) {
		t.Error("IsHEVCSPS misclassifies")
	}
}

func TestParseHEVCSPSReorder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		cfg         hevcSPSConfig
		height      int
		reorder     int
		reorderSeen bool
	}{
		{
			name:   "single layer",
			cfg:    hevcSPSConfig{reorder: []uint64{2}, width: 1920, height: 1080},
			height: 1080, reorder: 2, reorderSeen: true,
		},
		{
			name:   "cropped to 1080",
			cfg:    hevcSPSConfig{reorder: []uint64{1}, width: 1920, height: 1088, cropBottom: 4},
			height: 1080, reorder: 1, reorderSeen: true,
		},
		{
			name:   "highest sub-layer wins",
			cfg:    hevcSPSConfig{subLayersMinus1: 2, allLayers: true, reorder: []uint64{0, 1, 3}, width: 1920, height: 1080},
			height: 1080, reorder: 3, reorderSeen: true,
		},
		{
			name:   "only the highest sub-layer signalled",
			cfg:    hevcSPSConfig{subLayersMinus1: 1, reorder: []uint64{4}, width: 1920, height: 1080},
			height: 1080, reorder: 4, reorderSeen: true,
		},
		{
			name:   "cut before ordering info",
			cfg:    hevcSPSConfig{width: 1920, height: 1080, stopAfterSize: true},
			height: 1080,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			info, err := ParseHEVCSPS(hevcSPS(tt.cfg))
			if err != nil {
				t.Fatal(err)
			}
			if info.Width != 1920 || info.Height != tt.height {
				t.Errorf("size = %dx%d, want 1920x%d", info.Width, info.Height, tt.height)
			}
			if info.ProfileIDC != 1 || info.LevelIDC != 93 || info.ChromaFormatIdc != 1 {
				t.Errorf("profile/level/chroma = %d/%d/%d", info.ProfileIDC, info.LevelIDC, info.ChromaFormatIdc)
			}
			if info.ReorderKnown != tt.reorderSeen || info.MaxNumReorderPics != tt.reorder {
				t.Errorf("reorder = %d (known %v), want %d (known %v)",
					info.MaxNumReorderPics, info.ReorderKnown, tt.reorder, tt.reorderSeen)
			}
		})
	}
}

func TestParseHEVCSPSTooShort(t *testing.T) {
	t.Parallel()
	for _, b := range [][]byte{nil, {0x42, 0x01, 0x01}} {
		if _, err := ParseHEVCSPS(b); err == nil {
			t.Errorf("ParseHEVCSPS(%x) succeeded", b)
		}
	}
}

func TestVideoParserHEVC(t *testing.T) {
	t.Parallel()
	p := NewVideoParser(CodecHEVC, nil)
	if p.HasParams() {
		t.Fatal("params before any SPS")
	}

	sps := hevcSPS(hevcSPSConfig{reorder: []uint64{1}, width: 1280, height: 720})
	idr := []byte{0x26, 0x01, 0xAF, 0x10}
	trail := []byte{0x02, 0x01, 0xD0, 0x04}

	if au := p.Parse(annexB([]byte{0x40, 0x01, 0x0C}, sps, idr)); !au.Keyframe {
		t.Error("IDR access unit not a keyframe")
	}
	if au := p.Parse(annexB(trail)); au.Keyframe {
		t.Error("trailing picture marked as keyframe")
	}

	want := StreamParams{Width: 1280, Height: 720, ReorderDepth: 1, PixelFormat: media.PixelFormatYUV420P}
	if got := p.Params(); got != want {
		t.Errorf("Params() = %+v, want %+v", got, want)
	}
}

func TestVideoParserHEVCUnknownReorder(t *testing.T) {
	t.Parallel()
	p := NewVideoParser(CodecHEVC, nil)
	p.Parse(annexB(hevcSPS(hevcSPSConfig{width: 1280, height: 720, stopAfterSize: true})))
	if got := p.Params().ReorderDepth; got != 2 {
		t.Errorf("reorder depth without ordering info = %d, want 2", got)
	}
}
