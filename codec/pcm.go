package codec

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/ffindex/container"
	"github.com/zsiec/ffindex/media"
)

type pcmLayout struct {
	inBytes int
	out     media.SampleFormat
	convert func(dst, src []byte)
}

var pcmLayouts = map[string]pcmLayout{
	"pcm_u8":    {1, media.SampleFormatU8, nil},
	"pcm_s8":    {1, media.SampleFormatU8, convertS8},
	"pcm_s16le": {2, media.SampleFormatS16, nil},
	"pcm_s16be": {2, media.SampleFormatS16, convertS16BE},
	"pcm_s24le": {3, media.SampleFormatS32, convertS24LE},
	"pcm_s32le": {4, media.SampleFormatS32, nil},
	"pcm_f32le": {4, media.SampleFormatFloat, nil},
	"pcm_f64le": {8, media.SampleFormatDouble, nil},
	"pcm_f32be": {4, media.SampleFormatFloat, convertF32BE},
}

// PCMSampleFormat returns the output sample format for a PCM codec name.
func PCMSampleFormat(codec string) (media.SampleFormat, int, bool) {
	l, ok := pcmLayouts[codec]
	return l.out, l.inBytes * 8, ok
}

type pcmDecoder struct {
	info   container.StreamInfo
	layout pcmLayout
	q      queue
}

func newPCM(info container.StreamInfo) (*pcmDecoder, error) {
	l, ok := pcmLayouts[info.Codec]
	if !ok {
		return nil, media.Errorf(media.KindUnsupportedFormat, "new decoder", "unknown PCM layout %s", info.Codec)
	}
	if info.Channels <= 0 || info.SampleRate <= 0 {
		return nil, media.Errorf(media.KindInvalidArgument, "new decoder", "PCM stream %d without sample rate or channels", info.Index)
	}
	return &pcmDecoder{info: info, layout: l}, nil
}

func (d *pcmDecoder) Send(pkt *container.Packet) error {
	if pkt == nil {
		d.q.draining = true
		return nil
	}
	block := d.layout.inBytes * d.info.Channels
	if len(pkt.Data)%block != 0 {
		return media.Errorf(media.KindDecodeError, "decode", "PCM packet of %d bytes is not a multiple of %d", len(pkt.Data), block)
	}
	n := len(pkt.Data) / block
	outBytes := d.layout.out.BytesPerSample()

	data := make([]byte, n*d.info.Channels*outBytes)
	if d.layout.convert != nil {
		d.layout.convert(data, pkt.Data)
	} else {
		copy(data, pkt.Data)
	}
	d.q.push(&media.Frame{
		PTS:          pkt.PTS,
		Keyframe:     true,
		SampleFormat: d.layout.out,
		SampleRate:   d.info.SampleRate,
		Channels:     d.info.Channels,
		NumSamples:   n,
		Data:         data,
	})
	return nil
}

func (d *pcmDecoder) Receive() (*media.Frame, error) { return d.q.pop() }
func (d *pcmDecoder) Flush()                         { d.q.reset() }
func (d *pcmDecoder) Close() error                   { return nil }

func convertS8(dst, src []byte) {
	for i, b := range src {
		dst[i] = b ^ 0x80
	}
}

func convertS16BE(dst, src []byte) {
	for i := 0; i+1 < len(src); i += 2 {
		binary.LittleEndian.PutUint16(dst[i:], binary.BigEndian.Uint16(src[i:]))
	}
}

func convertS24LE(dst, src []byte) {
	for i, o := 0, 0; i+2 < len(src); i, o = i+3, o+4 {
		v := uint32(src[i])<<8 | uint32(src[i+1])<<16 | uint32(src[i+2])<<24
		binary.LittleEndian.PutUint32(dst[o:], v)
	}
}

func convertF32BE(dst, src []byte) {
	for i := 0; i+3 < len(src); i += 4 {
		f := math.Float32frombits(binary.BigEndian.Uint32(src[i:]))
		binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(f))
	}
}
