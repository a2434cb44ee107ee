package testmedia

type bitWriter struct {
	buf []byte
	bit int
}

func (bw *bitWriter) writeBit(val int) {
	byteIdx := len(bw.buf) - 1
	if bw.bit == 0 {
		bw.buf = append(bw.buf, 0)
		byteIdx++
	}
	if val != 0 {
		bw.buf[byteIdx] |= byte(1 << (7 - bw.bit))
	}
	bw.bit = (bw.bit + 1) % 8
}

func (bw *bitWriter) writeBits(val uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		bw.writeBit(int(val>>i) & 1)
	}
}

func (bw *bitWriter) writeFlag(b bool) {
	if b {
		bw.writeBit(1)
	} else {
		bw.writeBit(0)
	}
}

// writeUE writes an unsigned exp-Golomb code.
func (bw *bitWriter) writeUE(v uint64) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	bw.writeBits(0, n)
	bw.writeBits(v, n+1)
}

// trailing writes rbsp_trailing_bits.
func (bw *bitWriter) trailing() {
	bw.writeBit(1)
	for bw.bit != 0 {
		bw.writeBit(0)
	}
}

func (bw *bitWriter) bytes() []byte {
	return bw.buf
}

// addEPB inserts emulation prevention bytes: 0x03 before any byte 0x00 to
// 0x03 that follows two zero bytes.
func addEPB(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeroCount := 0
	for _, b := range data {
		if zeroCount >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeroCount = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeroCount++
		} else {
			zeroCount = 0
		}
	}
	return out
}

// encodeSEIMessage encodes one sei_message with the multi-byte type and
// size coding.
func encodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))

	ps := len(payload)
	for ps >= 255 {
		out = append(out, 0xFF)
		ps -= 255
	}
	out = append(out, byte(ps))
	return append(out, payload...)
}

// addParity sets the high bit for odd parity (CEA-608).
func addParity(b byte) byte {
	b &= 0x7F
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}
