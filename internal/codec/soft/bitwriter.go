package soft

// bitWriter writes bits MSB-first.
type bitWriter struct {
	data   []byte
	bitPos int // bits used in the last byte, 0 when aligned
}

func (w *bitWriter) writeBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit(v>>uint(i)&1 == 1)
	}
}

func (w *bitWriter) writeBit(b bool) {
	if w.bitPos == 0 {
		w.data = append(w.data, 0)
	}
	if b {
		w.data[len(w.data)-1] |= 1 << uint(7-w.bitPos)
	}
	w.bitPos = (w.bitPos + 1) % 8
}

func (w *bitWriter) writeFlag(b bool) {
	w.writeBit(b)
}

// writeUE writes an unsigned Exp-Golomb code.
func (w *bitWriter) writeUE(v uint32) {
	v++
	n := 0
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.writeBits(0, n)
	w.writeBits(v, n+1)
}

// writeSE writes a signed Exp-Golomb code.
func (w *bitWriter) writeSE(v int32) {
	if v <= 0 {
		w.writeUE(uint32(-v) * 2)
		return
	}
	w.writeUE(uint32(v)*2 - 1)
}

// trailingBits writes rbsp_stop_one_bit and pads to a byte boundary.
func (w *bitWriter) trailingBits() {
	w.writeBit(true)
	for w.bitPos != 0 {
		w.writeBit(false)
	}
}

func (w *bitWriter) bytes() []byte {
	return w.data
}
