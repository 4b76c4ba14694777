package bitmap

// A Dense is a bitmap where every bit is explicitly represented. Bits past
// Size() always read as zero.
//
// Copies of a Dense share storage, the way slices do. Appending to a copy may
// scribble on the last byte of the original past its Size(), so every read of
// the packed form goes through packed(), which masks those bits off.
type Dense struct {
	bits []byte
	len  int
}

// NewDense returns a new dense bitmap whose contents are a copy of data, and
// whose length is bitLen. If bitLen is longer than data, then trailing zeros
// are added; if it is shorter, excess bits are cleared. If bitLen is negative,
// then it is inferred from data.
func NewDense(data []byte, bitLen int) Dense {
	if bitLen < 0 {
		bitLen = len(data) * byteSize
	}
	r := Dense{
		bits: make([]byte, BytesFor(bitLen)),
		len:  bitLen,
	}
	copy(r.bits, data)
	r.clearTail()
	return r
}

// Get returns the i-th bit in this bitmap. Out of range bits read as zero.
func (d Dense) Get(i int) bool {
	if i < 0 || i >= d.len {
		return false
	}
	j, pos := i/byteSize, i%byteSize
	if j >= len(d.bits) {
		return false
	}
	return 0 < d.bits[j]&(1<<pos)
}

// Size returns the number of bits in this bitmap.
func (d Dense) Size() int {
	return d.len
}

// SizeBytes returns the number of bytes needed to hold this bitmap.
func (d Dense) SizeBytes() int {
	return BytesFor(d.len)
}

// Data returns the packed bytes of this bitmap, exactly SizeBytes() long and
// with bits past Size() cleared. The result may alias d and must not be
// modified.
func (d Dense) Data() []byte {
	return d.packed()
}

// packed returns d's bytes with the tail masked. It only copies when the tail
// is dirty.
func (d Dense) packed() []byte {
	b := d.bits[:min(len(d.bits), BytesFor(d.len))]
	off := d.len % byteSize
	if off == 0 || len(b) == 0 {
		return b
	}
	mask := byte(1<<off) - 1
	if b[len(b)-1]&^mask == 0 {
		return b
	}
	c := append([]byte(nil), b...)
	c[len(c)-1] &= mask
	return c
}

// Clone returns a deep copy of d.
func (d Dense) Clone() Dense {
	return NewDense(d.bits, d.len)
}

// Set sets the i-th bit to v. It panics if i is out of range.
func (d *Dense) Set(i int, v bool) {
	j, pos := i/byteSize, i%byteSize
	if v {
		d.bits[j] |= 1 << pos
	} else {
		d.bits[j] &= ^(1 << pos)
	}
}

// Flip inverts the i-th bit. It panics if i is out of range.
func (d *Dense) Flip(i int) {
	d.bits[i/byteSize] ^= 1 << (i % byteSize)
}

// AppendBit adds a single bit to the end of d.
func (d *Dense) AppendBit(bit bool) {
	i, pos := d.len/byteSize, d.len%byteSize
	d.len += 1
	if i >= len(d.bits) {
		d.bits = append(d.bits, 0)
	}
	if bit {
		d.bits[i] |= 1 << pos
	} else {
		d.bits[i] &^= 1 << pos
	}
}

// Append adds the contents of d2 to the end of d.
func (d *Dense) Append(d2 Dense) {
	off := d.len % byteSize
	if off == 0 {
		d.bits = append(d.bits[:BytesFor(d.len)], d2.packed()...)
		d.len += d2.len
		return
	}
	for i := 0; i < d2.len; i++ {
		d.AppendBit(d2.Get(i))
	}
}

func (d *Dense) clearTail() {
	if off := d.len % byteSize; off != 0 {
		d.bits[len(d.bits)-1] &= byte(1<<off) - 1
	}
}
