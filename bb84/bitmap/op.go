package bitmap

import "fmt"

// And returns the bitwise AND of two bitmaps. The result is as long as the
// shorter operand.
func And(a, b Dense) Dense {
	short, long := a, b
	if b.len < a.len {
		short, long = b, a
	}
	sb, lb := short.packed(), long.packed()
	r := Dense{
		bits: make([]byte, 0, len(sb)),
		len:  short.len,
	}
	for i := range sb {
		r.bits = append(r.bits, sb[i]&lb[i])
	}
	return r
}

// Or returns the bitwise OR of two bitmaps. The shorter operand is padded with
// implicit zeros.
func Or(a, b Dense) Dense {
	return zip(a, b, func(x, y byte) byte { return x | y })
}

// XOr returns the bitwise XOR of two bitmaps. The shorter operand is padded
// with implicit zeros.
func XOr(a, b Dense) Dense {
	return zip(a, b, func(x, y byte) byte { return x ^ y })
}

// XNor returns the bitwise XNOR of two bitmaps, i.e. a bitmap marking the
// positions at which a and b agree. The shorter operand is padded with
// implicit zeros.
func XNor(a, b Dense) Dense {
	return zip(a, b, func(x, y byte) byte { return ^(x ^ y) })
}

// Not returns the bitwise negation of a bitmap.
func Not(d Dense) Dense {
	db := d.packed()
	r := Dense{
		bits: make([]byte, 0, len(db)),
		len:  d.len,
	}
	for _, b := range db {
		r.bits = append(r.bits, ^b)
	}
	r.clearTail()
	return r
}

// Slice copies bits [start, end) of d into a new bitmap.
func Slice(d Dense, start, end int) (Dense, error) {
	if end > d.len {
		return Dense{}, fmt.Errorf("slicing bitmap of len %d up to %d", d.len, end)
	}
	if start < 0 {
		return Dense{}, fmt.Errorf("slicing bitmap with negative start: %d", start)
	}
	if end < start {
		return Dense{}, fmt.Errorf("slicing bitmap to negative length: %d", end-start)
	}
	if start%byteSize == 0 {
		j := start / byteSize
		return NewDense(d.bits[j:], end-start), nil
	}
	r := Dense{bits: make([]byte, 0, BytesFor(end-start))}
	for i := start; i < end; i++ {
		r.AppendBit(d.Get(i))
	}
	return r, nil
}

func zip(a, b Dense, f func(x, y byte) byte) Dense {
	short, long := a, b
	if b.len < a.len {
		short, long = b, a
	}
	sb, lb := short.packed(), long.packed()
	r := Dense{
		bits: make([]byte, 0, len(lb)),
		len:  long.len,
	}
	for i := range lb {
		var s byte
		if i < len(sb) {
			s = sb[i]
		}
		r.bits = append(r.bits, f(s, lb[i]))
	}
	r.clearTail()
	return r
}
