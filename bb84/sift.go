package bb84

import (
	"github.com/alan-christopher/bb84sim/bb84/bitmap"
	"github.com/alan-christopher/bb84sim/bb84/photon"
)

// A Slot is one qubit of a session: what the sender prepared, the basis the
// receiver measured in, and what the receiver saw.
type Slot struct {
	Sent          photon.Encoding
	ReceiverBasis photon.Basis
	Measured      photon.Bit
}

// A SiftedKey is the receiver's measurements restricted to the slots where
// both parties used the same basis. Indices are the retained slot numbers,
// strictly increasing.
type SiftedKey struct {
	Bits    bitmap.Dense
	Indices []int
}

// Len returns the number of sifted bits.
func (k SiftedKey) Len() int {
	return k.Bits.Size()
}

// columns splits slots into packed per-field bitmaps.
func columns(slots []Slot) (sentBits, sentBases, recvBases, measured bitmap.Dense) {
	for _, s := range slots {
		sentBits.AppendBit(s.Sent.Bit.Bool())
		sentBases.AppendBit(s.Sent.Basis.Bool())
		recvBases.AppendBit(s.ReceiverBasis.Bool())
		measured.AppendBit(s.Measured.Bool())
	}
	return
}

// sift keeps the bits at positions where sendBasis and receiveBasis agree.
func sift(bits, sendBasis, receiveBasis bitmap.Dense) (kept bitmap.Dense, indices []int) {
	siftMask := bitmap.XNor(sendBasis, receiveBasis)
	return bitmap.Select(bits, siftMask), bitmap.Ones(siftMask)
}

// without returns bits minus the given positions, which must be sorted.
func without(bits bitmap.Dense, drop []int) bitmap.Dense {
	var r bitmap.Dense
	j := 0
	for i := 0; i < bits.Size(); i++ {
		if j < len(drop) && drop[j] == i {
			j++
			continue
		}
		r.AppendBit(bits.Get(i))
	}
	return r
}
