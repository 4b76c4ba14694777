// Package photon provides the quantum half of a BB84 exchange: the values a
// sender encodes onto a qubit, and the Oracle through which a receiver
// measures it.
package photon

import "fmt"

// A Bit is the logical value carried by one qubit.
type Bit uint8

const (
	Zero Bit = 0
	One  Bit = 1
)

// Bool reports whether b is One.
func (b Bit) Bool() bool {
	return b == One
}

// Flip returns the opposite bit.
func (b Bit) Flip() Bit {
	return b ^ 1
}

// BitOf converts a bool into a Bit.
func BitOf(v bool) Bit {
	if v {
		return One
	}
	return Zero
}

// A Basis names the polarization scheme used to prepare or measure a qubit.
// Bases carry no meaning beyond equality.
type Basis uint8

const (
	Rectilinear Basis = 0
	Diagonal    Basis = 1
)

// Bool maps Diagonal to true, for packing bases into a bitmap.
func (b Basis) Bool() bool {
	return b == Diagonal
}

// BasisOf is the inverse of Basis.Bool.
func BasisOf(v bool) Basis {
	if v {
		return Diagonal
	}
	return Rectilinear
}

func (b Basis) String() string {
	switch b {
	case Rectilinear:
		return "+"
	case Diagonal:
		return "x"
	}
	return fmt.Sprintf("Basis(%d)", uint8(b))
}

// An Encoding is the (bit, basis) pair a sender prepares for one slot.
type Encoding struct {
	Bit   Bit
	Basis Basis
}

// An Oracle transmits one prepared qubit and measures it in the receiver's
// basis. A hardware driver replaces the simulated Oracle with one that
// offers the same statistics:
//   - when enc.Basis == measure, the result is enc.Bit;
//   - otherwise the result is uniformly random and independent of enc.Bit.
//
// Implementations must be safe for concurrent use; calls are independent.
type Oracle interface {
	Transmit(enc Encoding, measure Basis) (Bit, error)
}

// A Coin is the randomness an Oracle simulation consumes.
type Coin interface {
	NextBit() Bit
	Float64() float64
}
