package random

import "github.com/alan-christopher/bb84sim/bb84/photon"

// Scripted replays fixed values before deferring to Fallback. It exists to
// pin down concrete protocol runs, e.g. exact basis sequences.
type Scripted struct {
	Bits   []photon.Bit
	Bases  []photon.Basis
	Ints   []int
	Floats []float64

	// Fallback serves every request once the matching script runs dry. A
	// nil Fallback panics instead.
	Fallback Source
}

func (s *Scripted) fallback() Source {
	if s.Fallback == nil {
		panic("random: scripted source exhausted")
	}
	return s.Fallback
}

// NextBit implements the Source interface.
func (s *Scripted) NextBit() photon.Bit {
	if len(s.Bits) == 0 {
		return s.fallback().NextBit()
	}
	b := s.Bits[0]
	s.Bits = s.Bits[1:]
	return b
}

// NextBasis implements the Source interface.
func (s *Scripted) NextBasis() photon.Basis {
	if len(s.Bases) == 0 {
		return s.fallback().NextBasis()
	}
	b := s.Bases[0]
	s.Bases = s.Bases[1:]
	return b
}

// Intn implements the Source interface. Scripted values are reduced mod n.
func (s *Scripted) Intn(n int) int {
	if n <= 0 {
		panic("random: invalid argument to Intn")
	}
	if len(s.Ints) == 0 {
		return s.fallback().Intn(n)
	}
	v := s.Ints[0]
	s.Ints = s.Ints[1:]
	return ((v % n) + n) % n
}

// Float64 implements the Source interface.
func (s *Scripted) Float64() float64 {
	if len(s.Floats) == 0 {
		return s.fallback().Float64()
	}
	f := s.Floats[0]
	s.Floats = s.Floats[1:]
	return f
}
