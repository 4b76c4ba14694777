// Package random provides the classical randomness consumed by both parties
// of a BB84 exchange. Every Source is owned by one party of one session and
// is not safe for concurrent use.
package random

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/alan-christopher/bb84sim/bb84/photon"
)

// A Source produces uniformly distributed, independent values.
type Source interface {
	NextBit() photon.Bit
	NextBasis() photon.Basis
	// Intn returns a uniform value in [0, n). It panics if n <= 0.
	Intn(n int) int
	// Float64 returns a uniform value in [0, 1).
	Float64() float64
}

// Seeded is a reproducible, pseudo-random Source. It must not be used where
// unconditional security is required.
type Seeded struct {
	r *rand.Rand

	cache uint64
	left  int
}

// NewSeeded returns a Seeded source initialised from seed.
func NewSeeded(seed int64) *Seeded {
	return &Seeded{r: rand.New(rand.NewSource(seed))}
}

// NextBit implements the Source interface.
func (s *Seeded) NextBit() photon.Bit {
	if s.left == 0 {
		s.cache = uint64(s.r.Int63())
		s.left = 63
	}
	b := photon.Bit(s.cache & 1)
	s.cache >>= 1
	s.left--
	return b
}

// NextBasis implements the Source interface.
func (s *Seeded) NextBasis() photon.Basis {
	return photon.BasisOf(s.NextBit().Bool())
}

// Intn implements the Source interface.
func (s *Seeded) Intn(n int) int {
	return s.r.Intn(n)
}

// Float64 implements the Source interface.
func (s *Seeded) Float64() float64 {
	return s.r.Float64()
}

// Derive deterministically maps a session seed and a party label to a fresh
// seed, so that the streams of different parties never coincide.
func Derive(seed int64, label string) int64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seed))
	h := sha256.New()
	h.Write(buf[:])
	h.Write([]byte(label))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)[:8]))
}
