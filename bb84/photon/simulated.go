package photon

import (
	"fmt"
	"math"
	"sync"
)

// Simulated is an Oracle that reproduces ideal BB84 measurement statistics,
// optionally flipping matched-basis outcomes with probability NoiseRate to
// model a noisy link.
type Simulated struct {
	noise float64

	mu   sync.Mutex
	coin Coin
}

// NewSimulated returns a Simulated oracle drawing its randomness from coin.
func NewSimulated(noiseRate float64, coin Coin) (*Simulated, error) {
	if noiseRate < 0 || noiseRate > 1 || math.IsNaN(noiseRate) {
		return nil, fmt.Errorf("noise rate must lie in [0, 1], got %v", noiseRate)
	}
	if coin == nil {
		return nil, fmt.Errorf("simulated oracle needs a coin")
	}
	return &Simulated{noise: noiseRate, coin: coin}, nil
}

// NoiseRate returns the configured flip probability.
func (s *Simulated) NoiseRate() float64 {
	return s.noise
}

// Transmit implements the Oracle interface.
func (s *Simulated) Transmit(enc Encoding, measure Basis) (Bit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enc.Basis != measure {
		return s.coin.NextBit(), nil
	}
	if s.noise > 0 && s.coin.Float64() < s.noise {
		return enc.Bit.Flip(), nil
	}
	return enc.Bit, nil
}
