package photon

import (
	"fmt"
	"math"
	"sync"
)

// InterceptResend wraps an Oracle with an eavesdropper who, for a Rate
// fraction of slots, measures each qubit in a basis of her own choosing and
// re-prepares what she saw. On sifted slots this induces an error rate of
// Rate/4.
type InterceptResend struct {
	Next Oracle
	Rate float64

	mu   sync.Mutex
	coin Coin
	seen int
}

// NewInterceptResend returns an eavesdropper in front of next.
func NewInterceptResend(next Oracle, rate float64, coin Coin) (*InterceptResend, error) {
	if rate < 0 || rate > 1 || math.IsNaN(rate) {
		return nil, fmt.Errorf("intercept rate must lie in [0, 1], got %v", rate)
	}
	if next == nil || coin == nil {
		return nil, fmt.Errorf("intercept-resend needs an oracle and a coin")
	}
	return &InterceptResend{Next: next, Rate: rate, coin: coin}, nil
}

// Intercepted returns the number of qubits Eve has measured so far.
func (e *InterceptResend) Intercepted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen
}

// Transmit implements the Oracle interface.
func (e *InterceptResend) Transmit(enc Encoding, measure Basis) (Bit, error) {
	e.mu.Lock()
	intercept := e.Rate > 0 && e.coin.Float64() < e.Rate
	var eveBasis Basis
	if intercept {
		eveBasis = BasisOf(e.coin.NextBit().Bool())
		e.seen++
	}
	e.mu.Unlock()
	if !intercept {
		return e.Next.Transmit(enc, measure)
	}

	seen, err := e.Next.Transmit(enc, eveBasis)
	if err != nil {
		return 0, fmt.Errorf("intercepting qubit: %w", err)
	}
	return e.Next.Transmit(Encoding{Bit: seen, Basis: eveBasis}, measure)
}
