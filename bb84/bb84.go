// Package bb84 simulates a BB84 key exchange between two parties and distils
// a short shared secret from it: qubits are sent through a photon.Oracle,
// bases are sifted, a disclosed sample is checked for errors and the
// surviving bits are compressed by privacy amplification.
package bb84

import (
	"math"

	"gopkg.in/op/go-logging.v1"

	"github.com/alan-christopher/bb84sim/bb84/photon"
	"github.com/alan-christopher/bb84sim/bb84/random"
)

var (
	DefaultEpsilon      = 1e-12
	DefaultHash         = "sha256"
	DefaultLengthPolicy = "full"
	DefaultWorkers      = 1
)

// Stats packages together a collection of potentially interesting metrics
// pertaining to a BB84 session.
type Stats struct {
	QBER         float64
	MessagesSent int
	BytesSent    int
	// Intercepted counts qubits an eavesdropper measured, when one is
	// simulated.
	Intercepted int
}

// A Config describes one session. The zero value of every optional field
// selects its default; NumSlots has none.
type Config struct {
	// NumSlots is the number of qubits exchanged. Must be positive.
	NumSlots int

	// SampleSize is the number of sifted bits disclosed for error
	// estimation. Must lie in [0, NumSlots]; it is further clamped to the
	// sifted key length at run time.
	SampleSize int

	// ChannelNoiseRate is the probability that a matched-basis measurement
	// comes out flipped. Must lie in [0, 1].
	ChannelNoiseRate float64

	// Seed makes the session reproducible. A nil Seed draws every party's
	// randomness from crypto/rand.
	Seed *int64

	// MaxErrorRate is the highest observed sample error rate that is still
	// accepted. The default of zero aborts on any disclosed mismatch.
	MaxErrorRate float64

	// ReuseSampled keeps disclosed sample bits in the key material, as the
	// simplest textbook presentation of BB84 does. The default removes
	// them before privacy amplification.
	ReuseSampled bool

	// Hash names the compression primitive used for privacy amplification.
	// Defaults to DefaultHash; see CompressorByName.
	Hash string

	// LengthPolicy is "full" (keep min(len(key), hash output) bits) or
	// "leakage" (also subtract the disclosed sample and a bound on Eve's
	// information). Under "leakage" the key never outgrows the undisclosed
	// sifted bits, even with ReuseSampled. Defaults to DefaultLengthPolicy.
	LengthPolicy string

	// Epsilon is the failure probability used for the error-rate bound and
	// the leakage policy. Defaults to DefaultEpsilon.
	Epsilon float64

	// Workers is the number of goroutines dispatching oracle calls. Only
	// Workers == 1 keeps noisy seeded runs bit-for-bit reproducible.
	// Defaults to DefaultWorkers.
	Workers int

	// InterceptRate simulates an intercept-resend eavesdropper on this
	// fraction of qubits. Must lie in [0, 1]; ignored when Options.Oracle
	// is set.
	InterceptRate float64
}

// An Observer is notified of every finished session.
type Observer interface {
	Observe(Result)
}

// Options carries the collaborators of a session. Every field may be left
// nil, in which case NewSession builds a default from the Config.
type Options struct {
	// SenderRand and ReceiverRand are the two parties' private randomness.
	// The sender's source also chooses the disclosed sample.
	SenderRand   random.Source
	ReceiverRand random.Source

	// Oracle carries qubits from sender to receiver.
	Oracle photon.Oracle

	// Channel receives every classical announcement. Defaults to a fresh
	// Transcript.
	Channel Announcer

	Observer Observer
	Log      *logging.Logger
}

// withDefaults fills in zero-valued optional fields and validates the result.
func (c Config) withDefaults() (Config, error) {
	if c.Hash == "" {
		c.Hash = DefaultHash
	}
	if c.LengthPolicy == "" {
		c.LengthPolicy = DefaultLengthPolicy
	}
	if c.Epsilon == 0 {
		c.Epsilon = DefaultEpsilon
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	return c, c.validate()
}

// Validate reports whether c, with defaults applied, describes a runnable
// session. It returns a *ConfigurationError otherwise.
func (c Config) Validate() error {
	_, err := c.withDefaults()
	return err
}

func (c Config) validate() error {
	if c.NumSlots <= 0 {
		return configErr("NumSlots", "must be positive, got %d", c.NumSlots)
	}
	if c.SampleSize < 0 || c.SampleSize > c.NumSlots {
		return configErr("SampleSize", "must lie in [0, %d], got %d", c.NumSlots, c.SampleSize)
	}
	if !unitInterval(c.ChannelNoiseRate) {
		return configErr("ChannelNoiseRate", "must lie in [0, 1], got %v", c.ChannelNoiseRate)
	}
	if !unitInterval(c.MaxErrorRate) {
		return configErr("MaxErrorRate", "must lie in [0, 1], got %v", c.MaxErrorRate)
	}
	if !unitInterval(c.InterceptRate) {
		return configErr("InterceptRate", "must lie in [0, 1], got %v", c.InterceptRate)
	}
	if !(c.Epsilon > 0 && c.Epsilon < 1) {
		return configErr("Epsilon", "must lie in (0, 1), got %v", c.Epsilon)
	}
	if c.Workers < 0 {
		return configErr("Workers", "must not be negative, got %d", c.Workers)
	}
	if _, err := CompressorByName(c.Hash); err != nil {
		return configErr("Hash", "%v", err)
	}
	if c.LengthPolicy != "full" && c.LengthPolicy != "leakage" {
		return configErr("LengthPolicy", "unknown policy %q", c.LengthPolicy)
	}
	return nil
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// partySources builds the default randomness for each party. Seeded sessions
// derive one independent stream per party from the session seed.
func (c Config) partySources() (sender, receiver, channel, eve random.Source) {
	if c.Seed == nil {
		return random.NewCrypto(), random.NewCrypto(), random.NewCrypto(), random.NewCrypto()
	}
	s := *c.Seed
	return random.NewSeeded(random.Derive(s, "sender")),
		random.NewSeeded(random.Derive(s, "receiver")),
		random.NewSeeded(random.Derive(s, "channel")),
		random.NewSeeded(random.Derive(s, "eve"))
}
