package bb84

import (
	"context"
	"fmt"
	"io"
	"sync"

	nanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
	"github.com/alan-christopher/bb84sim/bb84/photon"
	"github.com/alan-christopher/bb84sim/bb84/random"
)

// A State is a step of the session state machine:
//
//	Created -> Transmitted -> Sifted -> ErrorChecked -> {KeyFinalized | Discarded}
type State int

const (
	Created State = iota
	Transmitted
	Sifted
	ErrorChecked
	KeyFinalized
	Discarded
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Transmitted:
		return "Transmitted"
	case Sifted:
		return "Sifted"
	case ErrorChecked:
		return "ErrorChecked"
	case KeyFinalized:
		return "KeyFinalized"
	case Discarded:
		return "Discarded"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == KeyFinalized || s == Discarded
}

// A DiscardReason explains why a session ended without a key.
type DiscardReason int

const (
	NotDiscarded DiscardReason = iota
	// ReasonErrorsDetected: the disclosed sample exceeded MaxErrorRate.
	ReasonErrorsDetected
	// ReasonNoBasisMatch: sifting kept nothing.
	ReasonNoBasisMatch
	// ReasonSampleExhausted: the disclosed sample consumed every sifted bit.
	ReasonSampleExhausted
	// ReasonLeakageExceeded: the length policy left no secret bits.
	ReasonLeakageExceeded
)

func (r DiscardReason) String() string {
	switch r {
	case NotDiscarded:
		return "none"
	case ReasonErrorsDetected:
		return "errors-detected"
	case ReasonNoBasisMatch:
		return "no-basis-match"
	case ReasonSampleExhausted:
		return "sample-exhausted"
	case ReasonLeakageExceeded:
		return "leakage-exceeded"
	}
	return fmt.Sprintf("DiscardReason(%d)", int(r))
}

// A Result summarises a finished session. Key is set iff Outcome is
// KeyFinalized; it is the only secret that leaves the session.
type Result struct {
	ID        string
	Outcome   State
	Reason    DiscardReason
	Key       bitmap.Dense
	Slots     int
	SiftedLen int
	Check     ErrorCheckResult
	Stats     Stats
}

// A Session runs one BB84 exchange. Its transitions must be invoked in
// order, each exactly once; Run does so. A Session is safe for concurrent
// use, though concurrent transitions only serialise and all but one fail.
//
// Announcements are made without holding the lock that State, Slots and
// Result take, so a slow Announcer delays only the next transition.
type Session struct {
	// op serialises transitions. mu guards state, failed, slots and result,
	// which transitions write only while holding both.
	op     sync.Mutex
	mu     sync.Mutex
	cfg    Config
	id     string
	state  State
	failed bool

	sender, receiver random.Source
	oracle           photon.Oracle
	eve              *photon.InterceptResend
	channel          Announcer
	observer         Observer
	log              *logging.Logger
	estimator        Estimator
	amplifier        Amplifier

	slots     []Slot
	sifted    SiftedKey
	reference bitmap.Dense
	check     ErrorCheckResult
	result    Result
	stats     Stats
}

// NewSession validates cfg and returns a session in state Created. A
// *ConfigurationError is returned for invalid parameters; no qubit is sent.
func NewSession(cfg Config, opts Options) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	comp, err := CompressorByName(cfg.Hash)
	if err != nil {
		return nil, configErr("Hash", "%v", err)
	}
	id, err := nanoid.Generate(idAlphabet, idLength)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	s := &Session{
		cfg:       cfg,
		id:        idPrefix + id,
		sender:    opts.SenderRand,
		receiver:  opts.ReceiverRand,
		oracle:    opts.Oracle,
		channel:   opts.Channel,
		observer:  opts.Observer,
		log:       opts.Log,
		amplifier: Amplifier{Compressor: comp},
	}
	sender, receiver, chanRand, eveRand := cfg.partySources()
	if s.sender == nil {
		s.sender = sender
	}
	if s.receiver == nil {
		s.receiver = receiver
	}
	if s.oracle == nil {
		sim, err := photon.NewSimulated(cfg.ChannelNoiseRate, chanRand)
		if err != nil {
			return nil, configErr("ChannelNoiseRate", "%v", err)
		}
		s.oracle = sim
		if cfg.InterceptRate > 0 {
			s.eve, err = photon.NewInterceptResend(sim, cfg.InterceptRate, eveRand)
			if err != nil {
				return nil, configErr("InterceptRate", "%v", err)
			}
			s.oracle = s.eve
		}
	}
	if s.channel == nil {
		s.channel = &Transcript{}
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	s.estimator = Estimator{
		Rand:         s.sender,
		MaxErrorRate: cfg.MaxErrorRate,
		Epsilon:      cfg.Epsilon,
	}
	return s, nil
}

const (
	idPrefix    = "qs-"
	idAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength    = 12
	loggerLabel = "bb84"
)

func discardLogger() *logging.Logger {
	l := logging.MustGetLogger(loggerLabel)
	l.SetBackend(logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0)))
	return l
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Config returns the session's configuration with defaults applied.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Slots returns a copy of the transmitted slots.
func (s *Session) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Slot(nil), s.slots...)
}

// Result returns the outcome of a finished session, and false if the session
// has not reached a terminal state.
func (s *Session) Result() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.state.Terminal()
}

// begin checks that op may run from state from, poisoning the session if not.
// Callers hold s.op.
func (s *Session) begin(op string, from State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return &ProtocolStateError{Op: op, State: s.state, Want: from, Poisoned: true}
	}
	if s.state != from {
		s.failed = true
		s.log.Errorf("%s: %s attempted from %v", s.id, op, s.state)
		return &ProtocolStateError{Op: op, State: s.state, Want: from}
	}
	return nil
}

func (s *Session) fail() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

func (s *Session) advance(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

func (s *Session) announce(m Message) error {
	n, err := s.channel.Announce(m)
	if err != nil {
		return fmt.Errorf("announcing %T: %w", m, err)
	}
	s.stats.MessagesSent++
	s.stats.BytesSent += n
	return nil
}

// Transmit prepares, sends and measures every slot. Preparation draws from
// the party sources in slot order; oracle calls are then spread over
// Config.Workers goroutines and joined before Transmit returns. Both parties
// then announce their bases. A failure leaves the session unusable.
func (s *Session) Transmit(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.begin("Transmit", Created); err != nil {
		return err
	}

	slots := make([]Slot, s.cfg.NumSlots)
	for i := range slots {
		slots[i].Sent = photon.Encoding{Bit: s.sender.NextBit(), Basis: s.sender.NextBasis()}
		slots[i].ReceiverBasis = s.receiver.NextBasis()
	}
	if err := s.dispatch(ctx, slots); err != nil {
		s.fail()
		return err
	}
	s.mu.Lock()
	s.slots = slots
	s.mu.Unlock()
	if s.eve != nil {
		s.stats.Intercepted = s.eve.Intercepted()
	}

	_, sentBases, recvBases, _ := columns(slots)
	if err := s.announce(&BasisAnnouncement{From: Receiver, Bases: recvBases}); err != nil {
		s.fail()
		return err
	}
	if err := s.announce(&BasisAnnouncement{From: Sender, Bases: sentBases}); err != nil {
		s.fail()
		return err
	}
	s.advance(Transmitted)
	s.log.Debugf("%s: transmitted %d slots", s.id, len(slots))
	return nil
}

func (s *Session) dispatch(ctx context.Context, slots []Slot) error {
	workers := min(s.cfg.Workers, len(slots))
	chunk := (len(slots) + workers - 1) / workers
	g, ctx := errgroup.WithContext(ctx)
	for lo := 0; lo < len(slots); lo += chunk {
		lo := lo
		hi := min(lo+chunk, len(slots))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				out, err := s.oracle.Transmit(slots[i].Sent, slots[i].ReceiverBasis)
				if err != nil {
					return fmt.Errorf("transmitting slot %d: %w", i, err)
				}
				slots[i].Measured = out
			}
			return nil
		})
	}
	return g.Wait()
}

// Sift keeps the slots where both parties chose the same basis. An empty
// result is a valid outcome, not an error.
func (s *Session) Sift() (SiftedKey, error) {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.begin("Sift", Transmitted); err != nil {
		return SiftedKey{}, err
	}

	sentBits, sentBases, recvBases, measured := columns(s.slots)
	bits, indices := sift(measured, sentBases, recvBases)
	s.reference, _ = sift(sentBits, sentBases, recvBases)
	s.sifted = SiftedKey{Bits: bits, Indices: indices}
	s.advance(Sifted)
	s.log.Debugf("%s: sifted %d of %d slots", s.id, bits.Size(), len(s.slots))
	return s.copySifted(), nil
}

func (s *Session) copySifted() SiftedKey {
	return SiftedKey{Bits: s.sifted.Bits.Clone(), Indices: append([]int(nil), s.sifted.Indices...)}
}

// CheckErrors discloses a sample of min(SampleSize, sifted length) bits and
// decides whether the key can be trusted.
func (s *Session) CheckErrors() (ErrorCheckResult, error) {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.begin("CheckErrors", Sifted); err != nil {
		return ErrorCheckResult{}, err
	}

	r := s.estimator.Estimate(s.sifted, s.cfg.SampleSize, s.reference)
	var disclosed bitmap.Dense
	for _, p := range r.Sampled {
		disclosed.AppendBit(s.reference.Get(p))
	}
	if err := s.announce(&SampleDisclosure{Positions: r.Sampled, Bits: disclosed}); err != nil {
		s.fail()
		return ErrorCheckResult{}, err
	}
	err := s.announce(&VerdictAnnouncement{Verdict: r.Verdict, Mismatches: r.Mismatches, SampleSize: r.SampleSize})
	if err != nil {
		s.fail()
		return ErrorCheckResult{}, err
	}
	s.check = r
	s.stats.QBER = r.ErrorRate
	s.advance(ErrorChecked)
	s.log.Infof("%s: sample of %d bits, %d mismatches, verdict %v", s.id, r.SampleSize, r.Mismatches, r.Verdict)
	return r, nil
}

// Finalize amplifies an accepted key or discards the session, and reports
// the Result to the Observer.
func (s *Session) Finalize() (Result, error) {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.begin("Finalize", ErrorChecked); err != nil {
		return Result{}, err
	}

	res := Result{
		ID:        s.id,
		Slots:     len(s.slots),
		SiftedLen: s.sifted.Len(),
		Check:     s.check,
	}
	switch {
	case s.check.Verdict == Rejected:
		res.Reason = ReasonErrorsDetected
	case s.sifted.Len() == 0:
		res.Reason = ReasonNoBasisMatch
	default:
		key, reason, err := s.amplify()
		if err != nil {
			s.fail()
			return Result{}, err
		}
		res.Key, res.Reason = key, reason
	}

	if res.Reason == NotDiscarded {
		res.Outcome = KeyFinalized
		s.log.Infof("%s: finalized %d-bit key from %d sifted bits", s.id, res.Key.Size(), res.SiftedLen)
	} else {
		res.Outcome = Discarded
		s.log.Noticef("%s: discarded: %v", s.id, res.Reason)
	}
	res.Stats = s.stats
	s.mu.Lock()
	s.result = res
	s.state = res.Outcome
	s.mu.Unlock()
	if s.observer != nil {
		s.observer.Observe(res)
	}
	return res, nil
}

func (s *Session) amplify() (bitmap.Dense, DiscardReason, error) {
	material := s.sifted.Bits
	if !s.cfg.ReuseSampled {
		material = without(material, s.check.Sampled)
	}
	if material.Size() == 0 {
		return bitmap.Empty(), ReasonSampleExhausted, nil
	}
	policy := FullLength
	if s.cfg.LengthPolicy == "leakage" {
		policy = LeakageBound(s.check.ErrorRate, s.cfg.Epsilon, s.check.SampleSize)
		if s.cfg.ReuseSampled {
			policy = LessDisclosed(policy, s.check.SampleSize)
		}
	}
	key, err := s.amplifier.Amplify(material, policy)
	if err != nil {
		return bitmap.Empty(), NotDiscarded, err
	}
	if key.Size() == 0 {
		return bitmap.Empty(), ReasonLeakageExceeded, nil
	}
	return key, NotDiscarded, nil
}

// Run drives the session from Created to a terminal state.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if err := s.Transmit(ctx); err != nil {
		return Result{}, err
	}
	if _, err := s.Sift(); err != nil {
		return Result{}, err
	}
	if _, err := s.CheckErrors(); err != nil {
		return Result{}, err
	}
	return s.Finalize()
}
