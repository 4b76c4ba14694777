package bb84

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"reflect"
	"sync"
	"testing"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
	"github.com/alan-christopher/bb84sim/bb84/photon"
	"github.com/alan-christopher/bb84sim/bb84/random"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// countingOracle counts calls and optionally flips the outcome of one slot.
// It assumes sequential dispatch, i.e. Workers == 1.
type countingOracle struct {
	next     photon.Oracle
	flipSlot int

	mu    sync.Mutex
	calls int
}

func (c *countingOracle) Transmit(enc photon.Encoding, measure photon.Basis) (photon.Bit, error) {
	out, err := c.next.Transmit(enc, measure)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == c.flipSlot {
		out = out.Flip()
	}
	c.calls++
	return out, err
}

func newCountingOracle(t *testing.T, flipSlot int) *countingOracle {
	sim, err := photon.NewSimulated(0, random.NewSeeded(99))
	if err != nil {
		t.Fatalf("bugged test setup: %v", err)
	}
	return &countingOracle{next: sim, flipSlot: flipSlot}
}

const (
	dg = photon.Diagonal
	rc = photon.Rectilinear
)

var scriptedBits = []photon.Bit{1, 0, 1, 1, 0, 0, 1, 0, 1, 1}

// scriptedParties returns sources producing sender bases dddddddd++ against
// receiver bases dddddddddd, i.e. exactly eight matching slots. The sender's
// sample choice is scripted to disclose sifted positions {1, 3}.
func scriptedParties() (sender, receiver random.Source) {
	sender = &random.Scripted{
		Bits:     append([]photon.Bit(nil), scriptedBits...),
		Bases:    []photon.Basis{dg, dg, dg, dg, dg, dg, dg, dg, rc, rc},
		Ints:     []int{3, 0},
		Fallback: random.NewSeeded(1),
	}
	receiver = &random.Scripted{
		Bases:    []photon.Basis{dg, dg, dg, dg, dg, dg, dg, dg, dg, dg},
		Fallback: random.NewSeeded(2),
	}
	return sender, receiver
}

func mustSession(t *testing.T, cfg Config, opts Options) *Session {
	t.Helper()
	s, err := NewSession(cfg, opts)
	if err != nil {
		t.Fatalf("NewSession(%+v): %v", cfg, err)
	}
	return s
}

func mustRun(t *testing.T, s *Session) Result {
	t.Helper()
	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	return res
}

func TestSiftKeepsMatchingBases(t *testing.T) {
	sender, receiver := scriptedParties()
	s := mustSession(t, Config{NumSlots: 10}, Options{SenderRand: sender, ReceiverRand: receiver})
	if err := s.Transmit(testContext(t)); err != nil {
		t.Fatalf("Transmit(): %v", err)
	}

	sifted, err := s.Sift()
	if err != nil {
		t.Fatalf("Sift(): %v", err)
	}
	if eIdx := []int{0, 1, 2, 3, 4, 5, 6, 7}; !reflect.DeepEqual(sifted.Indices, eIdx) {
		t.Fatalf("sifted indices == %v, want %v", sifted.Indices, eIdx)
	}
	for i := 0; i < 8; i++ {
		if got, want := sifted.Bits.Get(i), scriptedBits[i].Bool(); got != want {
			t.Errorf("sifted bit %d == %v, want %v", i, got, want)
		}
	}
	if got := s.State(); got != Sifted {
		t.Errorf("State() == %v, want %v", got, Sifted)
	}
}

func TestCleanSampleAccepted(t *testing.T) {
	tcs := []struct {
		name  string
		reuse bool
		eLen  int
	}{
		{"sample excluded", false, 6},
		{"sample reused", true, 8},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			sender, receiver := scriptedParties()
			s := mustSession(t,
				Config{NumSlots: 10, SampleSize: 2, ReuseSampled: tc.reuse},
				Options{SenderRand: sender, ReceiverRand: receiver})
			res := mustRun(t, s)

			if res.Check.Verdict != Accepted || res.Outcome != KeyFinalized || res.Reason != NotDiscarded {
				t.Fatalf("got %v/%v/%v, want Accepted/KeyFinalized/none", res.Check.Verdict, res.Outcome, res.Reason)
			}
			if res.SiftedLen != 8 {
				t.Errorf("SiftedLen == %d, want 8", res.SiftedLen)
			}
			if eSampled := []int{1, 3}; !reflect.DeepEqual(res.Check.Sampled, eSampled) {
				t.Errorf("Sampled == %v, want %v", res.Check.Sampled, eSampled)
			}
			if res.Check.ErrorRate != 0 {
				t.Errorf("ErrorRate == %v, want 0", res.Check.ErrorRate)
			}
			if res.Key.Size() != tc.eLen {
				t.Errorf("key is %d bits, want %d", res.Key.Size(), tc.eLen)
			}
			if got := s.State(); got != KeyFinalized {
				t.Errorf("State() == %v, want %v", got, KeyFinalized)
			}
		})
	}
}

func TestFlippedSlotRejected(t *testing.T) {
	sender, receiver := scriptedParties()
	s := mustSession(t,
		Config{NumSlots: 10, SampleSize: 2},
		Options{SenderRand: sender, ReceiverRand: receiver, Oracle: newCountingOracle(t, 3)})
	res := mustRun(t, s)

	if res.Check.Verdict != Rejected || res.Check.Mismatches != 1 {
		t.Errorf("got verdict %v with %d mismatches, want Rejected with 1", res.Check.Verdict, res.Check.Mismatches)
	}
	if eSlots := []int{1, 3}; !reflect.DeepEqual(res.Check.SampledSlots, eSlots) {
		t.Errorf("SampledSlots == %v, want %v", res.Check.SampledSlots, eSlots)
	}
	if res.Outcome != Discarded || res.Reason != ReasonErrorsDetected {
		t.Errorf("got %v/%v, want Discarded/%v", res.Outcome, res.Reason, ReasonErrorsDetected)
	}
	if res.Key.Size() != 0 {
		t.Errorf("discarded session kept a %d-bit key", res.Key.Size())
	}
	if got := s.State(); got != Discarded {
		t.Errorf("State() == %v, want %v", got, Discarded)
	}
}

func TestZeroSlotsRejected(t *testing.T) {
	oracle := newCountingOracle(t, -1)
	_, err := NewSession(Config{NumSlots: 0}, Options{Oracle: oracle})
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("NewSession() error == %v, want *ConfigurationError", err)
	}
	if cerr.Field != "NumSlots" {
		t.Errorf("Field == %q, want NumSlots", cerr.Field)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle saw %d qubits, want 0", oracle.calls)
	}
}

func TestConfigValidation(t *testing.T) {
	nan := math.NaN()
	tcs := []struct {
		name   string
		cfg    Config
		eField string
	}{
		{"negative slots", Config{NumSlots: -3}, "NumSlots"},
		{"sample exceeds slots", Config{NumSlots: 4, SampleSize: 5}, "SampleSize"},
		{"negative sample", Config{NumSlots: 4, SampleSize: -1}, "SampleSize"},
		{"noise above one", Config{NumSlots: 4, ChannelNoiseRate: 1.5}, "ChannelNoiseRate"},
		{"noise NaN", Config{NumSlots: 4, ChannelNoiseRate: nan}, "ChannelNoiseRate"},
		{"threshold negative", Config{NumSlots: 4, MaxErrorRate: -0.1}, "MaxErrorRate"},
		{"intercept above one", Config{NumSlots: 4, InterceptRate: 2}, "InterceptRate"},
		{"epsilon one", Config{NumSlots: 4, Epsilon: 1}, "Epsilon"},
		{"negative workers", Config{NumSlots: 4, Workers: -1}, "Workers"},
		{"unknown hash", Config{NumSlots: 4, Hash: "md5"}, "Hash"},
		{"unknown policy", Config{NumSlots: 4, LengthPolicy: "half"}, "LengthPolicy"},
		{"valid", Config{NumSlots: 4, SampleSize: 4, ChannelNoiseRate: 1, Hash: "toeplitz"}, ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSession(tc.cfg, Options{})
			if tc.eField == "" {
				if err != nil {
					t.Errorf("NewSession(): %v", err)
				}
				return
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("NewSession() error == %v, want *ConfigurationError", err)
			}
			if cerr.Field != tc.eField {
				t.Errorf("Field == %q, want %q", cerr.Field, tc.eField)
			}
		})
	}
}

func TestProtocolStateErrors(t *testing.T) {
	seed := int64(11)
	cfg := Config{NumSlots: 16, Seed: &seed}
	t.Run("out of order", func(t *testing.T) {
		s := mustSession(t, cfg, Options{})
		_, err := s.Sift()
		var perr *ProtocolStateError
		if !errors.As(err, &perr) {
			t.Fatalf("Sift() error == %v, want *ProtocolStateError", err)
		}
		if perr.State != Created || perr.Want != Transmitted {
			t.Errorf("got State %v Want %v, want Created and Transmitted", perr.State, perr.Want)
		}

		// The violation is fatal: even the legal next step now fails.
		err = s.Transmit(testContext(t))
		if !errors.As(err, &perr) || !perr.Poisoned {
			t.Errorf("Transmit() after a violation == %v, want a poisoned *ProtocolStateError", err)
		}
	})
	t.Run("terminal", func(t *testing.T) {
		s := mustSession(t, cfg, Options{})
		mustRun(t, s)
		if !s.State().Terminal() {
			t.Fatalf("State() == %v after Run, want terminal", s.State())
		}
		var perr *ProtocolStateError
		if _, err := s.Finalize(); !errors.As(err, &perr) {
			t.Errorf("Finalize() from terminal == %v, want *ProtocolStateError", err)
		}
		if _, err := s.Run(testContext(t)); !errors.As(err, &perr) {
			t.Errorf("Run() from terminal == %v, want *ProtocolStateError", err)
		}
	})
	t.Run("twice", func(t *testing.T) {
		s := mustSession(t, cfg, Options{})
		if err := s.Transmit(testContext(t)); err != nil {
			t.Fatalf("Transmit(): %v", err)
		}
		var perr *ProtocolStateError
		if err := s.Transmit(testContext(t)); !errors.As(err, &perr) {
			t.Errorf("second Transmit() == %v, want *ProtocolStateError", err)
		}
	})
}

func TestDegenerateOutcomes(t *testing.T) {
	tcs := []struct {
		name       string
		sendBases  []photon.Basis
		recvBases  []photon.Basis
		sample     int
		eSifted    int
		eReason    DiscardReason
		eNaNErrors bool
	}{
		{
			name:       "no basis match",
			sendBases:  []photon.Basis{rc, rc, rc, rc},
			recvBases:  []photon.Basis{dg, dg, dg, dg},
			sample:     2,
			eSifted:    0,
			eReason:    ReasonNoBasisMatch,
			eNaNErrors: true,
		}, {
			name:      "sample takes everything",
			sendBases: []photon.Basis{dg, dg, dg},
			recvBases: []photon.Basis{dg, dg, dg},
			sample:    3,
			eSifted:   3,
			eReason:   ReasonSampleExhausted,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			sender := &random.Scripted{Bases: tc.sendBases, Fallback: random.NewSeeded(1)}
			receiver := &random.Scripted{Bases: tc.recvBases}
			s := mustSession(t,
				Config{NumSlots: len(tc.sendBases), SampleSize: tc.sample},
				Options{SenderRand: sender, ReceiverRand: receiver})
			res := mustRun(t, s)

			if res.SiftedLen != tc.eSifted {
				t.Errorf("SiftedLen == %d, want %d", res.SiftedLen, tc.eSifted)
			}
			if res.Check.Verdict != Accepted {
				t.Errorf("Verdict == %v, want Accepted", res.Check.Verdict)
			}
			if got := math.IsNaN(res.Check.ErrorRate); got != tc.eNaNErrors {
				t.Errorf("ErrorRate == %v, want NaN: %v", res.Check.ErrorRate, tc.eNaNErrors)
			}
			if res.Outcome != Discarded || res.Reason != tc.eReason {
				t.Errorf("got %v/%v, want Discarded/%v", res.Outcome, res.Reason, tc.eReason)
			}
		})
	}
}

func TestSiftedLengthMatchesBases(t *testing.T) {
	const (
		sessions = 200
		slots    = 100
	)
	total := 0
	for i := 0; i < sessions; i++ {
		seed := int64(i)
		s := mustSession(t, Config{NumSlots: slots, Seed: &seed}, Options{})
		if err := s.Transmit(testContext(t)); err != nil {
			t.Fatalf("Transmit(): %v", err)
		}
		matches := 0
		for _, sl := range s.Slots() {
			if sl.Sent.Basis == sl.ReceiverBasis {
				matches++
			}
		}
		sifted, err := s.Sift()
		if err != nil {
			t.Fatalf("Sift(): %v", err)
		}
		if sifted.Len() != matches {
			t.Fatalf("session %d: sifted %d bits from %d matching bases", i, sifted.Len(), matches)
		}
		total += sifted.Len()
	}
	// Mean of 20000 fair coin flips: sd 0.35 per session.
	if mean := float64(total) / sessions; math.Abs(mean-slots/2) > 2.5 {
		t.Errorf("mean sifted length %v, want within 2.5 of %d", mean, slots/2)
	}
}

func TestSeededReproducible(t *testing.T) {
	seed := int64(2024)
	run := func(workers int) Result {
		return mustRun(t, mustSession(t, Config{NumSlots: 512, SampleSize: 32, Seed: &seed, Workers: workers}, Options{}))
	}
	a, b, c := run(1), run(1), run(8)
	if a.Outcome != KeyFinalized {
		t.Fatalf("Outcome == %v, want KeyFinalized", a.Outcome)
	}
	if !bitmap.Equal(a.Key, b.Key) {
		t.Errorf("same seed gave keys %v and %v", a.Key, b.Key)
	}
	// Mismatched-basis outcomes depend on dispatch order, but sifting drops
	// them, so the noiseless key is unaffected.
	if !bitmap.Equal(a.Key, c.Key) {
		t.Errorf("parallel dispatch changed the key")
	}
	if !reflect.DeepEqual(a.Check.Sampled, c.Check.Sampled) {
		t.Errorf("parallel dispatch changed the sample: %v vs %v", a.Check.Sampled, c.Check.Sampled)
	}
}

func TestEavesdropperDetected(t *testing.T) {
	seed := int64(8)
	res := mustRun(t, mustSession(t, Config{NumSlots: 800, SampleSize: 200, InterceptRate: 1, Seed: &seed}, Options{}))
	if res.Stats.Intercepted != 800 {
		t.Errorf("Intercepted == %d, want 800", res.Stats.Intercepted)
	}
	if res.Check.Verdict != Rejected || res.Reason != ReasonErrorsDetected {
		t.Errorf("got %v/%v, want Rejected/%v", res.Check.Verdict, res.Reason, ReasonErrorsDetected)
	}
	if math.Abs(res.Check.ErrorRate-0.25) > 0.12 {
		t.Errorf("ErrorRate == %v, want about 0.25", res.Check.ErrorRate)
	}
}

func TestNoiseToleratedByThreshold(t *testing.T) {
	seed := int64(9)
	res := mustRun(t, mustSession(t, Config{
		NumSlots:         2000,
		SampleSize:       200,
		ChannelNoiseRate: 0.02,
		MaxErrorRate:     0.1,
		Seed:             &seed,
	}, Options{}))
	if res.Check.Verdict != Accepted || res.Outcome != KeyFinalized {
		t.Fatalf("got %v/%v, want Accepted/KeyFinalized", res.Check.Verdict, res.Outcome)
	}
	if res.Check.ErrorRate >= 0.1 {
		t.Errorf("ErrorRate == %v, want below 0.1", res.Check.ErrorRate)
	}
	if res.Check.UpperBound <= res.Check.ErrorRate {
		t.Errorf("UpperBound %v not above ErrorRate %v", res.Check.UpperBound, res.Check.ErrorRate)
	}
}

func TestLeakagePolicy(t *testing.T) {
	tcs := []struct {
		name  string
		reuse bool
	}{
		{"sample excluded", false},
		{"sample reused", true},
	}
	lens := map[bool]int{}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			seed := int64(10)
			res := mustRun(t, mustSession(t, Config{
				NumSlots:     4000,
				SampleSize:   1000,
				Hash:         "toeplitz",
				LengthPolicy: "leakage",
				ReuseSampled: tc.reuse,
				Seed:         &seed,
			}, Options{}))
			if res.Outcome != KeyFinalized {
				t.Fatalf("Outcome == %v (%v), want KeyFinalized", res.Outcome, res.Reason)
			}
			undisclosed := res.SiftedLen - res.Check.SampleSize
			if res.Key.Size() <= 0 || res.Key.Size() >= undisclosed {
				t.Errorf("key is %d bits, want in (0, %d)", res.Key.Size(), undisclosed)
			}
			lens[tc.reuse] = res.Key.Size()
		})
	}
	// Keeping the disclosed bits in the material must not buy any length.
	if lens[true] != lens[false] {
		t.Errorf("reused sample gave a %d-bit key, excluded gave %d", lens[true], lens[false])
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	results []Result
}

func (o *recordingObserver) Observe(r Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func TestConcurrentSessions(t *testing.T) {
	obs := &recordingObserver{}
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := NewSession(Config{NumSlots: 256, SampleSize: 16, Workers: 4}, Options{Observer: obs})
			if err != nil {
				errs <- err
				return
			}
			if _, err := s.Run(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("session failed: %v", err)
	}

	if len(obs.results) != 16 {
		t.Fatalf("observed %d results, want 16", len(obs.results))
	}
	ids := map[string]bool{}
	for _, r := range obs.results {
		if ids[r.ID] {
			t.Errorf("duplicate session id %s", r.ID)
		}
		ids[r.ID] = true
		if r.Outcome != KeyFinalized {
			t.Errorf("%s: Outcome == %v, want KeyFinalized", r.ID, r.Outcome)
		}
	}
}

// checkScriptedAnnouncements verifies the four messages a scriptedParties
// session with a two-bit sample announces.
func checkScriptedAnnouncements(t *testing.T, msgs []Message) {
	t.Helper()
	if len(msgs) != 4 {
		t.Fatalf("got %d announcements, want 4", len(msgs))
	}
	tcs := []struct {
		name  string
		check func(m Message) bool
	}{
		{"receiver bases", func(m Message) bool {
			ba, ok := m.(*BasisAnnouncement)
			return ok && ba.From == Receiver && ba.Bases.String() == "1111111111"
		}},
		{"sender bases", func(m Message) bool {
			ba, ok := m.(*BasisAnnouncement)
			return ok && ba.From == Sender && ba.Bases.String() == "1111111100"
		}},
		{"sample", func(m Message) bool {
			sd, ok := m.(*SampleDisclosure)
			return ok && reflect.DeepEqual(sd.Positions, []int{1, 3}) && sd.Bits.String() == "01"
		}},
		{"verdict", func(m Message) bool {
			va, ok := m.(*VerdictAnnouncement)
			return ok && va.Verdict == Accepted && va.SampleSize == 2
		}},
	}
	for i, tc := range tcs {
		if !tc.check(msgs[i]) {
			t.Errorf("announcement %d (%s) == %+v", i, tc.name, msgs[i])
		}
	}
}

func TestTranscriptContents(t *testing.T) {
	sender, receiver := scriptedParties()
	tr := &Transcript{}
	res := mustRun(t, mustSession(t,
		Config{NumSlots: 10, SampleSize: 2},
		Options{SenderRand: sender, ReceiverRand: receiver, Channel: tr}))
	checkScriptedAnnouncements(t, tr.Messages())
	if res.Stats.MessagesSent != 4 {
		t.Errorf("MessagesSent == %d, want 4", res.Stats.MessagesSent)
	}
}

func TestSessionOverFramedPipe(t *testing.T) {
	secret := make([]byte, 4096)
	rand.New(rand.NewSource(4)).Read(secret)
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	alice, bob := testFramers(t, local, remote, secret, secret)

	type read struct {
		m   Message
		err error
	}
	reads := make(chan read, 4)
	go func() {
		for i := 0; i < 4; i++ {
			m, err := bob.Read()
			reads <- read{m, err}
			if err != nil {
				return
			}
		}
	}()

	sender, receiver := scriptedParties()
	res := mustRun(t, mustSession(t,
		Config{NumSlots: 10, SampleSize: 2},
		Options{SenderRand: sender, ReceiverRand: receiver, Channel: alice}))
	if res.Outcome != KeyFinalized {
		t.Fatalf("Outcome == %v, want KeyFinalized", res.Outcome)
	}

	var msgs []Message
	for i := 0; i < 4; i++ {
		r := <-reads
		if r.err != nil {
			t.Fatalf("reading frame %d: %v", i, r.err)
		}
		msgs = append(msgs, r.m)
	}
	checkScriptedAnnouncements(t, msgs)

	want := 0
	for _, m := range msgs {
		// length prefix, payload, 40-bit tag
		want += 4 + len(Marshal(m)) + 5
	}
	if res.Stats.BytesSent != want {
		t.Errorf("BytesSent == %d, want %d", res.Stats.BytesSent, want)
	}
}

// blockingAnnouncer holds every announcement until release is closed.
type blockingAnnouncer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAnnouncer) Announce(m Message) (int, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return len(Marshal(m)), nil
}

func TestStateReadableWhileAnnouncing(t *testing.T) {
	ann := &blockingAnnouncer{entered: make(chan struct{}), release: make(chan struct{})}
	seed := int64(3)
	s := mustSession(t, Config{NumSlots: 10, Seed: &seed}, Options{Channel: ann})

	done := make(chan error, 1)
	go func() { done <- s.Transmit(testContext(t)) }()
	<-ann.entered

	if got := s.State(); got != Created {
		t.Errorf("State() while announcing == %v, want %v", got, Created)
	}
	if got := len(s.Slots()); got != 10 {
		t.Errorf("Slots() while announcing has %d entries, want 10", got)
	}
	if _, ok := s.Result(); ok {
		t.Errorf("Result() reported a finished session mid-Transmit")
	}

	close(ann.release)
	if err := <-done; err != nil {
		t.Fatalf("Transmit(): %v", err)
	}
	if got := s.State(); got != Transmitted {
		t.Errorf("State() == %v, want %v", got, Transmitted)
	}
}

func TestOracleFailureIsFatal(t *testing.T) {
	s := mustSession(t, Config{NumSlots: 8}, Options{Oracle: failingOracle{}})
	if err := s.Transmit(testContext(t)); !errors.Is(err, errDetector) {
		t.Fatalf("Transmit() == %v, want %v", err, errDetector)
	}
	var perr *ProtocolStateError
	if err := s.Transmit(testContext(t)); !errors.As(err, &perr) {
		t.Errorf("Transmit() after failure == %v, want *ProtocolStateError", err)
	}
}

var errDetector = errors.New("detector offline")

type failingOracle struct{}

func (failingOracle) Transmit(photon.Encoding, photon.Basis) (photon.Bit, error) {
	return 0, errDetector
}
