package bb84

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
)

// A Party names one side of the exchange.
type Party uint8

const (
	Sender   Party = 1
	Receiver Party = 2
)

func (p Party) String() string {
	switch p {
	case Sender:
		return "sender"
	case Receiver:
		return "receiver"
	}
	return fmt.Sprintf("Party(%d)", uint8(p))
}

// A Message is one public announcement on the classical channel. The channel
// is assumed authenticated but not confidential.
type Message interface {
	field() protowire.Number
	appendBody(b []byte) []byte
}

// BasisAnnouncement publishes the bases one party used, one bit per slot.
type BasisAnnouncement struct {
	From  Party
	Bases bitmap.Dense
}

// SampleDisclosure publishes the sender's bits at the sampled sifted
// positions.
type SampleDisclosure struct {
	Positions []int
	Bits      bitmap.Dense
}

// VerdictAnnouncement publishes the outcome of error estimation.
type VerdictAnnouncement struct {
	Verdict    Verdict
	Mismatches int
	SampleSize int
}

// Envelope field numbers; each message travels as the single populated
// field of an envelope, protobuf-oneof style.
const (
	basisField   protowire.Number = 1
	sampleField  protowire.Number = 2
	verdictField protowire.Number = 3
)

func (m *BasisAnnouncement) field() protowire.Number   { return basisField }
func (m *SampleDisclosure) field() protowire.Number    { return sampleField }
func (m *VerdictAnnouncement) field() protowire.Number { return verdictField }

func (m *BasisAnnouncement) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.From))
	return appendDense(b, 2, m.Bases)
}

func (m *SampleDisclosure) appendBody(b []byte) []byte {
	var packed []byte
	for _, p := range m.Positions {
		packed = protowire.AppendVarint(packed, uint64(p))
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return appendDense(b, 2, m.Bits)
}

func (m *VerdictAnnouncement) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Verdict))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Mismatches))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(m.SampleSize))
}

// appendDense encodes d as a nested {1: bytes bits, 2: varint len} message.
func appendDense(b []byte, num protowire.Number, d bitmap.Dense) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, 1, protowire.BytesType)
	inner = protowire.AppendBytes(inner, d.Data())
	inner = protowire.AppendTag(inner, 2, protowire.VarintType)
	inner = protowire.AppendVarint(inner, uint64(d.Size()))
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// Marshal encodes m in protobuf wire format.
func Marshal(m Message) []byte {
	b := protowire.AppendTag(nil, m.field(), protowire.BytesType)
	return protowire.AppendBytes(b, m.appendBody(nil))
}

var errTruncated = errors.New("bb84: truncated message")

// Unmarshal decodes a message produced by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		var err error
		switch num {
		case basisField:
			m, err = unmarshalBasis(v)
		case sampleField:
			m, err = unmarshalSample(v)
		case verdictField:
			m, err = unmarshalVerdict(v)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("bb84: empty message envelope")
	}
	return m, nil
}

func unmarshalBasis(b []byte) (Message, error) {
	m := &BasisAnnouncement{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.From = Party(x)
		case num == 2 && typ == protowire.BytesType:
			m.Bases, err = unmarshalDense(v)
		}
		return err
	})
	return m, err
}

func unmarshalSample(b []byte) (Message, error) {
	m := &SampleDisclosure{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		var err error
		switch {
		case num == 1 && typ == protowire.BytesType:
			for len(v) > 0 {
				p, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				pos, err := varintInt("sample position", p)
				if err != nil {
					return err
				}
				m.Positions = append(m.Positions, pos)
				v = v[n:]
			}
		case num == 2 && typ == protowire.BytesType:
			m.Bits, err = unmarshalDense(v)
		}
		return err
	})
	return m, err
}

func unmarshalVerdict(b []byte) (Message, error) {
	m := &VerdictAnnouncement{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		var err error
		switch num {
		case 1:
			m.Verdict = Verdict(x)
		case 2:
			m.Mismatches, err = varintInt("mismatch count", x)
		case 3:
			m.SampleSize, err = varintInt("sample size", x)
		}
		return err
	})
	return m, err
}

func varintInt(what string, x uint64) (int, error) {
	if x > math.MaxInt {
		return 0, fmt.Errorf("bb84: %s %d overflows int", what, x)
	}
	return int(x), nil
}

func unmarshalDense(b []byte) (bitmap.Dense, error) {
	var (
		data   []byte
		bitLen uint64
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			data = v
		case num == 2 && typ == protowire.VarintType:
			bitLen = x
		}
		return nil
	})
	if err != nil {
		return bitmap.Empty(), err
	}
	if bitLen > uint64(len(data))*8 {
		return bitmap.Empty(), fmt.Errorf("bb84: bitmap claims %d bits but carries %d bytes", bitLen, len(data))
	}
	return bitmap.NewDense(data, int(bitLen)), nil
}

// walk visits every field of b. Bytes fields are passed as v, varints as x.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", errTruncated, protowire.ParseError(n))
		}
		b = b[n:]
		if err := visit(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

// An Announcer carries public announcements between the parties and
// reports how many bytes each one took on the wire.
type Announcer interface {
	Announce(m Message) (int, error)
}

// A Transcript is an in-memory Announcer recording every message. It is safe
// for concurrent use.
type Transcript struct {
	mu   sync.Mutex
	msgs []Message
}

// Announce implements the Announcer interface.
func (t *Transcript) Announce(m Message) (int, error) {
	n := len(Marshal(m))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, m)
	return n, nil
}

// Messages returns the announcements recorded so far, oldest first.
func (t *Transcript) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.msgs...)
}
