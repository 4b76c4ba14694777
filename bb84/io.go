package bb84

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
)

// DefaultMaxFrameBytes bounds the payload of one classical frame.
var DefaultMaxFrameBytes = 16 << 10

// ErrBadMAC is returned by Framer.Read when a frame fails authentication.
var ErrBadMAC = errors.New("bb84: invalid frame mac")

// A Framer reads and writes framed, authenticated messages to the wire.
// The structure of the frame is trivial:  payload-length | payload | mac
//
// MACs are computed by applying a secret Toeplitz matrix to create a hash, then
// applying a one-time pad to the hash to allow for unconditional security. See
// also, https://arxiv.org/abs/1603.08387. Both ends must consume the shared
// secret in the same order, so every Write on one side must be matched by a
// Read on the other.
type Framer struct {
	rw       io.ReadWriter
	secret   io.Reader
	t        toeplitz
	maxBytes int
}

// NewFramer returns a Framer over rw. The Toeplitz diagonals are drawn from
// secret up front; each frame then spends ceil(log2(1/epsAuth)) further bits
// of secret as a one-time pad. maxFrameBytes <= 0 selects
// DefaultMaxFrameBytes.
func NewFramer(rw io.ReadWriter, secret io.Reader, epsAuth float64, maxFrameBytes int) (*Framer, error) {
	if rw == nil || secret == nil {
		return nil, errors.New("framer needs a channel and a secret")
	}
	if !(epsAuth > 0 && epsAuth < 1) {
		return nil, fmt.Errorf("authentication epsilon must lie in (0, 1), got %v", epsAuth)
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	m := int(math.Ceil(math.Log2(1 / epsAuth)))
	need := m + 8*maxFrameBytes - 1
	diags := make([]byte, bitmap.BytesFor(need))
	if _, err := io.ReadFull(secret, diags); err != nil {
		return nil, fmt.Errorf("reading mac key: %w", err)
	}
	return &Framer{
		rw:       rw,
		secret:   secret,
		t:        toeplitz{diags: bitmap.NewDense(diags, need), m: m},
		maxBytes: maxFrameBytes,
	}, nil
}

// Announce implements the Announcer interface.
func (f *Framer) Announce(m Message) (int, error) {
	return f.Write(m)
}

// Write frames and sends m, returning the number of bytes written.
func (f *Framer) Write(m Message) (int, error) {
	marshalled := Marshal(m)
	if len(marshalled) > f.maxBytes {
		return 0, fmt.Errorf("frame of %d bytes exceeds limit of %d", len(marshalled), f.maxBytes)
	}
	mac, err := f.buildMAC(marshalled)
	if err != nil {
		return 0, err
	}
	if err := binary.Write(f.rw, binary.LittleEndian, int32(len(marshalled))); err != nil {
		return 0, err
	}
	if _, err := f.rw.Write(marshalled); err != nil {
		return 0, err
	}
	if _, err := f.rw.Write(mac); err != nil {
		return 0, err
	}
	return 4 + len(marshalled) + len(mac), nil
}

// Read receives and authenticates the next frame.
func (f *Framer) Read() (Message, error) {
	var mLen int32
	if err := binary.Read(f.rw, binary.LittleEndian, &mLen); err != nil {
		return nil, err
	}
	if mLen < 0 || int(mLen) > f.maxBytes {
		return nil, fmt.Errorf("frame length %d outside [0, %d]", mLen, f.maxBytes)
	}
	marshalled := make([]byte, mLen)
	if _, err := io.ReadFull(f.rw, marshalled); err != nil {
		return nil, err
	}
	mac := make([]byte, bitmap.BytesFor(f.t.m))
	if _, err := io.ReadFull(f.rw, mac); err != nil {
		return nil, err
	}
	emac, err := f.buildMAC(marshalled)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac, emac) != 1 {
		return nil, ErrBadMAC
	}
	return Unmarshal(marshalled)
}

func (f *Framer) buildMAC(msg []byte) ([]byte, error) {
	t := f.t
	t.n = len(msg) * 8
	hash, err := t.Mul(bitmap.NewDense(msg, -1))
	if err != nil {
		return nil, err
	}
	otp := make([]byte, hash.SizeBytes())
	if _, err := io.ReadFull(f.secret, otp); err != nil {
		return nil, fmt.Errorf("reading one-time pad: %w", err)
	}
	mac := bitmap.XOr(hash, bitmap.NewDense(otp, hash.Size()))
	return mac.Data(), nil
}
