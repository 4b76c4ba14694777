package random

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math/bits"

	"github.com/alan-christopher/bb84sim/bb84/photon"
)

const cryptoBufSize = 512

// Crypto is a Source backed by the operating system's CSPRNG. Reads are
// buffered; a Crypto is not safe for concurrent use.
type Crypto struct {
	r   io.Reader
	buf []byte
	pos int

	cache byte
	left  int
}

// NewCrypto returns a Source reading from crypto/rand.
func NewCrypto() *Crypto {
	return &Crypto{r: rand.Reader}
}

func (c *Crypto) fill(p []byte) {
	for len(p) > 0 {
		if c.pos == len(c.buf) {
			if c.buf == nil {
				c.buf = make([]byte, cryptoBufSize)
			}
			if _, err := io.ReadFull(c.r, c.buf); err != nil {
				// crypto/rand.Read is documented never to fail on supported
				// platforms.
				panic("random: reading system entropy: " + err.Error())
			}
			c.pos = 0
		}
		n := copy(p, c.buf[c.pos:])
		c.pos += n
		p = p[n:]
	}
}

func (c *Crypto) uint64() uint64 {
	var b [8]byte
	c.fill(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// NextBit implements the Source interface.
func (c *Crypto) NextBit() photon.Bit {
	if c.left == 0 {
		var b [1]byte
		c.fill(b[:])
		c.cache, c.left = b[0], 8
	}
	bit := photon.Bit(c.cache & 1)
	c.cache >>= 1
	c.left--
	return bit
}

// NextBasis implements the Source interface.
func (c *Crypto) NextBasis() photon.Basis {
	return photon.BasisOf(c.NextBit().Bool())
}

// Intn implements the Source interface, using Lemire's multiply-and-reject
// method to stay unbiased.
func (c *Crypto) Intn(n int) int {
	if n <= 0 {
		panic("random: invalid argument to Intn")
	}
	bound := uint64(n)
	hi, lo := bits.Mul64(c.uint64(), bound)
	if lo < bound {
		thresh := -bound % bound
		for lo < thresh {
			hi, lo = bits.Mul64(c.uint64(), bound)
		}
	}
	return int(hi)
}

// Float64 implements the Source interface.
func (c *Crypto) Float64() float64 {
	return float64(c.uint64()>>11) / (1 << 53)
}
