package bb84

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
)

// A Compressor is the one-way function privacy amplification is built on.
// Compress must be deterministic.
type Compressor interface {
	Name() string
	// MaxOutputBits bounds the output size for an input of inputBits bits.
	MaxOutputBits(inputBits int) int
	// Compress maps key to exactly outBits bits, outBits <= MaxOutputBits.
	Compress(key bitmap.Dense, outBits int) (bitmap.Dense, error)
}

type hashCompressor struct {
	name string
	new  func() hash.Hash
	size int
}

func (c hashCompressor) Name() string { return c.name }

func (c hashCompressor) MaxOutputBits(int) int {
	return c.size * 8
}

func (c hashCompressor) Compress(key bitmap.Dense, outBits int) (bitmap.Dense, error) {
	h := c.new()
	h.Write(canonicalBytes(key))
	return bitmap.Slice(bitmap.NewDense(h.Sum(nil), -1), 0, outBits)
}

func mustBlake2b(size int) func() hash.Hash {
	return func() hash.Hash {
		h, err := blake2b.New(size, nil)
		if err != nil {
			panic("bb84: unkeyed blake2b: " + err.Error())
		}
		return h
	}
}

var compressors = map[string]Compressor{
	"sha256":      hashCompressor{"sha256", sha256.New, sha256.Size},
	"sha3-256":    hashCompressor{"sha3-256", func() hash.Hash { return sha3.New256() }, 32},
	"sha3-512":    hashCompressor{"sha3-512", func() hash.Hash { return sha3.New512() }, 64},
	"blake2b-256": hashCompressor{"blake2b-256", mustBlake2b(blake2b.Size256), blake2b.Size256},
	"blake2b-512": hashCompressor{"blake2b-512", mustBlake2b(blake2b.Size), blake2b.Size},
	"toeplitz":    toeplitzCompressor{seed: DefaultToeplitzSeed},
}

// CompressorByName returns one of the built-in compressors: sha256,
// sha3-256, sha3-512, blake2b-256, blake2b-512 or toeplitz.
func CompressorByName(name string) (Compressor, error) {
	c, ok := compressors[name]
	if !ok {
		return nil, fmt.Errorf("unknown compressor %q (have %v)", name, CompressorNames())
	}
	return c, nil
}

// CompressorNames lists the names accepted by CompressorByName.
func CompressorNames() []string {
	var r []string
	for n := range compressors {
		r = append(r, n)
	}
	sort.Strings(r)
	return r
}

// canonicalBytes serialises a key as its bit length (uint32, big endian)
// followed by its packed bits, so that keys differing only in trailing zeros
// hash differently.
func canonicalBytes(key bitmap.Dense) []byte {
	b := make([]byte, 4, 4+key.SizeBytes())
	binary.BigEndian.PutUint32(b, uint32(key.Size()))
	return append(b, key.Data()...)
}

// A LengthPolicy chooses the final key length for a key of keyBits bits,
// given that the compressor can produce at most maxBits of them.
type LengthPolicy func(keyBits, maxBits int) int

// FullLength keeps as many bits as the compressor allows.
func FullLength(keyBits, maxBits int) int {
	return maxBits
}

// LeakageBound shortens the key by the information an eavesdropper may hold
// after observing an error rate of qber on a disclosed sample of k bits,
// plus a 2*log(1/eps) security margin. Without a sample nothing can be
// bounded and the policy keeps no bits.
func LeakageBound(qber, eps float64, k int) LengthPolicy {
	return func(keyBits, maxBits int) int {
		if k <= 0 || math.IsNaN(qber) {
			return 0
		}
		leaked := calcMaxEveInfo(qber, eps, keyBits, k)
		m := keyBits - int(math.Ceil(leaked+2*math.Log(1/eps)))
		return max(0, min(m, maxBits))
	}
}

// LessDisclosed adapts p to key material that still contains k publicly
// disclosed bits. Those bits are worth nothing to the final key, so p only
// sees the keyBits-k undisclosed ones.
func LessDisclosed(p LengthPolicy, k int) LengthPolicy {
	return func(keyBits, maxBits int) int {
		secret := keyBits - k
		if secret <= 0 {
			return 0
		}
		return p(secret, min(maxBits, secret))
	}
}

// calcMaxEveInfo returns a theoretical bound on the number of bits of
// information that Eve could have discerned from a quantum communication
// consisting of n qbits for which an error rate of qber was observed on a
// sample of k further qbits.
//
// See also, https://link.springer.com/article/10.1007/BF00191318
func calcMaxEveInfo(qber, eps float64, n, k int) float64 {
	// See https://arxiv.org/abs/1506.08458, lemma 6.
	A := float64(n*k*k) / float64((n+k)*(k+1))
	nu := math.Sqrt(0.5 * math.Log(1/eps) / A)
	qberPessimistic := qber + nu

	return 2 * math.Sqrt(2) * qberPessimistic * float64(n)
}

// An Amplifier compresses an accepted key into a shorter final key.
type Amplifier struct {
	Compressor Compressor
}

// Amplify compresses key to policy's length, never more than
// min(key.Size(), Compressor.MaxOutputBits). It is deterministic: the same key
// and policy always give the same output. A nil policy means FullLength.
func (a Amplifier) Amplify(key bitmap.Dense, policy LengthPolicy) (bitmap.Dense, error) {
	if key.Size() == 0 {
		return bitmap.Empty(), ErrEmptyKey
	}
	if policy == nil {
		policy = FullLength
	}
	limit := min(key.Size(), a.Compressor.MaxOutputBits(key.Size()))
	n := min(max(policy(key.Size(), limit), 0), limit)
	if n == 0 {
		return bitmap.Empty(), nil
	}
	out, err := a.Compressor.Compress(key, n)
	if err != nil {
		return bitmap.Empty(), fmt.Errorf("compressing with %s: %w", a.Compressor.Name(), err)
	}
	return out, nil
}
