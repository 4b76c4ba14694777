package bb84

import (
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
)

// A toeplitz represents a matrix whose diagonals are all constant. It operates
// in F_2, i.e. all of its scalars are 0 or 1.
type toeplitz struct {
	// The diagonal constants for this toeplitz matrix, starting from the bottom
	// left and ending with the top right.
	diags bitmap.Dense

	m int
	n int
}

// TODO: surely there are ways to take advantage of the structure of a toeplitz
//   matrix to achieve vector mul in better than O(mn) time.
// Mul computes the matrix product Av between the toeplitz matrix t and the
// provided vector.
func (t toeplitz) Mul(vec bitmap.Dense) (bitmap.Dense, error) {
	if t.diags.Size() < t.m+t.n-1 {
		return bitmap.Dense{}, fmt.Errorf("improper toeplitz construction, has %d diagonals, needs %d", t.diags.Size(), t.m+t.n-1)
	}
	if t.n != vec.Size() {
		return bitmap.Dense{}, fmt.Errorf("multiplying %dx%d matrix into %d-dim vector", t.m, t.n, vec.Size())
	}

	r := bitmap.Dense{}
	for off := t.m - 1; off >= 0; off-- {
		row, err := bitmap.Slice(t.diags, off, off+t.n)
		if err != nil {
			return bitmap.Empty(), err
		}
		r.AppendBit(bitmap.Parity(bitmap.And(row, vec)))
	}
	return r, nil
}

// toeplitzCompressor hashes keys with a Toeplitz matrix whose diagonals are
// expanded from a public seed, i.e. a member of a 2-universal family rather
// than a cryptographic hash. Both parties must share the seed.
type toeplitzCompressor struct {
	seed []byte
}

// DefaultToeplitzSeed seeds the "toeplitz" compressor.
var DefaultToeplitzSeed = []byte("bb84sim toeplitz privacy amplification")

func (c toeplitzCompressor) Name() string { return "toeplitz" }

func (c toeplitzCompressor) MaxOutputBits(inputBits int) int {
	return inputBits
}

func (c toeplitzCompressor) Compress(key bitmap.Dense, outBits int) (bitmap.Dense, error) {
	need := outBits + key.Size() - 1
	diags := make([]byte, bitmap.BytesFor(need))
	sha3.ShakeSum256(diags, c.seed)
	t := toeplitz{
		diags: bitmap.NewDense(diags, need),
		m:     outBits,
		n:     key.Size(),
	}
	return t.Mul(key)
}
