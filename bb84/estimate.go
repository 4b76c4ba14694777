package bb84

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/alan-christopher/bb84sim/bb84/bitmap"
	"github.com/alan-christopher/bb84sim/bb84/random"
)

// A Verdict is the outcome of error estimation.
type Verdict int

const (
	Accepted Verdict = iota
	Rejected
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// An ErrorCheckResult reports what a disclosed sample revealed.
type ErrorCheckResult struct {
	Verdict    Verdict
	Mismatches int
	SampleSize int

	// Sampled holds the disclosed positions within the sifted key, in
	// increasing order; SampledSlots holds the same positions as slot
	// indices.
	Sampled      []int
	SampledSlots []int

	// ErrorRate is Mismatches/SampleSize, or NaN for an empty sample.
	ErrorRate float64

	// UpperBound is a one-sided Clopper-Pearson bound on the true error
	// rate at confidence 1-epsilon. It is 1 when nothing was sampled.
	UpperBound float64
}

// An Estimator decides whether a sifted key is trustworthy by disclosing a
// random sample of it.
type Estimator struct {
	// Rand chooses the sample. It belongs to the party announcing it.
	Rand random.Source

	// MaxErrorRate is the highest observed error rate still accepted.
	MaxErrorRate float64

	// Epsilon is the confidence parameter of UpperBound.
	Epsilon float64
}

// Estimate draws sampleSize distinct positions of sifted uniformly without
// replacement and compares them against the sender's reference bits. A
// sampleSize larger than the key is clamped; a sample of zero is accepted by
// convention.
func (e Estimator) Estimate(sifted SiftedKey, sampleSize int, reference bitmap.Dense) ErrorCheckResult {
	n := sifted.Len()
	k := min(max(sampleSize, 0), n)
	r := ErrorCheckResult{
		SampleSize: k,
		ErrorRate:  math.NaN(),
		UpperBound: 1,
	}
	if k == 0 {
		return r
	}

	r.Sampled = e.sample(n, k)
	for _, p := range r.Sampled {
		r.SampledSlots = append(r.SampledSlots, sifted.Indices[p])
		if sifted.Bits.Get(p) != reference.Get(p) {
			r.Mismatches++
		}
	}
	r.ErrorRate = float64(r.Mismatches) / float64(k)
	r.UpperBound = clopperPearsonUpper(r.Mismatches, k, e.Epsilon)
	if r.ErrorRate > e.MaxErrorRate {
		r.Verdict = Rejected
	}
	return r
}

// sample returns k distinct values from [0, n) via a partial Fisher-Yates
// shuffle, sorted ascending.
func (e Estimator) sample(n, k int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + e.Rand.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	s := append([]int(nil), perm[:k]...)
	sort.Ints(s)
	return s
}

func clopperPearsonUpper(errs, n int, eps float64) float64 {
	if errs >= n {
		return 1
	}
	if eps <= 0 || eps >= 1 {
		eps = DefaultEpsilon
	}
	b := distuv.Beta{Alpha: float64(errs + 1), Beta: float64(n - errs)}
	return b.Quantile(1 - eps)
}
