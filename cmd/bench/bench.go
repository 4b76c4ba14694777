// bench.go runs a BB84 session for each entry in the cartesian product of a
// collection of different tuning parameters, e.g. channel noise and qubits
// exchanged, and outputs a CSV of relevant statistics for each different
// combination, e.g. sample error rate and final key length.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"text/template"

	cartesian "github.com/schwarmco/go-cartesian-product"
	flag "github.com/spf13/pflag"

	"github.com/alan-christopher/bb84sim/bb84"
)

var (
	slots     = flag.IntSlice("slots", []int{4096}, "The number of qubits exchanged per session.")
	sample    = flag.IntSlice("sample", []int{256}, "The number of sifted bits disclosed for error estimation.")
	noise     = flag.Float64Slice("noise", []float64{0}, "The probability a matched-basis measurement is flipped.")
	maxError  = flag.Float64Slice("maxError", []float64{0}, "The highest sample error rate still accepted.")
	intercept = flag.Float64Slice("intercept", []float64{0}, "The fraction of qubits an eavesdropper intercepts.")
	hash      = flag.StringSlice("hash", []string{bb84.DefaultHash}, "The privacy amplification compressors to use.")
	policy    = flag.String("policy", bb84.DefaultLengthPolicy, "The final key length policy, full or leakage.")
	seed      = flag.Int64("seed", 1234, "The seed every session is run with.")
	workers   = flag.Int("workers", 1, "The number of goroutines dispatching qubits.")
)

var (
	inputs  = []string{"slots", "sample", "noise", "maxError", "intercept", "hash"}
	columns = []string{"Slots", "Sample", "Noise", "MaxError", "Intercept", "Hash",
		"SiftedBits", "EmpiricalQBER", "UpperBound", "KeyBits", "Messages",
		"ClassicalBytes", "Outcome", "Reason", "Succeeded"}
)

// An Experiment packages together the result of benchmarking a single
// parameterization for easy formatting.
type Experiment struct {
	// Fields corresponding to experiment parameters
	Slots     int
	Sample    int
	Noise     float64
	MaxError  float64
	Intercept float64
	Hash      string

	// Fields corresponding to experiment results
	SiftedBits     int
	EmpiricalQBER  float64
	UpperBound     float64
	KeyBits        int
	Messages       int
	ClassicalBytes int
	Outcome        string
	Reason         string
	Succeeded      bool
}

func main() {
	flag.Parse()
	var args [][]interface{}
	for _, inp := range inputs {
		v, err := lookupInput(inp)
		if err != nil {
			log.Fatal(err)
		}
		args = append(args, v)
	}
	if err := run(os.Stdout, args); err != nil {
		log.Fatal(err)
	}
}

func run(w io.Writer, args [][]interface{}) error {
	tmpl := template.Must(template.New("line").Parse(lineTmpl()))
	if _, err := fmt.Fprintln(w, header()); err != nil {
		return err
	}
	var werr error
	for product := range cartesian.Iter(args...) {
		if werr != nil {
			continue
		}
		exp := &Experiment{
			Slots:     product[inpIndex("slots")].(int),
			Sample:    product[inpIndex("sample")].(int),
			Noise:     product[inpIndex("noise")].(float64),
			MaxError:  product[inpIndex("maxError")].(float64),
			Intercept: product[inpIndex("intercept")].(float64),
			Hash:      product[inpIndex("hash")].(string),
		}
		if err := bench(exp); err != nil {
			log.Printf("Benching %+v: %v", exp, err)
		}
		werr = tmpl.Execute(w, exp)
	}
	return werr
}

func inpIndex(v string) int {
	for i, inp := range inputs {
		if inp == v {
			return i
		}
	}
	return -1
}

func bench(exp *Experiment) error {
	s := *seed
	sess, err := bb84.NewSession(bb84.Config{
		NumSlots:         exp.Slots,
		SampleSize:       exp.Sample,
		ChannelNoiseRate: exp.Noise,
		MaxErrorRate:     exp.MaxError,
		InterceptRate:    exp.Intercept,
		Hash:             exp.Hash,
		LengthPolicy:     *policy,
		Workers:          *workers,
		Seed:             &s,
	}, bb84.Options{})
	if err != nil {
		return err
	}
	res, err := sess.Run(context.Background())
	if err != nil {
		return err
	}
	exp.SiftedBits = res.SiftedLen
	exp.EmpiricalQBER = res.Check.ErrorRate
	exp.UpperBound = res.Check.UpperBound
	exp.KeyBits = res.Key.Size()
	exp.Messages = res.Stats.MessagesSent
	exp.ClassicalBytes = res.Stats.BytesSent
	exp.Outcome = res.Outcome.String()
	exp.Reason = res.Reason.String()
	exp.Succeeded = res.Outcome == bb84.KeyFinalized
	return nil
}

func header() string {
	return strings.Join(columns, ", ")
}

func lineTmpl() string {
	var els []string
	for _, c := range columns {
		els = append(els, "{{."+c+"}}")
	}
	return strings.Join(els, ", ") + "\n"
}

func lookupInput(name string) ([]interface{}, error) {
	var r []interface{}
	if v, err := flag.CommandLine.GetIntSlice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else if v, err := flag.CommandLine.GetFloat64Slice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else if v, err := flag.CommandLine.GetStringSlice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else {
		return nil, fmt.Errorf("unknown type for input %s", name)
	}
	return r, nil
}
