package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alan-christopher/bb84sim/bb84"
	"github.com/alan-christopher/bb84sim/config"
	"github.com/alan-christopher/bb84sim/metrics"
	"github.com/alan-christopher/bb84sim/store"
)

var errNoStore = errors.New("no record database configured, use --db or [Store] Path")

type runOpts struct {
	sessions    int
	parallel    int
	showKeys    bool
	metricsAddr string
	hold        bool

	slots        int
	sample       int
	noise        float64
	maxError     float64
	intercept    float64
	seed         int64
	workers      int
	hash         string
	policy       string
	reuseSampled bool
}

// applyFlags overrides the Session block with every flag set on cmd.
func (o *runOpts) applyFlags(cmd *cobra.Command, s *config.Session) {
	f := cmd.Flags()
	if f.Changed("slots") {
		s.NumSlots = o.slots
	}
	if f.Changed("sample") {
		s.SampleSize = o.sample
	}
	if f.Changed("noise") {
		s.ChannelNoiseRate = o.noise
	}
	if f.Changed("max-error") {
		s.MaxErrorRate = o.maxError
	}
	if f.Changed("intercept") {
		s.InterceptRate = o.intercept
	}
	if f.Changed("seed") {
		seed := o.seed
		s.Seed = &seed
	}
	if f.Changed("workers") {
		s.Workers = o.workers
	}
	if f.Changed("hash") {
		s.Hash = o.hash
	}
	if f.Changed("policy") {
		s.LengthPolicy = o.policy
	}
	if f.Changed("reuse-sampled") {
		s.ReuseSampled = o.reuseSampled
	}
}

func runCmd(a *app) *cobra.Command {
	o := &runOpts{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run simulated key exchanges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.applyFlags(cmd, a.cfg.Session)
			if err := a.cfg.SessionConfig().Validate(); err != nil {
				return err
			}
			if o.sessions < 1 {
				return fmt.Errorf("--sessions must be positive, got %d", o.sessions)
			}
			if o.metricsAddr != "" {
				a.cfg.Metrics.Address = o.metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.OutOrStdout(), o)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&o.sessions, "sessions", "n", 1, "number of sessions to run")
	f.IntVar(&o.parallel, "parallel", 1, "number of sessions run at once")
	f.BoolVar(&o.showKeys, "show-keys", false, "print finalized keys in hex")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, overrides [Metrics] Address")
	f.BoolVar(&o.hold, "hold", false, "keep serving metrics after the sessions finish, until interrupted")

	f.IntVar(&o.slots, "slots", 0, "qubits exchanged per session")
	f.IntVar(&o.sample, "sample", 0, "sifted bits disclosed for error estimation")
	f.Float64Var(&o.noise, "noise", 0, "probability a matched-basis measurement is flipped")
	f.Float64Var(&o.maxError, "max-error", 0, "highest sample error rate still accepted")
	f.Float64Var(&o.intercept, "intercept", 0, "fraction of qubits an eavesdropper intercepts")
	f.Int64Var(&o.seed, "seed", 0, "seed of the first session; session i uses seed+i")
	f.IntVar(&o.workers, "workers", 0, "goroutines dispatching qubits within a session")
	f.StringVar(&o.hash, "hash", "", fmt.Sprintf("privacy amplification compressor, one of %v", bb84.CompressorNames()))
	f.StringVar(&o.policy, "policy", "", "final key length policy, full or leakage")
	f.BoolVar(&o.reuseSampled, "reuse-sampled", false, "keep disclosed sample bits in the key material")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, o *runOpts) error {
	var (
		st       *store.Store
		observer bb84.Observer
		err      error
	)
	if a.cfg.Store.Path != "" {
		if st, err = a.openStore(); err != nil {
			return err
		}
		defer st.Close()
	}
	if a.cfg.Metrics.Address != "" {
		collector := metrics.NewCollector(a.cfg.Metrics.Namespace)
		reg := prometheus.NewRegistry()
		if err := reg.Register(collector); err != nil {
			return err
		}
		shutdown, err := a.serveMetrics(a.cfg.Metrics.Address, reg)
		if err != nil {
			return err
		}
		defer shutdown()
		observer = collector
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.parallel, 1))
	for i := 0; i < o.sessions; i++ {
		cfg := a.cfg.SessionConfig()
		if cfg.Seed != nil {
			seed := *cfg.Seed + int64(i)
			cfg.Seed = &seed
		}
		g.Go(func() error {
			s, err := bb84.NewSession(cfg, bb84.Options{Observer: observer, Log: a.backend.GetLogger("session")})
			if err != nil {
				return err
			}
			res, err := s.Run(gctx)
			if err != nil {
				return fmt.Errorf("session %s: %w", s.ID(), err)
			}
			rec := store.NewRecord(s.Config(), res, time.Now())
			if st != nil {
				if err := st.Put(rec); err != nil {
					return err
				}
			}
			mu.Lock()
			defer mu.Unlock()
			return printResult(out, rec, res, o.showKeys)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if o.hold && a.cfg.Metrics.Address != "" {
		a.log.Noticef("sessions done, serving metrics until interrupted")
		<-ctx.Done()
	}
	return nil
}

func (a *app) serveMetrics(addr string, g prometheus.Gatherer) (func(), error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorf("metrics server: %v", err)
		}
	}()
	a.log.Noticef("serving metrics on http://%s/metrics", l.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func printResult(w io.Writer, rec store.Record, res bb84.Result, showKey bool) error {
	_, err := fmt.Fprintf(w, "%s %s reason=%s sifted=%d sample=%d mismatches=%d qber=%s key=%d",
		rec.ID, rec.Outcome, rec.Reason, rec.SiftedLen, rec.Sampled, rec.Mismatches,
		store.ErrorRateString(rec.ErrorRate), rec.KeyBits)
	if err != nil {
		return err
	}
	if showKey && res.Key.Size() > 0 {
		if _, err := fmt.Fprintf(w, " %s", hex.EncodeToString(res.Key.Data())); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(w)
	return err
}
