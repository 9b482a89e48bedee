package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/folio"
	"github.com/joshuapare/folio/fault"
	"github.com/joshuapare/folio/linkedlist"
	"github.com/joshuapare/folio/pool"
	"github.com/joshuapare/folio/provider"
)

var (
	stressWorkers     int
	stressIterations  int
	stressMaxSize     int
	stressHold        int
	stressSeed        uint64
	stressMetricsAddr string
	stressTimeout     time.Duration
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressWorkers, "workers", 8, "Number of concurrent workers")
	cmd.Flags().IntVar(&stressIterations, "iterations", 10000, "Allocations per worker")
	cmd.Flags().IntVar(&stressMaxSize, "max-size", 4096, "Largest allocation in bytes")
	cmd.Flags().IntVar(&stressHold, "hold", 16, "Blocks each worker keeps alive at once")
	cmd.Flags().Uint64Var(&stressSeed, "seed", 1, "Seed for allocation sizes")
	cmd.Flags().StringVar(&stressMetricsAddr, "metrics.addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().DurationVar(&stressTimeout, "timeout", 0, "Stop the workload after this long (0 means no limit)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocate/acquire/release workload",
		Long: `The stress command installs the configured provider and runs workers that
allocate blocks of random size, write and validate them, share references
through a list, and release everything again. At the end it checks that no
references are left and prints the provider report.

Example:
  foliectl stress --workers 16 --iterations 100000
  foliectl stress --provider.kind debug --provider.budget 1MB
  foliectl stress --config.file provider.yaml --metrics.addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if stressTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, stressTimeout)
				defer cancel()
			}
			return runStress(ctx, cmd.OutOrStdout(), newLogger(os.Stderr))
		},
	}
	return cmd
}

// StressResult summarizes a stress run.
type StressResult struct {
	Kind        string `json:"kind"`
	Workers     int    `json:"workers"`
	Allocations uint64 `json:"allocations"`
	Acquires    uint64 `json:"acquires"`
	Bytes       uint64 `json:"bytes"`
	OutOfMemory uint64 `json:"out_of_memory"`
	Finalized   uint64 `json:"finalized"`
	Leaked      uint64 `json:"leaked_references"`
	Elapsed     string `json:"elapsed"`
}

type stressCounters struct {
	allocations atomic.Uint64
	acquires    atomic.Uint64
	bytes       atomic.Uint64
	oom         atomic.Uint64
	finalized   atomic.Uint64
}

func runStress(ctx context.Context, w io.Writer, logger log.Logger) error {
	if stressWorkers < 1 || stressMaxSize < 0 || stressHold < 0 {
		return errors.New("workers must be positive, max-size and hold must not be negative")
	}

	p, err := provider.New(providerCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	folio.SetProvider(p)
	p.ReleaseProvider()
	defer folio.Shutdown()

	if stressMetricsAddr != "" {
		stop, err := serveMetrics(stressMetricsAddr, p, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	var counters stressCounters
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for worker := range stressWorkers {
		g.Go(func() error {
			var err error
			if trap := fault.Catch(func() { err = stressWorker(ctx, worker, &counters) }); trap != nil {
				return fmt.Errorf("worker %d: %w", worker, trap)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		var trap *fault.Trap
		if errors.As(err, &trap) {
			level.Error(logger).Log("msg", "stress run trapped", "err", fmt.Sprintf("%+v", trap))
		}
		return err
	}

	result := StressResult{
		Kind:        providerCfg.Kind,
		Workers:     stressWorkers,
		Allocations: counters.allocations.Load(),
		Acquires:    counters.acquires.Load(),
		Bytes:       counters.bytes.Load(),
		OutOfMemory: counters.oom.Load(),
		Finalized:   counters.finalized.Load(),
		Leaked:      folio.OutstandingReferences(),
		Elapsed:     time.Since(start).Round(time.Millisecond).String(),
	}

	if d, ok := p.(*provider.Debug); ok {
		d.ValidateAll()
		if result.Leaked > 0 && verbose {
			if err := d.DumpBacktraces(w); err != nil {
				return err
			}
		}
	}

	if jsonOut {
		if err := printJSON(w, result); err != nil {
			return err
		}
	} else {
		printSummary(w, result)
		if verbose && !quiet {
			if err := folio.Report(w); err != nil {
				return err
			}
		}
	}

	if !folio.TestRefCount(0, io.Discard, "") {
		return fmt.Errorf("%d references leaked", result.Leaked)
	}
	return nil
}

// stressWorker runs one worker's share of the workload. Blocks it keeps
// alive travel through a linked list so that list entries, acquires and
// finalizers are exercised together.
func stressWorker(ctx context.Context, worker int, c *stressCounters) error {
	rng := rand.New(rand.NewPCG(stressSeed, uint64(worker)))

	held, err := linkedlist.New(folio.Provider())
	if err != nil {
		return err
	}
	defer linkedlist.Release(&held)

	fini := func(pool.Memory) { c.finalized.Inc() }

	for i := range stressIterations {
		if ctx.Err() != nil {
			return nil
		}

		size := rng.IntN(stressMaxSize + 1)
		mem, err := folio.Allocate(size, fini)
		if errors.Is(err, pool.ErrOutOfMemory) {
			c.oom.Inc()
			if data, ok := held.Remove(); ok {
				folio.Release(&data)
			}
			continue
		}
		if err != nil {
			return err
		}
		c.allocations.Inc()
		c.bytes.Add(uint64(size))

		fill := byte(worker + i)
		folio.Lock(mem)
		for j := range mem.Bytes() {
			mem.Bytes()[j] = fill
		}
		folio.Unlock(mem)
		folio.Validate(mem)

		switch err := held.Append(mem); {
		case err == nil:
			c.acquires.Inc()
		case !errors.Is(err, pool.ErrOutOfMemory):
			return err
		}
		folio.Release(&mem)

		for held.Len() > stressHold {
			data, _ := held.Remove()
			if len(data.Bytes()) > 0 && data.Bytes()[0] != data.Bytes()[len(data.Bytes())-1] {
				return fmt.Errorf("block contents changed under worker %d", worker)
			}
			folio.Release(&data)
		}
	}
	return nil
}

func printSummary(w io.Writer, r StressResult) {
	mp := message.NewPrinter(language.English)
	printInfo(w, "\nStress (%s provider, %d workers):\n", r.Kind, r.Workers)
	printInfo(w, "%s", mp.Sprintf("  Allocations:    %d\n", r.Allocations))
	printInfo(w, "%s", mp.Sprintf("  Acquires:       %d\n", r.Acquires))
	printInfo(w, "%s", mp.Sprintf("  Bytes:          %d\n", r.Bytes))
	printInfo(w, "%s", mp.Sprintf("  Out of memory:  %d\n", r.OutOfMemory))
	printInfo(w, "%s", mp.Sprintf("  Finalized:      %d\n", r.Finalized))
	printInfo(w, "  Elapsed:        %s\n", r.Elapsed)
	if r.Leaked == 0 {
		printInfo(w, "  ✓ No leaked references\n")
	} else {
		printInfo(w, "%s", mp.Sprintf("  ✗ Leaked references: %d\n", r.Leaked))
	}
}

// serveMetrics exposes the provider's collector on addr until stop is called.
func serveMetrics(addr string, p provider.Provider, logger log.Logger) (stop func(), err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(provider.NewCollector(p, prometheus.Labels{"kind": providerCfg.Kind}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			level.Error(logger).Log("msg", "metrics server failed", "err", err)
		}
	}()
	level.Info(logger).Log("msg", "serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
