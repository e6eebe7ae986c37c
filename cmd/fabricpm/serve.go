package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabricpm/agent"
	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/history"
	"github.com/rocketbitz/fabricpm/server"
	"github.com/rocketbitz/fabricpm/txn"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sweep periodically and serve the results over HTTP",
	Long: `Sweep the fabric every pm.sweep_interval, keep each summary in the
history database and serve the results.

The server provides the following APIs:
  - GET  /health                     Liveness and sweep statistics
  - GET  /api/v1/sweeps              Recent sweeps (?limit=N)
  - GET  /api/v1/sweeps/latest       Most recent sweep
  - POST /api/v1/sweeps              Run a sweep now
  - GET  /api/v1/nodes               Nodes (?type=switch|fi)
  - GET  /api/v1/nodes/:lid/ports    Port counters of one node (?active=true)
  - GET  /metrics                    Prometheus metrics

Example:
  fabricpm serve --with-agent
  fabricpm serve --listen :9090 --agent-addr 10.0.0.5:4791`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", "", "HTTP listen address, overrides server.listen")
	flags.Bool("with-agent", false, "answer requests with an in-process simulated agent instead of dialing one")
	flags.Int("keep", 1000, "sweeps kept in the history database (0 keeps all)")
	_ = viper.BindPFlag("serve.listen", flags.Lookup("listen"))
	_ = viper.BindPFlag("serve.with_agent", flags.Lookup("with-agent"))
	_ = viper.BindPFlag("serve.keep", flags.Lookup("keep"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen := cfg.Server.Listen
	if v := viper.GetString("serve.listen"); v != "" {
		listen = v
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tm, err := txn.NewPrometheusMetrics(txn.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return err
	}
	dm, err := dispatch.NewPrometheusMetrics(dispatch.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return err
	}
	tel, err := newTelemetry(logger)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	fabric, err := cfg.Fabric.Build()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var tr txn.Transport
	if viper.GetBool("serve.with_agent") {
		mgr, pma, err := startLocalAgent(gctx, g)
		if err != nil {
			return err
		}
		defer func() { _ = pma.Close() }()
		tr = mgr
	} else {
		udp, err := txn.DialUDP(cfg.Transport.AgentAddr)
		if err != nil {
			return err
		}
		tr = udp
	}

	tcfg := cfg.TxnConfig()
	tcfg.Logger = logger
	tcfg.Tracer = tel.txnTracer()
	tcfg.Metrics = tm
	tc, err := txn.New(tcfg, tr)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() { _ = tc.Close() }()

	dcfg := cfg.DispatchConfig()
	dcfg.Logger = logger
	dcfg.Tracer = tel.dispatchTracer()
	dcfg.Metrics = dm
	d, err := dispatch.New(dcfg, fabric, tc)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	scfg := server.Config{
		Listen:   listen,
		Fabric:   fabric,
		Sweeper:  d,
		Gatherer: reg,
		Logger:   logger,
	}
	var store *history.Store
	if cfg.History.Enable {
		store, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		scfg.History = store
	}
	srv, err := server.New(scfg)
	if err != nil {
		return err
	}

	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return sweepLoop(gctx, d, store, srv, cfg.PM.SweepInterval, viper.GetInt("serve.keep"))
	})
	return g.Wait()
}

// startLocalAgent serves a second copy of the configured fabric over an
// in-memory transport pair and returns the manager side.
func startLocalAgent(ctx context.Context, g *errgroup.Group) (mgr, pma *txn.MemTransport, err error) {
	fabric, err := cfg.Fabric.Build()
	if err != nil {
		return nil, nil, err
	}
	acfg := cfg.AgentOptions()
	acfg.Logger = logger
	a, err := agent.New(acfg, fabric)
	if err != nil {
		return nil, nil, err
	}
	mgr, pma = txn.NewMemPair(cfg.Transport.PoolSize * 2)
	tick := cfg.Agent.TickInterval
	g.Go(func() error { return a.Run(ctx, pma, tick) })
	logger.Infow("fabricpm agent", "event", "start", "transport", pma.String(), "nodes", len(fabric.Nodes()))
	return mgr, pma, nil
}

// sweepLoop sweeps immediately and then every interval until ctx is done.
// Sweeps triggered over HTTP in between are skipped here.
func sweepLoop(ctx context.Context, d *dispatch.Dispatcher, store *history.Store, srv *server.Server, every time.Duration, keep int) error {
	ticker := clock.NewClock().NewTicker(every)
	defer ticker.Stop()
	for {
		summary, err := d.SweepAllPortCounters(ctx)
		switch {
		case errors.Is(err, dispatch.ErrSweepInProgress):
			logger.Debugw("fabricpm", "event", "sweep_busy")
		case summary != nil:
			srv.Observe(summary)
			recordSweep(context.WithoutCancel(ctx), store, summary, keep)
		case errors.Is(err, dispatch.ErrClosed):
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func recordSweep(ctx context.Context, store *history.Store, summary *dispatch.Summary, keep int) {
	if store == nil {
		return
	}
	if err := store.Record(ctx, summary); err != nil {
		logger.Warnw("fabricpm", "event", "record_failed", "sweep_id", summary.ID, "error", err)
		return
	}
	if keep <= 0 {
		return
	}
	if n, err := store.Prune(ctx, keep); err != nil {
		logger.Warnw("fabricpm", "event", "prune_failed", "error", err)
	} else if n > 0 {
		logger.Debugw("fabricpm", "event", "pruned", "rows", n)
	}
}
