package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Sweep the fabric counters and print the result",
	Long: `Sweep every node of the configured fabric through the agent at
transport.agent_addr and print a summary of each sweep.

Example:
  fabricpm agent &
  fabricpm sweep --count 2 --interval 2s --ports`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	flags := sweepCmd.Flags()
	flags.Int("count", 1, "number of sweeps")
	flags.Duration("interval", 0, "pause between sweeps (pm.sweep_interval when zero)")
	flags.Bool("ports", false, "print per-port counter deltas after each sweep")
	flags.Bool("json", false, "print summaries as JSON")
	flags.Bool("stats", false, "print transaction and sweep counters at the end")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	count, _ := flags.GetInt("count")
	interval, _ := flags.GetDuration("interval")
	showPorts, _ := flags.GetBool("ports")
	asJSON, _ := flags.GetBool("json")
	showStats, _ := flags.GetBool("stats")
	if count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", count)
	}
	if interval <= 0 {
		interval = cfg.PM.SweepInterval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fabric, err := cfg.Fabric.Build()
	if err != nil {
		return err
	}
	tel, err := newTelemetry(logger)
	if err != nil {
		return err
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	d, tc, err := newSweeper(fabric, tel)
	if err != nil {
		return err
	}
	defer func() {
		_ = d.Close()
		_ = tc.Close()
	}()

	out := cmd.OutOrStdout()
	for i := 0; i < count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
		}
		summary, err := d.SweepAllPortCounters(ctx)
		if summary == nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if jerr := enc.Encode(summary); jerr != nil {
				return jerr
			}
		} else {
			printSummary(out, summary)
			if showPorts && summary.Completed {
				printPorts(out, fabric)
			}
		}
		if err != nil {
			return err
		}
	}

	if showStats {
		counters, err := tel.counters(ctx)
		if err != nil {
			return err
		}
		printCounters(out, counters)
	}
	return nil
}

// newSweeper dials the agent and builds the transaction context and
// dispatcher with OpenTelemetry hooks.
func newSweeper(fabric *topology.Fabric, tel *telemetry) (*dispatch.Dispatcher, *txn.Context, error) {
	tr, err := txn.DialUDP(cfg.Transport.AgentAddr)
	if err != nil {
		return nil, nil, err
	}
	tm, err := tel.txnMetrics()
	if err != nil {
		_ = tr.Close()
		return nil, nil, err
	}
	tcfg := cfg.TxnConfig()
	tcfg.Logger = logger
	tcfg.Tracer = tel.txnTracer()
	tcfg.Metrics = tm
	tc, err := txn.New(tcfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, nil, err
	}

	dm, err := tel.dispatchMetrics()
	if err != nil {
		_ = tc.Close()
		return nil, nil, err
	}
	dcfg := cfg.DispatchConfig()
	dcfg.Logger = logger
	dcfg.Tracer = tel.dispatchTracer()
	dcfg.Metrics = dm
	d, err := dispatch.New(dcfg, fabric, tc)
	if err != nil {
		_ = tc.Close()
		return nil, nil, err
	}
	return d, tc, nil
}
