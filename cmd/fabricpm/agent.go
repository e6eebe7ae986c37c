package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rocketbitz/fabricpm/agent"
	"github.com/rocketbitz/fabricpm/config"
	"github.com/rocketbitz/fabricpm/txn"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the simulated performance management agent",
	Long: `Answer performance management requests for every node of a fabric
description. The fabric comes from --fabric, or the fabric section of the
config file.

Example:
  fabricpm agent --listen 0.0.0.0:4791 --fabric fabric.yaml`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	flags := agentCmd.Flags()
	flags.String("listen", "", "UDP listen address, overrides transport.listen_addr")
	flags.String("fabric", "", "fabric description file, overrides the config fabric section")
	flags.Duration("tick", 0, "counter growth period, overrides agent.tick_interval")
	_ = viper.BindPFlag("agent.listen", flags.Lookup("listen"))
	_ = viper.BindPFlag("agent.fabric", flags.Lookup("fabric"))
	_ = viper.BindPFlag("agent.tick", flags.Lookup("tick"))
}

func runAgent(cmd *cobra.Command, _ []string) error {
	listen := cfg.Transport.ListenAddr
	if v := viper.GetString("agent.listen"); v != "" {
		listen = v
	}
	tick := cfg.Agent.TickInterval
	if v := viper.GetDuration("agent.tick"); v > 0 {
		tick = v
	}
	spec := cfg.Fabric
	if path := viper.GetString("agent.fabric"); path != "" {
		loaded, err := config.LoadFabricSpec(path)
		if err != nil {
			return err
		}
		spec = loaded
	}

	fabric, err := spec.Build()
	if err != nil {
		return err
	}
	acfg := cfg.AgentOptions()
	acfg.Logger = logger
	a, err := agent.New(acfg, fabric)
	if err != nil {
		return err
	}

	tr, err := txn.ListenUDP(listen)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("fabricpm agent", "event", "listen", "addr", tr.LocalAddr().String(), "nodes", len(fabric.Nodes()), "tick", tick)
	err = a.Run(ctx, tr, tick)
	st := a.Stats()
	logger.Infow("fabricpm agent", "event", "stop", "received", st.Received, "replied", st.Replied, "rejected", st.Rejected)
	return err
}
