package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabricpm/config"
)

var (
	logger *zap.SugaredLogger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:               "fabricpm",
	Short:             "fabric performance counter sweeper",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	cobra.OnInitialize(initViper)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (built-in defaults when empty)")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("agent-addr", "", "agent UDP address, overrides transport.agent_addr")
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("agent_addr", flags.Lookup("agent-addr"))

	rootCmd.AddCommand(sweepCmd, agentCmd, serveCmd, configCmd)
}

// initViper lets every bound flag be set from FABRICPM_<FLAG> as well.
func initViper() {
	viper.SetEnvPrefix("FABRICPM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	l, err := newLogger(viper.GetBool("debug"))
	if err != nil {
		return err
	}
	logger = l

	c, err := loadConfig(viper.GetString("config"))
	if err != nil {
		return err
	}
	if addr := viper.GetString("agent_addr"); addr != "" {
		c.Transport.AgentAddr = addr
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	logger.Debugw("fabricpm", "event", "config", "command", cmd.Name(), "file", viper.GetString("config"))
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.NewDefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	var (
		base *zap.Logger
		err  error
	)
	if debug {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return base.Sugar(), nil
}
