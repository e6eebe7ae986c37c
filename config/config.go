// Package config loads the YAML configuration shared by the fabricpm
// commands and converts it into the settings of each component.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/fabricpm/agent"
	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/txn"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("fabricpm config: invalid configuration")

// Config holds the entire configuration from the YAML file.
type Config struct {
	PM        PMConfig        `yaml:"pm" json:"pm"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	History   HistoryConfig   `yaml:"history" json:"history"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Fabric    FabricSpec      `yaml:"fabric" json:"fabric"`
}

// PMConfig holds the sweep tunables.
type PMConfig struct {
	MaxParallelNodes   int           `yaml:"max_parallel_nodes" json:"max_parallel_nodes"`
	PmaBatchSize       int           `yaml:"pma_batch_size" json:"pma_batch_size"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries"`
	RcvWaitInterval    time.Duration `yaml:"rcv_wait_interval" json:"rcv_wait_interval"`
	MinRcvWaitInterval time.Duration `yaml:"min_rcv_wait_interval" json:"min_rcv_wait_interval"`
	PayloadBudget      int           `yaml:"payload_budget" json:"payload_budget"`

	ProcessVLCounters    bool `yaml:"process_vl_counters" json:"process_vl_counters"`
	ProcessHFICounters   bool `yaml:"process_hfi_counters" json:"process_hfi_counters"`
	ProcessErrorCounters bool `yaml:"process_error_counters" json:"process_error_counters"`
	DisableMerge         bool `yaml:"disable_merge" json:"disable_merge"`

	ClearDataXfer bool  `yaml:"clear_data_xfer" json:"clear_data_xfer"`
	Clear64Bit    bool  `yaml:"clear_64bit" json:"clear_64bit"`
	Clear32Bit    bool  `yaml:"clear_32bit" json:"clear_32bit"`
	Clear8Bit     bool  `yaml:"clear_8bit" json:"clear_8bit"`
	ErrorClear    uint8 `yaml:"error_clear" json:"error_clear"` // eighths of a counter's range

	ResolutionLLI uint32 `yaml:"resolution_lli" json:"resolution_lli"`
	ResolutionLER uint32 `yaml:"resolution_ler" json:"resolution_ler"`

	SweepErrorsLogThreshold int           `yaml:"sweep_errors_log_threshold" json:"sweep_errors_log_threshold"`
	SweepInterval           time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// TransportConfig holds the UDP addresses and transaction pool settings.
type TransportConfig struct {
	// AgentAddr is where the manager sends requests.
	AgentAddr string `yaml:"agent_addr" json:"agent_addr"`
	// ListenAddr is where the simulated agent accepts them.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	LocalLID   uint16 `yaml:"local_lid" json:"local_lid"`
	PoolSize   int    `yaml:"pool_size" json:"pool_size"`
}

// AgentConfig holds the simulated agent settings.
type AgentConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval"`
	Seed         int64         `yaml:"seed" json:"seed"`
}

// HistoryConfig locates the sweep history database.
type HistoryConfig struct {
	Enable bool   `yaml:"enable" json:"enable"`
	Path   string `yaml:"path" json:"path"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Defaults used by NewDefaultConfig and ApplyDefaults.
const (
	DefaultRcvWaitInterval = 100 * time.Millisecond
	DefaultSweepInterval   = 10 * time.Second
	DefaultAgentAddr       = "127.0.0.1:4791"
	DefaultListenAddr      = "127.0.0.1:4791"
	DefaultPoolSize        = 64
	DefaultTickInterval    = time.Second
	DefaultHistoryPath     = "fabricpm.db"
	DefaultServerListen    = ":8080"
	DefaultMaxRetries      = 3
)

// LoadConfig reads a YAML file over the defaults. Keys absent from the file
// keep their default values.
func LoadConfig(filePath string) (*Config, error) {
	cfg := NewDefaultConfig()
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", filePath, err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML content from '%s': %w", filePath, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(filePath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file '%s': %w", filePath, err)
	}
	return nil
}

// NewDefaultConfig creates a new config with default values and the demo
// fabric.
func NewDefaultConfig() *Config {
	return &Config{
		PM: PMConfig{
			MaxParallelNodes:        dispatch.DefaultMaxParallelNodes,
			PmaBatchSize:            dispatch.DefaultPmaBatchSize,
			MaxRetries:              DefaultMaxRetries,
			RcvWaitInterval:         DefaultRcvWaitInterval,
			PayloadBudget:           mad.MaxPayload,
			ProcessVLCounters:       true,
			ProcessHFICounters:      true,
			ProcessErrorCounters:    true,
			ClearDataXfer:           true,
			Clear64Bit:              true,
			Clear32Bit:              true,
			Clear8Bit:               true,
			ErrorClear:              dispatch.DefaultErrorClear,
			SweepErrorsLogThreshold: dispatch.DefaultSweepErrorsLogThreshold,
			SweepInterval:           DefaultSweepInterval,
		},
		Transport: TransportConfig{
			AgentAddr:  DefaultAgentAddr,
			ListenAddr: DefaultListenAddr,
			LocalLID:   txn.DefaultLocalLID,
			PoolSize:   DefaultPoolSize,
		},
		Agent: AgentConfig{
			TickInterval: DefaultTickInterval,
			Seed:         1,
		},
		History: HistoryConfig{
			Enable: true,
			Path:   DefaultHistoryPath,
		},
		Server: ServerConfig{
			Listen: DefaultServerListen,
		},
		Fabric: DefaultFabricSpec(),
	}
}

// ApplyDefaults applies default values to missing fields in the config.
// Booleans are left alone since false cannot be told apart from unset.
func (c *Config) ApplyDefaults() {
	if c.PM.MaxParallelNodes == 0 {
		c.PM.MaxParallelNodes = dispatch.DefaultMaxParallelNodes
	}
	if c.PM.PmaBatchSize == 0 {
		c.PM.PmaBatchSize = dispatch.DefaultPmaBatchSize
	}
	if c.PM.RcvWaitInterval == 0 {
		c.PM.RcvWaitInterval = DefaultRcvWaitInterval
	}
	if c.PM.PayloadBudget == 0 {
		c.PM.PayloadBudget = mad.MaxPayload
	}
	if c.PM.ErrorClear == 0 {
		c.PM.ErrorClear = dispatch.DefaultErrorClear
	}
	if c.PM.SweepInterval == 0 {
		c.PM.SweepInterval = DefaultSweepInterval
	}
	// Transport defaults
	if c.Transport.AgentAddr == "" {
		c.Transport.AgentAddr = DefaultAgentAddr
	}
	if c.Transport.ListenAddr == "" {
		c.Transport.ListenAddr = DefaultListenAddr
	}
	if c.Transport.LocalLID == 0 {
		c.Transport.LocalLID = txn.DefaultLocalLID
	}
	if c.Transport.PoolSize == 0 {
		c.Transport.PoolSize = DefaultPoolSize
	}
	// Agent defaults
	if c.Agent.TickInterval == 0 {
		c.Agent.TickInterval = DefaultTickInterval
	}
	if c.History.Path == "" {
		c.History.Path = DefaultHistoryPath
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultServerListen
	}
	c.Fabric.ApplyDefaults()
}

// Validate reports the first setting outside its allowed range.
func (c *Config) Validate() error {
	pm := c.PM
	switch {
	case pm.MaxParallelNodes < 1:
		return fmt.Errorf("%w: max_parallel_nodes must be at least 1, got %d", ErrInvalid, pm.MaxParallelNodes)
	case pm.PmaBatchSize < 1:
		return fmt.Errorf("%w: pma_batch_size must be at least 1, got %d", ErrInvalid, pm.PmaBatchSize)
	case pm.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative, got %d", ErrInvalid, pm.MaxRetries)
	case pm.RcvWaitInterval <= 0:
		return fmt.Errorf("%w: rcv_wait_interval must be positive, got %s", ErrInvalid, pm.RcvWaitInterval)
	case pm.MinRcvWaitInterval < 0 || pm.MinRcvWaitInterval > pm.RcvWaitInterval:
		return fmt.Errorf("%w: min_rcv_wait_interval must be between 0 and %s, got %s", ErrInvalid, pm.RcvWaitInterval, pm.MinRcvWaitInterval)
	case pm.PayloadBudget < mad.MinPayload(pm.ProcessVLCounters) || pm.PayloadBudget > mad.MaxPayload:
		return fmt.Errorf("%w: payload_budget must be between %d and %d, got %d", ErrInvalid,
			mad.MinPayload(pm.ProcessVLCounters), mad.MaxPayload, pm.PayloadBudget)
	case pm.ErrorClear > 7:
		return fmt.Errorf("%w: error_clear must be at most 7, got %d", ErrInvalid, pm.ErrorClear)
	case pm.SweepErrorsLogThreshold < 0:
		return fmt.Errorf("%w: sweep_errors_log_threshold must not be negative, got %d", ErrInvalid, pm.SweepErrorsLogThreshold)
	case pm.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive, got %s", ErrInvalid, pm.SweepInterval)
	case c.Transport.PoolSize < 1:
		return fmt.Errorf("%w: pool_size must be at least 1, got %d", ErrInvalid, c.Transport.PoolSize)
	case c.Transport.PoolSize < pm.MaxParallelNodes*pm.PmaBatchSize:
		return fmt.Errorf("%w: pool_size %d cannot hold %d nodes of %d packets", ErrInvalid,
			c.Transport.PoolSize, pm.MaxParallelNodes, pm.PmaBatchSize)
	case c.Agent.TickInterval < 0:
		return fmt.Errorf("%w: tick_interval must not be negative, got %s", ErrInvalid, c.Agent.TickInterval)
	}
	if err := c.Fabric.Validate(); err != nil {
		return err
	}
	return nil
}

// DispatchConfig converts the sweep tunables. Logging, tracing and metric
// hooks are left for the caller.
func (c *Config) DispatchConfig() dispatch.Config {
	pm := c.PM
	return dispatch.Config{
		MaxParallelNodes:        pm.MaxParallelNodes,
		PmaBatchSize:            pm.PmaBatchSize,
		PayloadBudget:           pm.PayloadBudget,
		ProcessVLCounters:       pm.ProcessVLCounters,
		ProcessHFICounters:      pm.ProcessHFICounters,
		ProcessErrorCounters:    pm.ProcessErrorCounters,
		DisableMerge:            pm.DisableMerge,
		ClearDataXfer:           pm.ClearDataXfer,
		Clear64Bit:              pm.Clear64Bit,
		Clear32Bit:              pm.Clear32Bit,
		Clear8Bit:               pm.Clear8Bit,
		ErrorClear:              pm.ErrorClear,
		ResolutionLLI:           pm.ResolutionLLI,
		ResolutionLER:           pm.ResolutionLER,
		SweepErrorsLogThreshold: pm.SweepErrorsLogThreshold,
	}
}

// TxnConfig converts the retry and transport settings.
func (c *Config) TxnConfig() txn.Config {
	return txn.Config{
		LocalLID:       c.Transport.LocalLID,
		PoolSize:       c.Transport.PoolSize,
		MaxRetries:     c.PM.MaxRetries,
		RespTimeout:    c.PM.RcvWaitInterval,
		MinRespTimeout: c.PM.MinRcvWaitInterval,
	}
}

// AgentOptions converts the simulated agent settings.
func (c *Config) AgentOptions() agent.Config {
	return agent.Config{Seed: c.Agent.Seed}
}
