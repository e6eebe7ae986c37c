package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabricpm.yaml")
	content := `
pm:
  max_parallel_nodes: 4
  rcv_wait_interval: 250ms
  process_vl_counters: false
  error_clear: 5
transport:
  agent_addr: 10.0.0.5:4791
fabric:
  nodes:
    - lid: 7
      type: switch
      ports: 4
      inactive_ports: [3]
    - lid: 9
      type: fi
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PM.MaxParallelNodes != 4 || cfg.PM.RcvWaitInterval != 250*time.Millisecond || cfg.PM.ErrorClear != 5 {
		t.Fatalf("file values not applied: %+v", cfg.PM)
	}
	if cfg.PM.ProcessVLCounters || !cfg.PM.ProcessErrorCounters {
		t.Fatalf("unexpected process flags: %+v", cfg.PM)
	}
	if cfg.PM.PmaBatchSize != 2 || cfg.PM.SweepInterval != DefaultSweepInterval || cfg.Transport.PoolSize != DefaultPoolSize {
		t.Fatalf("defaults not kept: %+v %+v", cfg.PM, cfg.Transport)
	}
	if cfg.Transport.AgentAddr != "10.0.0.5:4791" || cfg.Transport.ListenAddr != DefaultListenAddr {
		t.Fatalf("unexpected transport: %+v", cfg.Transport)
	}
	if len(cfg.Fabric.Nodes) != 2 {
		t.Fatalf("fabric nodes not replaced: %+v", cfg.Fabric.Nodes)
	}
	if fi := cfg.Fabric.Nodes[1]; fi.Ports != 1 || fi.VLSelect != DefaultVLSelect || fi.GUID != 9 {
		t.Fatalf("fabric defaults not applied: %+v", fi)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pm: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	cfg := NewDefaultConfig()
	cfg.PM.MinRcvWaitInterval = 20 * time.Millisecond
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.PM != cfg.PM || loaded.Transport != cfg.Transport || len(loaded.Fabric.Nodes) != len(cfg.Fabric.Nodes) {
		t.Fatalf("config changed across save: %+v", loaded)
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.PM.MaxParallelNodes != 10 || cfg.PM.PmaBatchSize != 2 || cfg.PM.PayloadBudget != mad.MaxPayload {
		t.Fatalf("unexpected defaults: %+v", cfg.PM)
	}
	if cfg.PM.ErrorClear != 7 || cfg.PM.RcvWaitInterval != DefaultRcvWaitInterval {
		t.Fatalf("unexpected defaults: %+v", cfg.PM)
	}
	if cfg.PM.ProcessVLCounters {
		t.Fatal("booleans should not be defaulted")
	}
	if cfg.Server.Listen != DefaultServerListen || cfg.History.Path != DefaultHistoryPath {
		t.Fatalf("unexpected defaults: %+v %+v", cfg.Server, cfg.History)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"parallel nodes", func(c *Config) { c.PM.MaxParallelNodes = -1 }},
		{"batch size", func(c *Config) { c.PM.PmaBatchSize = -2 }},
		{"min wait", func(c *Config) { c.PM.MinRcvWaitInterval = time.Second }},
		{"payload", func(c *Config) { c.PM.PayloadBudget = mad.MaxPayload + 1 }},
		{"payload with lanes", func(c *Config) { c.PM.PayloadBudget = mad.DataCountersHeaderSize + mad.DataPortRecordSize }},
		{"error clear", func(c *Config) { c.PM.ErrorClear = 8 }},
		{"pool", func(c *Config) { c.Transport.PoolSize = 4 }},
		{"node type", func(c *Config) { c.Fabric.Nodes[0].Type = "router" }},
		{"duplicate lid", func(c *Config) { c.Fabric.Nodes[1].LID = c.Fabric.Nodes[0].LID }},
		{"inactive port", func(c *Config) { c.Fabric.Nodes[0].InactivePorts = []uint8{99} }},
	}
	for _, tc := range cases {
		cfg := NewDefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.PM.DisableMerge = true
	cfg.PM.MinRcvWaitInterval = 10 * time.Millisecond

	dc := cfg.DispatchConfig()
	if dc.MaxParallelNodes != cfg.PM.MaxParallelNodes || !dc.DisableMerge || dc.ErrorClear != cfg.PM.ErrorClear {
		t.Fatalf("unexpected dispatch config: %+v", dc)
	}
	tc := cfg.TxnConfig()
	if tc.RespTimeout != cfg.PM.RcvWaitInterval || tc.MinRespTimeout != 10*time.Millisecond || tc.MaxRetries != 3 {
		t.Fatalf("unexpected txn config: %+v", tc)
	}
	if ac := cfg.AgentOptions(); ac.Seed != cfg.Agent.Seed {
		t.Fatalf("unexpected agent config: %+v", ac)
	}
}

func TestFabricSpecBuild(t *testing.T) {
	spec := DefaultFabricSpec()
	spec.Nodes[0].InactivePorts = []uint8{2}
	spec.Nodes[1].PmaAvoid = true

	fabric, err := spec.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := len(fabric.Nodes()); got != 6 {
		t.Fatalf("expected 6 nodes, got %d", got)
	}
	sw := fabric.Node(1)
	if sw.Type != topology.NodeTypeSwitch || len(sw.Ports()) != 9 || sw.Port(2).Active {
		t.Fatalf("unexpected switch: %+v", sw)
	}
	if !fabric.Node(2).PmaAvoid {
		t.Fatal("pma_avoid not applied")
	}
	fi := fabric.Node(0x10)
	if fi.Type != topology.NodeTypeFI || fi.LIDPort().Num != 1 || fi.LIDPort().VLSelectMask != DefaultVLSelect {
		t.Fatalf("unexpected fabric interface: %+v", fi)
	}
}

func TestLoadFabricSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	content := "nodes:\n  - lid: 3\n    type: sw\n    ports: 2\n    vl_select: 0x8001\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fabric: %v", err)
	}
	spec, err := LoadFabricSpec(path)
	if err != nil {
		t.Fatalf("LoadFabricSpec: %v", err)
	}
	fabric, err := spec.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p := fabric.Node(3).Port(2); p == nil || p.VLSelectMask != 0x8001 {
		t.Fatalf("unexpected port: %+v", p)
	}
}
