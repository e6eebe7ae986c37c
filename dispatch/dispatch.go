// Package dispatch sweeps the performance counters of every node in a fabric.
//
// A sweep walks the fabric by LID and keeps up to MaxParallelNodes nodes in
// flight, each with up to PmaBatchSize outstanding packets. Every node moves
// through the phases ClassInfo, DataCounters, ErrorCounters and
// ClearCounters, skipping the ones it does not need. All state changes run on
// a single event loop fed by transaction completions, so the dispatcher needs
// no locks of its own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	events "github.com/docker/go-events"
	"github.com/google/uuid"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

var (
	// ErrNotDone indicates the sweep stopped early because of Shutdown or
	// context cancellation.
	ErrNotDone = errors.New("fabricpm dispatch: sweep not done")
	// ErrSweepInProgress indicates a concurrent call to SweepAllPortCounters.
	ErrSweepInProgress = errors.New("fabricpm dispatch: sweep already in progress")
	// ErrClosed indicates the dispatcher has been closed.
	ErrClosed = errors.New("fabricpm dispatch: closed")

	errAbandoned = errors.New("fabricpm dispatch: request abandoned")
)

// Defaults applied by New.
const (
	DefaultMaxParallelNodes        = 10
	DefaultPmaBatchSize            = 2
	DefaultSweepErrorsLogThreshold = 10
	DefaultWaitInterval            = time.Second
	DefaultErrorClear              = 7
)

// Sender hands a request to the transaction layer. handler is invoked exactly
// once when Send returns nil and never otherwise. *txn.Context implements it.
type Sender interface {
	Send(dlid uint16, req *mad.MAD, handler txn.Handler) error
}

// Config controls New.
type Config struct {
	// Name labels logs, spans and metrics.
	Name string

	MaxParallelNodes int
	PmaBatchSize     int
	// PayloadBudget bounds the attribute payload of one request or reply.
	// It defaults to, and is capped at, mad.MaxPayload.
	PayloadBudget int

	ProcessVLCounters    bool
	ProcessHFICounters   bool
	ProcessErrorCounters bool
	// DisableMerge sends every port in a packet of its own.
	DisableMerge bool

	// Counter classes cleared once they pass ErrorClear eighths of their range.
	ClearDataXfer bool
	Clear64Bit    bool
	Clear32Bit    bool
	Clear8Bit     bool
	ErrorClear    uint8

	// ResolutionLLI and ResolutionLER reduce LocalLinkIntegrityErrors and
	// LinkErrorRecovery in the agent's error summary.
	ResolutionLLI uint32
	ResolutionLER uint32

	// SweepErrorsLogThreshold is the number of failures per sweep logged at
	// warn level; later failures are logged at info level.
	SweepErrorsLogThreshold int
	// WaitInterval paces the progress log while a sweep is waited on.
	WaitInterval time.Duration
	Clock        clock.Clock

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// DefaultConfig returns the configuration used by a stock manager.
func DefaultConfig() Config {
	return Config{
		MaxParallelNodes:        DefaultMaxParallelNodes,
		PmaBatchSize:            DefaultPmaBatchSize,
		PayloadBudget:           mad.MaxPayload,
		ProcessVLCounters:       true,
		ProcessHFICounters:      true,
		ProcessErrorCounters:    true,
		ClearDataXfer:           true,
		Clear64Bit:              true,
		Clear32Bit:              true,
		Clear8Bit:               true,
		ErrorClear:              DefaultErrorClear,
		SweepErrorsLogThreshold: DefaultSweepErrorsLogThreshold,
		WaitInterval:            DefaultWaitInterval,
	}
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = "fabricpm"
	}
	if cfg.MaxParallelNodes <= 0 {
		cfg.MaxParallelNodes = DefaultMaxParallelNodes
	}
	if cfg.PmaBatchSize <= 0 {
		cfg.PmaBatchSize = DefaultPmaBatchSize
	}
	if cfg.PayloadBudget <= 0 || cfg.PayloadBudget > mad.MaxPayload {
		cfg.PayloadBudget = mad.MaxPayload
	}
	if cfg.SweepErrorsLogThreshold < 0 {
		cfg.SweepErrorsLogThreshold = 0
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
}

// Stats contains counters accumulated across sweeps.
type Stats struct {
	Sweeps            uint64
	SweepsNotDone     uint64
	NodesCompleted    uint64
	NodesFailed       uint64
	NodesSkipped      uint64
	PacketsSent       uint64
	PacketsFailed     uint64
	StaleCompletions  uint64
	Outstanding       int64
	MaxOutstanding    int64
	SweepInProgress   bool
	ShutdownRequested bool
}

type dispatcherStats struct {
	sweeps         atomic.Uint64
	sweepsNotDone  atomic.Uint64
	nodesCompleted atomic.Uint64
	nodesFailed    atomic.Uint64
	nodesSkipped   atomic.Uint64
	packetsSent    atomic.Uint64
	packetsFailed  atomic.Uint64
	stale          atomic.Uint64
	outstanding    atomic.Int64
	maxOutstanding atomic.Int64
}

// Dispatcher runs counter sweeps over a fabric.
type Dispatcher struct {
	cfg        Config
	fabric     *topology.Fabric
	sender     Sender
	clock      clock.Clock
	plan       planner
	thresholds topology.ClearThresholds
	lliShift   uint8
	lerShift   uint8

	// Pools owned by the event loop.
	nodes   []nodeSweep
	packets []packetSweep

	queue   *events.Queue
	closing chan struct{}

	running  atomic.Bool
	shutdown atomic.Bool
	closed   atomic.Bool

	events    *obs.Events
	tracer    Tracer
	metrics   MetricHook
	baseAttrs map[string]string
	stats     dispatcherStats
}

// New builds a dispatcher that sweeps fabric through sender. The node and
// packet pools are allocated once here and reused by every sweep.
func New(cfg Config, fabric *topology.Fabric, sender Sender) (*Dispatcher, error) {
	if fabric == nil {
		return nil, errors.New("fabricpm dispatch: fabric required")
	}
	if sender == nil {
		return nil, errors.New("fabricpm dispatch: sender required")
	}
	cfg.applyDefaults()
	if need := mad.MinPayload(cfg.ProcessVLCounters); cfg.PayloadBudget < need {
		return nil, fmt.Errorf("fabricpm dispatch: payload budget %d below %d, the largest single-port reply", cfg.PayloadBudget, need)
	}

	d := &Dispatcher{
		cfg:        cfg,
		fabric:     fabric,
		sender:     sender,
		clock:      cfg.Clock,
		plan:       planner{payload: cfg.PayloadBudget, processVLs: cfg.ProcessVLCounters},
		thresholds: topology.NewClearThresholds(mad.BuildCounterSelect(cfg.ClearDataXfer, cfg.Clear64Bit, cfg.Clear32Bit, cfg.Clear8Bit), cfg.ErrorClear),
		lliShift:   mad.ResolutionToShift(cfg.ResolutionLLI, mad.ResolutionAdderLLI),
		lerShift:   mad.ResolutionToShift(cfg.ResolutionLER, mad.ResolutionAdderLER),
		nodes:      make([]nodeSweep, cfg.MaxParallelNodes),
		packets:    make([]packetSweep, cfg.MaxParallelNodes*cfg.PmaBatchSize),
		closing:    make(chan struct{}),
		events:     obs.NewEvents("fabricpm sweep dispatcher", cfg.Logger, cfg.StructuredLogger),
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		baseAttrs:  map[string]string{labelComponent: cfg.Name},
	}
	for i := range d.packets {
		d.packets[i].node = NodeHandle(i / cfg.PmaBatchSize)
	}
	d.queue = events.NewQueue(&sink{d: d})
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// SweepAllPortCounters sweeps every node once and blocks until the sweep
// finishes. The returned summary is valid even when the error is ErrNotDone;
// an incomplete sweep is not published to the fabric.
func (d *Dispatcher) SweepAllPortCounters(ctx context.Context) (*Summary, error) {
	ctx = obs.EnsureContext(ctx)
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if d.shutdown.Load() {
		return nil, ErrNotDone
	}
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer d.running.Store(false)

	index, previous := d.fabric.BeginSweep()
	sc := newSweepContext(uuid.NewString(), index, previous, d.fabric.MaxLID(), d.clock.Now())
	sc.span = d.startSweepSpan(sc)
	startFields := []obs.Field{
		obs.KV("sweep_id", sc.summary.ID),
		obs.KV("sweep_index", index),
		obs.KV("max_lid", sc.maxLID),
	}
	d.events.Info("sweep_start", startFields...)
	obs.SpanEvent(sc.span, "sweep_start", startFields...)
	d.metricSweepStarted()

	if err := d.queue.Write(sweepStart{sweep: sc}); err != nil {
		err = fmt.Errorf("start sweep: %w", err)
		obs.EndSpan(sc.span, err)
		return nil, err
	}

	ticker := d.clock.NewTicker(d.cfg.WaitInterval)
	defer ticker.Stop()
	ctxDone := ctx.Done()
wait:
	for {
		select {
		case <-sc.done:
			break wait
		case <-ctxDone:
			ctxDone = nil
			d.events.Info("sweep_cancel", obs.KV("sweep_id", sc.summary.ID), obs.KV("error", ctx.Err()))
			d.post(sweepCancel{sweep: sc})
		case <-d.closing:
			obs.EndSpan(sc.span, ErrClosed)
			return nil, ErrClosed
		case <-ticker.C():
			d.events.Debug("sweep_wait",
				obs.KV("sweep_id", sc.summary.ID),
				obs.KV("outstanding", d.stats.outstanding.Load()),
			)
		}
	}

	return d.finishSweep(sc)
}

func (d *Dispatcher) finishSweep(sc *SweepContext) (*Summary, error) {
	s := &sc.summary
	if s.Completed {
		report := d.fabric.CompleteSweep(s.Index, d.cfg.ProcessVLCounters)
		s.DowngradedPorts = report.DowngradedPorts
		s.UnexpectedClearPorts = len(report.UnexpectedClears)
		s.UnexpectedClears = report.UnexpectedClears
	}
	s.Finished = d.clock.Now()
	s.Duration = s.Finished.Sub(s.Started)

	d.stats.sweeps.Add(1)
	var err error
	status := "ok"
	if !s.Completed {
		err = ErrNotDone
		status = "not_done"
		d.stats.sweepsNotDone.Add(1)
	}
	d.reportSweep(sc, status)
	d.metricSweepCompleted(status)
	obs.EndSpan(sc.span, err)

	out := *s
	return &out, err
}

// reportSweep logs the sweep's aggregate diagnostics.
func (d *Dispatcher) reportSweep(sc *SweepContext, status string) {
	s := &sc.summary
	for _, uc := range s.UnexpectedClears {
		d.events.Warn("unexpected_clear",
			obs.KV("lid", uc.LID),
			obs.KV("guid", fmt.Sprintf("0x%016x", uc.GUID)),
			obs.KV("node", uc.Description),
			obs.KV("port", uc.Port),
			obs.KV("counters", uc.Mask.String()),
		)
	}
	fields := []obs.Field{
		obs.KV("sweep_id", s.ID),
		obs.KV("status", status),
		obs.KV("duration", s.Duration),
		obs.KV("nodes_swept", s.NodesSwept),
		obs.KV("ports_swept", s.PortsSwept),
		obs.KV("nodes_skipped", s.NodesSkipped),
		obs.KV("ports_skipped", s.PortsSkipped),
		obs.KV("no_resp_nodes", s.NoRespNodes),
		obs.KV("no_resp_ports", s.NoRespPorts),
		obs.KV("unexpected_clear_ports", s.UnexpectedClearPorts),
		obs.KV("downgraded_ports", s.DowngradedPorts),
		obs.KV("packets_sent", s.PacketsSent),
		obs.KV("packets_failed", s.PacketsFailed),
	}
	if s.NoRespNodes > 0 || s.NoRespPorts > 0 || s.UnexpectedClearPorts > 0 || s.DowngradedPorts > 0 {
		d.events.Warn("sweep_done", fields...)
	} else {
		d.events.Info("sweep_done", fields...)
	}
	obs.SpanEvent(sc.span, "sweep_done", fields...)
}

// Shutdown stops scheduling new work. Outstanding requests drain and the
// sweep in progress returns ErrNotDone.
func (d *Dispatcher) Shutdown() {
	if d.shutdown.CompareAndSwap(false, true) {
		d.events.Info("shutdown")
	}
}

// Close shuts the dispatcher down and stops its event loop. A sweep still
// waiting returns ErrClosed.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.Shutdown()
	close(d.closing)
	return d.queue.Close()
}

// Stats returns a snapshot of dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sweeps:            d.stats.sweeps.Load(),
		SweepsNotDone:     d.stats.sweepsNotDone.Load(),
		NodesCompleted:    d.stats.nodesCompleted.Load(),
		NodesFailed:       d.stats.nodesFailed.Load(),
		NodesSkipped:      d.stats.nodesSkipped.Load(),
		PacketsSent:       d.stats.packetsSent.Load(),
		PacketsFailed:     d.stats.packetsFailed.Load(),
		StaleCompletions:  d.stats.stale.Load(),
		Outstanding:       d.stats.outstanding.Load(),
		MaxOutstanding:    d.stats.maxOutstanding.Load(),
		SweepInProgress:   d.running.Load(),
		ShutdownRequested: d.shutdown.Load(),
	}
}

func (d *Dispatcher) stopping(sc *SweepContext) bool {
	return sc.cancelled || d.shutdown.Load()
}

// post queues an event for the loop. Events posted after Close are dropped.
func (d *Dispatcher) post(ev events.Event) {
	if err := d.queue.Write(ev); err != nil {
		d.events.Debug("event_dropped", obs.KV("type", fmt.Sprintf("%T", ev)), obs.KV("error", err))
	}
}
