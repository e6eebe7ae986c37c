// Package agent simulates the performance management agents of a fabric. An
// Agent answers PM MADs addressed to any node of a topology.Fabric, which
// makes it a stand-in for real hardware in tests, examples and the agent CLI
// command.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

// Logger provides debug logging hooks for the agent.
type Logger = obs.Logger

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger = obs.StructuredLogger

// Defaults applied by New.
const (
	DefaultCapMask       uint16 = 0x0100
	DefaultRespTimeValue uint8  = 18
	DefaultLinkQuality   uint8  = 5
)

// ErrUnknownPort indicates a counter access for a port the agent does not
// simulate.
var ErrUnknownPort = errors.New("fabricpm agent: unknown port")

// Config controls New.
type Config struct {
	// Name labels logs.
	Name string
	// CapMask and RespTimeValue are advertised in ClassPortInfo.
	CapMask       uint16
	RespTimeValue uint8
	// Seed feeds the drop decisions of injected faults.
	Seed  int64
	Clock clock.Clock

	Logger           Logger
	StructuredLogger StructuredLogger
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = "fabricpm-agent"
	}
	if cfg.CapMask == 0 {
		cfg.CapMask = DefaultCapMask
	}
	if cfg.RespTimeValue == 0 {
		cfg.RespTimeValue = DefaultRespTimeValue
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
}

// Fault alters how the agent answers requests for one LID.
type Fault struct {
	// DropRate is the fraction of requests left unanswered, 0 through 1.
	DropRate float64
	// Status, when not success, is returned instead of the attribute.
	Status mad.Status
	// CorruptEcho makes replies misreport the ports or counters they carry.
	CorruptEcho bool
}

// Stats counts requests seen by the agent.
type Stats struct {
	Received uint64
	Replied  uint64
	Dropped  uint64
	Rejected uint64
	Ticks    uint64
}

type agentStats struct {
	received atomic.Uint64
	replied  atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
}

type simPort struct {
	num      uint8
	active   bool
	counters topology.PortCounters
	vls      [mad.MaxPMVLs]topology.VLCounters
}

type simNode struct {
	lid   uint16
	typ   topology.NodeType
	ports []*simPort
}

func (n *simNode) port(num uint8) *simPort {
	if int(num) >= len(n.ports) {
		return nil
	}
	return n.ports[num]
}

// Agent answers PM MADs for every node of a fabric.
type Agent struct {
	cfg    Config
	events *obs.Events

	mu     sync.Mutex
	nodes  map[uint16]*simNode
	faults map[uint16]Fault
	rng    *rand.Rand
	ticks  uint64

	stats agentStats
}

// New builds an agent simulating every node of fabric. Counters start at
// zero with a healthy link.
func New(cfg Config, fabric *topology.Fabric) (*Agent, error) {
	if fabric == nil {
		return nil, errors.New("fabricpm agent: fabric required")
	}
	cfg.applyDefaults()

	a := &Agent{
		cfg:    cfg,
		events: obs.NewEvents("fabricpm agent", cfg.Logger, cfg.StructuredLogger),
		nodes:  make(map[uint16]*simNode),
		faults: make(map[uint16]Fault),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, n := range fabric.Nodes() {
		sn := &simNode{lid: n.LID, typ: n.Type}
		for _, p := range n.Ports() {
			for int(p.Num) >= len(sn.ports) {
				sn.ports = append(sn.ports, nil)
			}
			sp := &simPort{num: p.Num, active: p.Active}
			sp.counters.LinkQualityIndicator = DefaultLinkQuality
			sn.ports[p.Num] = sp
		}
		a.nodes[n.LID] = sn
	}
	a.events.Debug("start", obs.KV("name", cfg.Name), obs.KV("nodes", len(a.nodes)))
	return a, nil
}

// SetFault installs f for lid, replacing any earlier fault.
func (a *Agent) SetFault(lid uint16, f Fault) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.faults[lid] = f
}

// ClearFault removes the fault for lid.
func (a *Agent) ClearFault(lid uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.faults, lid)
}

// Counters returns a copy of a port's current counters.
func (a *Agent) Counters(lid uint16, port uint8) (topology.PortCounters, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.lookup(lid, port)
	if p == nil {
		return topology.PortCounters{}, false
	}
	return p.counters, true
}

// Update applies fn to a port's counters and lanes, for instance to inject
// errors.
func (a *Agent) Update(lid uint16, port uint8, fn func(*topology.PortCounters, []topology.VLCounters)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.lookup(lid, port)
	if p == nil {
		return fmt.Errorf("%w: lid 0x%x port %d", ErrUnknownPort, lid, port)
	}
	fn(&p.counters, p.vls[:])
	return nil
}

func (a *Agent) lookup(lid uint16, port uint8) *simPort {
	n := a.nodes[lid]
	if n == nil {
		return nil
	}
	return n.port(port)
}

// Tick advances the counters of every active port by one step of simulated
// traffic. The growth depends only on the LID and port number.
func (a *Agent) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ticks++
	for _, n := range a.nodes {
		for _, p := range n.ports {
			if p == nil || !p.active {
				continue
			}
			step := uint64(n.lid)%64 + uint64(p.num) + 1
			c := &p.counters
			c.XmitData += step * 64
			c.RcvData += step * 64
			c.XmitPkts += step
			c.RcvPkts += step
			c.XmitWait += step / 2

			vl := &p.vls[0]
			vl.XmitData += step * 64
			vl.RcvData += step * 64
			vl.XmitPkts += step
			vl.RcvPkts += step
			vl.XmitWait += step / 2
		}
	}
}

// Stats returns a snapshot of request counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	ticks := a.ticks
	a.mu.Unlock()
	return Stats{
		Received: a.stats.received.Load(),
		Replied:  a.stats.replied.Load(),
		Dropped:  a.stats.dropped.Load(),
		Rejected: a.stats.rejected.Load(),
		Ticks:    ticks,
	}
}

// Serve answers requests arriving on tr until ctx is done or tr is closed.
// Replies are addressed back to the requester's LID.
func (a *Agent) Serve(ctx context.Context, tr txn.Transport) error {
	if tr == nil {
		return errors.New("fabricpm agent: transport required")
	}
	ctx = obs.EnsureContext(ctx)
	pause := &backoff.Backoff{Min: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}
	for {
		dg, err := tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, txn.ErrTransportClosed) {
				return nil
			}
			a.events.Debug("receive_error", obs.KV("error", err))
			timer := a.cfg.Clock.NewTimer(pause.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C():
			}
			continue
		}
		pause.Reset()

		req, err := mad.Unmarshal(dg.Payload)
		if err != nil {
			a.stats.rejected.Add(1)
			a.events.Debug("decode_error", obs.KV("slid", dg.SLID), obs.KV("error", err))
			continue
		}
		reply, ok := a.Handle(dg.DLID, req)
		if !ok {
			continue
		}
		payload, err := reply.MarshalBinary()
		if err != nil {
			a.events.Debug("encode_error", obs.KV("lid", dg.DLID), obs.KV("error", err))
			continue
		}
		err = tr.Send(ctx, txn.Datagram{SLID: dg.DLID, DLID: dg.SLID, Payload: payload})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, txn.ErrTransportClosed) {
				return nil
			}
			a.events.Debug("send_error", obs.KV("lid", dg.SLID), obs.KV("error", err))
		}
	}
}

// Run serves tr and, when tickEvery is positive, calls Tick on that period.
// It returns once ctx is done or tr is closed.
func (a *Agent) Run(ctx context.Context, tr txn.Transport, tickEvery time.Duration) error {
	ctx, cancel := context.WithCancel(obs.EnsureContext(ctx))
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.Serve(gctx, tr)
	})
	if tickEvery > 0 {
		g.Go(func() error {
			ticker := a.cfg.Clock.NewTicker(tickEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C():
					a.Tick()
				}
			}
		})
	}
	err := g.Wait()
	a.events.Debug("stop", obs.KV("name", a.cfg.Name), obs.KV("replied", a.stats.replied.Load()))
	return err
}
