package dispatch

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

// NodeError describes why a node dropped out of a sweep.
type NodeError struct {
	LID       uint16
	Phase     Phase
	Attribute mad.AttributeID
	Reason    string
	Err       error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("fabricpm dispatch: lid 0x%x %s %s: %s: %v", e.LID, e.Phase, e.Attribute, e.Reason, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// nodeNextStep advances node h as far as it can go without waiting. It is
// called when the node starts and whenever its last outstanding packet
// completes, so every phase entry tolerates being reached from either path.
func (d *Dispatcher) nodeNextStep(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	if ns.phase == PhaseDone {
		return
	}
	if ns.failed || d.stopping(sc) {
		d.finishNode(sc, h)
		return
	}

	switch ns.phase {
	case PhaseNone:
		if !d.fabric.Probed(ns.node) {
			ns.enter(PhaseClassInfo)
			d.sendProbe(sc, h)
			return
		}
		fallthrough

	case PhaseClassInfo:
		ns.enter(PhaseDataCounters)
		d.buildPorts(sc, ns)
		sortPorts(ns.ports, PhaseDataCounters, d.cfg.ProcessVLCounters)
		if d.startPhase(sc, h) {
			return
		}
		fallthrough

	case PhaseDataCounters:
		if ns.phase == PhaseDataCounters && d.wantErrorPhase(ns) {
			ns.enter(PhaseErrorCounters)
			sortPorts(ns.ports, PhaseErrorCounters, d.cfg.ProcessVLCounters)
			redispatch(ns.ports, FlagNeedsError)
			if d.startPhase(sc, h) {
				return
			}
		}
		fallthrough

	case PhaseErrorCounters:
		if ns.phase < PhaseClearCounters {
			d.tabulate(sc, ns)
			if ns.needClear && !ns.canClearAll {
				d.skipClear(sc, ns)
			} else if ns.needClear {
				ns.enter(PhaseClearCounters)
				sortPorts(ns.ports, PhaseClearCounters, d.cfg.ProcessVLCounters)
				redispatch(ns.ports, FlagNeedsClear)
				if d.startPhase(sc, h) {
					return
				}
			}
		}
		fallthrough

	case PhaseClearCounters:
		d.finishNode(sc, h)
	}
}

// startPhase starts the packets of the node's current phase. It reports
// whether the node has to wait for completions. A node that failed while
// starting is finished here.
func (d *Dispatcher) startPhase(sc *SweepContext, h NodeHandle) bool {
	ns := &d.nodes[h]
	d.startPackets(sc, h)
	if ns.outstanding > 0 {
		return true
	}
	if ns.failed || d.stopping(sc) {
		d.finishNode(sc, h)
		return true
	}
	return false
}

func (d *Dispatcher) wantErrorPhase(ns *nodeSweep) bool {
	return d.cfg.ProcessErrorCounters && ns.node.Type == topology.NodeTypeSwitch && ns.needError
}

// buildPorts fills the node's port list from the images of this sweep.
// Switches sweep port 0 and every external port; other nodes sweep the port
// that owns their LID.
func (d *Dispatcher) buildPorts(sc *SweepContext, ns *nodeSweep) {
	var ports []*topology.Port
	if ns.node.Type == topology.NodeTypeSwitch {
		ports = ns.node.Ports()
	} else if p := ns.node.LIDPort(); p != nil {
		ports = []*topology.Port{p}
	}
	ns.ports = ns.ports[:0]
	for _, p := range ports {
		img := &p.Image[sc.summary.Index]
		ap := ActivePort{Port: p.Num, port: p}
		if !img.Active {
			ap.set(FlagSkip)
		} else if d.cfg.ProcessVLCounters {
			ap.VLSelectMask = img.VLSelectMask & validVLMask
			ap.NumVLs = mad.VLCount(ap.VLSelectMask)
		}
		if d.cfg.DisableMerge {
			ap.set(FlagDoNotMerge)
		}
		ns.ports = append(ns.ports, ap)
	}
	sc.summary.PortsSwept += lo.CountBy(ns.ports, func(ap ActivePort) bool { return !ap.Has(FlagSkip) })
}

// validVLMask selects the lanes that have a counter slot: data VLs 0..7 and
// VL15.
const validVLMask uint32 = 0x000080FF

func (d *Dispatcher) sendProbe(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	req := mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil)
	gen := ns.gen
	d.trackOutstanding(sc, ns, 1)
	err := d.sender.Send(ns.node.LID, req, func(c txn.Completion) {
		d.post(probeDone{sweep: sc, node: h, gen: gen, completion: c})
	})
	if err != nil {
		d.trackOutstanding(sc, ns, -1)
		d.failNode(sc, ns, &NodeError{LID: ns.node.LID, Phase: ns.phase, Attribute: mad.AttrClassPortInfo, Reason: "send", Err: err})
		d.finishNode(sc, h)
		return
	}
	sc.summary.PacketsSent++
	d.stats.packetsSent.Add(1)
	d.metricPacketSent(ns.phase)
}

func (d *Dispatcher) probeComplete(sc *SweepContext, h NodeHandle, gen uint64, c txn.Completion) {
	ns := &d.nodes[h]
	if !ns.inUse || ns.gen != gen || ns.phase != PhaseClassInfo {
		d.dropStale("probe", int(h), c)
		return
	}
	d.trackOutstanding(sc, ns, -1)

	cpi, nerr := d.checkProbe(ns, c)
	if nerr != nil {
		d.failNode(sc, ns, nerr)
	} else {
		d.fabric.SetClassPortInfo(ns.node, cpi)
		d.events.Debug("class_port_info",
			obs.KV("lid", ns.node.LID),
			obs.KV("cap_mask", cpi.CapMask),
			obs.KV("resp_time_value", cpi.RespTimeValue),
		)
	}
	d.nodeNextStep(sc, h)
}

func (d *Dispatcher) checkProbe(ns *nodeSweep, c txn.Completion) (mad.ClassPortInfo, *NodeError) {
	nerr := &NodeError{LID: ns.node.LID, Phase: PhaseClassInfo, Attribute: mad.AttrClassPortInfo}
	if c.Status != txn.StatusOK || c.Reply == nil {
		nerr.Reason, nerr.Err = "transport", completionErr(c)
		return mad.ClassPortInfo{}, nerr
	}
	if err := c.Reply.Err(); err != nil {
		nerr.Reason, nerr.Err = "status", err
		return mad.ClassPortInfo{}, nerr
	}
	if c.Reply.AttributeID != mad.AttrClassPortInfo {
		nerr.Reason, nerr.Err = "attribute", fmt.Errorf("reply carries %s", c.Reply.AttributeID)
		return mad.ClassPortInfo{}, nerr
	}
	cpi, err := mad.DecodeClassPortInfo(c.Reply.Data)
	if err != nil {
		nerr.Reason, nerr.Err = "decode", err
		return mad.ClassPortInfo{}, nerr
	}
	return cpi, nil
}

// failNode fails the whole node: every port still in good standing is
// marked as not responding.
func (d *Dispatcher) failNode(sc *SweepContext, ns *nodeSweep, nerr *NodeError) {
	ports := ns.node.Ports()
	if ns.node.Type != topology.NodeTypeSwitch {
		ports = lo.Filter(ports, func(p *topology.Port, _ int) bool { return p == ns.node.LIDPort() })
	}
	for _, p := range ports {
		d.failPort(sc, &p.Image[sc.summary.Index], topology.QueryFailQuery)
	}
	d.markFailed(sc, ns, "node_failed", nerr)
}

// failPort records a port that did not answer. Only the first failure of a
// port is counted.
func (d *Dispatcher) failPort(sc *SweepContext, img *topology.PortImage, status topology.QueryStatus) {
	if !img.Active || img.QueryStatus != topology.QueryOK {
		return
	}
	img.QueryStatus = status
	sc.summary.NoRespPorts++
}

// markFailed stops new work for the node. Outstanding packets still drain and
// the node is counted once when it finishes.
func (d *Dispatcher) markFailed(sc *SweepContext, ns *nodeSweep, event string, nerr *NodeError) {
	if !ns.failed {
		ns.failed = true
		ns.reason = nerr.Reason
		d.metricNodeFailed(nerr.Reason, ns.node.Type.String(), nerr.Phase)
	}
	d.logFailure(sc, event, nerr)
	obs.SpanError(sc.span, nerr)
}

// logFailure logs at warn level until the sweep has seen
// SweepErrorsLogThreshold failures, then at info level.
func (d *Dispatcher) logFailure(sc *SweepContext, event string, nerr *NodeError) {
	sc.errors++
	fields := []obs.Field{
		obs.KV("lid", nerr.LID),
		obs.KV("phase", nerr.Phase),
		obs.KV("attribute", nerr.Attribute),
		obs.KV("reason", nerr.Reason),
		obs.KV("error", nerr.Err),
	}
	if sc.errors <= d.cfg.SweepErrorsLogThreshold {
		d.events.Warn(event, fields...)
		return
	}
	d.events.Info(event, fields...)
}

// tabulate decides which ports need their counters cleared. A node clears in
// one batch only when every port needs the same counters cleared.
func (d *Dispatcher) tabulate(sc *SweepContext, ns *nodeSweep) {
	ns.needClear = false
	ns.canClearAll = true
	ns.clearSelect = 0
	for i := range ns.ports {
		ap := &ns.ports[i]
		if ap.Has(FlagSkip) {
			continue
		}
		img := &ap.port.Image[sc.summary.Index]
		if !img.GotDataCounters {
			continue
		}
		sel := d.thresholds.Exceeded(&img.Counters)
		img.ClearSelectMask = sel
		ap.ClearSelect = sel
		if sel == 0 {
			continue
		}
		if ns.clearSelect != 0 && sel != ns.clearSelect {
			ns.canClearAll = false
		}
		ns.clearSelect = sel
		ap.set(FlagNeedsClear)
		ns.needClear = true
	}
}

// skipClear drops the clear step of a node whose ports disagree on the
// counters to clear. Their images record that no clear was issued.
func (d *Dispatcher) skipClear(sc *SweepContext, ns *nodeSweep) {
	ports := lo.Filter(ns.ports, func(ap ActivePort, _ int) bool { return ap.Has(FlagNeedsClear) })
	for _, ap := range ports {
		ap.port.Image[sc.summary.Index].ClearSelectMask = 0
	}
	sc.summary.ClearsSkipped++
	d.events.Info("clear_skipped",
		obs.KV("lid", ns.node.LID),
		obs.KV("node", ns.node.Description),
		obs.KV("ports", lo.Map(ports, func(ap ActivePort, _ int) uint8 { return ap.Port })),
	)
}

func (d *Dispatcher) trackOutstanding(sc *SweepContext, ns *nodeSweep, delta int) {
	ns.outstanding += delta
	sc.outstanding += delta
	if sc.outstanding > sc.summary.MaxOutstanding {
		sc.summary.MaxOutstanding = sc.outstanding
	}
	n := d.stats.outstanding.Add(int64(delta))
	for {
		peak := d.stats.maxOutstanding.Load()
		if n <= peak || d.stats.maxOutstanding.CompareAndSwap(peak, n) {
			break
		}
	}
}

// dropStale discards a completion whose slot has moved on.
func (d *Dispatcher) dropStale(kind string, slot int, c txn.Completion) {
	d.stats.stale.Add(1)
	d.events.Debug("stale_completion", obs.KV("kind", kind), obs.KV("slot", slot), obs.KV("status", c.Status))
}

func completionErr(c txn.Completion) error {
	if c.Err != nil {
		return c.Err
	}
	return fmt.Errorf("transaction %s", c.Status)
}
