package dispatch

import (
	"fmt"

	events "github.com/docker/go-events"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

type sweepStart struct {
	sweep *SweepContext
}

type sweepCancel struct {
	sweep *SweepContext
}

// probeDone and packetDone carry the generation of the slot that sent the
// request; a completion for an older generation is stale.
type probeDone struct {
	sweep      *SweepContext
	node       NodeHandle
	gen        uint64
	completion txn.Completion
}

type packetDone struct {
	sweep      *SweepContext
	packet     PacketHandle
	gen        uint64
	completion txn.Completion
}

type nodeDone struct {
	sweep *SweepContext
	node  NodeHandle
}

// sink is the event loop. The queue delivers one event at a time, so every
// handler below runs without concurrent access to the pools.
type sink struct {
	d *Dispatcher
}

func (s *sink) Write(ev events.Event) error {
	d := s.d
	switch e := ev.(type) {
	case sweepStart:
		d.startSweep(e.sweep)
	case sweepCancel:
		e.sweep.cancelled = true
		d.checkDone(e.sweep)
	case probeDone:
		d.probeComplete(e.sweep, e.node, e.gen, e.completion)
	case packetDone:
		d.packetComplete(e.sweep, e.packet, e.gen, e.completion)
	case nodeDone:
		d.releaseNode(e.sweep, e.node)
	default:
		return fmt.Errorf("fabricpm dispatch: unexpected event %T", ev)
	}
	return nil
}

func (s *sink) Close() error {
	return nil
}

// startSweep clears every node slot and fills as many as the fabric allows.
func (d *Dispatcher) startSweep(sc *SweepContext) {
	for i := range d.nodes {
		d.nodes[i].release()
	}
	for i := range d.packets {
		d.packets[i].release()
	}
	for h := range d.nodes {
		if !d.assignNext(sc, NodeHandle(h)) {
			break
		}
	}
	d.checkDone(sc)
}

// assignNext walks forward from the sweep cursor and starts the first
// eligible node in slot h. It returns false when the walk is exhausted or the
// sweep is stopping.
func (d *Dispatcher) assignNext(sc *SweepContext, h NodeHandle) bool {
	for !d.stopping(sc) && sc.nextLID <= sc.maxLID {
		lid := uint16(sc.nextLID)
		sc.nextLID++
		node := d.fabric.Node(lid)
		if node == nil {
			continue
		}
		if node.PmaAvoid {
			d.skipNode(sc, node, "pma_avoid")
			continue
		}
		if node.Type != topology.NodeTypeSwitch && !d.cfg.ProcessHFICounters {
			d.skipNode(sc, node, "fi_disabled")
			continue
		}

		ns := &d.nodes[h]
		ns.reset(node)
		sc.activeNodes++
		sc.summary.NodesSwept++
		d.events.Debug("node_start", obs.KV("lid", node.LID), obs.KV("node", node.Description), obs.KV("slot", int(h)))
		d.nodeNextStep(sc, h)
		return true
	}
	return false
}

// skipNode counts a node that is not queried this sweep.
func (d *Dispatcher) skipNode(sc *SweepContext, node *topology.Node, reason string) {
	sc.summary.NodesSkipped++
	for _, p := range node.Ports() {
		img := &p.Image[sc.summary.Index]
		if !img.Active {
			continue
		}
		img.QueryStatus = topology.QuerySkip
		sc.summary.PortsSkipped++
	}
	d.stats.nodesSkipped.Add(1)
	d.events.Debug("node_skipped", obs.KV("lid", node.LID), obs.KV("node", node.Description), obs.KV("reason", reason))
	d.metricNodeSkipped(reason, node.Type.String())
}

// finishNode moves a node to Done and queues the release of its slot.
func (d *Dispatcher) finishNode(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	if ns.phase == PhaseDone {
		return
	}
	if ns.outstanding != 0 {
		d.drainNode(sc, h)
	}
	ns.enter(PhaseDone)
	node := ns.node
	sc.summary.Nodes = append(sc.summary.Nodes, NodeTrace{
		LID:    node.LID,
		Type:   node.Type.String(),
		Phases: append([]Phase(nil), ns.trace...),
		Failed: ns.failed,
		Reason: ns.reason,
	})
	fields := []obs.Field{obs.KV("lid", node.LID), obs.KV("node", node.Description)}
	if ns.failed {
		sc.summary.NoRespNodes++
		d.stats.nodesFailed.Add(1)
		fields = append(fields, obs.KV("reason", ns.reason))
		obs.SpanEvent(sc.span, "node_failed", fields...)
	} else {
		d.stats.nodesCompleted.Add(1)
		d.metricNodeCompleted(node.Type.String())
		obs.SpanEvent(sc.span, "node_done", fields...)
	}
	d.events.Debug("node_done", append(fields, obs.KV("failed", ns.failed))...)
	d.post(nodeDone{sweep: sc, node: h})
}

// drainNode abandons the requests a node still has in flight and fails the
// node. Their completions arrive for a retired generation and are dropped.
func (d *Dispatcher) drainNode(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	d.events.Error("node_outstanding",
		obs.KV("lid", ns.node.LID),
		obs.KV("phase", ns.phase),
		obs.KV("outstanding", ns.outstanding),
	)
	base := int(h) * d.cfg.PmaBatchSize
	for k := 0; k < d.cfg.PmaBatchSize; k++ {
		pkt := &d.packets[base+k]
		if !pkt.inUse {
			continue
		}
		d.failPacket(sc, pkt, &NodeError{LID: ns.node.LID, Phase: pkt.phase, Attribute: pkt.attr, Reason: "abandoned", Err: errAbandoned})
		pkt.release()
	}
	if !ns.failed {
		d.failNode(sc, ns, &NodeError{LID: ns.node.LID, Phase: ns.phase, Reason: "abandoned", Err: errAbandoned})
	}
	d.trackOutstanding(sc, ns, -ns.outstanding)
}

// releaseNode frees slot h and hands it to the next node of the walk.
func (d *Dispatcher) releaseNode(sc *SweepContext, h NodeHandle) {
	d.nodes[h].release()
	sc.activeNodes--
	d.assignNext(sc, h)
	d.checkDone(sc)
}

// checkDone posts the sweep's completion exactly once, after the walk is
// exhausted and the last node released its slot.
func (d *Dispatcher) checkDone(sc *SweepContext) {
	if sc.posted || sc.activeNodes > 0 {
		return
	}
	stopped := d.stopping(sc)
	if !stopped && sc.nextLID <= sc.maxLID {
		return
	}
	sc.posted = true
	sc.summary.Completed = !stopped
	close(sc.done)
}
