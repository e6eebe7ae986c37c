package dispatch

import (
	"encoding"
	"errors"
	"fmt"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

var errSelectMismatch = errors.New("reply selection differs from request")

// startPackets fills the node's free packet slots with the next runs of
// ports for the current phase.
func (d *Dispatcher) startPackets(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	base := int(h) * d.cfg.PmaBatchSize
	for k := 0; k < d.cfg.PmaBatchSize; k++ {
		if ns.failed || d.stopping(sc) {
			return
		}
		ph := PacketHandle(base + k)
		pkt := &d.packets[ph]
		if pkt.inUse {
			continue
		}
		if !d.plan.next(ns.ports, ns.phase, ns.node.Type, pkt) {
			return
		}
		d.sendPacket(sc, ph)
	}
}

func (d *Dispatcher) sendPacket(sc *SweepContext, ph PacketHandle) {
	pkt := &d.packets[ph]
	ns := &d.nodes[pkt.node]

	req, err := d.buildRequest(ns, pkt)
	if err != nil {
		d.failPacket(sc, pkt, &NodeError{LID: ns.node.LID, Phase: pkt.phase, Attribute: pkt.attr, Reason: "encode", Err: err})
		pkt.release()
		return
	}

	pkt.inUse = true
	pkt.gen++
	gen := pkt.gen
	d.trackOutstanding(sc, ns, 1)
	err = d.sender.Send(ns.node.LID, req, func(c txn.Completion) {
		d.post(packetDone{sweep: sc, packet: ph, gen: gen, completion: c})
	})
	if err != nil {
		d.trackOutstanding(sc, ns, -1)
		d.failPacket(sc, pkt, &NodeError{LID: ns.node.LID, Phase: pkt.phase, Attribute: pkt.attr, Reason: "send", Err: err})
		pkt.release()
		return
	}
	sc.summary.PacketsSent++
	d.stats.packetsSent.Add(1)
	d.metricPacketSent(pkt.phase)
	d.events.Debug("packet_sent",
		obs.KV("lid", ns.node.LID),
		obs.KV("phase", pkt.phase),
		obs.KV("attribute", pkt.attr),
		obs.KV("ports", len(pkt.ports)),
		obs.KV("vl_select", fmt.Sprintf("0x%x", pkt.vlSelect)),
	)
}

// buildRequest encodes the MAD for pkt and records its attribute.
func (d *Dispatcher) buildRequest(ns *nodeSweep, pkt *packetSweep) (*mad.MAD, error) {
	var (
		method = mad.MethodGet
		mod    = mad.AttributeModifier(len(pkt.ports))
		body   encoding.BinaryMarshaler
	)
	switch {
	case pkt.phase == PhaseDataCounters && ns.node.Type == topology.NodeTypeSwitch:
		pkt.attr = mad.AttrDataPortCounters
		body = mad.DataPortCountersRequest{
			PortSelect: pkt.portSelect,
			VLSelect:   pkt.vlSelect,
			Resolution: mad.Resolution(d.lliShift, d.lerShift),
		}
	case pkt.phase == PhaseDataCounters:
		pkt.attr = mad.AttrPortStatus
		mod = mad.AttributeModifier(1)
		body = mad.PortStatusRequest{PortNumber: pkt.ports[0].Port, VLSelect: pkt.vlSelect}
	case pkt.phase == PhaseErrorCounters:
		pkt.attr = mad.AttrErrorPortCounters
		body = mad.ErrorPortCountersRequest{PortSelect: pkt.portSelect, VLSelect: pkt.vlSelect}
	case pkt.phase == PhaseClearCounters:
		pkt.attr = mad.AttrClearPortStatus
		method = mad.MethodSet
		body = mad.ClearPortStatus{PortSelect: pkt.portSelect, CounterSelect: pkt.clearSelect}
	default:
		return nil, fmt.Errorf("no request for phase %s", pkt.phase)
	}
	data, err := body.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return mad.NewRequest(method, pkt.attr, mod, data), nil
}

// packetComplete validates a reply, copies its records into the sweep's port
// images and moves the node on.
func (d *Dispatcher) packetComplete(sc *SweepContext, ph PacketHandle, gen uint64, c txn.Completion) {
	pkt := &d.packets[ph]
	if !pkt.inUse || pkt.gen != gen {
		d.dropStale("packet", int(ph), c)
		return
	}
	h := pkt.node
	ns := &d.nodes[h]
	d.trackOutstanding(sc, ns, -1)

	if nerr := d.receive(sc, ns, pkt, c); nerr != nil {
		d.failPacket(sc, pkt, nerr)
	}
	pkt.release()
	d.continueNode(sc, h)
}

// continueNode starts more packets for the phase, or advances the node once
// its last packet is back.
func (d *Dispatcher) continueNode(sc *SweepContext, h NodeHandle) {
	ns := &d.nodes[h]
	if ns.phase == PhaseDone {
		return
	}
	d.startPackets(sc, h)
	if ns.outstanding == 0 {
		d.nodeNextStep(sc, h)
	}
}

func (d *Dispatcher) receive(sc *SweepContext, ns *nodeSweep, pkt *packetSweep, c txn.Completion) *NodeError {
	nerr := func(reason string, err error) *NodeError {
		return &NodeError{LID: ns.node.LID, Phase: pkt.phase, Attribute: pkt.attr, Reason: reason, Err: err}
	}
	if c.Status != txn.StatusOK || c.Reply == nil {
		return nerr("transport", completionErr(c))
	}
	if err := c.Reply.Err(); err != nil {
		return nerr("status", err)
	}
	if c.Reply.AttributeID != pkt.attr {
		return nerr("attribute", fmt.Errorf("reply carries %s", c.Reply.AttributeID))
	}

	var err error
	switch pkt.attr {
	case mad.AttrDataPortCounters:
		err = d.receiveDataCounters(sc, ns, pkt, c.Reply.Data)
	case mad.AttrPortStatus:
		err = d.receivePortStatus(sc, pkt, c.Reply.Data)
	case mad.AttrErrorPortCounters:
		err = d.receiveErrorCounters(sc, pkt, c.Reply.Data)
	case mad.AttrClearPortStatus:
		err = d.receiveClear(pkt, c.Reply.Data)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSelectMismatch):
		return nerr("select", err)
	default:
		return nerr("decode", err)
	}
}

func (d *Dispatcher) receiveDataCounters(sc *SweepContext, ns *nodeSweep, pkt *packetSweep, data []byte) error {
	resp, err := mad.DecodeDataPortCountersResponse(data)
	if err != nil {
		return err
	}
	if !resp.PortSelect.Equal(pkt.portSelect) || resp.VLSelect != pkt.vlSelect {
		return fmt.Errorf("%w: ports %v vl 0x%x", errSelectMismatch, resp.PortSelect.Ports(), resp.VLSelect)
	}
	if err := matchRecords(pkt, len(resp.Ports), func(i int) uint8 { return resp.Ports[i].PortNumber }); err != nil {
		return err
	}
	for i := range resp.Ports {
		d.copyDataCounters(sc, ns, pkt.ports[i], &resp.Ports[i], resp.VLSelect)
	}
	return nil
}

func (d *Dispatcher) receivePortStatus(sc *SweepContext, pkt *packetSweep, data []byte) error {
	resp, err := mad.DecodePortStatusResponse(data)
	if err != nil {
		return err
	}
	ap := pkt.ports[0]
	if resp.PortNumber != ap.Port || resp.VLSelect != pkt.vlSelect {
		return fmt.Errorf("%w: port %d vl 0x%x", errSelectMismatch, resp.PortNumber, resp.VLSelect)
	}
	copyPortStatus(sc, ap, &resp)
	return nil
}

func (d *Dispatcher) receiveErrorCounters(sc *SweepContext, pkt *packetSweep, data []byte) error {
	resp, err := mad.DecodeErrorPortCountersResponse(data)
	if err != nil {
		return err
	}
	if !resp.PortSelect.Equal(pkt.portSelect) || resp.VLSelect != pkt.vlSelect {
		return fmt.Errorf("%w: ports %v vl 0x%x", errSelectMismatch, resp.PortSelect.Ports(), resp.VLSelect)
	}
	if err := matchRecords(pkt, len(resp.Ports), func(i int) uint8 { return resp.Ports[i].PortNumber }); err != nil {
		return err
	}
	for i := range resp.Ports {
		copyErrorCounters(sc, pkt.ports[i], &resp.Ports[i], resp.VLSelect)
	}
	return nil
}

func (d *Dispatcher) receiveClear(pkt *packetSweep, data []byte) error {
	resp, err := mad.DecodeClearPortStatus(data)
	if err != nil {
		return err
	}
	if !resp.PortSelect.Equal(pkt.portSelect) || resp.CounterSelect != pkt.clearSelect {
		return fmt.Errorf("%w: ports %v counters %s", errSelectMismatch, resp.PortSelect.Ports(), resp.CounterSelect)
	}
	return nil
}

// matchRecords checks that a multi-port reply carries one record per packed
// port, in the packet's port order.
func matchRecords(pkt *packetSweep, n int, port func(int) uint8) error {
	if n != len(pkt.ports) {
		return fmt.Errorf("%w: %d records for %d ports", errSelectMismatch, n, len(pkt.ports))
	}
	for i := 0; i < n; i++ {
		if got, want := port(i), pkt.ports[i].Port; got != want {
			return fmt.Errorf("%w: record %d is port %d, want %d", errSelectMismatch, i, got, want)
		}
	}
	return nil
}

// failPacket records a packet that produced no usable reply and fails its
// node. Ports in a failed clear keep their data but record that no clear
// took effect.
func (d *Dispatcher) failPacket(sc *SweepContext, pkt *packetSweep, nerr *NodeError) {
	ns := &d.nodes[pkt.node]
	sc.summary.PacketsFailed++
	d.stats.packetsFailed.Add(1)
	d.metricPacketFailed(nerr.Reason, pkt.phase)

	status := topology.QueryFailQuery
	if pkt.phase == PhaseClearCounters {
		status = topology.QueryFailClear
	}
	for _, ap := range pkt.ports {
		img := &ap.port.Image[sc.summary.Index]
		if pkt.phase == PhaseClearCounters {
			img.ClearSelectMask = 0
		}
		d.failPort(sc, img, status)
	}
	d.markFailed(sc, ns, "packet_failed", nerr)
}
