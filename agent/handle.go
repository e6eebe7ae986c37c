package agent

import (
	"encoding"

	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

// Handle answers req addressed to dlid. ok is false when the request goes
// unanswered: the LID is unknown, req is itself a response or an injected
// fault dropped it.
func (a *Agent) Handle(dlid uint16, req *mad.MAD) (reply *mad.MAD, ok bool) {
	a.stats.received.Add(1)
	if req == nil || req.Method.IsResponse() {
		a.stats.rejected.Add(1)
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.nodes[dlid]
	if n == nil {
		a.stats.dropped.Add(1)
		a.events.Debug("unknown_lid", obs.KV("lid", dlid), obs.KV("attribute", req.AttributeID))
		return nil, false
	}
	fault := a.faults[dlid]
	if fault.DropRate > 0 && a.rng.Float64() < fault.DropRate {
		a.stats.dropped.Add(1)
		a.events.Debug("dropped", obs.KV("lid", dlid), obs.KV("attribute", req.AttributeID))
		return nil, false
	}

	var (
		data   []byte
		status = fault.Status
	)
	if status == mad.StatusSuccess {
		data, status = a.respond(n, req, fault.CorruptEcho)
	}
	if status != mad.StatusSuccess {
		a.stats.rejected.Add(1)
		a.events.Debug("rejected",
			obs.KV("lid", dlid),
			obs.KV("method", req.Method),
			obs.KV("attribute", req.AttributeID),
			obs.KV("status", status),
		)
		data = nil
	}
	a.stats.replied.Add(1)
	return req.Reply(status, data), true
}

func (a *Agent) respond(n *simNode, req *mad.MAD, corrupt bool) ([]byte, mad.Status) {
	want := mad.MethodGet
	if req.AttributeID == mad.AttrClearPortStatus {
		want = mad.MethodSet
	}

	switch req.AttributeID {
	case mad.AttrClassPortInfo, mad.AttrDataPortCounters, mad.AttrErrorPortCounters,
		mad.AttrPortStatus, mad.AttrClearPortStatus:
		if req.Method != want {
			return nil, mad.StatusMethodUnsupported
		}
	default:
		return nil, mad.StatusAttrUnsupported
	}

	switch req.AttributeID {
	case mad.AttrClassPortInfo:
		return encode(mad.ClassPortInfo{
			BaseVersion:   mad.BaseVersion,
			ClassVersion:  mad.ClassVersion,
			CapMask:       a.cfg.CapMask,
			RespTimeValue: a.cfg.RespTimeValue,
		})
	case mad.AttrDataPortCounters:
		return dataPortCounters(n, req, corrupt)
	case mad.AttrErrorPortCounters:
		return errorPortCounters(n, req, corrupt)
	case mad.AttrPortStatus:
		return portStatus(n, req, corrupt)
	default:
		return clearPortStatus(n, req, corrupt)
	}
}

// selectedPorts resolves a multi-port selection, checking it against the
// block count in the attribute modifier.
func selectedPorts(n *simNode, sel mad.PortSelectMask, mod uint32) ([]*simPort, mad.Status) {
	nums := sel.Ports()
	if len(nums) == 0 || mad.NumBlocks(mod) != len(nums) {
		return nil, mad.StatusPMNumBlocks
	}
	ports := make([]*simPort, 0, len(nums))
	for _, num := range nums {
		p := n.port(num)
		if p == nil {
			return nil, mad.StatusInvalidField
		}
		ports = append(ports, p)
	}
	return ports, mad.StatusSuccess
}

func dataPortCounters(n *simNode, req *mad.MAD, corrupt bool) ([]byte, mad.Status) {
	r, err := mad.DecodeDataPortCountersRequest(req.Data)
	if err != nil {
		return nil, mad.StatusInvalidField
	}
	ports, status := selectedPorts(n, r.PortSelect, req.AttributeMod)
	if status != mad.StatusSuccess {
		return nil, status
	}
	if mad.DataCountersHeaderSize+len(ports)*mad.DataRecordSize(mad.VLCount(r.VLSelect)) > mad.MaxPayload {
		return nil, mad.StatusPMRequestTooLarge
	}

	lli, ler := mad.SplitResolution(r.Resolution)
	resp := mad.DataPortCountersResponse{
		PortSelect: r.PortSelect,
		VLSelect:   r.VLSelect,
		Resolution: r.Resolution,
		Ports:      make([]mad.DataPortRecord, 0, len(ports)),
	}
	for _, p := range ports {
		rec := mad.DataPortRecord{
			PortNumber:   p.num,
			LinkQuality:  mad.NewLinkQuality(p.counters.LinkQualityIndicator, p.counters.NumLanesDown),
			Counters:     p.counters.DataCounters,
			ErrorSummary: mad.ErrorSummary(p.counters.ErrorCounters, lli, ler),
		}
		if r.VLSelect != 0 {
			rec.VLs = make([]mad.VLDataCounters, 0, mad.VLCount(r.VLSelect))
			for _, vl := range mad.VLs(r.VLSelect) {
				rec.VLs = append(rec.VLs, p.lane(vl).VLDataCounters)
			}
		}
		if corrupt {
			rec.PortNumber++
		}
		resp.Ports = append(resp.Ports, rec)
	}
	return encode(resp)
}

func errorPortCounters(n *simNode, req *mad.MAD, corrupt bool) ([]byte, mad.Status) {
	r, err := mad.DecodeErrorPortCountersRequest(req.Data)
	if err != nil {
		return nil, mad.StatusInvalidField
	}
	ports, status := selectedPorts(n, r.PortSelect, req.AttributeMod)
	if status != mad.StatusSuccess {
		return nil, status
	}
	if mad.ErrorCountersHeaderSize+len(ports)*mad.ErrorRecordSize(mad.VLCount(r.VLSelect)) > mad.MaxPayload {
		return nil, mad.StatusPMRequestTooLarge
	}

	resp := mad.ErrorPortCountersResponse{
		PortSelect: r.PortSelect,
		VLSelect:   r.VLSelect,
		Ports:      make([]mad.ErrorPortRecord, 0, len(ports)),
	}
	for _, p := range ports {
		rec := mad.ErrorPortRecord{PortNumber: p.num, Counters: p.counters.ErrorCounters}
		if r.VLSelect != 0 {
			rec.VLXmitDiscards = make([]uint64, 0, mad.VLCount(r.VLSelect))
			for _, vl := range mad.VLs(r.VLSelect) {
				rec.VLXmitDiscards = append(rec.VLXmitDiscards, p.lane(vl).XmitDiscards)
			}
		}
		if corrupt {
			rec.PortNumber++
		}
		resp.Ports = append(resp.Ports, rec)
	}
	return encode(resp)
}

func portStatus(n *simNode, req *mad.MAD, corrupt bool) ([]byte, mad.Status) {
	r, err := mad.DecodePortStatusRequest(req.Data)
	if err != nil {
		return nil, mad.StatusInvalidField
	}
	p := n.port(r.PortNumber)
	if p == nil {
		return nil, mad.StatusInvalidField
	}
	if mad.PortStatusSize(mad.VLCount(r.VLSelect)) > mad.MaxPayload {
		return nil, mad.StatusPMRequestTooLarge
	}

	resp := mad.PortStatusResponse{
		PortNumber:  p.num,
		VLSelect:    r.VLSelect,
		Data:        p.counters.DataCounters,
		Errors:      p.counters.ErrorCounters,
		LinkQuality: mad.NewLinkQuality(p.counters.LinkQualityIndicator, p.counters.NumLanesDown),
	}
	for _, vl := range mad.VLs(r.VLSelect) {
		lane := p.lane(vl)
		resp.VLs = append(resp.VLs, mad.PortStatusVLRecord{VLDataCounters: lane.VLDataCounters, XmitDiscards: lane.XmitDiscards})
	}
	if corrupt {
		resp.PortNumber++
	}
	return encode(resp)
}

func clearPortStatus(n *simNode, req *mad.MAD, corrupt bool) ([]byte, mad.Status) {
	c, err := mad.DecodeClearPortStatus(req.Data)
	if err != nil {
		return nil, mad.StatusInvalidField
	}
	ports, status := selectedPorts(n, c.PortSelect, req.AttributeMod)
	if status != mad.StatusSuccess {
		return nil, status
	}
	for _, p := range ports {
		topology.ClearCounters(&p.counters, p.vls[:], c.CounterSelect)
	}
	if corrupt {
		c.CounterSelect ^= mad.SelectUncorrectableErrors
	}
	return encode(c)
}

// lane returns the counters of a virtual lane. Lanes without a counter slot
// read as zero.
func (p *simPort) lane(vl int) topology.VLCounters {
	idx, ok := mad.VLToIndex(vl)
	if !ok {
		return topology.VLCounters{}
	}
	return p.vls[idx]
}

func encode(m encoding.BinaryMarshaler) ([]byte, mad.Status) {
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, mad.StatusPMOperationFailed
	}
	return data, mad.StatusSuccess
}
