package dispatch

import (
	"sort"

	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

// planner packs a node's sorted ports into packets that fit one MAD. New
// rejects a payload below mad.MinPayload, so a packet's first record always
// fits.
type planner struct {
	payload    int
	processVLs bool
}

// budget is the space left for port records in a phase's reply.
func (pl planner) budget(phase Phase, t topology.NodeType) int {
	switch phase {
	case PhaseDataCounters:
		if t == topology.NodeTypeSwitch {
			return pl.payload - mad.DataCountersHeaderSize
		}
		return pl.payload
	case PhaseErrorCounters:
		return pl.payload - mad.ErrorCountersHeaderSize
	case PhaseClearCounters:
		return pl.payload - mad.ClearPortStatusSize
	default:
		return 0
	}
}

// recordSize is the reply size of one port carrying numVLs lanes.
func (pl planner) recordSize(phase Phase, t topology.NodeType, numVLs int) int {
	if !pl.processVLs {
		numVLs = 0
	}
	switch phase {
	case PhaseDataCounters:
		if t == topology.NodeTypeSwitch {
			return mad.DataRecordSize(numVLs)
		}
		return mad.PortStatusSize(numVLs)
	case PhaseErrorCounters:
		return mad.ErrorRecordSize(numVLs)
	default:
		return 0
	}
}

// singlePort reports phases whose request addresses exactly one port.
func singlePort(phase Phase, t topology.NodeType) bool {
	return phase == PhaseDataCounters && t != topology.NodeTypeSwitch
}

// next fills pkt with the next run of mergeable ports and marks them
// dispatched. It returns false when no undispatched port remains.
//
// ports must already be sorted for the phase; skipped ports sort last.
func (pl planner) next(ports []ActivePort, phase Phase, t topology.NodeType, pkt *packetSweep) bool {
	pkt.reset()
	pkt.phase = phase
	budget := pl.budget(phase, t)

	for i := range ports {
		ap := &ports[i]
		if ap.Has(FlagSkip) {
			break
		}
		if ap.Has(FlagIsDispatched) {
			continue
		}
		if len(pkt.ports) == 0 {
			if pl.processVLs {
				pkt.vlSelect = ap.VLSelectMask
				pkt.numVLs = ap.NumVLs
			}
			pkt.clearSelect = ap.ClearSelect
			pl.add(pkt, ap, pl.recordSize(phase, t, pkt.numVLs))
			if ap.Has(FlagDoNotMerge) || singlePort(phase, t) {
				break
			}
			continue
		}
		if ap.Has(FlagDoNotMerge) || !pl.compatible(pkt, ap) {
			continue
		}
		size := pl.recordSize(phase, t, pkt.numVLs)
		if pkt.size+size > budget {
			break
		}
		pl.add(pkt, ap, size)
	}
	if len(pkt.ports) == 0 {
		return false
	}
	// Multi-port replies are ordered by port number.
	sort.Slice(pkt.ports, func(i, j int) bool { return pkt.ports[i].Port < pkt.ports[j].Port })
	return true
}

func (pl planner) add(pkt *packetSweep, ap *ActivePort, size int) {
	ap.set(FlagIsDispatched)
	pkt.ports = append(pkt.ports, ap)
	pkt.portSelect.Set(ap.Port)
	pkt.size += size
}

func (pl planner) compatible(pkt *packetSweep, ap *ActivePort) bool {
	if pkt.phase == PhaseClearCounters {
		return ap.ClearSelect == pkt.clearSelect
	}
	if !pl.processVLs {
		return true
	}
	return ap.VLSelectMask|pkt.vlSelect == pkt.vlSelect
}

// vlOrder sorts by descending lane count then ascending lane mask.
func vlOrder(a, b *ActivePort, processVLs bool) bool {
	if !processVLs {
		return false
	}
	if a.NumVLs != b.NumVLs {
		return a.NumVLs > b.NumVLs
	}
	return a.VLSelectMask < b.VLSelectMask
}

func skipOrder(a, b *ActivePort) (less, decided bool) {
	as, bs := a.Has(FlagSkip), b.Has(FlagSkip)
	switch {
	case as && bs:
		return false, true
	case as:
		return false, true
	case bs:
		return true, true
	}
	return false, false
}

func flagFirst(a, b *ActivePort, f PortFlags) (less, decided bool) {
	af, bf := a.Has(f), b.Has(f)
	if af == bf {
		return false, false
	}
	return af, true
}

// sortPorts orders ports for phase. The sort is stable so an unchanged port
// list always yields the same packet partition.
func sortPorts(ports []ActivePort, phase Phase, processVLs bool) {
	sort.SliceStable(ports, func(i, j int) bool {
		a, b := &ports[i], &ports[j]
		if less, ok := skipOrder(a, b); ok {
			return less
		}
		switch phase {
		case PhaseErrorCounters:
			if less, ok := flagFirst(a, b, FlagNeedsError); ok {
				return less
			}
		case PhaseClearCounters:
			if less, ok := flagFirst(a, b, FlagNeedsClear); ok {
				return less
			}
			return false
		}
		return vlOrder(a, b, processVLs)
	})
}

// redispatch clears the dispatched flag of the leading ports carrying f so
// the next phase packs only them.
func redispatch(ports []ActivePort, f PortFlags) int {
	n := 0
	for i := range ports {
		if !ports[i].Has(f) || ports[i].Has(FlagSkip) {
			break
		}
		ports[i].clear(FlagIsDispatched)
		n++
	}
	return n
}
