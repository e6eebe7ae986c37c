package dispatch

import (
	"fmt"
	"time"

	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

// Phase is the step a node has reached within a sweep.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseClassInfo
	PhaseDataCounters
	PhaseErrorCounters
	PhaseClearCounters
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseClassInfo:
		return "class_info"
	case PhaseDataCounters:
		return "data_counters"
	case PhaseErrorCounters:
		return "error_counters"
	case PhaseClearCounters:
		return "clear_counters"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name in JSON output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name written by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	for q := PhaseNone; q <= PhaseDone; q++ {
		if q.String() == string(text) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("fabricpm dispatch: unknown phase %q", text)
}

// PortFlags tracks one port's progress through a node's sweep.
type PortFlags uint8

const (
	// FlagSkip marks a port that is not queried this sweep.
	FlagSkip PortFlags = 1 << iota
	// FlagNeedsError marks a port whose error summary changed.
	FlagNeedsError
	// FlagNeedsClear marks a port with counters above the clear threshold.
	FlagNeedsClear
	// FlagIsDispatched marks a port already packed in the current phase.
	FlagIsDispatched
	// FlagDoNotMerge forces a port into a packet of its own.
	FlagDoNotMerge
)

// ActivePort is one port's entry in a node's sweep.
type ActivePort struct {
	Port         uint8
	VLSelectMask uint32
	NumVLs       int
	Flags        PortFlags
	// ClearSelect lists the counters to clear, set by tabulation.
	ClearSelect mad.CounterSelect

	port *topology.Port
}

// Has reports whether every flag in f is set.
func (p *ActivePort) Has(f PortFlags) bool {
	return p.Flags&f == f
}

func (p *ActivePort) set(f PortFlags) {
	p.Flags |= f
}

func (p *ActivePort) clear(f PortFlags) {
	p.Flags &^= f
}

// NodeHandle addresses a slot of the node pool.
type NodeHandle int

// PacketHandle addresses a slot of the packet pool. Packet slots are grouped
// per node: node h owns handles h*batch .. h*batch+batch-1.
type PacketHandle int

// nodeSweep is one slot of the node concurrency pool.
type nodeSweep struct {
	inUse       bool
	gen         uint64
	node        *topology.Node
	phase       Phase
	trace       []Phase
	ports       []ActivePort
	outstanding int
	failed      bool
	needError   bool
	needClear   bool
	canClearAll bool
	clearSelect mad.CounterSelect
	reason      string
}

func (ns *nodeSweep) reset(node *topology.Node) {
	ns.inUse = true
	ns.gen++
	ns.node = node
	ns.phase = PhaseNone
	ns.trace = append(ns.trace[:0], PhaseNone)
	ns.ports = ns.ports[:0]
	ns.outstanding = 0
	ns.failed = false
	ns.needError = false
	ns.needClear = false
	ns.canClearAll = true
	ns.clearSelect = 0
	ns.reason = ""
}

// enter advances the node to phase. Phases never move backwards.
func (ns *nodeSweep) enter(phase Phase) {
	if phase <= ns.phase {
		return
	}
	ns.phase = phase
	ns.trace = append(ns.trace, phase)
}

func (ns *nodeSweep) release() {
	ns.inUse = false
	ns.node = nil
	ns.ports = ns.ports[:0]
}

// packetSweep is one outstanding request of a node.
type packetSweep struct {
	inUse       bool
	gen         uint64
	node        NodeHandle
	phase       Phase
	attr        mad.AttributeID
	portSelect  mad.PortSelectMask
	vlSelect    uint32
	numVLs      int
	clearSelect mad.CounterSelect
	size        int
	ports       []*ActivePort
}

func (p *packetSweep) reset() {
	p.portSelect = mad.PortSelectMask{}
	p.vlSelect = 0
	p.numVLs = 0
	p.clearSelect = 0
	p.size = 0
	p.ports = nil
}

func (p *packetSweep) release() {
	p.inUse = false
	p.reset()
}

// NodeTrace records the phases one node passed through in a sweep.
type NodeTrace struct {
	LID    uint16  `json:"lid"`
	Type   string  `json:"type"`
	Phases []Phase `json:"phases"`
	Failed bool    `json:"failed"`
	Reason string  `json:"reason,omitempty"`
}

// Summary reports the outcome of one sweep.
type Summary struct {
	ID        string        `json:"id"`
	Index     int           `json:"index"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Duration  time.Duration `json:"duration"`
	Completed bool          `json:"completed"`

	NodesSwept           int `json:"nodes_swept"`
	PortsSwept           int `json:"ports_swept"`
	NodesSkipped         int `json:"nodes_skipped"`
	PortsSkipped         int `json:"ports_skipped"`
	NoRespNodes          int `json:"no_resp_nodes"`
	NoRespPorts          int `json:"no_resp_ports"`
	UnexpectedClearPorts int `json:"unexpected_clear_ports"`
	DowngradedPorts      int `json:"downgraded_ports"`
	PacketsSent          int `json:"packets_sent"`
	PacketsFailed        int `json:"packets_failed"`
	ClearsSkipped        int `json:"clears_skipped"`
	MaxOutstanding       int `json:"max_outstanding"`

	UnexpectedClears []topology.UnexpectedClear `json:"unexpected_clears,omitempty"`
	Nodes            []NodeTrace                `json:"nodes,omitempty"`
}

// SweepContext is the state of the sweep in progress. It is owned by the
// event loop until the sweep is posted done.
type SweepContext struct {
	summary  Summary
	previous int
	maxLID   int
	nextLID  int

	activeNodes int
	outstanding int
	errors      int
	posted      bool
	cancelled   bool
	done        chan struct{}
	span        Span
}

func newSweepContext(id string, index, previous int, maxLID uint16, started time.Time) *SweepContext {
	return &SweepContext{
		summary:  Summary{ID: id, Index: index, Started: started},
		previous: previous,
		maxLID:   int(maxLID),
		nextLID:  1,
		done:     make(chan struct{}),
	}
}
