// Package topology models the fabric the performance manager sweeps: nodes
// addressed by LID, their ports, and two rotating per-port counter images.
//
// During a sweep only the image at SweepIndex is written. Readers use
// snapshots of LastSweepIndex, which the sweep never touches until
// CompleteSweep swaps the indexes under the write lock.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rocketbitz/fabricpm/mad"
)

// ImageCount is the number of rotating counter images kept per port.
const ImageCount = 2

// NoImage marks an image index that has not been populated yet.
const NoImage = -1

var (
	// ErrInvalidLID indicates LID 0 or a LID outside the unicast range.
	ErrInvalidLID = errors.New("fabricpm topology: invalid lid")
	// ErrDuplicateLID indicates a second node registered at the same LID.
	ErrDuplicateLID = errors.New("fabricpm topology: duplicate lid")
)

// MaxUnicastLID bounds the LID space walked by a sweep.
const MaxUnicastLID = 0xBFFF

// NodeType distinguishes switches from fabric interfaces.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeFI
	NodeTypeSwitch
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeFI:
		return "fi"
	case NodeTypeSwitch:
		return "switch"
	default:
		return "unknown"
	}
}

// ParseNodeType converts the textual form used in fabric descriptions.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "fi", "hfi", "ca":
		return NodeTypeFI, nil
	case "switch", "sw":
		return NodeTypeSwitch, nil
	default:
		return NodeTypeUnknown, fmt.Errorf("fabricpm topology: unknown node type %q", s)
	}
}

// Node is one device with a performance management agent.
type Node struct {
	LID         uint16
	GUID        uint64
	Description string
	Type        NodeType
	// NumPorts is the number of external ports. Switch port 0 is the
	// management port and is swept in addition.
	NumPorts uint8
	// PmaAvoid excludes the node from sweeps; it is counted as skipped.
	PmaAvoid bool

	// ClassPortInfo is cached after the first successful capability probe.
	ClassPortInfo *mad.ClassPortInfo

	ports []*Port
}

// Port returns the port with the given number, or nil.
func (n *Node) Port(num uint8) *Port {
	if n == nil || int(num) >= len(n.ports) {
		return nil
	}
	return n.ports[num]
}

// Ports returns the node's ports in ascending port order.
func (n *Node) Ports() []*Port {
	out := make([]*Port, 0, len(n.ports))
	for _, p := range n.ports {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// LIDPort returns the port that owns the node's LID: port 0 on a switch, the
// single port of a fabric interface.
func (n *Node) LIDPort() *Port {
	if n.Type == NodeTypeSwitch {
		return n.Port(0)
	}
	for _, p := range n.ports {
		if p != nil {
			return p
		}
	}
	return nil
}

// NewSwitch creates a switch with ports 0..numPorts, all active with the
// given VL selection.
func NewSwitch(lid uint16, guid uint64, desc string, numPorts uint8, vlSelect uint32) *Node {
	n := &Node{LID: lid, GUID: guid, Description: desc, Type: NodeTypeSwitch, NumPorts: numPorts}
	n.ports = make([]*Port, int(numPorts)+1)
	for i := range n.ports {
		n.ports[i] = &Port{Num: uint8(i), Active: true, VLSelectMask: vlSelect}
	}
	return n
}

// NewFI creates a fabric interface with one active port.
func NewFI(lid uint16, guid uint64, desc string, portNum uint8, vlSelect uint32) *Node {
	n := &Node{LID: lid, GUID: guid, Description: desc, Type: NodeTypeFI, NumPorts: 1}
	n.ports = make([]*Port, int(portNum)+1)
	n.ports[portNum] = &Port{Num: portNum, Active: true, VLSelectMask: vlSelect}
	return n
}

// Port is one port of a node along with its counter images.
type Port struct {
	Num          uint8
	Active       bool
	VLSelectMask uint32

	Image [ImageCount]PortImage
	// Totals accumulates deltas across sweeps, saturating at each counter's width.
	Totals PortCounters
	// VLTotals accumulates per-lane deltas.
	VLTotals [mad.MaxPMVLs]VLCounters
}

// Fabric is the set of nodes reachable by LID.
type Fabric struct {
	mu             sync.RWMutex
	lids           []*Node
	maxLID         uint16
	sweepIndex     int
	lastSweepIndex int
	sweeps         uint64
}

// New returns an empty fabric.
func New() *Fabric {
	return &Fabric{sweepIndex: NoImage, lastSweepIndex: NoImage}
}

// AddNode registers a node at its LID.
func (f *Fabric) AddNode(n *Node) error {
	if n == nil || n.LID == 0 || n.LID > MaxUnicastLID {
		lid := uint16(0)
		if n != nil {
			lid = n.LID
		}
		return fmt.Errorf("%w: 0x%x", ErrInvalidLID, lid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(n.LID) < len(f.lids) && f.lids[n.LID] != nil {
		return fmt.Errorf("%w: 0x%x", ErrDuplicateLID, n.LID)
	}
	if int(n.LID) >= len(f.lids) {
		grown := make([]*Node, int(n.LID)+1)
		copy(grown, f.lids)
		f.lids = grown
	}
	f.lids[n.LID] = n
	if n.LID > f.maxLID {
		f.maxLID = n.LID
	}
	return nil
}

// Node returns the node at lid, or nil when no node resides there.
func (f *Fabric) Node(lid uint16) *Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if int(lid) >= len(f.lids) {
		return nil
	}
	return f.lids[lid]
}

// MaxLID returns the highest LID in use.
func (f *Fabric) MaxLID() uint16 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxLID
}

// Nodes returns all nodes in ascending LID order.
func (f *Fabric) Nodes() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Node, 0, len(f.lids))
	for _, n := range f.lids {
		if n != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LID < out[j].LID })
	return out
}

// SweepIndex returns the image index being written by the current sweep.
func (f *Fabric) SweepIndex() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sweepIndex
}

// LastSweepIndex returns the image index of the last completed sweep, or
// NoImage before the first sweep completes.
func (f *Fabric) LastSweepIndex() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastSweepIndex
}

// Sweeps returns the number of completed sweeps.
func (f *Fabric) Sweeps() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sweeps
}

// BeginSweep selects the image index for a new sweep and resets every port
// image at that index to the port's discovered state.
func (f *Fabric) BeginSweep() (index, previous int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index = 0
	if f.lastSweepIndex != NoImage {
		index = (f.lastSweepIndex + 1) % ImageCount
	}
	f.sweepIndex = index
	for _, n := range f.lids {
		if n == nil {
			continue
		}
		for _, p := range n.ports {
			if p == nil {
				continue
			}
			p.Image[index].reset(p.Active, p.VLSelectMask)
		}
	}
	return index, f.lastSweepIndex
}

// CompleteSweep finalizes every port image written at index and publishes it
// as the last sweep.
func (f *Fabric) CompleteSweep(index int, processVLs bool) FinalizeReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var report FinalizeReport
	for _, n := range f.lids {
		if n == nil {
			continue
		}
		for _, p := range n.ports {
			if p == nil || !p.Image[index].Active {
				continue
			}
			res := p.finalize(index, f.lastSweepIndex, processVLs)
			if res.Downgraded {
				report.DowngradedPorts++
			}
			if res.UnexpectedClear != 0 {
				report.UnexpectedClears = append(report.UnexpectedClears, UnexpectedClear{
					LID:         n.LID,
					GUID:        n.GUID,
					Description: n.Description,
					Port:        p.Num,
					Mask:        res.UnexpectedClear,
				})
			}
		}
	}
	f.lastSweepIndex = index
	f.sweeps++
	return report
}

// PreviousImage returns the port's image from the last completed sweep when
// it holds data counters.
func (f *Fabric) PreviousImage(p *Port) *PortImage {
	f.mu.RLock()
	last := f.lastSweepIndex
	f.mu.RUnlock()
	if last == NoImage || p == nil {
		return nil
	}
	img := &p.Image[last]
	if !img.GotDataCounters {
		return nil
	}
	return img
}

// FinalizeReport summarizes CompleteSweep.
type FinalizeReport struct {
	DowngradedPorts  int
	UnexpectedClears []UnexpectedClear
}

// UnexpectedClear describes a port whose counters went backwards without a
// clear issued by the manager.
type UnexpectedClear struct {
	LID         uint16
	GUID        uint64
	Description string
	Port        uint8
	Mask        mad.CounterSelect
}

// SetClassPortInfo caches the capabilities reported by the node's agent.
func (f *Fabric) SetClassPortInfo(n *Node, cpi mad.ClassPortInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ClassPortInfo = &cpi
}

// Probed reports whether the node's agent capabilities are known.
func (f *Fabric) Probed(n *Node) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return n.ClassPortInfo != nil
}
