package topology

// PortSnapshot is a copy of one port's last completed sweep.
type PortSnapshot struct {
	Port            uint8        `json:"port"`
	Active          bool         `json:"active"`
	VLSelectMask    uint32       `json:"vl_select_mask"`
	Status          string       `json:"status"`
	UnexpectedClear bool         `json:"unexpected_clear"`
	Counters        PortCounters `json:"counters"`
	Delta           PortCounters `json:"delta"`
	Totals          PortCounters `json:"totals"`
}

// NodeSnapshot describes a node without its counters.
type NodeSnapshot struct {
	LID         uint16 `json:"lid"`
	GUID        uint64 `json:"guid"`
	Description string `json:"description"`
	Type        string `json:"type"`
	NumPorts    uint8  `json:"num_ports"`
	PmaAvoid    bool   `json:"pma_avoid"`
	Probed      bool   `json:"probed"`
}

// Snapshot lists every node in LID order.
func (f *Fabric) Snapshot() []NodeSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]NodeSnapshot, 0, len(f.lids))
	for _, n := range f.lids {
		if n == nil {
			continue
		}
		out = append(out, NodeSnapshot{
			LID:         n.LID,
			GUID:        n.GUID,
			Description: n.Description,
			Type:        n.Type.String(),
			NumPorts:    n.NumPorts,
			PmaAvoid:    n.PmaAvoid,
			Probed:      n.ClassPortInfo != nil,
		})
	}
	return out
}

// PortCounters returns the ports of the node at lid as of the last completed
// sweep. ok is false when no node resides at lid.
func (f *Fabric) PortCounters(lid uint16) (ports []PortSnapshot, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if int(lid) >= len(f.lids) || f.lids[lid] == nil {
		return nil, false
	}
	n := f.lids[lid]
	ports = make([]PortSnapshot, 0, len(n.ports))
	for _, p := range n.ports {
		if p == nil {
			continue
		}
		s := PortSnapshot{Port: p.Num, Active: p.Active, VLSelectMask: p.VLSelectMask, Totals: p.Totals, Status: "not swept"}
		if f.lastSweepIndex != NoImage {
			img := &p.Image[f.lastSweepIndex]
			s.Status = img.QueryStatus.String()
			s.UnexpectedClear = img.UnexpectedClear
			s.Counters = img.Counters
			s.Delta = img.Delta
		}
		ports = append(ports, s)
	}
	return ports, true
}

// SetPortActive marks a port up or down for subsequent sweeps.
func (n *Node) SetPortActive(num uint8, active bool) bool {
	p := n.Port(num)
	if p == nil {
		return false
	}
	p.Active = active
	return true
}
