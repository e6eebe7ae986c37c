package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/fabricpm/topology"
)

// DefaultVLSelect polls VL0 only.
const DefaultVLSelect uint32 = 0x1

// FabricSpec describes the nodes of a fabric by LID. The manager builds its
// topology from it and the simulated agent answers for the same nodes.
type FabricSpec struct {
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`
}

// NodeSpec describes one switch or fabric interface.
type NodeSpec struct {
	LID         uint16 `yaml:"lid" json:"lid"`
	GUID        uint64 `yaml:"guid" json:"guid"`
	Description string `yaml:"description" json:"description"`
	Type        string `yaml:"type" json:"type"` // switch or fi
	// Ports is the number of external ports of a switch, or the port
	// number of a fabric interface.
	Ports         uint8   `yaml:"ports" json:"ports"`
	VLSelect      uint32  `yaml:"vl_select" json:"vl_select"`
	InactivePorts []uint8 `yaml:"inactive_ports,omitempty" json:"inactive_ports,omitempty"`
	PmaAvoid      bool    `yaml:"pma_avoid,omitempty" json:"pma_avoid,omitempty"`
}

// LoadFabricSpec reads a fabric description from its own YAML file.
func LoadFabricSpec(filePath string) (FabricSpec, error) {
	var spec FabricSpec
	data, err := os.ReadFile(filePath)
	if err != nil {
		return FabricSpec{}, fmt.Errorf("failed to read fabric file '%s': %w", filePath, err)
	}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return FabricSpec{}, fmt.Errorf("failed to parse YAML content from '%s': %w", filePath, err)
	}
	spec.ApplyDefaults()
	return spec, nil
}

// DefaultFabricSpec is a small demo fabric: two 8-port switches and four
// fabric interfaces.
func DefaultFabricSpec() FabricSpec {
	spec := FabricSpec{Nodes: []NodeSpec{
		{LID: 1, GUID: 0x0011750101000001, Description: "edge switch 1", Type: "switch", Ports: 8},
		{LID: 2, GUID: 0x0011750101000002, Description: "edge switch 2", Type: "switch", Ports: 8},
	}}
	for i := uint16(0); i < 4; i++ {
		spec.Nodes = append(spec.Nodes, NodeSpec{
			LID:         0x10 + i,
			GUID:        0x0011750102000000 + uint64(i),
			Description: fmt.Sprintf("host%d hfi1_0", i+1),
			Type:        "fi",
			Ports:       1,
		})
	}
	spec.ApplyDefaults()
	return spec
}

// ApplyDefaults fills in missing port numbers, lane selections and GUIDs.
func (s *FabricSpec) ApplyDefaults() {
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.Type == "" {
			n.Type = "switch"
		}
		if typ, err := topology.ParseNodeType(n.Type); err == nil && typ == topology.NodeTypeFI && n.Ports == 0 {
			n.Ports = 1
		}
		if n.VLSelect == 0 {
			n.VLSelect = DefaultVLSelect
		}
		if n.GUID == 0 {
			n.GUID = uint64(n.LID)
		}
	}
}

// Validate checks node types, LIDs and port numbers.
func (s *FabricSpec) Validate() error {
	seen := make(map[uint16]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if _, err := topology.ParseNodeType(n.Type); err != nil {
			return fmt.Errorf("%w: node lid 0x%x: %v", ErrInvalid, n.LID, err)
		}
		if n.LID == 0 || n.LID > topology.MaxUnicastLID {
			return fmt.Errorf("%w: node lid 0x%x out of range", ErrInvalid, n.LID)
		}
		if seen[n.LID] {
			return fmt.Errorf("%w: lid 0x%x listed twice", ErrInvalid, n.LID)
		}
		seen[n.LID] = true
		if n.Ports == 0 {
			return fmt.Errorf("%w: node lid 0x%x has no ports", ErrInvalid, n.LID)
		}
		for _, p := range n.InactivePorts {
			if p > n.Ports {
				return fmt.Errorf("%w: node lid 0x%x has no port %d", ErrInvalid, n.LID, p)
			}
		}
	}
	return nil
}

// Build creates a topology from the description.
func (s FabricSpec) Build() (*topology.Fabric, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	fabric := topology.New()
	for _, ns := range s.Nodes {
		typ, _ := topology.ParseNodeType(ns.Type)
		var n *topology.Node
		if typ == topology.NodeTypeSwitch {
			n = topology.NewSwitch(ns.LID, ns.GUID, ns.Description, ns.Ports, ns.VLSelect)
		} else {
			n = topology.NewFI(ns.LID, ns.GUID, ns.Description, ns.Ports, ns.VLSelect)
		}
		n.PmaAvoid = ns.PmaAvoid
		for _, p := range ns.InactivePorts {
			n.SetPortActive(p, false)
		}
		if err := fabric.AddNode(n); err != nil {
			return nil, fmt.Errorf("build fabric: %w", err)
		}
	}
	return fabric, nil
}
