package dispatch

import (
	"reflect"
	"testing"

	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

func activePorts(n int) []ActivePort {
	ports := make([]ActivePort, n)
	for i := range ports {
		ports[i] = ActivePort{Port: uint8(i)}
	}
	return ports
}

// partition packs ports until the planner runs dry and returns the port
// numbers of every packet.
func partition(t *testing.T, pl planner, ports []ActivePort, phase Phase, nt topology.NodeType) [][]uint8 {
	t.Helper()
	var out [][]uint8
	var pkt packetSweep
	for pl.next(ports, phase, nt, &pkt) {
		if pkt.size > pl.budget(phase, nt) {
			t.Fatalf("packet of %d ports uses %d bytes, budget %d", len(pkt.ports), pkt.size, pl.budget(phase, nt))
		}
		nums := make([]uint8, 0, len(pkt.ports))
		for _, ap := range pkt.ports {
			if !pkt.portSelect.Has(ap.Port) {
				t.Fatalf("port %d packed but not selected", ap.Port)
			}
			nums = append(nums, ap.Port)
		}
		if pkt.portSelect.Count() != len(nums) {
			t.Fatalf("select mask has %d ports, packet %d", pkt.portSelect.Count(), len(nums))
		}
		out = append(out, nums)
		if len(out) > len(ports) {
			t.Fatalf("planner did not terminate")
		}
	}
	return out
}

func TestPlannerPacksPortsWithinBudget(t *testing.T) {
	pl := planner{payload: mad.DataCountersHeaderSize + 2*mad.DataPortRecordSize, processVLs: false}
	ports := activePorts(8)
	sortPorts(ports, PhaseDataCounters, false)

	got := partition(t, pl, ports, PhaseDataCounters, topology.NodeTypeSwitch)
	want := [][]uint8{{0, 1}, {2, 3}, {4, 5}, {6, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected packets: %v", got)
	}
	for _, ap := range ports {
		if !ap.Has(FlagIsDispatched) {
			t.Fatalf("port %d not dispatched", ap.Port)
		}
	}
}

func TestPlannerMergesNarrowerLaneMasks(t *testing.T) {
	pl := planner{payload: mad.MaxPayload, processVLs: true}
	ports := []ActivePort{
		{Port: 3, VLSelectMask: 0x4, NumVLs: 1},
		{Port: 2, VLSelectMask: 0x1, NumVLs: 1},
		{Port: 1, VLSelectMask: 0x3, NumVLs: 2},
	}
	sortPorts(ports, PhaseDataCounters, true)
	if ports[0].Port != 1 || ports[1].Port != 2 || ports[2].Port != 3 {
		t.Fatalf("unexpected order: %+v", ports)
	}

	var pkt packetSweep
	if !pl.next(ports, PhaseDataCounters, topology.NodeTypeSwitch, &pkt) {
		t.Fatal("expected a packet")
	}
	if pkt.vlSelect != 0x3 || pkt.numVLs != 2 || len(pkt.ports) != 2 {
		t.Fatalf("unexpected first packet: vl 0x%x ports %d", pkt.vlSelect, len(pkt.ports))
	}
	if want := 2 * mad.DataRecordSize(2); pkt.size != want {
		t.Fatalf("packet size %d, want %d", pkt.size, want)
	}
	if !pl.next(ports, PhaseDataCounters, topology.NodeTypeSwitch, &pkt) {
		t.Fatal("expected a second packet")
	}
	if pkt.vlSelect != 0x4 || len(pkt.ports) != 1 || pkt.ports[0].Port != 3 {
		t.Fatalf("unexpected second packet: vl 0x%x ports %d", pkt.vlSelect, len(pkt.ports))
	}
	if pl.next(ports, PhaseDataCounters, topology.NodeTypeSwitch, &pkt) {
		t.Fatal("expected no more packets")
	}
}

func TestPlannerIgnoresLaneMasksWithoutVLs(t *testing.T) {
	pl := planner{payload: mad.MaxPayload, processVLs: false}
	ports := []ActivePort{
		{Port: 1, VLSelectMask: 0x1},
		{Port: 2, VLSelectMask: 0x6},
	}
	var pkt packetSweep
	if !pl.next(ports, PhaseDataCounters, topology.NodeTypeSwitch, &pkt) {
		t.Fatal("expected a packet")
	}
	if len(pkt.ports) != 2 || pkt.vlSelect != 0 {
		t.Fatalf("expected one lane-less packet, got %d ports vl 0x%x", len(pkt.ports), pkt.vlSelect)
	}
}

func TestPlannerDoNotMergeAndSinglePort(t *testing.T) {
	pl := planner{payload: mad.MaxPayload}
	ports := activePorts(3)
	for i := range ports {
		ports[i].set(FlagDoNotMerge)
	}
	if got := partition(t, pl, ports, PhaseDataCounters, topology.NodeTypeSwitch); len(got) != 3 {
		t.Fatalf("expected one packet per port, got %v", got)
	}

	fi := []ActivePort{{Port: 1}}
	var pkt packetSweep
	if !pl.next(fi, PhaseDataCounters, topology.NodeTypeFI, &pkt) || len(pkt.ports) != 1 {
		t.Fatal("expected a single-port packet")
	}
	if pl.budget(PhaseDataCounters, topology.NodeTypeFI) != mad.MaxPayload {
		t.Fatalf("port status budget should not reserve a header")
	}
}

func TestPlannerPacketsNeverExceedBudget(t *testing.T) {
	masks := []uint32{0x1, 0x3, 0xFF, 0x80FF, 0x8001}
	phases := []Phase{PhaseDataCounters, PhaseErrorCounters, PhaseClearCounters}
	types := []topology.NodeType{topology.NodeTypeSwitch, topology.NodeTypeFI}

	for _, lanes := range []bool{false, true} {
		low := mad.MinPayload(lanes)
		for _, payload := range []int{low, low + 1, (low + mad.MaxPayload) / 2, mad.MaxPayload} {
			pl := planner{payload: payload, processVLs: lanes}
			for _, phase := range phases {
				for _, nt := range types {
					ports := make([]ActivePort, 48)
					for i := range ports {
						mask := masks[i%len(masks)]
						ports[i] = ActivePort{
							Port:         uint8(i),
							VLSelectMask: mask,
							NumVLs:       mad.VLCount(mask),
							ClearSelect:  mad.SelectXmitData,
							Flags:        FlagNeedsClear,
						}
					}
					sortPorts(ports, phase, lanes)
					packets := partition(t, pl, ports, phase, nt)
					seen := map[uint8]int{}
					for _, pkt := range packets {
						for _, p := range pkt {
							seen[p]++
						}
					}
					for _, ap := range ports {
						if seen[ap.Port] != 1 {
							t.Fatalf("payload %d phase %s %s: port %d packed %d times", payload, phase, nt, ap.Port, seen[ap.Port])
						}
					}
				}
			}
		}
	}
}

func TestSortPortsIsDeterministic(t *testing.T) {
	build := func() []ActivePort {
		return []ActivePort{
			{Port: 5, VLSelectMask: 0x1, NumVLs: 1},
			{Port: 1, Flags: FlagSkip},
			{Port: 4, VLSelectMask: 0x3, NumVLs: 2},
			{Port: 2, VLSelectMask: 0x1, NumVLs: 1, Flags: FlagNeedsError},
			{Port: 3, VLSelectMask: 0x3, NumVLs: 2, Flags: FlagNeedsError},
		}
	}
	pl := planner{payload: 3 * mad.ErrorRecordSize(2), processVLs: true}

	a, b := build(), build()
	sortPorts(a, PhaseErrorCounters, true)
	sortPorts(b, PhaseErrorCounters, true)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("sort not deterministic: %+v vs %+v", a, b)
	}
	order := make([]uint8, len(a))
	for i := range a {
		order[i] = a[i].Port
	}
	if want := []uint8{3, 2, 4, 5, 1}; !reflect.DeepEqual(order, want) {
		t.Fatalf("error phase order %v, want %v", order, want)
	}
	if n := redispatch(a, FlagNeedsError); n != 2 {
		t.Fatalf("redispatch flagged %d ports, want 2", n)
	}
	for i := 2; i < len(a); i++ {
		a[i].set(FlagIsDispatched)
	}
	if got := partition(t, pl, a, PhaseErrorCounters, topology.NodeTypeSwitch); !reflect.DeepEqual(got, [][]uint8{{2, 3}}) {
		t.Fatalf("error phase packets %v", got)
	}
}

func TestPlannerClearGroupsBySelect(t *testing.T) {
	pl := planner{payload: mad.MaxPayload}
	ports := []ActivePort{
		{Port: 1, ClearSelect: mad.SelectXmitData, Flags: FlagNeedsClear},
		{Port: 2, ClearSelect: mad.SelectRcvData, Flags: FlagNeedsClear},
		{Port: 3, ClearSelect: mad.SelectXmitData, Flags: FlagNeedsClear},
	}
	sortPorts(ports, PhaseClearCounters, false)
	got := partition(t, pl, ports, PhaseClearCounters, topology.NodeTypeSwitch)
	if !reflect.DeepEqual(got, [][]uint8{{1, 3}, {2}}) {
		t.Fatalf("unexpected clear packets: %v", got)
	}
}

func TestNodeSweepPhasesOnlyMoveForward(t *testing.T) {
	var ns nodeSweep
	ns.reset(topology.NewSwitch(1, 1, "sw", 1, 0))
	ns.enter(PhaseDataCounters)
	ns.enter(PhaseClassInfo)
	ns.enter(PhaseDone)
	want := []Phase{PhaseNone, PhaseDataCounters, PhaseDone}
	if !reflect.DeepEqual(ns.trace, want) || ns.phase != PhaseDone {
		t.Fatalf("trace %v phase %s", ns.trace, ns.phase)
	}
}
