package topology

import (
	"errors"
	"testing"

	"github.com/rocketbitz/fabricpm/mad"
)

func newTestFabric(t *testing.T) (*Fabric, *Node) {
	t.Helper()
	f := New()
	sw := NewSwitch(1, 0x1000, "sw0", 2, 0)
	if err := f.AddNode(sw); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	return f, sw
}

func TestAddNodeValidation(t *testing.T) {
	f, _ := newTestFabric(t)
	if err := f.AddNode(NewFI(1, 2, "dup", 1, 0)); !errors.Is(err, ErrDuplicateLID) {
		t.Fatalf("expected ErrDuplicateLID, got %v", err)
	}
	if err := f.AddNode(NewFI(0, 2, "zero", 1, 0)); !errors.Is(err, ErrInvalidLID) {
		t.Fatalf("expected ErrInvalidLID, got %v", err)
	}
	if err := f.AddNode(NewFI(9, 3, "fi", 1, 0)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if f.MaxLID() != 9 {
		t.Fatalf("MaxLID: %d", f.MaxLID())
	}
	if f.Node(5) != nil || f.Node(9) == nil {
		t.Fatal("unexpected node lookup result")
	}
	if got := len(f.Nodes()); got != 2 {
		t.Fatalf("Nodes: %d", got)
	}
	if f.Node(9).LIDPort().Num != 1 || f.Node(1).LIDPort().Num != 0 {
		t.Fatal("LIDPort mismatch")
	}
}

func TestBeginSweepRotatesImages(t *testing.T) {
	f, sw := newTestFabric(t)
	want := []struct{ index, prev int }{{0, NoImage}, {1, 0}, {0, 1}}
	for i, w := range want {
		idx, prev := f.BeginSweep()
		if idx != w.index || prev != w.prev {
			t.Fatalf("sweep %d: got (%d,%d) want (%d,%d)", i, idx, prev, w.index, w.prev)
		}
		if !sw.Port(1).Image[idx].Active {
			t.Fatalf("sweep %d: image not reset to active", i)
		}
		f.CompleteSweep(idx, false)
	}
	if f.Sweeps() != 3 {
		t.Fatalf("Sweeps: %d", f.Sweeps())
	}
}

func sweepWith(f *Fabric, processVLs bool, fill func(index int)) FinalizeReport {
	idx, _ := f.BeginSweep()
	fill(idx)
	return f.CompleteSweep(idx, processVLs)
}

func TestCompleteSweepDeltasAndUnexpectedClear(t *testing.T) {
	f, sw := newTestFabric(t)
	p := sw.Port(1)
	if f.PreviousImage(p) != nil {
		t.Fatal("no previous image before the first sweep")
	}

	report := sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].Counters.XmitData = 100
		p.Image[i].Counters.RcvPkts = 10
	})
	if len(report.UnexpectedClears) != 0 {
		t.Fatalf("first sweep reported clears: %+v", report.UnexpectedClears)
	}
	if f.PreviousImage(p) == nil {
		t.Fatal("expected previous image after first sweep")
	}
	if f.PreviousImage(sw.Port(2)) != nil {
		t.Fatal("a port without data counters has no previous image")
	}

	report = sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].Counters.XmitData = 40
		p.Image[i].Counters.RcvPkts = 25
	})
	if len(report.UnexpectedClears) != 1 {
		t.Fatalf("expected one unexpected clear, got %+v", report.UnexpectedClears)
	}
	uc := report.UnexpectedClears[0]
	if uc.LID != 1 || uc.Port != 1 || uc.Mask != mad.SelectXmitData {
		t.Fatalf("unexpected clear: %+v", uc)
	}
	img := &p.Image[f.LastSweepIndex()]
	if img.Delta.XmitData != 40 || img.Delta.RcvPkts != 15 {
		t.Fatalf("deltas: xmit %d rcv %d", img.Delta.XmitData, img.Delta.RcvPkts)
	}
	if p.Totals.XmitData != 40 || p.Totals.RcvPkts != 15 {
		t.Fatalf("totals: xmit %d rcv %d", p.Totals.XmitData, p.Totals.RcvPkts)
	}
}

func TestCompleteSweepExpectedClear(t *testing.T) {
	f, sw := newTestFabric(t)
	p := sw.Port(2)

	sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].Counters.XmitWait = 900
		p.Image[i].ClearSelectMask = mad.SelectXmitWait
	})
	report := sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].Counters.XmitWait = 3
	})
	if len(report.UnexpectedClears) != 0 {
		t.Fatalf("manager clear reported as unexpected: %+v", report.UnexpectedClears)
	}
	if d := p.Image[f.LastSweepIndex()].Delta.XmitWait; d != 3 {
		t.Fatalf("delta after clear: %d", d)
	}
}

func TestCompleteSweepLinkDownMasksRelatedCounters(t *testing.T) {
	f, sw := newTestFabric(t)
	p := sw.Port(1)

	sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].GotErrorCounters = true
		p.Image[i].Counters.RcvErrors = 50
		p.Image[i].Counters.LinkDowned = 1
	})
	prev := f.LastSweepIndex()
	report := sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].GotErrorCounters = true
		p.Image[i].Counters.RcvErrors = 2
		p.Image[i].Counters.LinkDowned = 2
	})
	if len(report.UnexpectedClears) != 0 {
		t.Fatalf("link down should mask RcvErrors: %+v", report.UnexpectedClears)
	}
	if p.Image[prev].ClearSelectMask&mad.SelectRcvErrors == 0 {
		t.Fatal("unexpected clear not folded into previous clear mask")
	}
}

func TestCompleteSweepCarriesErrorCounters(t *testing.T) {
	f, sw := newTestFabric(t)
	p := sw.Port(1)

	sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
		p.Image[i].GotErrorCounters = true
		p.Image[i].Counters.XmitDiscards = 7
	})
	sweepWith(f, false, func(i int) {
		p.Image[i].GotDataCounters = true
	})
	if got := p.Image[f.LastSweepIndex()].Counters.XmitDiscards; got != 7 {
		t.Fatalf("error counters not carried: %d", got)
	}
}

func TestCompleteSweepCountsDowngraded(t *testing.T) {
	f, sw := newTestFabric(t)
	report := sweepWith(f, false, func(i int) {
		for _, p := range sw.Ports() {
			p.Image[i].GotDataCounters = true
		}
		sw.Port(2).Image[i].Counters.NumLanesDown = 2
	})
	if report.DowngradedPorts != 1 {
		t.Fatalf("DowngradedPorts: %d", report.DowngradedPorts)
	}
}

func TestSaturatingTotals(t *testing.T) {
	if got := saturatingAdd(250, 10, 255); got != 255 {
		t.Fatalf("saturatingAdd: %d", got)
	}
	if got := saturatingAdd(1, 2, 255); got != 3 {
		t.Fatalf("saturatingAdd: %d", got)
	}
	// A delta past the limit clamps instead of wrapping limit-delta.
	if got := saturatingAdd(0, 300, 255); got != 255 {
		t.Fatalf("saturatingAdd delta over limit: %d", got)
	}
	if got := saturatingAdd(7, 255, 255); got != 255 {
		t.Fatalf("saturatingAdd delta at limit: %d", got)
	}
	if got := saturatingAdd(0, 0, 255); got != 0 {
		t.Fatalf("saturatingAdd zero: %d", got)
	}
}

func TestClearThresholds(t *testing.T) {
	th := NewClearThresholds(mad.SelectUncorrectableErrors|mad.SelectLinkDowned, 9)
	var c PortCounters
	c.UncorrectableErrors = 255 / 8 * 7
	if got := th.Exceeded(&c); got != 0 {
		t.Fatalf("at threshold should not clear: %v", got)
	}
	c.UncorrectableErrors++
	c.XmitData = ^uint64(0)
	if got := th.Exceeded(&c); got != mad.SelectUncorrectableErrors {
		t.Fatalf("Exceeded: %v", got)
	}

	vls := make([]VLCounters, 2)
	vls[1].XmitDiscards = 4
	c.XmitDiscards = 4
	ClearCounters(&c, vls, mad.SelectXmitDiscards|mad.SelectUncorrectableErrors)
	if c.XmitDiscards != 0 || c.UncorrectableErrors != 0 || vls[1].XmitDiscards != 0 {
		t.Fatalf("ClearCounters left values: %+v %+v", c.ErrorCounters, vls[1])
	}
	if c.XmitData == 0 {
		t.Fatal("ClearCounters touched an unselected counter")
	}
}

func TestPortCountersSnapshot(t *testing.T) {
	f, sw := newTestFabric(t)
	if _, ok := f.PortCounters(3); ok {
		t.Fatal("expected missing node")
	}
	ports, ok := f.PortCounters(1)
	if !ok || len(ports) != 3 || ports[0].Status != "not swept" {
		t.Fatalf("pre-sweep snapshot: %+v", ports)
	}
	sweepWith(f, false, func(i int) {
		sw.Port(1).Image[i].GotDataCounters = true
		sw.Port(1).Image[i].Counters.RcvData = 11
	})
	ports, _ = f.PortCounters(1)
	if ports[1].Counters.RcvData != 11 || ports[1].Status != "ok" {
		t.Fatalf("snapshot: %+v", ports[1])
	}
	nodes := f.Snapshot()
	if len(nodes) != 1 || nodes[0].Type != "switch" {
		t.Fatalf("Snapshot: %+v", nodes)
	}
}
