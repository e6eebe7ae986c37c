package agent

import (
	"context"
	"encoding"
	"errors"
	"testing"
	"time"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
	"github.com/rocketbitz/fabricpm/txn"
)

func TestHandleDataPortCountersOrdersByPort(t *testing.T) {
	a := newTestAgent(t, testFabric(t))
	mustUpdate(t, a, 2, 3, func(c *topology.PortCounters, vls []topology.VLCounters) {
		c.XmitData = 300
		c.RcvErrors = 4
		c.LocalLinkIntegrityErrors = 1 << 12
		vls[0].XmitData = 30
	})
	mustUpdate(t, a, 2, 1, func(c *topology.PortCounters, _ []topology.VLCounters) {
		c.XmitData = 100
	})

	var sel mad.PortSelectMask
	sel.Set(3)
	sel.Set(1)
	body := mad.DataPortCountersRequest{PortSelect: sel, VLSelect: 0x1, Resolution: mad.Resolution(2, 0)}
	reply := mustHandle(t, a, 2, request(t, mad.MethodGet, mad.AttrDataPortCounters, mad.AttributeModifier(2), body))
	if err := reply.Err(); err != nil {
		t.Fatalf("unexpected status: %v", err)
	}
	resp, err := mad.DecodeDataPortCountersResponse(reply.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Ports) != 2 || resp.Ports[0].PortNumber != 1 || resp.Ports[1].PortNumber != 3 {
		t.Fatalf("records out of order: %+v", resp.Ports)
	}
	if resp.Ports[0].Counters.XmitData != 100 || resp.Ports[1].Counters.XmitData != 300 {
		t.Fatalf("unexpected data counters: %+v", resp.Ports)
	}
	if got := resp.Ports[1].VLs[0].XmitData; got != 30 {
		t.Fatalf("VL0 XmitData %d, want 30", got)
	}
	// 4 receive errors plus 4096 link integrity errors at 1/1024 resolution.
	if got := resp.Ports[1].ErrorSummary; got != 8 {
		t.Fatalf("error summary %d, want 8", got)
	}
	if resp.Ports[0].LinkQuality.Indicator() != DefaultLinkQuality {
		t.Fatalf("unexpected link quality %d", resp.Ports[0].LinkQuality.Indicator())
	}
}

func TestHandleRejectsMalformedRequests(t *testing.T) {
	a := newTestAgent(t, testFabric(t))

	var two mad.PortSelectMask
	two.Set(1)
	two.Set(2)
	var unknown mad.PortSelectMask
	unknown.Set(40)

	cases := []struct {
		name string
		req  *mad.MAD
		want mad.Status
	}{
		{"block count", request(t, mad.MethodGet, mad.AttrDataPortCounters, mad.AttributeModifier(3),
			mad.DataPortCountersRequest{PortSelect: two}), mad.StatusPMNumBlocks},
		{"too large", request(t, mad.MethodGet, mad.AttrDataPortCounters, mad.AttributeModifier(2),
			mad.DataPortCountersRequest{PortSelect: two, VLSelect: 0x80FF}), mad.StatusPMRequestTooLarge},
		{"unknown port", request(t, mad.MethodGet, mad.AttrErrorPortCounters, mad.AttributeModifier(1),
			mad.ErrorPortCountersRequest{PortSelect: unknown}), mad.StatusInvalidField},
		{"clear by get", request(t, mad.MethodGet, mad.AttrClearPortStatus, mad.AttributeModifier(2),
			mad.ClearPortStatus{PortSelect: two, CounterSelect: mad.SelectAll}), mad.StatusMethodUnsupported},
		{"error info", mad.NewRequest(mad.MethodGet, mad.AttrErrorInfo, 0, nil), mad.StatusAttrUnsupported},
		{"short body", mad.NewRequest(mad.MethodGet, mad.AttrPortStatus, 0, []byte{1}), mad.StatusInvalidField},
	}
	for _, tc := range cases {
		reply := mustHandle(t, a, 2, tc.req)
		if reply.Status != tc.want {
			t.Fatalf("%s: status %s, want %s", tc.name, reply.Status, tc.want)
		}
		if len(reply.Data) != 0 {
			t.Fatalf("%s: rejected reply carries %d bytes", tc.name, len(reply.Data))
		}
	}
	if stats := a.Stats(); stats.Rejected != uint64(len(cases)) || stats.Replied != uint64(len(cases)) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestHandleClearZeroesSelectedCounters(t *testing.T) {
	a := newTestAgent(t, testFabric(t))
	for _, port := range []uint8{1, 2} {
		mustUpdate(t, a, 2, port, func(c *topology.PortCounters, vls []topology.VLCounters) {
			c.XmitData = 10
			c.RcvData = 20
			vls[0].XmitData = 5
		})
	}

	var sel mad.PortSelectMask
	sel.Set(1)
	sel.Set(2)
	body := mad.ClearPortStatus{PortSelect: sel, CounterSelect: mad.SelectXmitData}
	reply := mustHandle(t, a, 2, request(t, mad.MethodSet, mad.AttrClearPortStatus, mad.AttributeModifier(2), body))
	echo, err := mad.DecodeClearPortStatus(reply.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !echo.PortSelect.Equal(sel) || echo.CounterSelect != mad.SelectXmitData {
		t.Fatalf("clear not echoed: %+v", echo)
	}
	for _, port := range []uint8{1, 2} {
		c, ok := a.Counters(2, port)
		if !ok || c.XmitData != 0 || c.RcvData != 20 {
			t.Fatalf("port %d counters after clear: %+v", port, c.DataCounters)
		}
	}
}

func TestHandleFaults(t *testing.T) {
	a := newTestAgent(t, testFabric(t))
	probe := mad.NewRequest(mad.MethodGet, mad.AttrClassPortInfo, 0, nil)

	if _, ok := a.Handle(99, probe); ok {
		t.Fatal("unknown lid answered")
	}

	a.SetFault(2, Fault{DropRate: 1})
	if _, ok := a.Handle(2, probe); ok {
		t.Fatal("request not dropped")
	}

	a.SetFault(2, Fault{Status: mad.StatusPMOperationFailed})
	if reply := mustHandle(t, a, 2, probe); reply.Status != mad.StatusPMOperationFailed {
		t.Fatalf("forced status not applied: %s", reply.Status)
	}

	a.SetFault(3, Fault{CorruptEcho: true})
	body := mad.PortStatusRequest{PortNumber: 1}
	reply := mustHandle(t, a, 3, request(t, mad.MethodGet, mad.AttrPortStatus, mad.AttributeModifier(1), body))
	resp, err := mad.DecodePortStatusResponse(reply.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PortNumber != 2 {
		t.Fatalf("expected a corrupted port number, got %d", resp.PortNumber)
	}

	a.ClearFault(2)
	reply = mustHandle(t, a, 2, probe)
	cpi, err := mad.DecodeClassPortInfo(reply.Data)
	if err != nil || cpi.CapMask != DefaultCapMask {
		t.Fatalf("unexpected class port info %+v: %v", cpi, err)
	}
	if stats := a.Stats(); stats.Dropped != 2 {
		t.Fatalf("expected 2 dropped requests, got %+v", stats)
	}
}

func TestTickIsDeterministic(t *testing.T) {
	fabric := testFabric(t)
	fabric.Node(2).SetPortActive(4, false)
	a := newTestAgent(t, fabric)
	b := newTestAgent(t, fabric)
	for i := 0; i < 3; i++ {
		a.Tick()
		b.Tick()
	}
	for _, port := range []uint8{0, 1, 2, 3} {
		ca, _ := a.Counters(2, port)
		cb, _ := b.Counters(2, port)
		if ca != cb || ca.XmitData == 0 {
			t.Fatalf("port %d diverged: %+v vs %+v", port, ca.DataCounters, cb.DataCounters)
		}
	}
	if c, _ := a.Counters(2, 4); c.XmitData != 0 {
		t.Fatalf("inactive port advanced: %d", c.XmitData)
	}
	if a.Stats().Ticks != 3 {
		t.Fatalf("unexpected tick count %d", a.Stats().Ticks)
	}
	if err := a.Update(2, 9, func(*topology.PortCounters, []topology.VLCounters) {}); !errors.Is(err, ErrUnknownPort) {
		t.Fatalf("expected ErrUnknownPort, got %v", err)
	}
}

func TestServeAnswersDispatcherSweeps(t *testing.T) {
	fabric := testFabric(t)
	a := newTestAgent(t, testFabric(t))
	d, stop := newSweeper(t, a, fabric)
	defer stop()

	a.Tick()
	summary := sweepOnce(t, d)
	if !summary.Completed || summary.NodesSwept != 2 || summary.NoRespNodes != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	ports, ok := fabric.PortCounters(2)
	if !ok {
		t.Fatal("switch missing from fabric")
	}
	for _, p := range ports {
		want, _ := a.Counters(2, p.Port)
		if p.Counters.XmitData != want.XmitData || p.Status != topology.QueryOK.String() {
			t.Fatalf("port %d: %+v, agent has XmitData %d", p.Port, p, want.XmitData)
		}
	}

	a.Tick()
	mustUpdate(t, a, 2, 2, func(c *topology.PortCounters, _ []topology.VLCounters) { c.RcvErrors = 3 })
	summary = sweepOnce(t, d)
	if img := fabric.Node(2).Port(2).Image[summary.Index]; !img.GotErrorCounters || img.Counters.RcvErrors != 3 {
		t.Fatalf("error counters not swept: %+v", img.Counters.ErrorCounters)
	}
	ports, _ = fabric.PortCounters(2)
	step := uint64(2) + uint64(ports[1].Port) + 1
	if ports[1].Delta.XmitPkts != step {
		t.Fatalf("port %d delta %d, want %d", ports[1].Port, ports[1].Delta.XmitPkts, step)
	}
}

func TestServeCorruptEchoFailsNode(t *testing.T) {
	fabric := testFabric(t)
	a := newTestAgent(t, testFabric(t))
	d, stop := newSweeper(t, a, fabric)
	defer stop()

	a.SetFault(2, Fault{CorruptEcho: true})
	summary := sweepOnce(t, d)
	if summary.NoRespNodes != 1 {
		t.Fatalf("expected one failed node, got %+v", summary)
	}
	for _, n := range summary.Nodes {
		if n.LID == 2 && (!n.Failed || n.Reason != "select") {
			t.Fatalf("unexpected trace for lid 2: %+v", n)
		}
	}
}

func TestRunStopsWithContext(t *testing.T) {
	a := newTestAgent(t, testFabric(t))
	_, agentSide := txn.NewMemPair(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, agentSide, time.Millisecond) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Stats().Ticks == 0 {
		if time.Now().After(deadline) {
			t.Fatal("agent never ticked")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// testFabric holds switch 2 with ports 0..4 and a fabric interface at lid 3.
func testFabric(t *testing.T) *topology.Fabric {
	t.Helper()
	fabric := topology.New()
	for _, n := range []*topology.Node{
		topology.NewSwitch(2, 0x200, "sw", 4, 0x1),
		topology.NewFI(3, 0x300, "fi", 1, 0x1),
	} {
		if err := fabric.AddNode(n); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	return fabric
}

func newTestAgent(t *testing.T, fabric *topology.Fabric) *Agent {
	t.Helper()
	a, err := New(Config{}, fabric)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func newSweeper(t *testing.T, a *Agent, fabric *topology.Fabric) (*dispatch.Dispatcher, func()) {
	t.Helper()
	mgr, agentSide := txn.NewMemPair(64)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, agentSide) }()

	tc, err := txn.New(txn.Config{Name: "agent-test", RespTimeout: time.Second}, mgr)
	if err != nil {
		t.Fatalf("txn.New: %v", err)
	}
	cfg := dispatch.DefaultConfig()
	cfg.WaitInterval = 10 * time.Millisecond
	d, err := dispatch.New(cfg, fabric, tc)
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	return d, func() {
		_ = d.Close()
		_ = tc.Close()
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
	}
}

func sweepOnce(t *testing.T, d *dispatch.Dispatcher) *dispatch.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := d.SweepAllPortCounters(ctx)
	if err != nil {
		t.Fatalf("SweepAllPortCounters: %v", err)
	}
	return summary
}

func request(t *testing.T, method mad.Method, attr mad.AttributeID, mod uint32, body encoding.BinaryMarshaler) *mad.MAD {
	t.Helper()
	data, err := body.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return mad.NewRequest(method, attr, mod, data)
}

func mustHandle(t *testing.T, a *Agent, lid uint16, req *mad.MAD) *mad.MAD {
	t.Helper()
	reply, ok := a.Handle(lid, req)
	if !ok {
		t.Fatalf("lid %d did not answer %s", lid, req.AttributeID)
	}
	if reply.Method != mad.MethodGetResp || reply.AttributeID != req.AttributeID {
		t.Fatalf("unexpected reply header %+v", reply.Header)
	}
	return reply
}

func mustUpdate(t *testing.T, a *Agent, lid uint16, port uint8, fn func(*topology.PortCounters, []topology.VLCounters)) {
	t.Helper()
	if err := a.Update(lid, port, fn); err != nil {
		t.Fatalf("Update: %v", err)
	}
}
