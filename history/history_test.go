package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/mad"
	"github.com/rocketbitz/fabricpm/topology"
)

func TestRecordLatestList(t *testing.T) {
	st := openTestStore(t, filepath.Join(t.TempDir(), "sub", "history.db"))
	ctx := context.Background()

	if _, err := st.Latest(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s := summaryAt(i, base.Add(time.Duration(i)*time.Minute))
		if err := st.Record(ctx, &s); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	latest, err := st.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "sweep-2" || latest.NodesSwept != 12 || !latest.Completed {
		t.Fatalf("unexpected latest: %+v", latest)
	}
	if !latest.Started.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("start time not preserved: %s", latest.Started)
	}
	if len(latest.Nodes) != 1 || latest.Nodes[0].Phases[1] != dispatch.PhaseDataCounters {
		t.Fatalf("node trace not preserved: %+v", latest.Nodes)
	}
	if len(latest.UnexpectedClears) != 1 || latest.UnexpectedClears[0].Mask != mad.SelectRcvErrors {
		t.Fatalf("unexpected clears not preserved: %+v", latest.UnexpectedClears)
	}

	list, err := st.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "sweep-2" || list[1].ID != "sweep-1" {
		t.Fatalf("unexpected list order: %v", ids(list))
	}
	if all, _ := st.List(ctx, 0); len(all) != 3 {
		t.Fatalf("expected the default limit to return every sweep, got %d", len(all))
	}
}

func TestRecordReplacesSameSweep(t *testing.T) {
	st := openTestStore(t, ":memory:")
	ctx := context.Background()

	s := summaryAt(0, time.Now())
	if err := st.Record(ctx, &s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	s.NoRespNodes = 4
	if err := st.Record(ctx, &s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	list, err := st.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].NoRespNodes != 4 {
		t.Fatalf("expected one updated sweep, got %+v", list)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	st := openTestStore(t, ":memory:")
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		s := summaryAt(i, base.Add(time.Duration(i)*time.Second))
		if err := st.Record(ctx, &s); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	n, err := st.Prune(ctx, 2)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 3 {
		t.Fatalf("pruned %d rows, want 3", n)
	}
	list, _ := st.List(ctx, 10)
	if len(list) != 2 || list[0].ID != "sweep-4" || list[1].ID != "sweep-3" {
		t.Fatalf("unexpected survivors: %v", ids(list))
	}
}

func TestClosedStore(t *testing.T) {
	st, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s := summaryAt(0, time.Now())
	if err := st.Record(context.Background(), &s); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := st.List(context.Background(), 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	st, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func summaryAt(i int, started time.Time) dispatch.Summary {
	return dispatch.Summary{
		ID:          fmt.Sprintf("sweep-%d", i),
		Index:       i % topology.ImageCount,
		Started:     started,
		Finished:    started.Add(250 * time.Millisecond),
		Duration:    250 * time.Millisecond,
		Completed:   true,
		NodesSwept:  10 + i,
		PortsSwept:  80,
		PacketsSent: 42,
		UnexpectedClears: []topology.UnexpectedClear{
			{LID: 3, Port: 2, Mask: mad.SelectRcvErrors},
		},
		Nodes: []dispatch.NodeTrace{
			{LID: 3, Type: "switch", Phases: []dispatch.Phase{dispatch.PhaseNone, dispatch.PhaseDataCounters, dispatch.PhaseDone}},
		},
	}
}

func ids(list []dispatch.Summary) []string {
	out := make([]string, len(list))
	for i := range list {
		out[i] = list[i].ID
	}
	return out
}
