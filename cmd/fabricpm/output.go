package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/topology"
)

// Data counters count 8-byte flits.
const flitBytes = 8

func printSummary(w io.Writer, s *dispatch.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Sweep %s", s.ID)

	status := "completed"
	if !s.Completed {
		status = "not done"
	}
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Status", status},
		{"Image", s.Index},
		{"Started", humanize.Time(s.Started)},
		{"Duration", s.Duration.String()},
		{"Nodes swept", humanize.Comma(int64(s.NodesSwept))},
		{"Ports swept", humanize.Comma(int64(s.PortsSwept))},
		{"Nodes skipped", s.NodesSkipped},
		{"Ports skipped", s.PortsSkipped},
		{"No response nodes", s.NoRespNodes},
		{"No response ports", s.NoRespPorts},
		{"Unexpected clears", s.UnexpectedClearPorts},
		{"Downgraded ports", s.DowngradedPorts},
		{"Packets sent", humanize.Comma(int64(s.PacketsSent))},
		{"Packets failed", s.PacketsFailed},
		{"Clears skipped", s.ClearsSkipped},
		{"Max outstanding", s.MaxOutstanding},
	})
	t.Render()

	failed := 0
	for _, n := range s.Nodes {
		if n.Failed {
			failed++
		}
	}
	if failed == 0 {
		return
	}
	ft := table.NewWriter()
	ft.SetOutputMirror(w)
	ft.SetStyle(table.StyleRounded)
	ft.SetTitle("Failed nodes")
	ft.AppendHeader(table.Row{"LID", "Type", "Last phase", "Reason"})
	for _, n := range s.Nodes {
		if !n.Failed {
			continue
		}
		last := dispatch.PhaseNone
		if len(n.Phases) > 0 {
			last = n.Phases[len(n.Phases)-1]
		}
		ft.AppendRow(table.Row{fmt.Sprintf("0x%04x", n.LID), n.Type, last.String(), n.Reason})
	}
	ft.Render()
}

func printPorts(w io.Writer, fabric *topology.Fabric) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Port counters (delta since previous sweep)")
	t.AppendHeader(table.Row{"LID", "Node", "Port", "Status", "Xmit", "Rcv", "Xmit Pkts", "Rcv Pkts", "Xmit Wait", "Rcv Errors", "Link Downed"})

	for _, n := range fabric.Snapshot() {
		ports, ok := fabric.PortCounters(n.LID)
		if !ok {
			continue
		}
		for _, p := range ports {
			if !p.Active {
				continue
			}
			status := p.Status
			if p.UnexpectedClear {
				status += " (cleared)"
			}
			d := p.Delta
			t.AppendRow(table.Row{
				fmt.Sprintf("0x%04x", n.LID),
				n.Description,
				p.Port,
				status,
				humanize.Bytes(d.XmitData * flitBytes),
				humanize.Bytes(d.RcvData * flitBytes),
				humanize.Comma(int64(d.XmitPkts)),
				humanize.Comma(int64(d.RcvPkts)),
				humanize.Comma(int64(d.XmitWait)),
				d.RcvErrors,
				d.LinkDowned,
			})
		}
	}
	t.Render()
}

func printCounters(w io.Writer, counters []counterTotal) {
	if len(counters) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle("Telemetry")
	t.AppendHeader(table.Row{"Counter", "Total"})
	for _, c := range counters {
		t.AppendRow(table.Row{c.Name, humanize.Comma(c.Value)})
	}
	t.Render()
}
