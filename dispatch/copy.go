package dispatch

import "github.com/rocketbitz/fabricpm/mad"

// copyDataCounters stores a DataPortCounters record and flags the port for
// the error pass when its error summary moved since the last sweep.
func (d *Dispatcher) copyDataCounters(sc *SweepContext, ns *nodeSweep, ap *ActivePort, rec *mad.DataPortRecord, vlSelect uint32) {
	img := &ap.port.Image[sc.summary.Index]
	img.Counters.DataCounters = rec.Counters
	img.Counters.LinkQualityIndicator = rec.LinkQuality.Indicator()
	img.Counters.NumLanesDown = rec.LinkQuality.LanesDown()
	for j, vl := range mad.VLs(vlSelect) {
		if idx, ok := mad.VLToIndex(vl); ok && j < len(rec.VLs) {
			img.VLCounters[idx].VLDataCounters = rec.VLs[j]
		}
	}
	img.GotDataCounters = true

	prev := d.fabric.PreviousImage(ap.port)
	if (prev == nil && rec.ErrorSummary != 0) ||
		(prev != nil && prev.ErrorSummary(d.lliShift, d.lerShift) != rec.ErrorSummary) {
		ap.set(FlagNeedsError)
		ns.needError = true
	}
}

// copyPortStatus stores the single-port reply of a fabric interface, which
// carries data and error counters together.
func copyPortStatus(sc *SweepContext, ap *ActivePort, resp *mad.PortStatusResponse) {
	img := &ap.port.Image[sc.summary.Index]
	img.Counters.DataCounters = resp.Data
	img.Counters.ErrorCounters = resp.Errors
	img.Counters.LinkQualityIndicator = resp.LinkQuality.Indicator()
	img.Counters.NumLanesDown = resp.LinkQuality.LanesDown()
	for j, vl := range mad.VLs(resp.VLSelect) {
		if idx, ok := mad.VLToIndex(vl); ok && j < len(resp.VLs) {
			img.VLCounters[idx].VLDataCounters = resp.VLs[j].VLDataCounters
			img.VLCounters[idx].XmitDiscards = resp.VLs[j].XmitDiscards
		}
	}
	img.GotDataCounters = true
	img.GotErrorCounters = true
}

func copyErrorCounters(sc *SweepContext, ap *ActivePort, rec *mad.ErrorPortRecord, vlSelect uint32) {
	img := &ap.port.Image[sc.summary.Index]
	img.Counters.ErrorCounters = rec.Counters
	for j, vl := range mad.VLs(vlSelect) {
		if idx, ok := mad.VLToIndex(vl); ok && j < len(rec.VLXmitDiscards) {
			img.VLCounters[idx].XmitDiscards = rec.VLXmitDiscards[j]
		}
	}
	img.GotErrorCounters = true
}
