package topology

import (
	"github.com/rocketbitz/fabricpm/mad"
)

type finalizeResult struct {
	UnexpectedClear mad.CounterSelect
	Downgraded      bool
}

// finalize computes deltas for the image at index against prev, detects
// counters that went backwards without a manager clear, and folds the deltas
// into the running totals.
func (p *Port) finalize(index, prev int, processVLs bool) finalizeResult {
	img := &p.Image[index]
	var res finalizeResult
	res.Downgraded = img.Counters.NumLanesDown != 0

	if prev == NoImage || prev == index {
		p.Totals.LinkQualityIndicator = img.Counters.LinkQualityIndicator
		return res
	}
	old := &p.Image[prev]
	if !img.GotDataCounters || img.QueryStatus == QuerySkip || img.QueryStatus == QueryFailQuery {
		return res
	}

	// Counters cleared by the manager last sweep restart from zero.
	prevClear := old.ClearSelectMask
	var unexpected mad.CounterSelect

	delta := func(f counterField) {
		cur, was := f.get(&img.Counters), f.get(&old.Counters)
		if cur < was || prevClear&f.sel != 0 {
			if prevClear&f.sel == 0 {
				unexpected |= f.sel
			}
			f.set(&img.Delta, cur)
			return
		}
		f.set(&img.Delta, cur-was)
	}
	vlDelta := func(vl int, f vlField) {
		cur, was := *f.ptr(&img.VLCounters[vl]), *f.ptr(&old.VLCounters[vl])
		if cur < was || prevClear&f.sel != 0 {
			if prevClear&f.sel == 0 {
				unexpected |= f.sel
			}
			*f.ptr(&img.VLDelta[vl]) = cur
			return
		}
		*f.ptr(&img.VLDelta[vl]) = cur - was
	}

	img.Delta.LinkQualityIndicator = min(img.Counters.LinkQualityIndicator, old.Counters.LinkQualityIndicator)
	img.Delta.NumLanesDown = max(img.Counters.NumLanesDown, old.Counters.NumLanesDown)

	for _, f := range dataFields {
		delta(f)
	}
	if processVLs {
		for vl := range img.VLCounters {
			for _, f := range vlDataFields {
				vlDelta(vl, f)
			}
		}
	}
	if img.GotErrorCounters {
		for _, f := range errorFields {
			delta(f)
		}
		if processVLs {
			for vl := range img.VLCounters {
				for _, f := range vlErrorFields {
					vlDelta(vl, f)
				}
			}
		}
	} else {
		// Error counters were not polled this sweep; carry the last values.
		img.Counters.ErrorCounters = old.Counters.ErrorCounters
		if processVLs {
			for vl := range img.VLCounters {
				img.VLCounters[vl].XmitDiscards = old.VLCounters[vl].XmitDiscards
			}
		}
	}

	reported := unexpected
	if img.Delta.LinkDowned != 0 {
		reported &^= mad.LinkDownIgnore
	}
	if reported != 0 {
		img.UnexpectedClear = true
		res.UnexpectedClear = reported
	}
	old.ClearSelectMask |= unexpected

	for _, f := range dataFields {
		f.set(&p.Totals, saturatingAdd(f.get(&p.Totals), f.get(&img.Delta), f.max))
	}
	if img.GotErrorCounters {
		for _, f := range errorFields {
			f.set(&p.Totals, saturatingAdd(f.get(&p.Totals), f.get(&img.Delta), f.max))
		}
	}
	p.Totals.LinkQualityIndicator = img.Counters.LinkQualityIndicator
	p.Totals.NumLanesDown = img.Counters.NumLanesDown

	if processVLs {
		for vl := range p.VLTotals {
			for _, f := range vlDataFields {
				*f.ptr(&p.VLTotals[vl]) = saturatingAdd(*f.ptr(&p.VLTotals[vl]), *f.ptr(&img.VLDelta[vl]), ^uint64(0))
			}
			if img.GotErrorCounters {
				for _, f := range vlErrorFields {
					*f.ptr(&p.VLTotals[vl]) = saturatingAdd(*f.ptr(&p.VLTotals[vl]), *f.ptr(&img.VLDelta[vl]), ^uint64(0))
				}
			}
		}
	}
	return res
}

func saturatingAdd(total, delta, limit uint64) uint64 {
	if delta >= limit || total >= limit-delta {
		return limit
	}
	return total + delta
}
