package topology

import (
	"math"

	"github.com/rocketbitz/fabricpm/mad"
)

// QueryStatus records how the sweep fared for one port.
type QueryStatus uint8

const (
	QueryOK QueryStatus = iota
	QuerySkip
	QueryFailQuery
	QueryFailClear
)

func (s QueryStatus) String() string {
	switch s {
	case QueryOK:
		return "ok"
	case QuerySkip:
		return "skipped"
	case QueryFailQuery:
		return "query failed"
	case QueryFailClear:
		return "clear failed"
	default:
		return "unknown"
	}
}

// PortCounters holds the composite data and error counters of a port.
type PortCounters struct {
	mad.DataCounters
	mad.ErrorCounters
	LinkQualityIndicator uint8
	NumLanesDown         uint8
}

// VLCounters holds one lane's counters.
type VLCounters struct {
	mad.VLDataCounters
	XmitDiscards uint64
}

// PortImage is one sweep's view of a port.
type PortImage struct {
	Active       bool
	VLSelectMask uint32
	QueryStatus  QueryStatus

	GotDataCounters  bool
	GotErrorCounters bool
	UnexpectedClear  bool
	// ClearSelectMask lists the counters the manager cleared this sweep.
	ClearSelectMask mad.CounterSelect

	Counters   PortCounters
	VLCounters [mad.MaxPMVLs]VLCounters

	Delta   PortCounters
	VLDelta [mad.MaxPMVLs]VLCounters
}

func (img *PortImage) reset(active bool, vlSelect uint32) {
	*img = PortImage{Active: active, VLSelectMask: vlSelect}
}

// ErrorSummary computes the summary the agent reports for these counters.
func (img *PortImage) ErrorSummary(lliShift, lerShift uint8) uint64 {
	return mad.ErrorSummary(img.Counters.ErrorCounters, lliShift, lerShift)
}

type counterField struct {
	sel mad.CounterSelect
	max uint64
	get func(*PortCounters) uint64
	set func(*PortCounters, uint64)
}

var dataFields = []counterField{
	{mad.SelectXmitData, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitData }, func(c *PortCounters, v uint64) { c.XmitData = v }},
	{mad.SelectRcvData, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvData }, func(c *PortCounters, v uint64) { c.RcvData = v }},
	{mad.SelectXmitPkts, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitPkts }, func(c *PortCounters, v uint64) { c.XmitPkts = v }},
	{mad.SelectRcvPkts, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvPkts }, func(c *PortCounters, v uint64) { c.RcvPkts = v }},
	{mad.SelectMulticastXmitPkts, math.MaxUint64, func(c *PortCounters) uint64 { return c.MulticastXmitPkts }, func(c *PortCounters, v uint64) { c.MulticastXmitPkts = v }},
	{mad.SelectMulticastRcvPkts, math.MaxUint64, func(c *PortCounters) uint64 { return c.MulticastRcvPkts }, func(c *PortCounters, v uint64) { c.MulticastRcvPkts = v }},
	{mad.SelectXmitWait, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitWait }, func(c *PortCounters, v uint64) { c.XmitWait = v }},
	{mad.SelectSwPortCongestion, math.MaxUint64, func(c *PortCounters) uint64 { return c.SwPortCongestion }, func(c *PortCounters, v uint64) { c.SwPortCongestion = v }},
	{mad.SelectRcvFECN, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvFECN }, func(c *PortCounters, v uint64) { c.RcvFECN = v }},
	{mad.SelectRcvBECN, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvBECN }, func(c *PortCounters, v uint64) { c.RcvBECN = v }},
	{mad.SelectXmitTimeCong, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitTimeCong }, func(c *PortCounters, v uint64) { c.XmitTimeCong = v }},
	{mad.SelectXmitWastedBW, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitWastedBW }, func(c *PortCounters, v uint64) { c.XmitWastedBW = v }},
	{mad.SelectXmitWaitData, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitWaitData }, func(c *PortCounters, v uint64) { c.XmitWaitData = v }},
	{mad.SelectRcvBubble, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvBubble }, func(c *PortCounters, v uint64) { c.RcvBubble = v }},
	{mad.SelectMarkFECN, math.MaxUint64, func(c *PortCounters) uint64 { return c.MarkFECN }, func(c *PortCounters, v uint64) { c.MarkFECN = v }},
}

var errorFields = []counterField{
	{mad.SelectRcvConstraintErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvConstraintErrors }, func(c *PortCounters, v uint64) { c.RcvConstraintErrors = v }},
	{mad.SelectRcvSwitchRelayErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvSwitchRelayErrors }, func(c *PortCounters, v uint64) { c.RcvSwitchRelayErrors = v }},
	{mad.SelectXmitDiscards, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitDiscards }, func(c *PortCounters, v uint64) { c.XmitDiscards = v }},
	{mad.SelectXmitConstraintErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.XmitConstraintErrors }, func(c *PortCounters, v uint64) { c.XmitConstraintErrors = v }},
	{mad.SelectRcvRemotePhysicalErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvRemotePhysicalErrors }, func(c *PortCounters, v uint64) { c.RcvRemotePhysicalErrors = v }},
	{mad.SelectLocalLinkIntegrityErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.LocalLinkIntegrityErrors }, func(c *PortCounters, v uint64) { c.LocalLinkIntegrityErrors = v }},
	{mad.SelectRcvErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.RcvErrors }, func(c *PortCounters, v uint64) { c.RcvErrors = v }},
	{mad.SelectExcessiveBufferOverruns, math.MaxUint64, func(c *PortCounters) uint64 { return c.ExcessiveBufferOverruns }, func(c *PortCounters, v uint64) { c.ExcessiveBufferOverruns = v }},
	{mad.SelectFMConfigErrors, math.MaxUint64, func(c *PortCounters) uint64 { return c.FMConfigErrors }, func(c *PortCounters, v uint64) { c.FMConfigErrors = v }},
	{mad.SelectLinkErrorRecovery, math.MaxUint32, func(c *PortCounters) uint64 { return uint64(c.LinkErrorRecovery) }, func(c *PortCounters, v uint64) { c.LinkErrorRecovery = uint32(v) }},
	{mad.SelectLinkDowned, math.MaxUint32, func(c *PortCounters) uint64 { return uint64(c.LinkDowned) }, func(c *PortCounters, v uint64) { c.LinkDowned = uint32(v) }},
	{mad.SelectUncorrectableErrors, math.MaxUint8, func(c *PortCounters) uint64 { return uint64(c.UncorrectableErrors) }, func(c *PortCounters, v uint64) { c.UncorrectableErrors = uint8(v) }},
}

type vlField struct {
	sel mad.CounterSelect
	ptr func(*VLCounters) *uint64
}

var vlDataFields = []vlField{
	{mad.SelectXmitData, func(c *VLCounters) *uint64 { return &c.XmitData }},
	{mad.SelectRcvData, func(c *VLCounters) *uint64 { return &c.RcvData }},
	{mad.SelectXmitPkts, func(c *VLCounters) *uint64 { return &c.XmitPkts }},
	{mad.SelectRcvPkts, func(c *VLCounters) *uint64 { return &c.RcvPkts }},
	{mad.SelectXmitWait, func(c *VLCounters) *uint64 { return &c.XmitWait }},
	{mad.SelectSwPortCongestion, func(c *VLCounters) *uint64 { return &c.SwPortCongestion }},
	{mad.SelectRcvFECN, func(c *VLCounters) *uint64 { return &c.RcvFECN }},
	{mad.SelectRcvBECN, func(c *VLCounters) *uint64 { return &c.RcvBECN }},
	{mad.SelectXmitTimeCong, func(c *VLCounters) *uint64 { return &c.XmitTimeCong }},
	{mad.SelectXmitWastedBW, func(c *VLCounters) *uint64 { return &c.XmitWastedBW }},
	{mad.SelectXmitWaitData, func(c *VLCounters) *uint64 { return &c.XmitWaitData }},
	{mad.SelectRcvBubble, func(c *VLCounters) *uint64 { return &c.RcvBubble }},
	{mad.SelectMarkFECN, func(c *VLCounters) *uint64 { return &c.MarkFECN }},
}

var vlErrorFields = []vlField{
	{mad.SelectXmitDiscards, func(c *VLCounters) *uint64 { return &c.XmitDiscards }},
}

// ClearCounters zeroes the selected counters, including the per-lane
// counterparts of selected port counters.
func ClearCounters(c *PortCounters, vls []VLCounters, sel mad.CounterSelect) {
	for _, fields := range [][]counterField{dataFields, errorFields} {
		for _, f := range fields {
			if sel&f.sel != 0 {
				f.set(c, 0)
			}
		}
	}
	for i := range vls {
		for _, fields := range [][]vlField{vlDataFields, vlErrorFields} {
			for _, f := range fields {
				if sel&f.sel != 0 {
					*f.ptr(&vls[i]) = 0
				}
			}
		}
	}
}

// ClearThresholds holds, per counter, the value above which the counter is
// cleared by the manager.
type ClearThresholds struct {
	sel    mad.CounterSelect
	limits map[mad.CounterSelect]uint64
}

// NewClearThresholds computes thresholds as errorClear eighths of each
// counter's range for selected counters. Unselected counters are never
// cleared. errorClear is capped at 7.
func NewClearThresholds(sel mad.CounterSelect, errorClear uint8) ClearThresholds {
	if errorClear > 7 {
		errorClear = 7
	}
	t := ClearThresholds{sel: sel, limits: make(map[mad.CounterSelect]uint64, len(dataFields)+len(errorFields))}
	for _, fields := range [][]counterField{dataFields, errorFields} {
		for _, f := range fields {
			mult := uint64(8)
			if sel&f.sel != 0 {
				mult = uint64(errorClear)
			}
			t.limits[f.sel] = (f.max / 8) * mult
		}
	}
	return t
}

// Select returns the counters eligible for clearing.
func (t ClearThresholds) Select() mad.CounterSelect {
	return t.sel
}

// Exceeded returns the selected counters whose value is above threshold.
func (t ClearThresholds) Exceeded(c *PortCounters) mad.CounterSelect {
	if t.sel == 0 {
		return 0
	}
	var out mad.CounterSelect
	for _, fields := range [][]counterField{dataFields, errorFields} {
		for _, f := range fields {
			if f.get(c) > t.limits[f.sel] {
				out |= f.sel & t.sel
			}
		}
	}
	return out
}
