package mad

import (
	"math/bits"
	"strings"
)

// MaxPorts is the number of ports addressable by a PortSelectMask.
const MaxPorts = 256

// PortSelectMask selects ports in a multi-port request. Word 3 holds ports
// 0..63, word 0 holds ports 192..255.
type PortSelectMask [4]uint64

// Set adds port to the mask.
func (m *PortSelectMask) Set(port uint8) {
	idx := 3 - int(port)/64
	m[idx] |= 1 << (uint(port) % 64)
}

// Has reports whether port is selected.
func (m PortSelectMask) Has(port uint8) bool {
	idx := 3 - int(port)/64
	return m[idx]&(1<<(uint(port)%64)) != 0
}

// Count returns the number of selected ports.
func (m PortSelectMask) Count() int {
	n := 0
	for _, w := range m {
		n += bits.OnesCount64(w)
	}
	return n
}

// Ports lists the selected ports in ascending order, which is the order
// multi-port replies carry their records in.
func (m PortSelectMask) Ports() []uint8 {
	ports := make([]uint8, 0, m.Count())
	for p := 0; p < MaxPorts; p++ {
		if m.Has(uint8(p)) {
			ports = append(ports, uint8(p))
		}
	}
	return ports
}

// IsZero reports whether no port is selected.
func (m PortSelectMask) IsZero() bool {
	return m == PortSelectMask{}
}

// Equal reports whether both masks select the same ports.
func (m PortSelectMask) Equal(o PortSelectMask) bool {
	return m == o
}

// CounterSelect selects counters for ClearPortStatus.
type CounterSelect uint32

const (
	SelectXmitData CounterSelect = 1 << (31 - iota)
	SelectRcvData
	SelectXmitPkts
	SelectRcvPkts
	SelectMulticastXmitPkts
	SelectMulticastRcvPkts
	SelectXmitWait
	SelectSwPortCongestion
	SelectRcvFECN
	SelectRcvBECN
	SelectXmitTimeCong
	SelectXmitWastedBW
	SelectXmitWaitData
	SelectRcvBubble
	SelectMarkFECN
	SelectRcvConstraintErrors
	SelectRcvSwitchRelayErrors
	SelectXmitDiscards
	SelectXmitConstraintErrors
	SelectRcvRemotePhysicalErrors
	SelectLocalLinkIntegrityErrors
	SelectRcvErrors
	SelectExcessiveBufferOverruns
	SelectFMConfigErrors
	SelectLinkErrorRecovery
	SelectLinkDowned
	SelectUncorrectableErrors
)

// Counter groups used to build the clear selection.
const (
	SelectDataXfer = SelectXmitData | SelectRcvData | SelectXmitPkts | SelectRcvPkts |
		SelectMulticastXmitPkts | SelectMulticastRcvPkts
	Select64Bit = SelectXmitWait | SelectSwPortCongestion | SelectRcvFECN | SelectRcvBECN |
		SelectXmitTimeCong | SelectXmitWastedBW | SelectXmitWaitData | SelectRcvBubble |
		SelectMarkFECN | SelectRcvConstraintErrors | SelectRcvSwitchRelayErrors |
		SelectXmitDiscards | SelectXmitConstraintErrors | SelectRcvRemotePhysicalErrors |
		SelectLocalLinkIntegrityErrors | SelectRcvErrors | SelectExcessiveBufferOverruns |
		SelectFMConfigErrors
	Select32Bit = SelectLinkErrorRecovery | SelectLinkDowned
	Select8Bit  = SelectUncorrectableErrors
	SelectAll   = SelectDataXfer | Select64Bit | Select32Bit | Select8Bit
)

var counterSelectNames = []string{
	"XmitData", "RcvData", "XmitPkts", "RcvPkts", "MulticastXmitPkts", "MulticastRcvPkts",
	"XmitWait", "SwPortCongestion", "RcvFECN", "RcvBECN", "XmitTimeCong", "XmitWastedBW",
	"XmitWaitData", "RcvBubble", "MarkFECN", "RcvConstraintErrors", "RcvSwitchRelayErrors",
	"XmitDiscards", "XmitConstraintErrors", "RcvRemotePhysicalErrors",
	"LocalLinkIntegrityErrors", "RcvErrors", "ExcessiveBufferOverruns", "FMConfigErrors",
	"LinkErrorRecovery", "LinkDowned", "UncorrectableErrors",
}

// BuildCounterSelect assembles the clear selection from the configured groups.
func BuildCounterSelect(dataXfer, bits64, bits32, bits8 bool) CounterSelect {
	var s CounterSelect
	if dataXfer {
		s |= SelectDataXfer
	}
	if bits64 {
		s |= Select64Bit
	}
	if bits32 {
		s |= Select32Bit
	}
	if bits8 {
		s |= Select8Bit
	}
	return s
}

func (s CounterSelect) String() string {
	if s == 0 {
		return "none"
	}
	names := make([]string, 0, len(counterSelectNames))
	for i, name := range counterSelectNames {
		if s&(1<<(31-uint(i))) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

// VL slot layout shared by the counter images.
const (
	MaxVLs   = 32
	MaxPMVLs = 9
	VL15     = 15
)

// VLToIndex maps a virtual lane to its counter slot: data VLs 0..7 keep their
// number and VL15 uses slot 8. Other lanes are not tracked.
func VLToIndex(vl int) (int, bool) {
	switch {
	case vl >= 0 && vl < 8:
		return vl, true
	case vl == VL15:
		return MaxPMVLs - 1, true
	default:
		return 0, false
	}
}

// VLCount returns the number of lanes selected by mask.
func VLCount(mask uint32) int {
	return bits.OnesCount32(mask)
}

// VLs lists the lanes selected by mask in ascending order.
func VLs(mask uint32) []int {
	vls := make([]int, 0, VLCount(mask))
	for vl := 0; vl < MaxVLs; vl++ {
		if mask&(1<<uint(vl)) != 0 {
			vls = append(vls, vl)
		}
	}
	return vls
}

// Resolution adders for the two error counters the agent can report at
// reduced resolution.
const (
	ResolutionAdderLLI = 8
	ResolutionAdderLER = 2
	maxResolutionShift = 15
)

// ResolutionToShift converts a configured counter resolution into the shift
// encoded in DataPortCounters requests.
func ResolutionToShift(resolution uint32, adder uint8) uint8 {
	if resolution == 0 {
		return 0
	}
	shift := uint8(bits.Len32(resolution) - 1)
	if shift <= adder {
		return 0
	}
	shift -= adder
	if shift > maxResolutionShift {
		shift = maxResolutionShift
	}
	return shift
}

// Resolution packs the LLI and LER shifts into the request resolution word.
func Resolution(lliShift, lerShift uint8) uint32 {
	return uint32(lliShift&0xF)<<4 | uint32(lerShift&0xF)
}

// SplitResolution unpacks a resolution word into LLI and LER shifts.
func SplitResolution(res uint32) (lliShift, lerShift uint8) {
	return uint8(res>>4) & 0xF, uint8(res) & 0xF
}
