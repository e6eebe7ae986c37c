package mad

import "fmt"

// Fixed attribute and record sizes.
const (
	ClassPortInfoSize = 80

	DataCountersHeaderSize  = 40
	DataPortRecordSize      = 136
	DataVLRecordSize        = 104
	ErrorCountersHeaderSize = 40
	ErrorPortRecordSize     = 96
	ErrorVLRecordSize       = 8
	PortStatusRequestSize   = 8
	PortStatusRecordSize    = 216
	PortStatusVLRecordSize  = 112
	ClearPortStatusSize     = 36
)

// DataRecordSize is the size of one port's DataPortCounters record carrying
// numVLs per-lane blocks.
func DataRecordSize(numVLs int) int {
	return DataPortRecordSize + numVLs*DataVLRecordSize
}

// ErrorRecordSize is the size of one port's ErrorPortCounters record.
func ErrorRecordSize(numVLs int) int {
	return ErrorPortRecordSize + numVLs*ErrorVLRecordSize
}

// PortStatusSize is the size of a PortStatus reply for numVLs lanes.
func PortStatusSize(numVLs int) int {
	return PortStatusRecordSize + numVLs*PortStatusVLRecordSize
}

// MinPayload is the smallest payload that holds one port of every sweep
// reply. With lanes the records carry MaxPMVLs per-lane blocks.
func MinPayload(withVLs bool) int {
	n := 0
	if withVLs {
		n = MaxPMVLs
	}
	return max(
		DataCountersHeaderSize+DataRecordSize(n),
		ErrorCountersHeaderSize+ErrorRecordSize(n),
		PortStatusSize(n),
		ClearPortStatusSize,
	)
}

// ClassPortInfo advertises the agent's PM protocol capabilities.
type ClassPortInfo struct {
	BaseVersion   uint8
	ClassVersion  uint8
	CapMask       uint16
	CapMask2      uint32
	RespTimeValue uint8
}

// MarshalBinary encodes the attribute, zero filling redirect and trap fields.
func (c ClassPortInfo) MarshalBinary() ([]byte, error) {
	e := newEncoder(ClassPortInfoSize)
	e.u8(c.BaseVersion)
	e.u8(c.ClassVersion)
	e.u16(c.CapMask)
	e.u32(c.CapMask2<<5 | uint32(c.RespTimeValue&0x1F))
	e.pad(ClassPortInfoSize - 8)
	return e.bytes()
}

// DecodeClassPortInfo decodes a ClassPortInfo attribute.
func DecodeClassPortInfo(b []byte) (ClassPortInfo, error) {
	d := newDecoder(b, "ClassPortInfo")
	var c ClassPortInfo
	c.BaseVersion = d.u8()
	c.ClassVersion = d.u8()
	c.CapMask = d.u16()
	u1 := d.u32()
	d.skip(ClassPortInfoSize - 8)
	if d.err != nil {
		return ClassPortInfo{}, d.err
	}
	c.CapMask2 = u1 >> 5
	c.RespTimeValue = uint8(u1 & 0x1F)
	return c, nil
}

// DataCounters are the per-port traffic and congestion counters.
type DataCounters struct {
	XmitData          uint64
	RcvData           uint64
	XmitPkts          uint64
	RcvPkts           uint64
	MulticastXmitPkts uint64
	MulticastRcvPkts  uint64
	XmitWait          uint64
	SwPortCongestion  uint64
	RcvFECN           uint64
	RcvBECN           uint64
	XmitTimeCong      uint64
	XmitWastedBW      uint64
	XmitWaitData      uint64
	RcvBubble         uint64
	MarkFECN          uint64
}

func (c *DataCounters) encode(e *encoder) {
	for _, v := range []uint64{c.XmitData, c.RcvData, c.XmitPkts, c.RcvPkts, c.MulticastXmitPkts,
		c.MulticastRcvPkts, c.XmitWait, c.SwPortCongestion, c.RcvFECN, c.RcvBECN, c.XmitTimeCong,
		c.XmitWastedBW, c.XmitWaitData, c.RcvBubble, c.MarkFECN} {
		e.u64(v)
	}
}

func (c *DataCounters) decode(d *decoder) {
	for _, p := range []*uint64{&c.XmitData, &c.RcvData, &c.XmitPkts, &c.RcvPkts, &c.MulticastXmitPkts,
		&c.MulticastRcvPkts, &c.XmitWait, &c.SwPortCongestion, &c.RcvFECN, &c.RcvBECN, &c.XmitTimeCong,
		&c.XmitWastedBW, &c.XmitWaitData, &c.RcvBubble, &c.MarkFECN} {
		*p = d.u64()
	}
}

// VLDataCounters are the per-lane subset of DataCounters.
type VLDataCounters struct {
	XmitData         uint64
	RcvData          uint64
	XmitPkts         uint64
	RcvPkts          uint64
	XmitWait         uint64
	SwPortCongestion uint64
	RcvFECN          uint64
	RcvBECN          uint64
	XmitTimeCong     uint64
	XmitWastedBW     uint64
	XmitWaitData     uint64
	RcvBubble        uint64
	MarkFECN         uint64
}

func (c *VLDataCounters) fields() []*uint64 {
	return []*uint64{&c.XmitData, &c.RcvData, &c.XmitPkts, &c.RcvPkts, &c.XmitWait, &c.SwPortCongestion,
		&c.RcvFECN, &c.RcvBECN, &c.XmitTimeCong, &c.XmitWastedBW, &c.XmitWaitData, &c.RcvBubble, &c.MarkFECN}
}

func (c *VLDataCounters) encode(e *encoder) {
	for _, p := range c.fields() {
		e.u64(*p)
	}
}

func (c *VLDataCounters) decode(d *decoder) {
	for _, p := range c.fields() {
		*p = d.u64()
	}
}

// ErrorCounters are the per-port error counters.
type ErrorCounters struct {
	RcvConstraintErrors      uint64
	RcvSwitchRelayErrors     uint64
	XmitDiscards             uint64
	XmitConstraintErrors     uint64
	RcvRemotePhysicalErrors  uint64
	LocalLinkIntegrityErrors uint64
	RcvErrors                uint64
	ExcessiveBufferOverruns  uint64
	FMConfigErrors           uint64
	LinkErrorRecovery        uint32
	LinkDowned               uint32
	UncorrectableErrors      uint8
}

func (c *ErrorCounters) wide() []*uint64 {
	return []*uint64{&c.RcvConstraintErrors, &c.RcvSwitchRelayErrors, &c.XmitDiscards,
		&c.XmitConstraintErrors, &c.RcvRemotePhysicalErrors, &c.LocalLinkIntegrityErrors,
		&c.RcvErrors, &c.ExcessiveBufferOverruns, &c.FMConfigErrors}
}

// LinkQuality packs the link quality indicator (bits 2..0) and the number of
// lanes down (bits 7..4).
type LinkQuality uint8

// NewLinkQuality builds a LinkQuality from its fields.
func NewLinkQuality(indicator, lanesDown uint8) LinkQuality {
	return LinkQuality(lanesDown&0xF)<<4 | LinkQuality(indicator&0x7)
}

// Indicator returns the link quality indicator (0..5).
func (l LinkQuality) Indicator() uint8 { return uint8(l) & 0x7 }

// LanesDown returns the number of lanes running downgraded.
func (l LinkQuality) LanesDown() uint8 { return uint8(l) >> 4 }

// DataPortCountersRequest asks for aggregated data counters of several ports.
type DataPortCountersRequest struct {
	PortSelect PortSelectMask
	VLSelect   uint32
	Resolution uint32
}

// MarshalBinary encodes the request header.
func (r DataPortCountersRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(DataCountersHeaderSize)
	e.portSelect(r.PortSelect)
	e.u32(r.VLSelect)
	e.u32(r.Resolution)
	return e.bytes()
}

// DecodeDataPortCountersRequest decodes a request header.
func DecodeDataPortCountersRequest(b []byte) (DataPortCountersRequest, error) {
	d := newDecoder(b, "DataPortCounters request")
	r := DataPortCountersRequest{PortSelect: d.portSelect(), VLSelect: d.u32(), Resolution: d.u32()}
	return r, d.err
}

// DataPortRecord is one port's entry in a DataPortCounters reply.
type DataPortRecord struct {
	PortNumber   uint8
	LinkQuality  LinkQuality
	Counters     DataCounters
	ErrorSummary uint64
	VLs          []VLDataCounters
}

// DataPortCountersResponse is the reply: echoed header plus one record per
// selected port in ascending port order.
type DataPortCountersResponse struct {
	PortSelect PortSelectMask
	VLSelect   uint32
	Resolution uint32
	Ports      []DataPortRecord
}

// MarshalBinary encodes the reply; every record must carry one block per
// lane in VLSelect.
func (r DataPortCountersResponse) MarshalBinary() ([]byte, error) {
	nvl := VLCount(r.VLSelect)
	e := newEncoder(DataCountersHeaderSize + len(r.Ports)*DataRecordSize(nvl))
	e.portSelect(r.PortSelect)
	e.u32(r.VLSelect)
	e.u32(r.Resolution)
	for i := range r.Ports {
		p := &r.Ports[i]
		if len(p.VLs) != nvl {
			return nil, fmt.Errorf("fabricpm mad: port %d carries %d lanes, select mask has %d", p.PortNumber, len(p.VLs), nvl)
		}
		e.u8(p.PortNumber)
		e.pad(3)
		e.u32(uint32(p.LinkQuality))
		p.Counters.encode(e)
		e.u64(p.ErrorSummary)
		for j := range p.VLs {
			p.VLs[j].encode(e)
		}
	}
	return e.bytes()
}

// DecodeDataPortCountersResponse decodes a reply, sizing the record array
// from the echoed select masks.
func DecodeDataPortCountersResponse(b []byte) (DataPortCountersResponse, error) {
	d := newDecoder(b, "DataPortCounters response")
	r := DataPortCountersResponse{PortSelect: d.portSelect(), VLSelect: d.u32(), Resolution: d.u32()}
	if d.err != nil {
		return DataPortCountersResponse{}, d.err
	}
	nports := r.PortSelect.Count()
	nvl := VLCount(r.VLSelect)
	r.Ports = make([]DataPortRecord, nports)
	for i := range r.Ports {
		p := &r.Ports[i]
		p.PortNumber = d.u8()
		d.skip(3)
		p.LinkQuality = LinkQuality(d.u32())
		p.Counters.decode(d)
		p.ErrorSummary = d.u64()
		if nvl > 0 {
			p.VLs = make([]VLDataCounters, nvl)
			for j := range p.VLs {
				p.VLs[j].decode(d)
			}
		}
	}
	if d.err != nil {
		return DataPortCountersResponse{}, d.err
	}
	return r, nil
}

// ErrorPortCountersRequest asks for error counters of several ports.
type ErrorPortCountersRequest struct {
	PortSelect PortSelectMask
	VLSelect   uint32
}

// MarshalBinary encodes the request header.
func (r ErrorPortCountersRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(ErrorCountersHeaderSize)
	e.portSelect(r.PortSelect)
	e.u32(r.VLSelect)
	e.pad(4)
	return e.bytes()
}

// DecodeErrorPortCountersRequest decodes a request header.
func DecodeErrorPortCountersRequest(b []byte) (ErrorPortCountersRequest, error) {
	d := newDecoder(b, "ErrorPortCounters request")
	r := ErrorPortCountersRequest{PortSelect: d.portSelect(), VLSelect: d.u32()}
	d.skip(4)
	return r, d.err
}

// ErrorPortRecord is one port's entry in an ErrorPortCounters reply.
type ErrorPortRecord struct {
	PortNumber     uint8
	Counters       ErrorCounters
	VLXmitDiscards []uint64
}

// ErrorPortCountersResponse is the reply to ErrorPortCountersRequest.
type ErrorPortCountersResponse struct {
	PortSelect PortSelectMask
	VLSelect   uint32
	Ports      []ErrorPortRecord
}

// MarshalBinary encodes the reply.
func (r ErrorPortCountersResponse) MarshalBinary() ([]byte, error) {
	nvl := VLCount(r.VLSelect)
	e := newEncoder(ErrorCountersHeaderSize + len(r.Ports)*ErrorRecordSize(nvl))
	e.portSelect(r.PortSelect)
	e.u32(r.VLSelect)
	e.pad(4)
	for i := range r.Ports {
		p := &r.Ports[i]
		if len(p.VLXmitDiscards) != nvl {
			return nil, fmt.Errorf("fabricpm mad: port %d carries %d lanes, select mask has %d", p.PortNumber, len(p.VLXmitDiscards), nvl)
		}
		e.u8(p.PortNumber)
		e.pad(7)
		for _, v := range p.Counters.wide() {
			e.u64(*v)
		}
		e.u32(p.Counters.LinkErrorRecovery)
		e.u32(p.Counters.LinkDowned)
		e.u8(p.Counters.UncorrectableErrors)
		e.pad(7)
		for _, v := range p.VLXmitDiscards {
			e.u64(v)
		}
	}
	return e.bytes()
}

// DecodeErrorPortCountersResponse decodes a reply.
func DecodeErrorPortCountersResponse(b []byte) (ErrorPortCountersResponse, error) {
	d := newDecoder(b, "ErrorPortCounters response")
	r := ErrorPortCountersResponse{PortSelect: d.portSelect(), VLSelect: d.u32()}
	d.skip(4)
	if d.err != nil {
		return ErrorPortCountersResponse{}, d.err
	}
	nvl := VLCount(r.VLSelect)
	r.Ports = make([]ErrorPortRecord, r.PortSelect.Count())
	for i := range r.Ports {
		p := &r.Ports[i]
		p.PortNumber = d.u8()
		d.skip(7)
		for _, v := range p.Counters.wide() {
			*v = d.u64()
		}
		p.Counters.LinkErrorRecovery = d.u32()
		p.Counters.LinkDowned = d.u32()
		p.Counters.UncorrectableErrors = d.u8()
		d.skip(7)
		if nvl > 0 {
			p.VLXmitDiscards = make([]uint64, nvl)
			for j := range p.VLXmitDiscards {
				p.VLXmitDiscards[j] = d.u64()
			}
		}
	}
	if d.err != nil {
		return ErrorPortCountersResponse{}, d.err
	}
	return r, nil
}

// PortStatusRequest asks a single-port node for all of its counters.
type PortStatusRequest struct {
	PortNumber uint8
	VLSelect   uint32
}

// MarshalBinary encodes the request.
func (r PortStatusRequest) MarshalBinary() ([]byte, error) {
	e := newEncoder(PortStatusRequestSize)
	e.u8(r.PortNumber)
	e.pad(3)
	e.u32(r.VLSelect)
	return e.bytes()
}

// DecodePortStatusRequest decodes the request.
func DecodePortStatusRequest(b []byte) (PortStatusRequest, error) {
	d := newDecoder(b, "PortStatus request")
	r := PortStatusRequest{PortNumber: d.u8()}
	d.skip(3)
	r.VLSelect = d.u32()
	return r, d.err
}

// PortStatusVLRecord is one lane's entry in a PortStatus reply.
type PortStatusVLRecord struct {
	VLDataCounters
	XmitDiscards uint64
}

// PortStatusResponse carries data and error counters of one port.
type PortStatusResponse struct {
	PortNumber  uint8
	VLSelect    uint32
	Data        DataCounters
	Errors      ErrorCounters
	LinkQuality LinkQuality
	VLs         []PortStatusVLRecord
}

// MarshalBinary encodes the reply.
func (r PortStatusResponse) MarshalBinary() ([]byte, error) {
	nvl := VLCount(r.VLSelect)
	if len(r.VLs) != nvl {
		return nil, fmt.Errorf("fabricpm mad: port %d carries %d lanes, select mask has %d", r.PortNumber, len(r.VLs), nvl)
	}
	e := newEncoder(PortStatusSize(nvl))
	e.u8(r.PortNumber)
	e.pad(3)
	e.u32(r.VLSelect)
	r.Data.encode(e)
	for _, v := range r.Errors.wide() {
		e.u64(*v)
	}
	e.u32(r.Errors.LinkErrorRecovery)
	e.u32(r.Errors.LinkDowned)
	e.u8(r.Errors.UncorrectableErrors)
	e.u8(uint8(r.LinkQuality))
	e.pad(6)
	for i := range r.VLs {
		r.VLs[i].VLDataCounters.encode(e)
		e.u64(r.VLs[i].XmitDiscards)
	}
	return e.bytes()
}

// DecodePortStatusResponse decodes the reply.
func DecodePortStatusResponse(b []byte) (PortStatusResponse, error) {
	d := newDecoder(b, "PortStatus response")
	var r PortStatusResponse
	r.PortNumber = d.u8()
	d.skip(3)
	r.VLSelect = d.u32()
	r.Data.decode(d)
	for _, v := range r.Errors.wide() {
		*v = d.u64()
	}
	r.Errors.LinkErrorRecovery = d.u32()
	r.Errors.LinkDowned = d.u32()
	r.Errors.UncorrectableErrors = d.u8()
	r.LinkQuality = LinkQuality(d.u8())
	d.skip(6)
	if d.err != nil {
		return PortStatusResponse{}, d.err
	}
	if nvl := VLCount(r.VLSelect); nvl > 0 {
		r.VLs = make([]PortStatusVLRecord, nvl)
		for i := range r.VLs {
			r.VLs[i].VLDataCounters.decode(d)
			r.VLs[i].XmitDiscards = d.u64()
		}
	}
	if d.err != nil {
		return PortStatusResponse{}, d.err
	}
	return r, nil
}

// ClearPortStatus clears the selected counters on the selected ports. The
// reply echoes the request.
type ClearPortStatus struct {
	PortSelect    PortSelectMask
	CounterSelect CounterSelect
}

// MarshalBinary encodes the attribute.
func (c ClearPortStatus) MarshalBinary() ([]byte, error) {
	e := newEncoder(ClearPortStatusSize)
	e.portSelect(c.PortSelect)
	e.u32(uint32(c.CounterSelect))
	return e.bytes()
}

// DecodeClearPortStatus decodes the attribute.
func DecodeClearPortStatus(b []byte) (ClearPortStatus, error) {
	d := newDecoder(b, "ClearPortStatus")
	c := ClearPortStatus{PortSelect: d.portSelect(), CounterSelect: CounterSelect(d.u32())}
	return c, d.err
}
