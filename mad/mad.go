// Package mad encodes and decodes the management datagrams exchanged between
// the performance manager and the per-node performance management agents.
package mad

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire constants for performance management datagrams.
const (
	BaseVersion  uint8 = 0x80
	ClassPM      uint8 = 0x04
	ClassVersion uint8 = 0x80

	HeaderSize = 24
	MaxSize    = 2048
	MaxPayload = MaxSize - HeaderSize
)

// Method identifies the MAD operation.
type Method uint8

const (
	MethodGet     Method = 0x01
	MethodSet     Method = 0x02
	MethodGetResp Method = 0x81
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "Get"
	case MethodSet:
		return "Set"
	case MethodGetResp:
		return "GetResp"
	default:
		return fmt.Sprintf("Method(0x%02x)", uint8(m))
	}
}

// IsResponse reports whether the method carries the response bit.
func (m Method) IsResponse() bool {
	return m&0x80 != 0
}

// AttributeID identifies the PM attribute carried by a MAD.
type AttributeID uint16

const (
	AttrClassPortInfo     AttributeID = 0x01
	AttrPortStatus        AttributeID = 0x40
	AttrClearPortStatus   AttributeID = 0x41
	AttrDataPortCounters  AttributeID = 0x42
	AttrErrorPortCounters AttributeID = 0x43
	AttrErrorInfo         AttributeID = 0x44
)

func (a AttributeID) String() string {
	switch a {
	case AttrClassPortInfo:
		return "ClassPortInfo"
	case AttrPortStatus:
		return "PortStatus"
	case AttrClearPortStatus:
		return "ClearPortStatus"
	case AttrDataPortCounters:
		return "DataPortCounters"
	case AttrErrorPortCounters:
		return "ErrorPortCounters"
	case AttrErrorInfo:
		return "ErrorInfo"
	default:
		return fmt.Sprintf("Attribute(0x%04x)", uint16(a))
	}
}

// Status is the MAD status word. The low byte carries the generic MAD status,
// the high byte class-specific PM status.
type Status uint16

const (
	StatusSuccess            Status = 0x0000
	StatusBadVersion         Status = 0x0004
	StatusMethodUnsupported  Status = 0x0008
	StatusAttrUnsupported    Status = 0x000C
	StatusInvalidField       Status = 0x001C
	StatusPMRequestTooLarge  Status = 0x0100
	StatusPMNumBlocks        Status = 0x0200
	StatusPMOperationFailed  Status = 0x0300
	pmClassSpecificStatusMax Status = 0xFF00
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusBadVersion:
		return "bad version"
	case StatusMethodUnsupported:
		return "method unsupported"
	case StatusAttrUnsupported:
		return "method/attribute unsupported"
	case StatusInvalidField:
		return "invalid attribute field"
	case StatusPMRequestTooLarge:
		return "request too large"
	case StatusPMNumBlocks:
		return "number of blocks inconsistent"
	case StatusPMOperationFailed:
		return "operation failed"
	}
	if s&pmClassSpecificStatusMax != 0 {
		return fmt.Sprintf("pm status 0x%04x", uint16(s))
	}
	return fmt.Sprintf("mad status 0x%04x", uint16(s))
}

var (
	// ErrShortBuffer indicates a datagram or attribute shorter than its layout.
	ErrShortBuffer = errors.New("fabricpm mad: short buffer")
	// ErrPayloadTooLarge indicates an encoding that would not fit a single MAD.
	ErrPayloadTooLarge = errors.New("fabricpm mad: payload too large")
	// ErrBadHeader indicates a datagram that is not a PM MAD.
	ErrBadHeader = errors.New("fabricpm mad: unexpected header")
)

// StatusError reports a reply whose status word is not success.
type StatusError struct {
	Method    Method
	Attribute AttributeID
	Status    Status
}

func (e StatusError) Error() string {
	return fmt.Sprintf("fabricpm mad: %s %s returned %s", e.Method, e.Attribute, e.Status)
}

// Header is the fixed 24-byte MAD header.
type Header struct {
	BaseVersion   uint8
	MgmtClass     uint8
	ClassVersion  uint8
	Method        Method
	Status        Status
	ClassSpecific uint16
	TID           uint64
	AttributeID   AttributeID
	AttributeMod  uint32
}

// MAD is one management datagram: header plus attribute payload.
type MAD struct {
	Header
	Data []byte
}

// NewRequest builds a PM request with the standard versions filled in.
func NewRequest(method Method, attr AttributeID, mod uint32, data []byte) *MAD {
	return &MAD{
		Header: Header{
			BaseVersion:  BaseVersion,
			MgmtClass:    ClassPM,
			ClassVersion: ClassVersion,
			Method:       method,
			AttributeID:  attr,
			AttributeMod: mod,
		},
		Data: data,
	}
}

// Reply builds the response skeleton for a request, echoing TID and attribute.
func (m *MAD) Reply(status Status, data []byte) *MAD {
	return &MAD{
		Header: Header{
			BaseVersion:  m.BaseVersion,
			MgmtClass:    m.MgmtClass,
			ClassVersion: m.ClassVersion,
			Method:       MethodGetResp,
			Status:       status,
			TID:          m.TID,
			AttributeID:  m.AttributeID,
			AttributeMod: m.AttributeMod,
		},
		Data: data,
	}
}

// Err returns a StatusError when the MAD status is not success.
func (m *MAD) Err() error {
	if m == nil || m.Status == StatusSuccess {
		return nil
	}
	return StatusError{Method: m.Method, Attribute: m.AttributeID, Status: m.Status}
}

// MarshalBinary encodes the MAD in network byte order.
func (m *MAD) MarshalBinary() ([]byte, error) {
	if len(m.Data) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Data))
	}
	buf := make([]byte, HeaderSize+len(m.Data))
	buf[0] = m.BaseVersion
	buf[1] = m.MgmtClass
	buf[2] = m.ClassVersion
	buf[3] = uint8(m.Method)
	binary.BigEndian.PutUint16(buf[4:], uint16(m.Status))
	binary.BigEndian.PutUint16(buf[6:], m.ClassSpecific)
	binary.BigEndian.PutUint64(buf[8:], m.TID)
	binary.BigEndian.PutUint16(buf[16:], uint16(m.AttributeID))
	binary.BigEndian.PutUint32(buf[20:], m.AttributeMod)
	copy(buf[HeaderSize:], m.Data)
	return buf, nil
}

// Unmarshal decodes a datagram into a MAD. The payload aliases b.
func Unmarshal(b []byte) (*MAD, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortBuffer, HeaderSize, len(b))
	}
	if len(b) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b))
	}
	m := &MAD{
		Header: Header{
			BaseVersion:   b[0],
			MgmtClass:     b[1],
			ClassVersion:  b[2],
			Method:        Method(b[3]),
			Status:        Status(binary.BigEndian.Uint16(b[4:])),
			ClassSpecific: binary.BigEndian.Uint16(b[6:]),
			TID:           binary.BigEndian.Uint64(b[8:]),
			AttributeID:   AttributeID(binary.BigEndian.Uint16(b[16:])),
			AttributeMod:  binary.BigEndian.Uint32(b[20:]),
		},
		Data: b[HeaderSize:],
	}
	if m.MgmtClass != ClassPM {
		return m, fmt.Errorf("%w: management class 0x%02x", ErrBadHeader, m.MgmtClass)
	}
	return m, nil
}

// AttributeModifier returns the modifier used for multi-port requests: the
// number of ports (or blocks) in the top byte.
func AttributeModifier(numPorts int) uint32 {
	return uint32(numPorts&0xFF) << 24
}

// NumBlocks extracts the block count from a multi-port attribute modifier.
func NumBlocks(mod uint32) int {
	return int(mod >> 24)
}
