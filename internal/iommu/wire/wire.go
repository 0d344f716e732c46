// Package wire implements the on-the-wire little-endian layout of the
// paravirtualized IOMMU command and event queues, byte for byte as laid
// out in the device's wire format (reserved padding included). Struct-tag
// reflection is deliberately not used here: several payloads carry
// explicit reserved padding that a generic encoder could silently place
// wrong after a field reorder, so every layout is encoded and decoded by
// hand against fixed byte offsets.
package wire

import "encoding/binary"

// Request types carried in the header of a command-queue descriptor chain.
const (
	ReqAttach uint8 = 1
	ReqDetach uint8 = 2
	ReqMap    uint8 = 3
	ReqUnmap  uint8 = 4
	ReqProbe  uint8 = 5
)

// Status is the trailing status byte written back to the guest.
type Status uint8

const (
	StatusOK     Status = 0
	StatusIOErr  Status = 1
	StatusUnsupp Status = 2
	StatusDevErr Status = 3
	StatusInval  Status = 4
	StatusRange  Status = 5
	StatusNoent  Status = 6
	StatusFault  Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusIOErr:
		return "IOERR"
	case StatusUnsupp:
		return "UNSUPP"
	case StatusDevErr:
		return "DEVERR"
	case StatusInval:
		return "INVAL"
	case StatusRange:
		return "RANGE"
	case StatusNoent:
		return "NOENT"
	case StatusFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// MAP flags, bit 0 READ, bit 1 WRITE, bit 2 EXEC.
const (
	MapFlagRead  uint32 = 1 << 0
	MapFlagWrite uint32 = 1 << 1
	MapFlagExec  uint32 = 1 << 2
)

// Fault reasons on the event queue.
const (
	FaultUnknown uint8 = 1
	FaultDomain  uint8 = 2
	FaultMapping uint8 = 3
)

// Fault flags on the event queue.
const (
	FaultFlagRead         uint32 = 1
	FaultFlagWrite        uint32 = 2
	FaultFlagExec         uint32 = 4
	FaultFlagAddressValid uint32 = 0x100
)

// Probe property types.
const (
	ProbeTypeNone    uint16 = 0
	ProbeTypeResvMem uint16 = 1
)

// Reserved-region subtypes carried in a RESV_MEM probe property.
const (
	ResvSubtypeReserved uint8 = 0
	ResvSubtypeMSI      uint8 = 1
)

// HeaderLen is the size of the leading request header.
const HeaderLen = 4

// Header is {request_type: u8, reserved: u8[3]}.
type Header struct {
	Type uint8
}

func DecodeHeader(b []byte) (Header, bool) {
	if len(b) < HeaderLen {
		return Header{}, false
	}
	return Header{Type: b[0]}, true
}

// AttachLen / DetachLen is the size of {domain: u32, endpoint: u32, reserved: u8[8]}.
const AttachLen = 16
const DetachLen = 16

type AttachRequest struct {
	Domain   uint32
	Endpoint uint32
}

func DecodeAttach(b []byte) (AttachRequest, bool) {
	if len(b) < AttachLen {
		return AttachRequest{}, false
	}
	return AttachRequest{
		Domain:   binary.LittleEndian.Uint32(b[0:4]),
		Endpoint: binary.LittleEndian.Uint32(b[4:8]),
	}, true
}

type DetachRequest struct {
	Domain   uint32
	Endpoint uint32
}

func DecodeDetach(b []byte) (DetachRequest, bool) {
	if len(b) < DetachLen {
		return DetachRequest{}, false
	}
	return DetachRequest{
		Domain:   binary.LittleEndian.Uint32(b[0:4]),
		Endpoint: binary.LittleEndian.Uint32(b[4:8]),
	}, true
}

// MapLen is the size of {domain: u32, virt_start: u64, virt_end: u64, phys_start: u64, flags: u32}.
const MapLen = 32

type MapRequest struct {
	Domain    uint32
	VirtStart uint64
	VirtEnd   uint64
	PhysStart uint64
	Flags     uint32
}

func DecodeMap(b []byte) (MapRequest, bool) {
	if len(b) < MapLen {
		return MapRequest{}, false
	}
	return MapRequest{
		Domain:    binary.LittleEndian.Uint32(b[0:4]),
		VirtStart: binary.LittleEndian.Uint64(b[4:12]),
		VirtEnd:   binary.LittleEndian.Uint64(b[12:20]),
		PhysStart: binary.LittleEndian.Uint64(b[20:28]),
		Flags:     binary.LittleEndian.Uint32(b[28:32]),
	}, true
}

// UnmapLen is the size of {domain: u32, virt_start: u64, virt_end: u64, reserved: u8[4]}.
const UnmapLen = 24

type UnmapRequest struct {
	Domain    uint32
	VirtStart uint64
	VirtEnd   uint64
}

func DecodeUnmap(b []byte) (UnmapRequest, bool) {
	if len(b) < UnmapLen {
		return UnmapRequest{}, false
	}
	return UnmapRequest{
		Domain:    binary.LittleEndian.Uint32(b[0:4]),
		VirtStart: binary.LittleEndian.Uint64(b[4:12]),
		VirtEnd:   binary.LittleEndian.Uint64(b[12:20]),
	}, true
}

// ProbeLen is the size of {endpoint: u32, reserved: u8[64]} (the properties
// tail is sized by the device's configured probe_size and filled separately).
const ProbeLen = 4 + 64

type ProbeRequest struct {
	Endpoint uint32
}

func DecodeProbe(b []byte) (ProbeRequest, bool) {
	if len(b) < ProbeLen {
		return ProbeRequest{}, false
	}
	return ProbeRequest{Endpoint: binary.LittleEndian.Uint32(b[0:4])}, true
}

// EventLen is the size of one event-queue record:
// {reason: u8, reserved: u8[3], flags: u32, endpoint: u32, reserved: u8[4], address: u64}.
const EventLen = 24

type Event struct {
	Reason   uint8
	Flags    uint32
	Endpoint uint32
	Address  uint64
}

func EncodeEvent(e Event) []byte {
	b := make([]byte, EventLen)
	b[0] = e.Reason
	binary.LittleEndian.PutUint32(b[4:8], e.Flags)
	binary.LittleEndian.PutUint32(b[8:12], e.Endpoint)
	binary.LittleEndian.PutUint64(b[16:24], e.Address)
	return b
}

// ResvMemPropLen is the size of one RESV_MEM probe property: a 4-byte
// {type, length} head followed by {subtype: u8, reserved: u8[3], start: u64, end: u64}.
const ResvMemPropLen = 4 + 1 + 3 + 8 + 8

// TerminatorPropLen is the size of the trailing type-0 property (head only,
// zero-length payload).
const TerminatorPropLen = 4

type ResvMemProp struct {
	Subtype uint8
	Start   uint64
	End     uint64
}

func EncodeResvMemProp(p ResvMemProp) []byte {
	b := make([]byte, ResvMemPropLen)
	binary.LittleEndian.PutUint16(b[0:2], ProbeTypeResvMem)
	binary.LittleEndian.PutUint16(b[2:4], uint16(ResvMemPropLen-4))
	b[4] = p.Subtype
	binary.LittleEndian.PutUint64(b[8:16], p.Start)
	binary.LittleEndian.PutUint64(b[16:24], p.End)
	return b
}

func EncodeTerminatorProp() []byte {
	b := make([]byte, TerminatorPropLen)
	binary.LittleEndian.PutUint16(b[0:2], ProbeTypeNone)
	binary.LittleEndian.PutUint16(b[2:4], 0)
	return b
}
