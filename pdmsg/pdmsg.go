// Package pdmsg defines types to encode and decode USB-C Power Delivery
// messages, power data objects and request data objects.
package pdmsg

const (
	// MaxDataObjects is the maximum number of data objects that can be stored in
	// a message, as set by the standard.
	MaxDataObjects = 7

	// MaxMessageBytes is the maximum number of bytes in a message which includes
	// the header and the data objects.
	MaxMessageBytes = 2 + 4*MaxDataObjects // 2 bytes header, and 7 data objects, each 32 bits (4 bytes)
)

// Header is the 16 bit header that starts every power delivery message.
type Header uint16

// IsExtended returns true if the extended flag is set.
func (h Header) IsExtended() bool {
	return h&(1<<15) != 0
}

// SetExtended sets the extended flag.
func (h *Header) SetExtended(e bool) {
	var b Header
	if e {
		b = 1 << 15
	}
	*h = (*h & ^(Header(1) << 15)) | b
}

// ID returns the message ID.
func (h Header) ID() uint8 {
	return uint8((h >> 9) & 0b111)
}

// SetID sets the message ID.
func (h *Header) SetID(id uint8) {
	*h = (*h & ^(Header(0b111) << 9)) | (Header(id&0b111) << 9)
}

// DataObjectCount returns the number of data objects that follow the header.
func (h Header) DataObjectCount() uint8 {
	return uint8((h >> 12) & 0b111)
}

// SetDataObjectCount sets the number of data objects.
func (h *Header) SetDataObjectCount(n uint8) {
	*h = (*h & ^(Header(0b111) << 12)) | (Header(n&0b111) << 12)
}

// IsData returns true if the header belongs to a data message, otherwise it's
// a control message.
func (h Header) IsData() bool {
	return h.DataObjectCount() > 0
}

// Type returns the message type. As data and control messages share the same
// value of some types, the user must check IsData in addition to Type, to
// determine the correct type of the message.
func (h Header) Type() Type {
	return Type(h & 0b11111)
}

// SetType sets the message type.
func (h *Header) SetType(t Type) {
	*h = (*h & ^Header(0b11111)) | Header(t&0b11111)
}

// Revision returns the power delivery revision number.
func (h Header) Revision() Revision {
	return Revision((h >> 6) & 0b11)
}

// SetRevision sets the power delivery revision number.
func (h *Header) SetRevision(r Revision) {
	*h = (*h & ^(Header(0b11) << 6)) | Header(r&0b11)<<6
}

// PowerRole returns the power role of the sender.
func (h Header) PowerRole() PowerRole {
	return PowerRole((h >> 8) & 1)
}

// SetPowerRole sets the power role of the sender.
func (h *Header) SetPowerRole(r PowerRole) {
	*h = (*h & ^(Header(1) << 8)) | (Header(r&1) << 8)
}

// DataRole returns the data role of the sender.
func (h Header) DataRole() DataRole {
	return DataRole((h >> 5) & 1)
}

// SetDataRole sets the data role of the sender.
func (h *Header) SetDataRole(r DataRole) {
	*h = (*h & ^(Header(1) << 5)) | Header(r&1)<<5
}

// TypeName returns the name of the message type, looked up in the data or
// control table depending on IsData.
func (h Header) TypeName() string {
	if h.IsData() {
		if n, ok := dataTypeNames[h.Type()]; ok {
			return n
		}
		return "UnknownData"
	}
	if n, ok := controlTypeNames[h.Type()]; ok {
		return n
	}
	return "UnknownControl"
}

// Message represents a power delivery message.
// Decoding of extended messages is not supported.
type Message struct {
	Header Header

	// Size of Data is fixed up to maximum allowable message size, to ensure no
	// heap allocations are necessary. To find out how many actual elements are
	// used, use Header.DataObjectCount().
	Data [MaxDataObjects]uint32
}

// Objects returns the data objects carried by the message.
func (m *Message) Objects() []uint32 {
	return m.Data[:m.Header.DataObjectCount()]
}

// ToBytes serializes the message to a byte slice and returns the number of
// bytes written. b must be at least MaxMessageBytes long.
func (m Message) ToBytes(b []byte) uint8 {
	b[0] = byte(m.Header & 0xff)
	b[1] = byte((m.Header >> 8) & 0xff)
	c := m.Header.DataObjectCount()
	for i, d := range m.Data[:c] {
		b[2+i*4] = byte(d & 0xff)
		b[3+i*4] = byte((d >> 8) & 0xff)
		b[4+i*4] = byte((d >> 16) & 0xff)
		b[5+i*4] = byte((d >> 24) & 0xff)
	}
	return 2 + c*4
}

// HeaderFromBytes decodes a little endian header from the first two bytes of
// b.
func HeaderFromBytes(b []byte) Header {
	return Header(b[0]) | Header(b[1])<<8
}

// ObjectsFromBytes decodes little endian 32 bit data objects from b into d and
// returns the number decoded.
func ObjectsFromBytes(d []uint32, b []byte) int {
	n := len(b) / 4
	if n > len(d) {
		n = len(d)
	}
	for i := 0; i < n; i++ {
		s := i * 4
		d[i] = uint32(b[s]) | uint32(b[s+1])<<8 | uint32(b[s+2])<<16 | uint32(b[s+3])<<24
	}
	return n
}

// Type represents the PD message type. For control messages, the value of the
// type is equivalent to that of the USB PD standard. Actual message type requires
// determining if the message is a control or a data message using IsData().
type Type uint8

// Control message types
const (
	TypeGoodCRC         Type = 0b00001
	TypeGotoMin         Type = 0b00010
	TypeAccept          Type = 0b00011
	TypeReject          Type = 0b00100
	TypePing            Type = 0b00101
	TypePSReady         Type = 0b00110
	TypeGetSourceCap    Type = 0b00111
	TypeGetSinkCap      Type = 0b01000
	TypeDataRoleSwap    Type = 0b01001
	TypePowerRoleSwap   Type = 0b01010
	TypeVConnSwap       Type = 0b01011
	TypeWait            Type = 0b01100
	TypeSoftReset       Type = 0b01101
	TypeNotSupported    Type = 0b10000
	TypeGetSourceCapExt Type = 0b10001
	TypeGetStatus       Type = 0b10010
	TypeFastRoleSwap    Type = 0b10011
)

// Data message types
const (
	TypeSourceCap     Type = 0b00001
	TypeRequest       Type = 0b00010
	TypeBIST          Type = 0b00011
	TypeSinkCap       Type = 0b00100
	TypeBatteryStatus Type = 0b00101
	TypeAlert         Type = 0b00110
	TypeVendorDefined Type = 0b01111
)

var controlTypeNames = map[Type]string{
	TypeGoodCRC:         "GoodCRC",
	TypeGotoMin:         "GotoMin",
	TypeAccept:          "Accept",
	TypeReject:          "Reject",
	TypePing:            "Ping",
	TypePSReady:         "PS_RDY",
	TypeGetSourceCap:    "Get_Source_Cap",
	TypeGetSinkCap:      "Get_Sink_Cap",
	TypeDataRoleSwap:    "DR_Swap",
	TypePowerRoleSwap:   "PR_Swap",
	TypeVConnSwap:       "VCONN_Swap",
	TypeWait:            "Wait",
	TypeSoftReset:       "Soft_Reset",
	TypeNotSupported:    "Not_Supported",
	TypeGetSourceCapExt: "Get_Source_Cap_Extended",
	TypeGetStatus:       "Get_Status",
	TypeFastRoleSwap:    "FR_Swap",
}

var dataTypeNames = map[Type]string{
	TypeSourceCap:     "Source_Capabilities",
	TypeRequest:       "Request",
	TypeBIST:          "BIST",
	TypeSinkCap:       "Sink_Capabilities",
	TypeBatteryStatus: "Battery_Status",
	TypeAlert:         "Alert",
	TypeVendorDefined: "Vendor_Defined",
}

// Revision represents the power delivery revision number of a message.
type Revision uint8

// Power delivery revision numbers.
const (
	Revision10 Revision = 0b00
	Revision20 Revision = 0b01
	Revision30 Revision = 0b10
)

// PowerRole represents the power role of the sender of a message.
type PowerRole uint8

// Power roles of the sender of a message.
const (
	PowerRoleSink   PowerRole = 0
	PowerRoleSource PowerRole = 1
)

// DataRole represents the data role of the sender of a message.
type DataRole uint8

// Data roles of the sender of a message.
const (
	DataRoleUFP DataRole = 0
	DataRoleDFP DataRole = 1
)
