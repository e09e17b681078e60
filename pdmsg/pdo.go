package pdmsg

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// Wire units of the PDO and RDO fields.
const (
	VoltageUnit = 50 * physic.MilliVolt
	CurrentUnit = 10 * physic.MilliAmpere
	PowerUnit   = 250 * physic.MilliWatt
)

const field10 = 1<<10 - 1

var (
	// ErrReservedTag is returned when the top two bits of a data object carry
	// the reserved value 0b11.
	ErrReservedTag = errors.New("pdmsg: reserved pdo tag")

	// ErrInvalidPosition is returned when a request data object refers to
	// object position 0.
	ErrInvalidPosition = errors.New("pdmsg: invalid object position")
)

// DecodeError describes a data object that could not be decoded.
type DecodeError struct {
	Word     uint32
	Position uint8
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pdmsg: object %d (%#08x): %v", e.Position, e.Word, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PDOType represents the type of a power data object, as found in bits
// 31:30.
type PDOType uint8

// Power data object types.
const (
	PDOTypeFixedSupply    PDOType = 0b00
	PDOTypeBattery        PDOType = 0b01
	PDOTypeVariableSupply PDOType = 0b10
)

func (t PDOType) String() string {
	switch t {
	case PDOTypeFixedSupply:
		return "Fixed"
	case PDOTypeBattery:
		return "Battery"
	case PDOTypeVariableSupply:
		return "Variable"
	default:
		return "Reserved"
	}
}

// PeakCurrent is the overload capability class of a fixed supply.
type PeakCurrent uint8

// Peak current classes, as percentage of the advertised current.
const (
	PeakCurrent100 PeakCurrent = iota
	PeakCurrent130
	PeakCurrent150
	PeakCurrent200
)

// PDO is a decoded source Power Data Object. Which fields are meaningful
// depends on Type:
//
//   - PDOTypeFixedSupply: the flags, PeakCurrent, Voltage and MaxCurrent.
//   - PDOTypeVariableSupply: MinVoltage, MaxVoltage and MaxCurrent.
//   - PDOTypeBattery: MinVoltage, MaxVoltage and MaxPower.
type PDO struct {
	Type PDOType

	// Position is the 1 based position of the object in the source
	// capabilities message.
	Position uint8

	DualRolePower     bool
	USBSuspend        bool
	ExternallyPowered bool
	USBCommCapable    bool
	DualRoleData      bool
	PeakCurrent       PeakCurrent

	Voltage    physic.ElectricPotential
	MinVoltage physic.ElectricPotential
	MaxVoltage physic.ElectricPotential
	MaxCurrent physic.ElectricCurrent
	MaxPower   physic.Power
}

// Decode decodes a source power data object found at the given position of a
// source capabilities message.
func Decode(word uint32, position uint8) (PDO, error) {
	p := PDO{Type: PDOType(word >> 30), Position: position}
	switch p.Type {
	case PDOTypeFixedSupply:
		p.DualRolePower = word&(1<<29) != 0
		p.USBSuspend = word&(1<<28) != 0
		p.ExternallyPowered = word&(1<<27) != 0
		p.USBCommCapable = word&(1<<26) != 0
		p.DualRoleData = word&(1<<25) != 0
		p.PeakCurrent = PeakCurrent((word >> 20) & 0b11)
		p.Voltage = physic.ElectricPotential((word>>10)&field10) * VoltageUnit
		p.MaxCurrent = physic.ElectricCurrent(word&field10) * CurrentUnit
	case PDOTypeVariableSupply:
		p.MaxVoltage = physic.ElectricPotential((word>>20)&field10) * VoltageUnit
		p.MinVoltage = physic.ElectricPotential((word>>10)&field10) * VoltageUnit
		p.MaxCurrent = physic.ElectricCurrent(word&field10) * CurrentUnit
	case PDOTypeBattery:
		p.MaxVoltage = physic.ElectricPotential((word>>20)&field10) * VoltageUnit
		p.MinVoltage = physic.ElectricPotential((word>>10)&field10) * VoltageUnit
		p.MaxPower = physic.Power(word&field10) * PowerUnit
	default:
		return PDO{}, &DecodeError{Word: word, Position: position, Err: ErrReservedTag}
	}
	return p, nil
}

// Word encodes the power data object back to its wire representation.
// Values are truncated to the wire unit of their field.
func (p PDO) Word() uint32 {
	w := uint32(p.Type&0b11) << 30
	switch p.Type {
	case PDOTypeFixedSupply:
		w |= flag(p.DualRolePower, 29) | flag(p.USBSuspend, 28) | flag(p.ExternallyPowered, 27) |
			flag(p.USBCommCapable, 26) | flag(p.DualRoleData, 25)
		w |= uint32(p.PeakCurrent&0b11) << 20
		w |= units(int64(p.Voltage), int64(VoltageUnit)) << 10
		w |= units(int64(p.MaxCurrent), int64(CurrentUnit))
	case PDOTypeVariableSupply:
		w |= units(int64(p.MaxVoltage), int64(VoltageUnit)) << 20
		w |= units(int64(p.MinVoltage), int64(VoltageUnit)) << 10
		w |= units(int64(p.MaxCurrent), int64(CurrentUnit))
	case PDOTypeBattery:
		w |= units(int64(p.MaxVoltage), int64(VoltageUnit)) << 20
		w |= units(int64(p.MinVoltage), int64(VoltageUnit)) << 10
		w |= units(int64(p.MaxPower), int64(PowerUnit))
	}
	return w
}

// VoltageRange returns the lowest and highest voltage the object may supply.
// Both are equal for fixed supplies.
func (p PDO) VoltageRange() (lo, hi physic.ElectricPotential) {
	if p.Type == PDOTypeFixedSupply {
		return p.Voltage, p.Voltage
	}
	return p.MinVoltage, p.MaxVoltage
}

func (p PDO) String() string {
	switch p.Type {
	case PDOTypeFixedSupply:
		return fmt.Sprintf("Fixed %s @ max. %s", p.Voltage, p.MaxCurrent)
	case PDOTypeVariableSupply:
		return fmt.Sprintf("Variable %s-%s @ max. %s", p.MinVoltage, p.MaxVoltage, p.MaxCurrent)
	case PDOTypeBattery:
		return fmt.Sprintf("Battery %s-%s @ max. %s", p.MinVoltage, p.MaxVoltage, p.MaxPower)
	default:
		return "INVALID"
	}
}

// Request holds the fields of a Request Data Object. Current fields apply to
// fixed and variable supplies, power fields to batteries. The giveback flag
// is always sent as zero.
type Request struct {
	Position uint8
	Type     PDOType

	CapabilityMismatch bool
	USBCommCapable     bool
	NoUSBSuspend       bool

	OperatingCurrent physic.ElectricCurrent
	MaxCurrent       physic.ElectricCurrent
	OperatingPower   physic.Power
	MaxPower         physic.Power
}

// RequestFor returns a request for the full advertised current or power of p.
func RequestFor(p PDO) Request {
	r := Request{Position: p.Position, Type: p.Type, NoUSBSuspend: true}
	if p.Type == PDOTypeBattery {
		r.OperatingPower = p.MaxPower
		r.MaxPower = p.MaxPower
	} else {
		r.OperatingCurrent = p.MaxCurrent
		r.MaxCurrent = p.MaxCurrent
	}
	return r
}

// Encode packs the request into its 32 bit wire representation.
func (r Request) Encode() uint32 {
	w := uint32(r.Position&0b111) << 28
	w |= flag(r.CapabilityMismatch, 26) | flag(r.USBCommCapable, 25) | flag(r.NoUSBSuspend, 24)
	if r.Type == PDOTypeBattery {
		w |= units(int64(r.OperatingPower), int64(PowerUnit)) << 10
		w |= units(int64(r.MaxPower), int64(PowerUnit))
	} else {
		w |= units(int64(r.OperatingCurrent), int64(CurrentUnit)) << 10
		w |= units(int64(r.MaxCurrent), int64(CurrentUnit))
	}
	return w
}

// DecodeRequest decodes a request data object. The type of the requested
// power data object must be known to interpret the current/power fields.
func DecodeRequest(word uint32, t PDOType) (Request, error) {
	r := Request{
		Position:           uint8((word >> 28) & 0b111),
		Type:               t,
		CapabilityMismatch: word&(1<<26) != 0,
		USBCommCapable:     word&(1<<25) != 0,
		NoUSBSuspend:       word&(1<<24) != 0,
	}
	if r.Position == 0 {
		return Request{}, &DecodeError{Word: word, Err: ErrInvalidPosition}
	}
	switch t {
	case PDOTypeFixedSupply, PDOTypeVariableSupply:
		r.OperatingCurrent = physic.ElectricCurrent((word>>10)&field10) * CurrentUnit
		r.MaxCurrent = physic.ElectricCurrent(word&field10) * CurrentUnit
	case PDOTypeBattery:
		r.OperatingPower = physic.Power((word>>10)&field10) * PowerUnit
		r.MaxPower = physic.Power(word&field10) * PowerUnit
	default:
		return Request{}, &DecodeError{Word: word, Position: r.Position, Err: ErrReservedTag}
	}
	return r, nil
}

func flag(b bool, bit uint) uint32 {
	if b {
		return 1 << bit
	}
	return 0
}

func units(v, unit int64) uint32 {
	if v <= 0 {
		return 0
	}
	return uint32(v/unit) & field10
}
