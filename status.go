package pdsink

import "periph.io/x/conn/v3/physic"

// AlertStatus is a snapshot of the alert status register. Port controllers
// that latch alerts in a different layout translate them to these bits.
type AlertStatus uint8

// Alert sources.
const (
	AlertPhy             AlertStatus = 1 << 0
	AlertPRT             AlertStatus = 1 << 1 // Protocol layer status changed (message received)
	AlertPDTypeC         AlertStatus = 1 << 3
	AlertCCFault         AlertStatus = 1 << 4
	AlertTypeCMonitoring AlertStatus = 1 << 5 // VBUS monitoring changed
	AlertCCDetection     AlertStatus = 1 << 6 // Attach/detach detected on CC
	AlertHardReset       AlertStatus = 1 << 7 // Hard reset received
)

// Has returns true if any of the bits in b is set.
func (a AlertStatus) Has(b AlertStatus) bool {
	return a&b != 0
}

// PortStatus is a snapshot of the port status register pair.
type PortStatus struct {
	Transition uint8 // PORT_STATUS_0, latched transitions
	Status     uint8 // PORT_STATUS_1
}

// Attached returns true if a port partner is attached.
func (p PortStatus) Attached() bool {
	return p.Status&1 != 0
}

// CCState is the state of one CC pin while in sink mode.
type CCState uint8

// CC pin states in sink mode.
const (
	CCStateRa      CCState = 0b00 // pulled down by Ra, or open
	CCStateDefault CCState = 0b01 // Rp advertising default USB current
	CCState1A5     CCState = 0b10 // Rp advertising 1.5A
	CCState3A0     CCState = 0b11 // Rp advertising 3.0A
)

// CCStatus is a snapshot of the CC status register:
//
//	bits 1:0  CC1 state
//	bits 3:2  CC2 state
//	bit 4     connection result, 1 when acting as sink
//	bit 5     looking for connection
type CCStatus uint8

// NewCCStatus packs a CC status.
func NewCCStatus(cc1, cc2 CCState, sink, looking bool) CCStatus {
	s := CCStatus(cc1&0b11) | CCStatus(cc2&0b11)<<2
	if sink {
		s |= 1 << 4
	}
	if looking {
		s |= 1 << 5
	}
	return s
}

// CC1 returns the state of the CC1 pin.
func (c CCStatus) CC1() CCState {
	return CCState(c & 0b11)
}

// CC2 returns the state of the CC2 pin.
func (c CCStatus) CC2() CCState {
	return CCState((c >> 2) & 0b11)
}

// Sink returns true if the connection resolved with us as a power sink.
func (c CCStatus) Sink() bool {
	return c&(1<<4) != 0
}

// Looking returns true if the controller is still looking for a connection.
func (c CCStatus) Looking() bool {
	return c&(1<<5) != 0
}

// HostCurrent returns the Type-C current advertised by the source through its
// CC pull up, before any power delivery negotiation.
func (c CCStatus) HostCurrent() physic.ElectricCurrent {
	s := c.CC1()
	if c.CC2() > s {
		s = c.CC2()
	}
	switch s {
	case CCStateDefault:
		return 500 * physic.MilliAmpere
	case CCState1A5:
		return 1500 * physic.MilliAmpere
	case CCState3A0:
		return 3000 * physic.MilliAmpere
	default:
		return 0
	}
}

// Status groups the register snapshots taken by the last alert drain. It is
// owned by the negotiation engine and only written by the port controller
// while draining alerts.
type Status struct {
	Alert      AlertStatus
	Port       PortStatus
	CC         CCStatus
	Monitoring uint8 // Type-C monitoring status (VBUS)
	Fault      uint8 // CC hardware fault status
}
