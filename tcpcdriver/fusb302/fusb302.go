// Package fusb302 implements type-C port controller driver for FUSB302 from
// ONSemi.
//
// Unlike the STUSB4500, the FUSB302 is a bare PHY: the driver toggles CC in
// sink mode, routes the PD transceiver to the detected CC line and moves
// messages in and out of the FIFOs with the required tokens.
package fusb302

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/pdmsg"
	"github.com/battpack/pdsink/tcpcdriver"
)

// MPN represents the manufacturer part number
type MPN uint8

// I2CAddress returns the I2C address of the FUSB302.
func (m MPN) I2CAddress() uint8 {
	return uint8(m)
}

// Manufacturer part numbers
const (
	FUSB302BUCX   MPN = 0b100010
	FUSB302BMPX   MPN = 0b100010
	FUSB302VMPX   MPN = 0b100010
	FUSB302B01MPX MPN = 0b100011
	FUSB302B10MPX MPN = 0b100100
	FUSB302B11MPX MPN = 0b100101
)

// ErrInvalidCCState is returned when the toggle logic settled on anything but
// a sink connection.
var ErrInvalidCCState = errors.New("fusb302: invalid cc state")

const (
	// Polls of INTERRUPTA made while waiting for a transmission to complete,
	// one millisecond apart.
	txPolls        = 10
	hardResetPolls = 5

	maxDrainPasses = 16
)

// Opts holds the driver configuration.
type Opts struct {
	// MPN selects the I2C address. Defaults to FUSB302BMPX.
	MPN MPN

	// Mu is held around every bus transaction. Pass the lock shared by the
	// other drivers on the same bus.
	Mu sync.Locker

	// Sleep is used while polling and for the reset timings. Defaults to
	// time.Sleep.
	Sleep func(time.Duration)
}

// FUSB302 represents a type-C port controller for FUSB302 IC. It implements
// pdsink.PortController and pdsink.HardResetSignaler.
type FUSB302 struct {
	bus   *tcpcdriver.Bus
	reset tcpcdriver.ResetController
	sleep func(time.Duration)

	// INTERRUPTA bits seen while polling for a transmission, handed over to
	// the next Alert.
	intA uint8

	// Buffer used for tx and rx, defined once here instead to avoid heap
	// allocations in each method used.
	buf [pdmsg.MaxMessageBytes + 10]byte
}

// New creates a new controller and allocates all necessary memory for all
// future operations. No I/O is done until Init.
//
// I2C port must have <=1Mhz frequency.
func New(i2c drivers.I2C, opts *Opts) *FUSB302 {
	if opts == nil {
		opts = &Opts{}
	}
	mpn := opts.MPN
	if mpn == 0 {
		mpn = FUSB302BMPX
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &FUSB302{
		bus:   tcpcdriver.NewBus(i2c, uint16(mpn.I2CAddress()), opts.Mu),
		reset: tcpcdriver.ResetController{Sleep: sleep},
		sleep: sleep,
	}
}

func (f *FUSB302) String() string {
	return fmt.Sprintf("FUSB302{%#02x}", f.bus.Addr())
}

// Init resets the controller, turns on sink mode CC toggling and reports
// whether VBUS is present.
func (f *FUSB302) Init(st *pdsink.Status) error {

	// Reset the chip and registers to default

	if err := f.bus.Write(regReset, regResetSWReset); err != nil {
		return err
	}
	f.intA = 0

	// Flush the rx buffer

	if err := f.bus.Write(regControl1, regControl1RxFlush); err != nil {
		return err
	}

	// Turn on all power

	if err := f.bus.Write(regPower, regPowerPwrAll); err != nil {
		return err
	}

	// Turn on auto detect CC in sink mode

	if err := f.bus.Write(regControl2, regControl2ToggleSink); err != nil {
		return err
	}

	// Turn on auto retry

	if err := f.bus.Write(regControl3, regControl3AutoRetry); err != nil {
		return err
	}

	s, err := f.bus.Read(regStatus0)
	if err != nil {
		return err
	}
	*st = pdsink.Status{}
	if s&regStatus0VBusOK != 0 {
		st.Port.Status = 1
	}
	return nil
}

// Tx transmits a message and waits for the GoodCRC of the partner.
// pdsink.ErrTxFailed is returned if none arrived after the automatic retries.
func (f *FUSB302) Tx(m pdmsg.Message) error {

	// Flush TX FIFO

	if err := f.bus.Write(regControl0, regControl0TxFlush); err != nil {
		return err
	}

	// Construct and send the message

	buf := f.buf[:]
	copy(buf, []byte{fifoTokenSync1, fifoTokenSync1, fifoTokenSync1, fifoTokenSync2})
	mlen := m.ToBytes(buf[5:])
	buf[4] = fifoTokenPackSym | mlen
	copy(buf[5+mlen:], []byte{fifoTokenJamCRC, fifoTokenEOP, fifoTokenTxOff, fifoTokenTxOn})
	plen := 9 + mlen

	if err := f.bus.WriteBlock(regFIFOs, buf[:plen]); err != nil {
		return err
	}

	// Wait until either:
	// - GoodCRC is received: tx successful
	// - Auto Retry failed: tx failed
	// - ~10 millisecond has passed: tx failed

	for i := 0; i < txPolls; i++ {
		r, err := f.bus.Read(regInterruptA)
		if err != nil {
			return err
		}
		f.intA |= r
		if r&regInterruptATxSuccess != 0 { // received GoodCRC
			return nil
		}
		if r&regInterruptARetryFail != 0 {
			return pdsink.ErrTxFailed
		}
		f.sleep(time.Millisecond)
	}
	return pdsink.ErrTxFailed
}

// SendHardReset sends a hard reset ordered set to the port partner.
func (f *FUSB302) SendHardReset() error {
	r, err := f.bus.Read(regControl3)
	if err != nil {
		return err
	}
	if err := f.bus.Write(regControl3, r|regControl3SendHardReset); err != nil {
		return err
	}
	for i := 0; i < hardResetPolls; i++ {
		intA, err := f.bus.Read(regInterruptA)
		if err != nil {
			return err
		}
		f.intA |= intA
		if intA&regInterruptAHardSent != 0 {
			return nil
		}
		f.sleep(time.Millisecond)
	}
	return pdsink.ErrTxFailed
}

// SoftReset resets the PD logic, flushes the receive FIFO and sends a
// Soft_Reset message to the partner. A partner which does not acknowledge the
// message is not an error.
func (f *FUSB302) SoftReset() error {
	err := f.reset.SoftReset(
		func() error { return f.bus.Write(regReset, regResetPDReset) },
		func() error {
			if err := f.bus.Write(regControl1, regControl1RxFlush); err != nil {
				return err
			}
			return f.bus.ReadBlock(regStatus0A, f.buf[:statusBlockLen])
		},
		nil,
	)
	if err != nil {
		return err
	}
	f.intA = 0
	var m pdmsg.Message
	m.Header.SetType(pdmsg.TypeSoftReset)
	m.Header.SetPowerRole(pdmsg.PowerRoleSink)
	m.Header.SetRevision(pdmsg.Revision20)
	if err := f.Tx(m); err != nil && !errors.Is(err, pdsink.ErrTxFailed) {
		return err
	}
	return nil
}

// HardReset re-initializes the controller. The FUSB302 has no reset pin, the
// software reset done by Init takes its place.
func (f *FUSB302) HardReset(st *pdsink.Status) error {
	return f.reset.HardReset(func() error { return f.Init(st) })
}

// Alert processes all pending interrupts and queues the resulting events.
// Each pass reads the status and interrupt block, which clears the
// interrupts. Alert returns once a pass reads no interrupt.
func (f *FUSB302) Alert(q *pdsink.Queue, st *pdsink.Status) error {
	st.Alert = 0
	hardReset := false
	for pass := 0; pass < maxDrainPasses; pass++ {
		regs := f.buf[:statusBlockLen]
		if err := f.bus.ReadBlock(regStatus0A, regs); err != nil {
			return err
		}
		status0A, status1A, intA, intB, status0, intT := regs[0], regs[1], regs[2], regs[3], regs[4], regs[6]
		intA |= f.intA
		f.intA = 0
		if intA == 0 && intB == 0 && intT == 0 {
			return nil
		}

		if intA&regInterruptAHardReset != 0 && status0A&regStatus0ARxHardReset != 0 && !hardReset {
			hardReset = true
			st.Alert |= pdsink.AlertHardReset
			q.Flush()
			q.Push(pdsink.Event{Kind: pdsink.EventHardResetReceived})
		}
		// Whatever else was latched belongs to the connection being reset.
		if hardReset {
			continue
		}

		// Set CC polarity after CC is settled

		if intA&regInterruptATogDone != 0 {
			st.Alert |= pdsink.AlertCCDetection
			if err := f.attach(st, status0, status1A); err != nil {
				return err
			}
		}

		// VBUS detection

		if intT&regInterruptVBusOK != 0 {
			st.Alert |= pdsink.AlertCCDetection
			if status0&regStatus0VBusOK == 0 {
				st.Port.Status = 0
				st.CC = 0
				q.Push(pdsink.Event{Kind: pdsink.EventDetached})

				// Go back to looking for a source.

				if err := f.bus.Write(regControl2, regControl2ToggleSink); err != nil {
					return err
				}
			} else {
				st.Port.Status = 1
				q.Push(pdsink.Event{Kind: pdsink.EventAttached})
			}
		}

		// Message received

		if intT&regInterruptCRCChk != 0 {
			st.Alert |= pdsink.AlertPRT
			if err := f.receive(q); err != nil {
				return err
			}
		}
	}
	return pdsink.ErrAlertStuck
}

// attach turns off toggling and enables the transceiver on the CC line found
// by the toggle logic.
func (f *FUSB302) attach(st *pdsink.Status, status0, status1A uint8) error {

	// Determine host current capabilities at 5V

	cc := pdsink.CCState(status0 & regStatus0BCLvlMask)

	// Turn off auto detect function

	if err := f.bus.Write(regControl2, 0); err != nil {
		return err
	}

	// Enable tx and rx on the detected CC line

	var pol, meas uint8
	switch (status1A >> regStatus1ATogSSPos) & regStatus1ATogSSMask {
	case regStatus1ATogSSSnk1:
		pol = regSwitches1TxCC1En
		meas = regSwitches0MeasCC1
		st.CC = pdsink.NewCCStatus(cc, pdsink.CCStateRa, true, false)
	case regStatus1ATogSSSnk2:
		pol = regSwitches1TxCC2En
		meas = regSwitches0MeasCC2
		st.CC = pdsink.NewCCStatus(pdsink.CCStateRa, cc, true, false)
	default:
		return ErrInvalidCCState
	}
	if err := f.bus.Write(regSwitches1, regSwitches1SpecRev1|regSwitches1AutoGCRC|pol); err != nil {
		return err
	}
	return f.bus.Write(regSwitches0, meas|regSwitches0CC1PdEn|regSwitches0CC2PdEn)
}

// receive reads all messages from the RX FIFO into q as quickly as possible.
// GoodCRC messages are dropped.
func (f *FUSB302) receive(q *pdsink.Queue) error {
	for {
		s, err := f.bus.Read(regStatus1)
		if err != nil {
			return err
		}
		if s&regStatus1RxEmpty != 0 {
			return nil
		}

		// Read the SOP token and the header

		if err := f.bus.ReadBlock(regFIFOs, f.buf[:3]); err != nil {
			return err
		}
		ev := pdsink.Event{Kind: pdsink.EventControlMessageReceived}
		ev.Message.Header = pdmsg.HeaderFromBytes(f.buf[1:3])
		n := int(ev.Message.Header.DataObjectCount())

		// Read data objects followed by the CRC which is discarded

		p := f.buf[:n*4+4]
		if err := f.bus.ReadBlock(regFIFOs, p); err != nil {
			return err
		}
		if n > 0 {
			pdmsg.ObjectsFromBytes(ev.Message.Data[:], p[:n*4])
			ev.Kind = pdsink.EventDataMessageReceived
		} else if ev.Message.Header.Type() == pdmsg.TypeGoodCRC {
			continue
		}
		q.Push(ev)
	}
}

// Length of the block from STATUS0A up to and including INTERRUPT.
const statusBlockLen = regInterrupt - regStatus0A + 1

const (
	regSwitches0        = 0x02
	regSwitches0MeasCC2 = 1 << 3
	regSwitches0MeasCC1 = 1 << 2
	regSwitches0CC2PdEn = 1 << 1
	regSwitches0CC1PdEn = 1 << 0

	regSwitches1         = 0x03
	regSwitches1SpecRev1 = 1 << 6
	regSwitches1AutoGCRC = 1 << 2
	regSwitches1TxCC2En  = 1 << 1
	regSwitches1TxCC1En  = 1 << 0

	regControl0        = 0x06
	regControl0TxFlush = 0b01100100

	regControl1        = 0x07
	regControl1RxFlush = 1 << 2

	regControl2           = 0x08
	regControl2ToggleSink = 0b00000101

	regControl3              = 0x09
	regControl3SendHardReset = 1 << 6
	regControl3AutoRetry     = 0b111

	regPower       = 0x0B
	regPowerPwrAll = 0xF

	regReset        = 0x0C
	regResetPDReset = 1 << 1
	regResetSWReset = 1 << 0

	regStatus0A            = 0x3C
	regStatus0ARxSoftReset = 1 << 1
	regStatus0ARxHardReset = 1 << 0

	regStatus1A = 0x3D

	regStatus1ATogSSSnk1 = 0b101
	regStatus1ATogSSSnk2 = 0b110
	regStatus1ATogSSPos  = 3
	regStatus1ATogSSMask = 0x7

	regInterruptA          = 0x3E
	regInterruptATogDone   = 1 << 6
	regInterruptARetryFail = 1 << 4
	regInterruptAHardSent  = 1 << 3
	regInterruptATxSuccess = 1 << 2
	regInterruptASoftReset = 1 << 1
	regInterruptAHardReset = 1 << 0

	regInterruptB = 0x3F

	regStatus0          = 0x40
	regStatus0VBusOK    = 1 << 7
	regStatus0BCLvlMask = 0b11

	regStatus1        = 0x41
	regStatus1RxEmpty = 1 << 5

	regInterrupt       = 0x42
	regInterruptVBusOK = 1 << 7
	regInterruptCRCChk = 1 << 4

	regFIFOs = 0x43

	fifoTokenTxOn    = 0xA1
	fifoTokenSync1   = 0x12
	fifoTokenSync2   = 0x13
	fifoTokenPackSym = 0x80
	fifoTokenJamCRC  = 0xFF
	fifoTokenEOP     = 0x14
	fifoTokenTxOff   = 0xFE
)

var (
	_ pdsink.PortController    = &FUSB302{}
	_ pdsink.HardResetSignaler = &FUSB302{}
)
