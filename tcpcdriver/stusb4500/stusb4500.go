// Package stusb4500 implements a port controller driver for the ST STUSB4500
// standalone USB PD sink controller.
//
// The STUSB4500 runs the PD protocol layer itself (GoodCRC, message IDs and
// retries). The driver reads the received messages out of its RX registers,
// writes outgoing messages to its TX registers and exposes its alert and
// status registers as protocol events.
package stusb4500

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

// DefaultAddr is the I2C address of the STUSB4500 with both ADDR pins low.
const DefaultAddr = 0x28

// Registers
const (
	regAlertStatus1           = 0x0B
	regAlertStatus1Mask       = 0x0C
	regPortStatus0            = 0x0D
	regPortStatus1            = 0x0E
	regTypeCMonitoringStatus0 = 0x0F
	regTypeCMonitoringStatus1 = 0x10
	regCCStatus               = 0x11
	regCCHWFaultStatus0       = 0x12
	regCCHWFaultStatus1       = 0x13
	regPRTStatus              = 0x16
	regCmdCtrl                = 0x1A
	regResetCtrl              = 0x23
	regDeviceID               = 0x2F
	regRxHeader               = 0x31
	regRxDataObj              = 0x33
	regTxHeader               = 0x51
	regTxDataObj              = 0x53
)

const (
	prtMsgReceived = 1 << 2
	cmdSendMessage = 0x26

	// Length of the alert and status block starting at ALERT_STATUS_1, up to
	// and including PRT_STATUS. Reading it clears all latched alerts.
	statusBlockLen = regPRTStatus - regAlertStatus1 + 1

	// Alerts serviced by the driver. All others stay masked.
	serviced = pdsink.AlertPRT | pdsink.AlertPDTypeC | pdsink.AlertCCDetection | pdsink.AlertHardReset

	// maxDrainPasses bounds the number of passes made by Alert before giving
	// up on alerts that never clear.
	maxDrainPasses = 16
)

// Device IDs reported by known silicon revisions.
var deviceIDs = []uint8{0x21, 0x25}

// ErrUnknownDevice is returned by Init if the device ID register does not hold
// one of the known STUSB4500 IDs.
var ErrUnknownDevice = errors.New("stusb4500: unknown device id")

// Opts holds the driver configuration.
type Opts struct {
	// Addr is the I2C address. Defaults to DefaultAddr.
	Addr uint16

	// Reset is the line wired to the RESET pin. Hard resets only
	// re-initialize the registers when nil.
	Reset tcpcdriver.ResetLine

	// ResetActiveLow must be set if the line goes through an inverter. The
	// RESET pin itself is active high.
	ResetActiveLow bool

	// Mu is held around every bus transaction. Pass the lock shared by the
	// other drivers on the same bus.
	Mu sync.Locker

	// Sleep is used for the reset timings. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Dev is a handle to a STUSB4500. It implements pdsink.PortController.
type Dev struct {
	bus   *tcpcdriver.Bus
	reset tcpcdriver.ResetController
	mask  uint8

	// Buffer used for transfers, defined once here to avoid heap allocations.
	buf [pdmsg.MaxMessageBytes]byte
}

// New returns a handle to a STUSB4500. No I/O is done until Init.
func New(i2c drivers.I2C, opts *Opts) *Dev {
	if opts == nil {
		opts = &Opts{}
	}
	addr := opts.Addr
	if addr == 0 {
		addr = DefaultAddr
	}
	return &Dev{
		bus:   tcpcdriver.NewBus(i2c, addr, opts.Mu),
		reset: tcpcdriver.ResetController{Line: opts.Reset, ActiveLow: opts.ResetActiveLow, Sleep: opts.Sleep},
		mask:  0xff,
	}
}

func (d *Dev) String() string {
	return fmt.Sprintf("STUSB4500{%#02x}", d.bus.Addr())
}

// DeviceID reads the device ID register.
func (d *Dev) DeviceID() (uint8, error) {
	return d.bus.Read(regDeviceID)
}

// ReadCCStatus reads the current CC status.
func (d *Dev) ReadCCStatus() (pdsink.CCStatus, error) {
	v, err := d.bus.Read(regCCStatus)
	return pdsink.CCStatus(v), err
}

// Init checks the device ID, unmasks the serviced alerts, clears any pending
// alert and refreshes st.
func (d *Dev) Init(st *pdsink.Status) error {
	id, err := d.DeviceID()
	if err != nil {
		return err
	}
	if !knownID(id) {
		return fmt.Errorf("%w %#02x", ErrUnknownDevice, id)
	}
	mask := ^uint8(serviced)
	if err := d.bus.Write(regAlertStatus1Mask, mask); err != nil {
		return err
	}
	d.mask = mask
	b := d.buf[:statusBlockLen]
	if err := d.bus.ReadBlock(regAlertStatus1, b); err != nil {
		return err
	}
	*st = pdsink.Status{
		Port: pdsink.PortStatus{
			Transition: b[regPortStatus0-regAlertStatus1],
			Status:     b[regPortStatus1-regAlertStatus1],
		},
		CC:         pdsink.CCStatus(b[regCCStatus-regAlertStatus1]),
		Monitoring: b[regTypeCMonitoringStatus1-regAlertStatus1],
		Fault:      b[regCCHWFaultStatus1-regAlertStatus1],
	}
	return nil
}

// Tx writes m to the TX registers and asks the controller to send it.
func (d *Dev) Tx(m pdmsg.Message) error {
	n := m.ToBytes(d.buf[:])
	if n > 2 {
		if err := d.bus.WriteBlock(regTxDataObj, d.buf[2:n]); err != nil {
			return err
		}
	}
	if err := d.bus.WriteBlock(regTxHeader, d.buf[:2]); err != nil {
		return err
	}
	return d.bus.Write(regCmdCtrl, cmdSendMessage)
}

// Alert drains the alert registers. Each pass reads ALERT_STATUS_1,
// PORT_STATUS_0 and TYPEC_MONITORING_STATUS_0, which all clear on read, and
// services what they report. Alert returns once a pass reads all three as
// zero.
func (d *Dev) Alert(q *pdsink.Queue, st *pdsink.Status) error {
	st.Alert = 0
	hardReset := false
	for pass := 0; pass < maxDrainPasses; pass++ {
		alert, err := d.bus.Read(regAlertStatus1)
		if err != nil {
			return err
		}
		port0, err := d.bus.Read(regPortStatus0)
		if err != nil {
			return err
		}
		mon0, err := d.bus.Read(regTypeCMonitoringStatus0)
		if err != nil {
			return err
		}
		a := pdsink.AlertStatus(alert &^ d.mask)
		if a == 0 && port0 == 0 && mon0 == 0 {
			return nil
		}
		st.Alert |= a

		if a.Has(pdsink.AlertHardReset) && !hardReset {
			hardReset = true
			q.Flush()
			q.Push(pdsink.Event{Kind: pdsink.EventHardResetReceived})
		}
		// Whatever else was latched belongs to the connection being reset.
		if hardReset {
			continue
		}

		if a.Has(pdsink.AlertCCDetection) || port0 != 0 {
			if err := d.servicePort(q, st, port0); err != nil {
				return err
			}
		}
		if a.Has(pdsink.AlertTypeCMonitoring) || mon0 != 0 {
			if st.Monitoring, err = d.bus.Read(regTypeCMonitoringStatus1); err != nil {
				return err
			}
		}
		if a.Has(pdsink.AlertCCFault) {
			f := d.buf[:2]
			if err := d.bus.ReadBlock(regCCHWFaultStatus0, f); err != nil {
				return err
			}
			st.Fault = f[1]
		}
		if a.Has(pdsink.AlertPRT) {
			if err := d.receive(q); err != nil {
				return err
			}
		}
	}
	return pdsink.ErrAlertStuck
}

func (d *Dev) servicePort(q *pdsink.Queue, st *pdsink.Status, transition uint8) error {
	s, err := d.bus.Read(regPortStatus1)
	if err != nil {
		return err
	}
	st.Port = pdsink.PortStatus{Transition: transition, Status: s}
	if !st.Port.Attached() {
		q.Push(pdsink.Event{Kind: pdsink.EventDetached})
		return nil
	}
	cc, err := d.bus.Read(regCCStatus)
	if err != nil {
		return err
	}
	st.CC = pdsink.CCStatus(cc)
	q.Push(pdsink.Event{Kind: pdsink.EventAttached})
	return nil
}

func (d *Dev) receive(q *pdsink.Queue) error {
	prt, err := d.bus.Read(regPRTStatus)
	if err != nil {
		return err
	}
	if prt&prtMsgReceived == 0 {
		return nil
	}
	if err := d.bus.ReadBlock(regRxHeader, d.buf[:2]); err != nil {
		return err
	}
	ev := pdsink.Event{Kind: pdsink.EventControlMessageReceived}
	ev.Message.Header = pdmsg.HeaderFromBytes(d.buf[:2])
	if n := int(ev.Message.Header.DataObjectCount()); n > 0 {
		p := d.buf[:n*4]
		if err := d.bus.ReadBlock(regRxDataObj, p); err != nil {
			return err
		}
		pdmsg.ObjectsFromBytes(ev.Message.Data[:], p)
		ev.Kind = pdsink.EventDataMessageReceived
	}
	q.Push(ev)
	return nil
}

// SoftReset puts the controller in reset through RESET_CTRL, clears the
// latched alerts and releases it.
func (d *Dev) SoftReset() error {
	return d.reset.SoftReset(
		func() error { return d.bus.Write(regResetCtrl, 1) },
		func() error { return d.bus.ReadBlock(regAlertStatus1, d.buf[:statusBlockLen]) },
		func() error { return d.bus.Write(regResetCtrl, 0) },
	)
}

// HardReset pulses the reset line and re-initializes the controller.
func (d *Dev) HardReset(st *pdsink.Status) error {
	return d.reset.HardReset(func() error { return d.Init(st) })
}

func knownID(id uint8) bool {
	for _, v := range deviceIDs {
		if v == id {
			return true
		}
	}
	return false
}

var _ pdsink.PortController = &Dev{}
