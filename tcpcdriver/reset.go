package tcpcdriver

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Minimum reset timings of the port controller.
const (
	HardResetHold   = 15 * time.Millisecond
	SoftResetSettle = 30 * time.Millisecond
)

// ResetLine drives the reset input of a port controller. gpio.PinOut
// implements it.
type ResetLine interface {
	Out(l gpio.Level) error
}

// ResetController runs the hard and soft reset sequences of a port
// controller. The zero value has no reset line and uses the default timings.
type ResetController struct {
	// Line is the reset line. Hard resets skip the pulse when nil.
	Line ResetLine

	// ActiveLow must be set if the reset input is asserted by driving it low.
	ActiveLow bool

	// Hold is how long the line is held in each phase of the pulse. Defaults to
	// HardResetHold.
	Hold time.Duration

	// Settle is how long a soft reset waits after clearing alerts. Defaults to
	// SoftResetSettle.
	Settle time.Duration

	// Sleep defaults to time.Sleep.
	Sleep func(time.Duration)
}

// HardReset asserts the reset line, holds it, releases it, waits again and
// calls reinit. The line is released on every exit path, including a failing
// reinit.
func (rc *ResetController) HardReset(reinit func() error) error {
	if rc.Line != nil {
		if err := rc.pulse(); err != nil {
			return fmt.Errorf("tcpcdriver: reset line: %w", err)
		}
		rc.sleep(rc.hold())
	}
	return reinit()
}

func (rc *ResetController) pulse() (err error) {
	defer func() {
		if rerr := rc.Line.Out(rc.level(false)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	if err := rc.Line.Out(rc.level(true)); err != nil {
		return err
	}
	rc.sleep(rc.hold())
	return nil
}

// SoftReset calls assert to put the controller in reset, clear to drain its
// alert registers, waits for the controller to settle and calls deassert.
// deassert, when not nil, runs on every exit path once assert succeeded.
func (rc *ResetController) SoftReset(assert, clear, deassert func() error) (err error) {
	if err := assert(); err != nil {
		return err
	}
	if deassert != nil {
		defer func() {
			if derr := deassert(); derr != nil && err == nil {
				err = derr
			}
		}()
	}
	if clear != nil {
		if err := clear(); err != nil {
			return err
		}
	}
	rc.sleep(rc.settle())
	return nil
}

func (rc *ResetController) level(active bool) gpio.Level {
	return gpio.Level(active != rc.ActiveLow)
}

func (rc *ResetController) hold() time.Duration {
	if rc.Hold > 0 {
		return rc.Hold
	}
	return HardResetHold
}

func (rc *ResetController) settle() time.Duration {
	if rc.Settle > 0 {
		return rc.Settle
	}
	return SoftResetSettle
}

func (rc *ResetController) sleep(d time.Duration) {
	if rc.Sleep != nil {
		rc.Sleep(d)
		return
	}
	time.Sleep(d)
}
