package tcpcdriver

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/battpack/pdsink"
)

// edgePoll bounds how long WatchAlert blocks before checking ctx and the
// line level again.
const edgePoll = 100 * time.Millisecond

// WatchAlert configures pin as a pulled up input with falling edge detection
// and raises sig on every falling edge until ctx is done. The alert output of
// port controllers is active low and level triggered, so sig is also raised
// while the line stays low.
//
// WatchAlert never touches the register bus; the engine drains the alerts
// from its own goroutine.
func WatchAlert(ctx context.Context, pin gpio.PinIn, sig *pdsink.AlertSignal) error {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return fmt.Errorf("tcpcdriver: alert pin %s: %w", pin, err)
	}
	if pin.Read() == gpio.Low {
		sig.Raise()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if pin.WaitForEdge(edgePoll) || pin.Read() == gpio.Low {
			sig.Raise()
		}
	}
}
