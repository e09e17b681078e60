//go:build tinygo && pico

// Command pdsink-pico negotiates a fixed voltage range from a Raspberry Pi Pico
// wired to a STUSB4500: SDA on GPIO2, SCL on GPIO3, ALERT on GPIO4 and RESET on
// GPIO5.
//
// To configure, change minVoltage, maxVoltage and preference.
package main

import (
	"context"
	"fmt"
	"machine"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/tcdpm"
	"github.com/battpack/pdsink/tcpcdriver/stusb4500"
	"github.com/battpack/pdsink/tcpe"
)

const (
	minVoltage = 9 * physic.Volt
	maxVoltage = 12 * physic.Volt
	preference = tcdpm.PreferMaxPower

	alertPin = machine.GPIO4
	resetPin = machine.GPIO5
)

// resetLine drives the STUSB4500 RESET input.
type resetLine machine.Pin

func (p resetLine) Out(l gpio.Level) error {
	machine.Pin(p).Set(bool(l))
	return nil
}

func main() {
	i2c := machine.I2C1
	i2c.Configure(machine.I2CConfig{
		Frequency: 1000000,
		SDA:       machine.GPIO2,
		SCL:       machine.GPIO3,
	})
	resetPin.Configure(machine.PinConfig{Mode: machine.PinOutput})
	resetPin.Low()

	sig := pdsink.NewAlertSignal()
	alertPin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	alertPin.SetInterrupt(machine.PinFalling, func(machine.Pin) {
		sig.Raise()
	})

	pc := stusb4500.New(i2c, &stusb4500.Opts{Reset: resetLine(resetPin)})
	req := tcdpm.Requirement{
		MinVoltage: minVoltage,
		MaxVoltage: maxVoltage,
		Preference: preference,
	}
	if err := req.Validate(); err != nil {
		panic(err)
	}
	e := tcpe.New(pc, &tcpe.Options{Signal: sig, Evaluator: req})
	e.SetEventHandler(tcpe.EventHandlerFunc(func(ev tcpe.Event) {
		switch ev {
		case tcpe.EventPowerReady:
			c, _ := e.Contract()
			fmt.Printf("Power is on: %s\r\n", c.PDO)
		case tcpe.EventPowerNotReady:
			fmt.Print("Power is off\r\n")
		case tcpe.EventFault:
			fmt.Printf("Negotiation failed: %s\r\n", e.Err())
		}
	}))
	e.Run(context.Background())
}
