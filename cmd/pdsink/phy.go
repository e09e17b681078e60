package main

import (
	"fmt"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/config"
	"github.com/battpack/pdsink/logging"
	"github.com/battpack/pdsink/tcpcdriver/fusb302"
	"github.com/battpack/pdsink/tcpcdriver/stusb4500"
)

// busSpeed is the fastest mode both controllers support.
const busSpeed = 1 * physic.MegaHertz

// setup loads the configuration and builds the logger shared by all the
// commands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.SetupLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("setup logger: %w", err)
	}
	return cfg, log, nil
}

func openBus(cfg *config.Config) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}
	b, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", cfg.Bus, err)
	}
	if err := b.SetSpeed(busSpeed); err != nil {
		b.Close()
		return nil, fmt.Errorf("set i2c speed: %w", err)
	}
	return b, nil
}

func pin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("unknown gpio %q", name)
	}
	return p, nil
}

func newSTUSB4500(cfg *config.Config, b i2c.Bus) (*stusb4500.Dev, error) {
	opts := &stusb4500.Opts{
		Addr:           cfg.Address,
		ResetActiveLow: cfg.ResetActiveLow,
	}
	if cfg.ResetPin != "" {
		p, err := pin(cfg.ResetPin)
		if err != nil {
			return nil, err
		}
		opts.Reset = p
	}
	return stusb4500.New(b, opts), nil
}

func newPortController(cfg *config.Config, b i2c.Bus) (pdsink.PortController, error) {
	switch cfg.PHY {
	case config.PHYSTUSB4500:
		d, err := newSTUSB4500(cfg, b)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.PHYFUSB302:
		if cfg.ResetPin != "" {
			return nil, fmt.Errorf("%s has no reset pin", cfg.PHY)
		}
		opts := &fusb302.Opts{}
		if cfg.Address != 0 {
			opts.MPN = fusb302.MPN(cfg.Address)
		}
		return fusb302.New(b, opts), nil
	}
	return nil, fmt.Errorf("unsupported phy %q", cfg.PHY)
}
