// Package config provides YAML-based configuration loading for pdsink.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/battpack/pdsink/tcdpm"
	"github.com/battpack/pdsink/tcpe"
)

// Supported port controllers.
const (
	PHYSTUSB4500 = "stusb4500"
	PHYFUSB302   = "fusb302"
)

// Config is the root application configuration.
type Config struct {
	// Bus is the periph name of the I2C bus. Empty selects the first one.
	Bus string `mapstructure:"bus"`

	// PHY is the port controller: stusb4500 or fusb302
	PHY string `mapstructure:"phy"`

	// Address overrides the I2C address of the port controller when non zero.
	Address uint16 `mapstructure:"address"`

	// ResetPin is the GPIO wired to the controller reset input. Optional.
	ResetPin       string `mapstructure:"reset_pin"`
	ResetActiveLow bool   `mapstructure:"reset_active_low"`

	// AlertPin is the GPIO wired to the open drain alert output. The engine
	// polls the controller when empty.
	AlertPin string `mapstructure:"alert_pin"`

	Sink   SinkConfig   `mapstructure:"sink"`
	Timing TimingConfig `mapstructure:"timing"`
	Log    LogConfig    `mapstructure:"log"`
}

// SinkConfig holds the sink policy.
type SinkConfig struct {
	// Voltages use the physic notation, e.g. "5V" or "11500mV".
	MinVoltage string `mapstructure:"min_voltage"`
	MaxVoltage string `mapstructure:"max_voltage"`

	// Preference: max_power or max_current
	Preference string `mapstructure:"preference"`

	USBComm bool `mapstructure:"usb_comm"`
}

// TimingConfig overrides the negotiation timers and retry budget.
type TimingConfig struct {
	SourceCapabilities time.Duration `mapstructure:"source_capabilities"`
	SenderResponse     time.Duration `mapstructure:"sender_response"`
	PSTransition       time.Duration `mapstructure:"ps_transition"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		PHY: PHYSTUSB4500,
		Sink: SinkConfig{
			MinVoltage: "5V",
			MaxVoltage: "20V",
			Preference: tcdpm.PreferMaxPower.String(),
		},
		Timing: TimingConfig{
			SourceCapabilities: tcpe.DefaultSourceCapabilitiesTimeout,
			SenderResponse:     tcpe.DefaultSenderResponseTimeout,
			PSTransition:       tcpe.DefaultPSTransitionTimeout,
			PollInterval:       tcpe.DefaultPollInterval,
			MaxRetries:         tcpe.DefaultMaxRetries,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pdsink.log",
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix PDSINK and `.`/`-` are replaced with `_`.
// Example: PDSINK_SINK_MAX_VOLTAGE=12V
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PDSINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("bus", cfg.Bus)
	v.SetDefault("phy", cfg.PHY)
	v.SetDefault("address", cfg.Address)
	v.SetDefault("reset_pin", cfg.ResetPin)
	v.SetDefault("reset_active_low", cfg.ResetActiveLow)
	v.SetDefault("alert_pin", cfg.AlertPin)
	v.SetDefault("sink.min_voltage", cfg.Sink.MinVoltage)
	v.SetDefault("sink.max_voltage", cfg.Sink.MaxVoltage)
	v.SetDefault("sink.preference", cfg.Sink.Preference)
	v.SetDefault("sink.usb_comm", cfg.Sink.USBComm)
	v.SetDefault("timing.source_capabilities", cfg.Timing.SourceCapabilities)
	v.SetDefault("timing.sender_response", cfg.Timing.SenderResponse)
	v.SetDefault("timing.ps_transition", cfg.Timing.PSTransition)
	v.SetDefault("timing.poll_interval", cfg.Timing.PollInterval)
	v.SetDefault("timing.max_retries", cfg.Timing.MaxRetries)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("PDSINK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `pdsink`
		v.SetConfigName("pdsink")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pdsink")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pdsink"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills in the optional fields left empty and canonicalizes the
// PHY name.
func (c *Config) normalize() {
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	c.PHY = strings.ToLower(strings.TrimSpace(c.PHY))
}

// Validate checks the configuration. It does not modify c.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.PHY)) {
	case PHYSTUSB4500, PHYFUSB302:
	default:
		return fmt.Errorf("invalid phy: %q", c.PHY)
	}
	if c.Address > 0x7f {
		return fmt.Errorf("invalid address: %#x", c.Address)
	}
	if c.Timing.MaxRetries < 0 {
		return fmt.Errorf("invalid timing.max_retries: %d", c.Timing.MaxRetries)
	}

	req, err := c.Requirement()
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid sink: %w", err)
	}
	return nil
}

// Requirement returns the sink policy.
func (c *Config) Requirement() (tcdpm.Requirement, error) {
	var r tcdpm.Requirement
	if err := r.MinVoltage.Set(c.Sink.MinVoltage); err != nil {
		return r, fmt.Errorf("invalid sink.min_voltage: %w", err)
	}
	if err := r.MaxVoltage.Set(c.Sink.MaxVoltage); err != nil {
		return r, fmt.Errorf("invalid sink.max_voltage: %w", err)
	}
	p, err := tcdpm.ParsePreference(c.Sink.Preference)
	if err != nil {
		return r, err
	}
	r.Preference = p
	r.USBCommCapable = c.Sink.USBComm
	return r, nil
}

// EngineOptions returns the policy engine options. The caller fills in the
// alert signal and the evaluator.
func (c *Config) EngineOptions(log *zap.Logger) *tcpe.Options {
	return &tcpe.Options{
		SourceCapabilitiesTimeout: c.Timing.SourceCapabilities,
		SenderResponseTimeout:     c.Timing.SenderResponse,
		PSTransitionTimeout:       c.Timing.PSTransition,
		PollInterval:              c.Timing.PollInterval,
		MaxRetries:                c.Timing.MaxRetries,
		Logger:                    log,
	}
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
