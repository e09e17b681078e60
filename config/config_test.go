package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/physic"

	"github.com/battpack/pdsink/tcdpm"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pdsink.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
phy: FUSB302
bus: "/dev/i2c-1"
alert_pin: GPIO17
sink:
  max_voltage: 12V
  preference: max_current
  usb_comm: true
timing:
  sender_response: 30ms
  max_retries: 5
log:
  level: debug
`)
	t.Setenv("PDSINK_SINK_MIN_VOLTAGE", "9V")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PHY != PHYFUSB302 || cfg.Bus != "/dev/i2c-1" || cfg.AlertPin != "GPIO17" {
		t.Errorf("Load() = %+v", cfg)
	}

	req, err := cfg.Requirement()
	if err != nil {
		t.Fatal(err)
	}
	want := tcdpm.Requirement{
		MinVoltage:     9 * physic.Volt,
		MaxVoltage:     12 * physic.Volt,
		Preference:     tcdpm.PreferMaxCurrent,
		USBCommCapable: true,
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("Requirement() mismatch (-want +got):\n%s", diff)
	}

	opts := cfg.EngineOptions(nil)
	if opts.SenderResponseTimeout != 30*time.Millisecond || opts.MaxRetries != 5 {
		t.Errorf("EngineOptions() = %+v", opts)
	}
	if opts.PSTransitionTimeout != 550*time.Millisecond {
		t.Errorf("PSTransitionTimeout = %s, want default", opts.PSTransitionTimeout)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("PDSINK_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"phy", "phy: tcpm\n", "invalid phy"},
		{"voltage", "sink:\n  max_voltage: twelve\n", "sink.max_voltage"},
		{"range", "sink:\n  min_voltage: 15V\n  max_voltage: 9V\n", "invalid sink"},
		{"preference", "sink:\n  preference: cheapest\n", "preference"},
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"address", "address: 200\n", "invalid address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadNormalizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
phy: " FUSB302 "
log:
  format: ""
  outputs: []
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PHY != PHYFUSB302 {
		t.Errorf("PHY = %q, want %q", cfg.PHY, PHYFUSB302)
	}
	if cfg.Log.Format != "console" {
		t.Errorf("Log.Format = %q, want console", cfg.Log.Format)
	}
	if diff := cmp.Diff([]string{"stderr"}, cfg.Log.Outputs); diff != "" {
		t.Errorf("Log.Outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateDoesNotModify(t *testing.T) {
	cfg := Default()
	cfg.PHY = "STUSB4500"
	cfg.Log.Format = ""
	cfg.Log.Outputs = nil
	want := *cfg
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, *cfg); diff != "" {
		t.Errorf("Validate() modified the config (-want +got):\n%s", diff)
	}
}
