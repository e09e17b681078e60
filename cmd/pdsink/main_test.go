package main

import (
	"testing"

	"github.com/battpack/pdsink"
)

func TestKnownAddr(t *testing.T) {
	tests := []struct {
		addr uint16
		want string
	}{
		{0x28, "stusb4500?"},
		{0x2b, "stusb4500?"},
		{0x22, "fusb302?"},
		{0x25, "fusb302?"},
		{0x50, ""},
	}
	for _, tt := range tests {
		if got := knownAddr(tt.addr); got != tt.want {
			t.Errorf("knownAddr(%#x) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestCCName(t *testing.T) {
	if got := ccName(pdsink.CCState3A0); got != "Rp 3.0A" {
		t.Errorf("ccName(3A0) = %q", got)
	}
	if got := ccName(pdsink.CCStateRa); got != "open" {
		t.Errorf("ccName(Ra) = %q", got)
	}
}

func TestCommands(t *testing.T) {
	want := map[string]bool{"run": true, "status": true, "scan": true}
	for _, c := range rootCmd.Commands() {
		delete(want, c.Name())
	}
	if len(want) != 0 {
		t.Errorf("missing commands: %v", want)
	}
}
