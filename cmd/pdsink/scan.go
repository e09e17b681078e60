package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/battpack/pdsink/tcpcdriver"
	"github.com/battpack/pdsink/tcpcdriver/fusb302"
	"github.com/battpack/pdsink/tcpcdriver/stusb4500"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List the devices answering on the I2C bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		b, err := openBus(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		out := cmd.OutOrStdout()
		found := tcpcdriver.Scan(b, nil)
		if len(found) == 0 {
			fmt.Fprintln(out, "no devices found")
			return nil
		}
		for _, addr := range found {
			if name := knownAddr(addr); name != "" {
				fmt.Fprintf(out, "%#02x  %s\n", addr, name)
			} else {
				fmt.Fprintf(out, "%#02x\n", addr)
			}
		}
		return nil
	},
}

func knownAddr(addr uint16) string {
	switch {
	case addr >= stusb4500.DefaultAddr && addr <= stusb4500.DefaultAddr+3:
		return "stusb4500?"
	case addr >= uint16(fusb302.FUSB302BMPX) && addr <= uint16(fusb302.FUSB302B11MPX):
		return "fusb302?"
	}
	return ""
}
