package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the port controller and CC status",
	Long: `Print the device ID and the Type-C status of the port controller. The
STUSB4500 is only read. The FUSB302 has to be initialized first, which resets
it.`,
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
		var cc pdsink.CCStatus
		var attached bool
		if cfg.PHY == config.PHYSTUSB4500 {
			d, err := newSTUSB4500(cfg, b)
			if err != nil {
				return err
			}
			id, err := d.DeviceID()
			if err != nil {
				return fmt.Errorf("read device id: %w", err)
			}
			if cc, err = d.ReadCCStatus(); err != nil {
				return fmt.Errorf("read cc status: %w", err)
			}
			attached = cc.Sink()
			fmt.Fprintf(out, "device:   %s id=%#02x\n", d, id)
		} else {
			pc, err := newPortController(cfg, b)
			if err != nil {
				return err
			}
			var st pdsink.Status
			if err := pc.Init(&st); err != nil {
				return fmt.Errorf("init %s: %w", cfg.PHY, err)
			}
			cc = st.CC
			attached = st.Port.Attached()
			fmt.Fprintf(out, "device:   %s\n", pc)
		}
		fmt.Fprintf(out, "attached: %t\n", attached)
		fmt.Fprintf(out, "cc1:      %s\n", ccName(cc.CC1()))
		fmt.Fprintf(out, "cc2:      %s\n", ccName(cc.CC2()))
		if attached {
			fmt.Fprintf(out, "type-c:   %s\n", cc.HostCurrent())
		}
		return nil
	},
}

func ccName(s pdsink.CCState) string {
	switch s {
	case pdsink.CCStateDefault:
		return "Rp default"
	case pdsink.CCState1A5:
		return "Rp 1.5A"
	case pdsink.CCState3A0:
		return "Rp 3.0A"
	default:
		return "open"
	}
}
