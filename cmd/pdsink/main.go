// Command pdsink negotiates a USB power delivery contract through an I2C
// attached port controller.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "pdsink",
		Short: "USB power delivery sink",
		Long: `pdsink drives a STUSB4500 or FUSB302 port controller and negotiates a
power contract with the attached source according to the sink policy in the
configuration file.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default searches ./pdsink.yaml, /etc/pdsink and ~/.pdsink)")
	rootCmd.AddCommand(runCmd, statusCmd, scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
