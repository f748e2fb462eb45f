// Program fwupdate drives a NAND-backed cellular modem's firmware
// update engine from the command line: feed it a CWE package over a
// pipe, a file, or a modem's serial console, and it streams the
// package into flash, persists a resume checkpoint if interrupted, and
// orchestrates the A/B swap once every component validates.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	resumeDir  string
	scratchDir string
	deviceMap  string
	dualSystem bool
)

var rootCmd = &cobra.Command{
	Use:   "fwupdate",
	Short: "stream a CWE firmware package into NAND flash",
	Long: "fwupdate implements the download/resume/install state machine a " +
		"modem's firmware-update engine runs: stream a CWE package into " +
		"flash, checkpoint on interruption, and swap the A/B system once " +
		"every component validates.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&resumeDir, "resume-dir", "/var/lib/fwupdate", "directory holding resume-context and status files")
	rootCmd.PersistentFlags().StringVar(&scratchDir, "scratch-dir", "/tmp", "directory for delta-patch scratch files")
	rootCmd.PersistentFlags().StringVar(&deviceMap, "device-map", "/etc/fwupdate/devices.json", "JSON file mapping partition names to /dev/mtdN or /dev/ubiN_M nodes")
	rootCmd.PersistentFlags().BoolVar(&dualSystem, "dual-system", true, "target an A/B dual-system layout rather than a single swifota staging partition")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fwupdate:", err)
		os.Exit(1)
	}
}
