// ReadLens — sandboxed analysis runtime for long-read alignment QC sessions.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "readlens",
	Short: "ReadLens — sandboxed script runtime for alignment QC data.",
	Long: `ReadLens runs untrusted analysis scripts against a confined data
directory. Scripts get a fixed set of host functions for inspecting
alignment files, listing and reading data, and writing derived outputs,
all under hard resource and path limits.`,
	RunE:          runScript, // Default to run mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
