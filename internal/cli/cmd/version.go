package cmd

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Set at build time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the caravel version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			color.Green("caravel %s", buildVersion)
			fmt.Printf("commit: %s\nbuilt:  %s\ngo:     %s\n", buildCommit, buildDate, runtime.Version())
		},
	}
}
