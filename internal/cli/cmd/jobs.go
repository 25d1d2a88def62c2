package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewJobsCommand inspects and cancels in-flight jobs.
func NewJobsCommand(app appFn) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			entries := a.Tracker.List(!all)
			if len(entries) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%-20s %-8s %3d%%  %-28s %s (%s)",
					e.Container, e.Kind, e.Percent, e.Stage, e.Message, humanize.Time(e.UpdatedAt))
				if e.TargetHost != "" {
					line += fmt.Sprintf("  %s -> %s", e.SourceHost, e.TargetHost)
				}
				switch {
				case e.Stage == "failed":
					color.Red("%s", line)
				case e.Terminal:
					color.Green("%s", line)
				default:
					color.Cyan("%s", line)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include finished jobs still in the retention window")

	cancel := &cobra.Command{
		Use:   "cancel <container>",
		Short: "Request cooperative cancellation of a container's job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := app()
			name := args[0]
			if _, ok := a.Tracker.Get(name); !ok {
				return fmt.Errorf("no job found for %s", name)
			}
			a.Tracker.Cancel(name)
			color.Yellow("cancellation requested for %s; it stops at the next checkpoint", name)
			return nil
		},
	}
	cmd.AddCommand(cancel)
	return cmd
}
