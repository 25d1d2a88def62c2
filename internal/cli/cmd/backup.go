package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/domain"
)

// NewBackupCommand archives a container's volumes.
func NewBackupCommand(app appFn) *cobra.Command {
	var fresh bool

	cmd := &cobra.Command{
		Use:   "backup <container>",
		Short: "Archive a container's data volumes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a := app()

			if err := a.Tracker.Begin(name, domain.JobKindBackup); err != nil {
				return err
			}
			stop := cancelOnInterrupt(cmd.Context(), a.Tracker, name)
			defer stop()
			done := make(chan struct{})
			go watchJob(a.Tracker, name, done)
			defer close(done)

			manifest, dir, err := a.Backups.Backup(cmd.Context(), name, !fresh)
			if err != nil {
				a.Tracker.End(name, "failed", err.Error())
				color.Red("✗ backup of %s failed", name)
				return err
			}
			a.Tracker.End(name, "completed", "backup complete")

			color.Green("✓ backed up %d volume(s) of %s (%s) to %s",
				len(manifest.Volumes), name, humanize.Bytes(uint64(manifest.TotalBytes)), dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "always take a new backup, even when a recent one exists")
	return cmd
}
