package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/domain"
)

// NewRestoreCommand restores a container's volumes from a backup manifest.
func NewRestoreCommand(app appFn) *cobra.Command {
	var manifestPath string
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <container>",
		Short: "Restore a container's volumes from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a := app()

			path := manifestPath
			if path == "" {
				// No explicit manifest: use the newest complete backup,
				// however old it is.
				manifest, dir, err := a.Backups.FindReusable(name, 100*365*24*time.Hour)
				if err != nil {
					return err
				}
				if manifest == nil {
					return fmt.Errorf("%w: no backup found for %s", domain.ErrManifestNotFound, name)
				}
				path = filepath.Join(dir, domain.ManifestFileName)
				color.Blue("Using backup from %s (%s)",
					humanize.Time(manifest.CreatedAt), humanize.Bytes(uint64(manifest.TotalBytes)))
			}

			if !yes {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Overwrite the current data of %s with this backup?", name),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					color.Yellow("restore aborted")
					return nil
				}
			}

			if err := a.Tracker.Begin(name, domain.JobKindRestore); err != nil {
				return err
			}
			stop := cancelOnInterrupt(cmd.Context(), a.Tracker, name)
			defer stop()
			done := make(chan struct{})
			go watchJob(a.Tracker, name, done)
			defer close(done)

			if err := a.Backups.Restore(cmd.Context(), name, path); err != nil {
				a.Tracker.End(name, "failed", err.Error())
				color.Red("✗ restore of %s failed", name)
				return err
			}
			a.Tracker.End(name, "completed", "restore complete")
			color.Green("✓ %s restored", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a manifest.json (default: newest backup)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
