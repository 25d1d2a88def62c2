package cmd

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/domain"
)

// NewMigrateCommand relocates a container to another host.
func NewMigrateCommand(app appFn) *cobra.Command {
	var target string
	var includeData bool
	var stopSource bool

	cmd := &cobra.Command{
		Use:   "migrate <container>",
		Short: "Migrate a container to another configured host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			a := app()
			host, err := a.Host(target)
			if err != nil {
				return err
			}

			color.Blue("Migrating %s to %s", name, hostLabel(host))
			stop := cancelOnInterrupt(cmd.Context(), a.Tracker, name)
			defer stop()
			done := make(chan struct{})
			go watchJob(a.Tracker, name, done)
			defer close(done)

			opts := domain.MigrationOptions{IncludeData: includeData, StopSource: stopSource}
			if err := a.Migrations.Migrate(cmd.Context(), name, host, opts); err != nil {
				if archErr, ok := domain.IsArchitectureError(err); ok {
					color.Red("✗ %s: image is %s but the target is %s and cannot emulate it",
						archErr.Code, archErr.ImagePlatform, archErr.HostPlatform)
					return err
				}
				if errors.Is(err, domain.ErrCancelled) {
					color.Yellow("migration of %s cancelled", name)
					return err
				}
				color.Red("✗ migration of %s failed", name)
				return err
			}
			color.Green("✓ %s migrated to %s", name, hostLabel(host))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target host id from caravel.yml, or \"local\"")
	cmd.Flags().BoolVar(&includeData, "include-data", false, "ship a volume backup alongside the image")
	cmd.Flags().BoolVar(&stopSource, "stop-source", false, "stop the source container after the target starts")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func hostLabel(h domain.HostConfig) string {
	if h.IsLocal() {
		return "local host"
	}
	if h.ID != "" {
		return h.ID
	}
	return h.Address
}
