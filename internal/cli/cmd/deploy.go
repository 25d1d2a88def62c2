package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/config"
	"github.com/bnema/caravel/internal/domain"
	"github.com/bnema/caravel/internal/usecase/deploy"
)

const defaultDescriptor = "caravel-deploy.yml"

// NewDeployCommand deploys a container from its descriptor file.
func NewDeployCommand(app appFn) *cobra.Command {
	var strategy string
	var skipBackup bool
	var environment string

	cmd := &cobra.Command{
		Use:   "deploy [descriptor]",
		Short: "Deploy a container from a deployment descriptor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultDescriptor
			if len(args) == 1 {
				path = args[0]
			}
			d, err := config.LoadDescriptor(path)
			if err != nil {
				return err
			}

			a := app()
			name := d.Deployment.ContainerName
			color.Blue("Deploying %s (%s, %s strategy)", name, d.Deployment.Image, strategy)

			stop := cancelOnInterrupt(cmd.Context(), a.Tracker, name)
			defer stop()
			done := make(chan struct{})
			go watchJob(a.Tracker, name, done)
			defer close(done)

			opts := deploy.Options{
				Strategy:    domain.Strategy(strategy),
				SkipBackup:  skipBackup,
				Environment: environment,
			}
			if err := a.Deploys.Deploy(cmd.Context(), &d.Deployment, d.Build, opts); err != nil {
				color.Red("✗ deployment of %s failed", name)
				return err
			}
			color.Green("✓ %s deployed", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", string(domain.StrategyRolling),
		"deployment strategy: rolling, blue-green or canary")
	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false,
		"skip the pre-switch volume backup (blue-green only)")
	cmd.Flags().StringVar(&environment, "environment", "",
		"environment label recorded in history")
	return cmd
}
