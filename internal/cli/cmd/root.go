// Package cmd defines the caravel command tree.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/cli"
)

// appFn defers app construction until after flag parsing.
type appFn func() *cli.App

// Execute runs the caravel CLI.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the root command and its subcommands. The app is
// wired once in the persistent pre-run so every command sees the same
// tracker, history store and runtime connection.
func NewRootCommand() *cobra.Command {
	var configPath string
	var app *cli.App

	root := &cobra.Command{
		Use:           "caravel",
		Short:         "Deploy, migrate and back up containers across hosts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			var err error
			app, err = cli.NewApp(configPath)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if app != nil {
				app.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "",
		"path to caravel.yml (default $HOME/.caravel/caravel.yml)")

	get := func() *cli.App { return app }
	root.AddCommand(
		NewDeployCommand(get),
		NewMigrateCommand(get),
		NewBackupCommand(get),
		NewRestoreCommand(get),
		NewJobsCommand(get),
		NewHistoryCommand(get),
		NewVersionCommand(),
	)
	return root
}
