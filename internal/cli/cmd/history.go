package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bnema/caravel/internal/domain"
)

const durationPrecision = 10 * time.Millisecond

// NewHistoryCommand lists recent deployments.
func NewHistoryCommand(app appFn) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := app()
			records, err := a.History.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no deployments recorded")
				return nil
			}
			for _, r := range records {
				mark := color.GreenString("✓")
				if !r.Success {
					mark = color.RedString("✗")
				}
				env := ""
				if r.Environment != "" {
					env = " [" + r.Environment + "]"
				}
				fmt.Printf("%s %-20s %-10s %-40s %8s  %s%s\n",
					mark, r.Container, r.Strategy, r.Image,
					r.Duration.Round(durationPrecision), humanize.Time(r.Timestamp), env)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", domain.HistoryLimit, "number of records to show")
	return cmd
}
