package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratboard/stratboard/internal/loadtest"
	"github.com/stratboard/stratboard/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Run concurrent clients against a server and check convergence",
	Long: `Start N clients against a running server, each with its own replica and
push subscription. Every client issues random adds, updates, toggles and
removes. After the last mutation the command waits for the replicas to settle
and checks that each one equals the server's list.

Conflicts and not-found results are expected under contention and reported
separately from errors. Use a dedicated scope: the run leaves its tasks behind.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		ops, _ := cmd.Flags().GetInt("ops")
		seed, _ := cmd.Flags().GetInt64("seed")
		settle, _ := cmd.Flags().GetDuration("settle")
		scope, _ := cmd.Flags().GetString("loadtest-scope")

		report, err := loadtest.Run(cmd.Context(), &loadtest.Options{
			BaseURL:      cfg.Client.BaseURL,
			Token:        cfg.Client.Token,
			Scope:        scope,
			Clients:      clients,
			OpsPerClient: ops,
			Seed:         seed,
			Settle:       settle,
			Logger:       logs.Logger("loadtest"),
		})
		if err != nil {
			fail("load test failed: %v", err)
		}

		report.PrintReport(os.Stdout)
		if !report.Converged || report.Errors > 0 {
			fail("%s replicas diverged or mutations failed", ui.RenderFail("✗"))
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "Number of concurrent clients")
	loadtestCmd.Flags().Int("ops", 50, "Mutations per client")
	loadtestCmd.Flags().Int64("seed", 42, "Random seed for the operation mix")
	loadtestCmd.Flags().Duration("settle", 10*time.Second, "How long to wait for replicas to converge")
	loadtestCmd.Flags().String("loadtest-scope", "loadtest", "Scope the clients write to")
	rootCmd.AddCommand(loadtestCmd)
}
