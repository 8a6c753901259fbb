package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stratboard/stratboard/internal/config"
	"github.com/stratboard/stratboard/internal/logging"
)

var (
	// v holds defaults, sb.toml, SB_* env and bound flags.
	v = config.New()

	cfgFile string
	cfg     *config.Config
	logs    *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "sb",
	Short: "stratboard - a live shared task board",
	Long: `stratboard keeps a local replica of a task list in sync with a server.

Changes made by any client are applied optimistically, confirmed by the
server and pushed to every other subscriber of the same scope.

Configuration is read from sb.toml (./ or ~/.config/stratboard/), then
SB_* environment variables (SB_CLIENT_SCOPE, SB_SERVER_ADDR...), then flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		factory, err := logging.New(&cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logs = factory
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Working With Tasks:"},
		&cobra.Group{ID: "server", Title: "Running A Server:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ./sb.toml or ~/.config/stratboard/sb.toml)")
	flags.String("server", "", "Server base URL (client.base_url)")
	flags.StringP("scope", "s", "", "Task scope (client.scope)")
	flags.String("token", "", "Bearer token for the server (client.token)")

	if err := config.BindFlags(v, flags, map[string]string{
		"server": "client.base_url",
		"scope":  "client.scope",
		"token":  "client.token",
	}); err != nil {
		panic(err)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
