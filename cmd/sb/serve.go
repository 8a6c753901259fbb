package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratboard/stratboard/internal/api"
	"github.com/stratboard/stratboard/internal/config"
	"github.com/stratboard/stratboard/internal/daemon"
	"github.com/stratboard/stratboard/internal/db"
	"github.com/stratboard/stratboard/internal/metrics"
	"github.com/stratboard/stratboard/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the task server and the inbox daemon",
	Long: `Run the task server.

The server exposes the REST API and the push feed:

  GET    /v1/scopes/{scope}/tasks          list tasks
  POST   /v1/scopes/{scope}/tasks          create a task
  GET    /v1/scopes/{scope}/tasks/{id}     fetch one task
  PATCH  /v1/scopes/{scope}/tasks/{id}     update a task
  DELETE /v1/scopes/{scope}/tasks/{id}     delete a task
  GET    /v1/scopes/{scope}/stats          counts by status
  GET    /v1/scopes/{scope}/feed           websocket push feed
  GET    /health, /metrics

The inbox daemon imports task files dropped into <inbox>/<scope>/*.json and
pushes the result to subscribers like any other change.

--db accepts a sqlite path, postgres://... or libsql://... (cgo builds).`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Server stopped\n", ui.RenderPass("✓"))
	},
}

// runServe returns instead of exiting so the lock is released and the
// database closed on every path.
func runServe(cmd *cobra.Command) error {
	noInbox, _ := cmd.Flags().GetBool("no-inbox")
	ctx := cmd.Context()
	server := cfg.Server

	lock, lockPath, err := acquireServerLock()
	if err != nil {
		if errors.Is(err, daemon.ErrLocked) {
			return fmt.Errorf("another sb serve is already running (%s)", lockPath)
		}
		return err
	}
	defer lock.Release()

	store, err := db.OpenContext(ctx, server.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	registry := metrics.NewRegistry()
	serverMetrics := metrics.NewServer(registry)

	hub := api.DefaultHubConfig()
	hub.Logger = logs.Logger("hub")
	srv := api.NewServer(store, &api.Config{
		Addr:      server.Addr,
		AuthToken: server.AuthToken,
		Hub:       hub,
		Registry:  registry,
		Metrics:   serverMetrics,
		Now:       time.Now,
		Logger:    logs.Logger("api"),
	})

	var inbox *daemon.Daemon
	if !noInbox {
		inbox, err = daemon.New(store, srv, server.InboxDir, &daemon.Config{
			DebounceInterval: daemon.DefaultConfig().DebounceInterval,
			Metrics:          serverMetrics,
			Now:              time.Now,
			Logger:           logs.Logger("daemon"),
		})
		if err != nil {
			return fmt.Errorf("failed to create inbox daemon: %w", err)
		}
	}

	fmt.Printf("%s Serving %s on %s\n", ui.RenderAccent("🚀"), store.Driver(), server.Addr)
	if server.AuthToken == "" {
		fmt.Printf("%s No auth token configured, the API is open\n", ui.RenderWarn("⚠"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if inbox != nil {
		fmt.Printf("%s Inbox: %s/<scope>/*.json\n", ui.RenderAccent("📥"), server.InboxDir)
		g.Go(func() error {
			return inbox.Start(gctx)
		})
	}

	fmt.Println("\nPress Ctrl+C to stop...")
	return g.Wait()
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (server.addr, default :8080)")
	serveCmd.Flags().String("db", "", "Database: sqlite path, postgres:// or libsql:// URL (server.database)")
	serveCmd.Flags().String("inbox", "", "Inbox directory (server.inbox_dir)")
	serveCmd.Flags().String("auth-token", "", "Require this bearer token (server.auth_token)")
	serveCmd.Flags().Bool("no-inbox", false, "Do not run the inbox daemon")

	if err := config.BindFlags(v, serveCmd.Flags(), map[string]string{
		"addr":       "server.addr",
		"db":         "server.database",
		"inbox":      "server.inbox_dir",
		"auth-token": "server.auth_token",
	}); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
