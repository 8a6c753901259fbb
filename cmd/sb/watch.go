package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stratboard/stratboard/internal/engine"
	"github.com/stratboard/stratboard/internal/schema"
	"github.com/stratboard/stratboard/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "tasks",
	Short:   "Live view of a scope",
	Long: `Show the tasks of a scope and keep the view current.

Changes from other clients, the inbox daemon and this machine appear as they
are pushed. The header shows the connection state and the last sync time.

Keys: q quits, r reconnects after the client has given up.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		sortBy, _ := cmd.Flags().GetString("sort")
		order, _ := cmd.Flags().GetString("order")

		e, err := newEngine()
		if err != nil {
			fail("%v", err)
		}
		e.SetFilter(engine.Filter{Status: schema.Status(status)})
		if err := e.SortBy(sortBy, order); err != nil {
			fail("%v", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// Raw mode lets single key presses through; lines then need \r\n.
		interactive := ui.IsTTY(os.Stdin) && ui.IsTTY(os.Stdout)
		if interactive {
			state, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				fail("failed to switch terminal to raw mode: %v", err)
			}
			defer term.Restore(int(os.Stdin.Fd()), state)
			go readKeys(ctx, cancel, e)
		}

		runErr := make(chan error, 1)
		go func() { runErr <- e.Run(ctx) }()

		redraw := make(chan struct{}, 1)
		remove := e.OnChange(func() {
			select {
			case redraw <- struct{}{}:
			default:
			}
		})
		defer remove()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var lastErr error
		render(e, interactive, lastErr)
		for {
			select {
			case <-ctx.Done():
				if interactive {
					fmt.Print("\r\n")
				}
				return
			case err := <-runErr:
				if err != nil && ctx.Err() == nil {
					lastErr = err
				}
			case <-redraw:
			case <-ticker.C:
				// Piped output only changes with the data.
				if !interactive {
					continue
				}
			}
			render(e, interactive, lastErr)
		}
	},
}

func readKeys(ctx context.Context, quit context.CancelFunc, e *engine.Engine) {
	buf := make([]byte, 1)
	for ctx.Err() == nil {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			quit()
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case 'q', 'Q', 3: // 3 is Ctrl+C in raw mode
			quit()
			return
		case 'r', 'R':
			e.Reconnect()
		}
	}
}

func render(e *engine.Engine, interactive bool, runErr error) {
	now := time.Now()
	var b bytes.Buffer

	fmt.Fprintf(&b, "%s %s   %s   %s\n",
		ui.RenderBold("stratboard"),
		ui.RenderAccent(e.Scope()),
		ui.RenderConnection(e.Status()),
		ui.SyncedAgo(e.LastSyncedAt(), now))
	fmt.Fprintf(&b, "%s\n\n", ui.RenderCounts(e.Counts()))
	ui.RenderTaskTable(&b, e.Records(), now)
	if runErr != nil {
		fmt.Fprintf(&b, "\n%s %v\n", ui.RenderFail("✗"), runErr)
	}
	fmt.Fprintf(&b, "\n%s\n", ui.RenderMuted("q quit · r reconnect"))

	out := b.String()
	if interactive {
		out = "\033[H\033[2J" + strings.ReplaceAll(out, "\n", "\r\n")
	} else {
		out = "\n" + out
	}
	os.Stdout.WriteString(out)
}

func init() {
	watchCmd.Flags().String("status", "", "Only tasks with this status")
	watchCmd.Flags().String("sort", "priority", "Sort by created, updated, priority, due, title or status")
	watchCmd.Flags().String("order", "asc", "Sort order: asc or desc")
	rootCmd.AddCommand(watchCmd)
}
