package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratboard/stratboard/internal/archive"
	"github.com/stratboard/stratboard/internal/daemon"
	"github.com/stratboard/stratboard/internal/db"
	"github.com/stratboard/stratboard/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Write the server database as JSON Lines",
	Long: `Write every task of the server database (server.database) as JSON Lines,
one task per line. Use --only to export selected scopes.

The output can be loaded into another database with sb import, e.g. to move
from sqlite to postgres.

With --dir, each task is written to <dir>/<scope>/<id>.json instead. That is
the inbox layout: copying the scope directories into a running server's inbox
imports them live.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		dir, _ := cmd.Flags().GetString("dir")
		scopes, _ := cmd.Flags().GetStringSlice("only")
		if dir != "" && output != "" {
			fail("--output and --dir are mutually exclusive")
		}

		store, err := db.OpenContext(cmd.Context(), cfg.Server.Database)
		if err != nil {
			fail("failed to open database: %v", err)
		}
		defer store.Close()

		if dir != "" {
			n, err := archive.ExportFiles(cmd.Context(), store, dir, scopes...)
			if err != nil {
				fail("%v", err)
			}
			fmt.Printf("%s Exported %d task files to %s\n", ui.RenderPass("✓"), n, dir)
			return
		}

		var w io.Writer = os.Stdout
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				fail("failed to create %s: %v", output, err)
			}
			defer f.Close()
			w = f
		}

		n, err := archive.Export(cmd.Context(), store, w, scopes...)
		if err != nil {
			fail("%v", err)
		}
		if w != os.Stdout {
			fmt.Printf("%s Exported %d tasks to %s\n", ui.RenderPass("✓"), n, output)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file.jsonl>",
	GroupID: "maint",
	Short:   "Load tasks from JSON Lines into the server database",
	Long: `Upsert every task in a JSON Lines file into the server database. Tasks
keep their ids; existing ids are overwritten and get a new version.

The server must not be running: direct writes are not pushed to subscribers.
Drop files into the inbox instead to import while serving.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		into, _ := cmd.Flags().GetString("into")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		lock, _, err := acquireServerLock()
		if err != nil {
			if errors.Is(err, daemon.ErrLocked) {
				fail("sb serve is running on this database; stop it or use the inbox")
			}
			fail("%v", err)
		}
		defer lock.Release()

		store, err := db.OpenContext(cmd.Context(), cfg.Server.Database)
		if err != nil {
			fail("failed to open database: %v", err)
		}
		defer store.Close()

		result, err := archive.Import(cmd.Context(), store, args[0], archive.ImportOptions{
			Scope:  into,
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			fail("%v", err)
		}

		if result.BackupCreated != "" {
			fmt.Printf("%s Backup: %s\n", ui.RenderAccent("💾"), result.BackupCreated)
		}
		for _, msg := range result.Errors {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), msg)
		}
		if dryRun {
			fmt.Printf("%s Dry run: %d tasks read, %d would be skipped\n", ui.RenderAccent("🔍"), result.Read, len(result.Errors))
			return
		}
		fmt.Printf("%s Imported %d tasks (%d created, %d updated, %d skipped)\n",
			ui.RenderPass("✓"), result.Created+result.Updated, result.Created, result.Updated, len(result.Errors))
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")
	exportCmd.Flags().String("dir", "", "Write one JSON file per task under <dir>/<scope>/")
	exportCmd.Flags().StringSlice("only", nil, "Export only these scopes (repeatable)")

	importCmd.Flags().String("into", "", "Import every task into this scope")
	importCmd.Flags().Bool("dry-run", false, "Validate without writing")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside first")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
