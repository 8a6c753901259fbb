package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/stratboard/stratboard/internal/engine"
	"github.com/stratboard/stratboard/internal/live/mutation"
	"github.com/stratboard/stratboard/internal/schema"
	"github.com/stratboard/stratboard/internal/ui"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	Aliases: []string{"t"},
	GroupID: "tasks",
	Short:   "List and change the tasks of a scope",
	Long: `List and change the tasks of a scope.

Every change goes through the same optimistic path the live view uses: it is
applied to a local replica, sent to the server with a correlation id, and
rolled back if the server rejects it. Ids may be abbreviated to any unique
prefix.`,
}

var tasksListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		tag, _ := cmd.Flags().GetString("tag")
		search, _ := cmd.Flags().GetString("search")
		sortBy, _ := cmd.Flags().GetString("sort")
		order, _ := cmd.Flags().GetString("order")
		format, _ := cmd.Flags().GetString("format")

		if status != "" && !schema.Status(status).Valid() {
			fail("invalid status %q (use open, in_progress or done)", status)
		}

		e, err := loadEngine(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		e.SetFilter(engine.Filter{Status: schema.Status(status), Tag: tag, Search: search})
		if err := e.SortBy(sortBy, order); err != nil {
			fail("%v", err)
		}
		tasks := e.Records()

		if format == "table" {
			ui.RenderTaskTable(os.Stdout, tasks, time.Now())
			fmt.Printf("\n%s  %s\n", ui.RenderMuted(e.Scope()+":"), ui.RenderCounts(e.Counts()))
			return
		}
		if tasks == nil {
			tasks = []schema.Task{}
		}
		if err := writeTasks(os.Stdout, format, tasks); err != nil {
			fail("%v", err)
		}
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		e, err := loadEngine(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		id, err := resolveID(e, args[0])
		if err != nil {
			fail("%v", err)
		}
		t, _ := e.Get(id)

		if format == "table" {
			ui.RenderTaskDetail(os.Stdout, t, time.Now())
			return
		}
		if err := writeTasks(os.Stdout, format, t); err != nil {
			fail("%v", err)
		}
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Add a task",
	Long: `Add a task to the current scope.

Without a title on an interactive terminal a form asks for the fields.
--due accepts natural language ("tomorrow 5pm", "next friday") or a date.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		draft := schema.Task{}
		draft.Priority, _ = cmd.Flags().GetInt("priority")
		draft.Description, _ = cmd.Flags().GetString("description")
		draft.Tags, _ = cmd.Flags().GetStringSlice("tag")
		status, _ := cmd.Flags().GetString("status")
		draft.Status = schema.Status(status)
		dueText, _ := cmd.Flags().GetString("due")

		if len(args) == 1 {
			draft.Title = args[0]
		} else if ui.IsTTY(os.Stdin) && ui.IsTTY(os.Stdout) {
			if err := runAddForm(&draft, &dueText); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					return
				}
				fail("%v", err)
			}
		} else {
			fail("a title is required")
		}

		if dueText != "" {
			due, err := parseDue(dueText, time.Now())
			if err != nil {
				fail("%v", err)
			}
			draft.DueAt = &due
		}

		e, err := newEngine()
		if err != nil {
			fail("%v", err)
		}
		created, err := e.Add(cmd.Context(), draft)
		if err != nil {
			fail("failed to add task: %v", err)
		}
		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(created.ID)), created.Title)
	},
}

// runAddForm asks for the draft fields interactively.
func runAddForm(draft *schema.Task, dueText *string) error {
	tags := strings.Join(draft.Tags, ", ")
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Title").
				Value(&draft.Title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Description").
				Value(&draft.Description),
			huh.NewSelect[int]().
				Title("Priority").
				Options(
					huh.NewOption("P0 critical", 0),
					huh.NewOption("P1 high", 1),
					huh.NewOption("P2 normal", 2),
					huh.NewOption("P3 low", 3),
					huh.NewOption("P4 someday", 4),
				).
				Value(&draft.Priority),
			huh.NewInput().
				Title("Tags").
				Description("Comma separated").
				Value(&tags),
			huh.NewInput().
				Title("Due").
				Placeholder("tomorrow 5pm").
				Value(dueText).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return nil
					}
					_, err := parseDue(s, time.Now())
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	draft.Tags = nil
	for _, tag := range strings.Split(tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			draft.Tags = append(draft.Tags, tag)
		}
	}
	return nil
}

var tasksEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change fields of a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		var patch schema.TaskPatch
		if flags.Changed("title") {
			title, _ := flags.GetString("title")
			patch.Title = &title
		}
		if flags.Changed("description") {
			desc, _ := flags.GetString("description")
			patch.Description = &desc
		}
		if flags.Changed("status") {
			s, _ := flags.GetString("status")
			status := schema.Status(s)
			patch.Status = &status
		}
		if flags.Changed("priority") {
			p, _ := flags.GetInt("priority")
			patch.Priority = &p
		}
		if flags.Changed("tag") {
			patch.Tags, _ = flags.GetStringSlice("tag")
			if patch.Tags == nil {
				patch.Tags = []string{}
			}
		}
		if flags.Changed("due") {
			text, _ := flags.GetString("due")
			due, err := parseDue(text, time.Now())
			if err != nil {
				fail("%v", err)
			}
			patch.DueAt = &due
		}
		patch.ClearDue, _ = flags.GetBool("clear-due")

		if patch.IsEmpty() {
			fail("nothing to change (see sb tasks edit --help)")
		}
		if err := patch.Validate(); err != nil {
			fail("%v", err)
		}

		e, err := loadEngine(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		id, err := resolveID(e, args[0])
		if err != nil {
			fail("%v", err)
		}
		updated, err := e.Update(cmd.Context(), id, patch)
		if err != nil {
			reportMutationError("update", id, err)
		}
		fmt.Printf("%s Updated %s (v%d)\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(updated.ID)), updated.Version)
	},
}

var tasksToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Mark a task done, or reopen a done task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := loadEngine(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		id, err := resolveID(e, args[0])
		if err != nil {
			fail("%v", err)
		}
		toggled, err := e.Toggle(cmd.Context(), id)
		if err != nil {
			reportMutationError("toggle", id, err)
		}
		fmt.Printf("%s %s is now %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(toggled.ID)), ui.RenderStatus(toggled.Status))
	},
}

var tasksRemoveCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"remove", "delete"},
	Short:   "Remove a task",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		e, err := loadEngine(cmd.Context())
		if err != nil {
			fail("%v", err)
		}
		id, err := resolveID(e, args[0])
		if err != nil {
			fail("%v", err)
		}
		if err := e.Remove(cmd.Context(), id); err != nil {
			reportMutationError("remove", id, err)
		}
		fmt.Printf("%s Removed %s\n", ui.RenderPass("✓"), ui.RenderAccent(ui.ShortID(id)))
	},
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts computed by the server",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")

		c, err := newClient()
		if err != nil {
			fail("%v", err)
		}
		stats, err := c.Stats(cmd.Context(), cfg.Client.Scope)
		if err != nil {
			fail("failed to fetch stats: %v", err)
		}

		if format != "table" {
			if err := writeTasks(os.Stdout, format, stats); err != nil {
				fail("%v", err)
			}
			return
		}
		fmt.Printf("\n%s Scope %s\n\n", ui.RenderAccent("📊"), stats.Scope)
		fmt.Printf("  Total:        %d\n", stats.Total)
		fmt.Printf("  Open:         %d\n", stats.ByStatus[schema.StatusOpen])
		fmt.Printf("  In progress:  %d\n", stats.ByStatus[schema.StatusInProgress])
		fmt.Printf("  Done:         %d\n", stats.ByStatus[schema.StatusDone])
		if stats.Overdue > 0 {
			fmt.Printf("  Overdue:      %s\n", ui.RenderFail(fmt.Sprint(stats.Overdue)))
		} else {
			fmt.Printf("  Overdue:      0\n")
		}
		fmt.Println()
	},
}

// reportMutationError explains a rejected mutation. The local replica has
// already been rolled back when this runs.
func reportMutationError(op, id string, err error) {
	switch {
	case errors.Is(err, mutation.ErrConflict):
		fail("%s %s: the task changed on the server since it was loaded, try again", op, ui.ShortID(id))
	case errors.Is(err, mutation.ErrNotFound):
		fail("%s %s: the task no longer exists", op, ui.ShortID(id))
	case errors.Is(err, mutation.ErrPendingCreate):
		fail("%s %s: the task has not been confirmed by the server yet", op, ui.ShortID(id))
	}
	fail("failed to %s %s: %v", op, ui.ShortID(id), err)
}

func init() {
	tasksListCmd.Flags().String("status", "", "Only tasks with this status (open, in_progress, done)")
	tasksListCmd.Flags().String("tag", "", "Only tasks with this tag")
	tasksListCmd.Flags().String("search", "", "Only tasks whose title or description contains this text")
	tasksListCmd.Flags().String("sort", "", "Sort by created, updated, priority, due, title or status")
	tasksListCmd.Flags().String("order", "asc", "Sort order: asc or desc")
	tasksListCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")

	tasksShowCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	tasksStatsCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")

	tasksAddCmd.Flags().IntP("priority", "p", 2, "Priority 0 (highest) to 4")
	tasksAddCmd.Flags().StringP("description", "d", "", "Longer description")
	tasksAddCmd.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable)")
	tasksAddCmd.Flags().String("status", "", "Initial status (default: open)")
	tasksAddCmd.Flags().String("due", "", `Due date, e.g. "friday 9am" or 2025-03-01`)

	tasksEditCmd.Flags().String("title", "", "New title")
	tasksEditCmd.Flags().StringP("description", "d", "", "New description")
	tasksEditCmd.Flags().String("status", "", "New status (open, in_progress, done)")
	tasksEditCmd.Flags().IntP("priority", "p", 2, "New priority 0 (highest) to 4")
	tasksEditCmd.Flags().StringSliceP("tag", "t", nil, "Replace tags (repeatable; --tag= clears)")
	tasksEditCmd.Flags().String("due", "", "New due date")
	tasksEditCmd.Flags().Bool("clear-due", false, "Remove the due date")
	tasksEditCmd.MarkFlagsMutuallyExclusive("due", "clear-due")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksEditCmd)
	tasksCmd.AddCommand(tasksToggleCmd)
	tasksCmd.AddCommand(tasksRemoveCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
	rootCmd.AddCommand(tasksCmd)
}
