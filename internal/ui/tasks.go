package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/stratboard/stratboard/internal/live/connstate"
	"github.com/stratboard/stratboard/internal/schema"
)

// ShortIDLen is how many characters of an id the table shows.
const ShortIDLen = 8

// ShortID truncates id for display. Provisional ids keep their prefix.
func ShortID(id string) string {
	if schema.IsProvisional(id) {
		rest := strings.TrimPrefix(id, schema.ProvisionalPrefix)
		if len(rest) > ShortIDLen {
			rest = rest[:ShortIDLen]
		}
		return schema.ProvisionalPrefix + rest
	}
	if len(id) > ShortIDLen {
		return id[:ShortIDLen]
	}
	return id
}

// RenderStatus renders a status badge.
func RenderStatus(s schema.Status) string {
	switch s {
	case schema.StatusOpen:
		return "○ " + string(s)
	case schema.StatusInProgress:
		return RenderWarn("◐ in progress")
	case schema.StatusDone:
		return RenderPass("● " + string(s))
	}
	return RenderMuted("? " + string(s))
}

// RenderPriority renders P0 (highest) through P4.
func RenderPriority(p int) string {
	label := fmt.Sprintf("P%d", p)
	switch {
	case p == 0:
		return RenderFail(label)
	case p == 1:
		return RenderWarn(label)
	case p >= 3:
		return RenderMuted(label)
	}
	return label
}

// RenderDue renders a due date relative to now. Open tasks past due are
// highlighted.
func RenderDue(t schema.Task, now time.Time) string {
	if t.DueAt == nil {
		return RenderMuted("-")
	}
	rel := humanize.RelTime(*t.DueAt, now, "ago", "from now")
	if t.Status != schema.StatusDone && t.DueAt.Before(now) {
		return RenderFail("overdue " + rel)
	}
	return rel
}

// RenderConnection renders the connection indicator.
func RenderConnection(st connstate.Status) string {
	switch st.State {
	case connstate.Connected:
		return RenderPass("● live")
	case connstate.Connecting:
		if st.Attempts > 0 {
			return RenderWarn(fmt.Sprintf("◌ reconnecting (attempt %d)", st.Attempts))
		}
		return RenderWarn("◌ connecting")
	case connstate.Error:
		msg := "✗ error"
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		if st.GaveUp {
			msg += " (gave up, press r to retry)"
		}
		return RenderFail(msg)
	}
	return RenderMuted("○ offline")
}

// SyncedAgo renders the last successful sync time.
func SyncedAgo(last, now time.Time) string {
	if last.IsZero() {
		return RenderMuted("never synced")
	}
	return RenderMuted("synced " + humanize.RelTime(last, now, "ago", "from now"))
}

// RenderCounts renders "3 open · 1 in progress · 2 done".
func RenderCounts(counts map[schema.Status]int) string {
	return fmt.Sprintf("%d open · %d in progress · %d done",
		counts[schema.StatusOpen], counts[schema.StatusInProgress], counts[schema.StatusDone])
}

// RenderTaskTable writes tasks as aligned columns.
func RenderTaskTable(w io.Writer, tasks []schema.Task, now time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, RenderMuted("No tasks."))
		return
	}

	header := []string{"ID", "STATUS", "PRI", "TITLE", "DUE", "TAGS"}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			RenderAccent(ShortID(t.ID)),
			RenderStatus(t.Status),
			RenderPriority(t.Priority),
			t.Title,
			RenderDue(t, now),
			RenderMuted(strings.Join(t.Tags, ",")),
		})
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	writeRow := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	bold := make([]string, len(header))
	for i, h := range header {
		bold[i] = RenderBold(h)
	}
	writeRow(bold)
	for _, row := range rows {
		writeRow(row)
	}
}

// RenderTaskDetail writes every field of one task.
func RenderTaskDetail(w io.Writer, t schema.Task, now time.Time) {
	fmt.Fprintf(w, "%s %s\n", RenderAccent(t.ID), RenderBold(t.Title))
	fmt.Fprintf(w, "  Status:    %s\n", RenderStatus(t.Status))
	fmt.Fprintf(w, "  Priority:  %s\n", RenderPriority(t.Priority))
	if t.Description != "" {
		fmt.Fprintf(w, "  About:     %s\n", t.Description)
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(w, "  Tags:      %s\n", strings.Join(t.Tags, ", "))
	}
	if t.DueAt != nil {
		fmt.Fprintf(w, "  Due:       %s (%s)\n", t.DueAt.Local().Format("Mon Jan 2 15:04"), RenderDue(t, now))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", humanize.RelTime(*t.CompletedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, "  Version:   %d, updated %s\n", t.Version, humanize.RelTime(t.UpdatedAt, now, "ago", "from now"))
}
