package report

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/pdf-watcher/internal/scheduler"
	"github.com/JakeFAU/pdf-watcher/internal/state"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	return tbl
}

// RenderReport writes the totals of r and its new PDFs as tables.
func RenderReport(w io.Writer, r watcher.RunReport) {
	tbl := newTable(w)
	tbl.SetTitle("Run " + r.RunID)
	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRows([]table.Row{
		{"Outcome", string(r.Outcome)},
		{"User", r.User},
		{"Pages", fmt.Sprintf("%s / %s", humanize.Comma(int64(r.ProcessedPages)), humanize.Comma(int64(r.TotalPages)))},
		{"Pages updated", humanize.Comma(int64(r.UpdatedPages))},
		{"PDFs added", humanize.Comma(int64(r.AddedPDFs))},
		{"Page errors", humanize.Comma(int64(r.PageErrors))},
		{"Batch time", (time.Duration(r.BatchSeconds * float64(time.Second))).Round(time.Millisecond).String()},
	})
	if r.LastError != "" {
		tbl.AppendRow(table.Row{"Last error", r.LastError})
	}
	tbl.Render()

	if len(r.Changes) == 0 {
		return
	}
	changes := newTable(w)
	changes.AppendHeader(table.Row{"Page", "Label", "PDF"})
	for _, c := range r.Changes {
		changes.AppendRow(table.Row{c.PageURL, c.Label, c.PDFURL})
	}
	changes.AppendFooter(table.Row{"", "", fmt.Sprintf("%d new", len(r.Changes))})
	changes.Render()
}

// RenderStatus writes the stored state and the pending continuations. A nil
// state renders as idle.
func RenderStatus(w io.Writer, st *state.State, pending []scheduler.Continuation, now time.Time) {
	tbl := newTable(w)
	tbl.AppendHeader(table.Row{"Field", "Value"})
	if st == nil {
		tbl.AppendRow(table.Row{"Status", string(state.StatusIdle)})
	} else {
		updated := time.UnixMilli(st.LastUpdatedAt)
		tbl.AppendRows([]table.Row{
			{"Status", string(st.Status)},
			{"Run", st.RunID},
			{"User", st.User},
			{"Started", humanize.RelTime(st.StartedTime(), now, "ago", "from now")},
			{"Updated", humanize.RelTime(updated, now, "ago", "from now")},
			{"Group", fmt.Sprintf("%d / %d", min(st.CurrentGroupIndex+1, st.TotalGroups), st.TotalGroups)},
			{"Pages", fmt.Sprintf("%s / %s", humanize.Comma(int64(st.ProcessedPages)), humanize.Comma(int64(st.TotalPages)))},
			{"Pages updated", humanize.Comma(int64(st.Totals.UpdatedPages))},
			{"PDFs added", humanize.Comma(int64(st.Totals.AddedPDFs))},
			{"Errors", fmt.Sprintf("%d / %d", st.ErrorCount, state.MaxConsecutiveErrors)},
		})
		if st.LastError != "" {
			tbl.AppendRow(table.Row{"Last error", st.LastError})
		}
	}
	tbl.Render()

	if len(pending) == 0 {
		return
	}
	cont := newTable(w)
	cont.AppendHeader(table.Row{"Continuation", "Due"})
	for _, c := range pending {
		cont.AppendRow(table.Row{c.Handle, humanize.RelTime(c.DueAt, now, "ago", "from now")})
	}
	cont.Render()
}
