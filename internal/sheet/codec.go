package sheet

import (
	"fmt"
	"strconv"
	"time"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Timestamps are stored as RFC 3339 text so they round-trip exactly.
const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, fmt.Errorf("parse int %q: %w", s, err)
		}
		return int(f), nil
	}
	return n, nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("parse bool %q: %w", s, err)
	}
	return b, nil
}

// fieldReader collects the first parse error of a row.
type fieldReader struct {
	err error
}

func (r *fieldReader) timestamp(s string) time.Time {
	t, err := parseTime(s)
	r.keep(err)
	return t
}

func (r *fieldReader) integer(s string) int {
	n, err := parseInt(s)
	r.keep(err)
	return n
}

func (r *fieldReader) number(s string) float64 {
	f, err := parseFloat(s)
	r.keep(err)
	return f
}

func (r *fieldReader) boolean(s string) bool {
	b, err := parseBool(s)
	r.keep(err)
	return b
}

func (r *fieldReader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

func encodeRecord(rec watcher.PDFRecord) []any {
	deleted := ""
	if rec.DeletedAt != nil {
		deleted = formatTime(*rec.DeletedAt)
	}
	return []any{rec.PageURL, rec.PDFURL, rec.Label, formatTime(rec.FirstSeen), deleted, string(rec.Status)}
}

func decodeRecord(row []string) (watcher.PDFRecord, error) {
	var r fieldReader
	rec := watcher.PDFRecord{
		PageURL:   row[0],
		PDFURL:    row[1],
		Label:     row[2],
		FirstSeen: r.timestamp(row[3]),
		Status:    watcher.PDFStatus(row[5]),
	}
	if row[4] != "" {
		deleted := r.timestamp(row[4])
		rec.DeletedAt = &deleted
	}
	return rec, r.err
}

func encodeSummary(s watcher.PageSummary) []any {
	out := make([]any, 0, len(headers[Summary]))
	out = append(out, s.PageURL, s.LastHash)
	for n := range watcher.SummaryGenerations {
		if n >= len(s.Runs) {
			out = append(out, "", "", "", "")
			continue
		}
		run := s.Runs[n]
		out = append(out, formatTime(run.Date), run.PageUpdated, run.PDFUpdated, run.AddedCount)
	}
	return out
}

func decodeSummary(row []string) (watcher.PageSummary, error) {
	var r fieldReader
	s := watcher.PageSummary{PageURL: row[0], LastHash: row[1]}
	for n := range watcher.SummaryGenerations {
		cols := row[2+4*n : 6+4*n]
		if blank(cols) {
			break
		}
		s.Runs = append(s.Runs, watcher.RunSummary{
			Date:        r.timestamp(cols[0]),
			PageUpdated: r.boolean(cols[1]),
			PDFUpdated:  r.boolean(cols[2]),
			AddedCount:  r.integer(cols[3]),
		})
	}
	return s, r.err
}

func encodeHistory(e watcher.PageHistoryEntry) []any {
	return []any{formatTime(e.RunDate), e.PageURL, e.PageUpdated, e.PDFUpdated, e.AddedCount, e.User}
}

func decodeHistory(row []string) (watcher.PageHistoryEntry, error) {
	var r fieldReader
	e := watcher.PageHistoryEntry{
		RunDate:     r.timestamp(row[0]),
		PageURL:     row[1],
		PageUpdated: r.boolean(row[2]),
		PDFUpdated:  r.boolean(row[3]),
		AddedCount:  r.integer(row[4]),
		User:        row[5],
	}
	return e, r.err
}

func encodeRunLog(e watcher.RunLogEntry) []any {
	return []any{
		e.ExecID, formatTime(e.Timestamp), e.User, e.DurationSeconds, e.PagesProcessed,
		e.PagesUpdated, e.PDFsAdded, string(e.Result), e.ErrorMessage, e.ScriptVersion,
	}
}

func decodeRunLog(row []string) (watcher.RunLogEntry, error) {
	var r fieldReader
	e := watcher.RunLogEntry{
		ExecID:          row[0],
		Timestamp:       r.timestamp(row[1]),
		User:            row[2],
		DurationSeconds: r.number(row[3]),
		PagesProcessed:  r.integer(row[4]),
		PagesUpdated:    r.integer(row[5]),
		PDFsAdded:       r.integer(row[6]),
		Result:          watcher.RunResult(row[7]),
		ErrorMessage:    row[8],
		ScriptVersion:   row[9],
	}
	return e, r.err
}

func encodeChange(c watcher.Change) []any {
	return []any{c.PageURL, c.Label, c.PDFURL}
}

func decodeChange(row []string) watcher.Change {
	return watcher.Change{PageURL: row[0], Label: row[1], PDFURL: row[2]}
}

func encodeChangesHistory(e watcher.ChangesHistoryEntry) []any {
	return []any{formatTime(e.SavedAt), e.RunID, e.PDFURL, e.PageURL, formatTime(e.ExpiresAt)}
}

func decodeChangesHistory(row []string) (watcher.ChangesHistoryEntry, error) {
	var r fieldReader
	e := watcher.ChangesHistoryEntry{
		SavedAt:   r.timestamp(row[0]),
		RunID:     row[1],
		PDFURL:    row[2],
		PageURL:   row[3],
		ExpiresAt: r.timestamp(row[4]),
	}
	return e, r.err
}

func decodeSource(row []string) watcher.SourceRow {
	return watcher.SourceRow{PageURL: row[0], PageHash: row[1], Label: row[2], PDFURL: row[3]}
}

func encodeSource(s watcher.SourceRow) []any {
	return []any{s.PageURL, s.PageHash, s.Label, s.PDFURL}
}
