package watcher

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestBatchResultMergeSumsCounts verifies counts add up across mini-batches.
func TestBatchResultMergeSumsCounts(t *testing.T) {
	t.Parallel()

	a := BatchResult{RunID: "run-1", ProcessedPages: 5, UpdatedPages: 2, AddedPDFs: 3, DurationSeconds: 1.5}
	b := BatchResult{RunID: "run-1", ProcessedPages: 5, UpdatedPages: 1, AddedPDFs: 0, DurationSeconds: 2}

	got := a.Merge(b)

	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, 10, got.ProcessedPages)
	require.Equal(t, 3, got.UpdatedPages)
	require.Equal(t, 3, got.AddedPDFs)
	require.InDelta(t, 3.5, got.DurationSeconds, 1e-9)
	require.Nil(t, got.Errors)
}

// TestBatchResultMergeConcatenates keeps errors and diff results in call order.
func TestBatchResultMergeConcatenates(t *testing.T) {
	t.Parallel()

	a := BatchResult{
		Errors:      []ErrorInfo{{PageURL: "p1", Message: "boom"}},
		DiffResults: []DiffResult{{PageURL: "p2"}},
	}
	b := BatchResult{
		RunID:       "run-2",
		Errors:      []ErrorInfo{{PageURL: "p3", Message: "bang"}},
		DiffResults: []DiffResult{{PageURL: "p4"}, {PageURL: "p5"}},
	}

	got := a.Merge(b)

	require.Equal(t, "run-2", got.RunID)
	require.Equal(t, []ErrorInfo{{PageURL: "p1", Message: "boom"}, {PageURL: "p3", Message: "bang"}}, got.Errors)
	require.Len(t, got.DiffResults, 3)
	require.Equal(t, "p5", got.DiffResults[2].PageURL)
	require.Len(t, a.DiffResults, 1, "merge must not alias the receiver")
}

func TestRunLogEntryAccumulate(t *testing.T) {
	t.Parallel()

	stored := RunLogEntry{ExecID: "x", DurationSeconds: 2, PagesProcessed: 5, PagesUpdated: 1, PDFsAdded: 2}
	next := RunLogEntry{
		ExecID:          "x",
		Timestamp:       time.Unix(100, 0),
		DurationSeconds: 1,
		PagesProcessed:  5,
		PagesUpdated:    2,
		PDFsAdded:       0,
		Result:          RunError,
		ErrorMessage:    "late failure",
	}

	got := next.Accumulate(stored)

	require.InDelta(t, 3.0, got.DurationSeconds, 1e-9)
	require.Equal(t, 10, got.PagesProcessed)
	require.Equal(t, 3, got.PagesUpdated)
	require.Equal(t, 2, got.PDFsAdded)
	require.Equal(t, RunError, got.Result)
	require.Equal(t, "late failure", got.ErrorMessage)
}

func TestTruncateError(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", TruncateError("short"))
	long := strings.Repeat("é", MaxErrorMessageLength+10)
	require.Len(t, []rune(TruncateError(long)), MaxErrorMessageLength)
}

func TestPageLabelAndURLs(t *testing.T) {
	t.Parallel()

	page := Page{URL: "https://example.com", PDFs: []PDFEntry{{URL: "a.pdf", Label: "A"}, {URL: "b.pdf"}}}
	require.Equal(t, []string{"a.pdf", "b.pdf"}, page.PDFURLs())
	require.Equal(t, "A", page.Label("a.pdf"))
	require.Empty(t, page.Label("missing.pdf"))
}

func TestNewestFirst(t *testing.T) {
	t.Parallel()

	logs := []RunLogEntry{{ExecID: "a"}, {ExecID: "b"}, {ExecID: "c"}, {ExecID: "d"}}
	ids := func(entries []RunLogEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.ExecID)
		}
		return out
	}

	require.Equal(t, []string{"d", "c", "b", "a"}, ids(NewestFirst(logs, 0, 0)))
	require.Equal(t, []string{"c", "b"}, ids(NewestFirst(logs, 2, 1)))
	require.Equal(t, []string{"a"}, ids(NewestFirst(logs, 5, 3)))
	require.Empty(t, NewestFirst(logs, 2, 10))
	require.Empty(t, NewestFirst(nil, 2, 0))
}
