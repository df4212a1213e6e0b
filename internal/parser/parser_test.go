package parser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// TestParseGroupsByPageAndHash aggregates rows into pages in first-seen order.
func TestParseGroupsByPageAndHash(t *testing.T) {
	t.Parallel()

	rows := []watcher.SourceRow{
		{PageURL: "https://a.example", PageHash: "h1", Label: "Annual", PDFURL: "https://a.example/1.pdf"},
		{PageURL: "https://b.example", PageHash: "h2", Label: "B", PDFURL: "https://b.example/1.pdf"},
		{PageURL: " https://a.example ", PageHash: "h1", Label: "Q1", PDFURL: "https://a.example/2.pdf"},
	}

	pages := Parse(rows)

	require.Len(t, pages, 2)
	require.Equal(t, "https://a.example", pages[0].URL)
	require.Equal(t, "h1", pages[0].Hash)
	require.Equal(t, []watcher.PDFEntry{
		{URL: "https://a.example/1.pdf", Label: "Annual"},
		{URL: "https://a.example/2.pdf", Label: "Q1"},
	}, pages[0].PDFs)
	require.Equal(t, "https://b.example", pages[1].URL)
}

// TestParseSkipsBlankPageURL drops rows without a page URL.
func TestParseSkipsBlankPageURL(t *testing.T) {
	t.Parallel()

	pages := Parse([]watcher.SourceRow{
		{PageURL: "", PDFURL: "https://x.example/orphan.pdf"},
		{PageURL: "   ", PDFURL: "https://x.example/orphan2.pdf"},
		{PageURL: "https://c.example", PageHash: "h", PDFURL: "https://c.example/a.pdf"},
	})

	require.Len(t, pages, 1)
	require.Equal(t, "https://c.example", pages[0].URL)
}

// TestParseDifferentHashesAreDifferentPages keys pages by URL and hash.
func TestParseDifferentHashesAreDifferentPages(t *testing.T) {
	t.Parallel()

	pages := Parse([]watcher.SourceRow{
		{PageURL: "https://d.example", PageHash: "old", PDFURL: "https://d.example/a.pdf"},
		{PageURL: "https://d.example", PageHash: "new", PDFURL: "https://d.example/b.pdf"},
	})

	require.Len(t, pages, 2)
}

func TestParseCollapsesDuplicatesAndKeepsEmptyPages(t *testing.T) {
	t.Parallel()

	pages := Parse([]watcher.SourceRow{
		{PageURL: "https://e.example", PageHash: "h", Label: "first", PDFURL: "https://e.example/a.pdf"},
		{PageURL: "https://e.example", PageHash: "h", Label: "second", PDFURL: "https://e.example/a.pdf"},
		{PageURL: "https://f.example", PageHash: "h"},
	})

	require.Len(t, pages, 2)
	require.Equal(t, []watcher.PDFEntry{{URL: "https://e.example/a.pdf", Label: "first"}}, pages[0].PDFs)
	require.Empty(t, pages[1].PDFs)
}

func TestParseEmpty(t *testing.T) {
	t.Parallel()

	require.Empty(t, Parse(nil))
}
