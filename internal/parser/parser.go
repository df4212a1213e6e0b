// Package parser turns tabular page input into pages.
package parser

import (
	"strings"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Parse groups rows sharing a page URL and page hash into one page, keeping
// pages and PDF links in first-seen order. Rows with a blank page URL are
// skipped. A row with a blank PDF URL still registers its page so that a page
// whose links all disappeared diffs as fully removed.
func Parse(rows []watcher.SourceRow) []watcher.Page {
	index := make(map[string]int)
	seen := make(map[string]map[string]struct{})
	pages := make([]watcher.Page, 0)

	for _, row := range rows {
		pageURL := strings.TrimSpace(row.PageURL)
		if pageURL == "" {
			continue
		}
		hash := strings.TrimSpace(row.PageHash)
		key := pageURL + "\t" + hash

		i, ok := index[key]
		if !ok {
			i = len(pages)
			index[key] = i
			seen[key] = make(map[string]struct{})
			pages = append(pages, watcher.Page{URL: pageURL, Hash: hash})
		}

		pdfURL := strings.TrimSpace(row.PDFURL)
		if pdfURL == "" {
			continue
		}
		if _, dup := seen[key][pdfURL]; dup {
			continue
		}
		seen[key][pdfURL] = struct{}{}
		pages[i].PDFs = append(pages[i].PDFs, watcher.PDFEntry{
			URL:   pdfURL,
			Label: strings.TrimSpace(row.Label),
		})
	}
	return pages
}
