// Package archive implements the presence-tracking merge applied to archived
// PDF records. Storage backends call Apply and persist the returned rows.
package archive

import (
	"time"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Merge folds an incoming observation into a stored record.
//   - FirstSeen is never overwritten.
//   - DeletedAt is set to now on a present to removed transition and cleared
//     on removed to present; otherwise the stored value is kept.
//   - A blank incoming label keeps the stored label.
func Merge(stored, incoming watcher.PDFRecord, now time.Time) watcher.PDFRecord {
	out := stored
	status := normalizeStatus(incoming.Status)
	prev := normalizeStatus(stored.Status)

	switch {
	case prev == watcher.PDFPresent && status == watcher.PDFRemoved:
		deleted := now
		out.DeletedAt = &deleted
	case prev == watcher.PDFRemoved && status == watcher.PDFPresent:
		out.DeletedAt = nil
	}
	out.Status = status
	if incoming.Label != "" {
		out.Label = incoming.Label
	}
	return out
}

// Insert builds the stored form of a record whose key is not archived yet.
func Insert(incoming watcher.PDFRecord, now time.Time) watcher.PDFRecord {
	out := incoming
	out.Status = normalizeStatus(incoming.Status)
	out.DeletedAt = nil
	if out.FirstSeen.IsZero() {
		out.FirstSeen = now
	}
	return out
}

// Apply upserts incoming into rows keyed by (page URL, PDF URL). Existing rows
// keep their position and new keys are appended in incoming order. The input
// slice is not modified.
func Apply(rows, incoming []watcher.PDFRecord, now time.Time) []watcher.PDFRecord {
	out := append([]watcher.PDFRecord(nil), rows...)
	index := make(map[watcher.ArchiveKey]int, len(out))
	for i, row := range out {
		index[row.Key()] = i
	}
	for _, rec := range incoming {
		if i, ok := index[rec.Key()]; ok {
			out[i] = Merge(out[i], rec, now)
			continue
		}
		index[rec.Key()] = len(out)
		out = append(out, Insert(rec, now))
	}
	return out
}

func normalizeStatus(s watcher.PDFStatus) watcher.PDFStatus {
	if s == watcher.PDFRemoved {
		return watcher.PDFRemoved
	}
	return watcher.PDFPresent
}
