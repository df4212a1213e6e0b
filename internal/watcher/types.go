package watcher

import (
	"errors"
	"time"
)

// ScriptVersion is recorded with every run log row.
const ScriptVersion = "1.0.0"

// MaxErrorMessageLength bounds the error text persisted in run logs.
const MaxErrorMessageLength = 255

// SummaryGenerations is the number of runs kept per page summary.
const SummaryGenerations = 7

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PDFEntry is a single PDF link observed on a page.
type PDFEntry struct {
	URL   string `json:"url" validate:"required"`
	Label string `json:"label"`
}

// Page is one monitored page with the PDF links found on it during this run.
type Page struct {
	URL  string     `json:"url" validate:"required"`
	Hash string     `json:"hash"`
	PDFs []PDFEntry `json:"pdfs" validate:"dive"`
}

// PDFURLs returns the page's PDF URLs in observation order.
func (p Page) PDFURLs() []string {
	urls := make([]string, 0, len(p.PDFs))
	for _, pdf := range p.PDFs {
		urls = append(urls, pdf.URL)
	}
	return urls
}

// Label returns the label recorded for pdfURL, or "" when the page does not link it.
func (p Page) Label(pdfURL string) string {
	for _, pdf := range p.PDFs {
		if pdf.URL == pdfURL {
			return pdf.Label
		}
	}
	return ""
}

// PDFStatus is the presence state of an archived PDF.
type PDFStatus string

// Archive presence states.
const (
	PDFPresent PDFStatus = "present"
	PDFRemoved PDFStatus = "removed"
)

// ArchiveKey identifies an archived PDF.
type ArchiveKey struct {
	PageURL string
	PDFURL  string
}

// PDFRecord is the archived presence record of one PDF on one page.
type PDFRecord struct {
	PageURL   string     `json:"pageUrl"`
	PDFURL    string     `json:"pdfUrl"`
	Label     string     `json:"label"`
	FirstSeen time.Time  `json:"firstSeen"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	Status    PDFStatus  `json:"status"`
}

// Key returns the archive key of the record.
func (r PDFRecord) Key() ArchiveKey {
	return ArchiveKey{PageURL: r.PageURL, PDFURL: r.PDFURL}
}

// DiffResult describes how a page's PDF set changed relative to the archive.
type DiffResult struct {
	PageURL       string   `json:"pageUrl"`
	PageChanged   bool     `json:"pageChanged"`
	PDFSetChanged bool     `json:"pdfSetChanged"`
	AddedURLs     []string `json:"addedUrls"`
	RemovedURLs   []string `json:"removedUrls"`
	AddedCount    int      `json:"addedCount"`
	PageHash      string   `json:"pageHash,omitempty"`
}

// Updated reports whether the page or its PDF set changed.
func (d DiffResult) Updated() bool {
	return d.PageChanged || d.PDFSetChanged
}

// ErrorInfo is a recoverable failure collected while processing a batch.
type ErrorInfo struct {
	PageURL string `json:"pageUrl,omitempty"`
	Message string `json:"message"`
}

// BatchRequest is the input of the batch-diff operation.
type BatchRequest struct {
	Pages          []Page `json:"pages" validate:"required,dive"`
	User           string `json:"user"`
	ArchiveStoreID string `json:"archiveStoreId"`
	RunID          string `json:"runId,omitempty"`
	IsRetry        bool   `json:"isRetry,omitempty"`
}

// BatchResult summarizes one batch-diff call. Results from several calls
// combine with Merge.
type BatchResult struct {
	RunID           string       `json:"runId"`
	ProcessedPages  int          `json:"processedPages"`
	UpdatedPages    int          `json:"updatedPages"`
	AddedPDFs       int          `json:"addedPdfs"`
	DurationSeconds float64      `json:"durationSeconds"`
	Errors          []ErrorInfo  `json:"errors,omitempty"`
	DiffResults     []DiffResult `json:"diffResults,omitempty"`
}

// Merge adds counts and durations and concatenates errors and diff results.
// The receiver's RunID wins unless it is empty.
func (b BatchResult) Merge(other BatchResult) BatchResult {
	out := BatchResult{
		RunID:           b.RunID,
		ProcessedPages:  b.ProcessedPages + other.ProcessedPages,
		UpdatedPages:    b.UpdatedPages + other.UpdatedPages,
		AddedPDFs:       b.AddedPDFs + other.AddedPDFs,
		DurationSeconds: b.DurationSeconds + other.DurationSeconds,
	}
	if out.RunID == "" {
		out.RunID = other.RunID
	}
	if len(b.Errors)+len(other.Errors) > 0 {
		out.Errors = append(append(make([]ErrorInfo, 0, len(b.Errors)+len(other.Errors)), b.Errors...), other.Errors...)
	}
	if len(b.DiffResults)+len(other.DiffResults) > 0 {
		out.DiffResults = append(
			append(make([]DiffResult, 0, len(b.DiffResults)+len(other.DiffResults)), b.DiffResults...),
			other.DiffResults...,
		)
	}
	return out
}

// RunSummary is one generation of a page summary.
type RunSummary struct {
	Date        time.Time `json:"date"`
	PageUpdated bool      `json:"pageUpdated"`
	PDFUpdated  bool      `json:"pdfUpdated"`
	AddedCount  int       `json:"addedCount"`
}

// PageSummary keeps the last SummaryGenerations runs of a page, newest first.
type PageSummary struct {
	PageURL  string       `json:"pageUrl"`
	LastHash string       `json:"lastHash"`
	Runs     []RunSummary `json:"runs"`
}

// PageHistoryEntry is an append-only record of one page's outcome in one run.
type PageHistoryEntry struct {
	RunDate     time.Time `json:"runDate"`
	PageURL     string    `json:"pageUrl"`
	PageUpdated bool      `json:"pageUpdated"`
	PDFUpdated  bool      `json:"pdfUpdated"`
	AddedCount  int       `json:"addedCount"`
	User        string    `json:"user"`
}

// RunResult is the outcome recorded in the run log.
type RunResult string

// Run log outcomes.
const (
	RunSuccess RunResult = "SUCCESS"
	RunError   RunResult = "ERROR"
)

// RunLogEntry is one row of the run log, keyed by ExecID.
type RunLogEntry struct {
	ExecID          string    `json:"execId"`
	Timestamp       time.Time `json:"timestamp"`
	User            string    `json:"user"`
	DurationSeconds float64   `json:"durationSeconds"`
	PagesProcessed  int       `json:"pagesProcessed"`
	PagesUpdated    int       `json:"pagesUpdated"`
	PDFsAdded       int       `json:"pdfsAdded"`
	Result          RunResult `json:"result"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	ScriptVersion   string    `json:"scriptVersion"`
}

// Accumulate folds a repeated log for the same ExecID into the stored row.
// Counts and durations add up; the latest timestamp, result and message win.
func (e RunLogEntry) Accumulate(stored RunLogEntry) RunLogEntry {
	e.DurationSeconds += stored.DurationSeconds
	e.PagesProcessed += stored.PagesProcessed
	e.PagesUpdated += stored.PagesUpdated
	e.PDFsAdded += stored.PDFsAdded
	return e
}

// NewestFirst returns at most limit entries of an append-ordered run log,
// newest first, skipping offset. A non-positive limit returns the rest.
func NewestFirst(entries []RunLogEntry, limit, offset int) []RunLogEntry {
	out := make([]RunLogEntry, 0, len(entries))
	for i := len(entries) - 1 - max(offset, 0); i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, entries[i])
	}
	return out
}

// TruncateError shortens msg to MaxErrorMessageLength runes.
func TruncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLength {
		return msg
	}
	return string(runes[:MaxErrorMessageLength])
}

// Change is a newly detected PDF written to the changes output.
type Change struct {
	PageURL string `json:"pageUrl"`
	Label   string `json:"label"`
	PDFURL  string `json:"pdfUrl"`
}

// ChangesHistoryEntry retains a change row past the end of its run.
type ChangesHistoryEntry struct {
	SavedAt   time.Time `json:"savedAt"`
	RunID     string    `json:"runId"`
	PDFURL    string    `json:"pdfUrl"`
	PageURL   string    `json:"pageUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SourceRow is one row of the tabular page input.
type SourceRow struct {
	PageURL  string
	PageHash string
	Label    string
	PDFURL   string
}

// RunOutcome is how a run ended, as reported to users.
type RunOutcome string

// Reported run outcomes.
const (
	RunCompleted RunOutcome = "completed"
	RunCancelled RunOutcome = "cancelled"
)

// RunReport summarizes a finished run across every invocation.
type RunReport struct {
	RunID          string     `json:"runId"`
	SessionID      string     `json:"sessionId"`
	User           string     `json:"user"`
	Outcome        RunOutcome `json:"outcome"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     time.Time  `json:"finishedAt"`
	TotalPages     int        `json:"totalPages"`
	ProcessedPages int        `json:"processedPages"`
	UpdatedPages   int        `json:"updatedPages"`
	AddedPDFs      int        `json:"addedPdfs"`
	PageErrors     int        `json:"pageErrors"`
	BatchSeconds   float64    `json:"batchSeconds"`
	Changes        []Change   `json:"changes,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}
