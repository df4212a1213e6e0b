// Package sheet stores every watcher table in a single xlsx workbook, one
// sheet per table with a bold header row. It implements all repository
// interfaces of the watcher package.
package sheet

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/clock/system"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// Sheet names.
const (
	Source         = "Current"
	Changes        = "Changes"
	RunLog         = "RunLog"
	Archive        = "ArchivePDF"
	Summary        = "PageSummary"
	History        = "PageHistory"
	ChangesHistory = "ChangesHistory"
)

// Sheets lists every sheet in workbook order.
var Sheets = []string{Source, Changes, RunLog, Archive, Summary, History, ChangesHistory}

var headers = map[string][]string{
	Source:  {"PageURL", "PageHash", "Label", "PdfURL"},
	Changes: {"PageURL", "Label", "PdfURL"},
	RunLog: {
		"ExecId", "Timestamp", "User", "DurationSeconds", "PagesProcessed",
		"PagesUpdated", "PdfsAdded", "Result", "ErrorMessage", "ScriptVersion",
	},
	Archive:        {"PageURL", "PdfURL", "Label", "FirstSeen", "DeletedAt", "Status"},
	Summary:        summaryHeaders(),
	History:        {"RunDate", "PageURL", "PageUpdated", "PdfUpdated", "AddedCount", "User"},
	ChangesHistory: {"SavedAt", "RunId", "PdfURL", "PageURL", "ExpiresAt"},
}

func summaryHeaders() []string {
	out := []string{"PageURL", "LastHash"}
	for n := 1; n <= watcher.SummaryGenerations; n++ {
		out = append(out,
			fmt.Sprintf("Run-%d Date", n),
			fmt.Sprintf("Run-%d PU", n),
			fmt.Sprintf("Run-%d PFU", n),
			fmt.Sprintf("Run-%d Cnt", n),
		)
	}
	return out
}

// Headers returns a copy of the header row of sheet.
func Headers(sheet string) []string {
	return append([]string(nil), headers[sheet]...)
}

// Workbook is a repository backed by an xlsx file. Every mutation is written
// back to disk before it returns. An empty path keeps the workbook in memory.
type Workbook struct {
	mu     sync.Mutex
	path   string
	file   *excelize.File
	clock  watcher.Clock
	logger *zap.Logger
}

// Open loads the workbook at path, or starts an empty one when the file does
// not exist yet. A nil clock uses the system clock.
func Open(path string, clock watcher.Clock, logger *zap.Logger) (*Workbook, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	var f *excelize.File
	if path == "" {
		f = excelize.NewFile()
	} else {
		var err error
		f, err = excelize.OpenFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Info("workbook not found, creating", zap.String("path", path))
			f = excelize.NewFile()
		case err != nil:
			return nil, fmt.Errorf("open workbook %s: %w", path, err)
		}
	}
	return &Workbook{path: path, file: f, clock: clock, logger: logger}, nil
}

// Close releases the workbook.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close workbook: %w", err)
	}
	return nil
}

// Setup creates every missing sheet, rewrites the bold header rows and drops
// the default empty sheet of a new file.
func (w *Workbook) Setup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, name := range Sheets {
		if err := w.ensureSheet(name); err != nil {
			return err
		}
		if err := w.writeHeader(name); err != nil {
			return err
		}
	}
	if def := "Sheet1"; w.hasSheet(def) {
		rows, err := w.file.GetRows(def)
		if err == nil && len(rows) == 0 {
			if err := w.file.DeleteSheet(def); err != nil {
				return fmt.Errorf("delete default sheet: %w", err)
			}
		}
	}
	if idx, err := w.file.GetSheetIndex(Source); err == nil && idx >= 0 {
		w.file.SetActiveSheet(idx)
	}
	return w.save()
}

// WriteTo writes the encoded workbook to out.
func (w *Workbook) WriteTo(out io.Writer) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.file.WriteTo(out)
	if err != nil {
		return n, fmt.Errorf("encode workbook: %w", err)
	}
	return n, nil
}

func (w *Workbook) hasSheet(name string) bool {
	idx, err := w.file.GetSheetIndex(name)
	return err == nil && idx >= 0
}

func (w *Workbook) ensureSheet(name string) error {
	if w.hasSheet(name) {
		return nil
	}
	if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	return w.writeHeader(name)
}

func (w *Workbook) writeHeader(name string) error {
	cols := headers[name]
	row := make([]any, len(cols))
	for i, c := range cols {
		row[i] = c
	}
	if err := w.file.SetSheetRow(name, "A1", &row); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	style, err := w.file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(cols), 1)
	if err != nil {
		return fmt.Errorf("header range: %w", err)
	}
	if err := w.file.SetCellStyle(name, "A1", last, style); err != nil {
		return fmt.Errorf("style %s header: %w", name, err)
	}
	return nil
}

// rows returns the data rows of sheet padded to the header width.
func (w *Workbook) rows(name string) ([][]string, error) {
	if err := w.ensureSheet(name); err != nil {
		return nil, err
	}
	all, err := w.file.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	if len(all) <= 1 {
		return nil, nil
	}
	width := len(headers[name])
	out := make([][]string, 0, len(all)-1)
	for _, r := range all[1:] {
		if blank(r) {
			continue
		}
		padded := make([]string, width)
		copy(padded, r)
		out = append(out, padded)
	}
	return out, nil
}

// replace rewrites every data row of sheet.
func (w *Workbook) replace(name string, data [][]any) error {
	if err := w.ensureSheet(name); err != nil {
		return err
	}
	all, err := w.file.GetRows(name)
	if err != nil {
		return fmt.Errorf("read sheet %s: %w", name, err)
	}
	if err := w.setRows(name, 2, data); err != nil {
		return err
	}
	for r := len(all); r > len(data)+1; r-- {
		if err := w.file.RemoveRow(name, r); err != nil {
			return fmt.Errorf("trim sheet %s: %w", name, err)
		}
	}
	return nil
}

// appendRows writes data after the last used row of sheet.
func (w *Workbook) appendRows(name string, data [][]any) error {
	if err := w.ensureSheet(name); err != nil {
		return err
	}
	all, err := w.file.GetRows(name)
	if err != nil {
		return fmt.Errorf("read sheet %s: %w", name, err)
	}
	return w.setRows(name, max(len(all), 1)+1, data)
}

func (w *Workbook) setRows(name string, first int, data [][]any) error {
	for i, row := range data {
		cell, err := excelize.CoordinatesToCellName(1, first+i)
		if err != nil {
			return fmt.Errorf("row address: %w", err)
		}
		if err := w.file.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("write sheet %s row %d: %w", name, first+i, err)
		}
	}
	return nil
}

func (w *Workbook) save() error {
	if w.path == "" {
		return nil
	}
	if err := w.file.SaveAs(w.path); err != nil {
		return fmt.Errorf("save workbook %s: %w", w.path, err)
	}
	return nil
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
