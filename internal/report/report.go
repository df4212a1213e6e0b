// Package report delivers user-visible run notices: a log line, a published
// notice and, for completed runs, an exported copy of the workbook.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/clock/system"
	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "pdf-watcher-runs"

// Kind identifies a notice.
type Kind string

// Notice kinds.
const (
	KindRunCompleted Kind = "run_completed"
	KindRunCancelled Kind = "run_cancelled"
	KindLockBusy     Kind = "lock_busy"
)

// Notice is the published payload.
type Notice struct {
	Kind      Kind               `json:"kind"`
	At        time.Time          `json:"at"`
	User      string             `json:"user,omitempty"`
	Message   string             `json:"message"`
	Report    *watcher.RunReport `json:"report,omitempty"`
	ExportURI string             `json:"exportUri,omitempty"`
}

// Attributes implements watcher.Attributed.
func (n Notice) Attributes() map[string]string {
	attrs := map[string]string{"kind": string(n.Kind)}
	if n.Report != nil {
		attrs["run_id"] = n.Report.RunID
	}
	return attrs
}

// Config controls where notices and exports go.
type Config struct {
	Topic        string `mapstructure:"topic"`
	ExportPrefix string `mapstructure:"export_prefix"`
}

// Deps are the optional collaborators of a Notifier. Without a Publisher
// notices are only logged; without Blobs or Export nothing is exported.
type Deps struct {
	Publisher watcher.Publisher
	Blobs     watcher.BlobStore
	Export    io.WriterTo
	Clock     watcher.Clock
	Logger    *zap.Logger
}

// Notifier implements the orchestrator's Reporter.
type Notifier struct {
	cfg       Config
	publisher watcher.Publisher
	blobs     watcher.BlobStore
	export    io.WriterTo
	clock     watcher.Clock
	logger    *zap.Logger
}

// New constructs a Notifier.
func New(cfg Config, deps Deps) *Notifier {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Notifier{
		cfg:       cfg,
		publisher: deps.Publisher,
		blobs:     deps.Blobs,
		export:    deps.Export,
		clock:     deps.Clock,
		logger:    deps.Logger.Named("report"),
	}
}

// RunCompleted logs the summary, exports the workbook and publishes the report.
func (n *Notifier) RunCompleted(ctx context.Context, r watcher.RunReport) error {
	notice := Notice{
		Kind:    KindRunCompleted,
		At:      n.clock.Now(),
		User:    r.User,
		Message: Summary(r),
		Report:  &r,
	}
	n.logger.Info(notice.Message,
		zap.String("run_id", r.RunID),
		zap.Int("pages_processed", r.ProcessedPages),
		zap.Int("pages_updated", r.UpdatedPages),
		zap.Int("pdfs_added", r.AddedPDFs),
		zap.Int("changes", len(r.Changes)),
	)
	uri, err := n.exportWorkbook(ctx, r.RunID)
	if err != nil {
		n.logger.Warn("workbook export failed", zap.String("run_id", r.RunID), zap.Error(err))
	}
	notice.ExportURI = uri
	return n.publish(ctx, notice)
}

// RunCancelled logs and publishes an alert.
func (n *Notifier) RunCancelled(ctx context.Context, r watcher.RunReport) error {
	notice := Notice{
		Kind:    KindRunCancelled,
		At:      n.clock.Now(),
		User:    r.User,
		Message: Summary(r),
		Report:  &r,
	}
	n.logger.Warn(notice.Message, zap.String("run_id", r.RunID), zap.String("last_error", r.LastError))
	return n.publish(ctx, notice)
}

// LockBusy tells user another run is active.
func (n *Notifier) LockBusy(ctx context.Context, user string) error {
	notice := Notice{
		Kind:    KindLockBusy,
		At:      n.clock.Now(),
		User:    user,
		Message: "another run is in progress, try again later",
	}
	n.logger.Info(notice.Message, zap.String("user", user))
	return n.publish(ctx, notice)
}

func (n *Notifier) publish(ctx context.Context, notice Notice) error {
	if n.publisher == nil {
		return nil
	}
	id, err := n.publisher.Publish(ctx, n.cfg.Topic, notice)
	if err != nil {
		return fmt.Errorf("publish %s: %w", notice.Kind, err)
	}
	n.logger.Debug("notice published", zap.String("kind", string(notice.Kind)), zap.String("message_id", id))
	return nil
}

func (n *Notifier) exportWorkbook(ctx context.Context, runID string) (string, error) {
	if n.blobs == nil || n.export == nil {
		return "", nil
	}
	var buf bytes.Buffer
	size, err := n.export.WriteTo(&buf)
	if err != nil {
		return "", fmt.Errorf("encode workbook: %w", err)
	}
	name := ExportName(n.cfg.ExportPrefix, runID, n.clock.Now())
	uri, err := n.blobs.PutObject(ctx, name, XLSXContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	n.logger.Info("workbook exported", zap.String("uri", uri), zap.String("size", humanize.Bytes(uint64(size))))
	return uri, nil
}

// XLSXContentType is the media type of exported workbooks.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ExportName is the object name of a run's workbook export.
func ExportName(prefix, runID string, at time.Time) string {
	name := fmt.Sprintf("%s-%s.xlsx", at.UTC().Format("20060102T150405Z"), runID)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		return prefix + "/" + name
	}
	return name
}

// Summary is the one-line description of a finished run.
func Summary(r watcher.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s %s: %s of %s pages processed, %s updated, %s PDFs added",
		r.RunID, r.Outcome,
		humanize.Comma(int64(r.ProcessedPages)),
		humanize.Comma(int64(r.TotalPages)),
		humanize.Comma(int64(r.UpdatedPages)),
		humanize.Comma(int64(r.AddedPDFs)),
	)
	if !r.StartedAt.IsZero() && r.FinishedAt.After(r.StartedAt) {
		fmt.Fprintf(&b, " in %s", strings.TrimSpace(humanize.RelTime(r.StartedAt, r.FinishedAt, "", "")))
	}
	if r.PageErrors > 0 {
		fmt.Fprintf(&b, " (%s page errors)", humanize.Comma(int64(r.PageErrors)))
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, ": %s", r.LastError)
	}
	return b.String()
}
