package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pdf-watcher/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Batch failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Int("group", evt.Group),
			zap.Duration("dur", evt.Dur),
		}
		switch evt.Stage {
		case progress.StageBatchDone, progress.StageBatchError:
			fields = append(fields,
				zap.Int("mini_batch", evt.MiniBatch),
				zap.Int("pages", evt.Pages),
				zap.Int("updated", evt.Updated),
				zap.Int("added_pdfs", evt.AddedPDFs),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageBatchError {
			s.logger.Warn("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
