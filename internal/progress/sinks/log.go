package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/starred-export/internal/progress"
)

// LogSink writes every event as a structured log line.
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

// Consume logs each event in the batch. Fields that are unset for the stage
// are omitted.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Owner != "" {
			fields = append(fields, zap.String("owner", evt.Owner))
		}
		if evt.ItemID != 0 {
			fields = append(fields, zap.Int64("item_id", evt.ItemID), zap.String("result", string(evt.Result)))
		}
		if evt.Stage == progress.StageJobEnumerated {
			fields = append(fields, zap.Int("items", evt.Items))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
