package events

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// LogSink writes events to a structured logger. Progress goes to debug.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ev Event) {
	l := s.logger.With("transfer", ev.TransferID, "direction", ev.Direction.String())
	switch ev.Kind {
	case KindProgress:
		l.Debug("transfer progress",
			"completed", humanize.IBytes(uint64(ev.Completed)),
			"size", humanize.IBytes(uint64(ev.Size)),
			"speed", humanize.IBytes(uint64(ev.Speed))+"/s")
	case KindTempError:
		l.Warn("transfer temporary error", "error", ev.Err)
	case KindComplete:
		l.Info("transfer complete",
			"size", humanize.IBytes(uint64(ev.Size)),
			"mean_speed", humanize.IBytes(uint64(ev.MeanSpeed))+"/s")
	case KindFailed:
		if ev.Retryable {
			l.Warn("transfer failed, will retry", "error", ev.Err, "backoff", ev.Backoff,
				"completed", humanize.IBytes(uint64(ev.Completed)))
			return
		}
		l.Error("transfer failed", "error", ev.Err,
			"completed", humanize.IBytes(uint64(ev.Completed)))
	}
}
