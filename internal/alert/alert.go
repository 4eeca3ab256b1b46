// Package alert notifies operators when the processor and the database
// disagree about a schedule.
package alert

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Divergence is a remote mutation (subscription created or cancelled,
// charge executed) whose local record could not be written.
type Divergence struct {
	Operation  string
	ScheduleID string
	RemoteRef  string
	Err        error
	OccurredAt time.Time
}

type Notifier interface {
	NotifyDivergence(ctx context.Context, d Divergence) error
}

// LogNotifier only logs. Every notifier logs; this one stops there.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("alert")}
}

func (n *LogNotifier) NotifyDivergence(_ context.Context, d Divergence) error {
	logDivergence(n.log, d)
	return nil
}

func logDivergence(log *zap.Logger, d Divergence) {
	log.Error("remote state diverged from database",
		zap.Bool("divergence", true),
		zap.String("operation", d.Operation),
		zap.String("schedule_id", d.ScheduleID),
		zap.String("remote_ref", d.RemoteRef),
		zap.Time("occurred_at", d.OccurredAt),
		zap.Error(d.Err),
	)
}
