package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job names.
const (
	JobAttachmentRetention = "attachment-retention"
	JobTempSweep           = "temp-sweep"
)

// AttachmentSweeper expires staged attachments. Implemented by media.Handler.
type AttachmentSweeper interface {
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)
	SweepTemp(maxAge time.Duration) (int, error)
}

// AttachmentRetentionJob deletes attachments older than retention.
func AttachmentRetentionJob(sweeper AttachmentSweeper, schedule string, retention time.Duration, logger *slog.Logger) Job {
	return Job{
		Name:     JobAttachmentRetention,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := sweeper.SweepExpired(ctx, time.Now().Add(-retention))
			if n > 0 && logger != nil {
				logger.Info("expired attachments removed", "count", n)
			}
			return err
		},
	}
}

// TempSweepJob removes download leftovers older than maxAge. Leftovers only
// exist when a stage was interrupted mid-download.
func TempSweepJob(sweeper AttachmentSweeper, schedule string, maxAge time.Duration, logger *slog.Logger) Job {
	return Job{
		Name:     JobTempSweep,
		Schedule: schedule,
		Run: func(context.Context) error {
			n, err := sweeper.SweepTemp(maxAge)
			if n > 0 && logger != nil {
				logger.Info("stale temp files removed", "count", n)
			}
			return err
		},
	}
}
