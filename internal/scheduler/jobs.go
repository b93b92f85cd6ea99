package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepwise/internal/store"
)

// ArchivePruneJob deletes archived sessions last updated more than
// retention ago. A non-positive retention disables pruning.
func ArchivePruneJob(archive store.Archive, schedule string, retention time.Duration, logger *slog.Logger) Job {
	return Job{
		Name:     "archive-prune",
		Schedule: schedule,
		Run: func(ctx context.Context, now time.Time) error {
			if retention <= 0 {
				return nil
			}
			n, err := archive.DeleteSessionsBefore(ctx, now.Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 && logger != nil {
				logger.InfoContext(ctx, "pruned archived sessions",
					slog.Int64("count", n),
					slog.Duration("retention", retention),
				)
			}
			return nil
		},
	}
}
