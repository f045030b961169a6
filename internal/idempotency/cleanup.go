package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/custodyledger/internal/jobs"
)

// DefaultExpiry is the default duration after which idempotency keys expire.
const DefaultExpiry = 24 * time.Hour

// DefaultCleanupInterval is how often expired keys are purged.
const DefaultCleanupInterval = time.Hour

// CleanupOldKeys removes idempotency keys older than the specified duration.
// Returns the number of keys deleted and any error encountered. metrics may be nil.
func CleanupOldKeys(ctx context.Context, repo Repository, expiry time.Duration, metrics jobs.Reporter) (int64, error) {
	start := time.Now()
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		jobs.Report(metrics, jobs.JobTypeIdempotencyPurge, time.Since(start), "store_error")
		slog.ErrorContext(ctx, "idempotency purge failed", "error", err)
		return 0, err
	}
	jobs.Report(metrics, jobs.JobTypeIdempotencyPurge, time.Since(start))
	if deleted > 0 {
		slog.InfoContext(ctx, "purged expired idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs the cleanup job periodically at the specified interval.
// It blocks until ctx is cancelled and should be run in a goroutine.
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go idempotency.RunPeriodicCleanup(ctx, repo, time.Hour, idempotency.DefaultExpiry, jobMetrics)
//	// ... later when shutting down
//	cancel()
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, expiry time.Duration, metrics jobs.Reporter) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	_, _ = CleanupOldKeys(ctx, repo, expiry, metrics)

	for {
		select {
		case <-ticker.C:
			_, _ = CleanupOldKeys(ctx, repo, expiry, metrics)
		case <-ctx.Done():
			slog.Info("stopping periodic idempotency cleanup")
			return
		}
	}
}
