package eventlog

import (
	"context"
	"fmt"
	"time"

	"agentworks/pkg/logging"
	"agentworks/pkg/redis"
)

const cleanupInterval = 60 * time.Second

// CleanupJob prunes hub_events on a fixed tick. It runs two independent
// passes per tick: a retention pass deleting rows past the TTL and a size
// pass trimming the oldest rows above MaxRows. A failure in one pass does
// not skip the other.
type CleanupJob struct {
	store  *Store
	lease  *redis.Lease
	logger logging.Entry
}

// NewCleanupJob creates the job. lease may be built on a nil Redis client,
// in which case acquisition always succeeds (single-process mode).
func NewCleanupJob(store *Store, lease *redis.Lease, logger logging.Logger) *CleanupJob {
	return &CleanupJob{
		store:  store,
		lease:  lease,
		logger: logging.WithComponent(logger, "eventlog-cleanup"),
	}
}

// Run blocks until ctx is cancelled, pruning every minute while holding the
// cluster lease.
func (j *CleanupJob) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := j.lease.Acquire(ctx)
			if err != nil {
				j.logger.WithError(err).Warn("Cleanup lease check failed")
				continue
			}
			if !ok {
				continue
			}
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cleanup tick.
func (j *CleanupJob) RunOnce(ctx context.Context) {
	deleted, err := j.store.pruneByAge(ctx)
	if err != nil {
		j.logger.WithError(err).Error("Retention pass failed")
	} else if deleted > 0 {
		j.logger.WithField("deleted", deleted).Info("Pruned expired hub events")
	}

	trimmed, err := j.store.pruneBySize(ctx)
	if err != nil {
		j.logger.WithError(err).Error("Size pass failed")
	} else if trimmed > 0 {
		j.logger.WithField("deleted", trimmed).Info("Trimmed hub events over row cap")
	}
}

// pruneByAge deletes rows older than RetentionHours in batches, bounded by
// MaxDeletePerRun per tick.
func (s *Store) pruneByAge(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)

	var total int64
	for total < int64(s.cfg.MaxDeletePerRun) {
		batch := s.cfg.DeleteBatchSize
		if remaining := int64(s.cfg.MaxDeletePerRun) - total; int64(batch) > remaining {
			batch = int(remaining)
		}

		const del = `
DELETE FROM hub_events WHERE id IN (
	SELECT id FROM hub_events WHERE created_at < $1
	ORDER BY created_at ASC LIMIT $2
)`
		res, err := s.db.ExecContext(ctx, del, cutoff, batch)
		if err != nil {
			return total, fmt.Errorf("retention delete batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("retention delete batch: %w", err)
		}
		total += n
		if n < int64(batch) {
			break
		}
	}
	return total, nil
}

// pruneBySize trims the oldest rows while the table exceeds MaxRows, bounded
// by MaxDeletePerRun per tick.
func (s *Store) pruneBySize(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hub_events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count hub events: %w", err)
	}

	excess := count - int64(s.cfg.MaxRows)
	if excess <= 0 {
		return 0, nil
	}
	if excess > int64(s.cfg.MaxDeletePerRun) {
		excess = int64(s.cfg.MaxDeletePerRun)
	}

	var total int64
	for total < excess {
		batch := int64(s.cfg.DeleteBatchSize)
		if remaining := excess - total; batch > remaining {
			batch = remaining
		}

		const del = `
DELETE FROM hub_events WHERE id IN (
	SELECT id FROM hub_events
	ORDER BY cursor_timestamp ASC, cursor_sequence ASC LIMIT $1
)`
		res, err := s.db.ExecContext(ctx, del, batch)
		if err != nil {
			return total, fmt.Errorf("size delete batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("size delete batch: %w", err)
		}
		total += n
		if n < batch {
			break
		}
	}
	return total, nil
}
