package repo

import (
	"context"
	"time"
)

// MarkUpdateProcessed records an inbound update id. It reports whether the
// id was already recorded, which makes redelivered updates safe to drop.
func (r Repo) MarkUpdateProcessed(ctx context.Context, updateID int64, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO processed_updates(update_id,processed_at) VALUES (?,?)`,
		updateID, now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// PruneProcessedUpdates drops dedup rows older than the cutoff.
func (r Repo) PruneProcessedUpdates(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM processed_updates WHERE processed_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
