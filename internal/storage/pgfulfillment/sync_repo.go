package pgfulfillment

import (
	"context"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ClaimUnsettled picks fulfillments whose parcel may still change state and
// leases them so a concurrent worker does not pick them again.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimUnsettled(ctx context.Context, providerID string, now time.Time, limit int, lease time.Duration) ([]*models.Fulfillment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+fulfillmentColumns+`
FROM fulfillments
WHERE provider_id = $1
  AND delivered_at IS NULL
  AND canceled_at IS NULL
  AND NOT (metadata ? '`+models.MetaReturnedAt+`')
  AND NOT (metadata ? '`+models.MetaCanceledAt+`')
  AND data ? '`+models.DataParcelID+`'
  AND next_sync_at <= $2
ORDER BY next_sync_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, providerID, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unsettled fulfillments")
	}
	defer rows.Close()

	var picked []*models.Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan unsettled fulfillment")
		}
		picked = append(picked, f)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, f := range picked {
		_, err := tx.Exec(ctx, `UPDATE fulfillments SET next_sync_at = $2 WHERE id = $1`, f.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease fulfillment")
		}
		f.NextSyncAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ScheduleSync sets the next resync time. A failed attempt bumps
// sync_fail_count, a successful one resets it.
func (s *Storage) ScheduleSync(ctx context.Context, id string, nextAt time.Time, failed bool) error {
	_, err := s.db.Exec(ctx, `
UPDATE fulfillments
SET
  next_sync_at = $2,
  sync_fail_count = CASE WHEN $3 THEN sync_fail_count + 1 ELSE 0 END
WHERE id = $1
`, id, nextAt.UTC(), failed)
	return errors.Wrap(err, "schedule sync")
}
