package pgfulfillment

import (
	"context"
	"time"

	"github.com/BearBump/ParcelSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const fulfillmentColumns = `
  id, provider_id, data, metadata,
  shipped_at, delivered_at, canceled_at,
  next_sync_at, sync_fail_count,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFulfillment(row rowScanner) (*models.Fulfillment, error) {
	var f models.Fulfillment
	var data, metadata map[string]any
	if err := row.Scan(
		&f.ID, &f.ProviderID, &data, &metadata,
		&f.ShippedAt, &f.DeliveredAt, &f.CanceledAt,
		&f.NextSyncAt, &f.SyncFailCount,
		&f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	f.Data = data
	f.Metadata = metadata
	return &f, nil
}

// ListByProvider returns every fulfillment of the provider with its labels,
// newest first.
func (s *Storage) ListByProvider(ctx context.Context, providerID string) ([]*models.Fulfillment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+fulfillmentColumns+`
FROM fulfillments
WHERE provider_id = $1
ORDER BY created_at DESC, id
`, providerID)
	if err != nil {
		return nil, errors.Wrap(err, "select fulfillments")
	}
	defer rows.Close()

	var out []*models.Fulfillment
	for rows.Next() {
		f, err := scanFulfillment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan fulfillment")
		}
		out = append(out, f)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := s.loadLabels(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) GetFulfillment(ctx context.Context, id string) (*models.Fulfillment, error) {
	f, err := scanFulfillment(s.db.QueryRow(ctx, `
SELECT`+fulfillmentColumns+`
FROM fulfillments
WHERE id = $1
`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select fulfillment")
	}
	if err := s.loadLabels(ctx, []*models.Fulfillment{f}); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Storage) loadLabels(ctx context.Context, fs []*models.Fulfillment) error {
	if len(fs) == 0 {
		return nil
	}
	byID := make(map[string]*models.Fulfillment, len(fs))
	ids := make([]string, 0, len(fs))
	for _, f := range fs {
		byID[f.ID] = f
		ids = append(ids, f.ID)
	}

	rows, err := s.db.Query(ctx, `
SELECT id, fulfillment_id, tracking_number, tracking_url, label_url, created_at
FROM fulfillment_labels
WHERE fulfillment_id = ANY($1)
ORDER BY id
`, ids)
	if err != nil {
		return errors.Wrap(err, "select labels")
	}
	defer rows.Close()

	for rows.Next() {
		var l models.FulfillmentLabel
		if err := rows.Scan(&l.ID, &l.FulfillmentID, &l.TrackingNumber, &l.TrackingURL, &l.LabelURL, &l.CreatedAt); err != nil {
			return errors.Wrap(err, "scan label")
		}
		if f, ok := byID[l.FulfillmentID]; ok {
			f.Labels = append(f.Labels, &l)
		}
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}

func (s *Storage) CreateFulfillment(ctx context.Context, in models.FulfillmentCreateInput) (*models.Fulfillment, error) {
	if in.ProviderID == "" {
		return nil, errors.New("provider id is required")
	}
	id := in.ID
	if id == "" {
		id = "ful_" + uuid.NewString()
	}
	data := in.Data
	if data == nil {
		data = map[string]any{}
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO fulfillments (id, provider_id, data, metadata, next_sync_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5, $5)
`, id, in.ProviderID, data, metadata, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert fulfillment")
	}

	for _, l := range in.Labels {
		_, err := tx.Exec(ctx, `
INSERT INTO fulfillment_labels (fulfillment_id, tracking_number, tracking_url, label_url, created_at)
VALUES ($1, $2, $3, $4, $5)
`, id, l.TrackingNumber, l.TrackingURL, l.LabelURL, now)
		if err != nil {
			return nil, errors.Wrap(err, "insert label")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetFulfillment(ctx, id)
}

// MarkShipped sets shipped_at once and merges metadata. It never touches a
// fulfillment that is already delivered.
func (s *Storage) MarkShipped(ctx context.Context, id string, shippedAt time.Time, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE fulfillments
SET
  shipped_at = COALESCE(shipped_at, $2),
  metadata = metadata || $3::jsonb,
  updated_at = now()
WHERE id = $1
  AND delivered_at IS NULL
`, id, shippedAt.UTC(), metadata)
	if err != nil {
		return errors.Wrap(err, "mark shipped")
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

func (s *Storage) MarkDelivered(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE fulfillments
SET
  delivered_at = now(),
  updated_at = now()
WHERE id = $1
  AND delivered_at IS NULL
  AND canceled_at IS NULL
`, id)
	if err != nil {
		return errors.Wrap(err, "mark delivered")
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id)
	}
	return nil
}

// UpdateMetadata merges the patch into the stored metadata.
func (s *Storage) UpdateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE fulfillments
SET
  metadata = metadata || $2::jsonb,
  updated_at = now()
WHERE id = $1
`, id, metadata)
	if err != nil {
		return errors.Wrap(err, "update metadata")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// transitionError explains why a guarded transition touched no row.
func (s *Storage) transitionError(ctx context.Context, id string) error {
	var delivered, canceled bool
	err := s.db.QueryRow(ctx, `
SELECT delivered_at IS NOT NULL, canceled_at IS NOT NULL
FROM fulfillments
WHERE id = $1
`, id).Scan(&delivered, &canceled)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "select fulfillment state")
	}
	switch {
	case delivered:
		return ErrAlreadyDelivered
	case canceled:
		return ErrCanceled
	default:
		return errors.New("fulfillment transition not applied")
	}
}
