package pgfulfillment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS fulfillments (
  id TEXT PRIMARY KEY,
  provider_id TEXT NOT NULL,
  data JSONB NOT NULL DEFAULT '{}'::jsonb,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  shipped_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  canceled_at TIMESTAMPTZ NULL,
  next_sync_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  sync_fail_count INT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_provider_id ON fulfillments(provider_id)`,
		`
CREATE INDEX IF NOT EXISTS idx_fulfillments_unsettled_next_sync
  ON fulfillments(provider_id, next_sync_at)
  WHERE delivered_at IS NULL AND canceled_at IS NULL`,
		`
CREATE TABLE IF NOT EXISTS fulfillment_labels (
  id BIGSERIAL PRIMARY KEY,
  fulfillment_id TEXT NOT NULL REFERENCES fulfillments(id) ON DELETE CASCADE,
  tracking_number TEXT NOT NULL DEFAULT '',
  tracking_url TEXT NOT NULL DEFAULT '',
  label_url TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillment_labels_fulfillment_id ON fulfillment_labels(fulfillment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillment_labels_tracking_number ON fulfillment_labels(tracking_number)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
