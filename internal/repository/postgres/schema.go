package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatches (
	dispatch_id         TEXT PRIMARY KEY,
	correlation_id      TEXT NOT NULL DEFAULT '',
	service_name        TEXT NOT NULL DEFAULT '',
	recipient_client_id TEXT NOT NULL,
	sender_client_id    TEXT,
	notification_type   TEXT NOT NULL,
	content_key         TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'received',
	retry_count         INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
	triggers_at         TIMESTAMPTZ,
	failure_reason      TEXT,
	payload             JSONB,
	provider            TEXT,
	provider_id         TEXT,
	sent_content        TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dispatches_recipient_status
	ON dispatches (recipient_client_id, status) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_dispatches_sender_status
	ON dispatches (sender_client_id, status) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_dispatches_overdue
	ON dispatches (triggers_at) WHERE status = 'received' AND deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_dispatches_acquired
	ON dispatches (updated_at) WHERE status = 'acquired' AND deleted_at IS NULL;
`

// Migrate creates the dispatch schema if it does not exist.
func (r *BaseRepository) Migrate(ctx context.Context) error {
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to migrate dispatch schema: %w", err)
	}
	return nil
}
