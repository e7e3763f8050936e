package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

const dispatchColumns = `dispatch_id, correlation_id, service_name, recipient_client_id, sender_client_id,
	notification_type, content_key, status, retry_count, triggers_at, failure_reason, payload,
	provider, provider_id, sent_content, created_at, updated_at`

type dispatchRepository struct {
	BaseRepository
}

func NewDispatchRepository(base BaseRepository) repository.DispatchRepository {
	return &dispatchRepository{base}
}

func (r *dispatchRepository) Upsert(ctx context.Context, d *model.Dispatch) (*model.Dispatch, error) {
	if d == nil || d.DispatchID == "" {
		return nil, fmt.Errorf("dispatch id cannot be empty")
	}

	query := `
		INSERT INTO dispatches (
			dispatch_id, correlation_id, service_name, recipient_client_id, sender_client_id,
			notification_type, content_key, status, retry_count, triggers_at, payload,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, 'received', 0, $8, $9, NOW(), NOW()
		)
		ON CONFLICT (dispatch_id) DO UPDATE SET
			correlation_id = COALESCE(NULLIF(EXCLUDED.correlation_id, ''), dispatches.correlation_id),
			service_name = COALESCE(NULLIF(EXCLUDED.service_name, ''), dispatches.service_name),
			recipient_client_id = COALESCE(NULLIF(EXCLUDED.recipient_client_id, ''), dispatches.recipient_client_id),
			sender_client_id = COALESCE(EXCLUDED.sender_client_id, dispatches.sender_client_id),
			notification_type = COALESCE(NULLIF(EXCLUDED.notification_type, ''), dispatches.notification_type),
			content_key = COALESCE(NULLIF(EXCLUDED.content_key, ''), dispatches.content_key),
			triggers_at = COALESCE(EXCLUDED.triggers_at, dispatches.triggers_at),
			payload = COALESCE(dispatches.payload, '{}'::jsonb) || COALESCE(EXCLUDED.payload, '{}'::jsonb),
			updated_at = NOW()
		WHERE dispatches.status IN ('received', 'acquired')
		AND dispatches.deleted_at IS NULL
		RETURNING ` + dispatchColumns

	var out model.Dispatch
	err := r.db.QueryRowxContext(ctx, query,
		d.DispatchID,
		d.CorrelationID,
		d.ServiceName,
		d.RecipientClientID,
		d.SenderClientID,
		string(d.NotificationType),
		string(d.ContentKey),
		d.TriggersAt,
		d.Payload.Merge(nil),
	).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		// The record is terminal or deleted; the merge is a no-op.
		return r.get(ctx, d.DispatchID, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert dispatch: %w", err)
	}
	return &out, nil
}

func (r *dispatchRepository) Transition(ctx context.Context, dispatchID string, target model.DispatchStatus, fields model.TransitionFields) (*model.Dispatch, error) {
	allowed := model.AllowedFrom(target)
	if len(allowed) == 0 {
		return nil, fmt.Errorf("%w: no transition into %s", model.ErrInvalidTransition, target)
	}

	var provider, providerID, content *string
	if res := fields.Result; res != nil {
		p := string(res.Provider)
		provider, providerID, content = &p, &res.ID, &res.Content
	}

	query := `
		UPDATE dispatches
		SET status = $2,
			failure_reason = COALESCE($3, failure_reason),
			provider = COALESCE($4, provider),
			provider_id = COALESCE($5, provider_id),
			sent_content = COALESCE($6, sent_content),
			updated_at = NOW()
		WHERE dispatch_id = $1
		AND status = ANY($7)
		AND deleted_at IS NULL
		RETURNING ` + dispatchColumns

	var out model.Dispatch
	err := r.db.QueryRowxContext(ctx, query,
		dispatchID,
		string(target),
		fields.FailureReason,
		provider,
		providerID,
		content,
		pq.Array(statusStrings(allowed)),
	).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.rejectedTransition(ctx, dispatchID, target)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition dispatch: %w", err)
	}
	return &out, nil
}

func (r *dispatchRepository) IncrementRetry(ctx context.Context, dispatchID string, reason string) (*model.Dispatch, error) {
	query := `
		UPDATE dispatches
		SET retry_count = retry_count + 1,
			failure_reason = $2,
			updated_at = NOW()
		WHERE dispatch_id = $1
		AND status = 'acquired'
		AND deleted_at IS NULL
		RETURNING ` + dispatchColumns

	var out model.Dispatch
	err := r.db.QueryRowxContext(ctx, query, dispatchID, reason).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.rejectedTransition(ctx, dispatchID, model.DispatchStatusAcquired)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return &out, nil
}

func (r *dispatchRepository) Release(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	query := `
		UPDATE dispatches
		SET status = 'received', updated_at = NOW()
		WHERE dispatch_id = $1
		AND status = 'acquired'
		AND deleted_at IS NULL
		RETURNING ` + dispatchColumns

	var out model.Dispatch
	err := r.db.QueryRowxContext(ctx, query, dispatchID).StructScan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.rejectedTransition(ctx, dispatchID, model.DispatchStatusReceived)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release dispatch: %w", err)
	}
	return &out, nil
}

func (r *dispatchRepository) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE dispatches
		SET status = 'received', updated_at = NOW()
		WHERE status = 'acquired'
		AND updated_at < $1
		AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale dispatches: %w", err)
	}
	return result.RowsAffected()
}

func (r *dispatchRepository) rejectedTransition(ctx context.Context, dispatchID string, target model.DispatchStatus) error {
	current, err := r.get(ctx, dispatchID, false)
	if err != nil {
		return err
	}
	return model.TransitionError(dispatchID, current.Status, target)
}

func (r *dispatchRepository) Get(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	return r.get(ctx, dispatchID, false)
}

func (r *dispatchRepository) get(ctx context.Context, dispatchID string, includeDeleted bool) (*model.Dispatch, error) {
	query := `SELECT ` + dispatchColumns + ` FROM dispatches WHERE dispatch_id = $1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}

	var out model.Dispatch
	err := r.db.GetContext(ctx, &out, query, dispatchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, dispatchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch: %w", err)
	}
	return &out, nil
}

func (r *dispatchRepository) Find(ctx context.Context, filter model.DispatchFilter) ([]*model.Dispatch, error) {
	conditions := []string{"deleted_at IS NULL"}
	var args []interface{}

	if filter.SenderClientID != "" {
		args = append(args, filter.SenderClientID)
		conditions = append(conditions, fmt.Sprintf("sender_client_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + dispatchColumns + ` FROM dispatches WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC`

	var dispatches []*model.Dispatch
	if err := r.db.SelectContext(ctx, &dispatches, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find dispatches: %w", err)
	}
	return dispatches, nil
}

func (r *dispatchRepository) ReassignSender(ctx context.Context, recipientClientID, newSenderClientID string, now time.Time) (int64, error) {
	query := `
		UPDATE dispatches
		SET sender_client_id = $2, updated_at = NOW()
		WHERE recipient_client_id = $1
		AND status = 'received'
		AND triggers_at > $3
		AND sender_client_id IS NOT NULL
		AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, recipientClientID, newSenderClientID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign sender: %w", err)
	}
	return result.RowsAffected()
}

func (r *dispatchRepository) CancelAllFor(ctx context.Context, clientID string) ([]*model.Dispatch, error) {
	query := `
		UPDATE dispatches
		SET status = 'canceled', updated_at = NOW()
		WHERE recipient_client_id = $1
		AND status IN ('received', 'acquired')
		AND deleted_at IS NULL
		RETURNING ` + dispatchColumns

	var canceled []*model.Dispatch
	if err := r.db.SelectContext(ctx, &canceled, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to cancel dispatches: %w", err)
	}
	return canceled, nil
}

func (r *dispatchRepository) SoftDeleteAllFor(ctx context.Context, clientID string) (int64, error) {
	query := `
		UPDATE dispatches
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE recipient_client_id = $1
		AND deleted_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dispatches: %w", err)
	}
	return result.RowsAffected()
}

func (r *dispatchRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.Dispatch, error) {
	query := `
		SELECT ` + dispatchColumns + `
		FROM dispatches
		WHERE status = 'received'
		AND (triggers_at IS NULL OR triggers_at <= $1)
		AND deleted_at IS NULL
		ORDER BY triggers_at ASC NULLS FIRST
		LIMIT $2
	`
	var overdue []*model.Dispatch
	if err := r.db.SelectContext(ctx, &overdue, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to find overdue dispatches: %w", err)
	}
	return overdue, nil
}

func statusStrings(statuses []model.DispatchStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
