package repository

import (
	"context"
	"time"

	"github.com/jwalitptl/iris/internal/model"
)

// All repository interfaces in one file
type (
	// DispatchRepository persists dispatches and owns their status changes.
	// Every status change is a single conditional update so concurrent
	// delivery paths cannot both win.
	DispatchRepository interface {
		// Upsert merges the non-empty fields of d into the record for
		// d.DispatchID, creating it as received with zero retries. Terminal
		// records are returned unchanged.
		Upsert(ctx context.Context, d *model.Dispatch) (*model.Dispatch, error)
		// Transition moves a dispatch to target if its current status allows
		// it. It returns model.ErrNotFound or a transition error otherwise.
		Transition(ctx context.Context, dispatchID string, target model.DispatchStatus, fields model.TransitionFields) (*model.Dispatch, error)
		// IncrementRetry bumps the retry counter of an acquired dispatch and
		// records the failure that caused it.
		IncrementRetry(ctx context.Context, dispatchID string, reason string) (*model.Dispatch, error)
		// Release hands an acquired dispatch back to received, keeping its
		// retry count, so a later sweep resumes the delivery.
		Release(ctx context.Context, dispatchID string) (*model.Dispatch, error)
		// ReleaseStale releases acquired dispatches last updated before
		// cutoff. Their owner is presumed dead.
		ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)
		Get(ctx context.Context, dispatchID string) (*model.Dispatch, error)
		Find(ctx context.Context, filter model.DispatchFilter) ([]*model.Dispatch, error)
		ReassignSender(ctx context.Context, recipientClientID, newSenderClientID string, now time.Time) (int64, error)
		CancelAllFor(ctx context.Context, clientID string) ([]*model.Dispatch, error)
		// SoftDeleteAllFor hides every dispatch of the recipient from reads.
		SoftDeleteAllFor(ctx context.Context, clientID string) (int64, error)
		// FindOverdue lists received dispatches that are due at now: those
		// whose triggersAt has passed and those without one.
		FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.Dispatch, error)
		Ping(ctx context.Context) error
	}

	// TriggerRepository is a durable delay queue keyed by dispatch id.
	TriggerRepository interface {
		// Schedule registers or moves the trigger of a dispatch.
		Schedule(ctx context.Context, trigger model.Trigger) error
		// Cancel removes a trigger. Removing a missing trigger is not an error.
		Cancel(ctx context.Context, dispatchID string) error
		// ClaimDue removes and returns up to limit triggers expiring at or
		// before now. A trigger is returned to exactly one claimer.
		ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.Trigger, error)
		Get(ctx context.Context, dispatchID string) (*model.Trigger, error)
		Ping(ctx context.Context) error
	}
)
