// Package memory holds process-local stores used by the memory storage driver
// and by tests. They honor the same conditional-update contract as the
// Postgres and Redis stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
)

type record struct {
	dispatch *model.Dispatch
	deleted  bool
}

type DispatchRepository struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

var _ repository.DispatchRepository = (*DispatchRepository)(nil)

type Option func(*DispatchRepository)

// WithClock replaces the clock that stamps createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *DispatchRepository) { r.now = now }
}

func NewDispatchRepository(opts ...Option) *DispatchRepository {
	r := &DispatchRepository{
		records: make(map[string]*record),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *DispatchRepository) Upsert(_ context.Context, d *model.Dispatch) (*model.Dispatch, error) {
	if d == nil || d.DispatchID == "" {
		return nil, fmt.Errorf("dispatch id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.records[d.DispatchID]
	if !ok {
		created := d.Clone()
		created.Status = model.DispatchStatusReceived
		created.RetryCount = 0
		created.FailureReason = nil
		created.Provider, created.ProviderID, created.SentContent = nil, nil, nil
		created.Payload = d.Payload.Merge(nil)
		created.CreatedAt, created.UpdatedAt = now, now
		r.records[d.DispatchID] = &record{dispatch: created}
		return created.Clone(), nil
	}

	cur := rec.dispatch
	if rec.deleted || cur.Status.Terminal() {
		return cur.Clone(), nil
	}

	mergeString(&cur.CorrelationID, d.CorrelationID)
	mergeString(&cur.ServiceName, d.ServiceName)
	mergeString(&cur.RecipientClientID, d.RecipientClientID)
	if d.NotificationType != "" {
		cur.NotificationType = d.NotificationType
	}
	if d.ContentKey != "" {
		cur.ContentKey = d.ContentKey
	}
	if d.SenderClientID != nil {
		s := *d.SenderClientID
		cur.SenderClientID = &s
	}
	if d.TriggersAt != nil {
		t := *d.TriggersAt
		cur.TriggersAt = &t
	}
	cur.Payload = cur.Payload.Merge(d.Payload)
	cur.UpdatedAt = now
	return cur.Clone(), nil
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func (r *DispatchRepository) Transition(_ context.Context, dispatchID string, target model.DispatchStatus, fields model.TransitionFields) (*model.Dispatch, error) {
	if len(model.AllowedFrom(target)) == 0 {
		return nil, fmt.Errorf("%w: no transition into %s", model.ErrInvalidTransition, target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.live(dispatchID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.CanTransitionTo(target) {
		return nil, model.TransitionError(dispatchID, cur.Status, target)
	}

	cur.Status = target
	if fields.FailureReason != nil {
		reason := *fields.FailureReason
		cur.FailureReason = &reason
	}
	if res := fields.Result; res != nil {
		p, id, content := res.Provider, res.ID, res.Content
		cur.Provider, cur.ProviderID, cur.SentContent = &p, &id, &content
	}
	cur.UpdatedAt = r.now()
	return cur.Clone(), nil
}

func (r *DispatchRepository) IncrementRetry(_ context.Context, dispatchID string, reason string) (*model.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.live(dispatchID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.DispatchStatusAcquired {
		return nil, model.TransitionError(dispatchID, cur.Status, model.DispatchStatusAcquired)
	}
	cur.RetryCount++
	cur.FailureReason = &reason
	cur.UpdatedAt = r.now()
	return cur.Clone(), nil
}

func (r *DispatchRepository) Release(_ context.Context, dispatchID string) (*model.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.live(dispatchID)
	if err != nil {
		return nil, err
	}
	if cur.Status != model.DispatchStatusAcquired {
		return nil, model.TransitionError(dispatchID, cur.Status, model.DispatchStatusReceived)
	}
	cur.Status = model.DispatchStatusReceived
	cur.UpdatedAt = r.now()
	return cur.Clone(), nil
}

func (r *DispatchRepository) ReleaseStale(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.records {
		d := rec.dispatch
		if rec.deleted || d.Status != model.DispatchStatusAcquired || !d.UpdatedAt.Before(cutoff) {
			continue
		}
		d.Status = model.DispatchStatusReceived
		d.UpdatedAt = r.now()
		n++
	}
	return n, nil
}

func (r *DispatchRepository) live(dispatchID string) (*model.Dispatch, error) {
	rec, ok := r.records[dispatchID]
	if !ok || rec.deleted {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, dispatchID)
	}
	return rec.dispatch, nil
}

func (r *DispatchRepository) Get(_ context.Context, dispatchID string) (*model.Dispatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cur, err := r.live(dispatchID)
	if err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

func (r *DispatchRepository) Find(_ context.Context, filter model.DispatchFilter) ([]*model.Dispatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Dispatch
	for _, rec := range r.records {
		d := rec.dispatch
		if rec.deleted {
			continue
		}
		if filter.SenderClientID != "" && d.Sender() != filter.SenderClientID {
			continue
		}
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].DispatchID < out[j].DispatchID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *DispatchRepository) ReassignSender(_ context.Context, recipientClientID, newSenderClientID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.records {
		d := rec.dispatch
		if rec.deleted || d.RecipientClientID != recipientClientID || d.Status != model.DispatchStatusReceived {
			continue
		}
		if d.SenderClientID == nil || d.TriggersAt == nil || !d.TriggersAt.After(now) {
			continue
		}
		sender := newSenderClientID
		d.SenderClientID = &sender
		d.UpdatedAt = r.now()
		n++
	}
	return n, nil
}

func (r *DispatchRepository) CancelAllFor(_ context.Context, clientID string) ([]*model.Dispatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var canceled []*model.Dispatch
	for _, rec := range r.records {
		d := rec.dispatch
		if rec.deleted || d.RecipientClientID != clientID {
			continue
		}
		if d.Status != model.DispatchStatusReceived && d.Status != model.DispatchStatusAcquired {
			continue
		}
		d.Status = model.DispatchStatusCanceled
		d.UpdatedAt = r.now()
		canceled = append(canceled, d.Clone())
	}
	return canceled, nil
}

func (r *DispatchRepository) SoftDeleteAllFor(_ context.Context, clientID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, rec := range r.records {
		if rec.deleted || rec.dispatch.RecipientClientID != clientID {
			continue
		}
		rec.deleted = true
		n++
	}
	return n, nil
}

func (r *DispatchRepository) FindOverdue(_ context.Context, now time.Time, limit int) ([]*model.Dispatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Dispatch
	for _, rec := range r.records {
		d := rec.dispatch
		if rec.deleted || d.Status != model.DispatchStatusReceived || !d.Due(now) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TriggersAt, out[j].TriggersAt
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		case a.Equal(*b):
			return out[i].DispatchID < out[j].DispatchID
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DispatchRepository) Ping(context.Context) error {
	return nil
}
