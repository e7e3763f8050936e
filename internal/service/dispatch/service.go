package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/iris/internal/channel"
	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
	"github.com/jwalitptl/iris/internal/scheduler"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/messaging"
	"github.com/jwalitptl/iris/pkg/metrics"
)

const (
	StatusEventType   = "dispatch.status"
	reconcileBatch    = 100
	defaultTimeout    = 30 * time.Second
	defaultBackoff    = time.Second
	defaultMaxBackoff = time.Minute
	defaultInflight   = 10
	releaseTimeout    = 5 * time.Second
)

// Router delivers a dispatch through a provider.
type Router interface {
	Send(ctx context.Context, d *model.Dispatch) (*model.ProviderResult, error)
}

// Triggers schedules and cancels deferred deliveries.
type Triggers interface {
	Schedule(ctx context.Context, dispatchID string, fireAt time.Time) error
	Cancel(ctx context.Context, dispatchID string) error
	RegisterFireCallback(fn scheduler.FireFunc) error
}

type Config struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
	// MaxConcurrency bounds deliveries started by Enqueue.
	MaxConcurrency int
}

type Service interface {
	// Start registers the fire callback and delivers dispatches whose
	// trigger time passed while no watcher was running.
	Start(ctx context.Context) error
	CreateDispatch(ctx context.Context, msg *model.CreateDispatchMessage) (*model.Dispatch, error)
	// Enqueue stores msg like CreateDispatch but hands a due delivery to a
	// bounded pool and returns without waiting for it.
	Enqueue(ctx context.Context, msg *model.CreateDispatchMessage) (*model.Dispatch, error)
	// Wait blocks until deliveries started by Enqueue return.
	Wait()
	HandleFire(ctx context.Context, dispatchID string)
	CancelDispatch(ctx context.Context, dispatchID string) (*model.Dispatch, error)
	RemoveClient(ctx context.Context, clientID string, hard bool) ([]*model.Dispatch, error)
	ReassignSender(ctx context.Context, recipientClientID, senderClientID string) (int64, error)
	Reconcile(ctx context.Context) (int, error)
	Find(ctx context.Context, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error)
}

type service struct {
	dispatches repository.DispatchRepository
	triggers   Triggers
	router     Router
	publisher  messaging.Publisher
	config     Config
	logger     *logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	inflight chan struct{}
	wg       sync.WaitGroup
}

func NewService(
	dispatches repository.DispatchRepository,
	triggers Triggers,
	router Router,
	publisher messaging.Publisher,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
) Service {
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaultTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultBackoff
	}
	if config.MaxBackoff < config.RetryBackoff {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = defaultInflight
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	return &service{
		dispatches: dispatches,
		triggers:   triggers,
		router:     router,
		publisher:  publisher,
		config:     config,
		logger:     log.WithFields(map[string]interface{}{"component": "conductor"}),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
		inflight:   make(chan struct{}, config.MaxConcurrency),
	}
}

func (s *service) Start(ctx context.Context) error {
	if err := s.triggers.RegisterFireCallback(s.HandleFire); err != nil {
		return fmt.Errorf("failed to register fire callback: %w", err)
	}
	n, err := s.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile overdue dispatches: %w", err)
	}
	if n > 0 {
		s.logger.ZL.Warn().Int("count", n).Msg("Delivered overdue dispatches at startup")
	}
	return nil
}

func (s *service) CreateDispatch(ctx context.Context, msg *model.CreateDispatchMessage) (*model.Dispatch, error) {
	d, due, err := s.accept(ctx, msg)
	if err != nil || !due {
		return d, err
	}

	delivered, err := s.deliver(ctx, d.DispatchID)
	if err != nil {
		return nil, err
	}
	if delivered == nil {
		return s.dispatches.Get(ctx, d.DispatchID)
	}
	return delivered, nil
}

func (s *service) Enqueue(ctx context.Context, msg *model.CreateDispatchMessage) (*model.Dispatch, error) {
	d, due, err := s.accept(ctx, msg)
	if err != nil || !due {
		return d, err
	}

	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		// Still received; the reconcile sweep delivers it.
		return d, nil
	}
	s.wg.Add(1)
	go func(id string) {
		defer func() {
			<-s.inflight
			s.wg.Done()
		}()
		if _, err := s.deliver(ctx, id); err != nil {
			s.logger.ZL.Error().Err(err).Str("dispatch_id", id).Msg("Failed to deliver dispatch")
		}
	}(d.DispatchID)
	return d, nil
}

func (s *service) Wait() {
	s.wg.Wait()
}

// accept validates and merges msg, then either schedules its trigger or
// reports that it is due now. The decision uses the merged record, so a
// resubmission without triggersAt keeps an earlier schedule.
func (s *service) accept(ctx context.Context, msg *model.CreateDispatchMessage) (*model.Dispatch, bool, error) {
	if err := model.ValidateContent(msg.ContentKey, msg.NotificationType); err != nil {
		return nil, false, err
	}

	d, err := s.dispatches.Upsert(ctx, msg.ToDispatch())
	if err != nil {
		return nil, false, fmt.Errorf("failed to store dispatch: %w", err)
	}

	log := s.logger.ZL.With().
		Str("dispatch_id", d.DispatchID).
		Str("correlation_id", d.CorrelationID).
		Logger()

	if d.Status != model.DispatchStatusReceived {
		log.Debug().Str("status", string(d.Status)).Msg("Dispatch already in progress or finished")
		return d, false, nil
	}

	if !d.Due(s.now()) {
		if err := s.triggers.Schedule(ctx, d.DispatchID, *d.TriggersAt); err != nil {
			return nil, false, fmt.Errorf("failed to schedule dispatch: %w", err)
		}
		log.Info().Time("triggers_at", *d.TriggersAt).Msg("Dispatch scheduled")
		return d, false, nil
	}

	// An earlier submission may have deferred this dispatch.
	if err := s.triggers.Cancel(ctx, d.DispatchID); err != nil {
		log.Warn().Err(err).Msg("Failed to remove stale trigger")
	}
	return d, true, nil
}

func (s *service) HandleFire(ctx context.Context, dispatchID string) {
	log := s.logger.ZL.With().Str("dispatch_id", dispatchID).Logger()

	d, err := s.dispatches.Get(ctx, dispatchID)
	if errors.Is(err, model.ErrNotFound) {
		log.Debug().Msg("Fired trigger has no dispatch")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load fired dispatch")
		return
	}
	if d.Status != model.DispatchStatusReceived {
		log.Debug().Str("status", string(d.Status)).Msg("Fired dispatch is no longer pending")
		return
	}
	if !d.Due(s.now()) {
		// Rescheduled to a later time after this trigger was claimed.
		if err := s.triggers.Schedule(ctx, dispatchID, *d.TriggersAt); err != nil {
			log.Error().Err(err).Msg("Failed to reschedule dispatch")
		}
		return
	}

	if _, err := s.deliver(ctx, dispatchID); err != nil {
		log.Error().Err(err).Msg("Failed to deliver fired dispatch")
	}
}

// deliver runs the deliver-now path. It returns nil without error when
// another path already acquired the dispatch.
func (s *service) deliver(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	d, err := s.dispatches.Transition(ctx, dispatchID, model.DispatchStatusAcquired, model.TransitionFields{})
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrNotFound) {
		s.logger.ZL.Debug().Str("dispatch_id", dispatchID).Err(err).Msg("Dispatch not acquired")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire dispatch: %w", err)
	}
	s.metrics.Dispatches.WithLabelValues(string(model.DispatchStatusAcquired)).Inc()

	started := s.now()
	log := s.logger.ZL.With().
		Str("dispatch_id", d.DispatchID).
		Str("correlation_id", d.CorrelationID).
		Logger()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
		result, sendErr := s.router.Send(attemptCtx, d)
		cancel()

		if sendErr != nil && ctx.Err() != nil {
			return nil, s.release(ctx, dispatchID, ctx.Err())
		}

		if sendErr == nil {
			if result.Fallback {
				log.Warn().Str("provider", string(result.Provider)).Msg("Dispatch handled by fallback channel")
			}
			return s.finish(ctx, d, started, model.DispatchStatusDone, model.TransitionFields{Result: result})
		}

		reason := sendErr.Error()
		if channel.IsPermanent(sendErr) || d.RetryCount >= s.config.MaxRetries {
			log.Error().Err(sendErr).Int("retry_count", d.RetryCount).Msg("Dispatch failed")
			return s.finish(ctx, d, started, model.DispatchStatusError, model.TransitionFields{FailureReason: &reason})
		}

		d, err = s.dispatches.IncrementRetry(ctx, dispatchID, reason)
		if err != nil {
			return nil, fmt.Errorf("failed to record retry: %w", err)
		}
		s.metrics.DispatchRetries.Inc()

		wait := s.backoff(d.RetryCount)
		log.Warn().Err(sendErr).Int("retry_count", d.RetryCount).Dur("backoff", wait).Msg("Retrying dispatch")
		if err := s.sleep(ctx, wait); err != nil {
			return nil, s.release(ctx, dispatchID, err)
		}
	}
}

// release hands an interrupted delivery back to received. The next
// reconcile sweep acquires it again and continues from the stored retry
// count.
func (s *service) release(ctx context.Context, dispatchID string, cause error) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if _, err := s.dispatches.Release(releaseCtx, dispatchID); err != nil {
		s.logger.ZL.Error().Err(err).Str("dispatch_id", dispatchID).Msg("Failed to release interrupted dispatch")
	} else {
		s.logger.ZL.Warn().Str("dispatch_id", dispatchID).Msg("Delivery interrupted, dispatch released")
	}
	return fmt.Errorf("delivery of %s interrupted: %w", dispatchID, cause)
}

// staleAfter is how long an acquired dispatch may go without an update
// before its owner is presumed dead. A live owner touches the record at
// least once per attempt plus backoff.
func (s *service) staleAfter() time.Duration {
	return 2 * (s.config.DeliveryTimeout + s.config.MaxBackoff)
}

func (s *service) backoff(retry int) time.Duration {
	wait := s.config.RetryBackoff
	for i := 1; i < retry; i++ {
		wait *= 2
		if wait >= s.config.MaxBackoff {
			return s.config.MaxBackoff
		}
	}
	return wait
}

func (s *service) finish(ctx context.Context, d *model.Dispatch, started time.Time, target model.DispatchStatus, fields model.TransitionFields) (*model.Dispatch, error) {
	out, err := s.dispatches.Transition(ctx, d.DispatchID, target, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to mark dispatch %s: %w", target, err)
	}
	s.metrics.Dispatches.WithLabelValues(string(target)).Inc()
	s.metrics.DeliveryDuration.Observe(s.now().Sub(started).Seconds())
	s.publishStatus(ctx, out, fields.Result)
	return out, nil
}

func (s *service) publishStatus(ctx context.Context, d *model.Dispatch, result *model.ProviderResult) {
	event := model.StatusEvent{
		DispatchID:    d.DispatchID,
		CorrelationID: d.CorrelationID,
		Status:        d.Status,
		OccurredAt:    s.now(),
	}
	if result != nil {
		event.Provider = result.Provider
		event.Fallback = result.Fallback
	}
	if d.FailureReason != nil && d.Status == model.DispatchStatusError {
		event.FailureReason = *d.FailureReason
	}
	if err := s.publisher.Publish(ctx, StatusEventType, event); err != nil {
		s.logger.ZL.Warn().Err(err).Str("dispatch_id", d.DispatchID).Msg("Failed to publish status event")
	}
}

func (s *service) CancelDispatch(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	d, err := s.dispatches.Transition(ctx, dispatchID, model.DispatchStatusCanceled, model.TransitionFields{})
	if err != nil {
		return nil, err
	}
	if err := s.triggers.Cancel(ctx, dispatchID); err != nil {
		// The fire path re-reads the status, so a leftover trigger is harmless.
		s.logger.ZL.Warn().Err(err).Str("dispatch_id", dispatchID).Msg("Failed to remove trigger of canceled dispatch")
	}
	s.metrics.Dispatches.WithLabelValues(string(model.DispatchStatusCanceled)).Inc()
	s.publishStatus(ctx, d, nil)
	return d, nil
}

func (s *service) RemoveClient(ctx context.Context, clientID string, hard bool) ([]*model.Dispatch, error) {
	canceled, err := s.dispatches.CancelAllFor(ctx, clientID)
	if err != nil {
		return nil, err
	}
	for _, d := range canceled {
		if err := s.triggers.Cancel(ctx, d.DispatchID); err != nil {
			s.logger.ZL.Warn().Err(err).Str("dispatch_id", d.DispatchID).Msg("Failed to remove trigger of canceled dispatch")
		}
		s.metrics.Dispatches.WithLabelValues(string(model.DispatchStatusCanceled)).Inc()
		s.publishStatus(ctx, d, nil)
	}

	var deleted int64
	if hard {
		if deleted, err = s.dispatches.SoftDeleteAllFor(ctx, clientID); err != nil {
			return canceled, err
		}
	}

	s.logger.ZL.Info().
		Str("client_id", clientID).
		Int("canceled", len(canceled)).
		Int64("deleted", deleted).
		Msg("Client dispatches removed")
	return canceled, nil
}

func (s *service) ReassignSender(ctx context.Context, recipientClientID, senderClientID string) (int64, error) {
	n, err := s.dispatches.ReassignSender(ctx, recipientClientID, senderClientID, s.now())
	if err != nil {
		return 0, err
	}
	s.logger.ZL.Info().
		Str("recipient_client_id", recipientClientID).
		Str("sender_client_id", senderClientID).
		Int64("updated", n).
		Msg("Pending dispatches reassigned")
	return n, nil
}

func (s *service) Reconcile(ctx context.Context) (int, error) {
	released, err := s.dispatches.ReleaseStale(ctx, s.now().Add(-s.staleAfter()))
	if err != nil {
		return 0, fmt.Errorf("failed to release stale dispatches: %w", err)
	}
	if released > 0 {
		s.logger.ZL.Warn().Int64("count", released).Msg("Released dispatches abandoned mid-delivery")
	}

	delivered := 0
	for {
		overdue, err := s.dispatches.FindOverdue(ctx, s.now(), reconcileBatch)
		if err != nil {
			return delivered, err
		}
		for _, d := range overdue {
			if err := s.triggers.Cancel(ctx, d.DispatchID); err != nil {
				s.logger.ZL.Warn().Err(err).Str("dispatch_id", d.DispatchID).Msg("Failed to remove overdue trigger")
			}
			out, err := s.deliver(ctx, d.DispatchID)
			if err != nil {
				return delivered, err
			}
			// Nil means another replica took it.
			if out != nil {
				delivered++
			}
		}
		// Every dispatch handled above left the received status.
		if len(overdue) < reconcileBatch {
			return delivered, nil
		}
	}
}

// RunReconciler repeats Reconcile every interval until ctx is done.
func RunReconciler(ctx context.Context, svc Service, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.Reconcile(ctx)
			if err != nil {
				log.Error(err, "Reconcile sweep failed")
				continue
			}
			if n > 0 {
				log.Warn("Delivered overdue dispatches", "count", n)
			}
		}
	}
}

func (s *service) Find(ctx context.Context, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error) {
	return find(ctx, s.dispatches, filter, projection)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
