package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/internal/repository"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

var ErrCallbackRegistered = errors.New("fire callback already registered")

// FireFunc is invoked once per claimed trigger.
type FireFunc func(ctx context.Context, dispatchID string)

type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	MaxConcurrency      int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = time.Second
	}
	if c.MaxReconnectBackoff < c.ReconnectBackoff {
		c.MaxReconnectBackoff = 30 * c.ReconnectBackoff
	}
	return c
}

// Watcher polls the trigger store and fires claimed triggers. Schedule and
// Cancel pass straight through to the store so producers need only the
// watcher.
type Watcher struct {
	store   repository.TriggerRepository
	config  Config
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	fire FireFunc
	wg   sync.WaitGroup
}

func NewWatcher(store repository.TriggerRepository, config Config, log *logger.Logger, m *metrics.Metrics) *Watcher {
	return &Watcher{
		store:   store,
		config:  config.withDefaults(),
		logger:  log.WithFields(map[string]interface{}{"component": "trigger_watcher"}),
		metrics: m,
		now:     time.Now,
	}
}

// RegisterFireCallback sets the single consumer of fired triggers.
func (w *Watcher) RegisterFireCallback(fn FireFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fire != nil {
		return ErrCallbackRegistered
	}
	w.fire = fn
	return nil
}

func (w *Watcher) Schedule(ctx context.Context, dispatchID string, expiresAt time.Time) error {
	if err := w.store.Schedule(ctx, model.Trigger{DispatchID: dispatchID, ExpiresAt: expiresAt}); err != nil {
		return err
	}
	w.metrics.TriggersScheduled.Inc()
	return nil
}

func (w *Watcher) Cancel(ctx context.Context, dispatchID string) error {
	return w.store.Cancel(ctx, dispatchID)
}

// Run polls until ctx is done and then waits for in-flight callbacks.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.ZL.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("Trigger watcher started")

	sem := make(chan struct{}, w.config.MaxConcurrency)
	backoff := w.config.ReconnectBackoff

	for {
		delay := w.config.PollInterval
		claimed, err := w.Poll(ctx, sem)
		switch {
		case err != nil && ctx.Err() == nil:
			w.metrics.WatcherErrors.Inc()
			w.logger.ZL.Error().Err(err).Dur("retry_in", backoff).Msg("Trigger store unavailable")
			delay = backoff
			backoff *= 2
			if backoff > w.config.MaxReconnectBackoff {
				backoff = w.config.MaxReconnectBackoff
			}
		case err == nil:
			backoff = w.config.ReconnectBackoff
			// A full batch means more may be due.
			if claimed == w.config.BatchSize {
				delay = 0
			}
		}

		select {
		case <-ctx.Done():
			w.wg.Wait()
			w.logger.ZL.Info().Msg("Trigger watcher stopped")
			return
		case <-time.After(delay):
		}
	}
}

// Poll claims one batch of due triggers and starts a callback for each,
// never running more than cap(sem) callbacks at once.
func (w *Watcher) Poll(ctx context.Context, sem chan struct{}) (int, error) {
	w.mu.RLock()
	fire := w.fire
	w.mu.RUnlock()
	if fire == nil {
		return 0, nil
	}

	claimed, err := w.store.ClaimDue(ctx, w.now(), w.config.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, trigger := range claimed {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return len(claimed), ctx.Err()
		}
		w.metrics.TriggersFired.Inc()
		w.wg.Add(1)
		go func(t model.Trigger) {
			defer func() {
				<-sem
				w.wg.Done()
			}()
			w.logger.ZL.Debug().
				Str("dispatch_id", t.DispatchID).
				Time("expires_at", t.ExpiresAt).
				Msg("Trigger fired")
			fire(ctx, t.DispatchID)
		}(trigger)
	}
	return len(claimed), nil
}

// Wait blocks until callbacks started by Poll return.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) Ping(ctx context.Context) error {
	return w.store.Ping(ctx)
}
