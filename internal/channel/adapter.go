package channel

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/pkg/circuitbreaker"
)

// Message is what a provider adapter delivers.
type Message struct {
	DispatchID string
	Recipient  string
	Sender     string
	To         string
	Subject    string
	Body       string
	Platform   string
}

// Adapter sends a message through one external provider and returns the
// provider's message id.
type Adapter interface {
	Provider() model.Provider
	Send(ctx context.Context, msg Message) (string, error)
}

// guardedAdapter rate-limits calls and trips a breaker on repeated
// transient failures.
type guardedAdapter struct {
	Adapter
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
}

func guard(a Adapter, cfg Config) *guardedAdapter {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &guardedAdapter{
		Adapter: a,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        string(a.Provider()),
			MaxFailures: cfg.BreakerMaxFailures,
			Interval:    cfg.BreakerInterval,
			Timeout:     cfg.BreakerTimeout,
			IsFailure:   func(err error) bool { return !IsPermanent(err) },
		}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (g *guardedAdapter) Send(ctx context.Context, msg Message) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	var id string
	err := g.breaker.Execute(func() error {
		var sendErr error
		id, sendErr = g.Adapter.Send(ctx, msg)
		return sendErr
	})
	return id, err
}
