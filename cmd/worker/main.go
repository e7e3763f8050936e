package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/iris/config"
	"github.com/jwalitptl/iris/internal/channel"
	"github.com/jwalitptl/iris/internal/consumer"
	dispatchhandler "github.com/jwalitptl/iris/internal/handler/dispatch"
	"github.com/jwalitptl/iris/internal/handler/health"
	prometheushandler "github.com/jwalitptl/iris/internal/handler/prometheus"
	"github.com/jwalitptl/iris/internal/repository"
	"github.com/jwalitptl/iris/internal/repository/memory"
	"github.com/jwalitptl/iris/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/iris/internal/repository/redis"
	"github.com/jwalitptl/iris/internal/router"
	"github.com/jwalitptl/iris/internal/scheduler"
	"github.com/jwalitptl/iris/internal/service/dispatch"
	"github.com/jwalitptl/iris/pkg/dedupe"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/messaging"
	redisbroker "github.com/jwalitptl/iris/pkg/messaging/redis"
	"github.com/jwalitptl/iris/pkg/metrics"
	"github.com/jwalitptl/iris/pkg/mq"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	l := logger.NewLogger(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		WithFields(map[string]interface{}{"service": "iris-worker"})
	m := metrics.NewMetrics("iris", prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]health.Pinger{}

	// Stores
	var (
		dispatches repository.DispatchRepository
		triggers   repository.TriggerRepository
		publisher  messaging.Publisher = messaging.NopPublisher{}
		rdb        *goredis.Client
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(cfg.Database)
		if err != nil {
			l.Fatal(err, "failed to connect to database")
		}
		defer db.Close()

		base := postgres.NewBaseRepository(db)
		if err := base.Migrate(ctx); err != nil {
			l.Fatal(err, "failed to migrate database")
		}
		dispatches = postgres.NewDispatchRepository(base)

		rdb, err = redisbroker.NewClient(redisbroker.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		if err != nil {
			l.Fatal(err, "failed to configure Redis")
		}
		triggers = redisrepo.NewTriggerRepository(rdb, cfg.Redis.TriggerKey)

		broker := redisbroker.NewRedisBroker(rdb, &l.ZL)
		defer broker.Close()
		publisher = messaging.NewChannelPublisher(broker, cfg.Redis.StatusChannel)

		checks["database"] = dispatches
		checks["redis"] = broker
	case config.DriverMemory:
		l.Warn("Using in-memory stores; pending dispatches are lost on restart")
		dispatches = memory.NewDispatchRepository()
		triggers = memory.NewTriggerRepository()
	}

	// Delivery
	watcher := scheduler.NewWatcher(triggers, scheduler.Config{
		PollInterval:        cfg.Scheduler.PollInterval,
		BatchSize:           cfg.Scheduler.BatchSize,
		MaxConcurrency:      cfg.Scheduler.MaxConcurrency,
		ReconnectBackoff:    cfg.Scheduler.ReconnectBackoff,
		MaxReconnectBackoff: cfg.Scheduler.MaxReconnectBackoff,
	}, l, m)

	adapters, err := buildAdapters(ctx, cfg.Providers, l)
	if err != nil {
		l.Fatal(err, "failed to configure providers")
	}
	channels := channel.NewRouter(channel.Config{
		Environment:        cfg.Environment,
		RatePerSecond:      cfg.Providers.RatePerSecond,
		Burst:              cfg.Providers.Burst,
		BreakerMaxFailures: cfg.Providers.BreakerMaxFailures,
		BreakerInterval:    cfg.Providers.BreakerInterval,
		BreakerTimeout:     cfg.Providers.BreakerTimeout,
	}, channel.PayloadRenderer{}, channel.NewSlackAdapter(cfg.Providers.Slack.WebhookURL, cfg.Providers.Timeout), l, m, adapters...)

	svc := dispatch.NewService(dispatches, watcher, channels, publisher, dispatch.Config{
		MaxRetries:      cfg.Conductor.MaxRetries,
		RetryBackoff:    cfg.Conductor.RetryBackoff,
		MaxBackoff:      cfg.Conductor.MaxBackoff,
		DeliveryTimeout: cfg.Conductor.DeliveryTimeout,
		MaxConcurrency:  cfg.Conductor.MaxConcurrency,
	}, l, m)
	if err := svc.Start(ctx); err != nil {
		l.Fatal(err, "failed to start conductor")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatch.RunReconciler(ctx, svc, cfg.Conductor.ReconcileInterval, l)
	}()

	// Inbound queue
	topology := mq.Topology{
		Exchange:    cfg.RabbitMQ.Exchange,
		Queue:       cfg.RabbitMQ.Queue,
		RoutingKey:  cfg.RabbitMQ.RoutingKey,
		DLQExchange: cfg.RabbitMQ.DLQExchange,
		DLQQueue:    cfg.RabbitMQ.DLQQueue,
	}
	dlq, err := mq.NewDLQPublisher(cfg.RabbitMQ.URL, topology, "iris-worker")
	if err != nil {
		l.Fatal(err, "failed to connect dead letter publisher")
	}
	defer dlq.Close()

	inbound := mq.NewConsumer(mq.ConsumerConfig{
		URL:      cfg.RabbitMQ.URL,
		Topology: topology,
		Prefetch: cfg.RabbitMQ.Prefetch,
	}, dlq, l)
	inbound.SetHandler(consumer.NewHandler(svc, dedupe.NewWindow(cfg.RabbitMQ.DedupWindow, 0), l, m).Handle)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := inbound.Run(ctx); err != nil {
			l.Error(err, "Inbound consumer stopped")
			stop()
		}
	}()

	// Health and metrics
	checks["scheduler"] = watcher
	// The memory stores live in this process, so the read API does too.
	var reads []router.Handler
	if cfg.Storage.Driver == config.DriverMemory {
		reads = append(reads, dispatchhandler.NewHandler(dispatch.NewQueryService(dispatches)))
	}
	ops := router.NewRouter(router.Config{
		RateLimit: rate.Limit(cfg.Server.RateLimit),
		RateBurst: cfg.Server.RateBurst,
	}, l, m, reads, []router.Handler{
		health.NewHandler(checks),
		prometheushandler.New(prometheus.DefaultGatherer),
	})
	srv := &http.Server{Addr: cfg.Addr(), Handler: ops.Engine()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(err, "Health server failed")
		}
	}()

	l.Info("Worker started", "driver", cfg.Storage.Driver, "environment", cfg.Environment)
	<-ctx.Done()
	l.Info("Shutting down worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "Health server forced to shutdown")
	}
	wg.Wait()
	// Deliveries handed off by the consumer release their claim on cancel.
	svc.Wait()
}

// buildAdapters returns the enabled provider adapters. Dispatches for a
// provider without an adapter fail permanently.
func buildAdapters(ctx context.Context, cfg config.ProvidersConfig, l *logger.Logger) ([]channel.Adapter, error) {
	var adapters []channel.Adapter

	if cfg.Push.Enabled {
		adapters = append(adapters, channel.NewPushAdapter(channel.PushConfig{
			BaseURL: cfg.Push.BaseURL,
			AppID:   cfg.Push.AppID,
			APIKey:  cfg.Push.APIKey,
			Timeout: cfg.Timeout,
		}))
	}
	if cfg.SMS.Enabled {
		client, err := channel.NewSNSClient(ctx, cfg.SMS.AWSRegion)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, channel.NewSMSAdapter(client, channel.SMSConfig{
			SenderID: cfg.SMS.SenderID,
			SMSType:  cfg.SMS.SMSType,
		}))
	}
	if cfg.Chat.Enabled {
		adapters = append(adapters, channel.NewChatAdapter(channel.ChatConfig{
			BaseURL:  cfg.Chat.BaseURL,
			APIToken: cfg.Chat.APIToken,
			Timeout:  cfg.Timeout,
		}))
	}
	if cfg.Email.Enabled {
		dialer := channel.NewSMTPDialer(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password)
		adapters = append(adapters, channel.NewEmailAdapter(dialer, channel.EmailConfig{From: cfg.Email.From}))
	}

	for _, a := range adapters {
		l.Info("Provider enabled", "provider", string(a.Provider()))
	}
	return adapters, nil
}
