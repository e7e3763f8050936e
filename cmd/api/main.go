package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/iris/config"
	dispatchhandler "github.com/jwalitptl/iris/internal/handler/dispatch"
	"github.com/jwalitptl/iris/internal/handler/health"
	prometheushandler "github.com/jwalitptl/iris/internal/handler/prometheus"
	"github.com/jwalitptl/iris/internal/repository/postgres"
	"github.com/jwalitptl/iris/internal/router"
	"github.com/jwalitptl/iris/internal/service/dispatch"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	l := logger.NewLogger(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		WithFields(map[string]interface{}{"service": "iris-api"})
	m := metrics.NewMetrics("iris_api", prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.ValidateReadAPI(); err != nil {
		l.Fatal(err, "refusing to start read API")
	}
	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		l.Fatal(err, "failed to connect to database")
	}
	defer db.Close()
	dispatches := postgres.NewDispatchRepository(postgres.NewBaseRepository(db))

	r := router.NewRouter(
		router.Config{
			RateLimit: rate.Limit(cfg.Server.RateLimit),
			RateBurst: cfg.Server.RateBurst,
		},
		l, m,
		[]router.Handler{dispatchhandler.NewHandler(dispatch.NewQueryService(dispatches))},
		[]router.Handler{
			health.NewHandler(map[string]health.Pinger{"database": dispatches}),
			prometheushandler.New(prometheus.DefaultGatherer),
		},
	)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		l.Info("Read API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	l.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "Server forced to shutdown")
	}
}
