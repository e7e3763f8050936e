package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/iris/internal/middleware"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Config struct {
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	Mode           string
}

type Router struct {
	engine *gin.Engine
	api    []Handler
	ops    []Handler
}

// NewRouter builds the engine. api handlers are rate limited; ops handlers
// (health, metrics) are not.
func NewRouter(config Config, log *logger.Logger, m *metrics.Metrics, api []Handler, ops []Handler) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	engine := gin.New()
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.Metrics(m),
		middleware.ErrorHandler(log),
		middleware.Timeout(config.RequestTimeout),
	)

	r := &Router{engine: engine, api: api, ops: ops}
	r.setup(config)
	return r
}

func (r *Router) setup(config Config) {
	root := r.engine.Group("")
	for _, h := range r.ops {
		h.RegisterRoutes(root)
	}

	api := r.engine.Group("")
	if config.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		api.Use(limiter.RateLimit())
	}
	for _, h := range r.api {
		h.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
