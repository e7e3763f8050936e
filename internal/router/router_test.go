package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/iris/internal/handler"
	dispatchhandler "github.com/jwalitptl/iris/internal/handler/dispatch"
	"github.com/jwalitptl/iris/internal/handler/health"
	"github.com/jwalitptl/iris/internal/model"
	"github.com/jwalitptl/iris/pkg/logger"
	"github.com/jwalitptl/iris/pkg/metrics"
)

type stubFinder struct {
	filter     model.DispatchFilter
	projection []string
	rows       []map[string]interface{}
	err        error
}

func (s *stubFinder) Find(_ context.Context, filter model.DispatchFilter, projection []string) ([]map[string]interface{}, error) {
	s.filter, s.projection = filter, projection
	return s.rows, s.err
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestRouter(finder *stubFinder, checks map[string]health.Pinger, cfg Config) (*Router, *metrics.Metrics) {
	m := metrics.NewTestMetrics()
	cfg.Mode = gin.TestMode
	r := NewRouter(cfg, logger.Nop(), m,
		[]Handler{dispatchhandler.NewHandler(finder)},
		[]Handler{health.NewHandler(checks)},
	)
	return r, m
}

func get(r *Router, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.Engine().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *handler.Response {
	t.Helper()
	var body handler.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "error", body.Status)
	return &body
}

func TestListDispatches_DefaultsToDone(t *testing.T) {
	finder := &stubFinder{rows: []map[string]interface{}{{"dispatchId": "d-1", "status": "done"}}}
	r, m := newTestRouter(finder, nil, Config{})

	w := get(r, "/dispatches/coach-1")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "coach-1", finder.filter.SenderClientID)
	require.NotNil(t, finder.filter.Status)
	assert.Equal(t, model.DispatchStatusDone, *finder.filter.Status)
	assert.Nil(t, finder.projection)

	var body struct {
		Status string                   `json:"status"`
		Data   []map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Status)
	assert.Equal(t, "d-1", body.Data[0]["dispatchId"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/dispatches/:senderClientId", "200")))
}

func TestListDispatches_StatusAndProjection(t *testing.T) {
	finder := &stubFinder{}
	r, _ := newTestRouter(finder, nil, Config{})

	w := get(r, "/dispatches/coach-1?status=error&projection=dispatchId,failureReason")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.DispatchStatusError, *finder.filter.Status)
	assert.Equal(t, []string{"dispatchId", "failureReason"}, finder.projection)
}

func TestListDispatches_StatusAll(t *testing.T) {
	finder := &stubFinder{}
	r, _ := newTestRouter(finder, nil, Config{})

	w := get(r, "/dispatches/coach-1?status=all")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, finder.filter.Status)
}

func TestListDispatches_BadRequests(t *testing.T) {
	for _, path := range []string{
		"/dispatches/coach-1?status=sent",
		"/dispatches/coach-1?projection=dispatchId,password",
	} {
		t.Run(path, func(t *testing.T) {
			r, _ := newTestRouter(&stubFinder{}, nil, Config{})

			w := get(r, path)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			body := decodeError(t, w)
			assert.Equal(t, http.StatusBadRequest, body.Code)
			assert.Contains(t, body.Message, "invalid")
		})
	}
}

func TestListDispatches_StoreFailure(t *testing.T) {
	r, _ := newTestRouter(&stubFinder{err: errors.New("connection refused")}, nil, Config{})

	w := get(r, "/dispatches/coach-1")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
	assert.Equal(t, "error", decodeError(t, w).Status)
}

func TestRateLimit(t *testing.T) {
	r, _ := newTestRouter(&stubFinder{}, nil, Config{RateLimit: 1, RateBurst: 1})

	assert.Equal(t, http.StatusOK, get(r, "/dispatches/coach-1").Code)
	w := get(r, "/dispatches/coach-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decodeError(t, w).Message)
	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(&stubFinder{}, map[string]health.Pinger{
		"database": pinger{},
		"redis":    pinger{},
	}, Config{})
	assert.Equal(t, http.StatusOK, get(r, "/health/ready").Code)

	r, _ = newTestRouter(&stubFinder{}, map[string]health.Pinger{
		"database": pinger{},
		"redis":    pinger{err: errors.New("dial tcp: refused")},
	}, Config{})
	w := get(r, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
	assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
}

func TestRecovery(t *testing.T) {
	r, _ := newTestRouter(&stubFinder{}, nil, Config{})
	r.Engine().GET("/boom", func(*gin.Context) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, &handler.Response{
		Status:  "error",
		Code:    http.StatusInternalServerError,
		Message: "Internal server error",
		TraceID: "req-7",
	}, decodeError(t, w))
}
