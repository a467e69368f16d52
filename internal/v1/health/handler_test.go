package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func serveProbe(t *testing.T, handler *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()

	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)

	switch path {
	case "/health/live":
		handler.Liveness(c)
	case "/health/ready":
		handler.Readiness(c)
	}
	return w
}

func TestLiveness(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	w := serveProbe(t, handler, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestLiveness_IgnoresDependencies(t *testing.T) {
	// Even with every dependency down, liveness returns 200.
	down := &fakePinger{err: errors.New("connection refused")}
	handler := NewHandler(down, down, down)

	w := serveProbe(t, handler, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadiness_AllHealthy(t *testing.T) {
	handler := NewHandler(&fakePinger{}, &fakePinger{}, &fakePinger{})

	w := serveProbe(t, handler, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "redis")
	assert.Contains(t, body, "storage")
	assert.Contains(t, body, "media")
	assert.Contains(t, body, "timestamp")
	assert.NotContains(t, body, "unhealthy")
}

func TestReadiness_MediaDown(t *testing.T) {
	handler := NewHandler(&fakePinger{}, &fakePinger{}, &fakePinger{err: errors.New("twirp unavailable")})

	w := serveProbe(t, handler, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "unavailable")
	assert.Contains(t, body, `"media":"unhealthy"`)
	assert.Contains(t, body, `"redis":"healthy"`)
}

func TestReadiness_RedisDown(t *testing.T) {
	handler := NewHandler(&fakePinger{err: errors.New("dial tcp: connection refused")}, &fakePinger{}, &fakePinger{})

	w := serveProbe(t, handler, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"unhealthy"`)
}

func TestReadiness_NilDependenciesSkipped(t *testing.T) {
	handler := NewHandler(nil, nil, nil)

	w := serveProbe(t, handler, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.NotContains(t, body, "redis")
	assert.NotContains(t, body, "media")
}
