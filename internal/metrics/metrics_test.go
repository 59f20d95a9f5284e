package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New()

	m.ObserveOperation("send", OutcomeOK, 10*time.Millisecond)
	m.ObserveOperation("send", OutcomeOK, 20*time.Millisecond)
	m.ObserveOperation("send", "unknown_user", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("send", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("send", "unknown_user")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestObserveRequest(t *testing.T) {
	m := New()

	m.ObserveRequest("/v1/listDMFor", 200)
	m.ObserveRequest("/v1/listDMFor", 404)
	m.ObserveRequest("/v1/listDMFor", 404)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("/v1/listDMFor", "404")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("send", OutcomeOK, time.Second)
		m.ObserveRequest("/", 200)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveOperation("reply", OutcomeOK, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `directmsg_operations_total{op="reply",outcome="ok"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
