package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.Relayed("media_request", "dropped")
		m.AuthResult("ok", time.Millisecond)
		m.SetOnline(3)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.Relayed("media_message", "forwarded")
	m.SetOnline(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues("media_message", "forwarded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.online))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ProtocolError("unknown")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `p2pchat_protocol_errors_total{kind="unknown"} 1`)
}
