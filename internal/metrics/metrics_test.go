package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m)

	m.RequestsTotal.WithLabelValues("0x0e", "0x00").Inc()
	m.ForwardOpenTotal.WithLabelValues("0x0000").Inc()
	m.ForwardCloseTotal.WithLabelValues("0x0000").Inc()
	m.ActiveClass1Conns.Set(2)
	m.ActiveClass3Conns.Set(3)
	m.CyclicProducedTotal.Inc()
	m.CyclicConsumedTotal.Inc()
	m.TCPSessionsTotal.Inc()
	m.ActiveTCPSessions.Inc()
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.TCPSessionsTotal.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "enip_tcp_sessions_total")
}

func TestNewInstancesDoNotShareRegistries(t *testing.T) {
	a := New()
	b := New()
	a.TCPSessionsTotal.Inc()

	reqA := httptest.NewRequest("GET", "/metrics", nil)
	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, reqA)

	reqB := httptest.NewRequest("GET", "/metrics", nil)
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, reqB)

	assert.Contains(t, recA.Body.String(), "enip_tcp_sessions_total 1")
	assert.Contains(t, recB.Body.String(), "enip_tcp_sessions_total 0")
}
