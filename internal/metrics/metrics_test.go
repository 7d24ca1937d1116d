// ABOUTME: Tests for the gateway Prometheus collectors
// ABOUTME: Uses isolated registries and prometheus testutil comparisons

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/store"
)

func TestObserveInvocation(t *testing.T) {
	m := newWithRegistry(prometheus.NewRegistry())

	m.ObserveInvocation("add", store.OutcomeSuccess, 3*time.Millisecond)
	m.ObserveInvocation("add", store.OutcomeSuccess, 4*time.Millisecond)
	m.ObserveInvocation("add", store.OutcomeRejected, time.Millisecond)
	m.ObserveInvocation("unknown", store.OutcomeFailure, time.Millisecond)

	expected := `
		# HELP toolgate_tool_invocations_total Tool invocation attempts by tool and outcome
		# TYPE toolgate_tool_invocations_total counter
		toolgate_tool_invocations_total{outcome="failure",tool="unknown"} 1
		toolgate_tool_invocations_total{outcome="rejected",tool="add"} 1
		toolgate_tool_invocations_total{outcome="success",tool="add"} 2
	`
	require.NoError(t, testutil.CollectAndCompare(m.Invocations, strings.NewReader(expected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotaRejections))
	assert.Equal(t, 2, testutil.CollectAndCount(m.InvocationDuration))
}

func TestObserveUnauthenticated(t *testing.T) {
	m := newWithRegistry(prometheus.NewRegistry())
	m.ObserveUnauthenticated()
	m.ObserveUnauthenticated()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Unauthenticated))
	assert.Equal(t, 0, testutil.CollectAndCount(m.Invocations))
}

func TestSessionLifecycle(t *testing.T) {
	m := newWithRegistry(prometheus.NewRegistry())

	m.SessionOpened("http")
	m.SessionOpened("http")
	m.SessionOpened("websocket")
	m.SessionClosed("http")
	m.SessionsSwept(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions.WithLabelValues("websocket")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsExpired))
}

func TestInstancesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.ObserveUnauthenticated()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Unauthenticated))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Unauthenticated))
}

func TestConcurrentObservations(t *testing.T) {
	m := newWithRegistry(prometheus.NewRegistry())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ObserveInvocation("add", store.OutcomeSuccess, time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, testutil.ToFloat64(m.Invocations.WithLabelValues("add", "success")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveInvocation("add", store.OutcomeSuccess, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `toolgate_tool_invocations_total{outcome="success",tool="add"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
