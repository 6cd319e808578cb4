package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeIsIdempotent(t *testing.T) {
	assert.Same(t, Initialize(), Get())
}

func TestCountersExported(t *testing.T) {
	m := Get()
	dropped := m.EventsDropped.WithLabelValues("test-bus", "overrun")
	before := testutil.ToFloat64(dropped)
	dropped.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "perform_events_dropped_total"))
}
