package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(orders.WithLabelValues("BUY", "filled"))
	IncOrder("BUY", "filled")
	assert.Equal(t, before+1, testutil.ToFloat64(orders.WithLabelValues("BUY", "filled")))

	SetEquity(10250.5)
	assert.Equal(t, 10250.5, testutil.ToFloat64(equity))

	SetActiveStrategies(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(activeStrategies))

	cyclesBefore := testutil.ToFloat64(cycles)
	ObserveCycle(120 * time.Millisecond)
	assert.Equal(t, cyclesBefore+1, testutil.ToFloat64(cycles))
}

func TestHandlerExposesCollectors(t *testing.T) {
	IncFilterBlock("spread")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `executor_filter_blocks_total{filter="spread"}`))
	assert.True(t, strings.Contains(body, "executor_cycle_duration_seconds_bucket"))
}
