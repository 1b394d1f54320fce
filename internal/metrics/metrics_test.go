package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/crashguard/pkg/types"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler(opts).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestCollectorCountsByType(t *testing.T) {
	c := New()
	c.IncEvent(types.EventCrashRecorded)
	c.IncEvent(types.EventCrashRecorded)
	c.IncEvent(types.EventExecDenied)
	c.IncEvent(types.EventSuspensionArmed)
	c.IncEvent(types.EventRecordExpired)
	c.IncEvent("")

	body := scrape(t, c, HandlerOptions{})
	assert.Contains(t, body, "crashguard_up 1")
	assert.Contains(t, body, "crashguard_events_total 6")
	assert.Contains(t, body, "crashguard_crashes_total 2")
	assert.Contains(t, body, "crashguard_denials_total 1")
	assert.Contains(t, body, "crashguard_suspensions_total 1")
	assert.Contains(t, body, "crashguard_expiries_total 1")
	assert.Contains(t, body, `crashguard_events_by_type_total{type="crash_recorded"} 2`)
	assert.Contains(t, body, `crashguard_events_by_type_total{type="unknown"} 1`)
}

func TestCollectorLiveRecordsGauge(t *testing.T) {
	c := New()

	body := scrape(t, c, HandlerOptions{})
	assert.NotContains(t, body, "crashguard_live_records", "gauge only appears when wired")

	body = scrape(t, c, HandlerOptions{LiveRecords: func() int { return 7 }})
	assert.Contains(t, body, "crashguard_live_records 7")
}

func TestNilCollectorIncIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() { c.IncEvent(types.EventCrashRecorded) })
}
