package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentsh/crashguard/pkg/types"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	crashes     atomic.Uint64
	denials     atomic.Uint64
	suspensions atomic.Uint64
	expiries    atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncEvent counts one event by type and bumps the dedicated counters for
// the guard outcomes operators alert on.
func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.byType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)

	switch eventType {
	case types.EventCrashRecorded:
		c.crashes.Add(1)
	case types.EventExecDenied:
		c.denials.Add(1)
	case types.EventSuspensionArmed:
		c.suspensions.Add(1)
	case types.EventRecordExpired:
		c.expiries.Add(1)
	}
}

type HandlerOptions struct {
	LiveRecords func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP crashguard_up Whether the crashguard server is running.\n")
		fmt.Fprint(w, "# TYPE crashguard_up gauge\n")
		fmt.Fprint(w, "crashguard_up 1\n")

		fmt.Fprint(w, "# HELP crashguard_events_total Total number of guard events.\n")
		fmt.Fprint(w, "# TYPE crashguard_events_total counter\n")
		fmt.Fprintf(w, "crashguard_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP crashguard_crashes_total Segfaults recorded.\n")
		fmt.Fprint(w, "# TYPE crashguard_crashes_total counter\n")
		fmt.Fprintf(w, "crashguard_crashes_total %d\n", c.crashes.Load())

		fmt.Fprint(w, "# HELP crashguard_denials_total Executions denied at or above the crash threshold.\n")
		fmt.Fprint(w, "# TYPE crashguard_denials_total counter\n")
		fmt.Fprintf(w, "crashguard_denials_total %d\n", c.denials.Load())

		fmt.Fprint(w, "# HELP crashguard_suspensions_total Suspension countdowns armed.\n")
		fmt.Fprint(w, "# TYPE crashguard_suspensions_total counter\n")
		fmt.Fprintf(w, "crashguard_suspensions_total %d\n", c.suspensions.Load())

		fmt.Fprint(w, "# HELP crashguard_expiries_total Records removed by expiry or lapsed suspension.\n")
		fmt.Fprint(w, "# TYPE crashguard_expiries_total counter\n")
		fmt.Fprintf(w, "crashguard_expiries_total %d\n", c.expiries.Load())

		if opts.LiveRecords != nil {
			fmt.Fprint(w, "# HELP crashguard_live_records Crash records currently tracked.\n")
			fmt.Fprint(w, "# TYPE crashguard_live_records gauge\n")
			fmt.Fprintf(w, "crashguard_live_records %d\n", opts.LiveRecords())
		}

		var lines []string
		c.byType.Range(func(k, v any) bool {
			lines = append(lines, fmt.Sprintf("crashguard_events_by_type_total{type=%q} %d",
				k.(string), v.(*atomic.Uint64).Load()))
			return true
		})
		if len(lines) > 0 {
			sort.Strings(lines)
			fmt.Fprint(w, "# HELP crashguard_events_by_type_total Guard events by type.\n")
			fmt.Fprint(w, "# TYPE crashguard_events_by_type_total counter\n")
			fmt.Fprint(w, strings.Join(lines, "\n")+"\n")
		}

		fmt.Fprint(w, "# HELP crashguard_uptime_seconds Seconds since process start.\n")
		fmt.Fprint(w, "# TYPE crashguard_uptime_seconds gauge\n")
		fmt.Fprintf(w, "crashguard_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))
	})
}
