// Package metrics exposes the server's Prometheus counters and gauges
// (spec section 4.6's AICompleter observability, plus room/session
// gauges) and the HTTP handler that serves them.
//
// Grounded on the teacher's go.mod dependency on
// github.com/prometheus/client_golang (present but unwired in the
// teacher's own tree) and github.com/gorilla/handlers for the metrics
// endpoint's access log, mirroring how the teacher wraps its own HTTP
// mux in server/main.go.
package metrics

import (
	"fmt"
	"io"
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AIRequestsTotal counts every AICompleter.Complete call, per spec
	// section 4.6's "total requests" counter.
	AIRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "ai",
		Name:      "requests_total",
		Help:      "Total number of AI completion requests.",
	})

	// AICacheHits counts fingerprint cache hits.
	AICacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "ai",
		Name:      "cache_hits_total",
		Help:      "Total number of AI completion cache hits.",
	})

	// AICacheMisses counts fingerprint cache misses.
	AICacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "ai",
		Name:      "cache_misses_total",
		Help:      "Total number of AI completion cache misses.",
	})

	// AIFailuresTotal counts completions that fell through to the fixed
	// apology string (both primary and simplified fallback failed).
	AIFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Subsystem: "ai",
		Name:      "failures_total",
		Help:      "Total number of AI completions that exhausted the fallback chain.",
	})

	// SessionsActive gauges the number of sessions held by the
	// SessionRegistry; an expired session counts until it is removed or
	// swept.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of currently active sessions.",
	})

	// RoomSubscribersActive gauges total subscriber count summed across
	// all rooms.
	RoomSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "room",
		Name:      "subscribers_active",
		Help:      "Number of currently subscribed (user, room) pairs.",
	})

	// ConnectionsActive gauges the number of live client connections
	// accepted by the Listener.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Subsystem: "conn",
		Name:      "active",
		Help:      "Number of currently open client connections.",
	})
)

// AIStatsReport renders the counters above into the human-readable report
// AICompleter.Stats() returns, per spec section 4.6.
func AIStatsReport() string {
	total := counterValue(AIRequestsTotal)
	hits := counterValue(AICacheHits)
	misses := counterValue(AICacheMisses)
	failures := counterValue(AIFailuresTotal)

	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = 100 * hits / (hits + misses)
	}

	return fmt.Sprintf(
		"AI completions: %.0f total, %.0f cache hits, %.0f cache misses (%.1f%% hit rate), %.0f fallback failures",
		total, hits, misses, hitRate, failures,
	)
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Handler returns the /metrics HTTP handler, wrapped in gorilla/handlers'
// combined access-logging handler writing to out.
func Handler(out io.Writer) http.Handler {
	return handlers.CombinedLoggingHandler(out, promhttp.Handler())
}
