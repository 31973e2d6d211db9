// Package metrics exposes the orchestrator's operational counters via
// Prometheus. Collectors are registered on the default registry and served
// through Handler on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts processed user turns by terminal status
	// (ok, error).
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmesh_turns_total",
		Help: "User turns processed, by terminal status.",
	}, []string{"status"})

	// ProviderRequests counts chat-completion calls by agent.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmesh_provider_requests_total",
		Help: "Chat-completion requests, by agent and outcome.",
	}, []string{"agent", "outcome"})

	// ToolCalls counts MCP tool invocations by outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mindmesh_tool_calls_total",
		Help: "MCP tool invocations, by outcome.",
	}, []string{"outcome"})

	// SupervisorRejections counts plans the supervisor bounced.
	SupervisorRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mindmesh_supervisor_rejections_total",
		Help: "Plans rejected by the supervisor.",
	})

	// ExecutorStages observes how many stages each tool task needed.
	ExecutorStages = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mindmesh_executor_stages",
		Help:    "Executor sub-loop stages per tool task.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
