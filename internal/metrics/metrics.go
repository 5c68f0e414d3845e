// Package metrics defines the Prometheus counters and histograms shared by
// the worker and dispatcher processes, and the HTTP handler that exposes
// them. Grounded in the teacher's use of
// github.com/prometheus/client_golang for pipeline instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesProcessed counts inbound envelopes the worker finished
	// processing, labelled by terminal status.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayd_messages_processed_total",
		Help: "Inbound envelopes processed by the worker, by terminal status.",
	}, []string{"status"})

	// ToolCalls counts tool invocations during supervisor handling, labelled
	// by tool name and whether the call errored.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayd_tool_calls_total",
		Help: "Tool invocations made while handling a message.",
	}, []string{"tool", "outcome"})

	// GroundedReplies counts replies where at least one non-internal tool
	// executed successfully, versus replies answered from model knowledge
	// alone.
	GroundedReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayd_grounded_replies_total",
		Help: "Replies labelled by whether a grounding tool call backed them.",
	}, []string{"grounded"})

	// IngressLag observes the delay between an envelope's ingress timestamp
	// and when the worker picked it up.
	IngressLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatewayd_ingress_lag_seconds",
		Help:    "Seconds between ingress publish and worker pickup.",
		Buckets: prometheus.DefBuckets,
	})

	// DispatchResult counts outbound delivery attempts by channel adapter
	// and outcome.
	DispatchResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewayd_dispatch_total",
		Help: "Outbound delivery attempts, by channel and outcome.",
	}, []string{"channel", "outcome"})
)

// Handler returns the HTTP handler that serves the process's registered
// metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
