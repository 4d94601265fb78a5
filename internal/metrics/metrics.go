package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Classifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportpulse_classifications_total",
			Help: "Conversations classified, by method of the primary assignment",
		},
		[]string{"method"},
	)

	LLMFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportpulse_llm_fallbacks_total",
			Help: "Conversations the LLM did not decide, by reason",
		},
		[]string{"reason"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "supportpulse_llm_request_duration_seconds",
			Help:    "Duration of LLM completion calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
		},
		[]string{"provider", "stage"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportpulse_llm_tokens_total",
			Help: "LLM tokens consumed, by direction",
		},
		[]string{"direction"},
	)

	SourceFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "supportpulse_source_fetch_failures_total",
			Help: "Conversations skipped because the source fetch failed",
		},
	)

	RunFallbackRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportpulse_run_fallback_rate",
			Help: "Fallback rate of the last completed run",
		},
	)

	RunUnknownRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportpulse_run_unknown_rate",
			Help: "Share of conversations with primary topic Unknown in the last completed run",
		},
	)

	RunConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "supportpulse_run_conversations",
			Help: "Conversations processed by the last completed run",
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "supportpulse_runs_total",
			Help: "Analysis runs, by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
