package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webgis_chat_queries_total",
			Help: "Chat queries by outcome and intent.",
		},
		[]string{"outcome", "intent"},
	)
	chatQueryLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webgis_chat_query_latency_ms",
			Help:    "End-to-end chat pipeline latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 40000},
		},
	)
	sqlRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webgis_sql_rejected_total",
			Help: "Generated statements rejected by the safety checks.",
		},
		[]string{"stage"},
	)
	llmFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webgis_llm_failures_total",
			Help: "Language model call failures by pipeline stage and error kind.",
		},
		[]string{"stage", "kind"},
	)
	datasetRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webgis_dataset_registrations_total",
			Help: "Dataset registrations by outcome.",
		},
		[]string{"outcome"},
	)
	ingestPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webgis_ingest_pages_total",
			Help: "Feature pages fetched and stored by background ingestion.",
		},
	)
	ingestFeaturesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webgis_ingest_features_total",
			Help: "Features upserted by background ingestion.",
		},
	)
	ingestFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webgis_ingest_failures_total",
			Help: "Ingestion runs that ended in the failed state.",
		},
	)
	ingestRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webgis_ingest_running",
			Help: "Ingestion runs currently in progress.",
		},
	)
	cacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webgis_cache_errors_total",
			Help: "Best-effort cache operations that failed.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		chatQueriesTotal,
		chatQueryLatencyMs,
		sqlRejectedTotal,
		llmFailuresTotal,
		datasetRegistrationsTotal,
		ingestPagesTotal,
		ingestFeaturesTotal,
		ingestFailuresTotal,
		ingestRunning,
		cacheErrorsTotal,
	)
}

func ObserveChatQuery(outcome string, showQuery bool, elapsed time.Duration) {
	intent := "analytical"
	if showQuery {
		intent = "show"
	}
	chatQueriesTotal.WithLabelValues(outcome, intent).Inc()
	chatQueryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementSQLRejected(stage string) {
	sqlRejectedTotal.WithLabelValues(stage).Inc()
}

func IncrementLLMFailure(stage, kind string) {
	llmFailuresTotal.WithLabelValues(stage, kind).Inc()
}

func IncrementDatasetRegistration(outcome string) {
	datasetRegistrationsTotal.WithLabelValues(outcome).Inc()
}

func ObserveIngestPage(features int) {
	ingestPagesTotal.Inc()
	if features > 0 {
		ingestFeaturesTotal.Add(float64(features))
	}
}

func IncrementIngestFailure() {
	ingestFailuresTotal.Inc()
}

// TrackIngestRun marks a run as started and returns the func that ends it.
func TrackIngestRun() func() {
	ingestRunning.Inc()
	return ingestRunning.Dec
}

func IncrementCacheError(op string) {
	cacheErrorsTotal.WithLabelValues(op).Inc()
}
