// Package metrics registers the Prometheus instrumentation for the indexer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trade indexer.
type Metrics struct {
	TradesIngested  *prometheus.CounterVec // labels: exchange
	DuplicateTrades *prometheus.CounterVec // labels: exchange
	IngestErrors    *prometheus.CounterVec // labels: exchange
	StoreErrors     *prometheus.CounterVec // labels: op
	BusDrops        *prometheus.CounterVec // labels: subscriber
	CandleUpserts   prometheus.Counter
	UpsertDur       prometheus.Histogram
	WSClients       prometheus.Gauge
	WSDroppedFrames prometheus.Counter
	Reconnects      *prometheus.CounterVec // labels: exchange
}

// New registers and returns all indexer metrics.
func New() *Metrics {
	m := &Metrics{
		TradesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_trades_ingested_total",
			Help: "Trades accepted and persisted, by exchange",
		}, []string{"exchange"}),
		DuplicateTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_duplicate_trades_total",
			Help: "Trades skipped by dedupe-key conflict, by exchange",
		}, []string{"exchange"}),
		IngestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_ingest_errors_total",
			Help: "Upstream fetch or decode failures, by exchange",
		}, []string{"exchange"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_store_errors_total",
			Help: "Database operation failures, by operation",
		}, []string{"op"}),
		BusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_bus_drops_total",
			Help: "Trades dropped from a full subscriber mailbox",
		}, []string{"subscriber"}),
		CandleUpserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmfeed_candle_upserts_total",
			Help: "Candle rows written (inserts and merges)",
		}),
		UpsertDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pmfeed_candle_upsert_duration_seconds",
			Help:    "Latency of a single candle upsert round trip",
			Buckets: prometheus.DefBuckets,
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmfeed_ws_clients",
			Help: "Currently connected WebSocket clients",
		}),
		WSDroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmfeed_ws_dropped_frames_total",
			Help: "Frames dropped from slow WebSocket client queues",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pmfeed_upstream_reconnects_total",
			Help: "Reconnection attempts to upstream feeds, by exchange",
		}, []string{"exchange"}),
	}

	prometheus.MustRegister(
		m.TradesIngested,
		m.DuplicateTrades,
		m.IngestErrors,
		m.StoreErrors,
		m.BusDrops,
		m.CandleUpserts,
		m.UpsertDur,
		m.WSClients,
		m.WSDroppedFrames,
		m.Reconnects,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
