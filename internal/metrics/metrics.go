// Package metrics exposes Prometheus metrics and a health endpoint for the
// replay server.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the replay server.
type Metrics struct {
	SessionsActive prometheus.Gauge
	BarsEmitted    prometheus.Counter
	CommandsTotal  *prometheus.CounterVec // labels: type
	ErrorsTotal    *prometheus.CounterVec // labels: kind
	StoreFetchDur  prometheus.Histogram
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	WSDropped      prometheus.Counter
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "replayd_sessions_active",
			Help: "Currently connected playback sessions",
		}),
		BarsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayd_bars_emitted_total",
			Help: "Total bars emitted to clients",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replayd_commands_total",
			Help: "Inbound protocol commands by type",
		}, []string{"type"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "replayd_errors_total",
			Help: "ERROR events emitted to clients by kind",
		}, []string{"kind"}),
		StoreFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replayd_store_fetch_duration_seconds",
			Help:    "Bar store fetch latency during INIT",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayd_cache_hits_total",
			Help: "Bar range fetches served from the redis cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayd_cache_misses_total",
			Help: "Bar range fetches that fell through to the SQL store",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replayd_ws_dropped_messages_total",
			Help: "Outbound messages dropped because a client send buffer was full",
		}),
	}

	prometheus.MustRegister(
		m.SessionsActive,
		m.BarsEmitted,
		m.CommandsTotal,
		m.ErrorsTotal,
		m.StoreFetchDur,
		m.CacheHits,
		m.CacheMisses,
		m.WSDropped,
	)

	return m
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer creates the metrics server. healthz reports process liveness
// only; the main listener serves the richer /health.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
