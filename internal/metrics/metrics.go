// Package metrics exposes Prometheus instrumentation and the /healthz
// endpoint for the ingestion pipeline.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	TicksTotal        *prometheus.CounterVec // labels: symbol
	DuplicatesDropped *prometheus.CounterVec // labels: symbol
	StaleTicks        prometheus.Counter
	WSReconnects      *prometheus.CounterVec // labels: symbol
	CandlesClosed     *prometheus.CounterVec // labels: tf
	GapsDetected      prometheus.Counter
	GapsFilled        *prometheus.CounterVec // labels: outcome=filled|permanent
	FramesPublished   prometheus.Counter
	ConsumerDrops     prometheus.Counter
	FanoutDrops       *prometheus.CounterVec // labels: subscriber
	SQLiteCommitDur   prometheus.Histogram
	SQLiteWriteErrors prometheus.Counter
	BridgeClients     prometheus.Gauge
	FeedConsumers     prometheus.Gauge
}

// New registers and returns all pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_ticks_total",
			Help: "Ticks accepted into the pipeline",
		}, []string{"symbol"}),
		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_duplicates_dropped_total",
			Help: "Trades dropped as already seen during merge or reconnect",
		}, []string{"symbol"}),
		StaleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprintd_stale_ticks_total",
			Help: "Ticks older than the open candle bucket",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_ws_reconnects_total",
			Help: "Upstream websocket reconnect attempts",
		}, []string{"symbol"}),
		CandlesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_candles_closed_total",
			Help: "Candles closed per timeframe",
		}, []string{"tf"}),
		GapsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprintd_gaps_detected_total",
			Help: "Candle gaps recorded by the detector",
		}),
		GapsFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_gaps_resolved_total",
			Help: "Gap records resolved, by outcome",
		}, []string{"outcome"}),
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprintd_frames_published_total",
			Help: "Binary frames published to the feed distributor",
		}),
		ConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprintd_consumer_drops_total",
			Help: "Frames dropped for slow feed consumers",
		}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footprintd_fanout_drops_total",
			Help: "Events dropped by the fan-out bus per subscriber",
		}, []string{"subscriber"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "footprintd_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footprintd_sqlite_write_errors_total",
			Help: "Failed SQLite flush attempts",
		}),
		BridgeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprintd_bridge_clients",
			Help: "Connected control-plane websocket clients",
		}),
		FeedConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footprintd_feed_consumers",
			Help: "Connected binary feed consumers",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.DuplicatesDropped,
		m.StaleTicks,
		m.WSReconnects,
		m.CandlesClosed,
		m.GapsDetected,
		m.GapsFilled,
		m.FramesPublished,
		m.ConsumerDrops,
		m.FanoutDrops,
		m.SQLiteCommitDur,
		m.SQLiteWriteErrors,
		m.BridgeClients,
		m.FeedConsumers,
	)

	return m
}

// HealthStatus represents the process health for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTickTime   time.Time
	SQLiteOK       bool
	RedisConnected bool
	EnabledTFs     []int

	SQLiteLatencyMs float64
	RedisLatencyMs  float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), SQLiteOK: true}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetEnabledTFs(tfs []int) {
	h.mu.Lock()
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// StartLivenessChecker probes dependencies every interval until ctx ends.
// rdb may be nil when the Redis cache is disabled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, db *sql.DB, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if db != nil {
					start := time.Now()
					err := db.PingContext(probeCtx)
					h.mu.Lock()
					h.SQLiteOK = err == nil
					h.SQLiteLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
					h.LastCheckAt = time.Now()
					h.mu.Unlock()
				}
				if rdb != nil {
					start := time.Now()
					err := rdb.Ping(probeCtx).Err()
					h.mu.Lock()
					h.RedisConnected = err == nil
					h.RedisLatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
					h.mu.Unlock()
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.WSConnected || !h.SQLiteOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	resp := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		EnabledTFs      []int   `json:"enabled_tfs"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		EnabledTFs:      h.EnabledTFs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(resp)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
