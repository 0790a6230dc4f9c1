// Package metrics exposes Prometheus instrumentation plus the /healthz
// endpoint for the bridge process.
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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_orders_submitted_total",
		Help: "Order submissions by broker and outcome",
	}, []string{"broker", "result"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_order_transitions_total",
		Help: "Order state transitions applied, by target status",
	}, []string{"status"})

	ReconcilePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_reconcile_polls_total",
		Help: "Reconciliation poll batches per broker and outcome",
	}, []string{"broker", "result"})

	ReconcileSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconcile_skips_total",
		Help: "Reconciliation ticks skipped because the previous batch was still in flight",
	})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_token_refreshes_total",
		Help: "Token refresh attempts per broker and outcome",
	}, []string{"broker", "result"})

	SymbolSyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_symbol_sync_runs_total",
		Help: "Instrument master sync runs per broker and status",
	}, []string{"broker", "status"})

	InstrumentsIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_instruments_indexed",
		Help: "Instruments currently held in the resolver index",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_connections",
		Help: "Broker connections currently active",
	})

	BrokerCallDur = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_broker_call_duration_seconds",
		Help:    "Broker REST call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"broker", "op"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_events_published_total",
		Help: "Update events published, by topic",
	}, []string{"topic"})
)

// HealthStatus represents the bridge process health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected    bool      `json:"redis_connected"`
	SQLiteOK          bool      `json:"sqlite_ok"`
	ReconcilerOK      bool      `json:"reconciler_ok"`
	LastReconcileTick time.Time `json:"last_reconcile_tick"`
	ActiveConnections int       `json:"active_connections"`
	IndexedSymbols    int       `json:"indexed_symbols"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetReconcilerOK(v bool) {
	h.mu.Lock()
	h.ReconcilerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastReconcileTick(t time.Time) {
	h.mu.Lock()
	h.LastReconcileTick = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveConnections(n int) {
	h.mu.Lock()
	h.ActiveConnections = n
	h.mu.Unlock()
	ActiveConnections.Set(float64(n))
}

func (h *HealthStatus) SetIndexedSymbols(n int) {
	h.mu.Lock()
	h.IndexedSymbols = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
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

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.SQLiteOK || !h.ReconcilerOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastReconcileTick.IsZero() {
		tickAge = time.Since(h.LastReconcileTick).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		SQLiteOK          bool    `json:"sqlite_ok"`
		SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
		ReconcilerOK      bool    `json:"reconciler_ok"`
		LastReconcileTick string  `json:"last_reconcile_tick"`
		ReconcileAge      string  `json:"reconcile_age"`
		ActiveConnections int     `json:"active_connections"`
		IndexedSymbols    int     `json:"indexed_symbols"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		ReconcilerOK:      h.ReconcilerOK,
		LastReconcileTick: h.LastReconcileTick.Format(time.RFC3339),
		ReconcileAge:      tickAge,
		ActiveConnections: h.ActiveConnections,
		IndexedSymbols:    h.IndexedSymbols,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
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
