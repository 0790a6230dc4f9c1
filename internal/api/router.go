// Package api exposes the bridge's HTTP surface: connection lifecycle,
// order submission, symbol search, master sync control and the live
// WebSocket stream.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"alertbridge/internal/gateway"
	"alertbridge/internal/logger"
	"alertbridge/internal/model"
	"alertbridge/internal/orders"
	"alertbridge/internal/symbols"
	"alertbridge/internal/token"
)

// Server bundles the components the HTTP handlers delegate to.
type Server struct {
	tokens   *token.Manager
	orders   *orders.Coordinator
	store    model.OrderStore
	conns    model.ConnectionStore
	resolver *symbols.Resolver
	sync     *symbols.SyncService
	hub      *gateway.Hub
}

func NewServer(
	tokens *token.Manager,
	coord *orders.Coordinator,
	store model.OrderStore,
	conns model.ConnectionStore,
	resolver *symbols.Resolver,
	syncSvc *symbols.SyncService,
	hub *gateway.Hub,
) *Server {
	return &Server{
		tokens:   tokens,
		orders:   coord,
		store:    store,
		conns:    conns,
		resolver: resolver,
		sync:     syncSvc,
		hub:      hub,
	}
}

// Router sets up all HTTP routes.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)

	mux.HandleFunc("/api/v1/connections", s.handleConnections)
	mux.HandleFunc("/api/v1/connections/", s.handleConnectionByID)

	mux.HandleFunc("/api/v1/orders", s.handleOrders)
	mux.HandleFunc("/api/v1/orders/", s.handleOrderByID)

	mux.HandleFunc("/api/v1/positions", s.handlePositions)
	mux.HandleFunc("/api/v1/holdings", s.handleHoldings)

	mux.HandleFunc("/api/v1/symbols/search", s.handleSymbolSearch)
	mux.HandleFunc("/api/v1/symbols/resolve", s.handleSymbolResolve)
	mux.HandleFunc("/api/v1/symbols/sync", s.handleSymbolSync)
	mux.HandleFunc("/api/v1/symbols/sync/status", s.handleSyncStatus)

	if s.hub != nil {
		mux.HandleFunc("/api/v1/stream", s.hub.ServeWS)
	}

	return mux
}

// Handler wraps the router with request logging and trace propagation.
func (s *Server) Handler() http.Handler {
	return withTrace(s.Router())
}

func withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID(r.Method, start))
		next.ServeHTTP(w, r.WithContext(ctx))
		args := append(logger.LogWithTrace(ctx),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", time.Since(start)))
		slog.Debug("http request", args...)
	})
}
