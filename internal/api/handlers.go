package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"alertbridge/internal/broker"
	"alertbridge/internal/model"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] response encode: %v", err)
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var vErr *broker.ValidationError
	var uErr *broker.UnsupportedSymbolError
	switch {
	case errors.As(err, &vErr):
		code = http.StatusBadRequest
	case errors.As(err, &uErr):
		code = http.StatusUnprocessableEntity
	case broker.IsTokenExpired(err), broker.IsAuthFailure(err):
		code = http.StatusUnauthorized
	case broker.IsRejection(err):
		code = http.StatusBadGateway
	case broker.IsTransient(err):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Connections ──

type connectRequest struct {
	UserID      string             `json:"user_id"`
	Broker      model.BrokerKind   `json:"broker"`
	Credentials broker.Credentials `json:"credentials"`
}

type connectResponse struct {
	Connection *model.BrokerConnection `json:"connection"`
	Challenge  *broker.LoginChallenge  `json:"challenge,omitempty"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "1"
		list, err := s.conns.ListConnections(activeOnly)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req connectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if !req.Broker.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown broker " + string(req.Broker)})
			return
		}
		conn, challenge, err := s.tokens.Connect(r.Context(), req.UserID, req.Broker, req.Credentials)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, connectResponse{Connection: conn, Challenge: challenge})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path, "/api/v1/connections/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		conn, err := s.conns.GetConnection(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if conn == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, conn)

	case action == "" && r.Method == http.MethodDelete:
		if err := s.tokens.Delete(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	case action == "callback" && r.Method == http.MethodPost:
		var req struct {
			RequestToken string `json:"request_token"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := s.tokens.CompleteChallenge(r.Context(), id, req.RequestToken); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "authenticated"})

	case action == "reconnect" && r.Method == http.MethodPost:
		challenge, err := s.tokens.Reconnect(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, connectResponse{Challenge: challenge})

	case action == "test" && r.Method == http.MethodPost:
		if err := s.orders.TestConnection(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	case action == "disconnect" && r.Method == http.MethodPost:
		if err := s.tokens.Disconnect(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ── Orders ──

type submitRequest struct {
	ConnectionID string `json:"connection_id"`
	model.OrderIntent
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		connID := r.URL.Query().Get("connection_id")
		if connID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connection_id is required"})
			return
		}
		list, err := s.store.OpenOrders(connID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case http.MethodPost:
		var req submitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := s.orders.Submit(r.Context(), req.ConnectionID, req.OrderIntent)
		if rec != nil {
			// A persisted record means the submission was processed,
			// even when the broker rejected or failed it.
			writeJSON(w, http.StatusCreated, rec)
			return
		}
		writeErr(w, err)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	id, action := splitIDAction(r.URL.Path, "/api/v1/orders/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		rec, err := s.store.GetOrder(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if rec == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.orders.Cancel(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancel_requested"})

	case action == "modify" && r.Method == http.MethodPost:
		var intent model.OrderIntent
		if !decodeBody(w, r, &intent) {
			return
		}
		if err := s.orders.Modify(r.Context(), id, intent); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "modify_requested"})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connection_id is required"})
		return
	}
	positions, err := s.orders.Positions(r.Context(), connID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "connection_id is required"})
		return
	}
	holdings, err := s.orders.Holdings(r.Context(), connID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// ── Symbols ──

func (s *Server) handleSymbolSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	results := s.resolver.Search(query, q.Get("exchange"), model.Segment(q.Get("segment")), limit)
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleSymbolResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol, exchange := q.Get("symbol"), q.Get("exchange")
	kind := model.BrokerKind(q.Get("broker"))
	if symbol == "" || exchange == "" || !kind.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol, exchange and a valid broker are required"})
		return
	}
	ri, err := s.resolver.Resolve(symbol, exchange, kind)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolved": ri,
		"brokers":  s.resolver.SupportedBrokers(symbol, exchange),
	})
}

func (s *Server) handleSymbolSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if b := r.URL.Query().Get("broker"); b != "" {
		kind := model.BrokerKind(b)
		if !kind.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown broker " + b})
			return
		}
		// Detach from the request context; the sync outlives it.
		go func() {
			s.sync.SyncBroker(context.Background(), kind)
			if err := s.sync.ReloadIndex(); err != nil {
				log.Printf("[api] index reload after sync: %v", err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "broker": b})
		return
	}
	go s.sync.SyncAll(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Report())
}

// splitIDAction breaks "/prefix/{id}" or "/prefix/{id}/{action}" into its
// parts. action is "" when the path names the resource itself.
func splitIDAction(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", ""
	}
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action
}
