package orders

import (
	"context"
	"log"
	"sync"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/metrics"
	"alertbridge/internal/model"
	"alertbridge/internal/token"
)

const (
	defaultInterval   = 15 * time.Second
	transientBudget   = 5
	backoffBase       = 30 * time.Second
	backoffMax        = 10 * time.Minute
)

// Reconciler polls broker order books for every connection holding
// non-terminal orders and applies state transitions. Connections with no
// open orders leave the schedule entirely; a tick for a connection still
// working its previous batch is skipped, never queued. Transitions are
// monotonic and each applied change fires exactly one event.
type Reconciler struct {
	orders   model.OrderStore
	conns    model.ConnectionStore
	registry *broker.Registry
	tokens   *token.Manager
	bus      *events.Bus

	interval time.Duration
	now      func() time.Time

	// gate, when set, suppresses polling outside market hours.
	gate func(time.Time) bool

	health *metrics.HealthStatus

	mu          sync.Mutex
	scheduled   map[string]bool
	inFlight    map[string]bool
	failures    map[string]int
	nextAttempt map[string]time.Time
}

func NewReconciler(orders model.OrderStore, conns model.ConnectionStore, reg *broker.Registry,
	tokens *token.Manager, bus *events.Bus, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	r := &Reconciler{
		orders:      orders,
		conns:       conns,
		registry:    reg,
		tokens:      tokens,
		bus:         bus,
		interval:    interval,
		now:         time.Now,
		scheduled:   make(map[string]bool),
		inFlight:    make(map[string]bool),
		failures:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
	}
	tokens.OnDisconnect(r.Unwatch)
	return r
}

// SetGate installs a market-hours predicate; polls are withheld while it
// returns false.
func (r *Reconciler) SetGate(fn func(time.Time) bool) { r.gate = fn }

// SetHealth wires the health status sink.
func (r *Reconciler) SetHealth(h *metrics.HealthStatus) { r.health = h }

// SetNowFunc overrides the clock. Tests only.
func (r *Reconciler) SetNowFunc(now func() time.Time) { r.now = now }

// Watch adds a connection to the schedule. Called after a successful
// submission; idempotent.
func (r *Reconciler) Watch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scheduled[connectionID] {
		r.scheduled[connectionID] = true
		log.Printf("[reconcile] %s: scheduled", connectionID)
	}
}

// Unwatch removes a connection from the schedule. Called on disconnect
// and when a batch finds no open orders left.
func (r *Reconciler) Unwatch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled[connectionID] {
		delete(r.scheduled, connectionID)
		delete(r.failures, connectionID)
		delete(r.nextAttempt, connectionID)
		log.Printf("[reconcile] %s: unscheduled", connectionID)
	}
}

// Watched reports whether a connection is currently scheduled.
func (r *Reconciler) Watched(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheduled[connectionID]
}

// Seed loads the schedule from persisted state at startup: every
// connection holding a non-terminal order.
func (r *Reconciler) Seed() error {
	ids, err := r.orders.ConnectionsWithOpenOrders()
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, id := range ids {
		r.scheduled[id] = true
	}
	r.mu.Unlock()
	if len(ids) > 0 {
		log.Printf("[reconcile] seeded %d connections with open orders", len(ids))
	}
	return nil
}

// Run drives the poll loop until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	log.Printf("[reconcile] polling every %v", r.interval)
	if r.health != nil {
		r.health.SetReconcilerOK(true)
	}

	for {
		select {
		case <-ctx.Done():
			if r.health != nil {
				r.health.SetReconcilerOK(false)
			}
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick launches one reconciliation batch per due connection. Exported so
// tests drive the loop deterministically.
func (r *Reconciler) Tick(ctx context.Context) {
	now := r.now().UTC()
	if r.gate != nil && !r.gate(now) {
		return
	}
	if r.health != nil {
		r.health.SetLastReconcileTick(now)
	}

	r.mu.Lock()
	var due []string
	for id := range r.scheduled {
		if r.inFlight[id] {
			metrics.ReconcileSkips.Inc()
			continue
		}
		if next, ok := r.nextAttempt[id]; ok && now.Before(next) {
			continue
		}
		r.inFlight[id] = true
		due = append(due, id)
	}
	r.mu.Unlock()

	for _, id := range due {
		go func(id string) {
			defer func() {
				r.mu.Lock()
				delete(r.inFlight, id)
				r.mu.Unlock()
			}()
			r.reconcileConnection(ctx, id)
		}(id)
	}
}

func (r *Reconciler) reconcileConnection(ctx context.Context, connectionID string) {
	conn, err := r.conns.GetConnection(connectionID)
	if err != nil || conn == nil {
		r.Unwatch(connectionID)
		return
	}
	if !conn.Active {
		r.Unwatch(connectionID)
		return
	}
	adapter := r.registry.Get(conn.Kind)
	if adapter == nil {
		log.Printf("[reconcile] %s: no adapter for broker %s", connectionID, conn.Kind)
		return
	}

	open, err := r.orders.OpenOrders(connectionID)
	if err != nil {
		log.Printf("[reconcile] %s: load open orders: %v", connectionID, err)
		return
	}
	if len(open) == 0 {
		r.Unwatch(connectionID)
		return
	}

	sess, err := r.tokens.Session(ctx, connectionID)
	if err != nil {
		// Known order state is kept; the connection just needs reauth.
		if broker.IsTokenExpired(err) {
			metrics.ReconcilePolls.WithLabelValues(string(conn.Kind), "token_expired").Inc()
		}
		return
	}

	kind := string(conn.Kind)
	for i := range open {
		rec := &open[i]

		start := time.Now()
		state, err := adapter.OrderStatus(ctx, rec.BrokerOrderRef, sess)
		metrics.BrokerCallDur.WithLabelValues(kind, "order_status").Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			r.clearFailures(ctx, conn)
			r.apply(ctx, conn, rec, state)

		case broker.IsTokenExpired(err):
			r.tokens.MarkExpired(ctx, connectionID)
			metrics.ReconcilePolls.WithLabelValues(kind, "token_expired").Inc()
			return

		case broker.IsTransient(err):
			r.recordFailure(ctx, conn)
			metrics.ReconcilePolls.WithLabelValues(kind, "transient").Inc()
			log.Printf("[reconcile] %s %s: transient poll failure: %v", conn.Kind, rec.ID, err)
			return

		default:
			log.Printf("[reconcile] %s %s: poll failed: %v", conn.Kind, rec.ID, err)
		}
	}
	metrics.ReconcilePolls.WithLabelValues(kind, "ok").Inc()
}

// apply compares one broker-reported snapshot to the stored record and
// persists at most one transition, emitting one event per actual change.
func (r *Reconciler) apply(ctx context.Context, conn *model.BrokerConnection, rec *model.OrderRecord, state broker.OrderState) {
	statusChanged := state.Status != "" && state.Status != rec.Status
	if statusChanged && !model.CanTransition(rec.Status, state.Status) {
		// The broker reported a state behind what we already hold. The
		// stored sequence stays monotonic.
		log.Printf("[reconcile] %s %s: ignoring regressive %s → %s",
			conn.Kind, rec.ID, rec.Status, state.Status)
		statusChanged = false
	}
	fillChanged := state.FilledQty != rec.FilledQty || (state.AvgPrice > 0 && state.AvgPrice != rec.AvgPrice)
	if !statusChanged && !fillChanged {
		return
	}

	// A disconnect while this batch was in flight removes the connection
	// from the schedule; its results are discarded, not applied.
	if !r.Watched(conn.ID) {
		log.Printf("[reconcile] %s %s: discarding snapshot for unscheduled connection", conn.Kind, rec.ID)
		return
	}

	from := rec.Status
	if statusChanged {
		rec.Status = state.Status
	}
	if state.FilledQty > 0 {
		rec.FilledQty = state.FilledQty
	}
	if state.AvgPrice > 0 {
		rec.AvgPrice = state.AvgPrice
	}
	if state.Raw != "" {
		rec.RawResponse = state.Raw
	}
	rec.UpdatedAt = r.now().UTC()

	if err := r.orders.UpdateOrder(rec); err != nil {
		log.Printf("[reconcile] %s %s: persist transition: %v", conn.Kind, rec.ID, err)
		return
	}

	r.bus.PublishOrderUpdate(ctx, events.OrderUpdate{
		OrderID:      rec.ID,
		ConnectionID: rec.ConnectionID,
		Broker:       conn.Kind,
		Symbol:       rec.Symbol,
		From:         from,
		To:           rec.Status,
		FilledQty:    rec.FilledQty,
		AvgPrice:     rec.AvgPrice,
		Message:      state.Message,
	})
	if statusChanged {
		metrics.OrderTransitions.WithLabelValues(string(rec.Status)).Inc()
		log.Printf("[reconcile] %s %s: %s → %s (filled %d/%d)",
			conn.Kind, rec.ID, from, rec.Status, rec.FilledQty, rec.Qty)
	}
}

// recordFailure applies the transient-failure budget: exponential
// backoff on the connection's next attempt, and a Degraded flag once the
// budget is spent.
func (r *Reconciler) recordFailure(ctx context.Context, conn *model.BrokerConnection) {
	r.mu.Lock()
	r.failures[conn.ID]++
	n := r.failures[conn.ID]
	backoff := backoffMax
	if n <= 5 {
		backoff = backoffBase << (n - 1)
	}
	r.nextAttempt[conn.ID] = r.now().UTC().Add(backoff)
	r.mu.Unlock()

	if n == transientBudget && !conn.Degraded {
		conn.Degraded = true
		conn.UpdatedAt = r.now().UTC()
		if err := r.conns.UpdateConnection(conn); err != nil {
			log.Printf("[reconcile] %s: persist degraded flag: %v", conn.ID, err)
			return
		}
		r.bus.PublishConnectionUpdate(ctx, events.ConnectionUpdate{
			ConnectionID: conn.ID,
			Broker:       conn.Kind,
			AuthStatus:   conn.AuthStatus,
			Degraded:     true,
			Message:      "repeated transient poll failures",
		})
		log.Printf("[reconcile] %s %s: marked degraded after %d transient failures",
			conn.Kind, conn.ID, n)
	}
}

// clearFailures resets the budget after a successful poll and lifts the
// Degraded flag.
func (r *Reconciler) clearFailures(ctx context.Context, conn *model.BrokerConnection) {
	r.mu.Lock()
	hadFailures := r.failures[conn.ID] > 0
	delete(r.failures, conn.ID)
	delete(r.nextAttempt, conn.ID)
	r.mu.Unlock()

	if hadFailures && conn.Degraded {
		conn.Degraded = false
		conn.UpdatedAt = r.now().UTC()
		if err := r.conns.UpdateConnection(conn); err != nil {
			log.Printf("[reconcile] %s: clear degraded flag: %v", conn.ID, err)
			return
		}
		r.bus.PublishConnectionUpdate(ctx, events.ConnectionUpdate{
			ConnectionID: conn.ID,
			Broker:       conn.Kind,
			AuthStatus:   conn.AuthStatus,
			Degraded:     false,
			Message:      "polling recovered",
		})
	}
}
