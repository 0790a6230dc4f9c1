// Package orders contains the submission coordinator and the
// reconciliation engine. Submission is the single synchronous broker
// round trip that creates an OrderRecord; reconciliation is the polling
// loop that moves those records through the state machine afterwards.
package orders

import (
	"context"
	"fmt"
	"log"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/metrics"
	"alertbridge/internal/model"
	"alertbridge/internal/symbols"
	"alertbridge/internal/token"

	"github.com/google/uuid"
)

// Coordinator turns a normalized OrderIntent into one broker submission.
// Exactly one network round trip per call: symbol resolution and auth
// checks happen locally first, and any local failure aborts before the
// adapter is touched.
type Coordinator struct {
	orders     model.OrderStore
	conns      model.ConnectionStore
	registry   *broker.Registry
	resolver   *symbols.Resolver
	tokens     *token.Manager
	bus        *events.Bus
	reconciler *Reconciler
	now        func() time.Time
}

func NewCoordinator(orders model.OrderStore, conns model.ConnectionStore, reg *broker.Registry,
	resolver *symbols.Resolver, tokens *token.Manager, bus *events.Bus, reconciler *Reconciler) *Coordinator {
	return &Coordinator{
		orders:     orders,
		conns:      conns,
		registry:   reg,
		resolver:   resolver,
		tokens:     tokens,
		bus:        bus,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// Submit validates, resolves, and dispatches one intent on one
// connection. On broker acknowledgement the record is persisted Open and
// the connection enters the reconciliation schedule. Broker-side
// failures persist a terminal record retaining the raw error; local
// failures (validation, unsupported symbol, stale session) return
// without creating a record.
func (c *Coordinator) Submit(ctx context.Context, connectionID string, intent model.OrderIntent) (*model.OrderRecord, error) {
	if err := intent.Validate(); err != nil {
		return nil, &broker.ValidationError{Field: "intent", Reason: err.Error()}
	}

	conn, err := c.conns.GetConnection(connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}
	if !conn.Active {
		return nil, fmt.Errorf("connection %s is disconnected", connectionID)
	}
	adapter := c.registry.Get(conn.Kind)
	if adapter == nil {
		return nil, fmt.Errorf("no adapter registered for broker %s", conn.Kind)
	}

	ri, err := c.resolver.Resolve(intent.Symbol, intent.Exchange, conn.Kind)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "unsupported_symbol").Inc()
		return nil, err
	}

	sess, err := c.tokens.Session(ctx, connectionID)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "token_expired").Inc()
		return nil, err
	}

	now := c.now().UTC()
	rec := &model.OrderRecord{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Symbol:       intent.Symbol,
		Exchange:     intent.Exchange,
		Side:         intent.Side,
		OrderType:    intent.OrderType,
		Product:      intent.Product,
		Status:       model.StatusSubmitted,
		Qty:          intent.Qty,
		Price:        intent.Price,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	start := time.Now()
	placed, err := adapter.PlaceOrder(ctx, intent, ri, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "place_order").Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		rec.Status = model.StatusOpen
		rec.BrokerOrderRef = placed.Ref
		rec.RawResponse = placed.Raw
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "ok").Inc()

	case broker.IsRejection(err):
		rec.Status = model.StatusRejected
		rec.RawResponse = err.Error()
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "rejected").Inc()

	case broker.IsTokenExpired(err):
		c.tokens.MarkExpired(ctx, connectionID)
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "token_expired").Inc()
		return nil, err

	default:
		rec.Status = model.StatusFailed
		rec.RawResponse = err.Error()
		metrics.OrdersSubmitted.WithLabelValues(string(conn.Kind), "failed").Inc()
	}

	rec.UpdatedAt = c.now().UTC()
	if serr := c.orders.CreateOrder(rec); serr != nil {
		return nil, fmt.Errorf("persist order: %w", serr)
	}
	c.bus.PublishOrderUpdate(ctx, events.OrderUpdate{
		OrderID:      rec.ID,
		ConnectionID: connectionID,
		Broker:       conn.Kind,
		Symbol:       rec.Symbol,
		From:         model.StatusSubmitted,
		To:           rec.Status,
		Message:      errMessage(err),
	})
	metrics.OrderTransitions.WithLabelValues(string(rec.Status)).Inc()

	if err != nil {
		log.Printf("[orders] %s %s: submission %s: %v", conn.Kind, rec.ID, rec.Status, err)
		return rec, err
	}

	log.Printf("[orders] %s %s: placed %s %s %s x%d, broker ref %s",
		conn.Kind, rec.ID, rec.Side, rec.OrderType, rec.Symbol, rec.Qty, rec.BrokerOrderRef)
	if c.reconciler != nil {
		c.reconciler.Watch(connectionID)
	}
	return rec, nil
}

// Modify pushes new terms for an open order to the broker. The stored
// record keeps its status; the next reconciliation poll picks up the
// broker-side result.
func (c *Coordinator) Modify(ctx context.Context, orderID string, intent model.OrderIntent) error {
	rec, conn, adapter, err := c.loadOrder(orderID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("order %s is terminal (%s)", orderID, rec.Status)
	}
	if err := intent.Validate(); err != nil {
		return &broker.ValidationError{Field: "intent", Reason: err.Error()}
	}
	ri, err := c.resolver.Resolve(intent.Symbol, intent.Exchange, conn.Kind)
	if err != nil {
		return err
	}
	sess, err := c.tokens.Session(ctx, rec.ConnectionID)
	if err != nil {
		return err
	}

	start := time.Now()
	err = adapter.ModifyOrder(ctx, rec.BrokerOrderRef, intent, ri, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "modify_order").Observe(time.Since(start).Seconds())
	if broker.IsTokenExpired(err) {
		c.tokens.MarkExpired(ctx, rec.ConnectionID)
	}
	return err
}

// Cancel asks the broker to cancel an open order. The terminal Cancelled
// transition is applied by reconciliation once the broker confirms.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) error {
	rec, conn, adapter, err := c.loadOrder(orderID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("order %s is terminal (%s)", orderID, rec.Status)
	}
	sess, err := c.tokens.Session(ctx, rec.ConnectionID)
	if err != nil {
		return err
	}

	start := time.Now()
	err = adapter.CancelOrder(ctx, rec.BrokerOrderRef, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "cancel_order").Observe(time.Since(start).Seconds())
	if broker.IsTokenExpired(err) {
		c.tokens.MarkExpired(ctx, rec.ConnectionID)
	}
	return err
}

// Positions fetches the live position book for one connection.
func (c *Coordinator) Positions(ctx context.Context, connectionID string) ([]broker.Position, error) {
	conn, adapter, sess, err := c.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	pos, err := adapter.Positions(ctx, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "positions").Observe(time.Since(start).Seconds())
	if broker.IsTokenExpired(err) {
		c.tokens.MarkExpired(ctx, connectionID)
	}
	return pos, err
}

// TestConnection makes one cheap authenticated broker call to verify the
// connection's session is live.
func (c *Coordinator) TestConnection(ctx context.Context, connectionID string) error {
	conn, adapter, sess, err := c.loadConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = adapter.TestConnection(ctx, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "test_connection").Observe(time.Since(start).Seconds())
	if broker.IsTokenExpired(err) {
		c.tokens.MarkExpired(ctx, connectionID)
	}
	return err
}

// Holdings fetches the demat holdings for one connection.
func (c *Coordinator) Holdings(ctx context.Context, connectionID string) ([]broker.Holding, error) {
	conn, adapter, sess, err := c.loadConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	hold, err := adapter.Holdings(ctx, sess)
	metrics.BrokerCallDur.WithLabelValues(string(conn.Kind), "holdings").Observe(time.Since(start).Seconds())
	if broker.IsTokenExpired(err) {
		c.tokens.MarkExpired(ctx, connectionID)
	}
	return hold, err
}

func (c *Coordinator) loadOrder(orderID string) (*model.OrderRecord, *model.BrokerConnection, broker.Adapter, error) {
	rec, err := c.orders.GetOrder(orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	if rec == nil {
		return nil, nil, nil, fmt.Errorf("order %s not found", orderID)
	}
	conn, err := c.conns.GetConnection(rec.ConnectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if conn == nil {
		return nil, nil, nil, fmt.Errorf("connection %s not found", rec.ConnectionID)
	}
	adapter := c.registry.Get(conn.Kind)
	if adapter == nil {
		return nil, nil, nil, fmt.Errorf("no adapter registered for broker %s", conn.Kind)
	}
	return rec, conn, adapter, nil
}

func (c *Coordinator) loadConnection(ctx context.Context, connectionID string) (*model.BrokerConnection, broker.Adapter, *broker.Session, error) {
	conn, err := c.conns.GetConnection(connectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if conn == nil {
		return nil, nil, nil, fmt.Errorf("connection %s not found", connectionID)
	}
	adapter := c.registry.Get(conn.Kind)
	if adapter == nil {
		return nil, nil, nil, fmt.Errorf("no adapter registered for broker %s", conn.Kind)
	}
	sess, err := c.tokens.Session(ctx, connectionID)
	if err != nil {
		return nil, nil, nil, err
	}
	return conn, adapter, sess, nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
