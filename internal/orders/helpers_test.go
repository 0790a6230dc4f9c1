package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/model"
	"alertbridge/internal/symbols"
	"alertbridge/internal/token"
	"alertbridge/internal/vault"
)

// ── in-memory stores ──

type memOrderStore struct {
	mu     sync.Mutex
	orders map[string]model.OrderRecord
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{orders: map[string]model.OrderRecord{}}
}

func (s *memOrderStore) CreateOrder(rec *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[rec.ID] = *rec
	return nil
}

func (s *memOrderStore) GetOrder(id string) (*model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (s *memOrderStore) UpdateOrder(rec *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[rec.ID] = *rec
	return nil
}

func (s *memOrderStore) OpenOrders(connectionID string) ([]model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrderRecord
	for _, rec := range s.orders {
		if rec.ConnectionID == connectionID && !rec.Status.IsTerminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memOrderStore) ConnectionsWithOpenOrders() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var ids []string
	for _, rec := range s.orders {
		if !rec.Status.IsTerminal() && !seen[rec.ConnectionID] {
			seen[rec.ConnectionID] = true
			ids = append(ids, rec.ConnectionID)
		}
	}
	return ids, nil
}

type memConnStore struct {
	mu    sync.Mutex
	conns map[string]model.BrokerConnection
}

func newMemConnStore() *memConnStore {
	return &memConnStore{conns: map[string]model.BrokerConnection{}}
}

func (s *memConnStore) CreateConnection(c *model.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = *c
	return nil
}

func (s *memConnStore) GetConnection(id string) (*model.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (s *memConnStore) UpdateConnection(c *model.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = *c
	return nil
}

func (s *memConnStore) ListConnections(activeOnly bool) ([]model.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BrokerConnection
	for _, c := range s.conns {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *memConnStore) DeleteConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return nil
}

// ── scripted adapter ──

type fakeAdapter struct {
	kind model.BrokerKind

	mu          sync.Mutex
	placeRef    string
	placeErr    error
	placeCalls  int
	statusFn    func(ref string) (broker.OrderState, error)
	statusCalls int
	statusGate  chan struct{} // when set, OrderStatus blocks until closed
}

func (a *fakeAdapter) Kind() model.BrokerKind     { return a.kind }
func (a *fakeAdapter) AuthStyle() model.AuthStyle { return model.AuthStyleCredential }

func (a *fakeAdapter) Authenticate(ctx context.Context, creds broker.Credentials) (broker.AuthResult, error) {
	return broker.AuthResult{Session: &broker.Session{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(8 * time.Hour),
	}}, nil
}

func (a *fakeAdapter) ExchangeToken(ctx context.Context, creds broker.Credentials, requestToken string) (*broker.Session, error) {
	return nil, &broker.ValidationError{Field: "request_token", Reason: "not a redirect broker"}
}

func (a *fakeAdapter) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri broker.ResolvedInstrument, sess *broker.Session) (broker.PlacedOrder, error) {
	a.mu.Lock()
	a.placeCalls++
	ref, err := a.placeRef, a.placeErr
	a.mu.Unlock()
	if err != nil {
		return broker.PlacedOrder{}, err
	}
	return broker.PlacedOrder{Ref: ref, Raw: `{"status":"success"}`}, nil
}

func (a *fakeAdapter) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri broker.ResolvedInstrument, sess *broker.Session) error {
	return nil
}

func (a *fakeAdapter) CancelOrder(ctx context.Context, ref string, sess *broker.Session) error {
	return nil
}

func (a *fakeAdapter) OrderStatus(ctx context.Context, ref string, sess *broker.Session) (broker.OrderState, error) {
	a.mu.Lock()
	a.statusCalls++
	gate := a.statusGate
	fn := a.statusFn
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fn == nil {
		return broker.OrderState{Status: model.StatusOpen}, nil
	}
	return fn(ref)
}

func (a *fakeAdapter) Positions(ctx context.Context, sess *broker.Session) ([]broker.Position, error) {
	return nil, nil
}

func (a *fakeAdapter) Holdings(ctx context.Context, sess *broker.Session) ([]broker.Holding, error) {
	return nil, nil
}

func (a *fakeAdapter) TestConnection(ctx context.Context, sess *broker.Session) error { return nil }

func (a *fakeAdapter) calls() (place, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.placeCalls, a.statusCalls
}

// ── fixture wiring ──

type fixture struct {
	adapter    *fakeAdapter
	orders     *memOrderStore
	conns      *memConnStore
	tokens     *token.Manager
	bus        *events.Bus
	reconciler *Reconciler
	coord      *Coordinator
	connID     string

	mu          sync.Mutex
	orderEvents []events.OrderUpdate
	connEvents  []events.ConnectionUpdate
}

func newFixture(t *testing.T, kind model.BrokerKind) *fixture {
	t.Helper()

	f := &fixture{
		adapter: &fakeAdapter{kind: kind, placeRef: "B-1001"},
		orders:  newMemOrderStore(),
		conns:   newMemConnStore(),
		bus:     events.NewBus(nil),
	}
	f.bus.OnOrderUpdate(func(ev events.OrderUpdate) {
		f.mu.Lock()
		f.orderEvents = append(f.orderEvents, ev)
		f.mu.Unlock()
	})
	f.bus.OnConnectionUpdate(func(ev events.ConnectionUpdate) {
		f.mu.Lock()
		f.connEvents = append(f.connEvents, ev)
		f.mu.Unlock()
	})

	reg := broker.NewRegistry()
	reg.Register(f.adapter)
	f.tokens = token.NewManager(f.conns, vault.NewMemory(), reg, f.bus, time.Hour)

	conn, _, err := f.tokens.Connect(context.Background(), "user-1", kind, broker.Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("fixture connect: %v", err)
	}
	f.connID = conn.ID

	resolver := symbols.NewResolver()
	resolver.Load(
		[]model.Instrument{{
			Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE",
			Segment: model.SegmentEquity, InstrumentType: "EQ", LotSize: 1, TickSize: 5,
		}},
		[]model.BrokerInstrumentMapping{{
			InstrumentKey: "NSE:EQ:RELIANCE", Kind: kind,
			BrokerSymbol: "RELIANCE-EQ", BrokerToken: "2885", BrokerExchange: "NSE",
			Active: true, UpdatedAt: time.Now(),
		}},
	)

	f.reconciler = NewReconciler(f.orders, f.conns, reg, f.tokens, f.bus, time.Second)
	f.coord = NewCoordinator(f.orders, f.conns, reg, resolver, f.tokens, f.bus, f.reconciler)
	return f
}

func (f *fixture) orderEventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orderEvents)
}

func marketBuyIntent() model.OrderIntent {
	return model.OrderIntent{
		Symbol:    "RELIANCE",
		Exchange:  "NSE",
		Side:      model.SideBuy,
		Qty:       10,
		OrderType: model.OrderTypeMarket,
		Product:   model.ProductIntraday,
	}
}
