package sqlite

import (
	"testing"
	"time"

	"alertbridge/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rec := &model.OrderRecord{
		ID:           "ord-1",
		ConnectionID: "conn-1",
		Symbol:       "RELIANCE",
		Exchange:     "NSE",
		Side:         model.SideBuy,
		OrderType:    model.OrderTypeLimit,
		Product:      model.ProductDelivery,
		Status:       model.StatusSubmitted,
		Qty:          10,
		Price:        250000,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateOrder(rec); err != nil {
		t.Fatalf("create order: %v", err)
	}

	got, err := s.GetOrder("ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got == nil {
		t.Fatal("expected order, got nil")
	}
	if got.Price != 250000 || got.Status != model.StatusSubmitted {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	rec.Status = model.StatusOpen
	rec.BrokerOrderRef = "B123456"
	rec.UpdatedAt = now.Add(time.Second)
	if err := s.UpdateOrder(rec); err != nil {
		t.Fatalf("update order: %v", err)
	}

	got, _ = s.GetOrder("ord-1")
	if got.Status != model.StatusOpen || got.BrokerOrderRef != "B123456" {
		t.Errorf("update not persisted: %+v", got)
	}

	if _, err := s.GetOrder("missing"); err != nil {
		t.Errorf("missing order should not error: %v", err)
	}
	missing, _ := s.GetOrder("missing")
	if missing != nil {
		t.Errorf("expected nil for missing order, got %+v", missing)
	}
}

func TestOpenOrdersExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	statuses := []model.OrderStatus{
		model.StatusOpen, model.StatusPartiallyFilled,
		model.StatusComplete, model.StatusRejected,
	}
	for i, st := range statuses {
		rec := &model.OrderRecord{
			ID:           "ord-" + string(rune('a'+i)),
			ConnectionID: "conn-1",
			Symbol:       "INFY",
			Exchange:     "NSE",
			Side:         model.SideSell,
			OrderType:    model.OrderTypeMarket,
			Product:      model.ProductIntraday,
			Status:       st,
			Qty:          1,
			CreatedAt:    now.Add(time.Duration(i) * time.Second),
			UpdatedAt:    now,
		}
		if err := s.CreateOrder(rec); err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
	}

	open, err := s.OpenOrders("conn-1")
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
	for _, o := range open {
		if o.Status.IsTerminal() {
			t.Errorf("terminal status %s in open list", o.Status)
		}
	}

	ids, err := s.ConnectionsWithOpenOrders()
	if err != nil {
		t.Fatalf("connections with open orders: %v", err)
	}
	if len(ids) != 1 || ids[0] != "conn-1" {
		t.Errorf("expected [conn-1], got %v", ids)
	}
}

func TestConnectionCRUD(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	conn := &model.BrokerConnection{
		ID:         "conn-z1",
		UserID:     "user-1",
		Kind:       model.KindZerodha,
		AuthStatus: model.AuthUnauthenticated,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateConnection(conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	conn.AuthStatus = model.AuthAuthenticated
	conn.SessionRef = "conn-z1/session"
	conn.TokenExpiresAt = now.Add(8 * time.Hour)
	conn.UpdatedAt = now.Add(time.Minute)
	if err := s.UpdateConnection(conn); err != nil {
		t.Fatalf("update connection: %v", err)
	}

	got, err := s.GetConnection("conn-z1")
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	if got.AuthStatus != model.AuthAuthenticated {
		t.Errorf("auth status = %s, want AUTHENTICATED", got.AuthStatus)
	}
	if !got.TokenExpiresAt.Equal(now.Add(8 * time.Hour)) {
		t.Errorf("token expiry = %v, want %v", got.TokenExpiresAt, now.Add(8*time.Hour))
	}

	inactive := &model.BrokerConnection{
		ID: "conn-z2", UserID: "user-1", Kind: model.KindDhan,
		AuthStatus: model.AuthUnauthenticated, Active: false,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateConnection(inactive); err != nil {
		t.Fatalf("create inactive connection: %v", err)
	}

	all, _ := s.ListConnections(false)
	active, _ := s.ListConnections(true)
	if len(all) != 2 || len(active) != 1 {
		t.Errorf("list counts: all=%d active=%d, want 2/1", len(all), len(active))
	}

	if err := s.DeleteConnection("conn-z2"); err != nil {
		t.Fatalf("delete connection: %v", err)
	}
	gone, _ := s.GetConnection("conn-z2")
	if gone != nil {
		t.Errorf("expected nil after delete, got %+v", gone)
	}
}

func TestInstrumentUpsertAndLoad(t *testing.T) {
	s := newTestStore(t)

	instruments := []model.Instrument{
		{Symbol: "RELIANCE", Name: "Reliance Industries", Exchange: "NSE",
			Segment: model.SegmentEquity, InstrumentType: "EQ", LotSize: 1, TickSize: 5},
		{Symbol: "NIFTY24SEPFUT", Name: "Nifty Sep Fut", Exchange: "NFO",
			Segment: model.SegmentFutures, InstrumentType: "FUT", LotSize: 25, TickSize: 5,
			Expiry: time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)},
	}
	if err := s.UpsertInstruments(instruments); err != nil {
		t.Fatalf("upsert instruments: %v", err)
	}
	// Second upsert must replace, not duplicate.
	instruments[0].LotSize = 2
	if err := s.UpsertInstruments(instruments[:1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	mappings := []model.BrokerInstrumentMapping{
		{InstrumentKey: "NSE:EQ:RELIANCE", Kind: model.KindAngelOne,
			BrokerSymbol: "RELIANCE-EQ", BrokerToken: "2885", BrokerExchange: "NSE",
			Active: true, UpdatedAt: time.Now().UTC()},
		{InstrumentKey: "NSE:EQ:RELIANCE", Kind: model.KindZerodha,
			BrokerSymbol: "RELIANCE", BrokerToken: "738561", BrokerExchange: "NSE",
			Active: true, UpdatedAt: time.Now().UTC()},
	}
	if err := s.UpsertMappings(mappings); err != nil {
		t.Fatalf("upsert mappings: %v", err)
	}

	ins, maps, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(ins) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(ins))
	}
	for _, in := range ins {
		if in.Symbol == "RELIANCE" && in.LotSize != 2 {
			t.Errorf("upsert did not replace: lot size %d", in.LotSize)
		}
		if in.Symbol == "NIFTY24SEPFUT" && in.Expiry.IsZero() {
			t.Error("expiry lost on round trip")
		}
	}
	if len(maps) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(maps))
	}
}
