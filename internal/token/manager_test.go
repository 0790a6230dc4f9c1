package token

import (
	"context"
	"sync"
	"testing"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/metrics"
	"alertbridge/internal/model"
	"alertbridge/internal/vault"
)

// memConnStore is an in-memory ConnectionStore.
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

// stubAdapter scripts auth outcomes per test.
type stubAdapter struct {
	kind      model.BrokerKind
	style     model.AuthStyle
	authErr   error
	session   *broker.Session
	challenge *broker.LoginChallenge

	authCalls     int
	exchangeCalls int
}

func (a *stubAdapter) Kind() model.BrokerKind     { return a.kind }
func (a *stubAdapter) AuthStyle() model.AuthStyle { return a.style }

func (a *stubAdapter) Authenticate(ctx context.Context, creds broker.Credentials) (broker.AuthResult, error) {
	a.authCalls++
	if a.authErr != nil {
		return broker.AuthResult{}, a.authErr
	}
	if a.challenge != nil {
		return broker.AuthResult{Challenge: a.challenge}, nil
	}
	sess := *a.session
	return broker.AuthResult{Session: &sess}, nil
}

func (a *stubAdapter) ExchangeToken(ctx context.Context, creds broker.Credentials, requestToken string) (*broker.Session, error) {
	a.exchangeCalls++
	if requestToken == "" {
		return nil, &broker.AuthenticationError{Kind: a.kind, Reason: "empty request token"}
	}
	sess := *a.session
	return &sess, nil
}

func (a *stubAdapter) PlaceOrder(ctx context.Context, intent model.OrderIntent, ri broker.ResolvedInstrument, sess *broker.Session) (broker.PlacedOrder, error) {
	return broker.PlacedOrder{}, nil
}
func (a *stubAdapter) ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri broker.ResolvedInstrument, sess *broker.Session) error {
	return nil
}
func (a *stubAdapter) CancelOrder(ctx context.Context, ref string, sess *broker.Session) error {
	return nil
}
func (a *stubAdapter) OrderStatus(ctx context.Context, ref string, sess *broker.Session) (broker.OrderState, error) {
	return broker.OrderState{}, nil
}
func (a *stubAdapter) Positions(ctx context.Context, sess *broker.Session) ([]broker.Position, error) {
	return nil, nil
}
func (a *stubAdapter) Holdings(ctx context.Context, sess *broker.Session) ([]broker.Holding, error) {
	return nil, nil
}
func (a *stubAdapter) TestConnection(ctx context.Context, sess *broker.Session) error { return nil }

func newTestManager(t *testing.T, adapters ...broker.Adapter) (*Manager, *memConnStore) {
	t.Helper()
	reg := broker.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	store := newMemConnStore()
	m := NewManager(store, vault.NewMemory(), reg, events.NewBus(nil), time.Hour)
	return m, store
}

func TestConnectCredentialBroker(t *testing.T) {
	expiry := time.Now().UTC().Add(8 * time.Hour)
	stub := &stubAdapter{
		kind:    model.KindAngelOne,
		style:   model.AuthStyleCredential,
		session: &broker.Session{AccessToken: "tok-1", ExpiresAt: expiry},
	}
	m, store := newTestManager(t, stub)

	conn, challenge, err := m.Connect(context.Background(), "user-1", model.KindAngelOne,
		broker.Credentials{APIKey: "key", ClientCode: "A123", Password: "pin", TOTPSecret: "SECRET"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if challenge != nil {
		t.Fatal("credential broker returned a challenge")
	}

	got, _ := store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthAuthenticated {
		t.Errorf("status = %s, want AUTHENTICATED", got.AuthStatus)
	}
	if !got.TokenExpiresAt.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", got.TokenExpiresAt, expiry)
	}

	sess, err := m.Session(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.AccessToken != "tok-1" {
		t.Errorf("access token = %s", sess.AccessToken)
	}
}

func TestConnectRedirectBrokerNeedsCallback(t *testing.T) {
	stub := &stubAdapter{
		kind:      model.KindZerodha,
		style:     model.AuthStyleRedirect,
		challenge: &broker.LoginChallenge{LoginURL: "https://kite.example/connect/login?api_key=key"},
		session:   &broker.Session{AccessToken: "key:acc-tok"},
	}
	m, store := newTestManager(t, stub)

	conn, challenge, err := m.Connect(context.Background(), "user-1", model.KindZerodha,
		broker.Credentials{APIKey: "key", APISecret: "secret"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if challenge == nil || challenge.LoginURL == "" {
		t.Fatal("redirect broker returned no login challenge")
	}

	got, _ := store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthAuthenticating {
		t.Errorf("status before callback = %s, want AUTHENTICATING", got.AuthStatus)
	}
	if _, err := m.Session(context.Background(), conn.ID); !broker.IsTokenExpired(err) {
		t.Errorf("session before callback: err = %v, want TokenExpiredError", err)
	}

	if err := m.CompleteChallenge(context.Background(), conn.ID, "req-tok"); err != nil {
		t.Fatalf("complete challenge: %v", err)
	}
	got, _ = store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthAuthenticated {
		t.Errorf("status after callback = %s, want AUTHENTICATED", got.AuthStatus)
	}
	if stub.exchangeCalls != 1 {
		t.Errorf("exchange calls = %d, want 1", stub.exchangeCalls)
	}
}

func TestConnectBadCredentials(t *testing.T) {
	stub := &stubAdapter{
		kind:    model.KindDhan,
		style:   model.AuthStyleStaticKey,
		authErr: &broker.AuthenticationError{Kind: model.KindDhan, Reason: "invalid token"},
	}
	m, store := newTestManager(t, stub)

	conn, _, err := m.Connect(context.Background(), "user-1", model.KindDhan,
		broker.Credentials{APIKey: "client", AccessToken: "bad"})
	if !broker.IsAuthFailure(err) {
		t.Fatalf("err = %v, want AuthenticationError", err)
	}
	got, _ := store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthUnauthenticated {
		t.Errorf("status = %s, want UNAUTHENTICATED", got.AuthStatus)
	}
}

func TestSweepExpiryFlagsAndExpires(t *testing.T) {
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	stub := &stubAdapter{
		kind:  model.KindAngelOne,
		style: model.AuthStyleCredential,
		// expires 30 minutes after base; threshold is 1 hour
		session: &broker.Session{AccessToken: "tok", ExpiresAt: base.Add(30 * time.Minute)},
	}
	m, store := newTestManager(t, stub)
	now := base
	m.SetNowFunc(func() time.Time { return now })

	conn, _, err := m.Connect(context.Background(), "user-1", model.KindAngelOne, broker.Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Expiry is inside the threshold from the start.
	m.SweepExpiry(context.Background())
	got, _ := store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthExpiringSoon {
		t.Fatalf("status = %s, want EXPIRING_SOON", got.AuthStatus)
	}

	// An ExpiringSoon session is still usable.
	if _, err := m.Session(context.Background(), conn.ID); err != nil {
		t.Errorf("session while expiring soon: %v", err)
	}

	now = base.Add(31 * time.Minute)
	m.SweepExpiry(context.Background())
	got, _ = store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthExpired {
		t.Fatalf("status = %s, want EXPIRED", got.AuthStatus)
	}
	if _, err := m.Session(context.Background(), conn.ID); !broker.IsTokenExpired(err) {
		t.Errorf("session after expiry: err = %v, want TokenExpiredError", err)
	}
}

func TestSweepNeverFlagsEarly(t *testing.T) {
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	stub := &stubAdapter{
		kind:  model.KindAngelOne,
		style: model.AuthStyleCredential,
		// expires exactly threshold + 1s away: must stay Authenticated
		session: &broker.Session{AccessToken: "tok", ExpiresAt: base.Add(time.Hour + time.Second)},
	}
	m, store := newTestManager(t, stub)
	now := base
	m.SetNowFunc(func() time.Time { return now })

	conn, _, _ := m.Connect(context.Background(), "user-1", model.KindAngelOne, broker.Credentials{APIKey: "k"})

	m.SweepExpiry(context.Background())
	got, _ := store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthAuthenticated {
		t.Fatalf("flagged early: status = %s", got.AuthStatus)
	}

	// One second later the boundary is hit exactly.
	now = base.Add(time.Second)
	m.SweepExpiry(context.Background())
	got, _ = store.GetConnection(conn.ID)
	if got.AuthStatus != model.AuthExpiringSoon {
		t.Fatalf("not flagged at boundary: status = %s", got.AuthStatus)
	}
}

func TestReconnectByAuthStyle(t *testing.T) {
	cred := &stubAdapter{
		kind:    model.KindAngelOne,
		style:   model.AuthStyleCredential,
		session: &broker.Session{AccessToken: "tok-2", ExpiresAt: time.Now().Add(8 * time.Hour)},
	}
	redirect := &stubAdapter{
		kind:      model.KindUpstox,
		style:     model.AuthStyleRedirect,
		challenge: &broker.LoginChallenge{LoginURL: "https://api.upstox.example/v2/login/authorization/dialog"},
		session:   &broker.Session{AccessToken: "up-tok"},
	}
	m, store := newTestManager(t, cred, redirect)

	credConn, _, err := m.Connect(context.Background(), "user-1", model.KindAngelOne, broker.Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("connect credential: %v", err)
	}
	redirConn, _, err := m.Connect(context.Background(), "user-1", model.KindUpstox, broker.Credentials{APIKey: "k", APISecret: "s"})
	if err != nil {
		t.Fatalf("connect redirect: %v", err)
	}

	// Credential style completes synchronously, no redirect.
	challenge, err := m.Reconnect(context.Background(), credConn.ID)
	if err != nil {
		t.Fatalf("reconnect credential: %v", err)
	}
	if challenge != nil {
		t.Error("credential reconnect returned a challenge")
	}
	got, _ := store.GetConnection(credConn.ID)
	if got.AuthStatus != model.AuthAuthenticated {
		t.Errorf("credential status = %s", got.AuthStatus)
	}

	// Redirect style returns a login URL and stays pending.
	challenge, err = m.Reconnect(context.Background(), redirConn.ID)
	if err != nil {
		t.Fatalf("reconnect redirect: %v", err)
	}
	if challenge == nil || challenge.LoginURL == "" {
		t.Fatal("redirect reconnect returned no login URL")
	}
	got, _ = store.GetConnection(redirConn.ID)
	if got.AuthStatus != model.AuthAuthenticating {
		t.Errorf("redirect status = %s, want AUTHENTICATING", got.AuthStatus)
	}
}

func TestDisconnectAndDelete(t *testing.T) {
	stub := &stubAdapter{
		kind:    model.KindFyers,
		style:   model.AuthStyleRedirect,
		session: &broker.Session{AccessToken: "app:tok", ExpiresAt: time.Now().Add(8 * time.Hour)},
	}
	m, store := newTestManager(t, stub)

	var cancelled []string
	m.OnDisconnect(func(id string) { cancelled = append(cancelled, id) })

	conn, _, err := m.Connect(context.Background(), "user-1", model.KindFyers,
		broker.Credentials{APIKey: "app", APISecret: "s"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := m.Disconnect(context.Background(), conn.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	got, _ := store.GetConnection(conn.ID)
	if got.Active {
		t.Error("still active after disconnect")
	}
	if len(cancelled) != 1 || cancelled[0] != conn.ID {
		t.Errorf("scheduler hook calls = %v", cancelled)
	}
	if _, err := m.Session(context.Background(), conn.ID); err == nil {
		t.Error("session survives disconnect")
	}

	// Reconnect after disconnect is refused until the user re-enables.
	if _, err := m.Reconnect(context.Background(), conn.ID); err == nil {
		t.Error("reconnect on a disconnected connection succeeded")
	}

	if err := m.Delete(context.Background(), conn.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, _ := store.GetConnection(conn.ID)
	if gone != nil {
		t.Error("connection row survives delete")
	}
}

func TestActiveConnectionCountTracksLifecycle(t *testing.T) {
	stub := &stubAdapter{
		kind:    model.KindAngelOne,
		style:   model.AuthStyleCredential,
		session: &broker.Session{AccessToken: "tok", ExpiresAt: time.Now().Add(8 * time.Hour)},
	}
	m, _ := newTestManager(t, stub)
	health := metrics.NewHealthStatus()
	m.SetHealth(health)

	if health.ActiveConnections != 0 {
		t.Fatalf("initial active count = %d", health.ActiveConnections)
	}

	c1, _, err := m.Connect(context.Background(), "user-1", model.KindAngelOne, broker.Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("connect 1: %v", err)
	}
	c2, _, err := m.Connect(context.Background(), "user-1", model.KindAngelOne, broker.Credentials{APIKey: "k"})
	if err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	if health.ActiveConnections != 2 {
		t.Fatalf("after two connects: active count = %d, want 2", health.ActiveConnections)
	}

	if err := m.Disconnect(context.Background(), c1.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if health.ActiveConnections != 1 {
		t.Errorf("after disconnect: active count = %d, want 1", health.ActiveConnections)
	}

	if err := m.Delete(context.Background(), c2.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if health.ActiveConnections != 0 {
		t.Errorf("after delete: active count = %d, want 0", health.ActiveConnections)
	}
}
