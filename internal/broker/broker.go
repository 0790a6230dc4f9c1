// Package broker defines the adapter abstraction over heterogeneous broker
// back ends. One implementation exists per broker kind; each translates
// normalized operations into that broker's wire protocol and normalizes
// every broker-specific error shape into the shared taxonomy in errors.go.
package broker

import (
	"context"
	"sync"
	"time"

	"alertbridge/internal/model"
)

// Credentials is the decrypted credential set for one connection, read from
// the vault for the duration of a single adapter call. Which fields are
// populated depends on the broker's auth style.
type Credentials struct {
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret,omitempty"`
	ClientCode  string `json:"client_code,omitempty"`
	Password    string `json:"password,omitempty"`
	TOTPSecret  string `json:"totp_secret,omitempty"`
	AccessToken string `json:"access_token,omitempty"` // static-key brokers only
}

// Session is a live broker session. The zero ExpiresAt means the broker did
// not report one and the configured default lifetime applies.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// LoginChallenge is returned by redirect-style brokers: the user must visit
// LoginURL and the external callback delivers a request token which
// ExchangeToken turns into a Session.
type LoginChallenge struct {
	LoginURL string `json:"login_url"`
}

// AuthResult is the outcome of Authenticate: exactly one of Session or
// Challenge is non-nil.
type AuthResult struct {
	Session   *Session
	Challenge *LoginChallenge
}

// ResolvedInstrument carries the broker-specific identifiers the symbol
// resolver produced for an intent's (symbol, exchange).
type ResolvedInstrument struct {
	BrokerSymbol   string
	BrokerToken    string
	BrokerExchange string
}

// PlacedOrder is a successful submission acknowledgement.
type PlacedOrder struct {
	Ref string // broker-assigned order id
	Raw string // raw broker response, retained for audit
}

// OrderState is one broker-reported order snapshot, already normalized.
type OrderState struct {
	Status    model.OrderStatus
	FilledQty int64
	AvgPrice  int64 // paise
	Message   string
	Raw       string
}

// Position is a normalized open position.
type Position struct {
	Symbol   string
	Exchange string
	Product  model.Product
	Qty      int64 // positive = long, negative = short
	AvgPrice int64 // paise
	PnL      int64 // paise
}

// Holding is a normalized demat holding.
type Holding struct {
	Symbol    string
	Exchange  string
	Qty       int64
	AvgPrice  int64 // paise
	LastPrice int64 // paise
}

// Adapter is the common capability set implemented once per broker kind.
// Every network call honours ctx cancellation and carries a bounded timeout.
type Adapter interface {
	Kind() model.BrokerKind
	AuthStyle() model.AuthStyle

	// Authenticate establishes a session. Credential/static-key brokers
	// return a Session synchronously; redirect brokers return a Challenge.
	Authenticate(ctx context.Context, creds Credentials) (AuthResult, error)

	// ExchangeToken completes a redirect login with the callback-delivered
	// request token. Non-redirect brokers return ValidationError.
	ExchangeToken(ctx context.Context, creds Credentials, requestToken string) (*Session, error)

	PlaceOrder(ctx context.Context, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) (PlacedOrder, error)
	ModifyOrder(ctx context.Context, ref string, intent model.OrderIntent, ri ResolvedInstrument, sess *Session) error
	CancelOrder(ctx context.Context, ref string, sess *Session) error
	OrderStatus(ctx context.Context, ref string, sess *Session) (OrderState, error)

	Positions(ctx context.Context, sess *Session) ([]Position, error)
	Holdings(ctx context.Context, sess *Session) ([]Holding, error)

	// TestConnection makes one cheap authenticated call to verify the
	// session is alive.
	TestConnection(ctx context.Context, sess *Session) error
}

// Registry holds one adapter per broker kind.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.BrokerKind]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.BrokerKind]Adapter)}
}

// Register adds an adapter. Last registration per kind wins.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind, or nil if none registered.
func (r *Registry) Get(kind model.BrokerKind) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[kind]
}

// Kinds returns the registered broker kinds.
func (r *Registry) Kinds() []model.BrokerKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]model.BrokerKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}
