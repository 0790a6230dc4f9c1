package model

import "time"

// BrokerKind identifies one supported broker. It is a closed set: adding a
// broker means adding a constant here plus an adapter implementation, never
// string comparisons scattered through the codebase.
type BrokerKind string

const (
	KindAngelOne BrokerKind = "angelone"
	KindZerodha  BrokerKind = "zerodha"
	KindUpstox   BrokerKind = "upstox"
	KindFyers    BrokerKind = "fyers"
	KindDhan     BrokerKind = "dhan"
)

// AllBrokerKinds lists every supported broker, in sync-priority order.
var AllBrokerKinds = []BrokerKind{KindAngelOne, KindZerodha, KindUpstox, KindFyers, KindDhan}

// Valid reports whether k names a supported broker.
func (k BrokerKind) Valid() bool {
	switch k {
	case KindAngelOne, KindZerodha, KindUpstox, KindFyers, KindDhan:
		return true
	}
	return false
}

// AuthStyle describes how a broker authenticates.
type AuthStyle string

const (
	// AuthStyleCredential replays stored credentials plus a fresh second
	// factor (TOTP) and returns a session synchronously.
	AuthStyleCredential AuthStyle = "credential"
	// AuthStyleRedirect hands the user a login URL; the session arrives
	// later via an external callback token exchange.
	AuthStyleRedirect AuthStyle = "redirect"
	// AuthStyleStaticKey validates a long-lived API key pair synchronously.
	AuthStyleStaticKey AuthStyle = "static_key"
)

// AuthStatus is the per-connection session state machine:
//
//	UNAUTHENTICATED → AUTHENTICATING → AUTHENTICATED → EXPIRING_SOON → EXPIRED → UNAUTHENTICATED
//
// EXPIRING_SOON and EXPIRED follow deterministically from expiry time; the
// only way back to AUTHENTICATED is a fresh authenticate.
type AuthStatus string

const (
	AuthUnauthenticated AuthStatus = "UNAUTHENTICATED"
	AuthAuthenticating  AuthStatus = "AUTHENTICATING"
	AuthAuthenticated   AuthStatus = "AUTHENTICATED"
	AuthExpiringSoon    AuthStatus = "EXPIRING_SOON"
	AuthExpired         AuthStatus = "EXPIRED"
)

// Usable reports whether a session in this state can still be used for
// broker calls. EXPIRING_SOON sessions keep working until actual expiry.
func (s AuthStatus) Usable() bool {
	return s == AuthAuthenticated || s == AuthExpiringSoon
}

// BrokerConnection links one user to one broker account. Exactly one live
// session per connection at a time. Credentials live in the vault, keyed by
// connection id; only the session token reference is stored here.
type BrokerConnection struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Kind           BrokerKind `json:"kind"`
	AuthStatus     AuthStatus `json:"auth_status"`
	SessionRef     string     `json:"session_ref"`  // vault key of the current session token
	TokenExpiresAt time.Time  `json:"token_expires_at"`
	Active         bool       `json:"active"`
	Degraded       bool       `json:"degraded"` // transient-failure budget exhausted; cleared on next success
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NeedsTokenRefresh reports whether the connection should be flagged for
// reauthentication at time now given the configured threshold, i.e. exactly
// when now >= expiry - threshold.
func (c *BrokerConnection) NeedsTokenRefresh(now time.Time, threshold time.Duration) bool {
	if c.TokenExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.TokenExpiresAt.Add(-threshold))
}
