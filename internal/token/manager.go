// Package token drives the per-connection authentication lifecycle:
// Unauthenticated → Authenticating → Authenticated → ExpiringSoon →
// Expired → Unauthenticated. The manager owns every vault access for
// credentials and sessions; secrets are decrypted per call and never
// cached.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"alertbridge/internal/broker"
	"alertbridge/internal/events"
	"alertbridge/internal/metrics"
	"alertbridge/internal/model"
	"alertbridge/internal/vault"

	"github.com/google/uuid"
)

// Default session lifetime applied when the broker does not report an
// expiry. Indian broker sessions die at the next trading day's pre-open;
// 12 hours keeps the sweep conservative.
const defaultSessionTTL = 12 * time.Hour

// Manager owns connection auth state. All mutations of
// BrokerConnection.AuthStatus flow through here.
type Manager struct {
	store    model.ConnectionStore
	vault    vault.Vault
	registry *broker.Registry
	bus      *events.Bus

	threshold time.Duration
	now       func() time.Time
	health    *metrics.HealthStatus

	// onDisconnect lets the reconciliation scheduler drop a connection the
	// moment it is disconnected, not on the next tick.
	onDisconnect func(connectionID string)
}

func NewManager(store model.ConnectionStore, v vault.Vault, reg *broker.Registry, bus *events.Bus, threshold time.Duration) *Manager {
	if threshold <= 0 {
		threshold = time.Hour
	}
	return &Manager{
		store:     store,
		vault:     v,
		registry:  reg,
		bus:       bus,
		threshold: threshold,
		now:       time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

// OnDisconnect registers the scheduler's cancellation hook.
func (m *Manager) OnDisconnect(fn func(connectionID string)) { m.onDisconnect = fn }

// SetHealth wires the health status sink and seeds the active-connection
// count from the store.
func (m *Manager) SetHealth(h *metrics.HealthStatus) {
	m.health = h
	m.refreshActiveCount()
}

// refreshActiveCount recounts active connections after any Active-flag
// change.
func (m *Manager) refreshActiveCount() {
	conns, err := m.store.ListConnections(true)
	if err != nil {
		log.Printf("[token] count active connections: %v", err)
		return
	}
	if m.health != nil {
		m.health.SetActiveConnections(len(conns))
		return
	}
	metrics.ActiveConnections.Set(float64(len(conns)))
}

// Connect creates a connection for (user, kind), stores the credentials
// encrypted, and starts authentication. Redirect brokers return a
// LoginChallenge; the connection stays Authenticating until
// CompleteChallenge delivers the callback token.
func (m *Manager) Connect(ctx context.Context, userID string, kind model.BrokerKind, creds broker.Credentials) (*model.BrokerConnection, *broker.LoginChallenge, error) {
	adapter := m.registry.Get(kind)
	if adapter == nil {
		return nil, nil, fmt.Errorf("no adapter registered for broker %s", kind)
	}

	now := m.now().UTC()
	conn := &model.BrokerConnection{
		ID:         uuid.NewString(),
		UserID:     userID,
		Kind:       kind,
		AuthStatus: model.AuthUnauthenticated,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateConnection(conn); err != nil {
		return nil, nil, fmt.Errorf("create connection: %w", err)
	}
	m.refreshActiveCount()
	if err := m.putCredentials(ctx, conn.ID, creds); err != nil {
		return nil, nil, err
	}

	challenge, err := m.authenticate(ctx, conn, creds)
	if err != nil {
		return conn, nil, err
	}
	return conn, challenge, nil
}

// authenticate runs the adapter's Authenticate and applies the outcome.
// Returns a challenge for redirect brokers, nil on a direct session.
func (m *Manager) authenticate(ctx context.Context, conn *model.BrokerConnection, creds broker.Credentials) (*broker.LoginChallenge, error) {
	adapter := m.registry.Get(conn.Kind)
	m.setStatus(ctx, conn, model.AuthAuthenticating, "")

	res, err := adapter.Authenticate(ctx, creds)
	if err != nil {
		m.setStatus(ctx, conn, model.AuthUnauthenticated, err.Error())
		metrics.TokenRefreshes.WithLabelValues(string(conn.Kind), "error").Inc()
		return nil, err
	}
	if res.Challenge != nil {
		log.Printf("[token] %s %s: login challenge issued", conn.Kind, conn.ID)
		return res.Challenge, nil
	}
	if err := m.adoptSession(ctx, conn, res.Session); err != nil {
		return nil, err
	}
	metrics.TokenRefreshes.WithLabelValues(string(conn.Kind), "ok").Inc()
	return nil, nil
}

// CompleteChallenge finishes a redirect login with the request token the
// external callback delivered.
func (m *Manager) CompleteChallenge(ctx context.Context, connectionID, requestToken string) error {
	conn, adapter, err := m.load(connectionID)
	if err != nil {
		return err
	}

	var sess *broker.Session
	err = m.withCredentials(ctx, connectionID, func(creds broker.Credentials) error {
		var xerr error
		sess, xerr = adapter.ExchangeToken(ctx, creds, requestToken)
		return xerr
	})
	if err != nil {
		m.setStatus(ctx, conn, model.AuthUnauthenticated, err.Error())
		metrics.TokenRefreshes.WithLabelValues(string(conn.Kind), "error").Inc()
		return err
	}
	if err := m.adoptSession(ctx, conn, sess); err != nil {
		return err
	}
	metrics.TokenRefreshes.WithLabelValues(string(conn.Kind), "ok").Inc()
	return nil
}

// Reconnect re-establishes a session by auth style. Credential and
// static-key brokers complete synchronously; redirect brokers return a
// fresh login URL and stay Authenticating until the callback lands.
func (m *Manager) Reconnect(ctx context.Context, connectionID string) (*broker.LoginChallenge, error) {
	conn, _, err := m.load(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.Active {
		return nil, fmt.Errorf("connection %s is disconnected", connectionID)
	}

	var challenge *broker.LoginChallenge
	err = m.withCredentials(ctx, connectionID, func(creds broker.Credentials) error {
		var aerr error
		challenge, aerr = m.authenticate(ctx, conn, creds)
		return aerr
	})
	return challenge, err
}

// Session returns the live session for a connection, or TokenExpiredError
// if the connection is not in a usable auth state. Callers hold the
// session only for the duration of one adapter call.
func (m *Manager) Session(ctx context.Context, connectionID string) (*broker.Session, error) {
	conn, _, err := m.load(connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.AuthStatus.Usable() {
		return nil, &broker.TokenExpiredError{Kind: conn.Kind, Reason: string(conn.AuthStatus)}
	}

	raw, err := m.vault.Get(ctx, vault.SessionKey(connectionID))
	if err != nil {
		if err == vault.ErrNotFound {
			return nil, &broker.TokenExpiredError{Kind: conn.Kind, Reason: "no stored session"}
		}
		return nil, err
	}
	var sess broker.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// MarkExpired records a stale session observed by another component (a
// TokenExpiredError on a data call). Known order state is kept; only the
// auth status changes.
func (m *Manager) MarkExpired(ctx context.Context, connectionID string) {
	conn, err := m.store.GetConnection(connectionID)
	if err != nil || conn == nil {
		return
	}
	if conn.AuthStatus == model.AuthExpired {
		return
	}
	m.setStatus(ctx, conn, model.AuthExpired, "session rejected by broker")
}

// SweepExpiry applies the time-driven transitions for every active
// connection: Authenticated → ExpiringSoon at expiry−threshold,
// anything usable → Expired at expiry.
func (m *Manager) SweepExpiry(ctx context.Context) {
	conns, err := m.store.ListConnections(true)
	if err != nil {
		log.Printf("[token] expiry sweep: list connections: %v", err)
		return
	}
	now := m.now().UTC()
	for i := range conns {
		conn := &conns[i]
		if conn.TokenExpiresAt.IsZero() || !conn.AuthStatus.Usable() {
			continue
		}
		switch {
		case !now.Before(conn.TokenExpiresAt):
			m.setStatus(ctx, conn, model.AuthExpired, "session lifetime elapsed")
		case conn.AuthStatus == model.AuthAuthenticated && conn.NeedsTokenRefresh(now, m.threshold):
			m.setStatus(ctx, conn, model.AuthExpiringSoon, "")
		}
	}
}

// StartSweeper runs SweepExpiry on an interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		log.Printf("[token] expiry sweeper running every %v (threshold %v)", interval, m.threshold)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepExpiry(ctx)
			}
		}
	}()
}

// Disconnect deactivates a connection, drops its session secret, and
// cancels its scheduled reconciliation. Credentials stay in the vault so
// a later reconnect works.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	conn, err := m.store.GetConnection(connectionID)
	if err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	conn.Active = false
	conn.AuthStatus = model.AuthUnauthenticated
	conn.SessionRef = ""
	conn.TokenExpiresAt = time.Time{}
	conn.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateConnection(conn); err != nil {
		return err
	}
	if err := m.vault.Delete(ctx, vault.SessionKey(connectionID)); err != nil {
		log.Printf("[token] %s: drop session secret: %v", connectionID, err)
	}
	m.refreshActiveCount()
	if m.onDisconnect != nil {
		m.onDisconnect(connectionID)
	}
	m.bus.PublishConnectionUpdate(ctx, events.ConnectionUpdate{
		ConnectionID: conn.ID,
		Broker:       conn.Kind,
		AuthStatus:   conn.AuthStatus,
		Message:      "disconnected",
	})
	log.Printf("[token] %s %s: disconnected", conn.Kind, conn.ID)
	return nil
}

// Delete purges a connection and every vault entry under it.
func (m *Manager) Delete(ctx context.Context, connectionID string) error {
	if err := m.Disconnect(ctx, connectionID); err != nil {
		return err
	}
	if err := m.vault.DeletePrefix(ctx, connectionID); err != nil {
		return fmt.Errorf("purge vault entries: %w", err)
	}
	return m.store.DeleteConnection(connectionID)
}

// ── helpers ──

func (m *Manager) load(connectionID string) (*model.BrokerConnection, broker.Adapter, error) {
	conn, err := m.store.GetConnection(connectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil {
		return nil, nil, fmt.Errorf("connection %s not found", connectionID)
	}
	adapter := m.registry.Get(conn.Kind)
	if adapter == nil {
		return nil, nil, fmt.Errorf("no adapter registered for broker %s", conn.Kind)
	}
	return conn, adapter, nil
}

func (m *Manager) putCredentials(ctx context.Context, connectionID string, creds broker.Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return m.vault.Put(ctx, vault.CredentialsKey(connectionID), raw)
}

// withCredentials decrypts the stored credentials for exactly one call.
func (m *Manager) withCredentials(ctx context.Context, connectionID string, fn func(broker.Credentials) error) error {
	raw, err := m.vault.Get(ctx, vault.CredentialsKey(connectionID))
	if err != nil {
		if err == vault.ErrNotFound {
			return fmt.Errorf("no stored credentials for %s", connectionID)
		}
		return err
	}
	var creds broker.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("decode credentials: %w", err)
	}
	return fn(creds)
}

func (m *Manager) adoptSession(ctx context.Context, conn *model.BrokerConnection, sess *broker.Session) error {
	expiry := sess.ExpiresAt
	if expiry.IsZero() {
		expiry = m.now().UTC().Add(defaultSessionTTL)
		sess.ExpiresAt = expiry
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := m.vault.Put(ctx, vault.SessionKey(conn.ID), raw); err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	conn.SessionRef = vault.SessionKey(conn.ID)
	conn.TokenExpiresAt = expiry
	conn.Degraded = false
	m.setStatus(ctx, conn, model.AuthAuthenticated, "")
	log.Printf("[token] %s %s: authenticated, session valid until %s",
		conn.Kind, conn.ID, expiry.Format(time.RFC3339))
	return nil
}

func (m *Manager) setStatus(ctx context.Context, conn *model.BrokerConnection, status model.AuthStatus, msg string) {
	if conn.AuthStatus == status {
		return
	}
	conn.AuthStatus = status
	conn.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateConnection(conn); err != nil {
		log.Printf("[token] %s: persist status %s: %v", conn.ID, status, err)
		return
	}
	m.bus.PublishConnectionUpdate(ctx, events.ConnectionUpdate{
		ConnectionID: conn.ID,
		Broker:       conn.Kind,
		AuthStatus:   status,
		Degraded:     conn.Degraded,
		Message:      msg,
	})
}
