// Package vault stores encrypted credentials and session tokens per broker
// connection. Components read a secret on demand for the duration of a
// single adapter call; decrypted material is never cached.
package vault

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no entry exists for a key.
var ErrNotFound = errors.New("vault: entry not found")

// Vault is the narrow credential-store interface. Keys are
// "<connection-id>/<slot>" where slot is "credentials" or "session".
type Vault interface {
	// Put encrypts and stores a secret under key, replacing any previous
	// value.
	Put(ctx context.Context, key string, plaintext []byte) error

	// Get decrypts and returns the secret for key. The caller must not
	// retain the plaintext beyond the current call.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the entry for key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every entry under a connection's prefix. Used
	// when a connection is purged.
	DeletePrefix(ctx context.Context, prefix string) error
}

// CredentialsKey returns the vault key for a connection's static
// credentials.
func CredentialsKey(connectionID string) string { return connectionID + "/credentials" }

// SessionKey returns the vault key for a connection's live session token.
func SessionKey(connectionID string) string { return connectionID + "/session" }
