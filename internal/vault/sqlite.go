package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteVault stores AES-256-GCM sealed blobs in a SQLite table. The master
// key is derived from a passphrase supplied via environment at startup;
// ciphertexts carry their own random nonce.
type SQLiteVault struct {
	mu   sync.Mutex
	db   *sql.DB
	aead cipher.AEAD
}

// NewSQLite opens (or creates) the vault database and derives the sealing
// key from masterKey.
func NewSQLite(dbPath, masterKey string) (*SQLiteVault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("vault: master key must not be empty")
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vault open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		key        TEXT PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault schema: %w", err)
	}

	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		db.Close()
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[vault] opened secret store at %s", dbPath)
	return &SQLiteVault{db: db, aead: aead}, nil
}

func (v *SQLiteVault) Put(ctx context.Context, key string, plaintext []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, []byte(key))

	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO secrets (key, ciphertext, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		key, sealed)
	return err
}

func (v *SQLiteVault) Get(ctx context.Context, key string) ([]byte, error) {
	v.mu.Lock()
	var sealed []byte
	err := v.db.QueryRowContext(ctx, `SELECT ciphertext FROM secrets WHERE key = ?`, key).Scan(&sealed)
	v.mu.Unlock()
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("vault: corrupt entry for %s", key)
	}
	plaintext, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt %s: %w", key, err)
	}
	return plaintext, nil
}

func (v *SQLiteVault) Delete(ctx context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	return err
}

func (v *SQLiteVault) DeletePrefix(ctx context.Context, prefix string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.ExecContext(ctx, `DELETE FROM secrets WHERE key LIKE ? || '%'`, prefix)
	return err
}

// Close closes the vault database.
func (v *SQLiteVault) Close() error {
	return v.db.Close()
}
