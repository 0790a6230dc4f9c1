// Package sqlite is the persistence layer: order records, broker
// connections, instruments and broker mappings in one WAL-mode database.
// Single-writer connection pool; batched upserts for instrument syncs.
package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"alertbridge/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements the model storage ports over SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (or creates) the database, enables WAL mode, and applies the
// schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", dbPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id               TEXT PRIMARY KEY,
			connection_id    TEXT NOT NULL,
			broker_order_ref TEXT,
			symbol           TEXT NOT NULL,
			exchange         TEXT NOT NULL,
			side             TEXT NOT NULL,
			order_type       TEXT NOT NULL,
			product          TEXT NOT NULL,
			status           TEXT NOT NULL,
			qty              INTEGER NOT NULL,
			filled_qty       INTEGER NOT NULL DEFAULT 0,
			price            INTEGER NOT NULL DEFAULT 0,
			avg_price        INTEGER NOT NULL DEFAULT 0,
			raw_response     TEXT,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_connection ON orders(connection_id, status);

		CREATE TABLE IF NOT EXISTS connections (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			kind             TEXT NOT NULL,
			auth_status      TEXT NOT NULL,
			session_ref      TEXT,
			token_expires_at INTEGER,
			active           INTEGER NOT NULL DEFAULT 1,
			degraded         INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id);

		CREATE TABLE IF NOT EXISTS instruments (
			symbol          TEXT NOT NULL,
			name            TEXT,
			exchange        TEXT NOT NULL,
			segment         TEXT NOT NULL,
			instrument_type TEXT,
			lot_size        INTEGER NOT NULL DEFAULT 1,
			tick_size       INTEGER NOT NULL DEFAULT 5,
			expiry          INTEGER,
			strike          INTEGER,
			option_type     TEXT,
			PRIMARY KEY (exchange, segment, symbol)
		);

		CREATE TABLE IF NOT EXISTS broker_mappings (
			instrument_key  TEXT NOT NULL,
			kind            TEXT NOT NULL,
			broker_symbol   TEXT NOT NULL,
			broker_token    TEXT NOT NULL,
			broker_exchange TEXT NOT NULL,
			active          INTEGER NOT NULL DEFAULT 1,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (instrument_key, kind)
		);
	`)
	return err
}

// ── OrderStore ──

func (s *Store) CreateOrder(rec *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO orders (id, connection_id, broker_order_ref, symbol, exchange, side,
		   order_type, product, status, qty, filled_qty, price, avg_price, raw_response,
		   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.BrokerOrderRef, rec.Symbol, rec.Exchange, rec.Side,
		rec.OrderType, rec.Product, rec.Status, rec.Qty, rec.FilledQty, rec.Price,
		rec.AvgPrice, rec.RawResponse, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	return err
}

func (s *Store) GetOrder(id string) (*model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, connection_id, broker_order_ref, symbol, exchange, side, order_type,
		   product, status, qty, filled_qty, price, avg_price, raw_response, created_at, updated_at
		 FROM orders WHERE id = ?`, id)
	rec, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *Store) UpdateOrder(rec *model.OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE orders SET broker_order_ref = ?, status = ?, filled_qty = ?, avg_price = ?,
		   raw_response = ?, updated_at = ? WHERE id = ?`,
		rec.BrokerOrderRef, rec.Status, rec.FilledQty, rec.AvgPrice,
		rec.RawResponse, rec.UpdatedAt.Unix(), rec.ID)
	return err
}

var terminalStatuses = `('COMPLETE','CANCELLED','REJECTED','FAILED')`

func (s *Store) OpenOrders(connectionID string) ([]model.OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT id, connection_id, broker_order_ref, symbol, exchange, side, order_type,
		   product, status, qty, filled_qty, price, avg_price, raw_response, created_at, updated_at
		 FROM orders WHERE connection_id = ? AND status NOT IN `+terminalStatuses+
			` ORDER BY created_at`, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *Store) ConnectionsWithOpenOrders() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT DISTINCT connection_id FROM orders WHERE status NOT IN ` + terminalStatuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrder(row scannable) (*model.OrderRecord, error) {
	var rec model.OrderRecord
	var ref, raw sql.NullString
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.ConnectionID, &ref, &rec.Symbol, &rec.Exchange,
		&rec.Side, &rec.OrderType, &rec.Product, &rec.Status, &rec.Qty, &rec.FilledQty,
		&rec.Price, &rec.AvgPrice, &raw, &created, &updated)
	if err != nil {
		return nil, err
	}
	rec.BrokerOrderRef = ref.String
	rec.RawResponse = raw.String
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return &rec, nil
}

// ── ConnectionStore ──

func (s *Store) CreateConnection(conn *model.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO connections (id, user_id, kind, auth_status, session_ref,
		   token_expires_at, active, degraded, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.UserID, conn.Kind, conn.AuthStatus, conn.SessionRef,
		expiryUnix(conn.TokenExpiresAt), boolInt(conn.Active), boolInt(conn.Degraded),
		conn.CreatedAt.Unix(), conn.UpdatedAt.Unix())
	return err
}

func (s *Store) GetConnection(id string) (*model.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(
		`SELECT id, user_id, kind, auth_status, session_ref, token_expires_at,
		   active, degraded, created_at, updated_at FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return conn, err
}

func (s *Store) UpdateConnection(conn *model.BrokerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE connections SET auth_status = ?, session_ref = ?, token_expires_at = ?,
		   active = ?, degraded = ?, updated_at = ? WHERE id = ?`,
		conn.AuthStatus, conn.SessionRef, expiryUnix(conn.TokenExpiresAt),
		boolInt(conn.Active), boolInt(conn.Degraded), conn.UpdatedAt.Unix(), conn.ID)
	return err
}

func (s *Store) ListConnections(activeOnly bool) ([]model.BrokerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := `SELECT id, user_id, kind, auth_status, session_ref, token_expires_at,
	        active, degraded, created_at, updated_at FROM connections`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BrokerConnection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConnection(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM connections WHERE id = ?`, id)
	return err
}

func scanConnection(row scannable) (*model.BrokerConnection, error) {
	var conn model.BrokerConnection
	var sessionRef sql.NullString
	var expiry sql.NullInt64
	var active, degraded int
	var created, updated int64
	err := row.Scan(&conn.ID, &conn.UserID, &conn.Kind, &conn.AuthStatus, &sessionRef,
		&expiry, &active, &degraded, &created, &updated)
	if err != nil {
		return nil, err
	}
	conn.SessionRef = sessionRef.String
	if expiry.Valid && expiry.Int64 > 0 {
		conn.TokenExpiresAt = time.Unix(expiry.Int64, 0).UTC()
	}
	conn.Active = active == 1
	conn.Degraded = degraded == 1
	conn.CreatedAt = time.Unix(created, 0).UTC()
	conn.UpdatedAt = time.Unix(updated, 0).UTC()
	return &conn, nil
}

// ── InstrumentStore ──

func (s *Store) UpsertInstruments(instruments []model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO instruments (symbol, name, exchange, segment,
		   instrument_type, lot_size, tick_size, expiry, strike, option_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, in := range instruments {
		_, err := stmt.Exec(in.Symbol, in.Name, in.Exchange, in.Segment,
			in.InstrumentType, in.LotSize, in.TickSize, expiryUnix(in.Expiry),
			in.Strike, in.OptionType)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertMappings(mappings []model.BrokerInstrumentMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO broker_mappings (instrument_key, kind, broker_symbol,
		   broker_token, broker_exchange, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range mappings {
		_, err := stmt.Exec(m.InstrumentKey, m.Kind, m.BrokerSymbol, m.BrokerToken,
			m.BrokerExchange, boolInt(m.Active), m.UpdatedAt.Unix())
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LoadAll() ([]model.Instrument, []model.BrokerInstrumentMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT symbol, name, exchange, segment, instrument_type, lot_size, tick_size,
		   expiry, strike, option_type FROM instruments`)
	if err != nil {
		return nil, nil, err
	}
	var instruments []model.Instrument
	for rows.Next() {
		var in model.Instrument
		var name, itype, otype sql.NullString
		var expiry sql.NullInt64
		if err := rows.Scan(&in.Symbol, &name, &in.Exchange, &in.Segment, &itype,
			&in.LotSize, &in.TickSize, &expiry, &in.Strike, &otype); err != nil {
			rows.Close()
			return nil, nil, err
		}
		in.Name = name.String
		in.InstrumentType = itype.String
		in.OptionType = otype.String
		if expiry.Valid && expiry.Int64 > 0 {
			in.Expiry = time.Unix(expiry.Int64, 0).UTC()
		}
		instruments = append(instruments, in)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	mrows, err := s.db.Query(
		`SELECT instrument_key, kind, broker_symbol, broker_token, broker_exchange,
		   active, updated_at FROM broker_mappings`)
	if err != nil {
		return nil, nil, err
	}
	defer mrows.Close()
	var mappings []model.BrokerInstrumentMapping
	for mrows.Next() {
		var m model.BrokerInstrumentMapping
		var active int
		var updated int64
		if err := mrows.Scan(&m.InstrumentKey, &m.Kind, &m.BrokerSymbol, &m.BrokerToken,
			&m.BrokerExchange, &active, &updated); err != nil {
			return nil, nil, err
		}
		m.Active = active == 1
		m.UpdatedAt = time.Unix(updated, 0).UTC()
		mappings = append(mappings, m)
	}
	return instruments, mappings, mrows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expiryUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
