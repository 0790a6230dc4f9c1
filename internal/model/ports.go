package model

// ── Storage Port Interfaces ──
// These interfaces decouple business logic from the concrete storage
// implementation (SQLite). The core only needs create/read/update keyed by
// id; no particular storage engine is assumed.

// OrderStore persists order records. Records are never deleted.
type OrderStore interface {
	// CreateOrder inserts a new order record.
	CreateOrder(rec *OrderRecord) error

	// GetOrder loads one order by id. Returns nil, nil if absent.
	GetOrder(id string) (*OrderRecord, error)

	// UpdateOrder persists status/fill mutations of an existing record.
	UpdateOrder(rec *OrderRecord) error

	// OpenOrders returns all non-terminal orders for a connection.
	OpenOrders(connectionID string) ([]OrderRecord, error)

	// ConnectionsWithOpenOrders returns ids of connections holding at
	// least one non-terminal order.
	ConnectionsWithOpenOrders() ([]string, error)
}

// ConnectionStore persists broker connections.
type ConnectionStore interface {
	CreateConnection(conn *BrokerConnection) error
	GetConnection(id string) (*BrokerConnection, error)
	UpdateConnection(conn *BrokerConnection) error
	ListConnections(activeOnly bool) ([]BrokerConnection, error)

	// DeleteConnection hard-deletes a connection row. Soft delete is
	// UpdateConnection with Active=false.
	DeleteConnection(id string) error
}

// InstrumentStore persists instruments and broker mappings.
type InstrumentStore interface {
	// UpsertInstruments writes a batch of instruments keyed by
	// (symbol, exchange, segment).
	UpsertInstruments(instruments []Instrument) error

	// UpsertMappings writes a batch of mappings keyed by
	// (instrument, broker kind).
	UpsertMappings(mappings []BrokerInstrumentMapping) error

	// LoadAll reads every instrument and mapping, for index builds.
	LoadAll() ([]Instrument, []BrokerInstrumentMapping, error)
}
