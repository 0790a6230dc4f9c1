// Package events publishes order and connection update events. Events go
// out on Redis PubSub for external consumers (UI gateway, analytics) and
// to in-process subscribers (notifications).
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"alertbridge/internal/metrics"
	"alertbridge/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// PubSub channel names.
const (
	ChannelOrders      = "pub:orders:update"
	ChannelConnections = "pub:connections:update"
	ChannelSync        = "pub:symbols:sync"
)

// OrderUpdate is emitted exactly once per applied order state change.
type OrderUpdate struct {
	OrderID      string             `json:"order_id"`
	ConnectionID string             `json:"connection_id"`
	Broker       model.BrokerKind   `json:"broker"`
	Symbol       string             `json:"symbol"`
	From         model.OrderStatus  `json:"from"`
	To           model.OrderStatus  `json:"to"`
	FilledQty    int64              `json:"filled_qty"`
	AvgPrice     int64              `json:"avg_price"` // paise
	Message      string             `json:"message,omitempty"`
	At           time.Time          `json:"at"`
}

// ConnectionUpdate is emitted when a connection's auth status or health
// changes.
type ConnectionUpdate struct {
	ConnectionID string           `json:"connection_id"`
	Broker       model.BrokerKind `json:"broker"`
	AuthStatus   model.AuthStatus `json:"auth_status"`
	Degraded     bool             `json:"degraded"`
	Message      string           `json:"message,omitempty"`
	At           time.Time        `json:"at"`
}

// OrderListener receives order updates in-process.
type OrderListener func(OrderUpdate)

// ConnectionListener receives connection updates in-process.
type ConnectionListener func(ConnectionUpdate)

// Bus fans events out to Redis and to registered in-process listeners.
// A nil Redis client degrades to in-process delivery only.
type Bus struct {
	rdb *goredis.Client

	mu        sync.RWMutex
	orderSubs []OrderListener
	connSubs  []ConnectionListener
}

func NewBus(rdb *goredis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// OnOrderUpdate registers an in-process order listener. Listeners run
// synchronously on the publisher's goroutine and must not block.
func (b *Bus) OnOrderUpdate(fn OrderListener) {
	b.mu.Lock()
	b.orderSubs = append(b.orderSubs, fn)
	b.mu.Unlock()
}

// OnConnectionUpdate registers an in-process connection listener.
func (b *Bus) OnConnectionUpdate(fn ConnectionListener) {
	b.mu.Lock()
	b.connSubs = append(b.connSubs, fn)
	b.mu.Unlock()
}

// PublishOrderUpdate emits one order state-change event.
func (b *Bus) PublishOrderUpdate(ctx context.Context, ev OrderUpdate) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.publish(ctx, ChannelOrders, ev)
	metrics.EventsPublished.WithLabelValues(ChannelOrders).Inc()

	b.mu.RLock()
	subs := b.orderSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// PublishConnectionUpdate emits one connection state-change event.
func (b *Bus) PublishConnectionUpdate(ctx context.Context, ev ConnectionUpdate) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.publish(ctx, ChannelConnections, ev)
	metrics.EventsPublished.WithLabelValues(ChannelConnections).Inc()

	b.mu.RLock()
	subs := b.connSubs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// PublishSyncStatus emits a symbol sync status report.
func (b *Bus) PublishSyncStatus(ctx context.Context, report any) {
	b.publish(ctx, ChannelSync, report)
	metrics.EventsPublished.WithLabelValues(ChannelSync).Inc()
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) {
	if b.rdb == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[events] marshal %s: %v", channel, err)
		return
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		log.Printf("[events] publish %s: %v", channel, err)
	}
}
