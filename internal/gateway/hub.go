// Package gateway fans order and connection update events out to
// WebSocket clients (the UI's live order blotter). Events arrive over
// Redis PubSub from the bridge process; a replay buffer lets clients
// backfill short gaps after a reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"alertbridge/internal/events"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

// Hub manages WebSocket clients and the Redis PubSub subscription.
type Hub struct {
	rdb *goredis.Client

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64
	replay  *ReplayBuffer

	upgrader websocket.Upgrader
}

// NewHub creates a Hub with a replay buffer of the given capacity.
func NewHub(rdb *goredis.Client, replayCapacity int) *Hub {
	return &Hub{
		rdb:     rdb,
		clients: make(map[*Client]bool),
		replay:  NewReplayBuffer(replayCapacity),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The UI is served from another origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run subscribes to the update channels and routes messages to clients.
// Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pubsub := h.rdb.Subscribe(ctx,
		events.ChannelOrders, events.ChannelConnections, events.ChannelSync)
	defer pubsub.Close()

	log.Printf("[gateway] subscribed to update channels")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Broadcast wraps a payload in a sequenced envelope and sends it to
// every connected client. Slow clients drop messages rather than block
// the fan-out; they recover via the replay buffer.
func (h *Hub) Broadcast(channel string, data []byte) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	envelope, err := json.Marshal(map[string]any{
		"channel": channel,
		"seq":     seq,
		"data":    json.RawMessage(data),
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Printf("[gateway] envelope marshal: %v", err)
		return
	}
	h.replay.Push(seq, envelope)

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- envelope:
		default:
			client.dropped++
		}
	}
	h.mu.RUnlock()
}

// ServeWS upgrades an HTTP request and registers the client. The
// optional from_seq query parameter replays buffered envelopes after
// that sequence number before live traffic resumes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] ws client connected (%d total)", count)

	if fromSeq := parseSeq(r.URL.Query().Get("from_seq")); fromSeq > 0 {
		go client.replayFrom(fromSeq)
	}
	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters a client and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CurrentSeq returns the latest broadcast sequence number.
func (h *Hub) CurrentSeq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func parseSeq(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
