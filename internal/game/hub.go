// WebSocket hub: channel-based pub/sub plus targeted per-wallet delivery.
package game

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/godcandle/round-engine/internal/metrics"
)

const (
	// heartbeatInterval is how often the hub pings every connection.
	heartbeatInterval = 30 * time.Second

	// readWait bounds silence on a connection: two missed heartbeats.
	readWait = 2*heartbeatInterval + 5*time.Second

	writeWait = 10 * time.Second

	sendBuffer = 64
)

var knownChannels = map[string]bool{
	ChannelRound:  true,
	ChannelTrades: true,
	ChannelChat:   true,
	ChannelPrices: true,
}

// wsClient is one connected socket with its subscription state.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	wallet   string
	channels map[string]bool
	alive    bool
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *wsClient) identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}

// Hub manages WebSocket connections, channel subscriptions, and per-wallet
// identities. Broadcasts never block trade execution: slow consumers drop
// frames instead of backing up the caller.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	stop       chan struct{}
	done       chan struct{}
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case client := <-h.unregister:
			h.drop(client)

		case <-heartbeat.C:
			h.pingAll()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Close stops the hub and closes every live connection.
func (h *Hub) Close() {
	close(h.stop)
	<-h.done
}

func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// pingAll evicts connections that missed the previous heartbeat and pings
// the rest. Eviction closes the socket; the read pump then unregisters.
func (h *Hub) pingAll() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.mu.Lock()
		alive := client.alive
		client.alive = false
		client.mu.Unlock()

		if !alive {
			slog.Info("ws client missed heartbeat, evicting")
			client.conn.Close()
			continue
		}
		client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}
}

// Broadcast sends an event to every connection subscribed to channel.
func (h *Hub) Broadcast(channel string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(channel) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop rather than block the caller.
		}
	}
}

// SendToWallet delivers an event to the (at most one) connection bound to
// the given wallet identity.
func (h *Hub) SendToWallet(wallet string, event interface{}) {
	if wallet == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.identity() != wallet {
			continue
		}
		select {
		case client.send <- data:
		default:
		}
		return
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer upstream.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
		alive:    true,
	}
	// A connection arriving during shutdown is dropped instead of blocking
	// on a hub loop that has already exited.
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	h.readPump(client)
}

// clientFrame is the union of all client → server messages.
type clientFrame struct {
	Type          string   `json:"type"`
	Channels      []string `json:"channels,omitempty"`
	WalletAddress string   `json:"wallet_address,omitempty"`
	Message       string   `json:"message,omitempty"`
	Room          string   `json:"room,omitempty"`
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.stop:
		}
	}()

	client.conn.SetReadDeadline(time.Now().Add(readWait))
	client.conn.SetPongHandler(func(string) error {
		client.mu.Lock()
		client.alive = true
		client.mu.Unlock()
		client.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.mu.Lock()
		client.alive = true
		client.mu.Unlock()

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.reply(ErrorEvent{Type: EventError, Error: "malformed message"})
			continue
		}
		h.handleFrame(client, frame)
	}
}

func (h *Hub) handleFrame(client *wsClient, frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		accepted := client.setChannels(frame.Channels, true)
		if accepted == nil {
			client.reply(ErrorEvent{Type: EventError, Error: "unknown channel"})
			return
		}
		client.reply(AckEvent{Type: EventSubscribed, Channels: accepted})

	case "unsubscribe":
		accepted := client.setChannels(frame.Channels, false)
		if accepted == nil {
			client.reply(ErrorEvent{Type: EventError, Error: "unknown channel"})
			return
		}
		client.reply(AckEvent{Type: EventUnsubscribed, Channels: accepted})

	case "identify":
		if frame.WalletAddress == "" {
			client.reply(ErrorEvent{Type: EventError, Error: "wallet_address is required"})
			return
		}
		h.identify(client, frame.WalletAddress)
		client.reply(AckEvent{Type: EventIdentified})

	case "chat":
		if frame.Message == "" {
			client.reply(ErrorEvent{Type: EventError, Error: "message is required"})
			return
		}
		h.Broadcast(ChannelChat, ChatEvent{
			Type:          EventChat,
			Room:          frame.Room,
			WalletAddress: client.identity(),
			Message:       frame.Message,
		})

	case "ping":
		client.reply(AckEvent{Type: EventPong})

	default:
		client.reply(ErrorEvent{Type: EventError, Error: "unknown message type: " + frame.Type})
	}
}

// identify binds a wallet identity to a connection. Last write wins: any
// other connection holding the same identity loses it.
func (h *Hub) identify(client *wsClient, wallet string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for other := range h.clients {
		if other == client {
			continue
		}
		other.mu.Lock()
		if other.wallet == wallet {
			other.wallet = ""
		}
		other.mu.Unlock()
	}
	client.mu.Lock()
	client.wallet = wallet
	client.mu.Unlock()
}

// setChannels adds or removes subscriptions. Returns nil if any channel is
// unknown (the frame is rejected whole).
func (c *wsClient) setChannels(channels []string, subscribe bool) []string {
	for _, ch := range channels {
		if !knownChannels[ch] {
			return nil
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	accepted := make([]string, 0, len(channels))
	for _, ch := range channels {
		if subscribe {
			c.channels[ch] = true
		} else {
			delete(c.channels, ch)
		}
		accepted = append(accepted, ch)
	}
	return accepted
}

func (c *wsClient) reply(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *wsClient) writePump() {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	// Hub closed the send channel: say goodbye.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
