package main

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// EventStatus is the envelope type of combined status updates.
const EventStatus = "status"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts connections addressed to the loopback interface only.
func localOrigin(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WSEnvelope wraps every message sent to clients.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsRequest is a client message.
type wsRequest struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// WSClient is one connected client. An empty subscription set receives
// every event.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.RWMutex
	subscriptions map[string]bool
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub tracks clients and fans messages out to them.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
}

// NewWSHub creates a hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[string]*WSClient)}
}

// Attach forwards integration events and status changes to the clients.
// The returned function detaches the hub.
func (h *WSHub) Attach(integ *integration.Integration) (detach func()) {
	unsubEvents := integ.OnEvent(func(e integration.IntegrationEvent) {
		h.Broadcast(WSEnvelope{
			Type:      string(e.Type),
			Data:      e.Data,
			Error:     e.Error,
			Timestamp: e.Timestamp.Unix(),
		})
	})
	unsubStatus := integ.OnStatusChange(func(st integration.IntegrationStatus) {
		h.Broadcast(WSEnvelope{Type: EventStatus, Data: st, Timestamp: st.UpdatedAt.Unix()})
	})
	return func() {
		unsubEvents()
		unsubStatus()
	}
}

// Len returns the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("[WS] Client connected", map[string]interface{}{"client": c.id, "total": n})
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	logging.Debug("[WS] Client disconnected", map[string]interface{}{"client": c.id, "total": n})
}

// Broadcast sends env to every client subscribed to its type. A client
// whose buffer is full is dropped rather than blocking the publisher.
func (h *WSHub) Broadcast(env WSEnvelope) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().Unix()
	}
	msg, err := json.Marshal(env)
	if err != nil {
		logging.Error("[WS] Failed to marshal message", err, map[string]interface{}{"type": env.Type})
		return
	}

	var slow []*WSClient
	h.mu.RLock()
	for _, c := range h.clients {
		if !c.wants(env.Type) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logging.Warn("[WS] Dropping slow client", map[string]interface{}{"client": c.id})
		h.unregister(c)
	}
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("[WS] Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSEnvelope{Type: "error", Error: "invalid message: " + err.Error()})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(WSEnvelope{Type: "subscribe_ack", Data: req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply(WSEnvelope{Type: "unsubscribe_ack", Data: req.Events})
		case "ping":
			c.reply(WSEnvelope{Type: "pong"})
		default:
			c.reply(WSEnvelope{Type: "error", Error: "unknown action " + req.Action})
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct response to this client. It gives up when the
// client is already being dropped.
func (c *WSClient) reply(env WSEnvelope) {
	env.Timestamp = time.Now().Unix()
	msg, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// HandleWebSocket upgrades the request and serves the client.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("[WS] Upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}
		client := &WSClient{
			id:            uuid.NewString(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}
		hub.register(client)

		go client.writePump()
		go client.readPump()
	}
}
