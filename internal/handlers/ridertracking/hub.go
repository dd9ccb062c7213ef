package ridertracking

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"locstream/internal/domain"
	"locstream/internal/metrics"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 512
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Message is the JSON pushed to riders following a driver.
type Message struct {
	DriverID  string    `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
}

type client struct {
	id       string
	driverID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
}

// Hub fans driver locations out to websocket subscribers. It is registered
// as a dispatcher handler; a slow subscriber is disconnected rather than
// allowed to stall the partition.
type Hub struct {
	log logr.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*client
}

func NewHub(log logr.Logger) *Hub {
	return &Hub{log: log.WithName("ridertracking"), clients: make(map[string]map[string]*client)}
}

func (h *Hub) Handle(_ context.Context, u domain.LocationUpdate) error {
	h.mu.RLock()
	subs := h.clients[u.DriverID]
	if len(subs) == 0 {
		h.mu.RUnlock()
		return nil
	}
	msg, err := json.Marshal(Message{DriverID: u.DriverID, Latitude: u.Latitude, Longitude: u.Longitude, Timestamp: u.Timestamp, Sequence: u.Sequence})
	if err != nil {
		h.mu.RUnlock()
		return err
	}
	var slow []*client
	for _, c := range subs {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.log.Info("dropping slow subscriber", "client", c.id, "driver", c.driverID)
		h.unregister(c)
	}
	return nil
}

// Subscribers counts the clients following a driver.
func (h *Hub) Subscribers(driverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[driverID])
}

// ServeWS upgrades the request and streams the driver's locations until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, driverID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed", "driver", driverID)
		return
	}
	c := &client{id: uuid.NewString(), driverID: driverID, conn: conn, send: make(chan []byte, sendBuffer), hub: h}
	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[c.driverID]
	if !ok {
		subs = make(map[string]*client)
		h.clients[c.driverID] = subs
	}
	subs[c.id] = c
	metrics.TrackingClients.Inc()
	h.log.V(1).Info("subscriber registered", "client", c.id, "driver", c.driverID)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.clients[c.driverID]
	if _, ok := subs[c.id]; !ok {
		return
	}
	delete(subs, c.id)
	if len(subs) == 0 {
		delete(h.clients, c.driverID)
	}
	close(c.send)
	metrics.TrackingClients.Dec()
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, subs := range h.clients {
		for _, c := range subs {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.unregister(c)
	}
}

// readPump only services control frames; riders do not send data.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.V(1).Info("subscriber read error", "client", c.id, "err", err.Error())
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
