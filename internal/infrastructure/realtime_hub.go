package infrastructure

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"engage_inbound/internal/interfaces"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 64
)

func TenantRoom(id string) string    { return "tenant:" + id }
func TicketRoom(id string) string    { return "ticket:" + id }
func AgreementRoom(id string) string { return "agreement:" + id }

// RealtimeEvent is the frame written to subscribers.
type RealtimeEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type hubClient struct {
	conn  *websocket.Conn
	send  chan []byte
	rooms []string
	once  sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// RealtimeHub fans events out to websocket subscribers grouped in rooms.
// Slow subscribers lose frames instead of blocking the publisher.
type RealtimeHub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*hubClient]struct{}
}

var _ interfaces.Realtime = (*RealtimeHub)(nil)

func NewRealtimeHub(logger zerolog.Logger) *RealtimeHub {
	return &RealtimeHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "realtime").Logger(),
		rooms:  make(map[string]map[*hubClient]struct{}),
	}
}

// Serve upgrades the request and subscribes the connection to rooms until it closes.
func (h *RealtimeHub) Serve(w http.ResponseWriter, r *http.Request, rooms []string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &hubClient{conn: conn, send: make(chan []byte, clientSendSize), rooms: rooms}
	h.register(client)

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func (h *RealtimeHub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range c.rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*hubClient]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
	}
}

func (h *RealtimeHub) unregister(c *hubClient) {
	h.mu.Lock()
	for _, room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump only services control frames; subscribers never publish.
func (h *RealtimeHub) readPump(c *hubClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RealtimeHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

func (h *RealtimeHub) EmitToTenant(tenantID, event string, payload any) {
	h.broadcast(TenantRoom(tenantID), event, payload)
}

func (h *RealtimeHub) EmitToTicket(ticketID, event string, payload any) {
	h.broadcast(TicketRoom(ticketID), event, payload)
}

func (h *RealtimeHub) EmitToAgreement(agreementID, event string, payload any) {
	h.broadcast(AgreementRoom(agreementID), event, payload)
}

func (h *RealtimeHub) broadcast(room, event string, payload any) {
	frame, err := json.Marshal(RealtimeEvent{Event: event, Payload: payload})
	if err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("Failed to encode realtime event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
		default:
			h.logger.Debug().Str("room", room).Str("event", event).Msg("Subscriber buffer full, frame dropped")
		}
	}
}

// Subscribers returns the number of connections in room.
func (h *RealtimeHub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every subscriber.
func (h *RealtimeHub) Close() {
	h.mu.Lock()
	clients := make(map[*hubClient]struct{})
	for _, members := range h.rooms {
		for c := range members {
			clients[c] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*hubClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
}
