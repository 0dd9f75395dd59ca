package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"strategy-executor/internal/auth"
	"strategy-executor/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
	maxMessage = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer and the token.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageHandler processes one inbound text frame and returns the reply.
type MessageHandler func(data []byte) (int, gin.H)

// Client is one websocket connection.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	canCommand bool
	closeChan  chan struct{}
}

type reply struct {
	client *Client
	data   []byte
}

// Hub fans events out to every client and routes inbound commands to the
// handler. All client bookkeeping happens on the Run goroutine.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	replies    chan reply
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	handler    MessageHandler
	logger     zerolog.Logger
}

// NewHub creates a hub; handler may be nil to ignore inbound frames.
func NewHub(handler MessageHandler, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 4096),
		replies:    make(chan reply, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		handler:    handler,
		logger:     logger,
	}
}

// Run starts the WebSocket hub
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case r := <-h.replies:
			h.mu.RLock()
			if h.clients[r.client] {
				select {
				case r.client.send <- r.data:
				default:
				}
			}
			h.mu.RUnlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// slow client; let unregister close it
					go h.drop(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop closes every client and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// BroadcastEvent broadcasts an event to all connected clients
func (h *Hub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sendTo(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case h.replies <- reply{client: c, data: data}:
	case <-h.done:
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump treats every text frame as a command.
func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if kind != websocket.TextMessage || c.hub.handler == nil {
			continue
		}
		if !c.canCommand {
			c.hub.sendTo(c, gin.H{"type": "COMMAND_REJECTED", "error": true, "message": auth.ErrForbidden.Message})
			continue
		}
		code, resp := c.hub.handler(data)
		resp["type"] = "COMMAND_ACK"
		resp["status"] = code
		c.hub.sendTo(c, resp)
	}
}

// handleWebSocket upgrades the connection. Inbound commands need the
// commands scope when auth is on.
func (s *Server) handleWebSocket(c *gin.Context) {
	canCommand := true
	if s.jwt != nil {
		claims := auth.GetClaims(c)
		canCommand = claims != nil && claims.Has(auth.ScopeCommands)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		hub:        s.hub,
		canCommand: canCommand,
		closeChan:  make(chan struct{}),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	s.hub.sendTo(client, gin.H{
		"type":       "CONNECTED",
		"message":    "WebSocket connection established",
		"executorId": s.executor.Status().ExecutorID,
		"timestamp":  time.Now().UTC(),
	})
}
