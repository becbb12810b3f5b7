package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// CommandHandler processes one foreground command and returns zero or more
// direct replies for the issuing context.
type CommandHandler interface {
	HandleCommand(ctx context.Context, msg Message) []Message
}

// Hub accepts foreground websocket connections, dispatches their commands
// and fans agent broadcasts out to every connected context.
type Hub struct {
	handler CommandHandler
	logger  *log.Logger
	mu      sync.Mutex
	conns   map[*hubConn]struct{}
}

type hubConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *hubConn) send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

func NewHub(handler CommandHandler, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		handler: handler,
		logger:  logger,
		conns:   map[*hubConn]struct{}{},
	}
}

// ContextCount reports how many foreground contexts are currently connected.
// The notification dispatcher uses it to suppress re-announcements while the
// richer in-app path is available.
func (h *Hub) ContextCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Printf("bridge accept failed: %v", err)
		return
	}
	conn := &hubConn{ws: ws}
	h.add(conn)
	defer h.remove(conn)
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := Decode(raw)
		if err != nil {
			h.logger.Printf("bridge rejected inbound frame: %v", err)
			reply, _ := json.Marshal(Make(TypeError, ErrorData{Message: err.Error()}))
			if sendErr := conn.send(ctx, reply); sendErr != nil {
				return
			}
			continue
		}
		if h.handler == nil {
			continue
		}
		for _, reply := range h.handler.HandleCommand(ctx, msg) {
			data, marshalErr := json.Marshal(reply)
			if marshalErr != nil {
				h.logger.Printf("bridge reply marshal failed: %v", marshalErr)
				continue
			}
			if sendErr := conn.send(ctx, data); sendErr != nil {
				return
			}
		}
	}
}

// Broadcast sends msg to every connected foreground context. Send failures
// are logged and the connection is dropped; the read loop notices on its own.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("bridge broadcast marshal failed: %v", err)
		return
	}
	for _, conn := range h.snapshot() {
		if err := conn.send(context.Background(), data); err != nil {
			h.logger.Printf("bridge broadcast to context failed: %v", err)
			h.remove(conn)
		}
	}
}

func (h *Hub) add(conn *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) remove(conn *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *Hub) snapshot() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*hubConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	return conns
}
