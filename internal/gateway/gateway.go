// Package gateway is a demonstration WebSocket front end over roomsvc: it
// is not part of the room-sync core, but exercises it end-to-end the way
// a real host process would.
//
// Grounded on the teacher's internal/rooms/client.go (readPump/writePump
// shape, ping/pong constants) and internal/api/websocket.go (upgrader
// configuration), generalized from chat-message framing to the generic
// publish/fullData/newData frame this core's callback contract produces.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/roomsync/internal/obslog"
	"github.com/dukepan/roomsync/room"
	"github.com/dukepan/roomsync/roomsvc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultHistoryLength = 50
)

// Gateway upgrades HTTP connections to WebSocket and bridges them onto
// roomsvc.Service rooms.
type Gateway struct {
	svc      *roomsvc.Service
	logger   *obslog.Logger
	upgrader websocket.Upgrader
}

// New constructs a Gateway.
func New(svc *roomsvc.Service, logger *obslog.Logger) *Gateway {
	return &Gateway{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux returns the gateway's HTTP handler: /ws for the WebSocket endpoint
// and /healthz for liveness checks, wrapped in request-id and tracing
// middleware.
func (g *Gateway) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.HandleFunc("/ws", g.handleWebSocket)

	var handler http.Handler = mux
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebSocket joins the caller onto the room named by the "room"
// query parameter. role=producer acquires it with publish rights;
// anything else joins as a plain consumer. user_id is optional; a random
// one is generated if omitted.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	roomName := req.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "missing room query parameter", http.StatusBadRequest)
		return
	}

	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		userID = uuid.NewString()
	}

	producer := req.URL.Query().Get("role") == "producer"
	opts := room.Options{EnableFullData: true, HistoryLength: defaultHistoryLength}

	var (
		r   *room.Room
		err error
	)
	if producer {
		r, err = g.svc.CreateRoom(ctx, roomName, opts)
	} else {
		r, err = g.svc.GetRoom(ctx, roomName, opts)
	}
	if err != nil {
		http.Error(w, "failed to acquire room: "+err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn(ctx, "websocket upgrade failed for room %s: %v", roomName, err)
		return
	}

	client := newClient(r, conn, userID, producer, g.logger)
	client.start(ctx)
}

type client struct {
	room     *room.Room
	conn     *websocket.Conn
	userID   string
	producer bool
	logger   *obslog.Logger
	send     chan []byte
}

func newClient(r *room.Room, conn *websocket.Conn, userID string, producer bool, logger *obslog.Logger) *client {
	return &client{
		room:     r,
		conn:     conn,
		userID:   userID,
		producer: producer,
		logger:   logger,
		send:     make(chan []byte, 256),
	}
}

// start registers the onData callback, joins the room, and launches the
// read/write pumps. Join's synchronous initial dispatch means the first
// frame is already queued on send before start returns. ctx is only used
// for the synchronous Join call: the pumps outlive the HTTP handler that
// spawned them (net/http cancels req.Context() the instant ServeHTTP
// returns, which happens right after start does), so they run off
// context.Background() for the rest of the connection's life, the same
// way the teacher's handlers detach per-message work from the request
// context once a client goroutine owns it.
func (c *client) start(ctx context.Context) {
	go c.writePump()

	bg := context.Background()
	onData := func(fullData map[string]interface{}, newData map[string]interface{}, extra interface{}) {
		frame, err := json.Marshal(map[string]interface{}{
			"room":     c.room.Name(),
			"fullData": fullData,
			"newData":  newData,
		})
		if err != nil {
			c.logger.Warn(bg, "failed to encode frame for room %s: %v", c.room.Name(), err)
			return
		}
		select {
		case c.send <- frame:
		default:
			c.logger.Warn(bg, "dropping frame for slow consumer %s in room %s", c.userID, c.room.Name())
		}
	}

	if err := c.room.Join(ctx, c.userID, onData, nil); err != nil {
		c.logger.Warn(ctx, "join failed for room %s: %v", c.room.Name(), err)
		close(c.send)
		c.conn.Close()
		return
	}

	go c.readPump(bg)
}

// readPump relays inbound {"type":"publish","data":{...}} frames to the
// room when the connection was acquired with producer rights.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		_ = c.room.Leave(context.Background(), c.userID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn(ctx, "websocket read error for user %s in room %s: %v", c.userID, c.room.Name(), err)
			}
			return
		}

		var frame struct {
			Type string                 `json:"type"`
			Data map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn(ctx, "malformed client frame from user %s: %v", c.userID, err)
			continue
		}

		switch frame.Type {
		case "publish":
			if !c.producer {
				c.logger.Warn(ctx, "user %s attempted publish on non-producer connection to room %s", c.userID, c.room.Name())
				continue
			}
			if err := c.room.Publish(ctx, frame.Data, nil); err != nil {
				c.logger.Warn(ctx, "publish from user %s to room %s failed: %v", c.userID, c.room.Name(), err)
			}
		default:
			c.logger.Warn(ctx, "unknown frame type %q from user %s", frame.Type, c.userID)
		}
	}
}

func (c *client) writePump() {
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
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
