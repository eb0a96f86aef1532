package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
)

// feedHub fans recorded events out to WebSocket subscribers of the same
// tenant.
//
// A single hub goroutine owns the client set; registration, removal and
// broadcast all arrive over channels, so the set needs no lock.
type feedHub struct {
	clients map[*feedClient]bool

	broadcastCh  chan feedMessage
	registerCh   chan *feedClient
	unregisterCh chan *feedClient
	done         chan struct{}
	stopOnce     sync.Once
}

type feedMessage struct {
	tenant string
	data   []byte
}

// feedClient is one WebSocket subscriber.
type feedClient struct {
	conn   *websocket.Conn
	tenant string
	send   chan []byte
}

// upgrader allows any origin: the feed carries no credentials of its own
// and is meant for tooling on other origins too.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{
		clients:      make(map[*feedClient]bool),
		broadcastCh:  make(chan feedMessage, 256),
		registerCh:   make(chan *feedClient),
		unregisterCh: make(chan *feedClient),
		done:         make(chan struct{}),
	}
}

func (h *feedHub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = true
			slog.Debug("feed client connected", "tenant", c.tenant, "total", len(h.clients))

		case c := <-h.unregisterCh:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				slog.Debug("feed client disconnected", "tenant", c.tenant, "total", len(h.clients))
			}

		case msg := <-h.broadcastCh:
			for c := range h.clients {
				if c.tenant != msg.tenant {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer; drop it rather than stall every tenant.
					delete(h.clients, c)
					close(c.send)
				}
			}

		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// broadcast queues msg for delivery. Non-blocking: when the queue is full
// the message is dropped, since the feed is best effort and clients can
// catch up through search.
func (h *feedHub) broadcast(msg feedMessage) {
	select {
	case h.broadcastCh <- msg:
	default:
		slog.Warn("feed queue full, dropping event", "tenant", msg.tenant)
	}
}

func (h *feedHub) register(c *feedClient) bool {
	select {
	case h.registerCh <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *feedHub) unregister(c *feedClient) {
	select {
	case h.unregisterCh <- c:
	case <-h.done:
	}
}

func (h *feedHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// handleFeed upgrades to WebSocket and subscribes the client to the
// tenant's newly recorded events. Messages are JSON-encoded events.
// GET /v1/tenants/{tenant}/feed
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn:   conn,
		tenant: tenant,
		send:   make(chan []byte, 64),
	}
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	if s.metrics != nil {
		s.metrics.FeedClientConnected()
	}

	go c.writePump()
	go func() {
		c.readPump(s.hub)
		if s.metrics != nil {
			s.metrics.FeedClientDisconnected()
		}
	}()
}

// writePump sends queued messages and keepalive pings until the hub closes
// the send channel or a write fails.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames to notice disconnects and pongs. The feed
// is one-directional; incoming messages are ignored.
func (c *feedClient) readPump(hub *feedHub) {
	defer func() {
		hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
