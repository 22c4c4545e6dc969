package notify

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 32
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Stream pushes lifecycle events to connected UI clients over websockets.
// Slow clients lose events rather than stall the publisher.
type Stream struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

// NewStream builds a Stream. A nil checkOrigin only admits same-origin
// upgrades and requests without an Origin header.
func NewStream(log *slog.Logger, checkOrigin func(r *http.Request) bool) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:     log,
		clients: map[*streamClient]struct{}{},
	}
}

// OriginChecker admits upgrades whose Origin is one of origins, compared
// case-insensitively without a trailing slash. Requests without an Origin
// header are not browsers and pass. An empty list returns nil, which
// NewStream treats as same-origin only.
func OriginChecker(origins []string) func(r *http.Request) bool {
	allowed := map[string]struct{}{}
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o != "" {
			allowed[o] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

// Handle is a Hub Subscriber.
func (s *Stream) Handle(_ context.Context, ev calls.LifecycleEvent) {
	payload, err := encode(ev)
	if err != nil {
		s.log.Error("lifecycle event encode failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.log.Warn("websocket client too slow, event dropped", "conversation_id", ev.ConversationID)
		}
	}
}

// ServeWS upgrades the request and streams events until the client goes away.
func (s *Stream) ServeWS(c *gin.Context) {
	log := logger.FromGin(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.register(client) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	log.Debug("websocket client connected", "clients", s.Clients())

	go s.readLoop(client)
	s.writeLoop(client)
}

func (s *Stream) register(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Stream) unregister(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// readLoop only exists to process control frames and notice disconnects.
func (s *Stream) readLoop(c *streamClient) {
	defer s.unregister(c)

	c.conn.SetReadLimit(512)
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

func (s *Stream) writeLoop(c *streamClient) {
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
				s.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.unregister(c)
				return
			}
		}
	}
}

func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}
