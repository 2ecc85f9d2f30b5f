package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pulse/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames, so keep this small.
	maxMessageSize = 4 * 1024
)

// Conn adapts a WebSocket connection to session.Transport. Each frame is
// sent as one text message carrying the same text framing as the SSE stream.
type Conn struct {
	conn   *websocket.Conn
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newConn(c *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		conn:   c,
		done:   make(chan struct{}),
		logger: logger,
	}
}

// WriteFrame implements session.Transport. Only the session goroutine calls it.
func (c *Conn) WriteFrame(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Done implements session.Transport.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close implements session.Transport.
func (c *Conn) Close() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.conn.Close()
	c.markDone()
}

func (c *Conn) markDone() {
	c.once.Do(func() { close(c.done) })
}

// readPump discards client messages and notices when the peer goes away.
func (c *Conn) readPump() {
	defer c.markDone()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// pingPump keeps intermediaries from idling the connection out. WriteControl
// is safe to call concurrently with WriteFrame.
func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.markDone()
				return
			}
		}
	}
}

// Handler serves GET /v1/ws using the same session protocol as the SSE stream.
type Handler struct {
	sessions *session.Handler
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a WebSocket handler. allowedOrigins empty allows any origin.
func NewHandler(sessions *session.Handler, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, resume, ok := h.sessions.Admit(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newConn(conn, h.logger.With(zap.String("identity", p.Identity)))
	go c.readPump()
	go c.pingPump()

	h.sessions.Serve(r.Context(), c, p, resume)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin] || set["*"]
	}
}
