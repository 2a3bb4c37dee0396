package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// conn is one websocket client. A single reader goroutine executes requests
// in arrival order; a single writer goroutine owns all writes to the socket.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]string // session id -> channel
	closed   bool
	done     chan struct{}
}

func newConn(id string, ws *websocket.Conn, buffer int, logger zerolog.Logger) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, buffer),
		logger:   logger.With().Str("conn_id", id).Logger(),
		sessions: make(map[string]string),
		done:     make(chan struct{}),
	}
}

func (c *conn) own(sessionID, channel string) {
	c.mu.Lock()
	c.sessions[sessionID] = channel
	c.mu.Unlock()
}

func (c *conn) disown(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *conn) owns(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// joined reports whether any of the connection's sessions is on channel.
func (c *conn) joined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.sessions {
		if ch == channel {
			return true
		}
	}
	return false
}

func (c *conn) sessionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// enqueue queues a frame without blocking. It fails when the connection is
// closed or its send buffer is full.
func (c *conn) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn().Msg("Send buffer full, dropping frame")
		return false
	}
}

// close stops the writer, which sends a close frame and closes the socket.
// The reader then fails and unregisters the connection.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

func (s *Server) readPump(c *conn) {
	defer func() {
		c.close()
		s.unregister(c)
	}()

	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Websocket closed unexpectedly")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.enqueue(Reply{OK: false, Error: replyError(badRequest("invalid frame: %v", err))})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		result, err := s.handle(ctx, c, req)
		cancel()

		reply := Reply{ID: req.ID, OK: err == nil}
		if err != nil {
			reply.Error = replyError(err)
			c.logger.Debug().Err(err).Str("op", req.Op).Msg("Request failed")
		} else {
			reply.Result = result
		}
		c.enqueue(reply)
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
