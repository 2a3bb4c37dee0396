package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benmeehan/presence-hub/internal/documents"
	"github.com/benmeehan/presence-hub/internal/events"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/benmeehan/presence-hub/internal/notifications"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// ErrNoConnection is returned by Deliver when the session has no open
// websocket on this gateway.
var ErrNoConnection = errors.New("session has no open connection")

// Core is the inbound surface the gateway drives.
type Core interface {
	JoinChannel(channel, userID string, presenceData, deviceInfo json.RawMessage) (string, error)
	Heartbeat(sessionID string) error
	SetIdle(sessionID string) error
	UpdatePresence(sessionID string, presenceData json.RawMessage) error
	LeaveChannel(sessionID string)
	ListSessions(channel string) []models.Session

	AcquireLock(docID, sessionID string) (models.LockToken, error)
	RenewLock(docID, token string) (models.LockToken, error)
	ReleaseLock(docID, token string) bool
	LockHolder(docID string) (models.LockToken, bool)

	CreateDocument(req documents.CreateRequest) (string, error)
	ApplyUpdate(req documents.UpdateRequest) (int64, error)
	GetDocument(docID string) (models.Document, error)
	ListDocuments(userID string) []models.Document
	Invite(docID, userID string) error

	RecordHealth(sample models.HealthSample) (models.HealthSample, error)
	LatestHealth(component string, limit int) []models.HealthSample
	HealthSummary() []models.ComponentHealth

	Dispatch(ctx context.Context, userID string, batch []models.Notification) (int, error)
}

// Config tunes the websocket endpoint.
type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Server accepts websocket clients and maps their frames onto Core. It also
// pushes events to connections joined to the event's channel and delivers
// notification batches to the connection owning a session.
type Server struct {
	cfg      Config
	core     Core
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	conns    cmap.ConcurrentMap[string, *conn]
	sessions cmap.ConcurrentMap[string, *conn]
	wg       sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	closing    bool
}

var (
	_ events.Sink             = (*Server)(nil)
	_ notifications.Transport = (*Server)(nil)
)

// NewServer creates a gateway over core.
func NewServer(cfg Config, core Core, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		core:     core,
		logger:   logger,
		conns:    cmap.New[*conn](),
		sessions: cmap.New[*conn](),
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(origins) == 0 {
				return true
			}
			_, ok := origins[r.Header.Get("Origin")]
			return ok
		},
	}
	return s
}

// Handler serves the websocket endpoint at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), ws, s.cfg.SendBuffer, s.logger)

	// Registration and wg.Add happen under mu so closeAll either sees the
	// connection or this handler sees closing.
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway is shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	s.conns.Set(c.id, c)
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Debug().Str("conn_id", c.id).Str("remote", r.RemoteAddr).Msg("Websocket connected")

	go func() {
		defer s.wg.Done()
		s.writePump(c)
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(c)
	}()
}

// ConnectionCount returns the number of open websockets.
func (s *Server) ConnectionCount() int {
	return s.conns.Count()
}

func (s *Server) bind(c *conn, sessionID, channel string) {
	c.own(sessionID, channel)
	s.sessions.Set(sessionID, c)
}

func (s *Server) unbind(c *conn, sessionID string) {
	c.disown(sessionID)
	s.sessions.RemoveCb(sessionID, func(_ string, v *conn, exists bool) bool {
		return exists && v == c
	})
}

// unregister forgets a closed connection and leaves every session it joined.
func (s *Server) unregister(c *conn) {
	s.conns.Remove(c.id)
	ids := c.sessionIDs()
	for _, id := range ids {
		s.unbind(c, id)
		s.core.LeaveChannel(id)
	}
	s.logger.Debug().Str("conn_id", c.id).Int("sessions_left", len(ids)).Msg("Websocket disconnected")
}

// Name identifies the gateway as an event sink and notification transport.
func (s *Server) Name() string { return "gateway" }

// Handle pushes event to every connection with a session on its channel.
func (s *Server) Handle(_ context.Context, event models.Event) error {
	if event.Channel == "" {
		return nil
	}
	push := Push{Push: pushEvent, Data: event}
	for item := range s.conns.IterBuffered() {
		if item.Val.joined(event.Channel) {
			item.Val.enqueue(push)
		}
	}
	return nil
}

// Deliver sends batch to the connection that owns session.
func (s *Server) Deliver(_ context.Context, session models.Session, batch []models.Notification) error {
	c, ok := s.sessions.Get(session.ID)
	if !ok {
		return ErrNoConnection
	}
	push := Push{Push: pushNotifications, Data: notifications.Envelope{SessionID: session.ID, Notifications: batch}}
	if !c.enqueue(push) {
		return fmt.Errorf("connection %s is not accepting frames", c.id)
	}
	return nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		s.logger.Warn().Msg("Gateway is already running")
		return errors.New("gateway is already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.listener = ln
	s.closing = false

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server failed")
		}
	}()

	s.logger.Info().Str("address", ln.Addr().String()).Str("path", s.cfg.Path).Msg("Gateway started successfully")
	return nil
}

// Addr returns the bound listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every websocket, then waits for their
// goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		s.logger.Warn().Msg("Gateway is not running")
		return errors.New("gateway is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.closeAll()
	s.logger.Info().Msg("Gateway stopped successfully")
	return err
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// closeAll refuses new websockets, closes every open one and waits for them
// to unregister.
func (s *Server) closeAll() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for item := range s.conns.IterBuffered() {
		item.Val.close()
	}
	s.wg.Wait()
}
