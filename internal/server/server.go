// Package server exposes the session registry over an authenticated
// WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/abdullathedruid/companiond/internal/config"
	"github.com/abdullathedruid/companiond/internal/registry"
	"github.com/abdullathedruid/companiond/internal/tmux"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	maxFrameSize = 1 << 20

	// outboundQueueSize bounds per-client backlog; a slow client loses
	// the oldest frames first.
	outboundQueueSize = 64
)

// Request is one client frame.
type Request struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response answers a request by id.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Server serves the WebSocket query and event surface.
type Server struct {
	cfg    *config.Config
	reg    *registry.Registry
	tmux   tmux.Client
	logger *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[string]*client
}

// client is one connected WebSocket peer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// New creates a server bound to cfg.ListenAddr.
func New(cfg *config.Config, reg *registry.Registry, tc tmux.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		reg:    reg,
		tmux:   tc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local apps, not browsers on foreign origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("websocket server listening", "addr", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and closes all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

// authorized checks the bearer header or token query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken
	}
	return r.URL.Query().Get("token") == s.cfg.AuthToken
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Debug("client connected", "client", c.id, "remote", r.RemoteAddr)

	subID, events := s.reg.Broker().Subscribe()

	go s.writePump(c)
	go s.forwardEvents(c, events)

	s.readPump(r.Context(), c)

	s.reg.Broker().Unsubscribe(subID)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.close()
	s.logger.Debug("client disconnected", "client", c.id)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues a frame for the client, dropping the oldest on
// overflow so the connection never blocks the publisher.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- frame:
		default:
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) forwardEvents(c *client, events <-chan registry.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			c.enqueue(frame)
		}
	}
}

func (s *Server) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.enqueue(mustMarshal(Response{OK: false, Error: "malformed request"}))
			continue
		}

		resp := s.dispatch(ctx, req)
		c.enqueue(mustMarshal(resp))
	}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"ok":false,"error":"internal encoding failure"}`)
	}
	return data
}
