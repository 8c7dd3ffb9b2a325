// Package server exposes the pipeline over a websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/channels"
	"github.com/crystaldolphin/replyflow/internal/schema"
)

type Config struct {
	Enabled   bool     `mapstructure:"enabled" yaml:"enabled"`
	Listen    string   `mapstructure:"listen" yaml:"listen"`
	Path      string   `mapstructure:"path" yaml:"path"`
	AllowFrom []string `mapstructure:"allowFrom" yaml:"allowFrom"`
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Listen:  "127.0.0.1:8790",
		Path:    "/ws",
	}
}

// Frame is the JSON envelope exchanged on the socket.
//
// Clients send "message" (an inbound chat message) or "subscribe" (receive
// replies for Conversation). The server sends "reply", "ack" and "error".
type Frame struct {
	Type         string          `json:"type"`
	Conversation string          `json:"conversation,omitempty"`
	Message      *schema.Message `json:"message,omitempty"`
	Reply        *bus.Outbound   `json:"reply,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type conn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]struct{} // guarded by WSServer.mu
}

func (c *conn) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

// WSServer is the websocket transport. It implements channels.Channel.
type WSServer struct {
	channels.Base
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func NewWSServer(cfg Config, inbound *bus.AgentBus, botName string) *WSServer {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return &WSServer{
		Base: channels.NewBase(bus.SourceWebsocket, inbound, botName, cfg.AllowFrom),
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

func (s *WSServer) Name() string { return string(bus.SourceWebsocket) }

// Handler returns the HTTP routes: the websocket endpoint and /healthz.
func (s *WSServer) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(ctx, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "connections": s.Connections()})
	})
	return mux
}

// Start listens on cfg.Listen until ctx is cancelled.
func (s *WSServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("websocket: listening", "addr", s.cfg.Listen, "path", s.cfg.Path)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("websocket listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.closeAll()
	return ctx.Err()
}

// Send writes a reply to every connection subscribed to its conversation.
func (s *WSServer) Send(_ context.Context, msg bus.Outbound) error {
	s.mu.Lock()
	var targets []*conn
	for c := range s.conns {
		if _, ok := c.subs[msg.ConversationKey]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("no websocket subscriber for %s", msg.ConversationKey)
	}
	var errs []error
	for _, c := range targets {
		if err := c.write(Frame{Type: "reply", Conversation: msg.ConversationKey, Reply: &msg}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Connections returns the number of open sockets.
func (s *WSServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WSServer) serveWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket: upgrade failed", "err", err)
		return
	}
	c := &conn{ws: ws, subs: make(map[string]struct{})}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("websocket: client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
		slog.Info("websocket: client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(ctx, c, raw)
	}
}

func (s *WSServer) handleFrame(ctx context.Context, c *conn, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		_ = c.write(Frame{Type: "error", Error: "invalid frame: " + err.Error()})
		return
	}

	switch f.Type {
	case "subscribe":
		if f.Conversation == "" {
			_ = c.write(Frame{Type: "error", Error: "subscribe needs a conversation"})
			return
		}
		s.subscribe(c, f.Conversation)
		_ = c.write(Frame{Type: "ack", Conversation: f.Conversation})
	case "message":
		if f.Message == nil || f.Message.SenderID == "" {
			_ = c.write(Frame{Type: "error", Error: "message needs a sender_id"})
			return
		}
		msg := *f.Message
		key := msg.ConversationKey()
		s.subscribe(c, key)
		if err := s.HandleMessage(ctx, msg); err != nil {
			_ = c.write(Frame{Type: "error", Conversation: key, Error: err.Error()})
			return
		}
		_ = c.write(Frame{Type: "ack", Conversation: key})
	default:
		_ = c.write(Frame{Type: "error", Error: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

func (s *WSServer) subscribe(c *conn, key string) {
	s.mu.Lock()
	c.subs[key] = struct{}{}
	s.mu.Unlock()
}

func (s *WSServer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.ws.Close()
	}
}
