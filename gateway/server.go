package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/events"
	"github.com/openclaw/openclaw/internal/logger"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Server is the WebSocket control-plane endpoint. Each connection gets its
// own read loop; writes are serialized per connection.
type Server struct {
	cfg      config.GatewayConfig
	handler  *Handler
	upgrader websocket.Upgrader
	log      *logger.FieldLogger

	mu    sync.Mutex
	conns map[string]*gatewayConn

	httpServer *http.Server
}

type gatewayConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *gatewayConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// NewServer creates a control-plane server. When sink is non-nil, system
// events are broadcast to every connected client as "system.event"
// notifications.
func NewServer(cfg config.GatewayConfig, handler *Handler, sink *events.Sink) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   logger.Module("gateway"),
		conns: make(map[string]*gatewayConn),
	}

	if sink != nil {
		sink.Subscribe(func(evt events.SystemEvent) {
			s.Broadcast("system.event", map[string]any{
				"text":        evt.Text,
				"session_key": evt.SessionKey,
				"context_key": evt.ContextKey,
				"at":          evt.At.Unix(),
			})
		})
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint, for
// embedding in an existing mux or test server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	path := s.cfg.Path
	if path == "" {
		path = "/ws"
	}
	mux.HandleFunc(path, s.handleWS)
	return mux
}

// ListenAndServe serves the endpoint until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.log.Info("gateway listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &gatewayConn{id: uuid.New().String(), ws: ws}
	ws.SetReadLimit(readLimit)

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.mu.Unlock()

	s.log.Debug("client connected", zap.String("conn_id", conn.id))

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		_ = ws.Close()
		s.log.Debug("client disconnected", zap.String("conn_id", conn.id))
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = conn.writeJSON(NewErrorResponse(nil, ErrorParse, "invalid JSON"))
			continue
		}

		resp := s.handler.HandleRequest(conn.id, &req)
		if err := conn.writeJSON(resp); err != nil {
			return
		}
	}
}

// Broadcast sends a notification to every connected client. Clients whose
// write fails are skipped; their read loop tears the connection down.
func (s *Server) Broadcast(method string, params map[string]any) {
	notif := NewNotification(method, params)

	s.mu.Lock()
	conns := make([]*gatewayConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeJSON(notif); err != nil {
			s.log.Debug("broadcast write failed",
				zap.String("conn_id", c.id),
				zap.Error(err))
		}
	}
}

// ConnectionCount reports the number of connected clients.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
