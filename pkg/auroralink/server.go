package auroralink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultAddr is the local listen address for the websocket endpoint.
const DefaultAddr = "127.0.0.1:9801"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Server exposes a Hub over websocket. Each text frame carries one JSON
// object in both directions.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the server logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// any origin since the endpoint listens on loopback.
func WithCheckOrigin(check func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = check
	}
}

// NewServer creates a websocket front end for hub.
func NewServer(hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auroralink-server")
	return s
}

// ServeHTTP upgrades the request and bridges the connection to the hub
// until either side goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := s.hub.Connect(ctx)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer client.Close()

	s.logger.Debug("websocket client connected", "client_id", client.ID(), "remote", r.RemoteAddr)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		s.readLoop(conn, client)
	}()

	s.writeLoop(conn, client)
	cancel()
	_ = conn.Close()
	<-readDone

	s.logger.Debug("websocket client disconnected", "client_id", client.ID())
}

func (s *Server) readLoop(conn *websocket.Conn, client *Client) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "client_id", client.ID(), "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		if err := client.Publish(NormalizePayload(data)); err != nil {
			if errors.Is(err, ErrClientClosed) || errors.Is(err, ErrHubClosed) {
				return
			}
			s.logger.Warn("publish failed", "client_id", client.ID(), "error", err)
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	messages := client.Subscribe()
	for {
		select {
		case msg, ok := <-messages:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// NormalizePayload returns data unchanged when it is a JSON object and
// otherwise wraps the text as {"raw": "<text>"}.
func NormalizePayload(data []byte) json.RawMessage {
	if isJSONObject(data) {
		return json.RawMessage(data)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(data)})
	return wrapped
}

// ListenAndServe serves the hub on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("auroralink listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
