// Package controlapi is the operator HTTP surface: artifact listing,
// approval, promotion, supervisor status, the event journal, metrics and the
// pub/sub websocket.
package controlapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/journal"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/launcher"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

// DefaultAddr is the default control API listen address
const DefaultAddr = "127.0.0.1:9800"

// DefaultMaxUploadBytes bounds POST /stage bodies
const DefaultMaxUploadBytes = 256 << 20

// SignatureHeader carries the detached signature on POST /stage
const SignatureHeader = "X-Aurora-Signature"

// ServiceSource reports supervised services
type ServiceSource interface {
	Services() []procmgr.ServiceHandle
	Health() procmgr.HealthCheck
}

// PluginSource lists discovered plugins
type PluginSource interface {
	List() []*launcher.Manifest
	Lookup(name string) (*launcher.Manifest, error)
}

// EventSource reads the event journal
type EventSource interface {
	Query(ctx context.Context, f journal.Filter) ([]journal.Event, error)
}

// Server routes operator requests to the updater and the runtime
type Server struct {
	updater  *updater.Updater
	services ServiceSource
	plugins  PluginSource
	events   EventSource
	link     http.Handler
	registry *prometheus.Registry
	metrics  *httpMetrics
	roots    []string
	logger   *slog.Logger
	maxBody  int64
	attempts *attemptLimiter

	router *gin.Engine
}

// Option configures a Server
type Option func(*Server)

// WithServices exposes supervisor state on /services and /healthz
func WithServices(src ServiceSource) Option {
	return func(s *Server) {
		s.services = src
	}
}

// WithPlugins exposes the plugin registry on /plugins
func WithPlugins(src PluginSource) Option {
	return func(s *Server) {
		s.plugins = src
	}
}

// WithEvents exposes the journal on /events
func WithEvents(src EventSource) Option {
	return func(s *Server) {
		s.events = src
	}
}

// WithLink mounts the pub/sub websocket handler on /link
func WithLink(h http.Handler) Option {
	return func(s *Server) {
		s.link = h
	}
}

// WithRegistry registers request metrics on reg and serves it on /metrics
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithActivationRoots limits /promote targets to directories below roots.
// With no roots configured every promotion is refused.
func WithActivationRoots(roots ...string) Option {
	return func(s *Server) {
		s.roots = append(s.roots, roots...)
	}
}

// WithLogger sets the server logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxUploadBytes bounds staged uploads
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithApprovalRateLimit allows each client perMinute approve or reject
// calls, with bursts of up to burst.
func WithApprovalRateLimit(perMinute, burst int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.attempts = newAttemptLimiter(perMinute, burst)
		}
	}
}

// NewServer builds the router
func NewServer(u *updater.Updater, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		updater: u,
		logger:  slog.Default(),
		maxBody: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "control-api")

	roots := make([]string, 0, len(s.roots))
	for _, r := range s.roots {
		if root, err := resolvePath(r); err == nil {
			roots = append(roots, root)
		}
	}
	s.roots = roots

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(s.logger))
	if s.registry != nil {
		s.metrics = newHTTPMetrics(s.registry)
		router.Use(s.metrics.middleware())
	}
	s.router = router
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	// Updater
	s.router.GET("/list", s.handleList)
	s.router.GET("/suggestions", s.handleSuggestions)
	s.router.POST("/stage", s.handleStage)
	s.router.GET("/verify/:hash", s.handleVerify)
	s.router.POST("/request-approval", s.handleRequestApproval)
	decisions := []gin.HandlerFunc{}
	if s.attempts != nil {
		decisions = append(decisions, s.attempts.middleware())
	}
	s.router.POST("/approve", append(decisions, s.handleApprove)...)
	s.router.POST("/reject", append(decisions, s.handleReject)...)
	s.router.POST("/promote", s.handlePromote)

	// Runtime
	s.router.GET("/services", s.handleServices)
	s.router.GET("/plugins", s.handlePlugins)
	s.router.GET("/plugins/:name", s.handlePlugin)
	s.router.GET("/events", s.handleEvents)

	if s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	if s.link != nil {
		s.router.GET("/link", gin.WrapH(s.link))
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled
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

// Serve serves on ln until ctx is canceled, then drains for up to five
// seconds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("control API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
