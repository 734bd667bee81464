// Package gateway is the HTTP and WebSocket surface of voxgate: session
// creation, call-control documents, provider webhooks and media streams.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/soyeahso/voxgate/internal/bridge"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/domain"
	"github.com/soyeahso/voxgate/internal/hooks"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/orchestrator"
	"github.com/soyeahso/voxgate/internal/version"
)

// Sessions is the orchestrator surface the gateway drives.
type Sessions interface {
	bridge.Binder
	CreateSession(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	EndSession(ctx context.Context, id, reason string) error
	HandleRecordingReady(ctx context.Context, roomName, recordingID string) error
	Session(ctx context.Context, id string) (domain.CallSession, error)
	Sessions(ctx context.Context, limit int) ([]domain.CallSession, error)
	Live() int
}

// Server is the voxgate HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	sessions Sessions
	streams  *streamRegistry
	errs     errorWriter
	version  string

	// Hook manager (optional, nil if not configured)
	hooks *hooks.Manager

	mu         sync.Mutex
	startedAt  time.Time
	addr       string
	httpServer *http.Server

	upgrader      websocket.Upgrader
	authLimiter   *failureLimiter
	createLimiter *rate.Limiter
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks sets the hook manager for lifecycle events.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// New creates a new gateway server.
func New(cfg config.Config, sessions Sessions, log *logging.Logger, opts ...ServerOption) *Server {
	l := log.Sub("gateway")
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         l,
		sessions:    sessions,
		streams:     newStreamRegistry(l.Sub("streams")),
		errs:        errorWriter{legacy: cfg.Gateway.LegacyErrorStatus},
		version:     version.Version,
		authLimiter: newFailureLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.CORSOrigins),
		},
	}
	if r := cfg.Gateway.SessionRate; r.PerSecond > 0 {
		burst := r.Burst
		if burst <= 0 {
			burst = 1
		}
		s.createLimiter = rate.NewLimiter(rate.Limit(r.PerSecond), burst)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// Requests without an Origin (the telephony provider) are always allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)
	return withMiddleware(mux, s.log, s.cfg.Gateway.CORSOrigins, s.cfg.Gateway.AllowedHosts)
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "loopback" && s.cfg.Gateway.PublicURL == "" {
		s.log.Warn().Msg("TLS is not enabled and no public URL is set; webhooks and media streams need an https front end")
	}

	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(l net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr().String()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info().
		Str("addr", s.addr).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.Mode).
		Str("publicUrl", s.cfg.Gateway.PublicURL).
		Msg("gateway server starting")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, "", map[string]any{"addr": s.addr})
	}

	runCtx, stop := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		prune := time.NewTicker(time.Minute)
		defer prune.Stop()
		for {
			select {
			case <-prune.C:
				s.authLimiter.prune()
			case <-runCtx.Done():
				s.shutdown()
				return
			}
		}
	}()

	err := srv.Serve(ln)
	stop()
	<-stopped
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) shutdown() {
	s.log.Info().Int("streams", s.streams.Count()).Msg("shutting down gateway server")
	if s.hooks != nil {
		s.hooks.Emit(context.Background(), hooks.EventGatewayStop, "", nil)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.streams.CloseAll("shutdown")
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
