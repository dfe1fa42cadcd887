// Package server exposes the engine over HTTP.
//
// Endpoints:
//
//	POST /chat    OpenAI-style messages in, server-sent events out
//	GET  /ws      WebSocket conversation stream
//	GET  /health  liveness probe
//
// A gRPC health service can run alongside on its own address.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/becomeliminal/nim-recall/engine"
)

// Responder answers one conversation turn.
type Responder interface {
	Respond(ctx context.Context, in *engine.Input) (*engine.Output, error)
}

// Config configures the server.
type Config struct {
	// Engine answers turns. Required.
	Engine Responder

	// Addr is the HTTP listen address (default ":8080").
	Addr string

	// GRPCAddr is the gRPC health listen address. Empty disables it.
	GRPCAddr string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// DefaultTimeout bounds generation when a request sets none.
	// Default: 60s
	DefaultTimeout time.Duration

	// MaxBodyBytes caps request bodies and WebSocket frames.
	// Default: 1 MiB
	MaxBodyBytes int64

	// AllowedOrigins for CORS and WebSocket upgrades. Empty allows any.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server serves the HTTP and gRPC health endpoints.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	health   *health.Server
}

// New creates a server. It does not listen until Run.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		health: health.NewServer(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.cors(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("server: http listening", "addr", s.cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: http: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("server: grpc listen: %w", err)
		}
		grpcSrv = s.NewGRPCServer()
		go func() {
			s.logger.Info("server: grpc health listening", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("server: grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server: http shutdown", "err", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	s.logger.Info("server: stopped")
	return runErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) cors(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Conversation-ID")
	h.Set("Access-Control-Expose-Headers", "X-Conversation-ID")
	h.Add("Vary", "Origin")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) timeout(seconds float64) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	return s.cfg.DefaultTimeout
}

func (s *Server) model(m string) string {
	if m != "" {
		return m
	}
	return s.cfg.DefaultModel
}
