package opsapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "sitepulse/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8088"
	}
	return c
}

// Server manages the listener lifecycle for the ops router.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
	addr    string
}

func NewServer(h http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{handler: h, log: log.Component("opsapi")}
}

// Apply starts, moves or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return nil
	}
	s.stopLocked(ctx)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	s.srv, s.ln, s.addr = srv, ln, ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops api server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("ops api listening", logx.String("addr", addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, addr := s.srv, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops api shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	s.log.Info("ops api stopped", logx.String("addr", addr))
}

// Addr reports the listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
