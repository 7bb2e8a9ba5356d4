package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	logx "dispatchcheck/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9464"

// Server serves /metrics. Apply starts, moves or stops the listener.
type Server struct {
	m   *Metrics
	log logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(m *Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{m: m, log: log.With(logx.String("comp", "metrics"))}
}

// Apply reconciles the listener with (enabled, addr). A failed listen is
// returned and leaves the server stopped.
func (s *Server) Apply(ctx context.Context, enabled bool, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.addr == addr {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(addr)
}

func (s *Server) startLocked(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Warn("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.srv = srv
	s.ln = ln
	// Keep the configured address so Apply can tell whether it changed.
	s.addr = addr
	bound := ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("metrics server error", logx.String("addr", bound), logx.Err(err))
		}
	}()
	s.log.Info("metrics enabled", logx.String("addr", bound))
	return nil
}

// Addr returns the bound address, "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
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
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("metrics shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("metrics disabled", logx.String("addr", addr))
}
