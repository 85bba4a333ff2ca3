// Package pprof serves an optional operator HTTP endpoint: liveness, a JSON
// status document and the net/http/pprof profiles.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"shockclock/internal/runtime/supervisor"
	"shockclock/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the server. A non-loopback Addr requires Token.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

// StatusFunc returns the document served at /status. It must be safe for
// concurrent use.
type StatusFunc func() any

type Service struct {
	log    logx.Logger
	status StatusFunc

	mu   sync.Mutex
	cfg  Config
	sup  *supervisor.Supervisor
	srv  *http.Server
	addr string
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if status == nil {
		status = func() any { return struct{}{} }
	}
	return &Service{cfg: cfg, status: status, log: log.With(logx.String("comp", "pprof"))}
}

// Validate rejects addresses that cannot be bound safely.
func Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	addr := addrOrDefault(cfg.Addr)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("debug.addr: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("debug.addr: %q is not loopback; set debug.token", addr)
	}
	return nil
}

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves in the background until ctx is done or Stop is called.
// Listen failures are retried with backoff and never stop the process.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log), supervisor.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", 500*time.Millisecond, 10*time.Second, false, s.serveOnce)
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	if sup != nil {
		// Under mu so serveOnce cannot publish a server after this point.
		sup.Cancel()
	}
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	return sup.Wait(ctx)
}

// Reconfigure applies cfg, restarting the server when its address or token changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (!cfg.Enabled || addrOrDefault(prev.Addr) != addrOrDefault(cfg.Addr) || prev.Token != cfg.Token) {
		if err := s.Stop(ctx); err != nil {
			return err
		}
		running = false
	}
	if !running && cfg.Enabled {
		s.Start(ctx)
	}
	return nil
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addrOrDefault(cfg.Addr))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return ctx.Err()
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler builds the routes; exported for tests and embedding.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", auth(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.status()); err != nil {
			s.log.Warn("status encode failed", logx.Err(err))
		}
	}))
	mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func addrOrDefault(addr string) string {
	if a := strings.TrimSpace(addr); a != "" {
		return a
	}
	return DefaultAddr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
