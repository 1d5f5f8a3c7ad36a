package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wetnet-beep/rassilka-tg/internal/runtime/supervisor"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// ServerConfig controls the optional /metrics HTTP server.
//
// Prefer binding to localhost (default). A non-loopback bind requires Token
// or AllowInsecure.
type ServerConfig struct {
	Enabled       bool
	Addr          string
	Path          string
	Token         string
	AllowInsecure bool
	// Pprof also mounts net/http/pprof under /debug/pprof/, behind Token.
	Pprof bool
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg ServerConfig
	m   *Metrics

	srv *http.Server
	sup *supervisor.Supervisor
}

func NewServer(m *Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{m: m, log: log}
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
// Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev.Addr != cfg.Addr || normalizePath(prev.Path) != normalizePath(cfg.Path) ||
		prev.Token != cfg.Token || prev.AllowInsecure != cfg.AllowInsecure:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled || s.m == nil {
		return
	}
	// Metrics are optional; a failing listener never cancels the app.
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(s.log))
	s.sup.GoRestart("metrics.serve", 500*time.Millisecond, 10*time.Second, func(c context.Context) {
		if err := s.serveOnce(c); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("metrics server exited", logx.Err(err))
		}
	})
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	srv := s.srv
	s.sup = nil
	s.srv = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = sup.Wait(wctx)
	s.log.Info("metrics server stopped")
}

// Handler returns the mux served on the configured path plus /healthz.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	h := promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{Registry: s.m.Registry})
	mux.Handle(normalizePath(cfg.Path), withAuth(cfg.Token, h))
	if cfg.Pprof {
		mux.Handle("/debug/pprof/", withAuth(cfg.Token, http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", withAuth(cfg.Token, http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", withAuth(cfg.Token, http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", withAuth(cfg.Token, http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", withAuth(cfg.Token, http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("metrics refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		<-ctx.Done()
		return context.Canceled
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics started", logx.String("addr", ln.Addr().String()), logx.String("path", normalizePath(cfg.Path)))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got == tok {
			h.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
