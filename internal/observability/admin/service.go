// Package admin serves a small local HTTP surface for operators: liveness,
// a JSON runtime status and, when enabled, net/http/pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "signupbot/internal/runtime/supervisor"
	logx "signupbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the optional admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StatusFunc returns a JSON-serializable snapshot of the running process.
type StatusFunc func(ctx context.Context) any

var ErrInsecureBind = errors.New("admin: non-loopback addr requires token or allow_insecure")

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	status StatusFunc

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, status: status, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound address, or "" when not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
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
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start binds the listener synchronously and serves under a restart loop.
// It is idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		// If stopping, wait for it to finish before restarting.
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		cfg := s.cfg
		ln, err := listen(cfg)
		if err != nil {
			s.mu.Unlock()
			s.log.Error("admin server not started", logx.String("addr", cfg.Addr), logx.Err(err))
			return
		}
		s.ln = ln
		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			// admin is optional; never hard-kill the app.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		s.log.Info("admin server started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("pprof", cfg.Pprof),
			logx.Bool("token_set", cfg.Token != ""))
		sup.GoRestart("admin.serve", func(c context.Context) error {
			return s.serveOnce(c, cfg)
		}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		sup.Cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("admin server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func listen(cfg Config) (net.Listener, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !IsLoopbackAddr(addr) {
		return nil, ErrInsecureBind
	}
	return net.Listen("tcp", addr)
}

// serveOnce serves on the bound listener, re-binding after a failure.
func (s *Service) serveOnce(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		var err error
		if ln, err = listen(cfg); err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	srv := &http.Server{
		Handler:      s.Handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
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

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}

// Handler builds the admin mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", wrap(func(w http.ResponseWriter, r *http.Request) {
		var body any = struct{}{}
		if s.status != nil {
			body = s.status(r.Context())
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			s.log.Warn("status encode failed", logx.Err(err))
		}
	}))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
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
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// IsLoopbackAddr reports whether host:port binds only to the loopback
// interface. An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
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
