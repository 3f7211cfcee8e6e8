// Package server exposes the node's health, readiness, metrics and info
// endpoints over HTTP(S).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"

	"github.com/goatfundr/goatnode/internal/manager"
	"github.com/goatfundr/goatnode/internal/metrics"
	"github.com/goatfundr/goatnode/internal/shutdown"
)

const DefaultAddr = ":8080"

// NodeStatus reports the supervised node.
type NodeStatus interface {
	Status() manager.Status
}

// Lifecycle reports the supervisor shutdown state.
type Lifecycle interface {
	State() shutdown.State
}

// ChainProbe checks that the node answers RPC.
type ChainProbe interface {
	ChainID(ctx context.Context) (uint64, error)
}

type Options struct {
	Addr        string
	Version     string
	ChainID     uint64
	Network     string
	Environment string

	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	BackupsEnabled bool
	// ProbeTimeout bounds the RPC check of /ready.
	ProbeTimeout time.Duration

	Node      NodeStatus
	Lifecycle Lifecycle
	Chain     ChainProbe
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	TLS       *tls.Config

	// OnError receives a serve failure after Start succeeded.
	OnError func(error)
	// Go runs the serve loop; defaults to a plain goroutine.
	Go func(fn func())
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	opts    Options
	log     *slog.Logger
	started time.Time
	handler http.Handler

	mu   sync.Mutex
	http *http.Server
	addr net.Addr
}

func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Go == nil {
		opts.Go = func(fn func()) { go fn() }
	}
	s := &Server{opts: opts, log: opts.Logger.With("component", "http"), started: opts.Now()}

	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}
	s.handler = gzip(s.router())
	return s, nil
}

// Handler returns the full middleware chain and routes.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) router() *gin.Engine {
	g := gin.New()
	// rate limiting keys on the socket address, not forwarded headers
	_ = g.SetTrustedProxies(nil)
	// logging and metrics wrap everything that may abort, 429s and preflights included
	g.Use(
		s.accessLog(),
		s.observe(),
		s.recovery(),
		securityHeaders(s.opts.TLS != nil),
		corsMiddleware(s.opts.AllowedOrigins),
		newIPLimiter(s.opts.RateLimitRequests, s.opts.RateLimitWindow, s.opts.Now, s.log).middleware(),
	)
	g.GET("/health", s.handleHealth)
	g.GET("/ready", s.handleReady)
	g.GET("/live", s.handleLive)
	g.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	g.GET("/info", s.handleInfo)
	g.NoRoute(func(c *gin.Context) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "not_found", Message: "no route for " + c.Request.URL.Path})
	})
	return g
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors go to OnError.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	scheme := "http"
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
		scheme = "https"
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.http = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info(fmt.Sprintf("Health server running on port %s", portOf(ln.Addr())), "scheme", scheme)
	s.opts.Go(func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("health server failed", "error", err)
			if s.opts.OnError != nil {
				s.opts.OnError(err)
			}
		}
	})
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func portOf(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return fmt.Sprint(tcp.Port)
	}
	return a.String()
}
