package server

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"golang.org/x/time/rate"
)

const rateLimitMessage = "Too many requests from this IP, please try again later."

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, err any) {
		s.log.Error("panic in HTTP handler", "path", c.Request.URL.Path, "panic", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "internal_error"})
		c.Abort()
	})
}

// securityHeaders sets the usual hardening headers on every response.
func securityHeaders(https bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Content-Security-Policy", "default-src 'self';base-uri 'self';font-src 'self' https: data:;form-action 'self';frame-ancestors 'self';img-src 'self' data:;object-src 'none';script-src 'self';script-src-attr 'none';style-src 'self' https: 'unsafe-inline';upgrade-insecure-requests")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		h.Set("Origin-Agent-Cluster", "?1")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-DNS-Prefetch-Control", "off")
		h.Set("X-Download-Options", "noopen")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("X-XSS-Protection", "0")
		if https {
			h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		}
		c.Next()
	}
}

// corsMiddleware restricts cross-origin access to origins and allows credentials.
// Preflight requests are answered here and never reach the routes.
func corsMiddleware(origins []string) gin.HandlerFunc {
	co := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return func(c *gin.Context) {
		co.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions && c.Request.Header.Get("Access-Control-Request-Method") != "" {
			c.Abort()
			return
		}
		c.Next()
	}
}

// ipLimiter admits at most requests per client address in any sliding window.
type ipLimiter struct {
	requests int
	window   time.Duration
	now      func() time.Time
	log      *slog.Logger
	// warn throttles the rejection log line.
	warn rate.Sometimes

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

// client holds the admission times still inside the window, oldest first.
type client struct {
	hits []time.Time
}

// expire drops admissions at or before cutoff.
func (c *client) expire(cutoff time.Time) {
	i := 0
	for i < len(c.hits) && !c.hits[i].After(cutoff) {
		i++
	}
	c.hits = c.hits[i:]
}

func newIPLimiter(requests int, window time.Duration, now func() time.Time, log *slog.Logger) *ipLimiter {
	if requests <= 0 {
		requests = 1000
	}
	if window <= 0 {
		window = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &ipLimiter{
		requests: requests,
		window:   window,
		now:      now,
		log:      log,
		warn:     rate.Sometimes{Interval: 10 * time.Second},
		clients:  make(map[string]*client),
	}
}

// allow records a request from ip. When the window is full it returns false
// and the wait until the oldest admission leaves the window.
func (l *ipLimiter) allow(ip string) (bool, time.Duration) {
	now := l.now()
	cutoff := now.Add(-l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > l.window {
		for k, c := range l.clients {
			if c.expire(cutoff); len(c.hits) == 0 {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	c, ok := l.clients[ip]
	if !ok {
		c = &client{}
		l.clients[ip] = c
	}
	c.expire(cutoff)
	if len(c.hits) >= l.requests {
		return false, c.hits[0].Add(l.window).Sub(now)
	}
	c.hits = append(c.hits, now)
	return true, 0
}

func (l *ipLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("RateLimit-Limit", strconv.Itoa(l.requests))
		ip := c.ClientIP()
		ok, wait := l.allow(ip)
		if !ok {
			l.warn.Do(func() { l.log.Warn("rate limit exceeded", "ip", ip, "retry_after", wait) })
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.String(http.StatusTooManyRequests, rateLimitMessage)
			c.Abort()
			return
		}
		c.Next()
	}
}

// accessLog writes one Apache combined-format line per request.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.opts.Now()
		c.Next()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}
		referer := c.Request.Referer()
		if referer == "" {
			referer = "-"
		}
		s.log.Info(fmt.Sprintf(`%s - - [%s] "%s %s %s" %d %d "%s" "%s"`,
			c.ClientIP(),
			start.UTC().Format("02/Jan/2006:15:04:05 -0700"),
			c.Request.Method, c.Request.URL.RequestURI(), c.Request.Proto,
			c.Writer.Status(), size, referer, c.Request.UserAgent(),
		))
	}
}

// observe records request count and latency by route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "not_found"
		}
		s.opts.Metrics.ObserveHTTP(c.Request.Method, c.Writer.Status(), route, time.Since(start))
	}
}
