package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goatfundr/goatnode/internal/logger"
	"github.com/goatfundr/goatnode/internal/manager"
	"github.com/goatfundr/goatnode/internal/metrics"
	"github.com/goatfundr/goatnode/internal/process"
	"github.com/goatfundr/goatnode/internal/shutdown"
)

type fakeNode struct {
	mu sync.Mutex
	st manager.Status
}

func (f *fakeNode) Status() manager.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeNode) set(st manager.Status) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

type fakeLifecycle struct{ st shutdown.State }

func (f *fakeLifecycle) State() shutdown.State { return f.st }

type fakeChain struct{ err error }

func (f fakeChain) ChainID(context.Context) (uint64, error) { return 31337, f.err }

type fixture struct {
	srv   *Server
	h     http.Handler
	node  *fakeNode
	life  *fakeLifecycle
	reg   *metrics.Registry
	clock time.Time
}

func running() manager.Status {
	return manager.Status{
		State:   manager.StateRunning,
		Process: &manager.ManagedProcess{PID: 4242, Cycle: 1},
	}
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		node:  &fakeNode{st: running()},
		life:  &fakeLifecycle{},
		reg:   metrics.New(),
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	opts := Options{
		Version:           "1.0.0",
		ChainID:           999191917,
		Network:           "GoatChain",
		Environment:       "production",
		AllowedOrigins:    []string{"https://blockchain.goatfundr.com"},
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Node:              f.node,
		Lifecycle:         f.life,
		Chain:             fakeChain{},
		Metrics:           f.reg,
		Logger:            logger.Discard(),
		Now:               func() time.Time { return f.clock },
	}
	if mod != nil {
		mod(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	f.srv, f.h = srv, srv.Handler()
	return f
}

func (f *fixture) get(path string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func TestHealthHealthy(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "2025-03-01T12:00:00.000Z", body["timestamp"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.EqualValues(t, 999191917, body["chain_id"])
	assert.Equal(t, "GoatChain", body["network"])
	assert.Equal(t, "production", body["environment"])
	assert.Contains(t, body, "memory")
	assert.Contains(t, body, "cpu")
	node := body["node"].(map[string]any)
	assert.Equal(t, "running", node["state"])
	assert.EqualValues(t, 4242, node["pid"])
}

func TestHealthDegradedAndDraining(t *testing.T) {
	f := newFixture(t, nil)
	f.node.set(manager.Status{
		State:    manager.StateDegraded,
		Restarts: 10,
		LastExit: &process.Exit{Code: 1},
	})
	rec := f.get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "code 1", body["node"].(map[string]any)["last_exit"])

	f.node.set(running())
	f.life.st = shutdown.Draining
	rec = f.get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "draining", decode(t, rec)["status"])
}

func TestHealthUptime(t *testing.T) {
	f := newFixture(t, nil)
	f.clock = f.clock.Add(90 * time.Second)
	assert.InDelta(t, 90.0, decode(t, f.get("/health"))["uptime"], 0.001)
}

func TestReady(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.BackupsEnabled = true })
	rec := f.get("/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, map[string]any{"blockchain": "running", "rpc": "reachable", "backups": "enabled"}, body["services"])
}

func TestReadyRPCDown(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Chain = fakeChain{err: errors.New("connection refused")} })
	rec := f.get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ready"])
	services := body["services"].(map[string]any)
	assert.Equal(t, "unreachable", services["rpc"])
	assert.Equal(t, "disabled", services["backups"])
}

func TestReadyNodeNotRunning(t *testing.T) {
	f := newFixture(t, nil)
	f.node.set(manager.Status{State: manager.StateBackoff})
	rec := f.get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "backoff", decode(t, rec)["services"].(map[string]any)["blockchain"])
}

func TestLive(t *testing.T) {
	f := newFixture(t, nil)
	f.life.st = shutdown.Draining
	rec := f.get("/live")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["live"])
}

func TestInfo(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/info")
	require.Equal(t, http.StatusOK, rec.Code)
	var info NodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, NewNodeInfo("1.0.0", 999191917, "GoatChain"), info)
	assert.Equal(t, "GOATCHAIN", info.Token.Symbol)
	assert.Len(t, info.Features, 6)
}

func TestInfoCompressed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/info", "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "GoatChain Production Node")
}

func TestMetricsEndpointAndRequestCounting(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.SetBlockHeight(12)
	f.get("/live")
	f.get("/nope")

	rec := f.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "blockchain_block_height 12")
	assert.Contains(t, body, `http_requests_total{endpoint="/live",method="GET",status_code="200"} 1`)
	assert.Contains(t, body, `http_requests_total{endpoint="not_found",method="GET",status_code="404"} 1`)
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.get("/live")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get("/live", "Origin", "https://blockchain.goatfundr.com")
	assert.Equal(t, "https://blockchain.goatfundr.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	rec = f.get("/live", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://blockchain.goatfundr.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	pre := httptest.NewRecorder()
	f.h.ServeHTTP(pre, req)
	assert.Equal(t, http.StatusNoContent, pre.Code)
	assert.Equal(t, "https://blockchain.goatfundr.com", pre.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitPerIP(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimitRequests = 2
		o.RateLimitWindow = time.Minute
	})
	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.get("/live").Code)
	}
	rec := f.get("/live")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, rateLimitMessage, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// another client is unaffected
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	other := httptest.NewRecorder()
	f.h.ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)

	// admissions leave the window one window later
	f.clock = f.clock.Add(time.Minute)
	assert.Equal(t, http.StatusOK, f.get("/live").Code)
}

func TestLimiterForgetsIdleClients(t *testing.T) {
	now := time.Unix(0, 0)
	l := newIPLimiter(1, time.Second, func() time.Time { return now }, logger.Discard())
	ok, _ := l.allow("a")
	require.True(t, ok)
	ok, wait := l.allow("a")
	require.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	now = now.Add(3 * time.Second)
	ok, _ = l.allow("b")
	require.True(t, ok)
	l.mu.Lock()
	_, kept := l.clients["a"]
	l.mu.Unlock()
	assert.False(t, kept)
}

func TestRateLimitSlidingWindow(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.RateLimitRequests = 5
		o.RateLimitWindow = 10 * time.Second
	})
	start := f.clock
	accepted := 0
	for i := 0; i < 5; i++ {
		if f.get("/live").Code == http.StatusOK {
			accepted++
		}
	}
	f.clock = start.Add(9900 * time.Millisecond)
	for i := 0; i < 5; i++ {
		if f.get("/live").Code == http.StatusOK {
			accepted++
		}
	}
	assert.Equal(t, 5, accepted, "admissions within one window")

	rec := f.get("/live")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// the first five leave the window at start+10s
	f.clock = start.Add(10 * time.Second)
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, f.get("/live").Code, "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.get("/live").Code)
}

func TestLimiterRetryAfterTracksOldestAdmission(t *testing.T) {
	now := time.Unix(100, 0)
	l := newIPLimiter(2, time.Minute, func() time.Time { return now }, logger.Discard())
	ok, _ := l.allow("a")
	require.True(t, ok)
	now = now.Add(20 * time.Second)
	ok, _ = l.allow("a")
	require.True(t, ok)

	now = now.Add(10 * time.Second)
	ok, wait := l.allow("a")
	require.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	now = now.Add(30 * time.Second)
	ok, _ = l.allow("a")
	assert.True(t, ok)
}

// requestCount reads one http_requests_total series.
func requestCount(t *testing.T, reg *metrics.Registry, method, code, endpoint string) float64 {
	t.Helper()
	mfs, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	want := map[string]string{"method": method, "status_code": code, "endpoint": endpoint}
	for _, mf := range mfs {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want[lp.GetName()] != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRejectedRequestsAreObserved(t *testing.T) {
	var buf strings.Builder
	lg, err := logger.New(logger.Config{Console: &syncWriter{w: &buf}, NoColor: true})
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) {
		o.RateLimitRequests = 1
		o.RateLimitWindow = time.Minute
		o.Logger = lg.Logger
	})
	require.Equal(t, http.StatusOK, f.get("/live").Code)
	require.Equal(t, http.StatusTooManyRequests, f.get("/live").Code)

	assert.Equal(t, 1.0, requestCount(t, f.reg, http.MethodGet, "200", "/live"))
	assert.Equal(t, 1.0, requestCount(t, f.reg, http.MethodGet, "429", "/live"))
	assert.Contains(t, buf.String(), `\"GET /live HTTP/1.1\" 429`)
}

func TestPreflightIsObserved(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://blockchain.goatfundr.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1.0, requestCount(t, f.reg, http.MethodOptions, "204", "not_found"))
}

func TestRecoveryFromPanic(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Node = panicNode{} })
	rec := f.get("/health")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

type panicNode struct{}

func (panicNode) Status() manager.Status { panic("boom") }

func TestAccessLogCombinedFormat(t *testing.T) {
	var buf strings.Builder
	lg, err := logger.New(logger.Config{Console: &syncWriter{w: &buf}, NoColor: true})
	require.NoError(t, err)
	f := newFixture(t, func(o *Options) { o.Logger = lg.Logger })

	f.get("/live", "User-Agent", "probe/1.0", "Referer", "https://x.example/")
	out := buf.String()
	assert.Contains(t, out, `[01/Mar/2025:12:00:00 +0000] \"GET /live HTTP/1.1\" 200`)
	assert.Contains(t, out, `probe/1.0`)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func TestServeLoopUsesInjectedGo(t *testing.T) {
	var spawned atomic.Int32
	f := newFixture(t, func(o *Options) {
		o.Addr = "127.0.0.1:0"
		o.Go = func(fn func()) {
			spawned.Add(1)
			go fn()
		}
	})
	require.NoError(t, f.srv.Start())
	defer func() { _ = f.srv.Shutdown(context.Background()) }()
	assert.Equal(t, int32(1), spawned.Load())

	resp, err := http.Get("http://" + f.srv.Addr().String() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Addr = "127.0.0.1:0" })
	require.NoError(t, f.srv.Start())
	addr := f.srv.Addr().String()

	resp, err := http.Get("http://" + addr + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.srv.Shutdown(ctx))
	_, err = http.Get("http://" + addr + "/live")
	assert.Error(t, err)
}

func TestStartBindError(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Addr = "127.0.0.1:0" })
	require.NoError(t, f.srv.Start())
	defer f.srv.Shutdown(context.Background())

	g := newFixture(t, func(o *Options) { o.Addr = f.srv.Addr().String() })
	err := g.srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.NoError(t, g.srv.Shutdown(context.Background()))
}

func TestRequestSeriesPerRoute(t *testing.T) {
	f := newFixture(t, nil)
	f.get("/health")
	f.get("/live")
	f.get("/live")
	n, err := testutil.GatherAndCount(f.reg.Gatherer(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
