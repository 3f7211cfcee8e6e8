package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goatnode"

// Registry owns every collector the supervisor exports. Methods are nil-safe so
// components can be built without metrics; they are no-ops in that case.
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	blockHeight prometheus.Gauge
	peerCount   prometheus.Gauge
	txCount     prometheus.Counter

	nodeStarts   prometheus.Counter
	nodeRestarts prometheus.Counter
	nodeExits    *prometheus.CounterVec
	nodeState    *prometheus.GaugeVec

	backups           *prometheus.CounterVec
	backupLastSuccess prometheus.Gauge
	backupRetained    prometheus.Gauge

	deployments *prometheus.CounterVec

	shutdownState prometheus.Gauge
}

// New creates a registry with the blockchain, HTTP and supervisor collectors
// plus the Go runtime and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status_code", "endpoint"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency from entry to response completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status_code", "endpoint"}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockchain_block_height",
			Help: "Current block height of the blockchain",
		}),
		peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockchain_peer_count",
			Help: "Number of connected peers",
		}),
		txCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockchain_transaction_count",
			Help: "Total number of transactions processed",
		}),
		nodeStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "starts_total",
			Help: "Number of successful node process starts.",
		}),
		nodeRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "restarts_total",
			Help: "Number of automatic node restarts.",
		}),
		nodeExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "node", Name: "exits_total",
			Help: "Node process exits by exit code.",
		}, []string{"code"}),
		nodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "node", Name: "state",
			Help: "Current node supervision state (1 = active state, 0 = inactive).",
		}, []string{"state"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backup", Name: "runs_total",
			Help: "Backup runs by result.",
		}, []string{"result"}),
		backupLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backup", Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last successful backup.",
		}),
		backupRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backup", Name: "retained",
			Help: "Number of backup archives kept after the last pruning pass.",
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deploy", Name: "runs_total",
			Help: "Contract deployment runs by result.",
		}, []string{"result"}),
		shutdownState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "shutdown_state",
			Help: "Shutdown coordinator state (0 running, 1 draining, 2 stopped).",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration,
		r.blockHeight, r.peerCount, r.txCount,
		r.nodeStarts, r.nodeRestarts, r.nodeExits, r.nodeState,
		r.backups, r.backupLastSuccess, r.backupRetained,
		r.deployments, r.shutdownState,
	)
	return r
}

// Register adds an extra collector, e.g. the node process collector.
func (r *Registry) Register(c prometheus.Collector) error {
	if r == nil {
		return nil
	}
	return r.reg.Register(c)
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the text exposition format for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ObserveHTTP(method string, status int, endpoint string, d time.Duration) {
	if r == nil {
		return
	}
	code := strconv.Itoa(status)
	r.httpRequests.WithLabelValues(method, code, endpoint).Inc()
	r.httpDuration.WithLabelValues(method, code, endpoint).Observe(d.Seconds())
}

// SetBlockHeight and SetPeerCount take unsigned values, so gauges stay non-negative.
func (r *Registry) SetBlockHeight(h uint64) {
	if r == nil {
		return
	}
	r.blockHeight.Set(float64(h))
}

func (r *Registry) SetPeerCount(n uint64) {
	if r == nil {
		return
	}
	r.peerCount.Set(float64(n))
}

// AddTransactions only ever increases the transaction counter.
func (r *Registry) AddTransactions(n uint64) {
	if r == nil || n == 0 {
		return
	}
	r.txCount.Add(float64(n))
}

func (r *Registry) IncNodeStart() {
	if r == nil {
		return
	}
	r.nodeStarts.Inc()
}

func (r *Registry) IncNodeRestart() {
	if r == nil {
		return
	}
	r.nodeRestarts.Inc()
}

func (r *Registry) ObserveNodeExit(code int) {
	if r == nil {
		return
	}
	r.nodeExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// SetNodeState marks state as the active one among all.
func (r *Registry) SetNodeState(state string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		r.nodeState.WithLabelValues(s).Set(v)
	}
}

func (r *Registry) ObserveBackup(ok bool, at time.Time) {
	if r == nil {
		return
	}
	if !ok {
		r.backups.WithLabelValues("failure").Inc()
		return
	}
	r.backups.WithLabelValues("success").Inc()
	r.backupLastSuccess.Set(float64(at.Unix()))
}

func (r *Registry) SetBackupsRetained(n int) {
	if r == nil {
		return
	}
	r.backupRetained.Set(float64(n))
}

func (r *Registry) ObserveDeploy(result string) {
	if r == nil {
		return
	}
	r.deployments.WithLabelValues(result).Inc()
}

func (r *Registry) SetShutdownState(v int) {
	if r == nil {
		return
	}
	r.shutdownState.Set(float64(v))
}
