package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// NodeProcessCollector reports CPU and memory of the supervised node process.
// The PID is looked up on every scrape because the node is replaced on restart.
type NodeProcessCollector struct {
	pid func() int

	cpuPercent *prometheus.Desc
	rssBytes   *prometheus.Desc
	vmsBytes   *prometheus.Desc
	numThreads *prometheus.Desc
}

// NewNodeProcessCollector returns a collector for the process whose PID pid
// reports. A non-positive PID means no node is running and nothing is emitted.
func NewNodeProcessCollector(pid func() int) *NodeProcessCollector {
	return &NodeProcessCollector{
		pid: pid,
		cpuPercent: prometheus.NewDesc(namespace+"_node_process_cpu_percent",
			"CPU usage of the node process in percent.", nil, nil),
		rssBytes: prometheus.NewDesc(namespace+"_node_process_resident_memory_bytes",
			"Resident memory of the node process.", nil, nil),
		vmsBytes: prometheus.NewDesc(namespace+"_node_process_virtual_memory_bytes",
			"Virtual memory of the node process.", nil, nil),
		numThreads: prometheus.NewDesc(namespace+"_node_process_threads",
			"Thread count of the node process.", nil, nil),
	}
}

func (c *NodeProcessCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.rssBytes
	ch <- c.vmsBytes
	ch <- c.numThreads
}

func (c *NodeProcessCollector) Collect(ch chan<- prometheus.Metric) {
	pid := c.pid()
	if pid <= 0 {
		return
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, cpu)
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.rssBytes, prometheus.GaugeValue, float64(mem.RSS))
		ch <- prometheus.MustNewConstMetric(c.vmsBytes, prometheus.GaugeValue, float64(mem.VMS))
	}
	if n, err := proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.numThreads, prometheus.GaugeValue, float64(n))
	}
}
