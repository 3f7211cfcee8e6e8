package server

import (
	"context"
	"net/http"
	"os"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/goatfundr/goatnode/internal/manager"
	"github.com/goatfundr/goatnode/internal/shutdown"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDraining = "draining"
)

type memoryUsage struct {
	RSS       uint64 `json:"rss"`
	VMS       uint64 `json:"vms"`
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapSys   uint64 `json:"heap_sys"`
}

type cpuUsage struct {
	User    float64 `json:"user"`
	System  float64 `json:"system"`
	Percent float64 `json:"percent"`
}

type nodeHealth struct {
	State    manager.State `json:"state"`
	PID      int           `json:"pid,omitempty"`
	Restarts uint64        `json:"restarts"`
	LastExit string        `json:"last_exit,omitempty"`
}

type healthResp struct {
	Status      string      `json:"status"`
	Timestamp   string      `json:"timestamp"`
	Uptime      float64     `json:"uptime"`
	Version     string      `json:"version"`
	ChainID     uint64      `json:"chain_id"`
	Network     string      `json:"network"`
	Memory      memoryUsage `json:"memory"`
	CPU         cpuUsage    `json:"cpu"`
	Environment string      `json:"environment"`
	Node        nodeHealth  `json:"node"`
}

// healthStatus folds shutdown and node state into one word.
func (s *Server) healthStatus(st manager.Status) string {
	if s.opts.Lifecycle != nil && s.opts.Lifecycle.State() != shutdown.Running {
		return HealthDraining
	}
	if st.State == manager.StateDegraded {
		return HealthDegraded
	}
	return HealthHealthy
}

func (s *Server) nodeStatus() manager.Status {
	if s.opts.Node == nil {
		return manager.Status{State: manager.StateStopped}
	}
	return s.opts.Node.Status()
}

func (s *Server) handleHealth(c *gin.Context) {
	now := s.opts.Now()
	st := s.nodeStatus()
	resp := healthResp{
		Status:      s.healthStatus(st),
		Timestamp:   timestamp(now),
		Uptime:      now.Sub(s.started).Seconds(),
		Version:     s.opts.Version,
		ChainID:     s.opts.ChainID,
		Network:     s.opts.Network,
		Environment: s.opts.Environment,
		Node: nodeHealth{
			State:    st.State,
			PID:      st.PID(),
			Restarts: st.Restarts,
		},
	}
	if st.LastExit != nil {
		resp.Node.LastExit = st.LastExit.String()
	}
	resp.Memory, resp.CPU = selfUsage(c.Request.Context())
	writeJSON(c, statusFor(resp.Status == HealthHealthy), resp)
}

// selfUsage samples the supervisor process. Fields gopsutil cannot read stay zero.
func selfUsage(ctx context.Context) (memoryUsage, cpuUsage) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mem := memoryUsage{HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys}
	var cpu cpuUsage

	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return mem, cpu
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		mem.RSS, mem.VMS = mi.RSS, mi.VMS
	}
	if t, err := p.TimesWithContext(ctx); err == nil && t != nil {
		cpu.User, cpu.System = t.User, t.System
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		cpu.Percent = pct
	}
	return mem, cpu
}

type readyResp struct {
	Ready     bool              `json:"ready"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// handleReady is ready only while running, with the node up and answering RPC.
func (s *Server) handleReady(c *gin.Context) {
	st := s.nodeStatus()
	rpc := "unreachable"
	if s.opts.Chain != nil && st.State == manager.StateRunning {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ProbeTimeout)
		if _, err := s.opts.Chain.ChainID(ctx); err == nil {
			rpc = "reachable"
		}
		cancel()
	}
	backups := "disabled"
	if s.opts.BackupsEnabled {
		backups = "enabled"
	}
	ready := s.healthStatus(st) == HealthHealthy && st.State == manager.StateRunning && rpc == "reachable"
	writeJSON(c, statusFor(ready), readyResp{
		Ready:     ready,
		Timestamp: timestamp(s.opts.Now()),
		Services: map[string]string{
			"blockchain": string(st.State),
			"rpc":        rpc,
			"backups":    backups,
		},
	})
}

func (s *Server) handleLive(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"live": true, "timestamp": timestamp(s.opts.Now())})
}

func (s *Server) handleInfo(c *gin.Context) {
	writeJSON(c, http.StatusOK, NewNodeInfo(s.opts.Version, s.opts.ChainID, s.opts.Network))
}
