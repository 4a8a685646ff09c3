package presence

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/presence-hub/backend/internal/protocol"
)

// serverStatus computes the getServerStatus payload: uptime, live count,
// heartbeat cadence, plus the server process's own resource usage.
func (h *Handler) serverStatus() protocol.ServerStatusPayload {
	status := protocol.ServerStatusPayload{
		ServerTime:          time.Now().UnixMilli(),
		UptimeSeconds:       int64(time.Since(h.startedAt).Seconds()),
		TotalClients:        h.store.Count(),
		HeartbeatIntervalMs: h.monitor.Interval().Milliseconds(),
	}

	// Resource usage is best effort; the status reply never fails on it.
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return status
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		status.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		status.MemoryRSSBytes = mem.RSS
	}
	return status
}

// ServerStatus exposes the status payload to the REST surface.
func (h *Handler) ServerStatus() protocol.ServerStatusPayload {
	return h.serverStatus()
}
