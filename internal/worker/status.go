package worker

import (
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// StatusSnapshot is the worker's introspection payload served on /status.
type StatusSnapshot struct {
	WorkerID      string       `json:"workerId"`
	WorkerName    string       `json:"workerName"`
	UptimeSeconds float64      `json:"uptimeSeconds"`
	MaxConcurrent int          `json:"maxConcurrent"`
	CurrentLoad   int          `json:"currentLoad"`
	LoadedModels  []string     `json:"loadedModels"`
	History       HistoryStats `json:"history"`
	MemoryUsedPct float64      `json:"memoryUsedPct,omitempty"`
}

// StatusSnapshot assembles the current state, including host memory pressure
// when available.
func (w *Worker) StatusSnapshot() StatusSnapshot {
	capacity := w.CheckCapacity("")
	snap := StatusSnapshot{
		WorkerID:      w.cfg.WorkerID,
		WorkerName:    w.cfg.WorkerName,
		UptimeSeconds: time.Since(w.started).Seconds(),
		MaxConcurrent: capacity.MaxConcurrent,
		CurrentLoad:   capacity.CurrentLoad,
		LoadedModels:  capacity.AvailableModels,
		History:       w.history.Stats(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryUsedPct = vm.UsedPercent
	}
	return snap
}

func statusWithSystem(base string) string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return base
	}
	if vm.UsedPercent > 97 {
		return "degraded"
	}
	return base
}
