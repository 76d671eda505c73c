package isolate

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
)

// Monitor samples one isolate's memory, CPU, and elapsed time against fixed
// ceilings. It never force-kills: limit breaches are surfaced as
// ErrResourceLimit and the pool manager owns termination.
type Monitor struct {
	isolateID string
	blockID   string
	memLimit  uint64
	execLimit time.Duration
	log       *logging.Logger

	proc    *procfs.Proc
	started time.Time

	mu         sync.Mutex
	execStart  time.Time
	lastSample time.Time
	lastBusy   time.Duration
	memBytes   uint64
	cpuPercent float64
	warnedOnce bool
}

// NewMonitor creates a monitor. Process introspection is optional; when
// /proc is unavailable the monitor falls back to Go heap accounting.
func NewMonitor(isolateID, blockID string, memLimit uint64, execLimit time.Duration, log *logging.Logger) *Monitor {
	m := &Monitor{
		isolateID: isolateID,
		blockID:   blockID,
		memLimit:  memLimit,
		execLimit: execLimit,
		log:       log.Named("monitor"),
		started:   time.Now(),
	}

	if fs, err := procfs.NewDefaultFS(); err == nil {
		if proc, err := fs.Proc(os.Getpid()); err == nil {
			m.proc = &proc
		}
	}
	return m
}

// BeginExecution marks the start of a script run for the wall-clock ceiling.
func (m *Monitor) BeginExecution() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execStart = time.Now()
}

// RecordMemoryUsage samples memory and returns ErrResourceLimit when the
// sample exceeds the ceiling. Monitoring failures never crash the isolate:
// with no source available the sample is omitted with a warning.
func (m *Monitor) RecordMemoryUsage() error {
	var sample uint64

	switch {
	case m.proc != nil:
		stat, err := m.proc.Stat()
		if err == nil {
			sample = uint64(stat.ResidentMemory())
			break
		}
		fallthrough
	default:
		// Heap fallback is coarser: it measures the whole process heap,
		// not this isolate alone.
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		sample = ms.HeapAlloc
	}

	if sample == 0 {
		m.mu.Lock()
		if !m.warnedOnce {
			m.warnedOnce = true
			m.log.Warn("no memory source available, omitting sample",
				zap.String("isolate_id", m.isolateID))
		}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.memBytes = sample
	m.mu.Unlock()

	if sample > m.memLimit {
		return fmt.Errorf("memory %d bytes exceeds limit %d: %w",
			sample, m.memLimit, errs.ErrResourceLimit)
	}
	return nil
}

// RecordCPUUsage estimates CPU usage from wall-clock deltas between samples.
// This is an approximation, not scheduler-level accounting.
func (m *Monitor) RecordCPUUsage(busy time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !m.lastSample.IsZero() {
		wall := now.Sub(m.lastSample)
		if wall > 0 {
			m.cpuPercent = float64(busy-m.lastBusy) / float64(wall) * 100
			if m.cpuPercent < 0 {
				m.cpuPercent = 0
			}
		}
	}
	m.lastSample = now
	m.lastBusy = busy
}

// CheckTimeout returns ErrResourceLimit once a script run exceeds the
// execution ceiling. Advisory unless paired with pool-driven termination.
func (m *Monitor) CheckTimeout() error {
	m.mu.Lock()
	start := m.execStart
	m.mu.Unlock()

	if start.IsZero() {
		return nil
	}
	if elapsed := time.Since(start); elapsed > m.execLimit {
		return fmt.Errorf("execution time %s exceeds limit %s: %w",
			elapsed.Round(time.Millisecond), m.execLimit, errs.ErrResourceLimit)
	}
	return nil
}

// Stats returns the latest sample.
func (m *Monitor) Stats() types.ResourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.ResourceStats{
		IsolateID:   m.isolateID,
		BlockID:     m.blockID,
		MemoryBytes: m.memBytes,
		CPUPercent:  m.cpuPercent,
		Elapsed:     time.Since(m.started),
		CreatedAt:   m.started,
	}
}
