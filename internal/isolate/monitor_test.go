package isolate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
)

func TestMonitorMemoryLimitBreach(t *testing.T) {
	// A 1-byte ceiling makes any real sample a breach.
	m := NewMonitor("iso", "blk", 1, time.Minute, logging.NewNop())

	err := m.RecordMemoryUsage()
	assert.ErrorIs(t, err, errs.ErrResourceLimit)
	assert.Greater(t, m.Stats().MemoryBytes, uint64(0))
}

func TestMonitorMemoryWithinLimit(t *testing.T) {
	m := NewMonitor("iso", "blk", 1<<40, time.Minute, logging.NewNop())
	assert.NoError(t, m.RecordMemoryUsage())
}

func TestMonitorTimeoutCheck(t *testing.T) {
	m := NewMonitor("iso", "blk", 1<<40, 30*time.Millisecond, logging.NewNop())

	// No execution in progress: nothing to enforce.
	assert.NoError(t, m.CheckTimeout())

	m.BeginExecution()
	assert.NoError(t, m.CheckTimeout())

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, m.CheckTimeout(), errs.ErrResourceLimit)
}

func TestMonitorStats(t *testing.T) {
	m := NewMonitor("iso-9", "blk-3", 1<<40, time.Minute, logging.NewNop())
	m.RecordCPUUsage(0)
	time.Sleep(10 * time.Millisecond)
	m.RecordCPUUsage(5 * time.Millisecond)

	s := m.Stats()
	assert.Equal(t, "iso-9", s.IsolateID)
	assert.Equal(t, "blk-3", s.BlockID)
	assert.GreaterOrEqual(t, s.CPUPercent, 0.0)
	assert.Greater(t, s.Elapsed, time.Duration(0))
}
