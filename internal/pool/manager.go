package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/isolate"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
)

// Factory builds a runtime for a block. Injected so tests can substitute
// isolates with controlled startup behavior.
type Factory func(blockID string) (*isolate.Runtime, error)

// Manager owns every isolate: it is the sole mutator of isolate state,
// enforces the concurrency cap, and is the only component allowed to
// terminate an isolate.
type Manager struct {
	factory        Factory
	max            int
	startupTimeout time.Duration
	grace          time.Duration
	metrics        *monitoring.Metrics
	log            *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	rt         *isolate.Runtime
	state      types.IsolateState
	createdAt  time.Time
	lastActive time.Time
}

// Config for the pool manager.
type Config struct {
	MaxIsolates    int
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
}

// NewManager creates a pool manager.
func NewManager(cfg Config, factory Factory, metrics *monitoring.Metrics, log *logging.Logger) *Manager {
	return &Manager{
		factory:        factory,
		max:            cfg.MaxIsolates,
		startupTimeout: cfg.StartupTimeout,
		grace:          cfg.ShutdownGrace,
		metrics:        metrics,
		log:            log.Named("pool"),
		entries:        make(map[string]*entry),
	}
}

// Acquire returns the live isolate for blockID, creating one if needed.
// Acquisition is idempotent by key: concurrent acquires for the same block
// observe the same isolate. Beyond the cap it fails with ErrCapacityExceeded
// rather than queuing.
func (m *Manager) Acquire(ctx context.Context, blockID string) (*isolate.Runtime, error) {
	m.mu.Lock()
	if e, ok := m.entries[blockID]; ok && e.state != types.StateTerminating && e.state != types.StateTerminated {
		e.state = types.StateExecuting
		e.lastActive = time.Now()
		rt := e.rt
		m.mu.Unlock()

		// A second concurrent acquire may land while the first creator is
		// still waiting for readiness.
		select {
		case <-rt.Ready():
			return rt, nil
		case <-time.After(m.startupTimeout):
			return nil, fmt.Errorf("block %s: %w", blockID, errs.ErrStartupTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(m.entries) >= m.max {
		m.mu.Unlock()
		return nil, fmt.Errorf("%d isolates running: %w", m.max, errs.ErrCapacityExceeded)
	}

	rt, err := m.factory(blockID)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to create isolate: %w", err)
	}

	now := time.Now()
	m.entries[blockID] = &entry{rt: rt, state: types.StateStarting, createdAt: now, lastActive: now}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IsolatesStarted.Inc()
		m.metrics.IsolatesActive.Inc()
	}

	rt.Start(ctx)

	select {
	case <-rt.Ready():
		m.setState(blockID, types.StateReady)
		m.log.Info("isolate ready",
			zap.String("block_id", blockID), zap.String("isolate_id", rt.ID))
		return rt, nil
	case <-time.After(m.startupTimeout):
		// Never signalled ready: tear down and free the slot.
		m.remove(blockID, "startup_timeout")
		return nil, fmt.Errorf("block %s: %w", blockID, errs.ErrStartupTimeout)
	case <-ctx.Done():
		m.remove(blockID, "cancelled")
		return nil, ctx.Err()
	}
}

// Release marks the block's isolate idle. The isolate stays warm for reuse
// until explicitly terminated.
func (m *Manager) Release(blockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[blockID]; ok && (e.state == types.StateExecuting || e.state == types.StateReady) {
		e.state = types.StateIdle
		e.lastActive = time.Now()
	}
}

// Terminate stops the block's isolate: stop signal, bounded wait for
// graceful shutdown, then forced removal. The concurrency slot is reclaimed
// on every path.
func (m *Manager) Terminate(ctx context.Context, blockID string) error {
	m.mu.Lock()
	e, ok := m.entries[blockID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	e.state = types.StateTerminating
	rt := e.rt
	m.mu.Unlock()

	rt.Stop()

	select {
	case <-rt.Done():
	case <-time.After(m.grace):
		m.log.Warn("isolate did not stop within grace period, forcing removal",
			zap.String("block_id", blockID), zap.String("isolate_id", rt.ID))
	case <-ctx.Done():
	}

	m.remove(blockID, "terminated")
	return nil
}

// Stats returns pool-level and per-isolate resource statistics.
func (m *Manager) Stats() types.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := types.PoolStats{
		ActiveIsolates: len(m.entries),
		MaxIsolates:    m.max,
		PerIsolate:     make([]types.ResourceStats, 0, len(m.entries)),
	}
	for _, e := range m.entries {
		s := e.rt.Monitor().Stats()
		s.State = e.state
		s.LastActive = e.lastActive
		stats.PerIsolate = append(stats.PerIsolate, s)
	}
	return stats
}

// Shutdown terminates every isolate.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id); err != nil {
			m.log.Warn("failed to terminate isolate", zap.String("block_id", id), zap.Error(err))
		}
	}
}

func (m *Manager) setState(blockID string, state types.IsolateState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[blockID]; ok {
		e.state = state
	}
}

func (m *Manager) remove(blockID, reason string) {
	m.mu.Lock()
	e, ok := m.entries[blockID]
	if ok {
		delete(m.entries, blockID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	e.rt.Stop()
	if m.metrics != nil {
		m.metrics.IsolatesActive.Dec()
		if reason != "terminated" {
			m.metrics.IsolateFailures.WithLabelValues(reason).Inc()
		}
	}
}
