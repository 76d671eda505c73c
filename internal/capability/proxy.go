package capability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
)

// Handler executes the verbs of one capability namespace. Handlers are
// pluggable: routing and permission logic never change when one is swapped.
type Handler interface {
	Execute(ctx context.Context, verb string, params map[string]any) (any, error)
}

// requiredLevel is the static capability table: a namespace is allowed only
// if the block's level dominates its entry.
var requiredLevel = map[string]types.PermissionLevel{
	"dom":      types.LevelBasic,
	"canvas":   types.LevelInteractive,
	"network":  types.LevelInteractive,
	"file":     types.LevelData,
	"database": types.LevelData,
	"process":  types.LevelAdvanced,
}

// auditSize bounds the in-memory audit ring.
const auditSize = 256

// AuditEntry records one permission decision.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	BlockID string    `json:"block_id"`
	Method  string    `json:"method"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
}

// Proxy is the host-side orchestrator for capability requests: it owns the
// blockID→permissionLevel map, checks every request against the capability
// table, and dispatches to the namespace handler under a bounded deadline.
type Proxy struct {
	callTimeout time.Duration
	execTimeout time.Duration
	metrics     *monitoring.Metrics
	log         *logging.Logger

	mu       sync.RWMutex
	perms    map[string]types.PermissionLevel
	handlers map[string]Handler

	auditMu  sync.Mutex
	audit    []AuditEntry
	auditPos int
}

// NewProxy creates a proxy with no handlers registered.
func NewProxy(callTimeout, execTimeout time.Duration, metrics *monitoring.Metrics, log *logging.Logger) *Proxy {
	return &Proxy{
		callTimeout: callTimeout,
		execTimeout: execTimeout,
		metrics:     metrics,
		log:         log.Named("capability"),
		perms:       make(map[string]types.PermissionLevel),
		handlers:    make(map[string]Handler),
	}
}

// Register installs the handler for a namespace, replacing any previous one.
func (p *Proxy) Register(namespace string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[namespace] = h
}

// AssignPermissions sets a block's level when it is first seen.
func (p *Proxy) AssignPermissions(blockID string, level types.PermissionLevel) error {
	return p.UpdatePermission(blockID, level)
}

// UpdatePermission changes a block's level. Takes effect for the next
// request; in-flight checks observe a consistent snapshot.
func (p *Proxy) UpdatePermission(blockID string, level types.PermissionLevel) error {
	if !level.Valid() {
		return fmt.Errorf("invalid permission level %q", level)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms[blockID] = level
	return nil
}

// Permission returns the block's level, defaulting to Basic.
func (p *Proxy) Permission(blockID string) types.PermissionLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if level, ok := p.perms[blockID]; ok {
		return level
	}
	return types.LevelBasic
}

// Handle validates and dispatches one capability request. Permission and
// unknown-method failures return synchronously with no side effect; handler
// work is bounded by the call-class deadline and a breach is reported as
// ErrCallTimeout without automatic retry.
func (p *Proxy) Handle(ctx context.Context, blockID, method string, params map[string]any) (any, error) {
	namespace, verb, found := strings.Cut(method, ".")
	if !found {
		return nil, fmt.Errorf("%q: %w", method, errs.ErrUnknownCapability)
	}

	required, known := requiredLevel[namespace]
	p.mu.RLock()
	handler, registered := p.handlers[namespace]
	p.mu.RUnlock()
	if !known || !registered {
		return nil, fmt.Errorf("%q: %w", method, errs.ErrUnknownCapability)
	}

	level := p.Permission(blockID)
	if !level.Dominates(required) {
		p.recordAudit(blockID, method, false,
			fmt.Sprintf("level %s does not dominate %s", level, required))
		if p.metrics != nil {
			p.metrics.PermissionDenials.WithLabelValues(namespace).Inc()
			p.metrics.RecordCapabilityCall(namespace, "denied", 0)
		}
		return nil, fmt.Errorf("%s requires %s, block has %s: %w",
			method, required, level, errs.ErrPermissionDenied)
	}
	p.recordAudit(blockID, method, true, "")

	timeout := p.callTimeout
	if namespace == "process" || method == "dom.execute" {
		timeout = p.execTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := handler.Execute(hctx, verb, params)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		status := "ok"
		if out.err != nil {
			status = "error"
		}
		if p.metrics != nil {
			p.metrics.RecordCapabilityCall(namespace, status, time.Since(start))
		}
		return out.result, out.err
	case <-hctx.Done():
		if p.metrics != nil {
			p.metrics.RecordCapabilityCall(namespace, "timeout", time.Since(start))
		}
		p.log.Warn("capability handler timed out",
			zap.String("block_id", blockID), zap.String("method", method))
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, errs.ErrCallTimeout)
	}
}

// Audit returns a copy of the recent permission decisions, oldest first.
func (p *Proxy) Audit() []AuditEntry {
	p.auditMu.Lock()
	defer p.auditMu.Unlock()

	out := make([]AuditEntry, 0, len(p.audit))
	if len(p.audit) == auditSize {
		out = append(out, p.audit[p.auditPos:]...)
		out = append(out, p.audit[:p.auditPos]...)
	} else {
		out = append(out, p.audit...)
	}
	return out
}

func (p *Proxy) recordAudit(blockID, method string, allowed bool, reason string) {
	entry := AuditEntry{Time: time.Now(), BlockID: blockID, Method: method, Allowed: allowed, Reason: reason}

	p.auditMu.Lock()
	defer p.auditMu.Unlock()
	if len(p.audit) < auditSize {
		p.audit = append(p.audit, entry)
		return
	}
	p.audit[p.auditPos] = entry
	p.auditPos = (p.auditPos + 1) % auditSize
}
