package isolate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/storage"
)

// sampleInterval is how often the watchdog samples resources during a run.
const sampleInterval = 250 * time.Millisecond

// prelude builds the per-isolate execution context object. Capability
// namespaces proxy through the host call binding; storage wrappers go to the
// quota-tracked block stores. Nothing here touches process-wide state.
const prelude = `
globalThis.symposium = (function() {
	function ns(name) {
		return new Proxy({}, {
			get: function(_, verb) {
				return function(params) {
					return __hostCall(name + '.' + String(verb), params || {});
				};
			}
		});
	}
	function store(which) {
		return {
			setItem: function(k, v) { __storageSet(which, String(k), String(v)); },
			getItem: function(k) { return __storageGet(which, String(k)); },
			removeItem: function(k) { __storageRemove(which, String(k)); },
			clear: function() { __storageClear(which); },
			keys: function() { return __storageKeys(which); }
		};
	}
	return {
		file: ns('file'),
		network: ns('network'),
		canvas: ns('canvas'),
		database: ns('database'),
		process: ns('process'),
		dom: ns('dom'),
		storage: { local: store('local'), session: store('session') }
	};
})();
globalThis.localStorage = symposium.storage.local;
globalThis.sessionStorage = symposium.storage.session;
`

// RuntimeConfig configures one isolate runtime.
type RuntimeConfig struct {
	BlockID      string
	CallTimeout  time.Duration
	ExecTimeout  time.Duration
	MemoryLimit  uint64
	StorageQuota int64
	Backend      storage.Storage
	Auth         URLAuthorizer
	Fetcher      ModuleFetcher
	Log          *logging.Logger
}

// Runtime is one isolated execution context bound to exactly one content
// block. The host communicates with it through Deliver and Out; script
// execution happens on the runtime's own goroutine, suspending at every
// RPC boundary.
type Runtime struct {
	ID      string
	BlockID string

	engine   Engine
	bridge   *Bridge
	monitor  *Monitor
	resolver *Resolver
	local    *BlockStorage
	session  *BlockStorage
	log      *logging.Logger

	execTimeout time.Duration

	in  chan types.HostMessage
	out chan types.IsolateMessage

	execCtx atomic.Value // ctxHolder for the current run

	ready    chan struct{}
	stopped  chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu   sync.Mutex
	code types.Code
}

// ctxHolder gives execCtx a single concrete type; atomic.Value rejects
// stores whose dynamic type changes between runs.
type ctxHolder struct {
	ctx context.Context
}

// NewRuntime builds an isolate runtime. Start must be called before use.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	id := uuid.New().String()
	log := cfg.Log.Named("isolate").With(
		zap.String("isolate_id", id), zap.String("block_id", cfg.BlockID))

	r := &Runtime{
		ID:          id,
		BlockID:     cfg.BlockID,
		log:         log,
		execTimeout: cfg.ExecTimeout,
		in:          make(chan types.HostMessage, 16),
		out:         make(chan types.IsolateMessage, 64),
		ready:       make(chan struct{}),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	r.execCtx.Store(ctxHolder{ctx: context.Background()})

	engine, err := NewGojaEngine(func(entry types.LogEntry) {
		r.emit(types.IsolateMessage{
			Type:      entry.Level,
			Timestamp: entry.Time,
			Args:      []string{entry.Message},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	r.engine = engine

	r.bridge = NewBridge(cfg.BlockID, r.emit, cfg.CallTimeout, cfg.ExecTimeout, log)
	r.monitor = NewMonitor(id, cfg.BlockID, cfg.MemoryLimit, cfg.ExecTimeout, log)
	r.resolver = NewResolver(cfg.Auth, cfg.Fetcher, cfg.CallTimeout, log)
	// Local storage is keyed by block id so snapshots outlive this isolate
	// and the next one for the block restores them. Session storage dies
	// with the isolate.
	r.local = NewBlockStorage(StoreLocal, cfg.BlockID, cfg.StorageQuota, cfg.Backend, log)
	r.session = NewBlockStorage(StoreSession, id, cfg.StorageQuota, nil, log)

	if err := r.bindHostAPI(); err != nil {
		return nil, fmt.Errorf("failed to bind host API: %w", err)
	}
	return r, nil
}

func (r *Runtime) bindHostAPI() error {
	bindings := map[string]any{
		"__hostCall": func(method string, params map[string]any) (any, error) {
			holder, _ := r.execCtx.Load().(ctxHolder)
			return r.bridge.Call(holder.ctx, method, params)
		},
		"__storageSet": func(which, key, value string) error {
			return r.store(which).SetItem(key, value)
		},
		"__storageGet": func(which, key string) any {
			if v, ok := r.store(which).GetItem(key); ok {
				return v
			}
			return nil
		},
		"__storageRemove": func(which, key string) { r.store(which).RemoveItem(key) },
		"__storageClear":  func(which string) { r.store(which).Clear() },
		"__storageKeys":   func(which string) []string { return r.store(which).Keys() },
	}
	for name, fn := range bindings {
		if err := r.engine.Bind(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) store(which string) *BlockStorage {
	if which == StoreSession {
		return r.session
	}
	return r.local
}

// Start launches the runtime goroutine. The startup protocol restores
// persisted local storage, evaluates the prelude, then signals readiness.
func (r *Runtime) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		if err := r.local.Restore(ctx); err != nil {
			r.log.Warn("failed to restore local storage", zap.Error(err))
		}

		if _, err := r.engine.Execute(ctx, prelude, r.execTimeout); err != nil {
			r.log.Error("prelude failed", zap.Error(err))
			return // never signals ready; the pool times out and tears down
		}

		close(r.ready)
		r.bridge.Ready()
		r.emit(types.IsolateMessage{Type: types.MsgIsolateReady, Timestamp: time.Now()})

		for {
			select {
			case msg := <-r.in:
				switch msg.Type {
				case types.MsgExecute:
					if msg.Code != nil {
						r.execute(*msg.Code)
					}
				case types.MsgUpdate:
					r.update(msg.Updates)
				}
			case <-r.stopped:
				return
			}
		}
	}()
}

// Ready is closed once the isolate has signalled readiness.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Done is closed when the runtime goroutine has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Out is the isolate→host message stream.
func (r *Runtime) Out() <-chan types.IsolateMessage { return r.out }

// Deliver routes a host message. Capability responses resolve their waiter
// directly so they cannot deadlock behind a script that is blocked inside a
// host call; execute/update messages queue for the runtime goroutine.
func (r *Runtime) Deliver(msg types.HostMessage) {
	if msg.Type == types.MsgAPIResponse {
		r.bridge.Resolve(types.CapabilityResponse{
			CallID: msg.CallID,
			Result: msg.Result,
			Error:  msg.Error,
		})
		return
	}
	select {
	case r.in <- msg:
	case <-r.stopped:
	}
}

// Stop tears the runtime down. In-flight capability calls resolve with a
// terminal error rather than hang; safe to invoke concurrently with them.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.bridge.FailAll(errs.ErrIsolateTerminated)
	})
}

// Monitor exposes the resource monitor to the pool.
func (r *Runtime) Monitor() *Monitor { return r.monitor }

func (r *Runtime) emit(msg types.IsolateMessage) {
	select {
	case r.out <- msg:
	case <-r.stopped:
	}
}

func (r *Runtime) update(updates map[string]string) {
	r.mu.Lock()
	code := r.code
	if v, ok := updates["html"]; ok {
		code.HTML = v
	}
	if v, ok := updates["css"]; ok {
		code.CSS = v
	}
	if v, ok := updates["javascript"]; ok {
		code.JavaScript = v
	}
	r.mu.Unlock()

	r.execute(code)
}

// execute runs one block's code and emits an execution_result. Failures are
// delivered in the result payload, never as panics or hangs.
func (r *Runtime) execute(code types.Code) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.execCtx.Store(ctxHolder{ctx: ctx})
	defer cancel()

	r.monitor.BeginExecution()
	start := time.Now()

	script, importLogs := r.resolver.Resolve(ctx, code.JavaScript)

	// Watchdog: sample memory and elapsed time; on a breach cancel the run
	// and report the limit. Termination stays with the pool manager.
	var resourceErr atomic.Value
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := r.monitor.RecordMemoryUsage()
				if err == nil {
					err = r.monitor.CheckTimeout()
				}
				r.monitor.RecordCPUUsage(time.Since(start))
				if err != nil {
					resourceErr.Store(err)
					cancel()
					return
				}
			case <-ctx.Done():
				return
			case <-r.stopped:
				cancel()
				return
			}
		}
	}()

	var execErr error
	if script != "" {
		_, execErr = r.engine.Execute(ctx, script, r.execTimeout)
	}
	cancel()
	<-watchdogDone

	logs := append(importLogs, r.engine.Logs()...)

	result := types.ExecutionResult{
		Success:    execErr == nil,
		HTML:       code.HTML,
		CSS:        code.CSS,
		JavaScript: code.JavaScript,
		Logs:       logs,
		Timestamp:  time.Now(),
	}

	if rerr, ok := resourceErr.Load().(error); ok && rerr != nil {
		result.Success = false
		result.Error = rerr.Error()
		// Separate signal so the host can terminate the isolate.
		r.emit(types.IsolateMessage{
			Type:      types.MsgError,
			Timestamp: time.Now(),
			Args:      []string{"resource_limit", rerr.Error()},
		})
	} else if execErr != nil {
		if errors.Is(execErr, context.Canceled) {
			result.Error = errs.ErrIsolateTerminated.Error()
		} else {
			result.Error = execErr.Error()
		}
	}

	r.emit(types.IsolateMessage{
		Type:      types.MsgExecutionResult,
		Timestamp: time.Now(),
		Result:    &result,
	})
}
