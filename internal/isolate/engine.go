package isolate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/symposium-app/backend/internal/shared/types"
)

// Engine is the pluggable script-execution backend. The sandbox contract
// (capability mediation, resource limits) is independent of which engine
// runs the script.
type Engine interface {
	// Execute runs a script, honoring ctx cancellation and the deadline.
	Execute(ctx context.Context, script string, timeout time.Duration) (any, error)
	// Bind exposes a host value or function as a global.
	Bind(name string, value any) error
	// Logs drains console output captured since the last call.
	Logs() []types.LogEntry
	// Close releases the engine.
	Close()
}

// GojaEngine executes JavaScript on a goja VM with console capture and
// interrupt-based timeouts. One engine belongs to exactly one isolate and
// is never shared.
type GojaEngine struct {
	vm *goja.Runtime
	mu sync.Mutex

	console   []types.LogEntry
	consoleMu sync.Mutex

	// onConsole, when set, observes each console line as it is produced.
	onConsole func(types.LogEntry)
}

// NewGojaEngine creates a sandboxed VM with dangerous globals removed.
func NewGojaEngine(onConsole func(types.LogEntry)) (*GojaEngine, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(1024)

	e := &GojaEngine{vm: vm, onConsole: onConsole}
	if err := e.setupGlobals(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *GojaEngine) setupGlobals() error {
	// The VM has no host access beyond what is explicitly bound.
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := e.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(level, e.makeConsoleFunc(level)); err != nil {
			return err
		}
	}
	if err := e.vm.Set("console", console); err != nil {
		return err
	}

	// Timers are no-ops; scheduling belongs to the host.
	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	if err := e.vm.Set("setTimeout", noop); err != nil {
		return err
	}
	return e.vm.Set("setInterval", noop)
}

func (e *GojaEngine) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	if level == "info" {
		level = "log"
	}
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		entry := types.LogEntry{Level: level, Message: strings.Join(parts, " "), Time: time.Now()}

		e.consoleMu.Lock()
		e.console = append(e.console, entry)
		e.consoleMu.Unlock()

		if e.onConsole != nil {
			e.onConsole(entry)
		}
		return goja.Undefined()
	}
}

// Bind exposes a host value as a global in the VM.
func (e *GojaEngine) Bind(name string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.Set(name, value)
}

// Execute runs the script. A watchdog interrupts the VM when the timeout
// elapses or ctx is cancelled, so runaway scripts cannot wedge the isolate.
func (e *GojaEngine) Execute(ctx context.Context, script string, timeout time.Duration) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A previous run's watchdog may have fired after its script returned;
	// the stale interrupt flag would fail this run immediately.
	e.vm.ClearInterrupt()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-timer.C:
			e.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			e.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	val, err := e.vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if ok := asGojaInterrupt(err, &interrupted); ok {
			return nil, fmt.Errorf("script interrupted: %v", interrupted.Value())
		}
		return nil, err
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// Logs drains captured console output.
func (e *GojaEngine) Logs() []types.LogEntry {
	e.consoleMu.Lock()
	defer e.consoleMu.Unlock()

	out := e.console
	e.console = nil
	return out
}

// Close drops the VM. goja has no explicit teardown; dropping references is
// sufficient.
func (e *GojaEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
}

func asGojaInterrupt(err error, target **goja.InterruptedError) bool {
	ie, ok := err.(*goja.InterruptedError)
	if ok {
		*target = ie
	}
	return ok
}
