package isolate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
)

// Bridge is the in-isolate RPC shim. It turns high-level capability calls
// into correlated request/response messages on the host channel: each call
// gets a fresh correlation id, a registered waiter, and a deadline; whichever
// of response and timer fires first wins and the loser's registration is
// always cleaned up.
type Bridge struct {
	blockID string
	send    func(types.IsolateMessage)
	log     *logging.Logger

	callTimeout time.Duration
	execTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan types.CapabilityResponse
	failed  error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// NewBridge creates a shim bound to one isolate's outbound channel.
func NewBridge(blockID string, send func(types.IsolateMessage), callTimeout, execTimeout time.Duration, log *logging.Logger) *Bridge {
	return &Bridge{
		blockID:     blockID,
		send:        send,
		log:         log.Named("bridge"),
		callTimeout: callTimeout,
		execTimeout: execTimeout,
		pending:     make(map[string]chan types.CapabilityResponse),
		readyCh:     make(chan struct{}),
	}
}

// Ready resolves the one-shot ready gate. Safe to call more than once; only
// the first call has effect.
func (b *Bridge) Ready() {
	b.readyOnce.Do(func() { close(b.readyCh) })
}

// AwaitReady blocks callers until the shim is ready. Any number of callers
// may await concurrently; all are released by the single Ready.
func (b *Bridge) AwaitReady(ctx context.Context) error {
	select {
	case <-b.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends a capability request and blocks until the correlated response,
// the deadline, or ctx. The waiter registration is removed on every path.
func (b *Bridge) Call(ctx context.Context, method string, params map[string]any) (any, error) {
	if err := b.AwaitReady(ctx); err != nil {
		return nil, err
	}

	callID := uuid.New().String()
	ch := make(chan types.CapabilityResponse, 1)

	b.mu.Lock()
	if b.failed != nil {
		b.mu.Unlock()
		return nil, b.failed
	}
	b.pending[callID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	b.send(types.IsolateMessage{
		Type:      types.MsgAPICall,
		Timestamp: time.Now(),
		Call: &types.CapabilityRequest{
			BlockID: b.blockID,
			Method:  method,
			Params:  params,
			CallID:  callID,
		},
	})

	timer := time.NewTimer(b.timeoutFor(method))
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		b.log.Warn("capability call timed out",
			zap.String("method", method), zap.String("call_id", callID))
		return nil, fmt.Errorf("%s: %w", method, errs.ErrCallTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers a response to its waiter. Responses with no registered
// waiter (late arrivals after a timeout) are dropped.
func (b *Bridge) Resolve(resp types.CapabilityResponse) {
	b.mu.Lock()
	ch, ok := b.pending[resp.CallID]
	b.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// FailAll resolves every in-flight call with err and rejects future calls.
// Invoked on isolate termination so pending waiters never hang.
func (b *Bridge) FailAll(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failed = err
	for id, ch := range b.pending {
		select {
		case ch <- types.CapabilityResponse{CallID: id, Error: err.Error()}:
		default:
		}
		delete(b.pending, id)
	}
}

// Pending returns the number of in-flight calls.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// timeoutFor picks the call-class deadline: long for process/script
// execution, short for data and control calls.
func (b *Bridge) timeoutFor(method string) time.Duration {
	if strings.HasPrefix(method, "process.") || method == "dom.execute" {
		return b.execTimeout
	}
	return b.callTimeout
}
