// Package blocks orchestrates content block execution: it owns the flow
// from a submitted code snapshot through version recording, isolate
// acquisition, the capability request/response pump, and result delivery.
package blocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/capability"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/infrastructure/monitoring"
	"github.com/symposium-app/backend/internal/isolate"
	"github.com/symposium-app/backend/internal/pool"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/version"
)

// resultGrace pads the host-side wait beyond the in-isolate execution
// deadline so the watchdog reports the breach before the host gives up.
const resultGrace = 5 * time.Second

// Event is one isolate message tagged with its block, streamed to
// subscribers such as websocket sessions.
type Event struct {
	BlockID string               `json:"block_id"`
	Message types.IsolateMessage `json:"message"`
}

// Config for the block service.
type Config struct {
	ExecTimeout time.Duration
}

// Service coordinates the isolate pool, the capability proxy, and the
// version store. It is the only component that pumps isolate output.
type Service struct {
	pool     *pool.Manager
	proxy    *capability.Proxy
	versions *version.Store
	metrics  *monitoring.Metrics
	log      *logging.Logger

	execTimeout time.Duration

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	runMu sync.Mutex
	runs  map[string]*sync.Mutex
}

// NewService creates the block service.
func NewService(cfg Config, p *pool.Manager, proxy *capability.Proxy, vs *version.Store, metrics *monitoring.Metrics, log *logging.Logger) *Service {
	return &Service{
		pool:        p,
		proxy:       proxy,
		versions:    vs,
		metrics:     metrics,
		log:         log.Named("blocks"),
		execTimeout: cfg.ExecTimeout,
		subs:        make(map[int]chan Event),
		runs:        make(map[string]*sync.Mutex),
	}
}

// Subscribe registers an event stream. The returned cancel func must be
// called when the subscriber goes away; slow subscribers drop events
// rather than stall execution.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 128)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Service) publish(blockID string, msg types.IsolateMessage) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- Event{BlockID: blockID, Message: msg}:
		default:
		}
	}
}

// Execute records a new version of the block's content and runs it in the
// block's isolate. The version is appended before execution, so even a
// failed run is part of the history.
func (s *Service) Execute(ctx context.Context, blockID string, code types.Code, change types.ChangeType, author string) (*types.ExecutionResult, error) {
	if change == "" {
		change = types.ChangeUserEdit
	}
	if _, err := s.versions.Append(ctx, blockID, types.Version{
		HTML:       code.HTML,
		CSS:        code.CSS,
		JavaScript: code.JavaScript,
		ChangeType: change,
		Author:     author,
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.VersionsAppended.Inc()
	}

	return s.run(ctx, blockID, types.HostMessage{Type: types.MsgExecute, Code: &code})
}

// Update applies partial content changes. The new content is merged
// against the cursor version, appended as a user edit, and delivered to
// the isolate as an update so it re-executes the merged snapshot.
func (s *Service) Update(ctx context.Context, blockID string, updates map[string]string, author string) (*types.ExecutionResult, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("update requires at least one of html, css, javascript")
	}

	var merged types.Code
	if cur, ok := s.versions.Current(blockID); ok {
		merged = cur.Content()
	}
	if v, ok := updates["html"]; ok {
		merged.HTML = v
	}
	if v, ok := updates["css"]; ok {
		merged.CSS = v
	}
	if v, ok := updates["javascript"]; ok {
		merged.JavaScript = v
	}

	if _, err := s.versions.Append(ctx, blockID, types.Version{
		HTML:       merged.HTML,
		CSS:        merged.CSS,
		JavaScript: merged.JavaScript,
		ChangeType: types.ChangeUserEdit,
		Author:     author,
	}); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.VersionsAppended.Inc()
	}

	// Deliver the full merged snapshot: a freshly created isolate has no
	// prior code to merge against.
	full := map[string]string{
		"html":       merged.HTML,
		"css":        merged.CSS,
		"javascript": merged.JavaScript,
	}
	return s.run(ctx, blockID, types.HostMessage{Type: types.MsgUpdate, Updates: full})
}

// Undo moves the block's cursor back (or to targetID) and re-executes the
// restored content. The restored snapshot is not re-appended; the cursor
// alone tracks the position.
func (s *Service) Undo(ctx context.Context, blockID, targetID string) (*types.Version, *types.ExecutionResult, error) {
	v, err := s.versions.Undo(ctx, blockID, targetID)
	if err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.UndoOperations.Inc()
	}
	code := v.Content()
	res, err := s.run(ctx, blockID, types.HostMessage{Type: types.MsgExecute, Code: &code})
	return v, res, err
}

// Redo moves the block's cursor forward and re-executes that version.
func (s *Service) Redo(ctx context.Context, blockID string) (*types.Version, *types.ExecutionResult, error) {
	v, err := s.versions.Redo(ctx, blockID)
	if err != nil {
		return nil, nil, err
	}
	if s.metrics != nil {
		s.metrics.RedoOperations.Inc()
	}
	code := v.Content()
	res, err := s.run(ctx, blockID, types.HostMessage{Type: types.MsgExecute, Code: &code})
	return v, res, err
}

// runLock returns the block's run mutex, creating it on first use.
func (s *Service) runLock(blockID string) *sync.Mutex {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	mu, ok := s.runs[blockID]
	if !ok {
		mu = &sync.Mutex{}
		s.runs[blockID] = mu
	}
	return mu
}

// run acquires the block's isolate, delivers one message, and pumps
// isolate output until the execution result arrives. Runs on the same
// block are serialized: execution results carry no run correlation, so a
// pump must only ever see output from its own run.
func (s *Service) run(ctx context.Context, blockID string, msg types.HostMessage) (*types.ExecutionResult, error) {
	mu := s.runLock(blockID)
	mu.Lock()
	defer mu.Unlock()

	rt, err := s.pool.Acquire(ctx, blockID)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(blockID)

	rt.Deliver(msg)
	return s.pump(ctx, blockID, rt)
}

// pump forwards capability calls to the proxy and their responses back to
// the isolate, streaming everything else to subscribers, until the run
// produces its result. A resource limit breach terminates the isolate
// after the result is delivered.
func (s *Service) pump(ctx context.Context, blockID string, rt *isolate.Runtime) (*types.ExecutionResult, error) {
	deadline := s.execTimeout + resultGrace
	pctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	terminate := false
	defer func() {
		if terminate {
			tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), resultGrace)
			defer tcancel()
			if err := s.pool.Terminate(tctx, blockID); err != nil {
				s.log.Warn("failed to terminate isolate after resource breach",
					zap.String("block_id", blockID), zap.Error(err))
			}
		}
	}()

	for {
		select {
		case msg := <-rt.Out():
			s.publish(blockID, msg)

			switch msg.Type {
			case types.MsgAPICall:
				if msg.Call != nil {
					go s.dispatch(pctx, rt, *msg.Call)
				}
			case types.MsgError:
				if len(msg.Args) > 0 && msg.Args[0] == "resource_limit" {
					terminate = true
				}
			case types.MsgExecutionResult:
				if msg.Result == nil {
					return nil, fmt.Errorf("isolate produced empty result")
				}
				return msg.Result, nil
			}

		case <-rt.Done():
			return nil, errs.ErrIsolateTerminated

		case <-pctx.Done():
			s.log.Warn("no result before deadline, terminating isolate",
				zap.String("block_id", blockID))
			terminate = true
			return nil, fmt.Errorf("block %s produced no result: %w", blockID, pctx.Err())
		}
	}
}

// dispatch routes one capability request through the proxy and delivers
// the correlated response. Runs on its own goroutine so the pump never
// blocks behind a handler.
func (s *Service) dispatch(ctx context.Context, rt *isolate.Runtime, call types.CapabilityRequest) {
	result, err := s.proxy.Handle(ctx, call.BlockID, call.Method, call.Params)

	resp := types.HostMessage{
		Type:   types.MsgAPIResponse,
		CallID: call.CallID,
		Result: result,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	rt.Deliver(resp)
}

// SetPermission changes the block's permission level for subsequent
// capability requests.
func (s *Service) SetPermission(blockID string, level types.PermissionLevel) error {
	return s.proxy.UpdatePermission(blockID, level)
}

// Permission returns the block's current level.
func (s *Service) Permission(blockID string) types.PermissionLevel {
	return s.proxy.Permission(blockID)
}

// Versions returns the block's history along with the cursor version id
// and whether a redo is possible.
func (s *Service) Versions(blockID string) ([]types.Version, string, bool) {
	list := s.versions.List(blockID)
	currentID := ""
	if cur, ok := s.versions.Current(blockID); ok {
		currentID = cur.ID
	}
	return list, currentID, s.versions.CanRedo(blockID)
}

// BlockIDs lists every block with recorded history.
func (s *Service) BlockIDs() []string {
	return s.versions.BlockIDs()
}

// Terminate stops the block's isolate if one is running.
func (s *Service) Terminate(ctx context.Context, blockID string) error {
	return s.pool.Terminate(ctx, blockID)
}

// Stats reports pool-level resource statistics.
func (s *Service) Stats() types.PoolStats {
	return s.pool.Stats()
}

// Audit returns recent capability permission decisions.
func (s *Service) Audit() []capability.AuditEntry {
	return s.proxy.Audit()
}
