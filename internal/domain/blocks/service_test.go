package blocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/capability"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
	"github.com/symposium-app/backend/internal/isolate"
	"github.com/symposium-app/backend/internal/pool"
	"github.com/symposium-app/backend/internal/shared/errs"
	"github.com/symposium-app/backend/internal/shared/types"
	"github.com/symposium-app/backend/internal/storage"
	"github.com/symposium-app/backend/internal/version"
)

type allowAll struct{}

func (allowAll) Authorize(string) error { return nil }

type noFetch struct{}

func (noFetch) FetchModule(context.Context, string) (string, error) {
	return "", errors.New("no fetcher in tests")
}

type countingHandler struct {
	calls  atomic.Int64
	result any
}

func (h *countingHandler) Execute(context.Context, string, map[string]any) (any, error) {
	h.calls.Add(1)
	return h.result, nil
}

type fixture struct {
	svc      *Service
	versions *version.Store
	proxy    *capability.Proxy
	network  *countingHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := storage.NewMemory()
	log := logging.NewNop()

	versions := version.NewStore(backend, log)
	proxy := capability.NewProxy(2*time.Second, 5*time.Second, nil, log)
	network := &countingHandler{result: map[string]any{"status": 200}}
	proxy.Register("network", network)

	factory := func(blockID string) (*isolate.Runtime, error) {
		return isolate.NewRuntime(isolate.RuntimeConfig{
			BlockID:      blockID,
			CallTimeout:  2 * time.Second,
			ExecTimeout:  5 * time.Second,
			MemoryLimit:  1 << 40,
			StorageQuota: 1 << 20,
			Backend:      backend,
			Auth:         allowAll{},
			Fetcher:      noFetch{},
			Log:          log,
		})
	}
	pm := pool.NewManager(pool.Config{
		MaxIsolates:    4,
		StartupTimeout: 10 * time.Second,
		ShutdownGrace:  2 * time.Second,
	}, factory, nil, log)
	t.Cleanup(func() { pm.Shutdown(context.Background()) })

	svc := NewService(Config{ExecTimeout: 5 * time.Second}, pm, proxy, versions, nil, log)
	return &fixture{svc: svc, versions: versions, proxy: proxy, network: network}
}

func logMessages(result *types.ExecutionResult) []string {
	out := make([]string, len(result.Logs))
	for i, l := range result.Logs {
		out[i] = l.Message
	}
	return out
}

func TestExecuteRecordsVersionAndRuns(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Execute(context.Background(), "blk",
		types.Code{HTML: "<p>x</p>", JavaScript: `console.log("ran");`},
		types.ChangeAIGenerated, "assistant")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Contains(t, logMessages(result), "ran")

	versions, currentID, canRedo := f.svc.Versions("blk")
	require.Len(t, versions, 1)
	assert.Equal(t, versions[0].ID, currentID)
	assert.Equal(t, types.ChangeAIGenerated, versions[0].ChangeType)
	assert.Equal(t, "assistant", versions[0].Author)
	assert.False(t, canRedo)
}

func TestCapabilityDenialNeverReachesHandler(t *testing.T) {
	f := newFixture(t)

	// Default level is basic; network needs interactive.
	result, err := f.svc.Execute(context.Background(), "blk", types.Code{
		JavaScript: `
try {
	symposium.network.request({url: "https://api.test/"});
	console.log("allowed");
} catch (e) {
	console.log("blocked");
}
`,
	}, types.ChangeUserEdit, "user")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Contains(t, logMessages(result), "blocked")
	assert.Equal(t, int64(0), f.network.calls.Load())

	audit := f.svc.Audit()
	require.NotEmpty(t, audit)
	assert.False(t, audit[len(audit)-1].Allowed)
}

func TestCapabilityAllowedAfterPermissionUpgrade(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.SetPermission("blk", types.LevelInteractive))

	result, err := f.svc.Execute(context.Background(), "blk", types.Code{
		JavaScript: `
var r = symposium.network.request({url: "https://api.test/"});
console.log("status:" + r.status);
`,
	}, types.ChangeUserEdit, "user")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Contains(t, logMessages(result), "status:200")
	assert.Equal(t, int64(1), f.network.calls.Load())
}

func TestUndoRedoReExecutesRestoredVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, "blk", types.Code{JavaScript: `console.log("one");`}, "", "u")
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, "blk", types.Code{JavaScript: `console.log("two");`}, "", "u")
	require.NoError(t, err)

	v, result, err := f.svc.Undo(ctx, "blk", "")
	require.NoError(t, err)
	assert.Contains(t, v.JavaScript, "one")
	require.NotNil(t, result)
	assert.Contains(t, logMessages(result), "one")

	v, result, err = f.svc.Redo(ctx, "blk")
	require.NoError(t, err)
	assert.Contains(t, v.JavaScript, "two")
	assert.Contains(t, logMessages(result), "two")

	_, _, err = f.svc.Redo(ctx, "blk")
	assert.ErrorIs(t, err, errs.ErrNothingToRedo)
}

func TestUpdateMergesAgainstCurrentVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Execute(ctx, "blk",
		types.Code{HTML: "<p>base</p>", JavaScript: `console.log("js");`}, "", "u")
	require.NoError(t, err)

	result, err := f.svc.Update(ctx, "blk", map[string]string{"css": "p { color: red; }"}, "u")
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "<p>base</p>", result.HTML)
	assert.Equal(t, "p { color: red; }", result.CSS)
	assert.Contains(t, logMessages(result), "js")

	versions, _, _ := f.svc.Versions("blk")
	require.Len(t, versions, 2)
	assert.Equal(t, "<p>base</p>", versions[1].HTML)
	assert.Equal(t, "p { color: red; }", versions[1].CSS)

	_, err = f.svc.Update(ctx, "blk", nil, "u")
	assert.Error(t, err)
}

func TestConcurrentRunsKeepTheirOwnResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Concurrent operations on one block share an isolate; each caller
	// must still get the result of its own run, never a sibling's.
	const runs = 6
	var wg sync.WaitGroup
	results := make([]*types.ExecutionResult, runs)
	runErrs := make([]error, runs)

	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tag := fmt.Sprintf("run-%d", i)
			results[i], runErrs[i] = f.svc.Execute(ctx, "blk",
				types.Code{JavaScript: fmt.Sprintf("console.log(%q);", tag)}, "", "u")
		}(i)
	}
	wg.Wait()

	for i := 0; i < runs; i++ {
		tag := fmt.Sprintf("run-%d", i)
		require.NoError(t, runErrs[i], tag)
		require.NotNil(t, results[i], tag)
		assert.True(t, results[i].Success, tag)
		assert.Contains(t, results[i].JavaScript, tag)
		assert.Contains(t, logMessages(results[i]), tag)
	}

	versions, _, _ := f.svc.Versions("blk")
	assert.Len(t, versions, runs)
}

func TestSubscribeStreamsExecutionEvents(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.svc.Subscribe()
	defer cancel()

	_, err := f.svc.Execute(context.Background(), "blk",
		types.Code{JavaScript: `console.log("streamed");`}, "", "u")
	require.NoError(t, err)

	sawResult := false
	deadline := time.After(5 * time.Second)
	for !sawResult {
		select {
		case ev := <-events:
			assert.Equal(t, "blk", ev.BlockID)
			if ev.Message.Type == types.MsgExecutionResult {
				sawResult = true
			}
		case <-deadline:
			t.Fatal("no execution_result event streamed")
		}
	}
}

func TestUndoOnEmptyBlock(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Undo(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, errs.ErrNothingToUndo)
}
