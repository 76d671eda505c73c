package isolate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symposium-app/backend/internal/shared/types"
)

func TestEngineConsoleCapture(t *testing.T) {
	var streamed []types.LogEntry
	engine, err := NewGojaEngine(func(e types.LogEntry) { streamed = append(streamed, e) })
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Execute(context.Background(), `
console.log("hello", 42);
console.info("info goes to log");
console.warn("careful");
console.error("boom");
`, time.Second)
	require.NoError(t, err)

	logs := engine.Logs()
	require.Len(t, logs, 4)
	assert.Equal(t, "log", logs[0].Level)
	assert.Equal(t, "hello 42", logs[0].Message)
	assert.Equal(t, "log", logs[1].Level)
	assert.Equal(t, "warn", logs[2].Level)
	assert.Equal(t, "error", logs[3].Level)

	// Logs drains: a second call returns nothing.
	assert.Empty(t, engine.Logs())
	assert.Len(t, streamed, 4)
}

func TestEngineTimeoutInterruptsScript(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	start := time.Now()
	_, err = engine.Execute(context.Background(), "while (true) {}", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEngineContextCancellation(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = engine.Execute(ctx, "while (true) {}", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
}

func TestEngineRecoversFromStaleInterrupt(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Execute(context.Background(), "1 + 1", time.Second)
	require.NoError(t, err)

	// A watchdog can fire after its script already returned, leaving the
	// interrupt flag set with no script to consume it. The next run on the
	// warm VM must not inherit it.
	engine.vm.Interrupt("late interrupt")

	result, err := engine.Execute(context.Background(), "2 + 2", time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 4, result)
}

func TestEngineDangerousGlobalsRemoved(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	result, err := engine.Execute(context.Background(),
		`[typeof require, typeof process, typeof module].join(",")`, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined", result)
}

func TestEngineBindExposesHostFunction(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	require.NoError(t, engine.Bind("double", func(n int64) int64 { return n * 2 }))

	result, err := engine.Execute(context.Background(), "double(21)", time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 42, result)
}

func TestEngineScriptErrorIsReturned(t *testing.T) {
	engine, err := NewGojaEngine(nil)
	require.NoError(t, err)
	defer engine.Close()

	_, err = engine.Execute(context.Background(), "nope.such.thing", time.Second)
	assert.Error(t, err)
}
