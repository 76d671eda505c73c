package types

import "time"

// PermissionLevel is the ordered tier gating which capability namespaces a
// block may invoke.
type PermissionLevel string

const (
	LevelBasic       PermissionLevel = "basic"
	LevelInteractive PermissionLevel = "interactive"
	LevelData        PermissionLevel = "data"
	LevelAdvanced    PermissionLevel = "advanced"
)

var levelRank = map[PermissionLevel]int{
	LevelBasic:       0,
	LevelInteractive: 1,
	LevelData:        2,
	LevelAdvanced:    3,
}

// Valid reports whether l is one of the four known levels.
func (l PermissionLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Dominates reports whether l grants at least the access of other.
func (l PermissionLevel) Dominates(other PermissionLevel) bool {
	return levelRank[l] >= levelRank[other]
}

// IsolateState represents isolate lifecycle states. The pool manager is the
// sole mutator.
type IsolateState string

const (
	StateStarting    IsolateState = "starting"
	StateReady       IsolateState = "ready"
	StateExecuting   IsolateState = "executing"
	StateIdle        IsolateState = "idle"
	StateTerminating IsolateState = "terminating"
	StateTerminated  IsolateState = "terminated"
)

// Code is the user-authored content of a block.
type Code struct {
	HTML       string `json:"html"`
	CSS        string `json:"css"`
	JavaScript string `json:"javascript"`
}

// LogEntry is one console line captured from an isolate.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// ExecutionResult is the outcome of running a block's code inside its
// isolate. Failures are reported here, never as process crashes.
type ExecutionResult struct {
	Success    bool       `json:"success"`
	HTML       string     `json:"html"`
	CSS        string     `json:"css"`
	JavaScript string     `json:"javascript"`
	Logs       []LogEntry `json:"logs"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// ResourceStats is a point-in-time sample of one isolate's consumption.
type ResourceStats struct {
	IsolateID   string        `json:"isolate_id"`
	BlockID     string        `json:"block_id"`
	State       IsolateState  `json:"state"`
	MemoryBytes uint64        `json:"memory_bytes"`
	CPUPercent  float64       `json:"cpu_percent"`
	Elapsed     time.Duration `json:"elapsed"`
	CreatedAt   time.Time     `json:"created_at"`
	LastActive  time.Time     `json:"last_active"`
}

// PoolStats summarizes the isolate pool.
type PoolStats struct {
	ActiveIsolates int             `json:"active_isolates"`
	MaxIsolates    int             `json:"max_isolates"`
	PerIsolate     []ResourceStats `json:"per_isolate"`
}
