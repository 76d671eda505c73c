package types

import "time"

// Host→isolate message types.
const (
	MsgExecute     = "execute"
	MsgUpdate      = "update"
	MsgAPIResponse = "apiResponse"
)

// Isolate→host message types.
const (
	MsgIsolateReady    = "isolate_ready"
	MsgAPICall         = "apiCall"
	MsgExecutionResult = "execution_result"
	MsgLog             = "log"
	MsgWarn            = "warn"
	MsgError           = "error"
)

// HostMessage travels from the host to an isolate over its inbound channel.
type HostMessage struct {
	Type    string            `json:"type"`
	Code    *Code             `json:"code,omitempty"`
	Updates map[string]string `json:"updates,omitempty"`
	CallID  string            `json:"call_id,omitempty"`
	Result  any               `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// IsolateMessage travels from an isolate to the host.
type IsolateMessage struct {
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Call      *CapabilityRequest `json:"call,omitempty"`
	Result    *ExecutionResult   `json:"result,omitempty"`
	Args      []string           `json:"args,omitempty"`
}
