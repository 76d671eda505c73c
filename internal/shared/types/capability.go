package types

// CapabilityRequest is an at-most-once, timed request from an isolate to the
// host. CallID is a process-unique correlation token generated by the
// requester; no two in-flight requests from the same isolate share one.
type CapabilityRequest struct {
	BlockID string         `json:"block_id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	CallID  string         `json:"call_id"`
}

// CapabilityResponse carries exactly one result or error per request,
// matched by CallID.
type CapabilityResponse struct {
	CallID string `json:"call_id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
