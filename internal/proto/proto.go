package proto

const (
	// StatusReady is sent by a successor whose initialization completed and
	// which is ready to take over serving.
	StatusReady = "ready"
	// StatusInitFailed is sent by a successor whose initialization failed.
	// The predecessor keeps serving.
	StatusInitFailed = "init-failed"

	// OpRestart requests that the receiving process spawn a successor and
	// hand over to it.
	OpRestart = "restart"
)

// ReadinessMessage is the single message a successor writes on its readiness
// channel endpoint. Reason is only meaningful for StatusInitFailed.
type ReadinessMessage struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ControlRequest is one operation requested over the control socket.
type ControlRequest struct {
	Op string `json:"op"`
}

// ControlResponse reports the outcome of a ControlRequest. On a successful
// restart Pid is the pid of the successor process.
type ControlResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Pid    int    `json:"pid,omitempty"`
}
