package defs

// Protocol data structures. A heartbeat frame carries a
// domain.HeartbeatRequest and is answered with a domain.HeartbeatResponse.
type (
	// WorkerHelloData authenticates a connection. Token is the worker's
	// heartbeat token.
	WorkerHelloData struct {
		WorkerID string `json:"workerId"`
		Token    string `json:"token"`
	}

	// HelloAckData tells the worker how often to heartbeat.
	HelloAckData struct {
		WorkerID                 string `json:"workerId"`
		HeartbeatIntervalSeconds int    `json:"heartbeatIntervalSeconds"`
	}

	// ErrorData represents data sent with error responses
	ErrorData struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)
