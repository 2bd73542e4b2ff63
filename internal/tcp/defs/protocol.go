package defs

import "time"

// Protocol constants
const (
	MagicNumber uint16 = 0xCAFE

	// Message types
	MsgWorkerHello     byte = 0x01
	MsgWorkerHeartbeat byte = 0x02
	MsgHelloAck        byte = 0x03
	MsgHeartbeatAck    byte = 0x04
	MsgError           byte = 0x07

	HeaderSize = 8
	// MaxPayloadSize bounds a single frame.
	MaxPayloadSize = 4 << 20

	// Configuration constants
	InitialHelloTimeout  = 30 * time.Second
	ConnectionRetryDelay = 1 * time.Second
)

// Error codes sent in MsgError frames.
const (
	ErrCodeInvalidHello     = 1001
	ErrCodeUnauthorized     = 1002
	ErrCodeNotAuthenticated = 1003
	ErrCodeInvalidHeartbeat = 1004
	ErrCodeWorkerMismatch   = 1005
	ErrCodeHeartbeatFailed  = 1006
	ErrCodeWorkerRetired    = 1007
	ErrCodeUnknownWorker    = 1008
	ErrCodeUnknownMessage   = 1016
)
