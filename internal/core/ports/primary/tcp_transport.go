package primary

import (
	"context"
	"net"
)

// MessageHandler handles one framed message type. workerID is set once the
// connection has authenticated.
type MessageHandler interface {
	HandleMessage(ctx context.Context, conn net.Conn, payload []byte, workerID *string) error
}
