package connectionmanager

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
)

// ConnectionManager tracks the authenticated connection of each worker. A
// worker that reconnects replaces its previous connection.
type ConnectionManager struct {
	connections map[string]net.Conn
	connMutex   sync.RWMutex
	Logger      primary.Logger
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(logger primary.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]net.Conn),
		Logger:      logger,
	}
}

// RegisterWorker binds conn to workerID, closing any older connection.
func (cm *ConnectionManager) RegisterWorker(workerID string, conn net.Conn) {
	cm.connMutex.Lock()
	previous, ok := cm.connections[workerID]
	cm.connections[workerID] = conn
	cm.connMutex.Unlock()

	if ok && previous != conn {
		cm.Logger.Info("Worker reconnected, closing previous connection", "workerId", workerID)
		_ = previous.Close()
	}
}

// RemoveWorker forgets workerID if conn is still its current connection.
func (cm *ConnectionManager) RemoveWorker(workerID string, conn net.Conn) {
	cm.connMutex.Lock()
	defer cm.connMutex.Unlock()
	if current, ok := cm.connections[workerID]; ok && current == conn {
		delete(cm.connections, workerID)
	}
}

// GetConnection returns the connection for a specific worker
func (cm *ConnectionManager) GetConnection(workerID string) (net.Conn, bool) {
	cm.connMutex.RLock()
	defer cm.connMutex.RUnlock()

	conn, exists := cm.connections[workerID]
	return conn, exists
}

func (cm *ConnectionManager) Count() int {
	cm.connMutex.RLock()
	defer cm.connMutex.RUnlock()
	return len(cm.connections)
}

// CloseAll closes every tracked connection.
func (cm *ConnectionManager) CloseAll() {
	cm.connMutex.Lock()
	defer cm.connMutex.Unlock()

	for workerID, conn := range cm.connections {
		if err := conn.Close(); err != nil {
			cm.Logger.Error("Failed to close connection", "workerId", workerID, "error", err)
		}
		delete(cm.connections, workerID)
	}
}

// SendErrorMessage sends an error message to a worker
func SendErrorMessage(conn net.Conn, code int, message string) {
	errorBytes, err := json.Marshal(defs.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}

	// Ignore errors here as the connection might be closing
	_ = SendMessage(conn, defs.MsgError, errorBytes)
}

// SendJSON marshals v and sends it as one frame.
func SendJSON(conn io.Writer, msgType byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return SendMessage(conn, msgType, payload)
}

// SendMessage writes one frame: magic, type, a reserved byte, the payload
// length and the payload.
func SendMessage(conn io.Writer, msgType byte, payload []byte) error {
	frame := make([]byte, defs.HeaderSize+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], defs.MagicNumber)
	frame[2] = msgType
	frame[3] = 0 // Reserved
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[defs.HeaderSize:], payload)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadMessage reads one frame from r.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	header := make([]byte, defs.HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	magic := binary.BigEndian.Uint16(header[0:2])
	msgType := header[2]
	payloadLen := binary.BigEndian.Uint32(header[4:8])

	if magic != defs.MagicNumber {
		return 0, nil, fmt.Errorf("invalid magic number: %x", magic)
	}
	if payloadLen > defs.MaxPayloadSize {
		return 0, nil, fmt.Errorf("payload of %d bytes exceeds limit", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}

	return msgType, payload, nil
}
