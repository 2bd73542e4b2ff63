package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/services/heartbeat"
	"gitlab.com/vmfleet.net/internal/core/services/worker"
	"gitlab.com/vmfleet.net/internal/tcp/connectionmanager"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
	"gitlab.com/vmfleet.net/internal/tcp/handlers"
)

// TCPServer serves the framed heartbeat protocol to workers that keep a
// long-lived connection. A connection must say hello before heartbeating
// and is dropped after idleTimeout without a frame.
type TCPServer struct {
	address           string
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	logger            primary.Logger
	listener          net.Listener
	connectionMgr     *connectionmanager.ConnectionManager
	stopCh            chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
	handlers          map[byte]primary.MessageHandler
}

// TCPServerOption configures a TCPServer
type TCPServerOption func(*TCPServer)

// WithAddress sets the server address
func WithAddress(address string) TCPServerOption {
	return func(s *TCPServer) {
		s.address = address
	}
}

// WithHeartbeatInterval sets the interval announced to workers. The idle
// timeout follows at three intervals.
func WithHeartbeatInterval(interval time.Duration) TCPServerOption {
	return func(s *TCPServer) {
		s.heartbeatInterval = interval
		s.idleTimeout = 3 * interval
	}
}

// NewTCPServer creates a new TCP server
func NewTCPServer(
	heartbeats heartbeat.IHeartbeatService,
	workerService worker.IWorkerRegistrationService,
	tokens primary.TokenService,
	logger primary.Logger,
	options ...TCPServerOption,
) *TCPServer {
	server := &TCPServer{
		address:           ":8080",
		heartbeatInterval: 15 * time.Second,
		idleTimeout:       45 * time.Second,
		logger:            logger,
		connectionMgr:     connectionmanager.NewConnectionManager(logger),
		stopCh:            make(chan struct{}),
	}

	for _, option := range options {
		option(server)
	}

	server.handlers = map[byte]primary.MessageHandler{
		defs.MsgWorkerHello: &handlers.WorkerHelloHandler{
			Tokens:            tokens,
			WorkerService:     workerService,
			ConnectionMgr:     server.connectionMgr,
			HeartbeatInterval: server.heartbeatInterval,
			Logger:            logger,
		},
		defs.MsgWorkerHeartbeat: &handlers.WorkerHeartbeatHandler{Heartbeats: heartbeats, Logger: logger},
	}

	return server
}

// Start starts the TCP server
func (s *TCPServer) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}

	s.logger.Info("TCP server listening", "address", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the bound address once started.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every worker connection, then waits for
// the connection goroutines or ctx, whichever comes first.
func (s *TCPServer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Error("Failed to close listener", "error", err)
		}
	}
	s.connectionMgr.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectedWorkers returns how many workers hold an authenticated connection.
func (s *TCPServer) ConnectedWorkers() int {
	return s.connectionMgr.Count()
}

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("Failed to accept connection", "error", err)
				time.Sleep(defs.ConnectionRetryDelay) // Avoid tight loop on error
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn reads and dispatches frames until the connection fails, a
// handler rejects it or the server stops.
func (s *TCPServer) ServeConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(defs.InitialHelloTimeout))

	var workerID string
	defer func() {
		if workerID != "" {
			s.connectionMgr.RemoveWorker(workerID, conn)
			s.logger.Info("Worker disconnected", "workerId", workerID)
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msgType, payload, err := connectionmanager.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Failed to read message", "workerId", workerID, "error", err)
			}
			return
		}

		handler, exists := s.handlers[msgType]
		if !exists {
			s.logger.Error("Unknown message type", "type", msgType)
			connectionmanager.SendErrorMessage(conn, defs.ErrCodeUnknownMessage, fmt.Sprintf("Unknown message type: %d", msgType))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.idleTimeout)
		err = handler.HandleMessage(ctx, conn, payload, &workerID)
		cancel()
		if err != nil {
			s.logger.Warn("Closing connection", "type", msgType, "workerId", workerID, "error", err)
			return
		}

		if workerID != "" {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
	}
}
