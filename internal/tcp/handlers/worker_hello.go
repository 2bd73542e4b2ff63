package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/services/worker"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
	"gitlab.com/vmfleet.net/internal/tcp/connectionmanager"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
)

var _ primary.MessageHandler = (*WorkerHelloHandler)(nil)

// WorkerHelloHandler authenticates a connection with the worker's token.
// Only registered, non-retired workers are let in.
type WorkerHelloHandler struct {
	Tokens            primary.TokenService
	WorkerService     worker.IWorkerRegistrationService
	ConnectionMgr     *connectionmanager.ConnectionManager
	HeartbeatInterval time.Duration
	Logger            primary.Logger
}

// HandleMessage implements the MessageHandler interface
func (h *WorkerHelloHandler) HandleMessage(ctx context.Context, conn net.Conn, payload []byte, workerID *string) error {
	var hello defs.WorkerHelloData
	if err := json.Unmarshal(payload, &hello); err != nil || hello.WorkerID == "" {
		h.Logger.Error("Failed to parse worker hello", "error", err)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeInvalidHello, "Invalid hello data")
		return fmt.Errorf("invalid hello: %w", errs.ErrInvalidArgument)
	}
	if *workerID != "" && *workerID != hello.WorkerID {
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeWorkerMismatch, "Connection already bound to another worker")
		return fmt.Errorf("connection bound to %s: %w", *workerID, errs.ErrUnauthorized)
	}

	subject, err := h.Tokens.VerifyWorkerToken(ctx, hello.Token)
	if err != nil || subject != hello.WorkerID {
		h.Logger.Warn("Rejected worker hello", "workerId", hello.WorkerID, "error", err)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeUnauthorized, "Invalid worker token")
		return fmt.Errorf("worker %s: %w", hello.WorkerID, errs.ErrUnauthorized)
	}

	w, err := h.WorkerService.GetWorker(ctx, hello.WorkerID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeUnknownWorker, "Worker not registered")
		return err
	case err != nil:
		h.Logger.Error("Failed to load worker", "workerId", hello.WorkerID, "error", err)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeHeartbeatFailed, "Failed to load worker")
		return err
	case w.Status == domain.WorkerRetired:
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeWorkerRetired, "Worker retired")
		return fmt.Errorf("worker %s: %w", hello.WorkerID, errs.ErrWorkerRetired)
	}

	*workerID = hello.WorkerID
	h.ConnectionMgr.RegisterWorker(hello.WorkerID, conn)

	ack := defs.HelloAckData{
		WorkerID:                 hello.WorkerID,
		HeartbeatIntervalSeconds: int(h.HeartbeatInterval / time.Second),
	}
	if err := connectionmanager.SendJSON(conn, defs.MsgHelloAck, ack); err != nil {
		return err
	}

	h.Logger.Info("Worker connected", "workerId", hello.WorkerID, "remote", conn.RemoteAddr().String())
	return nil
}
