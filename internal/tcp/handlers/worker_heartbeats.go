package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/services/heartbeat"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
	"gitlab.com/vmfleet.net/internal/tcp/connectionmanager"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
)

var _ primary.MessageHandler = (*WorkerHeartbeatHandler)(nil)

// WorkerHeartbeatHandler runs a heartbeat through the same handler as the
// REST endpoint and replies with the pending commands.
type WorkerHeartbeatHandler struct {
	Heartbeats heartbeat.IHeartbeatService
	Logger     primary.Logger
}

// HandleMessage implements the MessageHandler interface. A failed heartbeat
// is reported to the worker without closing the connection; a retired or
// unknown worker is disconnected.
func (h *WorkerHeartbeatHandler) HandleMessage(ctx context.Context, conn net.Conn, payload []byte, workerID *string) error {
	if *workerID == "" {
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeNotAuthenticated, "Worker not authenticated")
		return fmt.Errorf("heartbeat before hello: %w", errs.ErrUnauthorized)
	}

	var req domain.HeartbeatRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.Logger.Error("Failed to parse worker heartbeat", "workerId", *workerID, "error", err)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeInvalidHeartbeat, "Invalid heartbeat data")
		return nil
	}
	if req.WorkerID == "" {
		req.WorkerID = *workerID
	}
	if req.WorkerID != *workerID {
		h.Logger.Error("Worker ID mismatch in heartbeat", "expected", *workerID, "actual", req.WorkerID)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeWorkerMismatch, "Worker ID mismatch")
		return fmt.Errorf("worker id mismatch: %w", errs.ErrUnauthorized)
	}

	resp, err := h.Heartbeats.Handle(ctx, req)
	switch {
	case errors.Is(err, errs.ErrWorkerRetired):
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeWorkerRetired, "Worker retired")
		return err
	case errors.Is(err, errs.ErrNotFound):
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeUnknownWorker, "Worker not registered")
		return err
	case err != nil:
		h.Logger.Error("Failed to handle heartbeat", "workerId", *workerID, "error", err)
		connectionmanager.SendErrorMessage(conn, defs.ErrCodeHeartbeatFailed, "Failed to handle heartbeat")
		return nil
	}

	if err := connectionmanager.SendJSON(conn, defs.MsgHeartbeatAck, resp); err != nil {
		return err
	}
	h.Logger.Debug("Worker heartbeat handled", "workerId", *workerID, "commands", len(resp.PendingCommands), "acks", len(req.Acks))
	return nil
}
