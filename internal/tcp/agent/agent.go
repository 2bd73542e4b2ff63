// Package agent is a simulated worker. It speaks the framed heartbeat
// protocol and acknowledges every command it is handed as successful,
// which is enough to drive workloads through their lifecycle without a
// hypervisor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/tcp/connectionmanager"
	"gitlab.com/vmfleet.net/internal/tcp/defs"
)

// RejectedError is an error frame the coordinator answered with.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("coordinator rejected request: %d %s", e.Code, e.Message)
}

// Permanent reports whether retrying with the same credentials is pointless.
func (e *RejectedError) Permanent() bool {
	switch e.Code {
	case defs.ErrCodeUnauthorized, defs.ErrCodeWorkerRetired, defs.ErrCodeUnknownWorker:
		return true
	}
	return false
}

type Agent struct {
	WorkerID string
	Token    string
	Logger   primary.Logger

	active        map[string]struct{}
	acks          []domain.Acknowledgment
	configVersion int64
	hosts         int
}

func New(workerID, token string, logger primary.Logger) *Agent {
	return &Agent{
		WorkerID: workerID,
		Token:    token,
		Logger:   logger,
		active:   make(map[string]struct{}),
	}
}

// Run dials addr and heartbeats until ctx is done, reconnecting after a
// lost connection. It gives up on a permanent rejection.
func (a *Agent) Run(ctx context.Context, addr string) error {
	for {
		err := a.session(ctx, addr)
		if ctx.Err() != nil {
			return nil
		}
		var rejected *RejectedError
		if errors.As(err, &rejected) && rejected.Permanent() {
			return err
		}
		a.Logger.Warn("Agent session ended, reconnecting", "workerId", a.WorkerID, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(defs.ConnectionRetryDelay):
		}
	}
}

func (a *Agent) session(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	interval, err := a.Hello(conn)
	if err != nil {
		return err
	}
	a.Logger.Info("Agent connected", "workerId", a.WorkerID, "addr", addr, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.Beat(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Hello authenticates the connection and returns the heartbeat interval
// the coordinator asked for.
func (a *Agent) Hello(conn io.ReadWriter) (time.Duration, error) {
	if err := connectionmanager.SendJSON(conn, defs.MsgWorkerHello, defs.WorkerHelloData{WorkerID: a.WorkerID, Token: a.Token}); err != nil {
		return 0, fmt.Errorf("failed to send hello: %w", err)
	}
	var ack defs.HelloAckData
	if err := a.expect(conn, defs.MsgHelloAck, &ack); err != nil {
		return 0, err
	}
	interval := time.Duration(ack.HeartbeatIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	return interval, nil
}

// Beat sends one heartbeat carrying the acknowledgments owed so far and
// queues acknowledgments for the commands in the reply. Owed
// acknowledgments survive a failed beat and are sent again.
func (a *Agent) Beat(conn io.ReadWriter) (*domain.HeartbeatResponse, error) {
	req := domain.HeartbeatRequest{
		WorkerID:           a.WorkerID,
		ActiveWorkloads:    a.activeWorkloads(),
		Acks:               a.acks,
		KnownConfigVersion: a.configVersion,
	}
	if err := connectionmanager.SendJSON(conn, defs.MsgWorkerHeartbeat, req); err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	var resp domain.HeartbeatResponse
	if err := a.expect(conn, defs.MsgHeartbeatAck, &resp); err != nil {
		return nil, err
	}

	a.acks = nil
	if resp.ConfigVersion > a.configVersion {
		a.Logger.Info("Scheduling config updated", "workerId", a.WorkerID, "version", resp.ConfigVersion)
		a.configVersion = resp.ConfigVersion
	}
	for _, cmd := range resp.PendingCommands {
		a.acks = append(a.acks, a.execute(cmd))
	}
	return &resp, nil
}

func (a *Agent) expect(conn io.Reader, want byte, into interface{}) error {
	msgType, payload, err := connectionmanager.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}
	if msgType == defs.MsgError {
		var e defs.ErrorData
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("failed to decode error frame: %w", err)
		}
		return &RejectedError{Code: e.Code, Message: e.Message}
	}
	if msgType != want {
		return fmt.Errorf("unexpected message type 0x%02x", msgType)
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}

// execute pretends to carry out cmd.
func (a *Agent) execute(cmd domain.CommandEnvelope) domain.Acknowledgment {
	ack := domain.Acknowledgment{
		CommandToken: cmd.Token,
		WorkloadID:   cmd.WorkloadID,
		CommandType:  cmd.Type,
		Success:      true,
	}
	switch cmd.Type {
	case domain.CommandCreate:
		a.hosts++
		a.active[cmd.WorkloadID] = struct{}{}
		ack.Result, _ = json.Marshal(domain.AckResult{
			IPAddress: fmt.Sprintf("10.200.%d.%d", a.hosts/250, a.hosts%250+1),
			Port:      22,
		})
	case domain.CommandStart:
		a.active[cmd.WorkloadID] = struct{}{}
	case domain.CommandStop, domain.CommandDelete:
		delete(a.active, cmd.WorkloadID)
	}
	a.Logger.Debug("Executed command", "workerId", a.WorkerID, "token", cmd.Token,
		"workloadId", cmd.WorkloadID, "type", cmd.Type)
	return ack
}

func (a *Agent) activeWorkloads() []string {
	ids := make([]string, 0, len(a.active))
	for id := range a.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
