package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

type CommandType string

const (
	CommandCreate      CommandType = "create"
	CommandStart       CommandType = "start"
	CommandStop        CommandType = "stop"
	CommandDelete      CommandType = "delete"
	CommandReconfigure CommandType = "reconfigure"
)

func (t CommandType) Valid() bool {
	switch t {
	case CommandCreate, CommandStart, CommandStop, CommandDelete, CommandReconfigure:
		return true
	}
	return false
}

type CommandOutcome string

const (
	OutcomePending   CommandOutcome = "pending"
	OutcomeSucceeded CommandOutcome = "succeeded"
	OutcomeFailed    CommandOutcome = "failed"
	OutcomeTimedOut  CommandOutcome = "timed_out"
)

// ActionClass groups command types for the one-outstanding-per-class rule.
type ActionClass string

const (
	ClassPower       ActionClass = "power"
	ClassDestroy     ActionClass = "destroy"
	ClassReconfigure ActionClass = "reconfigure"
)

func (t CommandType) Class() ActionClass {
	switch t {
	case CommandDelete:
		return ClassDestroy
	case CommandReconfigure:
		return ClassReconfigure
	}
	return ClassPower
}

// ClassesConflict reports whether a command of class next may not be issued
// while one of class outstanding is pending on the same workload. A destroy
// may always be issued over an outstanding power command.
func ClassesConflict(outstanding, next ActionClass) bool {
	if outstanding == next {
		return true
	}
	pair := [2]ActionClass{outstanding, next}
	return pair == [2]ActionClass{ClassDestroy, ClassReconfigure} ||
		pair == [2]ActionClass{ClassReconfigure, ClassDestroy} ||
		pair == [2]ActionClass{ClassDestroy, ClassPower}
}

// Command is one instruction for a worker, tracked in the registry from
// issue to resolution.
type Command struct {
	Token      string `json:"token"`
	Seq        int64  `json:"seq"`
	WorkerID   string `json:"workerId"`
	WorkloadID string `json:"workloadId"`
	// WorkloadVersion is the workload version whose transition issued it.
	WorkloadVersion int64           `json:"workloadVersion"`
	Type            CommandType     `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	PayloadDigest   string          `json:"payloadDigest"`
	IssuedAt        time.Time       `json:"issuedAt"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	LastDeliveredAt *time.Time      `json:"lastDeliveredAt,omitempty"`
	DeliveryCount   int             `json:"deliveryCount"`
	Outcome         CommandOutcome  `json:"outcome"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedTier    int             `json:"resolvedTier,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	InOutbox        bool            `json:"inOutbox"`
}

func (c *Command) Pending() bool {
	return c.Outcome == OutcomePending
}

// Fingerprint identifies the kind of command for a workload regardless of
// token.
func (c *Command) Fingerprint() string {
	return c.WorkloadID + "/" + string(c.Type)
}

func (c *Command) Envelope() CommandEnvelope {
	return CommandEnvelope{
		Token:      c.Token,
		WorkloadID: c.WorkloadID,
		Type:       c.Type,
		Payload:    c.Payload,
		IssuedAt:   c.IssuedAt,
	}
}

func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Payload = append(json.RawMessage(nil), c.Payload...)
	cp.Result = append(json.RawMessage(nil), c.Result...)
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		cp.DeliveredAt = &t
	}
	if c.LastDeliveredAt != nil {
		t := *c.LastDeliveredAt
		cp.LastDeliveredAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CommandEnvelope is the wire form handed to a worker.
type CommandEnvelope struct {
	Token      string          `json:"token"`
	WorkloadID string          `json:"workloadId"`
	Type       CommandType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	IssuedAt   time.Time       `json:"issuedAt"`
}

// CommandPayload is the body of every command.
type CommandPayload struct {
	Spec     WorkloadSpec `json:"spec"`
	Previous *Resources   `json:"previous,omitempty"`
}

func TokenFromSeq(seq int64) string {
	return fmt.Sprintf("tok-%d", seq)
}

func PayloadDigest(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
