package domain

import (
	"encoding/json"
	"time"
)

// Acknowledgment reports the outcome of a command. CommandToken is optional;
// older agents only send the workload id and command type.
type Acknowledgment struct {
	CommandToken string          `json:"commandToken,omitempty"`
	WorkloadID   string          `json:"workloadId"`
	CommandType  CommandType     `json:"commandType"`
	Success      bool            `json:"success"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// AckResult is the structured part of a successful acknowledgment.
type AckResult struct {
	IPAddress string `json:"ipAddress,omitempty"`
	Port      int    `json:"port,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ParseResult decodes Result; a missing or malformed body yields a zero value.
func (a Acknowledgment) ParseResult() AckResult {
	var r AckResult
	if len(a.Result) == 0 {
		return r
	}
	_ = json.Unmarshal(a.Result, &r)
	return r
}

type HeartbeatRequest struct {
	WorkerID string        `json:"workerId"`
	Metrics  WorkerMetrics `json:"metrics"`
	// ActiveWorkloads is nil when the worker does not report them.
	ActiveWorkloads    []string         `json:"activeWorkloads"`
	Acks               []Acknowledgment `json:"acks,omitempty"`
	ObservedCapacity   *Resources       `json:"observedCapacity,omitempty"`
	KnownConfigVersion int64            `json:"configVersion"`
}

type HeartbeatResponse struct {
	Acknowledged     bool              `json:"acknowledged"`
	PendingCommands  []CommandEnvelope `json:"pendingCommands"`
	ConfigVersion    int64             `json:"configVersion"`
	SchedulingConfig json.RawMessage   `json:"schedulingConfig,omitempty"`
}

// SchedulingConfig is an operator-published document distributed to workers.
// Version 0 is the placeholder returned before anything is published.
type SchedulingConfig struct {
	Version     int64           `json:"version"`
	Body        json.RawMessage `json:"body"`
	PublishedAt time.Time       `json:"publishedAt"`
}
