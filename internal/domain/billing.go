package domain

import (
	"fmt"
	"time"
)

type BillingKind string

const (
	BillingStarted    BillingKind = "started"
	BillingStopped    BillingKind = "stopped"
	BillingTerminated BillingKind = "terminated"
)

// BillingEvent is emitted on billable transitions. ID is derived from the
// workload id and version so sinks can drop replays.
type BillingEvent struct {
	ID                string      `json:"id"`
	WorkloadID        string      `json:"workloadId"`
	OwnerID           string      `json:"ownerId"`
	WorkerID          string      `json:"workerId"`
	Kind              BillingKind `json:"kind"`
	Version           int64       `json:"version"`
	Resources         Resources   `json:"resources"`
	PricePerHourCents int64       `json:"pricePerHourCents"`
	At                time.Time   `json:"at"`
}

func BillingEventID(workloadID string, version int64) string {
	return fmt.Sprintf("%s:%d", workloadID, version)
}

// BillingKindFor returns the billing event an edge produces, if any.
func BillingKindFor(from, to WorkloadState) (BillingKind, bool) {
	switch {
	case to == StateRunning && (from == StateProvisioning || from == StateStarting):
		return BillingStarted, true
	case to == StateStopped:
		return BillingStopped, true
	case to == StateDeleted, to == StateError && from.HoldsCapacity():
		return BillingTerminated, true
	}
	return "", false
}

// BillingKind is the event the workload's last transition produces. A
// workload is billed terminated at most once, so deleting one that already
// errored out of a placement produces nothing.
func (w *Workload) BillingKind() (BillingKind, bool) {
	kind, ok := BillingKindFor(w.PrevState, w.State)
	if ok && kind == BillingTerminated && w.TerminatedVersion != 0 && w.TerminatedVersion != w.Version {
		return "", false
	}
	return kind, ok
}

// Route is an ingress mapping from a public port to a workload endpoint.
type Route struct {
	WorkloadID string `json:"workloadId"`
	WorkerID   string `json:"workerId"`
	Address    string `json:"address"`
	Port       int    `json:"port"`
	PublicPort int    `json:"publicPort"`
}
