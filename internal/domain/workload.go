package domain

import "time"

type WorkloadState string

const (
	StatePending      WorkloadState = "pending"
	StateScheduling   WorkloadState = "scheduling"
	StateProvisioning WorkloadState = "provisioning"
	StateRunning      WorkloadState = "running"
	StateStopping     WorkloadState = "stopping"
	StateStopped      WorkloadState = "stopped"
	StateStarting     WorkloadState = "starting"
	StateDegraded     WorkloadState = "degraded"
	StateDeleting     WorkloadState = "deleting"
	StateDeleted      WorkloadState = "deleted"
	StateError        WorkloadState = "error"
)

// WorkloadSpec is what the owner asked for.
type WorkloadSpec struct {
	Resources    Resources `json:"resources"`
	Tier         Tier      `json:"tier"`
	Image        string    `json:"image,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	TargetWorker string    `json:"targetWorker,omitempty"`
}

// Workload is a virtual machine requested by an owner. State is written only
// through the lifecycle manager.
type Workload struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"ownerId"`
	Spec      WorkloadSpec  `json:"spec"`
	WorkerID  string        `json:"workerId,omitempty"`
	State     WorkloadState `json:"state"`
	PrevState WorkloadState `json:"prevState,omitempty"`
	Version   int64         `json:"version"`
	// Reservation is what this workload currently holds in the ledger of
	// WorkerID. It is the source the ledger is recomputed from.
	Reservation Resources `json:"reservation"`
	// PendingSpec is set while a Reconfigure command is outstanding.
	PendingSpec    *WorkloadSpec `json:"pendingSpec,omitempty"`
	NetworkAddress string        `json:"networkAddress,omitempty"`
	Port           int           `json:"port,omitempty"`
	StateReason    string        `json:"stateReason,omitempty"`
	BilledVersion  int64         `json:"-"`
	// TerminatedVersion is the version whose transition was billed as
	// terminated, zero until then.
	TerminatedVersion int64     `json:"-"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	c := *w
	c.Spec.Capabilities = append([]string(nil), w.Spec.Capabilities...)
	if w.PendingSpec != nil {
		p := *w.PendingSpec
		p.Capabilities = append([]string(nil), w.PendingSpec.Capabilities...)
		c.PendingSpec = &p
	}
	return &c
}

// WorkloadFilter narrows ListWorkloads. Zero values match everything.
type WorkloadFilter struct {
	OwnerID  string
	WorkerID string
	States   []WorkloadState
}

func (f WorkloadFilter) Matches(w *Workload) bool {
	if f.OwnerID != "" && w.OwnerID != f.OwnerID {
		return false
	}
	if f.WorkerID != "" && w.WorkerID != f.WorkerID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if w.State == s {
			return true
		}
	}
	return false
}

// WorkloadTable names the workloads columns for query building.
type WorkloadTable struct {
	ID        string
	OwnerID   string
	WorkerID  string
	State     string
	CreatedAt string
}

func GetWorkloadTable() WorkloadTable {
	return WorkloadTable{
		ID:        "id",
		OwnerID:   "owner_id",
		WorkerID:  "worker_id",
		State:     "state",
		CreatedAt: "created_at",
	}
}

func (WorkloadTable) TableName() string {
	return "workloads"
}
