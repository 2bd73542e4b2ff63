package workloads

import "gitlab.com/vmfleet.net/internal/domain"

// CreateWorkloadRequest asks for a new workload. OwnerID is honoured only
// for operators; everyone else creates for themselves.
type CreateWorkloadRequest struct {
	OwnerID string              `json:"ownerId,omitempty"`
	Spec    domain.WorkloadSpec `json:"spec"`
}

type ReconfigureRequest struct {
	Resources domain.Resources `json:"resources"`
}
