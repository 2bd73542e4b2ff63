package domain

import "time"

type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
	WorkerRetired WorkerStatus = "retired"
)

// Connectivity describes how the coordinator's ingress reaches workloads on
// the worker.
type Connectivity string

const (
	ConnectivityDirect Connectivity = "direct"
	ConnectivityRelay  Connectivity = "relay"
)

// WorkerMetrics is the utilisation snapshot a worker reports on each heartbeat.
type WorkerMetrics struct {
	CPUUtilization     float64 `json:"cpuUtilization"`
	MemoryUtilization  float64 `json:"memoryUtilization"`
	StorageUtilization float64 `json:"storageUtilization"`
	LoadAverage        float64 `json:"loadAverage"`
}

// Worker is a host machine that runs workloads and pulls commands by heartbeat.
type Worker struct {
	ID           string       `json:"id"`
	Address      string       `json:"address"`
	Advertised   Resources    `json:"advertised"`
	Committed    Resources    `json:"committed"`
	Observed     *Resources   `json:"observed,omitempty"`
	Capabilities []string     `json:"capabilities"`
	Connectivity Connectivity `json:"connectivity"`
	Status       WorkerStatus `json:"status"`
	// Overcommit overrides the tier policy for this worker when set.
	Overcommit        map[Tier]OvercommitRatio `json:"overcommit,omitempty"`
	PricePerHourCents int64                    `json:"pricePerHourCents"`
	Metrics           WorkerMetrics            `json:"metrics"`
	LastCheckIn       time.Time                `json:"lastCheckIn"`
	RegisteredAt      time.Time                `json:"registeredAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
	IsActive          bool                     `json:"isActive"`
}

func (w *Worker) Schedulable() bool {
	return w.Status == WorkerOnline
}

// Ratio returns the worker override for the tier, falling back to the policy.
func (w *Worker) Ratio(t Tier, policy TierPolicy) (OvercommitRatio, bool) {
	if r, ok := w.Overcommit[t]; ok {
		return r, true
	}
	return policy.Ratio(t)
}

func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	c.Capabilities = append([]string(nil), w.Capabilities...)
	if w.Observed != nil {
		o := *w.Observed
		c.Observed = &o
	}
	if w.Overcommit != nil {
		c.Overcommit = make(map[Tier]OvercommitRatio, len(w.Overcommit))
		for k, v := range w.Overcommit {
			c.Overcommit[k] = v
		}
	}
	return &c
}
