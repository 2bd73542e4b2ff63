package domain

import (
	"fmt"
	"math"
)

// Resources is a capacity vector. The same shape is used for what a worker
// advertises, what the ledger has committed and what a workload requests.
type Resources struct {
	Cores    int   `json:"cores" yaml:"cores"`
	MemoryMB int64 `json:"memoryMb" yaml:"memoryMb"`
	DiskGB   int64 `json:"diskGb" yaml:"diskGb"`
	GPUs     int   `json:"gpus" yaml:"gpus"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{
		Cores:    r.Cores + o.Cores,
		MemoryMB: r.MemoryMB + o.MemoryMB,
		DiskGB:   r.DiskGB + o.DiskGB,
		GPUs:     r.GPUs + o.GPUs,
	}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{
		Cores:    r.Cores - o.Cores,
		MemoryMB: r.MemoryMB - o.MemoryMB,
		DiskGB:   r.DiskGB - o.DiskGB,
		GPUs:     r.GPUs - o.GPUs,
	}
}

// FloorZero clamps every negative dimension to zero.
func (r Resources) FloorZero() Resources {
	if r.Cores < 0 {
		r.Cores = 0
	}
	if r.MemoryMB < 0 {
		r.MemoryMB = 0
	}
	if r.DiskGB < 0 {
		r.DiskGB = 0
	}
	if r.GPUs < 0 {
		r.GPUs = 0
	}
	return r
}

// Positive keeps only the growing dimensions of a delta.
func (r Resources) Positive() Resources {
	return r.FloorZero()
}

// Negative returns the shrinking dimensions of a delta as positive amounts.
func (r Resources) Negative() Resources {
	return Resources{}.Sub(r).FloorZero()
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Exceeds reports the first dimension in which r is larger than limit, or
// an empty string when r fits.
func (r Resources) Exceeds(limit Resources) string {
	switch {
	case r.Cores > limit.Cores:
		return DimensionCores
	case r.MemoryMB > limit.MemoryMB:
		return DimensionMemory
	case r.DiskGB > limit.DiskGB:
		return DimensionDisk
	case r.GPUs > limit.GPUs:
		return DimensionGPU
	}
	return ""
}

// Scale applies an overcommit ratio. Disk and GPU are never overcommitted.
func (r Resources) Scale(ratio OvercommitRatio) Resources {
	return Resources{
		Cores:    int(math.Floor(float64(r.Cores) * ratio.CPU)),
		MemoryMB: int64(math.Floor(float64(r.MemoryMB) * ratio.Memory)),
		DiskGB:   r.DiskGB,
		GPUs:     r.GPUs,
	}
}

func (r Resources) Validate() error {
	if r.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", r.Cores)
	}
	if r.MemoryMB <= 0 {
		return fmt.Errorf("memoryMb must be positive, got %d", r.MemoryMB)
	}
	if r.DiskGB < 0 || r.GPUs < 0 {
		return fmt.Errorf("disk and gpus must not be negative")
	}
	return nil
}

func (r Resources) String() string {
	return fmt.Sprintf("cores=%d mem=%dMB disk=%dGB gpus=%d", r.Cores, r.MemoryMB, r.DiskGB, r.GPUs)
}

const (
	DimensionCores  = "cores"
	DimensionMemory = "memory"
	DimensionDisk   = "disk"
	DimensionGPU    = "gpu"
)
