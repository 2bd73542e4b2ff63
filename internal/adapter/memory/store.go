// Package memory holds in-process twins of the Postgres and Redis adapters.
// They keep the same semantics (CAS updates, conditional reserve) and back
// local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var (
	_ secondary.WorkerRepository   = (*Store)(nil)
	_ secondary.WorkloadRepository = (*Store)(nil)
	_ secondary.CommandRepository  = (*Store)(nil)
)

// Store keeps workers, workloads and the command registry behind one mutex.
type Store struct {
	mu        sync.Mutex
	workers   map[string]*domain.Worker
	workloads map[string]*domain.Workload
	commands  map[string]*domain.Command
	archive   map[string]*domain.Command
	seq       int64
}

func NewStore() *Store {
	return &Store{
		workers:   make(map[string]*domain.Worker),
		workloads: make(map[string]*domain.Workload),
		commands:  make(map[string]*domain.Command),
		archive:   make(map[string]*domain.Command),
	}
}

// --- workers

func (s *Store) SaveWorker(_ context.Context, w *domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := w.Clone()
	if existing, ok := s.workers[w.ID]; ok {
		c.Committed = existing.Committed
		c.RegisteredAt = existing.RegisteredAt
	}
	s.workers[w.ID] = c
	return nil
}

func (s *Store) GetWorker(_ context.Context, workerID string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[workerID].Clone(), nil
}

func (s *Store) GetAllWorkers(_ context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateWorkerHeartbeat(_ context.Context, workerID string, metrics domain.WorkerMetrics, observed *domain.Resources, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	w.Metrics = metrics
	if observed != nil {
		o := *observed
		w.Observed = &o
	}
	w.LastCheckIn = at
	w.UpdatedAt = at
	return nil
}

func (s *Store) SetWorkerStatus(_ context.Context, workerID string, status domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	w.Status = status
	return nil
}

func (s *Store) ReserveCapacity(_ context.Context, workerID string, delta, limit domain.Resources) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return false, fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	next := w.Committed.Add(delta)
	if next.Exceeds(limit) != "" {
		return false, nil
	}
	w.Committed = next
	return true, nil
}

func (s *Store) ReleaseCapacity(_ context.Context, workerID string, amount domain.Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	w.Committed = w.Committed.Sub(amount).FloorZero()
	return nil
}

func (s *Store) SetCommittedCapacity(_ context.Context, workerID string, committed domain.Resources) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	w.Committed = committed
	return nil
}

func (s *Store) GetStaleWorkers(_ context.Context, cutoff time.Time) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Worker
	for _, w := range s.workers {
		if w.Status == domain.WorkerOnline && w.LastCheckIn.Before(cutoff) {
			out = append(out, w.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- workloads

func (s *Store) CreateWorkload(_ context.Context, wl *domain.Workload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workloads[wl.ID]; ok {
		return fmt.Errorf("workload %s already exists", wl.ID)
	}
	s.workloads[wl.ID] = wl.Clone()
	return nil
}

func (s *Store) GetWorkload(_ context.Context, workloadID string) (*domain.Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workloads[workloadID].Clone(), nil
}

func (s *Store) ListWorkloads(_ context.Context, filter domain.WorkloadFilter) ([]*domain.Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Workload
	for _, wl := range s.workloads {
		if filter.Matches(wl) {
			out = append(out, wl.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateWorkload(_ context.Context, wl *domain.Workload, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.workloads[wl.ID]
	if !ok {
		return fmt.Errorf("workload %s: %w", wl.ID, errs.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("workload %s at version %d, expected %d: %w", wl.ID, current.Version, expectedVersion, errs.ErrStaleWrite)
	}
	next := wl.Clone()
	next.BilledVersion = current.BilledVersion
	s.workloads[wl.ID] = next
	return nil
}

func (s *Store) MarkBilled(_ context.Context, workloadID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl, ok := s.workloads[workloadID]
	if !ok {
		return fmt.Errorf("workload %s: %w", workloadID, errs.ErrNotFound)
	}
	if version > wl.BilledVersion {
		wl.BilledVersion = version
	}
	return nil
}

// --- command registry

func (s *Store) NextCommandSeq(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) InsertCommand(_ context.Context, cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.Token]; ok {
		return fmt.Errorf("command %s already exists", cmd.Token)
	}
	s.commands[cmd.Token] = cmd.Clone()
	return nil
}

func (s *Store) GetCommand(_ context.Context, token string) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.commands[token]; ok {
		return c.Clone(), nil
	}
	return s.archive[token].Clone(), nil
}

func (s *Store) ListOutbox(_ context.Context, workerID string) ([]*domain.Command, error) {
	return s.selectCommands(func(c *domain.Command) bool {
		return c.InOutbox && c.WorkerID == workerID
	}), nil
}

func (s *Store) MarkDelivered(_ context.Context, tokens []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		c, ok := s.commands[tok]
		if !ok {
			continue
		}
		t := at
		if c.DeliveredAt == nil {
			c.DeliveredAt = &t
		}
		c.LastDeliveredAt = &t
		c.DeliveryCount++
	}
	return nil
}

func (s *Store) ResolveCommand(_ context.Context, token string, outcome domain.CommandOutcome, tier int, result json.RawMessage, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[token]
	if !ok {
		return false, fmt.Errorf("command %s: %w", token, errs.ErrNotFound)
	}
	if !c.Pending() {
		return false, nil
	}
	t := at
	c.Outcome = outcome
	c.ResolvedAt = &t
	c.ResolvedTier = tier
	c.Result = append(json.RawMessage(nil), result...)
	c.InOutbox = false
	return true, nil
}

func (s *Store) ListCommandsByWorkload(_ context.Context, workloadID string) ([]*domain.Command, error) {
	return s.selectCommands(func(c *domain.Command) bool {
		return c.WorkloadID == workloadID
	}), nil
}

func (s *Store) ListPendingIssuedBefore(_ context.Context, cutoff time.Time) ([]*domain.Command, error) {
	return s.selectCommands(func(c *domain.Command) bool {
		return c.Pending() && c.IssuedAt.Before(cutoff)
	}), nil
}

func (s *Store) ArchiveResolved(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for tok, c := range s.commands {
		if c.ResolvedAt != nil && c.ResolvedAt.Before(cutoff) {
			s.archive[tok] = c
			delete(s.commands, tok)
			n++
		}
	}
	return n, nil
}

func (s *Store) selectCommands(keep func(*domain.Command) bool) []*domain.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Command
	for _, c := range s.commands {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
