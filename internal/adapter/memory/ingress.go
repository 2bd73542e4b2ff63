package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
)

var (
	_ secondary.IngressRouter              = (*IngressRouter)(nil)
	_ secondary.BillingSink                = (*BillingRecorder)(nil)
	_ secondary.SchedulingConfigRepository = (*SchedulingConfigStore)(nil)
	_ secondary.PresenceRepository         = (*Presence)(nil)
)

// IngressRouter allocates public ports from [first, last].
type IngressRouter struct {
	mu     sync.Mutex
	routes map[string]domain.Route
	used   map[int]string
	first  int
	last   int
}

func NewIngressRouter(first, last int) *IngressRouter {
	return &IngressRouter{
		routes: make(map[string]domain.Route),
		used:   make(map[int]string),
		first:  first,
		last:   last,
	}
}

func (r *IngressRouter) EnsureRoute(_ context.Context, route domain.Route) (domain.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.routes[route.WorkloadID]; ok {
		route.PublicPort = existing.PublicPort
		r.routes[route.WorkloadID] = route
		return route, nil
	}
	for p := r.first; p <= r.last; p++ {
		if _, taken := r.used[p]; !taken {
			route.PublicPort = p
			r.used[p] = route.WorkloadID
			r.routes[route.WorkloadID] = route
			return route, nil
		}
	}
	return domain.Route{}, fmt.Errorf("ingress port pool exhausted")
}

func (r *IngressRouter) GetRoute(_ context.Context, workloadID string) (*domain.Route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[workloadID]; ok {
		return &route, nil
	}
	return nil, nil
}

func (r *IngressRouter) RemoveRoute(_ context.Context, workloadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[workloadID]; ok {
		delete(r.used, route.PublicPort)
		delete(r.routes, workloadID)
	}
	return nil
}

// BillingRecorder keeps emitted events, dropping replays by event id.
type BillingRecorder struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []domain.BillingEvent
}

func NewBillingRecorder() *BillingRecorder {
	return &BillingRecorder{seen: make(map[string]struct{})}
}

func (b *BillingRecorder) Emit(_ context.Context, event domain.BillingEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[event.ID]; dup {
		return nil
	}
	b.seen[event.ID] = struct{}{}
	b.events = append(b.events, event)
	return nil
}

func (b *BillingRecorder) Events() []domain.BillingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.BillingEvent(nil), b.events...)
}

type SchedulingConfigStore struct {
	mu      sync.Mutex
	current domain.SchedulingConfig
}

func NewSchedulingConfigStore() *SchedulingConfigStore {
	return &SchedulingConfigStore{}
}

func (s *SchedulingConfigStore) GetCurrent(_ context.Context) (*domain.SchedulingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.current
	return &c, nil
}

func (s *SchedulingConfigStore) Publish(_ context.Context, body json.RawMessage) (*domain.SchedulingConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = domain.SchedulingConfig{
		Version:     s.current.Version + 1,
		Body:        append(json.RawMessage(nil), body...),
		PublishedAt: time.Now().UTC(),
	}
	c := s.current
	return &c, nil
}

// Presence treats a worker as present for ttl after its last touch.
type Presence struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewPresence(ttl time.Duration) *Presence {
	return &Presence{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (p *Presence) Touch(_ context.Context, workerID string, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen[workerID] = at
	return nil
}

func (p *Presence) IsPresent(_ context.Context, workerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.seen[workerID]
	return ok && p.now().Sub(at) < p.ttl, nil
}
