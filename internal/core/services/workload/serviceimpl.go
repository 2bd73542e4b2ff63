package workload

import (
	"context"
	"fmt"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/lifecycle"
	"gitlab.com/vmfleet.net/internal/core/services/outbox"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ IWorkloadService = &WorkloadService{}

type WorkloadService struct {
	manager   *lifecycle.Manager
	workloads secondary.WorkloadRepository
	outbox    *outbox.Outbox
	ingress   secondary.IngressRouter
	logger    primary.Logger
}

func NewWorkloadService(
	manager *lifecycle.Manager,
	workloads secondary.WorkloadRepository,
	ob *outbox.Outbox,
	ingress secondary.IngressRouter,
	logger primary.Logger,
) *WorkloadService {
	return &WorkloadService{
		manager:   manager,
		workloads: workloads,
		outbox:    ob,
		ingress:   ingress,
		logger:    logger,
	}
}

func (s *WorkloadService) Create(ctx context.Context, ownerID string, spec domain.WorkloadSpec) (*View, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner is required: %w", errs.ErrInvalidArgument)
	}
	if spec.Tier == "" {
		spec.Tier = domain.TierStandard
	}
	wl, err := s.manager.Create(ctx, ownerID, spec)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, wl), nil
}

func (s *WorkloadService) Get(ctx context.Context, ownerID, workloadID string) (*View, error) {
	wl, err := s.owned(ctx, ownerID, workloadID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, wl), nil
}

func (s *WorkloadService) List(ctx context.Context, ownerID string, states []domain.WorkloadState) ([]*View, error) {
	workloads, err := s.workloads.ListWorkloads(ctx, domain.WorkloadFilter{OwnerID: ownerID, States: states})
	if err != nil {
		s.logger.Error("Failed to list workloads", "ownerId", ownerID, "error", err)
		return nil, fmt.Errorf("failed to list workloads: %w", err)
	}
	views := make([]*View, 0, len(workloads))
	for _, wl := range workloads {
		views = append(views, s.view(ctx, wl))
	}
	return views, nil
}

func (s *WorkloadService) Delete(ctx context.Context, ownerID, workloadID string) (*View, error) {
	return s.act(ctx, ownerID, workloadID, s.manager.Delete)
}

func (s *WorkloadService) Start(ctx context.Context, ownerID, workloadID string) (*View, error) {
	return s.act(ctx, ownerID, workloadID, s.manager.Start)
}

func (s *WorkloadService) Stop(ctx context.Context, ownerID, workloadID string) (*View, error) {
	return s.act(ctx, ownerID, workloadID, s.manager.Stop)
}

func (s *WorkloadService) Reconfigure(ctx context.Context, ownerID, workloadID string, res domain.Resources) (*View, error) {
	return s.act(ctx, ownerID, workloadID, func(ctx context.Context, id string) (*domain.Workload, error) {
		return s.manager.Reconfigure(ctx, id, res)
	})
}

func (s *WorkloadService) Commands(ctx context.Context, ownerID, workloadID string) ([]*domain.Command, error) {
	if _, err := s.owned(ctx, ownerID, workloadID); err != nil {
		return nil, err
	}
	return s.outbox.History(ctx, workloadID)
}

func (s *WorkloadService) act(ctx context.Context, ownerID, workloadID string, op func(context.Context, string) (*domain.Workload, error)) (*View, error) {
	if _, err := s.owned(ctx, ownerID, workloadID); err != nil {
		return nil, err
	}
	wl, err := op(ctx, workloadID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, wl), nil
}

func (s *WorkloadService) owned(ctx context.Context, ownerID, workloadID string) (*domain.Workload, error) {
	wl, err := s.workloads.GetWorkload(ctx, workloadID)
	if err != nil {
		s.logger.Error("Failed to get workload", "workloadId", workloadID, "error", err)
		return nil, fmt.Errorf("failed to get workload: %w", err)
	}
	if wl == nil || (ownerID != "" && wl.OwnerID != ownerID) {
		return nil, fmt.Errorf("workload %s: %w", workloadID, errs.ErrNotFound)
	}
	return wl, nil
}

func (s *WorkloadService) view(ctx context.Context, wl *domain.Workload) *View {
	v := &View{Workload: wl}
	if !wl.State.RouteDesired() {
		return v
	}
	route, err := s.ingress.GetRoute(ctx, wl.ID)
	if err != nil {
		s.logger.Warn("Failed to read route", "workloadId", wl.ID, "error", err)
		return v
	}
	v.Route = route
	return v
}
