package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
)

var _ secondary.IngressRouter = (*Router)(nil)

var ErrPortsExhausted = fmt.Errorf("ingress port pool exhausted")

// Router publishes the route table the ingress proxy reads. Routes live in
// one hash keyed by workload id; a second hash maps each taken public port
// to its workload, so a port is claimed with HSETNX.
type Router struct {
	redisClient *redis.Client
	logger      primary.Logger
	routesKey   string
	portsKey    string
	first       int
	last        int
}

func NewRouter(redisClient *redis.Client, prefix string, first, last int, logger primary.Logger) *Router {
	return &Router{
		redisClient: redisClient,
		logger:      logger,
		routesKey:   prefix + ":ingress:routes",
		portsKey:    prefix + ":ingress:ports",
		first:       first,
		last:        last,
	}
}

// EnsureRoute keeps the public port of an existing route and updates its
// target.
func (r *Router) EnsureRoute(ctx context.Context, route domain.Route) (domain.Route, error) {
	existing, err := r.GetRoute(ctx, route.WorkloadID)
	if err != nil {
		return domain.Route{}, err
	}
	if existing != nil {
		route.PublicPort = existing.PublicPort
		return route, r.put(ctx, route)
	}

	port, err := r.claimPort(ctx, route.WorkloadID)
	if err != nil {
		r.logger.Error("Failed to allocate ingress port", "workloadId", route.WorkloadID, "error", err)
		return domain.Route{}, err
	}
	route.PublicPort = port
	if err := r.put(ctx, route); err != nil {
		r.redisClient.HDel(ctx, r.portsKey, strconv.Itoa(port))
		return domain.Route{}, err
	}
	r.logger.Info("Ingress route created", "workloadId", route.WorkloadID, "publicPort", port, "target", route.Address)
	return route, nil
}

func (r *Router) claimPort(ctx context.Context, workloadID string) (int, error) {
	for p := r.first; p <= r.last; p++ {
		ok, err := r.redisClient.HSetNX(ctx, r.portsKey, strconv.Itoa(p), workloadID).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to claim port: %w", err)
		}
		if ok {
			return p, nil
		}
		// A crash between claim and put leaves the port held by this workload.
		owner, err := r.redisClient.HGet(ctx, r.portsKey, strconv.Itoa(p)).Result()
		if err == nil && owner == workloadID {
			return p, nil
		}
	}
	return 0, ErrPortsExhausted
}

func (r *Router) put(ctx context.Context, route domain.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}
	if err := r.redisClient.HSet(ctx, r.routesKey, route.WorkloadID, data).Err(); err != nil {
		r.logger.Error("Failed to save route", "workloadId", route.WorkloadID, "error", err)
		return fmt.Errorf("failed to save route: %w", err)
	}
	return nil
}

func (r *Router) GetRoute(ctx context.Context, workloadID string) (*domain.Route, error) {
	data, err := r.redisClient.HGet(ctx, r.routesKey, workloadID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.logger.Error("Failed to get route", "workloadId", workloadID, "error", err)
		return nil, fmt.Errorf("failed to get route: %w", err)
	}
	var route domain.Route
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("failed to unmarshal route: %w", err)
	}
	return &route, nil
}

func (r *Router) RemoveRoute(ctx context.Context, workloadID string) error {
	route, err := r.GetRoute(ctx, workloadID)
	if err != nil || route == nil {
		return err
	}
	_, err = r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.routesKey, workloadID)
		pipe.HDel(ctx, r.portsKey, strconv.Itoa(route.PublicPort))
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to remove route", "workloadId", workloadID, "error", err)
		return fmt.Errorf("failed to remove route: %w", err)
	}
	r.logger.Info("Ingress route removed", "workloadId", workloadID, "publicPort", route.PublicPort)
	return nil
}
