package http

// this is entry point of the http request handlers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/heartbeat"
	"gitlab.com/vmfleet.net/internal/core/services/worker"
	"gitlab.com/vmfleet.net/internal/core/services/workload"
	"gitlab.com/vmfleet.net/internal/handlers"
	"gitlab.com/vmfleet.net/internal/handlers/workers"
	"gitlab.com/vmfleet.net/internal/handlers/workloads"
	"gitlab.com/vmfleet.net/internal/metrics"
)

type ServiceProvider struct {
	workerService    worker.IWorkerRegistrationService
	workloadService  workload.IWorkloadService
	heartbeatService heartbeat.IHeartbeatService
	schedulingConfig secondary.SchedulingConfigRepository
	tokens           primary.TokenService
}

func NewServiceProvider(
	workerService worker.IWorkerRegistrationService,
	workloadService workload.IWorkloadService,
	heartbeatService heartbeat.IHeartbeatService,
	schedulingConfig secondary.SchedulingConfigRepository,
	tokens primary.TokenService,
) *ServiceProvider {
	return &ServiceProvider{
		workerService:    workerService,
		workloadService:  workloadService,
		heartbeatService: heartbeatService,
		schedulingConfig: schedulingConfig,
		tokens:           tokens,
	}
}

type Server struct {
	router           *mux.Router
	srv              *http.Server
	Port             int
	ServiceName      string
	ServiceProvider  ServiceProvider
	OperatorSubjects []string
	WorkerTokenTTL   time.Duration
	Gatherer         prometheus.Gatherer
	logger           primary.Logger
}

func NewServer(port int, serviceName string, serviceProvider ServiceProvider, logger primary.Logger) *Server {
	return &Server{
		Port:            port,
		ServiceName:     serviceName,
		ServiceProvider: serviceProvider,
		WorkerTokenTTL:  24 * time.Hour,
		Gatherer:        prometheus.DefaultGatherer,
		logger:          logger,
	}
}

func (s *Server) Init() error {
	if s.ServiceProvider.tokens == nil {
		return errors.New("token service is required")
	}
	r := mux.NewRouter()
	mw := handlers.New(s.ServiceProvider.tokens, s.OperatorSubjects)
	user := mw.JWTMiddleware
	operator := func(next http.Handler) http.Handler {
		return mw.JWTMiddleware(mw.OperatorOnly(next))
	}

	workloads.NewHandler(s.ServiceProvider.workloadService, s.logger).Register(r, user)
	workers.NewHandler(
		s.ServiceProvider.workerService,
		s.ServiceProvider.heartbeatService,
		s.ServiceProvider.schedulingConfig,
		s.ServiceProvider.tokens,
		s.WorkerTokenTTL,
		s.logger,
	).Register(r, operator, mw.WorkerMiddleware)

	r.Handle("/metrics", metrics.Handler(s.Gatherer)).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		handlers.ResponseWithJson(w, http.StatusOK, map[string]string{"status": "ok", "service": s.ServiceName})
	}).Methods("GET")

	s.router = r
	return nil
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	go func() {
		s.logger.Info("Server listening", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down http server...")
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
