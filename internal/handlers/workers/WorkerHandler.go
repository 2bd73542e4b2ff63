package workers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/core/services/heartbeat"
	"gitlab.com/vmfleet.net/internal/core/services/worker"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/handlers"
)

type ApiHandler struct {
	WorkerService    worker.IWorkerRegistrationService
	HeartbeatService heartbeat.IHeartbeatService
	SchedulingConfig secondary.SchedulingConfigRepository
	Tokens           primary.TokenService
	TokenTTL         time.Duration
	Logger           primary.Logger
}

func NewHandler(
	workerService worker.IWorkerRegistrationService,
	heartbeatService heartbeat.IHeartbeatService,
	schedulingConfig secondary.SchedulingConfigRepository,
	tokens primary.TokenService,
	tokenTTL time.Duration,
	logger primary.Logger,
) *ApiHandler {
	return &ApiHandler{
		WorkerService:    workerService,
		HeartbeatService: heartbeatService,
		SchedulingConfig: schedulingConfig,
		Tokens:           tokens,
		TokenTTL:         tokenTTL,
		Logger:           logger,
	}
}

// Register mounts the registry endpoints behind operator and the heartbeat
// endpoint behind workerAuth.
func (api *ApiHandler) Register(r *mux.Router, operator, workerAuth func(http.Handler) http.Handler) {
	r.Handle("/api/workers", operator(http.HandlerFunc(api.RegisterWorker))).Methods("POST")
	r.Handle("/api/workers", operator(http.HandlerFunc(api.GetWorkers))).Methods("GET")
	r.Handle("/api/workers/{workerId}", operator(http.HandlerFunc(api.GetWorker))).Methods("GET")
	r.Handle("/api/workers/{workerId}/retire", operator(http.HandlerFunc(api.RetireWorker))).Methods("POST")
	r.Handle("/api/workers/{workerId}/token", operator(http.HandlerFunc(api.IssueToken))).Methods("POST")
	r.Handle("/api/scheduling-config", operator(http.HandlerFunc(api.GetSchedulingConfig))).Methods("GET")
	r.Handle("/api/scheduling-config", operator(http.HandlerFunc(api.PublishSchedulingConfig))).Methods("PUT")

	r.Handle("/api/workers/{workerId}/heartbeat", workerAuth(http.HandlerFunc(api.Heartbeat))).Methods("POST")
}

// RegisterWorkerRequest represents a request to register a worker
type RegisterWorkerRequest struct {
	ID                string                                 `json:"id"`
	Address           string                                 `json:"address"`
	Advertised        domain.Resources                       `json:"advertised"`
	Capabilities      []string                               `json:"capabilities"`
	Connectivity      domain.Connectivity                    `json:"connectivity"`
	Overcommit        map[domain.Tier]domain.OvercommitRatio `json:"overcommit,omitempty"`
	PricePerHourCents int64                                  `json:"pricePerHourCents"`
}

// RegisterWorker handles worker registration requests
func (api *ApiHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.ResponseError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	registered, err := api.WorkerService.RegisterWorker(r.Context(), &domain.Worker{
		ID:                req.ID,
		Address:           req.Address,
		Advertised:        req.Advertised,
		Capabilities:      req.Capabilities,
		Connectivity:      req.Connectivity,
		Overcommit:        req.Overcommit,
		PricePerHourCents: req.PricePerHourCents,
	})
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", req.ID)
		return
	}

	handlers.ResponseWithJson(w, http.StatusCreated, registered)
}

func (api *ApiHandler) GetWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := api.WorkerService.GetAllWorkers(r.Context())
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err)
		return
	}

	handlers.ResponseWithJson(w, http.StatusOK, map[string][]*domain.Worker{"workers": workers})
}

func (api *ApiHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["workerId"]
	wk, err := api.WorkerService.GetWorker(r.Context(), workerID)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", workerID)
		return
	}

	handlers.ResponseWithJson(w, http.StatusOK, wk)
}

func (api *ApiHandler) RetireWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["workerId"]
	if err := api.WorkerService.RetireWorker(r.Context(), workerID); err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", workerID)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// IssueToken mints the heartbeat token a worker agent is configured with.
func (api *ApiHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["workerId"]
	if _, err := api.WorkerService.GetWorker(r.Context(), workerID); err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", workerID)
		return
	}
	token, err := api.Tokens.IssueWorkerToken(r.Context(), workerID, api.TokenTTL)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", workerID)
		return
	}

	handlers.ResponseWithJson(w, http.StatusCreated, map[string]interface{}{
		"workerId":  workerID,
		"token":     token,
		"expiresAt": time.Now().UTC().Add(api.TokenTTL),
	})
}

// Heartbeat is the REST form of the worker check-in. The worker id comes
// from the authenticated path.
func (api *ApiHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := handlers.WorkerID(r.Context())

	var req domain.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		handlers.ResponseError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if req.WorkerID != "" && req.WorkerID != workerID {
		handlers.ResponseError(w, "Worker ID mismatch", http.StatusBadRequest)
		return
	}
	req.WorkerID = workerID

	resp, err := api.HeartbeatService.Handle(r.Context(), req)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workerId", workerID)
		return
	}

	handlers.ResponseWithJson(w, http.StatusOK, resp)
}

func (api *ApiHandler) GetSchedulingConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := api.SchedulingConfig.GetCurrent(r.Context())
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err)
		return
	}

	handlers.ResponseWithJson(w, http.StatusOK, cfg)
}

// PublishSchedulingConfig stores the request body as the next version.
func (api *ApiHandler) PublishSchedulingConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		handlers.ResponseError(w, "Body must be a JSON document", http.StatusBadRequest)
		return
	}
	cfg, err := api.SchedulingConfig.Publish(r.Context(), json.RawMessage(body))
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err)
		return
	}

	api.Logger.Info("Scheduling config published", "version", cfg.Version, "by", handlers.Subject(r.Context()))
	handlers.ResponseWithJson(w, http.StatusOK, cfg)
}
