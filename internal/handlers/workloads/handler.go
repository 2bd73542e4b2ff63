package workloads

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/services/workload"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/handlers"
)

type ApiHandler struct {
	WorkloadService workload.IWorkloadService
	Logger          primary.Logger
}

func NewHandler(workloadService workload.IWorkloadService, logger primary.Logger) *ApiHandler {
	return &ApiHandler{
		WorkloadService: workloadService,
		Logger:          logger,
	}
}

// Register mounts the workload API on r behind auth.
func (api *ApiHandler) Register(r *mux.Router, auth func(http.Handler) http.Handler) {
	handle := func(path string, h http.HandlerFunc, method string) {
		r.Handle(path, auth(h)).Methods(method)
	}
	handle("/api/workloads", api.Create, "POST")
	handle("/api/workloads", api.List, "GET")
	handle("/api/workloads/{id}", api.Get, "GET")
	handle("/api/workloads/{id}", api.Delete, "DELETE")
	handle("/api/workloads/{id}/start", api.Start, "POST")
	handle("/api/workloads/{id}/stop", api.Stop, "POST")
	handle("/api/workloads/{id}/reconfigure", api.Reconfigure, "POST")
	handle("/api/workloads/{id}/commands", api.Commands, "GET")
}

func (api *ApiHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkloadRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.ResponseError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	owner := handlers.Subject(r.Context())
	if handlers.IsOperator(r.Context()) && req.OwnerID != "" {
		owner = req.OwnerID
	}

	view, err := api.WorkloadService.Create(r.Context(), owner, req.Spec)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "ownerId", owner)
		return
	}
	handlers.ResponseWithJson(w, http.StatusCreated, view)
}

// List accepts a comma separated state filter, e.g. ?state=running,degraded.
func (api *ApiHandler) List(w http.ResponseWriter, r *http.Request) {
	var states []domain.WorkloadState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			states = append(states, domain.WorkloadState(strings.TrimSpace(s)))
		}
	}
	views, err := api.WorkloadService.List(r.Context(), handlers.OwnerScope(r), states)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err)
		return
	}
	handlers.ResponseWithJson(w, http.StatusOK, map[string]interface{}{"workloads": views})
}

func (api *ApiHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := api.WorkloadService.Get(r.Context(), handlers.OwnerScope(r), id)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workloadId", id)
		return
	}
	handlers.ResponseWithJson(w, http.StatusOK, view)
}

func (api *ApiHandler) Delete(w http.ResponseWriter, r *http.Request) {
	api.act(w, r, api.WorkloadService.Delete)
}

func (api *ApiHandler) Start(w http.ResponseWriter, r *http.Request) {
	api.act(w, r, api.WorkloadService.Start)
}

func (api *ApiHandler) Stop(w http.ResponseWriter, r *http.Request) {
	api.act(w, r, api.WorkloadService.Stop)
}

func (api *ApiHandler) Reconfigure(w http.ResponseWriter, r *http.Request) {
	var req ReconfigureRequest
	if err := handlers.DecodeJSON(r, &req); err != nil {
		handlers.ResponseError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	api.act(w, r, func(ctx context.Context, ownerID, workloadID string) (*workload.View, error) {
		return api.WorkloadService.Reconfigure(ctx, ownerID, workloadID, req.Resources)
	})
}

func (api *ApiHandler) Commands(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	commands, err := api.WorkloadService.Commands(r.Context(), handlers.OwnerScope(r), id)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workloadId", id)
		return
	}
	handlers.ResponseWithJson(w, http.StatusOK, map[string]interface{}{"commands": commands})
}

// act runs an asynchronous lifecycle operation. The reply is 202: the
// workload is in its transitional state until the worker acknowledges.
func (api *ApiHandler) act(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*workload.View, error)) {
	id := mux.Vars(r)["id"]
	view, err := op(r.Context(), handlers.OwnerScope(r), id)
	if err != nil {
		handlers.ResponseServiceError(w, api.Logger, err, "workloadId", id)
		return
	}
	handlers.ResponseWithJson(w, http.StatusAccepted, view)
}
