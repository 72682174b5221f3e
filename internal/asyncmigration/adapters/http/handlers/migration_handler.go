// Package handlers provides HTTP handlers for async migration operations
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/app/service"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/linkflow-ai/chmigrate/internal/platform/response"
)

var errMigrationFailed = &response.APIError{
	StatusCode: http.StatusInternalServerError,
	Code:       "MIGRATION_FAILED",
	Message:    "Async migration failed",
}

// MigrationHandler handles async migration HTTP requests
type MigrationHandler struct {
	svc    *service.MigrationService
	logger logger.Logger
}

// NewMigrationHandler creates a new migration handler
func NewMigrationHandler(svc *service.MigrationService, log logger.Logger) *MigrationHandler {
	return &MigrationHandler{svc: svc, logger: log}
}

// RegisterRoutes mounts the handler under /api/v1/async-migrations
func (h *MigrationHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1/async-migrations").Subrouter()

	// Run routes first so "runs" is never taken for a migration name
	api.HandleFunc("/runs/{id}", h.HandleGetRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/rollback", h.HandleRollback).Methods(http.MethodPost)

	api.HandleFunc("", h.HandleList).Methods(http.MethodGet)
	api.HandleFunc("/{name}", h.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/{name}/plan", h.HandlePlan).Methods(http.MethodGet)
	api.HandleFunc("/{name}/run", h.HandleRun).Methods(http.MethodPost)
}

// MigrationResponse describes a registered migration
type MigrationResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	DependsOn   string `json:"dependsOn,omitempty"`
	Tables      int    `json:"tables"`
}

// PlanResponse is a dry-run rendering of a plan
type PlanResponse struct {
	Migration string         `json:"migration"`
	RunKey    string         `json:"runKey"`
	Steps     []service.Step `json:"steps"`
}

// RunResponse is a run record with its checkpoints
type RunResponse struct {
	Run         *model.Run         `json:"run"`
	Checkpoints []model.Checkpoint `json:"checkpoints"`
}

// HandleList lists registered migrations
func (h *MigrationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs := h.svc.Definitions()

	resp := make([]MigrationResponse, 0, len(defs))
	for _, def := range defs {
		resp = append(resp, MigrationResponse{
			Name:        def.Name,
			Description: def.Description,
			DependsOn:   def.DependsOn,
			Tables:      len(def.Tables),
		})
	}

	response.OK(w, map[string]interface{}{"migrations": resp})
}

// HandleStatus returns whether a migration is required and its latest run
func (h *MigrationHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Status(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	response.OK(w, status)
}

// HandlePlan renders the operations a run would execute, without executing them
func (h *MigrationHandler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.svc.Plan(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	response.OK(w, PlanResponse{
		Migration: plan.Migration(),
		RunKey:    plan.RunKey(),
		Steps:     plan.Steps(),
	})
}

// HandleRun executes a migration and answers once it has finished. A client that
// hangs up does not cancel the run.
func (h *MigrationHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Run(context.WithoutCancel(r.Context()), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err, run)
		return
	}

	response.OK(w, run)
}

// HandleGetRun returns a run and its checkpoints
func (h *MigrationHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, checkpoints, err := h.svc.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}

	if checkpoints == nil {
		checkpoints = []model.Checkpoint{}
	}
	response.OK(w, RunResponse{Run: run, Checkpoints: checkpoints})
}

// HandleRollback unwinds a recorded run
func (h *MigrationHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.RollbackRun(context.WithoutCancel(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, run)
		return
	}

	response.OK(w, run)
}

// writeError maps service errors to API errors. A run record, when there is one,
// travels with the error so callers see the verdict.
func (h *MigrationHandler) writeError(w http.ResponseWriter, err error, run *model.Run) {
	var data interface{}
	if run != nil {
		data = run
	}

	switch {
	case errors.Is(err, model.ErrMigrationNotFound), errors.Is(err, model.ErrRunNotFound):
		response.Error(w, response.ErrNotFound.WithMessage(err.Error()))
	case errors.Is(err, model.ErrRunInProgress):
		response.Error(w, response.ErrConflict.WithMessage(err.Error()))
	case errors.Is(err, model.ErrPlanDrift):
		response.ErrorWithData(w, response.ErrConflict.WithMessage(err.Error()), data)
	case model.IsPreconditionError(err):
		response.ErrorWithData(w, response.ErrPreconditionFailed.WithMessage(err.Error()), data)
	case run != nil:
		h.logger.Error("Async migration request failed", "run_id", run.ID, "status", run.Status, "error", err)
		response.ErrorWithData(w, errMigrationFailed.WithMessage(err.Error()), data)
	default:
		h.logger.Error("Async migration request failed", "error", err)
		response.Error(w, response.ErrInternal.WithMessage(err.Error()))
	}
}
