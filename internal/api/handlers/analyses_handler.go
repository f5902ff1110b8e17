package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/killhouse/engine/internal/api/middleware"
	"github.com/killhouse/engine/internal/api/types"
	"github.com/killhouse/engine/internal/api/validators"
	"github.com/killhouse/engine/internal/services"
)

type AnalysesHandler struct {
	svc services.AnalysisService
}

func NewAnalysesHandler(svc services.AnalysisService) *AnalysesHandler {
	return &AnalysesHandler{svc: svc}
}

func (h *AnalysesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.AnalysisCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	pid, _ := uuid.Parse(req.ProjectID)
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))

	a, err := h.svc.StartAnalysis(r.Context(), pid, uid)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: a})
}

func (h *AnalysesHandler) List(w http.ResponseWriter, r *http.Request) {
	pid, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))

	items, err := h.svc.ListAnalyses(r.Context(), pid, uid)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *AnalysesHandler) Get(w http.ResponseWriter, r *http.Request) {
	aid, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))

	a, err := h.svc.GetAnalysis(r.Context(), aid, uid)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: a})
}

func (h *AnalysesHandler) Logs(w http.ResponseWriter, r *http.Request) {
	aid, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))

	grouped, current, err := h.svc.GetAnalysisLogs(r.Context(), aid, uid)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]any{
		"steps":        grouped,
		"current_step": current,
	}})
}

func (h *AnalysesHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	aid, err := uuid.Parse(chi.URLParam(r, "analysisID"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid analysis id")
		return
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))

	if err := h.svc.CancelAnalysis(r.Context(), aid, uid); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}
