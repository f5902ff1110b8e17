package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/killhouse/engine/internal/api/middleware"
	"github.com/killhouse/engine/internal/api/types"
	"github.com/killhouse/engine/internal/api/validators"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/repository"
)

type ProjectsHandler struct {
	repo repository.ProjectRepository
}

func NewProjectsHandler(repo repository.ProjectRepository) *ProjectsHandler {
	return &ProjectsHandler{repo: repo}
}

func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := uuid.Parse(middleware.GetUserID(r.Context()))
	items, err := h.repo.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	resp := types.APIResponse{Success: true, Data: items[start:end], Meta: &types.Meta{Page: page, PageSize: size, Total: int64(len(items))}}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.ProjectCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))
	p := models.Project{
		UserID:            uid,
		Name:              req.Name,
		Description:       req.Description,
		RepoURL:           req.RepoURL,
		Branch:            req.Branch,
		DockerfileContent: req.DockerfileContent,
		ComposeContent:    req.ComposeContent,
	}
	if p.Branch == "" {
		p.Branch = "main"
	}
	if err := h.repo.Create(r.Context(), &p); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: p})
}

func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: p})
}

func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	var req types.ProjectUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validators.New().Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.RepoURL != nil {
		p.RepoURL = *req.RepoURL
	}
	if req.Branch != nil {
		p.Branch = *req.Branch
	}
	if req.DockerfileContent != nil {
		p.DockerfileContent = *req.DockerfileContent
	}
	if req.ComposeContent != nil {
		p.ComposeContent = *req.ComposeContent
	}
	if req.Archived != nil {
		p.Archived = *req.Archived
	}
	if err := h.repo.Update(r.Context(), p); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: p})
}

func (h *ProjectsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	p, ok := h.ownedProject(w, r)
	if !ok {
		return
	}
	if err := h.repo.Archive(r.Context(), p.ID); err != nil {
		writeError(w, types.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

// ownedProject loads the path project and enforces ownership. It writes the
// error response itself when the lookup fails.
func (h *ProjectsHandler) ownedProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	pid, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	var p models.Project
	if err := h.repo.GetByID(r.Context(), pid, &p); err != nil {
		writeError(w, types.StatusFor(err), err)
		return nil, false
	}
	uid, _ := uuid.Parse(middleware.GetUserID(r.Context()))
	if p.UserID != uid {
		writeErrorStr(w, http.StatusNotFound, "project not found")
		return nil, false
	}
	return &p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func writeErrorStr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: "invalid", Message: msg}})
}
