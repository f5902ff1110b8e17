package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/api/types"
	"github.com/killhouse/engine/internal/services"
	"github.com/killhouse/engine/pkg/logger"
	"github.com/killhouse/engine/pkg/utils"
)

// WebhookHandler receives asynchronous result callbacks from the scanner and
// sandbox services. It sits on the public router; callers authenticate with
// the shared X-Webhook-Key header rather than a user JWT.
type WebhookHandler struct {
	reconciler *services.Reconciler
	apiKey     string
}

func NewWebhookHandler(reconciler *services.Reconciler, apiKey string) *WebhookHandler {
	if apiKey == "" {
		logger.L().Warn("webhook api key is not configured, inbound callbacks are UNAUTHENTICATED")
	}
	return &WebhookHandler{reconciler: reconciler, apiKey: apiKey}
}

func (h *WebhookHandler) AnalysisCallback(w http.ResponseWriter, r *http.Request) {
	if h.apiKey != "" && !utils.SecureCompare(r.Header.Get("X-Webhook-Key"), h.apiKey) {
		writeJSON(w, http.StatusUnauthorized, types.APIResponse{
			Success: false,
			Error:   &types.APIError{Code: "unauthorized", Message: "invalid webhook key"},
		})
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var payload services.WebhookPayload
	if err := dec.Decode(&payload); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.AnalysisID == uuid.Nil {
		writeErrorStr(w, http.StatusBadRequest, "analysis_id is required")
		return
	}

	a, err := h.reconciler.Reconcile(r.Context(), &payload)
	if err != nil {
		logger.L().Error("webhook reconcile failed",
			zap.String("analysis_id", payload.AnalysisID.String()),
			zap.Error(err),
		)
		writeError(w, types.StatusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: map[string]any{
		"id":     a.ID,
		"status": a.Status,
	}})
}
