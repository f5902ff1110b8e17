package tasks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/scanner"
	"github.com/killhouse/engine/pkg/logger"
)

// ScanPayload is the task payload for scan submission.
type ScanPayload struct {
	AnalysisID  string `json:"analysis_id"`
	TargetURL   string `json:"target_url,omitempty"`
	NetworkName string `json:"network_name,omitempty"`
}

// ScanTaskHandler submits scan jobs to the scanner engine. Returning an
// error lets asynq retry per the task's budget; results arrive later via
// the webhook endpoint.
type ScanTaskHandler struct {
	client      *scanner.Client
	callbackURL string
}

// NewScanTaskHandler builds a handler. callbackBase is the public base URL
// of this API, e.g. https://api.killhouse.io.
func NewScanTaskHandler(client *scanner.Client, callbackBase string) *ScanTaskHandler {
	return &ScanTaskHandler{
		client:      client,
		callbackURL: strings.TrimRight(callbackBase, "/") + "/api/v1/webhooks/analysis",
	}
}

func (h *ScanTaskHandler) HandleSubmit(ctx context.Context, t *asynq.Task) error {
	var p ScanPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid scan task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.AnalysisID)
	if err != nil {
		logger.L().Error("invalid analysis id in scan task", zap.Error(err))
		return err
	}

	logger.L().Info("submitting scan",
		zap.String("analysis_id", id.String()),
		zap.String("target_url", p.TargetURL),
	)
	return h.client.SubmitScan(ctx, scanner.SubmitScanRequest{
		AnalysisID:  id,
		CallbackURL: h.callbackURL,
		TargetURL:   p.TargetURL,
		NetworkName: p.NetworkName,
	})
}
