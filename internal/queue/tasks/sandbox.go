// Package tasks contains the asynq task handlers driving the analysis
// pipeline outside the request path: sandbox provisioning, scan submission,
// and the stuck-analysis watchdog sweep.
package tasks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/sandbox"
	"github.com/killhouse/engine/pkg/logger"
)

// Task type names, shared between enqueuers and the worker mux.
const (
	TypeSandboxProvision = "analysis:sandbox"
	TypeScanSubmit       = "analysis:scan"
	TypeWatchdogSweep    = "analysis:watchdog"
)

// SandboxPayload is the task payload for sandbox provisioning.
type SandboxPayload struct {
	AnalysisID string `json:"analysis_id"`
}

// SandboxTaskHandler provisions sandbox environments in the background.
type SandboxTaskHandler struct {
	orchestrator *sandbox.Orchestrator
}

func NewSandboxTaskHandler(orchestrator *sandbox.Orchestrator) *SandboxTaskHandler {
	return &SandboxTaskHandler{orchestrator: orchestrator}
}

func (h *SandboxTaskHandler) HandleProvision(ctx context.Context, t *asynq.Task) error {
	var p SandboxPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid sandbox task payload", zap.Error(err))
		return err
	}
	id, err := uuid.Parse(p.AnalysisID)
	if err != nil {
		logger.L().Error("invalid analysis id in sandbox task", zap.Error(err))
		return err
	}

	logger.L().Info("handling sandbox provision task", zap.String("analysis_id", id.String()))
	return h.orchestrator.Provision(ctx, id)
}

// AsynqScanTrigger satisfies sandbox.ScanTrigger by enqueueing a scan
// submission task with its own retry budget, so a failed trigger is retried
// by the queue rather than lost.
type AsynqScanTrigger struct {
	client *asynq.Client
}

func NewAsynqScanTrigger(client *asynq.Client) *AsynqScanTrigger {
	return &AsynqScanTrigger{client: client}
}

var _ sandbox.ScanTrigger = (*AsynqScanTrigger)(nil)

func (t *AsynqScanTrigger) TriggerScan(ctx context.Context, analysisID uuid.UUID, targetURL, networkName string) error {
	pb, err := json.Marshal(ScanPayload{
		AnalysisID:  analysisID.String(),
		TargetURL:   targetURL,
		NetworkName: networkName,
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeScanSubmit, pb, asynq.MaxRetry(5))
	_, err = t.client.EnqueueContext(ctx, task)
	return err
}
