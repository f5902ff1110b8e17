package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/repository"
	"github.com/killhouse/engine/internal/services"
	"github.com/killhouse/engine/pkg/logger"
)

// WatchdogTaskHandler force-fails analyses stuck in a non-terminal status
// past the staleness threshold. It guarantees liveness when a webhook is
// lost or an external worker dies mid-scan.
type WatchdogTaskHandler struct {
	analyses   repository.AnalysisRepository
	svc        services.AnalysisService
	staleAfter time.Duration
	now        func() time.Time
}

func NewWatchdogTaskHandler(analyses repository.AnalysisRepository, svc services.AnalysisService, staleAfter time.Duration) *WatchdogTaskHandler {
	return &WatchdogTaskHandler{analyses: analyses, svc: svc, staleAfter: staleAfter, now: time.Now}
}

func (h *WatchdogTaskHandler) HandleSweep(ctx context.Context, t *asynq.Task) error {
	unfinished, err := h.analyses.ListUnfinished(ctx)
	if err != nil {
		logger.L().Error("watchdog sweep: list unfinished failed", zap.Error(err))
		return err
	}

	candidates := make([]analysis.StuckCandidate, 0, len(unfinished))
	for _, a := range unfinished {
		candidates = append(candidates, analysis.StuckCandidate{
			ID:        a.ID,
			Status:    analysis.Status(a.Status),
			StartedAt: a.StartedAt,
		})
	}

	stuck := analysis.FindStuck(candidates, h.now(), h.staleAfter)
	if len(stuck) == 0 {
		logger.L().Debug("watchdog sweep: nothing stuck", zap.Int("unfinished", len(unfinished)))
		return nil
	}

	logger.L().Warn("watchdog sweep found stuck analyses", zap.Int("count", len(stuck)))
	for _, id := range stuck {
		if err := h.svc.ForceFail(ctx, id, "analysis exceeded the staleness threshold and was force-failed"); err != nil {
			logger.L().Error("watchdog force-fail failed", zap.String("analysis_id", id.String()), zap.Error(err))
		}
	}
	return nil
}
