package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/repository"
	appErr "github.com/killhouse/engine/pkg/errors"
	"github.com/killhouse/engine/pkg/logger"
)

// AnalysisService is the use-case surface for the analysis lifecycle.
type AnalysisService interface {
	StartAnalysis(ctx context.Context, projectID, userID uuid.UUID) (*models.Analysis, error)
	GetAnalysis(ctx context.Context, analysisID, userID uuid.UUID) (*models.Analysis, error)
	ListAnalyses(ctx context.Context, projectID, userID uuid.UUID) ([]models.Analysis, error)

	// GetAnalysisLogs returns the parsed log entries grouped by step label,
	// plus the step matching the current status (for UI auto-expand).
	GetAnalysisLogs(ctx context.Context, analysisID, userID uuid.UUID) (map[string][]analysis.LogEntry, string, error)

	// CancelAnalysis marks the record CANCELLED. It does not abort an
	// in-flight sandbox build; a stray environment is an operational
	// cleanup concern, not ours.
	CancelAnalysis(ctx context.Context, analysisID, userID uuid.UUID) error

	// TransitionStatus applies a transition-checked, compare-and-set status
	// write. Terminal targets also stamp completed_at.
	TransitionStatus(ctx context.Context, analysisID uuid.UUID, to analysis.Status) error

	// ForceFail is the watchdog's hammer: any non-terminal analysis is moved
	// to FAILED with a log entry explaining why.
	ForceFail(ctx context.Context, analysisID uuid.UUID, reason string) error
}

type analysisService struct {
	analyses    repository.AnalysisRepository
	projects    repository.ProjectRepository
	asynqClient *asynq.Client
}

func NewAnalysisService(analyses repository.AnalysisRepository, projects repository.ProjectRepository, client *asynq.Client) AnalysisService {
	return &analysisService{analyses: analyses, projects: projects, asynqClient: client}
}

var _ AnalysisService = (*analysisService)(nil)

func (s *analysisService) StartAnalysis(ctx context.Context, projectID, userID uuid.UUID) (*models.Analysis, error) {
	log := logger.L().With(zap.String("project_id", projectID.String()), zap.String("user_id", userID.String()))
	log.Info("start analysis requested")

	var p models.Project
	if err := s.projects.GetByID(ctx, projectID, &p); err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, appErr.New(appErr.CodeUnauthorized, "user does not own project")
	}

	now := time.Now().UTC()
	initial, err := analysis.AppendLog(nil, analysis.LogEntry{
		Timestamp: now,
		Step:      analysis.StepFor(analysis.StatusPending),
		Level:     "info",
		Message:   "analysis queued",
	})
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "encode initial log failed")
	}

	a := &models.Analysis{
		ProjectID: projectID,
		Status:    string(analysis.StatusPending),
		StartedAt: now,
		Logs:      initial,
	}
	if err := s.analyses.Create(ctx, a); err != nil {
		return nil, err
	}

	if err := s.enqueuePipeline(ctx, a.ID, &p); err != nil {
		log.Error("enqueue analysis pipeline failed", zap.Error(err), zap.String("analysis_id", a.ID.String()))
		_ = s.ForceFail(ctx, a.ID, "failed to enqueue analysis work")
		return nil, err
	}

	log.Info("analysis created and enqueued", zap.String("analysis_id", a.ID.String()))
	return a, nil
}

// enqueuePipeline dispatches the first background step: sandbox provisioning
// when the project defines a runnable target, otherwise a direct scan
// submission (static analysis only).
func (s *analysisService) enqueuePipeline(ctx context.Context, analysisID uuid.UUID, p *models.Project) error {
	if s.asynqClient == nil {
		logger.L().Warn("asynq client not configured, skipping enqueue", zap.String("analysis_id", analysisID.String()))
		return nil
	}

	var task *asynq.Task
	if p.HasLiveTarget() {
		pb, _ := json.Marshal(map[string]string{"analysis_id": analysisID.String()})
		task = asynq.NewTask("analysis:sandbox", pb, asynq.MaxRetry(3))
	} else {
		pb, _ := json.Marshal(map[string]string{"analysis_id": analysisID.String()})
		task = asynq.NewTask("analysis:scan", pb, asynq.MaxRetry(5))
	}
	if _, err := s.asynqClient.EnqueueContext(ctx, task); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "enqueue analysis task failed")
	}
	return nil
}

func (s *analysisService) GetAnalysis(ctx context.Context, analysisID, userID uuid.UUID) (*models.Analysis, error) {
	var a models.Analysis
	if err := s.analyses.GetByID(ctx, analysisID, &a); err != nil {
		return nil, err
	}
	if err := s.checkOwnership(ctx, a.ProjectID, userID); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *analysisService) ListAnalyses(ctx context.Context, projectID, userID uuid.UUID) ([]models.Analysis, error) {
	if err := s.checkOwnership(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.analyses.ListByProject(ctx, projectID)
}

func (s *analysisService) GetAnalysisLogs(ctx context.Context, analysisID, userID uuid.UUID) (map[string][]analysis.LogEntry, string, error) {
	a, err := s.GetAnalysis(ctx, analysisID, userID)
	if err != nil {
		return nil, "", err
	}
	entries := analysis.ParseLogs(a.Logs)
	current := analysis.StepFor(analysis.Status(a.Status))
	return analysis.GroupLogsByStep(entries), current, nil
}

func (s *analysisService) CancelAnalysis(ctx context.Context, analysisID, userID uuid.UUID) error {
	a, err := s.GetAnalysis(ctx, analysisID, userID)
	if err != nil {
		return err
	}
	from := analysis.Status(a.Status)
	if !analysis.CanTransition(from, analysis.StatusCancelled) {
		return appErr.New(appErr.CodeConflict, "analysis can no longer be cancelled")
	}
	now := time.Now().UTC()
	if err := s.analyses.UpdateStatusFrom(ctx, analysisID, from, analysis.StatusCancelled, &now); err != nil {
		return err
	}
	s.appendLog(ctx, analysisID, analysis.StatusCancelled, "info", "analysis cancelled by user")
	return nil
}

func (s *analysisService) TransitionStatus(ctx context.Context, analysisID uuid.UUID, to analysis.Status) error {
	var a models.Analysis
	if err := s.analyses.GetByID(ctx, analysisID, &a); err != nil {
		return err
	}
	from := analysis.Status(a.Status)
	if !analysis.CanTransition(from, to) {
		return appErr.New(appErr.CodeConflict, "illegal status transition").
			WithMeta("from", string(from)).WithMeta("to", string(to))
	}
	var completedAt *time.Time
	if analysis.IsTerminal(to) {
		now := time.Now().UTC()
		completedAt = &now
	}
	return s.analyses.UpdateStatusFrom(ctx, analysisID, from, to, completedAt)
}

func (s *analysisService) ForceFail(ctx context.Context, analysisID uuid.UUID, reason string) error {
	var a models.Analysis
	if err := s.analyses.GetByID(ctx, analysisID, &a); err != nil {
		return err
	}
	from := analysis.Status(a.Status)
	if analysis.IsTerminal(from) {
		return nil
	}
	now := time.Now().UTC()
	if err := s.analyses.UpdateStatusFrom(ctx, analysisID, from, analysis.StatusFailed, &now); err != nil {
		// Lost the race to another writer; nothing to force any more.
		if appErr.IsCode(err, appErr.CodeConflict) {
			return nil
		}
		return err
	}
	s.appendLog(ctx, analysisID, analysis.StatusFailed, "error", reason)
	logger.L().Warn("analysis force-failed", zap.String("analysis_id", analysisID.String()), zap.String("reason", reason))
	return nil
}

func (s *analysisService) checkOwnership(ctx context.Context, projectID, userID uuid.UUID) error {
	var p models.Project
	if err := s.projects.GetByID(ctx, projectID, &p); err != nil {
		return err
	}
	if p.UserID != userID {
		return appErr.New(appErr.CodeUnauthorized, "user does not own project")
	}
	return nil
}

func (s *analysisService) appendLog(ctx context.Context, id uuid.UUID, status analysis.Status, level, message string) {
	err := s.analyses.AppendLog(ctx, id, analysis.LogEntry{
		Timestamp: time.Now().UTC(),
		Step:      analysis.StepFor(status),
		Level:     level,
		Message:   message,
	})
	if err != nil {
		logger.L().Warn("append analysis log failed", zap.String("analysis_id", id.String()), zap.Error(err))
	}
}
