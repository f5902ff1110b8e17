package sandbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/policy"
	"github.com/killhouse/engine/internal/repository"
	"github.com/killhouse/engine/internal/resilience"
	appErr "github.com/killhouse/engine/pkg/errors"
	"github.com/killhouse/engine/pkg/logger"
)

// ScanTrigger submits a dynamic scan against a provisioned target. The
// implementation enqueues a background task with its own retry budget so a
// failed trigger is retried rather than silently lost.
type ScanTrigger interface {
	TriggerScan(ctx context.Context, analysisID uuid.UUID, targetURL, networkName string) error
}

// Orchestrator provisions a sandbox environment for one analysis and, on
// success, hands the reachable target to the scanner for a dynamic scan.
//
// The breaker passed in is shared by every concurrent orchestration call;
// when it is open the sandbox step degrades to SKIPPED instead of failing
// the analysis.
type Orchestrator struct {
	analyses repository.AnalysisRepository
	projects repository.ProjectRepository
	client   *Client
	breaker  *resilience.Breaker
	limits   policy.Resolver
	trigger  ScanTrigger
}

func NewOrchestrator(
	analyses repository.AnalysisRepository,
	projects repository.ProjectRepository,
	client *Client,
	breaker *resilience.Breaker,
	limits policy.Resolver,
	trigger ScanTrigger,
) *Orchestrator {
	return &Orchestrator{
		analyses: analyses,
		projects: projects,
		client:   client,
		breaker:  breaker,
		limits:   limits,
		trigger:  trigger,
	}
}

// Provision runs the sandbox protocol for one analysis. It is safe against
// concurrent duplicate invocations: the sandbox claim is a compare-and-set
// that only one caller wins. A sandbox failure marks sandbox_status FAILED
// and returns nil; whether that fails the whole analysis is the caller's
// decision.
func (o *Orchestrator) Provision(ctx context.Context, analysisID uuid.UUID) error {
	log := logger.L().With(zap.String("analysis_id", analysisID.String()))

	var a models.Analysis
	if err := o.analyses.GetByID(ctx, analysisID, &a); err != nil {
		return err
	}
	var p models.Project
	if err := o.projects.GetByID(ctx, a.ProjectID, &p); err != nil {
		return err
	}

	// Single-entry guard: null -> CREATING exactly once.
	if err := o.analyses.ClaimSandbox(ctx, analysisID); err != nil {
		if appErr.IsCode(err, appErr.CodeConflict) {
			log.Warn("sandbox already claimed, skipping duplicate provision")
			return nil
		}
		return err
	}

	if !o.breaker.Allow() {
		log.Warn("sandbox breaker open, skipping sandbox provisioning")
		_ = o.analyses.UpdateSandbox(ctx, analysisID, models.SandboxSkipped, nil)
		o.appendLog(ctx, analysisID, "warn", "sandbox service unavailable, dynamic scan skipped")
		return nil
	}

	// Best effort: move the pipeline out of PENDING while the sandbox builds.
	_ = o.analyses.UpdateStatusFrom(ctx, analysisID, analysis.StatusPending, analysis.StatusScanning, nil)
	o.appendLog(ctx, analysisID, "info", "provisioning sandbox environment")

	limits, err := o.limits.LimitsFor(ctx, a.ProjectID)
	if err != nil {
		log.Warn("resolve plan limits failed, using defaults", zap.Error(err))
	}

	env, err := o.client.CreateEnvironment(ctx, CreateEnvironmentRequest{
		RepoURL:           p.RepoURL,
		Branch:            p.Branch,
		DockerfileContent: p.DockerfileContent,
		ComposeContent:    p.ComposeContent,
	}, limits)
	if err != nil {
		log.Error("sandbox environment creation failed", zap.Error(err))
		_ = o.analyses.UpdateSandbox(ctx, analysisID, models.SandboxFailed, nil)
		o.appendLog(ctx, analysisID, "error", "sandbox environment creation failed: "+err.Error())
		return nil
	}

	if err := o.analyses.UpdateSandbox(ctx, analysisID, models.SandboxRunning, &env.EnvironmentID); err != nil {
		return err
	}
	o.appendLog(ctx, analysisID, "success", "sandbox environment running")
	log.Info("sandbox environment running", zap.String("environment_id", env.EnvironmentID))

	if env.TargetURL == "" {
		return nil
	}
	if err := o.trigger.TriggerScan(ctx, analysisID, env.TargetURL, env.NetworkName); err != nil {
		// The trigger task carries its own retries; a stuck analysis is
		// eventually force-failed by the watchdog either way.
		log.Error("dynamic scan trigger failed", zap.Error(err))
		o.appendLog(ctx, analysisID, "error", "dynamic scan trigger failed: "+err.Error())
	}
	return nil
}

func (o *Orchestrator) appendLog(ctx context.Context, id uuid.UUID, level, message string) {
	err := o.analyses.AppendLog(ctx, id, analysis.LogEntry{
		Timestamp: time.Now().UTC(),
		Step:      analysis.StepFor(analysis.StatusBuilding),
		Level:     level,
		Message:   message,
	})
	if err != nil {
		logger.L().Warn("append sandbox log failed", zap.String("analysis_id", id.String()), zap.Error(err))
	}
}
