package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/repository"
	appErr "github.com/killhouse/engine/pkg/errors"
	"github.com/killhouse/engine/pkg/logger"
)

// WebhookPayload is an asynchronous status/result callback from the scanner
// or sandbox engine. Every field except AnalysisID is optional; only fields
// present in the payload make it into the persisted patch.
type WebhookPayload struct {
	AnalysisID uuid.UUID `json:"analysis_id"`

	Status *string `json:"status,omitempty"`

	Logs        []analysis.LogEntry `json:"logs,omitempty"`
	StepResults []analysis.LogEntry `json:"step_results,omitempty"`

	StaticAnalysisReport  json.RawMessage `json:"static_analysis_report,omitempty"`
	PenetrationTestReport json.RawMessage `json:"penetration_test_report,omitempty"`
	ExecutiveSummary      *string         `json:"executive_summary,omitempty"`

	VulnerabilitiesFound *int `json:"vulnerabilities_found,omitempty"`
	CriticalCount        *int `json:"critical_count,omitempty"`
	HighCount            *int `json:"high_count,omitempty"`
	MediumCount          *int `json:"medium_count,omitempty"`
	LowCount             *int `json:"low_count,omitempty"`
	InfoCount            *int `json:"info_count,omitempty"`

	ExploitSessionID *string `json:"exploit_session_id,omitempty"`
	SandboxStatus    *string `json:"sandbox_status,omitempty"`
}

// persistedFields is the fixed allow-list of analysis columns a webhook may
// touch. On a schema-drift write failure the patch is stripped to this set
// and retried exactly once.
var persistedFields = map[string]bool{
	"status":                  true,
	"completed_at":            true,
	"logs":                    true,
	"static_analysis_report":  true,
	"penetration_test_report": true,
	"executive_summary":       true,
	"vulnerabilities_found":   true,
	"critical_count":          true,
	"high_count":              true,
	"medium_count":            true,
	"low_count":               true,
	"info_count":              true,
	"exploit_session_id":      true,
	"sandbox_status":          true,
}

// Reconciler folds webhook payloads into analysis records. Payloads may
// arrive out of order and partially filled; the reconciler applies sparse
// patch semantics where a later payload wins for the fields it sets.
type Reconciler struct {
	analyses repository.AnalysisRepository

	// strict rejects status values that are not legal transitions from the
	// persisted status. Lenient mode accepts any known status as-is and
	// trusts the external sender to emit corrections.
	strict bool

	now func() time.Time
}

func NewReconciler(analyses repository.AnalysisRepository, strict bool) *Reconciler {
	return &Reconciler{analyses: analyses, strict: strict, now: time.Now}
}

// Reconcile applies one payload and returns the updated record.
func (r *Reconciler) Reconcile(ctx context.Context, payload *WebhookPayload) (*models.Analysis, error) {
	var a models.Analysis
	if err := r.analyses.GetByID(ctx, payload.AnalysisID, &a); err != nil {
		return nil, err
	}

	patch, err := r.BuildPatch(&a, payload)
	if err != nil {
		return nil, err
	}

	if err := r.apply(ctx, payload.AnalysisID, patch); err != nil {
		return nil, err
	}

	var updated models.Analysis
	if err := r.analyses.GetByID(ctx, payload.AnalysisID, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// BuildPatch computes the column patch one payload implies against the
// current record. Counters are full overwrites, never deltas. A terminal
// incoming status stamps completed_at within the same patch; a lenient-mode
// regression to non-terminal clears it.
func (r *Reconciler) BuildPatch(a *models.Analysis, p *WebhookPayload) (map[string]any, error) {
	patch := map[string]any{}

	if p.Status != nil {
		to := analysis.Status(*p.Status)
		if !analysis.Known(to) {
			return nil, appErr.New(appErr.CodeInvalid, "unknown analysis status").WithMeta("status", *p.Status)
		}
		from := analysis.Status(a.Status)
		if r.strict && !analysis.CanTransition(from, to) {
			return nil, appErr.New(appErr.CodeConflict, "illegal status transition").
				WithMeta("from", string(from)).WithMeta("to", string(to))
		}
		if !r.strict && !analysis.CanTransition(from, to) {
			logger.L().Warn("webhook status skips the transition table, accepting in lenient mode",
				zap.String("analysis_id", a.ID.String()),
				zap.String("from", string(from)),
				zap.String("to", string(to)),
			)
		}
		patch["status"] = string(to)
		if analysis.IsTerminal(to) {
			patch["completed_at"] = r.now().UTC()
		} else if analysis.IsTerminal(from) {
			// Lenient mode reopened a finished analysis; a non-terminal
			// record never carries a completion stamp.
			patch["completed_at"] = nil
		}
	}

	add := append(append([]analysis.LogEntry{}, p.Logs...), p.StepResults...)
	if len(add) > 0 {
		blob, err := analysis.AppendLogs(a.Logs, add)
		if err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "encode analysis logs failed")
		}
		patch["logs"] = datatypes.JSON(blob)
	}

	if p.StaticAnalysisReport != nil {
		patch["static_analysis_report"] = datatypes.JSON(p.StaticAnalysisReport)
	}
	if p.PenetrationTestReport != nil {
		patch["penetration_test_report"] = datatypes.JSON(p.PenetrationTestReport)
	}
	if p.ExecutiveSummary != nil {
		patch["executive_summary"] = *p.ExecutiveSummary
	}

	counters := map[string]*int{
		"vulnerabilities_found": p.VulnerabilitiesFound,
		"critical_count":        p.CriticalCount,
		"high_count":            p.HighCount,
		"medium_count":          p.MediumCount,
		"low_count":             p.LowCount,
		"info_count":            p.InfoCount,
	}
	for col, v := range counters {
		if v != nil {
			patch[col] = *v
		}
	}

	if p.ExploitSessionID != nil {
		patch["exploit_session_id"] = *p.ExploitSessionID
	}
	if p.SandboxStatus != nil {
		patch["sandbox_status"] = *p.SandboxStatus
	}

	return patch, nil
}

// apply writes the patch, recovering once from schema drift by stripping any
// key outside the persisted-field allow-list. A second failure is surfaced.
func (r *Reconciler) apply(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	err := r.analyses.UpdateFields(ctx, id, patch)
	if err == nil {
		return nil
	}
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return err
	}

	stripped := map[string]any{}
	for k, v := range patch {
		if persistedFields[k] {
			stripped[k] = v
		}
	}
	logger.L().Warn("analysis patch rejected, retrying with allow-listed fields only",
		zap.String("analysis_id", id.String()),
		zap.Int("dropped", len(patch)-len(stripped)),
		zap.Error(err),
	)
	if err := r.analyses.UpdateFields(ctx, id, stripped); err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "analysis patch failed after allow-list retry")
	}
	return nil
}
