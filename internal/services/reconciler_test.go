package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	appErr "github.com/killhouse/engine/pkg/errors"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestReconciler(repo *mockAnalysisRepository, strict bool) *Reconciler {
	r := NewReconciler(repo, strict)
	r.now = fixedNow
	return r
}

func TestBuildPatchStatusOnly(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusPenetrationTest)}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID: a.ID,
		Status:     strPtr(string(analysis.StatusFailed)),
	})
	require.NoError(t, err)

	// Only the status and the completion stamp, nothing else.
	require.Len(t, patch, 2)
	require.Equal(t, "FAILED", patch["status"])
	require.Equal(t, fixedNow(), patch["completed_at"])
}

func TestBuildPatchNonTerminalStatusHasNoCompletedAt(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusScanning)}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID: a.ID,
		Status:     strPtr(string(analysis.StatusStaticAnalysis)),
	})
	require.NoError(t, err)
	require.Len(t, patch, 1)
	require.NotContains(t, patch, "completed_at")
}

func TestBuildPatchUnknownStatusRejected(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusScanning)}

	_, err := r.BuildPatch(a, &WebhookPayload{AnalysisID: a.ID, Status: strPtr("EXPLODED")})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}

func TestBuildPatchStrictModeRejectsIllegalTransition(t *testing.T) {
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusCompleted)}
	payload := &WebhookPayload{AnalysisID: a.ID, Status: strPtr(string(analysis.StatusScanning))}

	strict := newTestReconciler(&mockAnalysisRepository{}, true)
	_, err := strict.BuildPatch(a, payload)
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	// Lenient mode accepts the same payload with a warning.
	lenient := newTestReconciler(&mockAnalysisRepository{}, false)
	patch, err := lenient.BuildPatch(a, payload)
	require.NoError(t, err)
	require.Equal(t, "SCANNING", patch["status"])
}

func TestBuildPatchLenientRegressionClearsCompletedAt(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	done := fixedNow().Add(-time.Hour)
	a := &models.Analysis{
		ID:          uuid.New(),
		Status:      string(analysis.StatusCompleted),
		CompletedAt: &done,
	}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID: a.ID,
		Status:     strPtr(string(analysis.StatusScanning)),
	})
	require.NoError(t, err)

	// Reopening the analysis clears the completion stamp along with it.
	require.Equal(t, "SCANNING", patch["status"])
	require.Contains(t, patch, "completed_at")
	require.Nil(t, patch["completed_at"])
}

func TestBuildPatchTerminalCorrection(t *testing.T) {
	// A late webhook may rewrite FAILED as COMPLETED_WITH_ERRORS even in
	// strict mode.
	r := newTestReconciler(&mockAnalysisRepository{}, true)
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusFailed)}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID: a.ID,
		Status:     strPtr(string(analysis.StatusCompletedWithErrors)),
	})
	require.NoError(t, err)
	require.Equal(t, "COMPLETED_WITH_ERRORS", patch["status"])
	require.Equal(t, fixedNow(), patch["completed_at"])
}

func TestBuildPatchCountersOverwrite(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	a := &models.Analysis{
		ID:                   uuid.New(),
		Status:               string(analysis.StatusPenetrationTest),
		VulnerabilitiesFound: 10,
		CriticalCount:        4,
	}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID:           a.ID,
		VulnerabilitiesFound: intPtr(3),
		CriticalCount:        intPtr(0),
	})
	require.NoError(t, err)

	// Counters are absolute values from the payload, never summed.
	require.Equal(t, 3, patch["vulnerabilities_found"])
	require.Equal(t, 0, patch["critical_count"])
	require.NotContains(t, patch, "high_count")
}

func TestBuildPatchAppendsLogsAndStepResults(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)

	existing, err := analysis.AppendLog(nil, analysis.LogEntry{Step: "Queued", Level: "info", Message: "queued"})
	require.NoError(t, err)
	a := &models.Analysis{
		ID:     uuid.New(),
		Status: string(analysis.StatusScanning),
		Logs:   datatypes.JSON(existing),
	}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID:  a.ID,
		Logs:        []analysis.LogEntry{{Step: "Scanning", Level: "info", Message: "scan started"}},
		StepResults: []analysis.LogEntry{{Step: "Scanning", Level: "success", Message: "scan done"}},
	})
	require.NoError(t, err)

	entries := analysis.ParseLogs(patch["logs"].(datatypes.JSON))
	require.Len(t, entries, 3)
	require.Equal(t, "queued", entries[0].Message)
	require.Equal(t, "scan started", entries[1].Message)
	require.Equal(t, "scan done", entries[2].Message)
}

func TestBuildPatchReports(t *testing.T) {
	r := newTestReconciler(&mockAnalysisRepository{}, false)
	a := &models.Analysis{ID: uuid.New(), Status: string(analysis.StatusStaticAnalysis)}

	patch, err := r.BuildPatch(a, &WebhookPayload{
		AnalysisID:           a.ID,
		StaticAnalysisReport: json.RawMessage(`{"findings":[]}`),
		ExecutiveSummary:     strPtr("nothing to report"),
		ExploitSessionID:     strPtr("sess-42"),
		SandboxStatus:        strPtr(models.SandboxRunning),
	})
	require.NoError(t, err)
	require.Equal(t, datatypes.JSON(`{"findings":[]}`), patch["static_analysis_report"])
	require.Equal(t, "nothing to report", patch["executive_summary"])
	require.Equal(t, "sess-42", patch["exploit_session_id"])
	require.Equal(t, models.SandboxRunning, patch["sandbox_status"])
	require.NotContains(t, patch, "penetration_test_report")
}

func TestReconcileStripsAndRetriesOnSchemaDrift(t *testing.T) {
	repo := &mockAnalysisRepository{}
	r := newTestReconciler(repo, false)

	id := uuid.New()
	stored := &models.Analysis{ID: id, Status: string(analysis.StatusPenetrationTest)}

	repo.On("GetByID", mock.Anything, id, &models.Analysis{}).
		Run(func(args mock.Arguments) {
			dest := args.Get(2).(*models.Analysis)
			*dest = *stored
		}).Return(nil, stored).Twice()

	driftErr := appErr.New(appErr.CodeInternal, `column "executive_summary" of relation "analyses" does not exist`)

	// First write fails, the allow-list retry succeeds.
	repo.On("UpdateFields", mock.Anything, id, mock.MatchedBy(func(fields map[string]any) bool {
		_, ok := fields["executive_summary"]
		return ok
	})).Return(driftErr).Once()
	repo.On("UpdateFields", mock.Anything, id, mock.MatchedBy(func(fields map[string]any) bool {
		for k := range fields {
			if !persistedFields[k] {
				return false
			}
		}
		return true
	})).Return(nil).Once()

	_, err := r.Reconcile(context.Background(), &WebhookPayload{
		AnalysisID:       id,
		ExecutiveSummary: strPtr("summary"),
	})
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestReconcileSecondFailureSurfaces(t *testing.T) {
	repo := &mockAnalysisRepository{}
	r := newTestReconciler(repo, false)

	id := uuid.New()
	stored := &models.Analysis{ID: id, Status: string(analysis.StatusScanning)}
	repo.On("GetByID", mock.Anything, id, &models.Analysis{}).
		Run(func(args mock.Arguments) {
			dest := args.Get(2).(*models.Analysis)
			*dest = *stored
		}).Return(nil, stored).Once()

	writeErr := appErr.New(appErr.CodeInternal, "write failed")
	repo.On("UpdateFields", mock.Anything, id, mock.Anything).Return(writeErr).Twice()

	_, err := r.Reconcile(context.Background(), &WebhookPayload{
		AnalysisID:       id,
		ExecutiveSummary: strPtr("summary"),
	})
	require.Error(t, err)
	repo.AssertExpectations(t)
}

func TestReconcileUnknownAnalysis(t *testing.T) {
	repo := &mockAnalysisRepository{}
	r := newTestReconciler(repo, false)

	id := uuid.New()
	repo.On("GetByID", mock.Anything, id, &models.Analysis{}).
		Return(appErr.New(appErr.CodeNotFound, "entity not found"), nil).Once()

	_, err := r.Reconcile(context.Background(), &WebhookPayload{AnalysisID: id})
	require.Error(t, err)
	require.True(t, appErr.IsCode(err, appErr.CodeNotFound))
}

func TestReconcileEmptyPayloadIsNoOp(t *testing.T) {
	repo := &mockAnalysisRepository{}
	r := newTestReconciler(repo, false)

	id := uuid.New()
	stored := &models.Analysis{ID: id, Status: string(analysis.StatusScanning)}
	repo.On("GetByID", mock.Anything, id, &models.Analysis{}).
		Run(func(args mock.Arguments) {
			dest := args.Get(2).(*models.Analysis)
			*dest = *stored
		}).Return(nil, stored).Twice()

	updated, err := r.Reconcile(context.Background(), &WebhookPayload{AnalysisID: id})
	require.NoError(t, err)
	require.Equal(t, string(analysis.StatusScanning), updated.Status)
	repo.AssertNotCalled(t, "UpdateFields", mock.Anything, mock.Anything, mock.Anything)
}
