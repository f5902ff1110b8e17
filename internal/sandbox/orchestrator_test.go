package sandbox

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/killhouse/engine/internal/analysis"
	"github.com/killhouse/engine/internal/models"
	"github.com/killhouse/engine/internal/policy"
	"github.com/killhouse/engine/internal/resilience"
	appErr "github.com/killhouse/engine/pkg/errors"
	"github.com/killhouse/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.InitNop()
	os.Exit(m.Run())
}

type mockAnalysisRepository struct {
	mock.Mock
}

func (m *mockAnalysisRepository) Create(ctx context.Context, obj *models.Analysis) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockAnalysisRepository) GetByID(ctx context.Context, id any, dest *models.Analysis) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Analysis)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockAnalysisRepository) Update(ctx context.Context, obj *models.Analysis) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockAnalysisRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockAnalysisRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Analysis, error) {
	args := m.Called(ctx, projectID)
	if v := args.Get(0); v != nil {
		return v.([]models.Analysis), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnalysisRepository) UpdateStatusFrom(ctx context.Context, id uuid.UUID, from, to analysis.Status, completedAt *time.Time) error {
	args := m.Called(ctx, id, from, to, completedAt)
	return args.Error(0)
}

func (m *mockAnalysisRepository) ClaimSandbox(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockAnalysisRepository) UpdateSandbox(ctx context.Context, id uuid.UUID, status string, containerID *string) error {
	args := m.Called(ctx, id, status, containerID)
	return args.Error(0)
}

func (m *mockAnalysisRepository) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	args := m.Called(ctx, id, fields)
	return args.Error(0)
}

func (m *mockAnalysisRepository) ListUnfinished(ctx context.Context) ([]models.Analysis, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]models.Analysis), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAnalysisRepository) AppendLog(ctx context.Context, id uuid.UUID, entry analysis.LogEntry) error {
	args := m.Called(ctx, id, entry)
	return args.Error(0)
}

type mockProjectRepository struct {
	mock.Mock
}

func (m *mockProjectRepository) Create(ctx context.Context, obj *models.Project) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockProjectRepository) GetByID(ctx context.Context, id any, dest *models.Project) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Project)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockProjectRepository) Update(ctx context.Context, obj *models.Project) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockProjectRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockProjectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	args := m.Called(ctx, userID)
	if v := args.Get(0); v != nil {
		return v.([]models.Project), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectRepository) Archive(ctx context.Context, projectID uuid.UUID) error {
	args := m.Called(ctx, projectID)
	return args.Error(0)
}

type staticResolver struct {
	limits policy.ResourceLimits
}

func (r staticResolver) LimitsFor(ctx context.Context, projectID uuid.UUID) (policy.ResourceLimits, error) {
	return r.limits, nil
}

type recordingTrigger struct {
	calls       int32
	targetURL   string
	networkName string
	err         error
}

func (t *recordingTrigger) TriggerScan(ctx context.Context, analysisID uuid.UUID, targetURL, networkName string) error {
	atomic.AddInt32(&t.calls, 1)
	t.targetURL = targetURL
	t.networkName = networkName
	return t.err
}

type fixture struct {
	analyses *mockAnalysisRepository
	projects *mockProjectRepository
	trigger  *recordingTrigger
	breaker  *resilience.Breaker
	orch     *Orchestrator
}

// newFixture wires an orchestrator against the given sandbox engine URL with
// retries and delays collapsed so tests run fast.
func newFixture(t *testing.T, engineURL string, breaker *resilience.Breaker) *fixture {
	t.Helper()

	client := NewClient(engineURL, breaker)
	client.caller.Timeout = 2 * time.Second
	client.caller.MaxRetries = 0
	client.caller.RetryDelays = []time.Duration{time.Millisecond}

	f := &fixture{
		analyses: &mockAnalysisRepository{},
		projects: &mockProjectRepository{},
		trigger:  &recordingTrigger{},
		breaker:  breaker,
	}
	f.orch = NewOrchestrator(f.analyses, f.projects, client, breaker, staticResolver{policy.ResourceLimits{MemoryMB: 512, CPUMillis: 500, PidsLimit: 128}}, f.trigger)
	return f
}

func (f *fixture) expectLoad(analysisID, projectID uuid.UUID) {
	stored := &models.Analysis{ID: analysisID, ProjectID: projectID, Status: string(analysis.StatusPending)}
	f.analyses.On("GetByID", mock.Anything, analysisID, &models.Analysis{}).
		Run(func(args mock.Arguments) {
			dest := args.Get(2).(*models.Analysis)
			*dest = *stored
		}).Return(nil, stored).Once()

	project := &models.Project{ID: projectID, UserID: uuid.New(), DockerfileContent: "FROM alpine"}
	f.projects.On("GetByID", mock.Anything, projectID, &models.Project{}).
		Run(func(args mock.Arguments) {
			dest := args.Get(2).(*models.Project)
			*dest = *project
		}).Return(nil, project).Once()
}

func TestProvisionHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/environments", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"environment_id":"env-1","target_url":"http://env-1:8080","network_name":"sandbox-net"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, resilience.NewBreaker(3, 5*time.Minute))
	analysisID := uuid.New()
	projectID := uuid.New()
	f.expectLoad(analysisID, projectID)

	f.analyses.On("ClaimSandbox", mock.Anything, analysisID).Return(nil).Once()
	f.analyses.On("UpdateStatusFrom", mock.Anything, analysisID, analysis.StatusPending, analysis.StatusScanning, (*time.Time)(nil)).Return(nil).Once()
	f.analyses.On("UpdateSandbox", mock.Anything, analysisID, models.SandboxRunning, mock.MatchedBy(func(id *string) bool {
		return id != nil && *id == "env-1"
	})).Return(nil).Once()
	f.analyses.On("AppendLog", mock.Anything, analysisID, mock.Anything).Return(nil)

	require.NoError(t, f.orch.Provision(context.Background(), analysisID))

	require.Equal(t, int32(1), atomic.LoadInt32(&f.trigger.calls))
	require.Equal(t, "http://env-1:8080", f.trigger.targetURL)
	require.Equal(t, "sandbox-net", f.trigger.networkName)
	f.analyses.AssertExpectations(t)
}

func TestProvisionDuplicateClaimIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("sandbox engine must not be called for a duplicate claim")
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, resilience.NewBreaker(3, 5*time.Minute))
	analysisID := uuid.New()
	projectID := uuid.New()
	f.expectLoad(analysisID, projectID)

	f.analyses.On("ClaimSandbox", mock.Anything, analysisID).
		Return(appErr.New(appErr.CodeConflict, "sandbox already claimed")).Once()

	require.NoError(t, f.orch.Provision(context.Background(), analysisID))
	require.Equal(t, int32(0), atomic.LoadInt32(&f.trigger.calls))
	f.analyses.AssertNotCalled(t, "UpdateSandbox", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProvisionEngineFailureMarksSandboxFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, resilience.NewBreaker(3, 5*time.Minute))
	analysisID := uuid.New()
	projectID := uuid.New()
	f.expectLoad(analysisID, projectID)

	f.analyses.On("ClaimSandbox", mock.Anything, analysisID).Return(nil).Once()
	f.analyses.On("UpdateStatusFrom", mock.Anything, analysisID, analysis.StatusPending, analysis.StatusScanning, (*time.Time)(nil)).Return(nil).Once()
	f.analyses.On("UpdateSandbox", mock.Anything, analysisID, models.SandboxFailed, (*string)(nil)).Return(nil).Once()
	f.analyses.On("AppendLog", mock.Anything, analysisID, mock.Anything).Return(nil)

	// The sandbox failing is not a task failure: the analysis goes on.
	require.NoError(t, f.orch.Provision(context.Background(), analysisID))
	require.Equal(t, int32(0), atomic.LoadInt32(&f.trigger.calls))
	f.analyses.AssertExpectations(t)
}

func TestProvisionBreakerOpensAndSkips(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := resilience.NewBreaker(3, 5*time.Minute)
	f := newFixture(t, srv.URL, breaker)

	// Three analyses fail against a dead sandbox engine, opening the breaker.
	for i := 0; i < 3; i++ {
		analysisID := uuid.New()
		projectID := uuid.New()
		f.expectLoad(analysisID, projectID)
		f.analyses.On("ClaimSandbox", mock.Anything, analysisID).Return(nil).Once()
		f.analyses.On("UpdateStatusFrom", mock.Anything, analysisID, analysis.StatusPending, analysis.StatusScanning, (*time.Time)(nil)).Return(nil).Once()
		f.analyses.On("UpdateSandbox", mock.Anything, analysisID, models.SandboxFailed, (*string)(nil)).Return(nil).Once()
		f.analyses.On("AppendLog", mock.Anything, analysisID, mock.Anything).Return(nil)

		require.NoError(t, f.orch.Provision(context.Background(), analysisID))
	}
	require.Equal(t, resilience.BreakerOpen, breaker.State())
	hitsBefore := atomic.LoadInt32(&hits)

	// The next analysis degrades to SKIPPED without touching the network.
	analysisID := uuid.New()
	projectID := uuid.New()
	f.expectLoad(analysisID, projectID)
	f.analyses.On("ClaimSandbox", mock.Anything, analysisID).Return(nil).Once()
	f.analyses.On("UpdateSandbox", mock.Anything, analysisID, models.SandboxSkipped, (*string)(nil)).Return(nil).Once()
	f.analyses.On("AppendLog", mock.Anything, analysisID, mock.Anything).Return(nil)

	require.NoError(t, f.orch.Provision(context.Background(), analysisID))
	require.Equal(t, hitsBefore, atomic.LoadInt32(&hits))
	f.analyses.AssertNotCalled(t, "UpdateStatusFrom", mock.Anything, analysisID, mock.Anything, mock.Anything, mock.Anything)
	f.analyses.AssertExpectations(t)
}

func TestProvisionTriggerFailureDoesNotFailTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"environment_id":"env-2","target_url":"http://env-2:8080"}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL, resilience.NewBreaker(3, 5*time.Minute))
	f.trigger.err = appErr.New(appErr.CodeUnavailable, "queue down")
	analysisID := uuid.New()
	projectID := uuid.New()
	f.expectLoad(analysisID, projectID)

	f.analyses.On("ClaimSandbox", mock.Anything, analysisID).Return(nil).Once()
	f.analyses.On("UpdateStatusFrom", mock.Anything, analysisID, analysis.StatusPending, analysis.StatusScanning, (*time.Time)(nil)).Return(nil).Once()
	f.analyses.On("UpdateSandbox", mock.Anything, analysisID, models.SandboxRunning, mock.Anything).Return(nil).Once()
	f.analyses.On("AppendLog", mock.Anything, analysisID, mock.Anything).Return(nil)

	require.NoError(t, f.orch.Provision(context.Background(), analysisID))
	require.Equal(t, int32(1), atomic.LoadInt32(&f.trigger.calls))
}
