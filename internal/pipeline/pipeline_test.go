package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vellum/internal/models"
	"vellum/internal/queue"
	"vellum/internal/resilience"
	"vellum/internal/store"
)

// fakeJobStore records the persistence calls the orchestrator makes.
type fakeJobStore struct {
	mu             sync.Mutex
	startErr       error
	events         []string
	progressSteps  []string
	completion     *store.JobCompletion
	completedJobID string
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *models.ProcessingJob) error { return nil }

func (f *fakeJobStore) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	return nil, store.ErrNotFound
}

func (f *fakeJobStore) MarkJobStarted(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "started")
	return f.startErr
}

func (f *fakeJobStore) UpdateJobProgress(ctx context.Context, jobID, currentStep string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "progress:"+currentStep)
	f.progressSteps = append(f.progressSteps, currentStep)
	return nil
}

func (f *fakeJobStore) UpdateJobStatus(ctx context.Context, jobID, status, errorMessage string) error {
	return nil
}

func (f *fakeJobStore) CompleteJob(ctx context.Context, jobID string, result store.JobCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "completed:"+result.Status)
	f.completion = &result
	f.completedJobID = jobID
	return nil
}

func (f *fakeJobStore) ClearPendingTask(ctx context.Context, jobID, task string) error { return nil }

func (f *fakeJobStore) ListJobsWithPendingTask(ctx context.Context, task string) ([]*models.ProcessingJob, error) {
	return nil, nil
}

func (f *fakeJobStore) CleanupJobs(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

type fakeSweeper struct {
	mu     sync.Mutex
	swept  []string
	docIDs []int64
}

func (f *fakeSweeper) EnqueueSweep(ctx context.Context, jobID string, docID int64, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept = append(f.swept, stage)
	f.docIDs = append(f.docIDs, docID)
	return nil
}

func testManager() *resilience.Manager {
	policies := make(map[string]resilience.BreakerPolicy)
	for _, svc := range []string{"ocr", "embedding", "quality", "layout", "metadata"} {
		policies[svc] = resilience.BreakerPolicy{
			FailureThreshold: 100,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 1,
			Retry:            resilience.RetryPolicy{MaxAttempts: 1},
		}
	}
	return resilience.NewManager(policies)
}

func okStage(name StageName, service string, required bool, progress int, data map[string]any) StageDef {
	return StageDef{
		Name:           name,
		Service:        service,
		Required:       required,
		TargetProgress: progress,
		Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			return &StageResult{Data: data}, nil
		},
	}
}

func testJob() *queue.Job {
	return &queue.Job{ID: "job-1", Filename: "scan.pdf", PayloadPath: "/tmp/scan.pdf"}
}

func TestExecuteRunsAllStagesAndCompletes(t *testing.T) {
	jobs := &fakeJobStore{}
	stages := []StageDef{
		okStage(StageOCR, "ocr", true, 25, map[string]any{"pages": []string{"hello"}, "page_count": 1}),
		okStage(StageEmbed, "embedding", true, 55, map[string]any{"document_id": int64(7)}),
	}
	o := NewOrchestrator(stages, testManager(), jobs, nil)

	require.NoError(t, o.Execute(context.Background(), testJob()))

	require.NotNil(t, jobs.completion)
	assert.Equal(t, models.JobStatusCompleted, jobs.completion.Status)
	assert.Equal(t, []string{"ocr", "embed"}, jobs.completion.StepsCompleted)
	assert.Empty(t, jobs.completion.StepsFailed)
	require.NotNil(t, jobs.completion.DocumentID)
	assert.Equal(t, int64(7), *jobs.completion.DocumentID)
}

func TestProgressPersistedBeforeEachStage(t *testing.T) {
	jobs := &fakeJobStore{}
	stage := StageDef{
		Name: StageOCR, Service: "ocr", Required: true, TargetProgress: 25,
		Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
			jobs.mu.Lock()
			jobs.events = append(jobs.events, "run:ocr")
			jobs.mu.Unlock()
			return nil, nil
		},
	}
	o := NewOrchestrator([]StageDef{stage}, testManager(), jobs, nil)

	require.NoError(t, o.Execute(context.Background(), testJob()))
	assert.Equal(t, []string{"started", "progress:ocr", "run:ocr", "completed:completed"}, jobs.events)
}

func TestRequiredStageFailureAbortsPipeline(t *testing.T) {
	jobs := &fakeJobStore{}
	laterRan := false
	stages := []StageDef{
		{
			Name: StageOCR, Service: "ocr", Required: true, TargetProgress: 25,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				return nil, errors.New("unreadable scan")
			},
		},
		{
			Name: StageEmbed, Service: "embedding", Required: true, TargetProgress: 55,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				laterRan = true
				return nil, nil
			},
		},
	}
	o := NewOrchestrator(stages, testManager(), jobs, nil)

	err := o.Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.False(t, laterRan, "stages after a required failure must not run")

	require.NotNil(t, jobs.completion)
	assert.Equal(t, models.JobStatusFailed, jobs.completion.Status)
	assert.NotEmpty(t, jobs.completion.ErrorMessage)
	require.Len(t, jobs.completion.StepsFailed, 1)
	assert.Equal(t, "ocr", jobs.completion.StepsFailed[0].Step)
}

func TestBestEffortFailureStillCompletes(t *testing.T) {
	jobs := &fakeJobStore{}
	stages := []StageDef{
		okStage(StageEmbed, "embedding", true, 55, map[string]any{"document_id": int64(3)}),
		{
			Name: StageQuality, Service: "quality", TargetProgress: 70,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				return nil, errors.New("model rejected input")
			},
		},
		okStage(StageMetadata, "metadata", false, 95, map[string]any{"metadata_extracted": true}),
	}
	o := NewOrchestrator(stages, testManager(), jobs, nil)

	require.NoError(t, o.Execute(context.Background(), testJob()))

	require.NotNil(t, jobs.completion)
	assert.Equal(t, models.JobStatusCompleted, jobs.completion.Status)
	assert.Equal(t, []string{"embed", "metadata"}, jobs.completion.StepsCompleted)
	require.Len(t, jobs.completion.StepsFailed, 1)
	assert.Equal(t, "quality", jobs.completion.StepsFailed[0].Step)
	assert.Empty(t, jobs.completion.PendingTasks, "a plain rejection is not deferrable")
}

func TestCircuitOpenDeferrableStageFlagsPendingAndSweeps(t *testing.T) {
	jobs := &fakeJobStore{}
	sweeper := &fakeSweeper{}
	manager := testManager()
	manager.ForceOpen("metadata", "test")

	stages := []StageDef{
		okStage(StageEmbed, "embedding", true, 55, map[string]any{"document_id": int64(42)}),
		{
			Name: StageMetadata, Service: "metadata", Deferrable: true, TargetProgress: 95,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				t.Fatal("open breaker must not invoke the stage")
				return nil, nil
			},
		},
	}
	o := NewOrchestrator(stages, manager, jobs, sweeper)

	require.NoError(t, o.Execute(context.Background(), testJob()))

	require.NotNil(t, jobs.completion)
	assert.Equal(t, models.JobStatusCompleted, jobs.completion.Status)
	assert.Equal(t, []string{"metadata"}, jobs.completion.PendingTasks)
	assert.Equal(t, []string{"metadata"}, sweeper.swept)
	assert.Equal(t, []int64{42}, sweeper.docIDs)
}

func TestRetryExhaustionOnDeferrableStageDefers(t *testing.T) {
	jobs := &fakeJobStore{}
	sweeper := &fakeSweeper{}
	manager := resilience.NewManager(map[string]resilience.BreakerPolicy{
		"layout": {
			FailureThreshold: 100,
			RecoveryTimeout:  time.Hour,
			SuccessThreshold: 1,
			Retry:            resilience.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2.0},
		},
	})

	stages := []StageDef{
		{
			Name: StageLayout, Service: "layout", Deferrable: true, TargetProgress: 85,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				return nil, resilience.MarkTransient(errors.New("gpu service 503"))
			},
		},
	}
	o := NewOrchestrator(stages, manager, jobs, sweeper)

	require.NoError(t, o.Execute(context.Background(), testJob()))
	assert.Equal(t, []string{"layout"}, jobs.completion.PendingTasks)
	assert.Equal(t, []string{"layout"}, sweeper.swept)
}

func TestStartFailureIsReportedForRequeue(t *testing.T) {
	jobs := &fakeJobStore{startErr: errors.New("connection reset")}
	o := NewOrchestrator(nil, testManager(), jobs, nil)

	err := o.Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrStartFailed)
	assert.Nil(t, jobs.completion, "a job that never started has no terminal state")
}

func TestStageDataFlowsDownstream(t *testing.T) {
	jobs := &fakeJobStore{}
	var seenPages []string
	stages := []StageDef{
		okStage(StageOCR, "ocr", true, 25, map[string]any{"pages": []string{"p1", "p2"}}),
		{
			Name: StageEmbed, Service: "embedding", Required: true, TargetProgress: 55,
			Run: func(ctx context.Context, sc *StageContext) (*StageResult, error) {
				pages, ok := PagesFrom(sc)
				require.True(t, ok)
				seenPages = pages
				return nil, nil
			},
		},
	}
	o := NewOrchestrator(stages, testManager(), jobs, nil)

	require.NoError(t, o.Execute(context.Background(), testJob()))
	assert.Equal(t, []string{"p1", "p2"}, seenPages)
}

func TestStandardStageTableShape(t *testing.T) {
	stages := StandardStages(StageDeps{})

	require.Len(t, stages, 5)
	assert.Equal(t, StageOCR, stages[0].Name)
	assert.Equal(t, StageEmbed, stages[1].Name)
	assert.Equal(t, StageQuality, stages[2].Name)
	assert.Equal(t, StageLayout, stages[3].Name)
	assert.Equal(t, StageMetadata, stages[4].Name)

	assert.True(t, stages[0].Required)
	assert.True(t, stages[1].Required)
	for _, s := range stages[2:] {
		assert.False(t, s.Required, "%s must be best-effort", s.Name)
		assert.True(t, s.Deferrable, "%s must be sweepable", s.Name)
	}

	last := 0
	for _, s := range stages {
		assert.Greater(t, s.TargetProgress, last, "progress targets must increase")
		last = s.TargetProgress
	}
}
