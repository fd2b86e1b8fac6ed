package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vellum/internal/models"
)

// recordingExecutor captures execution order and can block to hold slots.
type recordingExecutor struct {
	mu      sync.Mutex
	order   []string
	block   chan struct{}
	result  func(job *Job) error
	current int
	peak    int
}

func (e *recordingExecutor) Execute(ctx context.Context, job *Job) error {
	e.mu.Lock()
	e.order = append(e.order, job.ID)
	e.current++
	if e.current > e.peak {
		e.peak = e.current
	}
	e.mu.Unlock()

	if e.block != nil {
		<-e.block
	}

	e.mu.Lock()
	e.current--
	e.mu.Unlock()

	if e.result != nil {
		return e.result(job)
	}
	return nil
}

func (e *recordingExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

type noopRecorder struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (r *noopRecorder) CreateJob(ctx context.Context, job *models.ProcessingJob) error { return nil }

func (r *noopRecorder) UpdateJobStatus(ctx context.Context, jobID, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]string)
	}
	r.statuses[jobID] = status
	return nil
}

func writePayload(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("page one text"), 0o644))
	return path
}

func fastConfig() Config {
	return Config{
		MaxConcurrency: 1,
		Capacity:       10,
		MaxRetries:     3,
		DispatchTick:   5 * time.Millisecond,
		AgingThreshold: time.Hour,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDispatchOrderFollowsPriorityThenFIFO(t *testing.T) {
	exec := &recordingExecutor{}
	q := New(fastConfig(), exec, nil)
	payload := writePayload(t, "doc.pdf")

	require.True(t, q.Submit(SubmitParams{JobID: "A", Filename: "a", PayloadPath: payload, Priority: models.PriorityNormal}))
	require.True(t, q.Submit(SubmitParams{JobID: "B", Filename: "b", PayloadPath: payload, Priority: models.PriorityHigh}))
	require.True(t, q.Submit(SubmitParams{JobID: "C", Filename: "c", PayloadPath: payload, Priority: models.PriorityLow}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(time.Second)

	waitFor(t, func() bool { return len(exec.executed()) == 3 }, "jobs did not all run")
	assert.Equal(t, []string{"B", "A", "C"}, exec.executed())
}

func TestDispatchIsFIFOWithinPriorityBand(t *testing.T) {
	exec := &recordingExecutor{}
	q := New(fastConfig(), exec, nil)
	payload := writePayload(t, "doc.pdf")

	for _, id := range []string{"first", "second", "third"} {
		require.True(t, q.Submit(SubmitParams{JobID: id, Filename: id, PayloadPath: payload, Priority: models.PriorityNormal}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(time.Second)

	waitFor(t, func() bool { return len(exec.executed()) == 3 }, "jobs did not all run")
	assert.Equal(t, []string{"first", "second", "third"}, exec.executed())
}

func TestSubmitRejectsDuplicatesAndOverflow(t *testing.T) {
	cfg := fastConfig()
	cfg.Capacity = 2
	q := New(cfg, &recordingExecutor{}, nil)
	payload := writePayload(t, "doc.pdf")

	assert.True(t, q.Submit(SubmitParams{JobID: "one", PayloadPath: payload}))
	assert.False(t, q.Submit(SubmitParams{JobID: "one", PayloadPath: payload}), "duplicate id")
	assert.True(t, q.Submit(SubmitParams{JobID: "two", PayloadPath: payload}))
	assert.False(t, q.Submit(SubmitParams{JobID: "three", PayloadPath: payload}), "queue at capacity")

	assert.False(t, q.Submit(SubmitParams{JobID: "", PayloadPath: payload}), "empty id")
}

func TestBoundedConcurrency(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.MaxConcurrency = 2
	q := New(cfg, exec, nil)
	payload := writePayload(t, "doc.pdf")

	for _, id := range []string{"a", "b", "c", "d"} {
		require.True(t, q.Submit(SubmitParams{JobID: id, PayloadPath: payload}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitFor(t, func() bool { return q.Status().ActiveCount == 2 }, "two slots should fill")
	assert.Equal(t, 2, q.Status().QueueSize, "remaining jobs stay queued")

	close(exec.block)
	waitFor(t, func() bool { return len(exec.executed()) == 4 }, "all jobs should eventually run")
	require.NoError(t, q.Stop(time.Second))

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.LessOrEqual(t, exec.peak, 2, "concurrency limit exceeded")
}

func TestCancelOnlyWhileQueued(t *testing.T) {
	exec := &recordingExecutor{block: make(chan struct{})}
	rec := &noopRecorder{}
	q := New(fastConfig(), exec, rec)
	payload := writePayload(t, "doc.pdf")

	require.True(t, q.Submit(SubmitParams{JobID: "running", PayloadPath: payload}))
	require.True(t, q.Submit(SubmitParams{JobID: "waiting", PayloadPath: payload, Priority: models.PriorityLow}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitFor(t, func() bool { return q.Status().ActiveCount == 1 }, "first job should start")

	assert.False(t, q.Cancel("running"), "active jobs cannot be cancelled")
	assert.False(t, q.Cancel("unknown"))
	assert.True(t, q.Cancel("waiting"))

	close(exec.block)
	require.NoError(t, q.Stop(time.Second))

	assert.Equal(t, []string{"running"}, exec.executed())
	assert.Equal(t, models.JobStatusCancelled, rec.statuses["waiting"])
}

func TestMissingPayloadFailsTerminally(t *testing.T) {
	exec := &recordingExecutor{}
	rec := &noopRecorder{}
	q := New(fastConfig(), exec, rec)

	ghost := filepath.Join(t.TempDir(), "never-written.pdf")
	require.True(t, q.Submit(SubmitParams{JobID: "ghost", PayloadPath: ghost, EstimatedDuration: time.Minute}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitFor(t, func() bool { return q.Status().TotalFailed == 1 }, "missing payload should fail the job")
	require.NoError(t, q.Stop(time.Second))

	assert.Empty(t, exec.executed(), "executor must not run without a payload")
	assert.Equal(t, models.JobStatusFailed, rec.statuses["ghost"])
}

func TestResubmitAllowedAfterTerminalFailure(t *testing.T) {
	exec := &recordingExecutor{}
	var fail sync.Mutex
	failing := true
	exec.result = func(job *Job) error {
		fail.Lock()
		defer fail.Unlock()
		if failing {
			return errors.New("extraction crashed")
		}
		return nil
	}

	q := New(fastConfig(), exec, nil)
	payload := writePayload(t, "doc.pdf")
	require.True(t, q.Submit(SubmitParams{JobID: "retry-me", PayloadPath: payload}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop(time.Second)

	waitFor(t, func() bool { return q.Status().TotalFailed == 1 }, "first run should fail")

	// The failed id is free again; submitting it once the underlying
	// problem is fixed runs the job to completion.
	fail.Lock()
	failing = false
	fail.Unlock()
	require.True(t, q.Submit(SubmitParams{JobID: "retry-me", PayloadPath: payload}))

	waitFor(t, func() bool { return q.Status().TotalCompleted == 1 }, "resubmitted job should complete")
	assert.Equal(t, []string{"retry-me", "retry-me"}, exec.executed())

	// Completed ids stay taken.
	assert.False(t, q.Submit(SubmitParams{JobID: "retry-me", PayloadPath: payload}))
}

func TestStartFailureRequeuesUpToMaxRetries(t *testing.T) {
	exec := &recordingExecutor{}
	exec.result = func(job *Job) error { return ErrStartFailed }

	cfg := fastConfig()
	cfg.MaxRetries = 2
	q := New(cfg, exec, nil)
	payload := writePayload(t, "doc.pdf")
	require.True(t, q.Submit(SubmitParams{JobID: "flappy", PayloadPath: payload}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	waitFor(t, func() bool { return q.Status().TotalFailed == 1 }, "job should fail after retries")
	require.NoError(t, q.Stop(time.Second))

	// Initial run plus two re-enqueues.
	assert.Len(t, exec.executed(), 3)
}

func TestStatusObservesRetryCountDuringRequeues(t *testing.T) {
	exec := &recordingExecutor{}
	exec.result = func(job *Job) error { return ErrStartFailed }

	cfg := fastConfig()
	cfg.MaxRetries = 2
	q := New(cfg, exec, nil)
	payload := writePayload(t, "doc.pdf")
	require.True(t, q.Submit(SubmitParams{JobID: "flappy", PayloadPath: payload}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// Poll the snapshot concurrently with the dispatcher's re-enqueues; the
	// retry count is mutated under the queue lock, so previews must never
	// race with it.
	done := make(chan struct{})
	maxSeen := 0
	go func() {
		defer close(done)
		for q.Status().TotalFailed == 0 {
			st := q.Status()
			for _, p := range append(st.Queued, st.Active...) {
				if p.RetryCount > maxSeen {
					maxSeen = p.RetryCount
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never reached terminal failure")
	}
	require.NoError(t, q.Stop(time.Second))

	assert.LessOrEqual(t, maxSeen, cfg.MaxRetries)
	assert.Len(t, exec.executed(), cfg.MaxRetries+1)
}

func TestAgingPromotesWaitingJobs(t *testing.T) {
	cfg := fastConfig()
	cfg.AgingThreshold = time.Millisecond
	q := New(cfg, &recordingExecutor{}, nil)
	payload := writePayload(t, "doc.pdf")

	require.True(t, q.Submit(SubmitParams{JobID: "old-low", PayloadPath: payload, Priority: models.PriorityLow}))
	time.Sleep(5 * time.Millisecond)
	q.promoteAged()

	q.mu.Lock()
	job := q.pendingByID["old-low"]
	q.mu.Unlock()
	assert.Equal(t, models.PriorityNormal, job.Priority, "one band per aging interval")

	// A newly submitted high-priority job still goes first after promotion.
	require.True(t, q.Submit(SubmitParams{JobID: "fresh-high", PayloadPath: payload, Priority: models.PriorityHigh}))
	q.mu.Lock()
	head := q.pending.sorted()[0].ID
	q.mu.Unlock()
	assert.Equal(t, "fresh-high", head)
}

func TestAgingNeverPromotesPastUrgent(t *testing.T) {
	cfg := fastConfig()
	cfg.AgingThreshold = time.Millisecond
	q := New(cfg, &recordingExecutor{}, nil)
	payload := writePayload(t, "doc.pdf")

	require.True(t, q.Submit(SubmitParams{JobID: "hot", PayloadPath: payload, Priority: models.PriorityUrgent}))
	time.Sleep(5 * time.Millisecond)
	q.promoteAged()

	q.mu.Lock()
	job := q.pendingByID["hot"]
	q.mu.Unlock()
	assert.Equal(t, models.PriorityUrgent, job.Priority)
}

func TestEstimateDurationHeuristic(t *testing.T) {
	q := New(fastConfig(), &recordingExecutor{}, nil)

	// Tiny payloads clamp up to the minimum.
	assert.Equal(t, estimateMin, q.estimateDurationLocked(0))

	// 10 MB: 30s base + 150s linear.
	assert.Equal(t, 180*time.Second, q.estimateDurationLocked(10<<20))

	// Huge payloads clamp to the maximum.
	assert.Equal(t, estimateMax, q.estimateDurationLocked(1<<40))
}

func TestEstimateBlendsWithHistory(t *testing.T) {
	q := New(fastConfig(), &recordingExecutor{}, nil)
	q.finishedCount = estimateHistoryMin
	q.procSum = time.Duration(estimateHistoryMin) * 300 * time.Second

	// Size-based estimate 180s blended 50/50 with the 300s average.
	assert.Equal(t, 240*time.Second, q.estimateDurationLocked(10<<20))
}

func TestStatusSnapshot(t *testing.T) {
	q := New(fastConfig(), &recordingExecutor{}, nil)
	payload := writePayload(t, "doc.pdf")

	require.True(t, q.Submit(SubmitParams{JobID: "a", Filename: "a.pdf", PayloadPath: payload, Priority: models.PriorityHigh}))
	require.True(t, q.Submit(SubmitParams{JobID: "b", Filename: "b.pdf", PayloadPath: payload, Priority: models.PriorityLow}))

	st := q.Status()
	assert.Equal(t, 2, st.QueueSize)
	assert.Equal(t, 0, st.ActiveCount)
	assert.Equal(t, uint64(2), st.TotalSubmitted)
	require.Len(t, st.Queued, 2)
	assert.Equal(t, "a", st.Queued[0].ID, "previews come back in dispatch order")
	assert.Equal(t, "high", st.Queued[0].Priority)
}
