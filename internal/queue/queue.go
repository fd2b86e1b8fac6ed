package queue

import (
	"container/heap"
	"context"
	"errors"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"vellum/internal/models"
	"vellum/internal/observability"
)

// ErrStartFailed marks a transient failure to start executing a job (for
// example the initial status write failed). The dispatcher re-enqueues such
// jobs up to MaxRetries instead of failing them.
var ErrStartFailed = errors.New("queue: job start failed")

// Job is the in-memory scheduling unit. The worker executing a job owns it
// exclusively until the run finishes; the queue only touches it under its
// mutex while the job sits in the pending heap.
type Job struct {
	ID                string
	Filename          string
	PayloadPath       string
	Priority          models.Priority
	SubmittedAt       time.Time
	EstimatedDuration time.Duration
	RetryCount        int
	MaxRetries        int

	lastBoost time.Time
	seq       uint64
	index     int
}

// Executor runs a dispatched job; the pipeline orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// JobRecorder is the slice of the job store the queue needs for durable
// admission and dispatch-time failures.
type JobRecorder interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	UpdateJobStatus(ctx context.Context, jobID, status, errorMessage string) error
}

// Config tunes the queue. MaxConcurrency is the single admission-control
// throttle protecting the GPU-bound services downstream.
type Config struct {
	MaxConcurrency int
	Capacity       int
	MaxRetries     int
	DispatchTick   time.Duration
	AgingThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	if c.Capacity <= 0 {
		c.Capacity = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DispatchTick <= 0 {
		c.DispatchTick = time.Second
	}
	if c.AgingThreshold <= 0 {
		c.AgingThreshold = 10 * time.Minute
	}
}

// SubmitParams carries one submission. EstimatedDuration zero means derive
// it from the payload size.
type SubmitParams struct {
	JobID             string
	Filename          string
	PayloadPath       string
	Priority          models.Priority
	EstimatedDuration time.Duration
}

// Queue is the priority-ordered, bounded-concurrency admission component.
// A job identifier admitted here lives in exactly one of pending, active or
// completed at any instant; a failed identifier leaves all three and may be
// submitted again.
type Queue struct {
	cfg      Config
	executor Executor
	records  JobRecorder

	mu          sync.Mutex
	pending     jobHeap
	pendingByID map[string]*Job
	active      map[string]*Job
	completed   map[string]struct{}
	nextSeq     uint64

	totalSubmitted uint64
	totalCompleted uint64
	totalFailed    uint64
	totalCancelled uint64
	waitSum        time.Duration
	procSum        time.Duration
	finishedCount  uint64

	baseCtx context.Context
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds a stopped queue; call Start to run the dispatch loop.
func New(cfg Config, executor Executor, records JobRecorder) *Queue {
	cfg.applyDefaults()
	return &Queue{
		cfg:         cfg,
		executor:    executor,
		records:     records,
		pendingByID: make(map[string]*Job),
		active:      make(map[string]*Job),
		completed:   make(map[string]struct{}),
	}
}

// Submit admits a job. It returns false, without error, when the queue is
// at capacity or the identifier is already known; callers surface that as
// "try again later".
func (q *Queue) Submit(params SubmitParams) bool {
	if params.JobID == "" || params.PayloadPath == "" {
		return false
	}

	q.mu.Lock()
	if q.pending.Len() >= q.cfg.Capacity {
		q.mu.Unlock()
		log.Warnf("queue at capacity (%d), rejecting job %s", q.cfg.Capacity, params.JobID)
		return false
	}
	if q.knownLocked(params.JobID) {
		q.mu.Unlock()
		log.Warnf("duplicate submission for job %s rejected", params.JobID)
		return false
	}

	estimate := params.EstimatedDuration
	if estimate <= 0 {
		estimate = q.estimateDurationLocked(payloadSize(params.PayloadPath))
	}

	now := time.Now()
	job := &Job{
		ID:                params.JobID,
		Filename:          params.Filename,
		PayloadPath:       params.PayloadPath,
		Priority:          params.Priority,
		SubmittedAt:       now,
		EstimatedDuration: estimate,
		MaxRetries:        q.cfg.MaxRetries,
		lastBoost:         now,
		seq:               q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.pending, job)
	q.pendingByID[job.ID] = job
	q.totalSubmitted++
	q.mu.Unlock()

	observability.JobsSubmitted.WithLabelValues(job.Priority.String()).Inc()

	// The durable record mirrors the admission; a failed write is logged,
	// not fatal, since the queue itself is the admission authority.
	if q.records != nil {
		record := &models.ProcessingJob{
			JobID:    job.ID,
			Filename: job.Filename,
			Status:   models.JobStatusQueued,
		}
		if err := q.records.CreateJob(context.Background(), record); err != nil {
			log.Errorf("failed to persist job record for %s: %v", job.ID, err)
		}
	}
	return true
}

// Cancel removes a job that has not started executing. Active jobs run to
// completion; there is no forced interruption mid-stage.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.pendingByID[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.pending, job.index)
	delete(q.pendingByID, jobID)
	q.totalCancelled++
	q.mu.Unlock()

	if q.records != nil {
		if err := q.records.UpdateJobStatus(context.Background(), jobID, models.JobStatusCancelled, ""); err != nil {
			log.Errorf("failed to persist cancellation of job %s: %v", jobID, err)
		}
	}
	log.Infof("job %s cancelled while queued", jobID)
	return true
}

// knownLocked reports whether the id is queued, active or completed. A
// terminally failed id is free again, so a caller can resubmit the same job
// after fixing whatever made it fail. Caller holds q.mu.
func (q *Queue) knownLocked(jobID string) bool {
	if _, ok := q.pendingByID[jobID]; ok {
		return true
	}
	if _, ok := q.active[jobID]; ok {
		return true
	}
	_, ok := q.completed[jobID]
	return ok
}

func payloadSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Duration heuristic: linear in payload size, clamped, then blended with
// the observed average once enough jobs have finished.
const (
	estimateBase       = 30 * time.Second
	estimatePerMB      = 15 * time.Second
	estimateMin        = 60 * time.Second
	estimateMax        = 1200 * time.Second
	estimateHistoryMin = 5
)

func (q *Queue) estimateDurationLocked(sizeBytes int64) time.Duration {
	est := estimateBase + time.Duration(float64(estimatePerMB)*float64(sizeBytes)/(1<<20))
	est = clampDuration(est, estimateMin, estimateMax)

	if q.finishedCount >= estimateHistoryMin {
		hist := q.procSum / time.Duration(q.finishedCount)
		est = clampDuration((est+hist)/2, estimateMin, estimateMax)
	}
	return est
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// JobPreview summarizes one queued or active job for the status surface.
type JobPreview struct {
	ID                string        `json:"id"`
	Filename          string        `json:"filename"`
	Priority          string        `json:"priority"`
	SubmittedAt       time.Time     `json:"submitted_at"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	WaitingFor        time.Duration `json:"waiting_for"`
	RetryCount        int           `json:"retry_count"`
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	QueueSize         int           `json:"queue_size"`
	ActiveCount       int           `json:"active_count"`
	MaxConcurrency    int           `json:"max_concurrency"`
	TotalSubmitted    uint64        `json:"total_submitted"`
	TotalCompleted    uint64        `json:"total_completed"`
	TotalFailed       uint64        `json:"total_failed"`
	TotalCancelled    uint64        `json:"total_cancelled"`
	AverageWait       time.Duration `json:"average_wait"`
	AverageProcessing time.Duration `json:"average_processing"`
	Queued            []JobPreview  `json:"queued"`
	Active            []JobPreview  `json:"active"`
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	st := Status{
		QueueSize:      q.pending.Len(),
		ActiveCount:    len(q.active),
		MaxConcurrency: q.cfg.MaxConcurrency,
		TotalSubmitted: q.totalSubmitted,
		TotalCompleted: q.totalCompleted,
		TotalFailed:    q.totalFailed,
		TotalCancelled: q.totalCancelled,
	}
	if q.finishedCount > 0 {
		st.AverageWait = q.waitSum / time.Duration(q.finishedCount)
		st.AverageProcessing = q.procSum / time.Duration(q.finishedCount)
	}
	for _, job := range q.pending.sorted() {
		st.Queued = append(st.Queued, previewOf(job, now))
	}
	for _, job := range q.active {
		st.Active = append(st.Active, previewOf(job, now))
	}
	return st
}

func previewOf(job *Job, now time.Time) JobPreview {
	return JobPreview{
		ID:                job.ID,
		Filename:          job.Filename,
		Priority:          job.Priority.String(),
		SubmittedAt:       job.SubmittedAt,
		EstimatedDuration: job.EstimatedDuration,
		WaitingFor:        now.Sub(job.SubmittedAt),
		RetryCount:        job.RetryCount,
	}
}
