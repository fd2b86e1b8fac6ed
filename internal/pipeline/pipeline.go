package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"vellum/internal/models"
	"vellum/internal/observability"
	"vellum/internal/queue"
	"vellum/internal/resilience"
	"vellum/internal/store"
)

// StageName identifies a pipeline stage. The stage table is fixed at
// pipeline-definition time; nothing dispatches on these strings per call.
type StageName string

const (
	StageOCR      StageName = "ocr"
	StageEmbed    StageName = "embed"
	StageQuality  StageName = "quality"
	StageLayout   StageName = "layout"
	StageMetadata StageName = "metadata"
)

// StageContext is handed to each stage in order. Data accumulates stage
// outputs; later stages read what earlier stages produced.
type StageContext struct {
	JobID       string
	Filename    string
	PayloadPath string
	Data        map[string]any
}

// StageResult is what a collaborator call returns on success.
type StageResult struct {
	Data     map[string]any
	Warnings []string
}

// StageFunc is the narrow contract every external collaborator implements:
// idempotent enough to be retried, side-effect-free on failure.
type StageFunc func(ctx context.Context, sc *StageContext) (*StageResult, error)

// StageDef is one row of the stage table. Required stage failure aborts the
// job; a deferrable stage that fails on an unhealthy service is flagged
// pending for the batch sweep.
type StageDef struct {
	Name           StageName
	Service        string
	Required       bool
	Deferrable     bool
	TargetProgress int
	Run            StageFunc
}

// Result summarizes one pipeline run.
type Result struct {
	Success        bool
	StepsCompleted []string
	StepsFailed    []models.StepError
	PendingTasks   []string
	Warnings       []string
	Data           map[string]any
}

// Sweeper enqueues a deferred best-effort stage for out-of-band retry once
// the dependent service recovers.
type Sweeper interface {
	EnqueueSweep(ctx context.Context, jobID string, docID int64, stage string) error
}

// Orchestrator drives a job through the stage table, persisting progress
// before every stage so an external poller always sees the current step.
type Orchestrator struct {
	stages   []StageDef
	breakers *resilience.Manager
	jobs     store.JobStore
	sweeper  Sweeper
}

// NewOrchestrator builds an orchestrator. sweeper may be nil, in which case
// deferred stages are flagged pending but not actively enqueued.
func NewOrchestrator(stages []StageDef, breakers *resilience.Manager, jobs store.JobStore, sweeper Sweeper) *Orchestrator {
	return &Orchestrator{stages: stages, breakers: breakers, jobs: jobs, sweeper: sweeper}
}

var _ queue.Executor = (*Orchestrator)(nil)

// Execute implements queue.Executor. It returns nil when the job reached
// "completed" (including partial, best-effort-only failures) and an error
// when a required stage failed. A failure to even mark the job started is
// reported as queue.ErrStartFailed so the dispatcher can re-enqueue.
func (o *Orchestrator) Execute(ctx context.Context, job *queue.Job) error {
	if err := o.jobs.MarkJobStarted(ctx, job.ID); err != nil {
		return fmt.Errorf("%w: marking job %s started: %v", queue.ErrStartFailed, job.ID, err)
	}

	result := &Result{Data: make(map[string]any)}
	sc := &StageContext{
		JobID:       job.ID,
		Filename:    job.Filename,
		PayloadPath: job.PayloadPath,
		Data:        result.Data,
	}

	for _, stage := range o.stages {
		// Persist the step about to run before running it. This write is
		// the source of truth for pollers and must happen first; if it
		// fails we log and continue rather than lose the work.
		if err := o.jobs.UpdateJobProgress(ctx, job.ID, string(stage.Name), stage.TargetProgress); err != nil {
			log.Errorf("job %s: failed to persist progress for stage %s: %v", job.ID, stage.Name, err)
		}

		var warnings []string
		err := o.breakers.Call(ctx, stage.Service, func(ctx context.Context) error {
			res, runErr := stage.Run(ctx, sc)
			if runErr != nil {
				return runErr
			}
			if res != nil {
				for k, v := range res.Data {
					sc.Data[k] = v
				}
				warnings = res.Warnings
			}
			return nil
		})

		if err == nil {
			result.StepsCompleted = append(result.StepsCompleted, string(stage.Name))
			result.Warnings = append(result.Warnings, warnings...)
			continue
		}

		circuitOpen := resilience.IsCircuitOpen(err)
		failureKind := "error"
		if circuitOpen {
			failureKind = "circuit_open"
		}
		observability.StageFailures.WithLabelValues(string(stage.Name), failureKind).Inc()

		if stage.Required {
			result.StepsFailed = append(result.StepsFailed, models.StepError{Step: string(stage.Name), Error: err.Error()})
			msg := fmt.Sprintf("required stage %s failed: %v", stage.Name, err)
			log.Errorf("job %s: %s", job.ID, msg)
			o.finalize(ctx, job.ID, result, models.JobStatusFailed, msg)
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		// Best-effort stage: record, warn, keep going.
		result.StepsFailed = append(result.StepsFailed, models.StepError{Step: string(stage.Name), Error: err.Error()})
		warning := fmt.Sprintf("stage %s failed: %v", stage.Name, err)
		if circuitOpen {
			warning = fmt.Sprintf("stage %s skipped: service %s is circuit-broken", stage.Name, stage.Service)
		}
		result.Warnings = append(result.Warnings, warning)
		log.Warnf("job %s: %s", job.ID, warning)

		if stage.Deferrable && shouldDefer(err) {
			result.PendingTasks = append(result.PendingTasks, string(stage.Name))
			if o.sweeper != nil {
				docID, _ := DocumentIDFrom(sc)
				if sweepErr := o.sweeper.EnqueueSweep(ctx, job.ID, docID, string(stage.Name)); sweepErr != nil {
					log.Errorf("job %s: failed to enqueue sweep for stage %s: %v", job.ID, stage.Name, sweepErr)
				}
			}
		}
	}

	result.Success = true
	o.finalize(ctx, job.ID, result, models.JobStatusCompleted, "")
	return nil
}

// shouldDefer reports whether a best-effort failure is worth a batch-sweep
// retry: the service was down or exhausted retries, as opposed to rejecting
// the input outright.
func shouldDefer(err error) bool {
	if resilience.IsCircuitOpen(err) {
		return true
	}
	var exhausted *resilience.RetryExhaustedError
	return errors.As(err, &exhausted)
}

// finalize persists the terminal job state. Persistence failures here are
// logged, never raised: the pipeline outcome stands either way.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, result *Result, status, errorMessage string) {
	var docID *int64
	if id, ok := DocumentIDFrom(&StageContext{Data: result.Data}); ok {
		docID = &id
	}

	summary := map[string]any{
		"steps_completed": len(result.StepsCompleted),
		"steps_failed":    len(result.StepsFailed),
		"warnings":        result.Warnings,
	}
	if pages, ok := result.Data["page_count"]; ok {
		summary["page_count"] = pages
	}
	if score, ok := result.Data["quality_score"]; ok {
		summary["quality_score"] = score
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		summaryJSON = json.RawMessage("{}")
	}

	completion := store.JobCompletion{
		Status:         status,
		StepsCompleted: result.StepsCompleted,
		StepsFailed:    result.StepsFailed,
		PendingTasks:   result.PendingTasks,
		ErrorMessage:   errorMessage,
		ResultSummary:  summaryJSON,
		DocumentID:     docID,
	}
	if err := o.jobs.CompleteJob(ctx, jobID, completion); err != nil {
		log.Errorf("job %s: failed to persist terminal state %q: %v", jobID, status, err)
	}
}

// DocumentIDFrom extracts the document id an embed stage stored in the
// stage context.
func DocumentIDFrom(sc *StageContext) (int64, bool) {
	id, ok := sc.Data["document_id"].(int64)
	return id, ok
}

// PagesFrom extracts the OCR page texts from the stage context.
func PagesFrom(sc *StageContext) ([]string, bool) {
	pages, ok := sc.Data["pages"].([]string)
	return pages, ok
}
