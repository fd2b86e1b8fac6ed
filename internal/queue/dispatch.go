package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"vellum/internal/models"
	"vellum/internal/observability"
)

// Start launches the supervised dispatch loop. The loop ticks independently
// of worker execution and never blocks on a collaborator call.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.baseCtx = ctx
	q.stopCh = make(chan struct{})
	q.doneCh = make(chan struct{})
	q.mu.Unlock()

	go q.run()
	log.Infof("job queue started (max concurrency %d, capacity %d)", q.cfg.MaxConcurrency, q.cfg.Capacity)
}

// Stop halts the dispatch loop and waits for in-flight jobs, bounded by
// timeout. Jobs already handed to workers run to completion.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	close(q.stopCh)
	q.mu.Unlock()

	deadline := time.After(timeout)
	select {
	case <-q.doneCh:
	case <-deadline:
		return fmt.Errorf("dispatch loop did not stop within %s", timeout)
	}

	workersDone := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
		return nil
	case <-deadline:
		return fmt.Errorf("active jobs still running after %s", timeout)
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.cfg.DispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.baseCtx.Done():
			return
		case <-ticker.C:
			q.promoteAged()
			q.dispatch()
		}
	}
}

// promoteAged lifts long-waiting jobs one priority band per aging interval
// so low-priority work cannot starve. Promotion never bypasses the
// concurrency slot limit; it only reorders admission.
func (q *Queue) promoteAged() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	changed := false
	for _, job := range q.pending {
		if job.Priority == models.PriorityUrgent {
			continue
		}
		if now.Sub(job.lastBoost) < q.cfg.AgingThreshold {
			continue
		}
		old := job.Priority
		job.Priority = job.Priority.Promote()
		job.lastBoost = now
		changed = true
		log.Infof("job %s promoted %s -> %s after waiting %s",
			job.ID, old, job.Priority, now.Sub(job.SubmittedAt).Round(time.Second))
	}
	if changed {
		heap.Init(&q.pending)
	}
}

// dispatch fills free worker slots from the head of the heap. Store writes
// and job execution happen outside the queue lock.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.active) >= q.cfg.MaxConcurrency || q.pending.Len() == 0 {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.pending).(*Job)
		delete(q.pendingByID, job.ID)

		// A missing payload cannot be fixed by waiting: terminal failure,
		// no retry.
		if _, err := os.Stat(job.PayloadPath); err != nil {
			q.totalFailed++
			q.mu.Unlock()

			log.Errorf("job %s payload %s missing at dispatch: %v", job.ID, job.PayloadPath, err)
			observability.JobsFinished.WithLabelValues("failed").Inc()
			if q.records != nil {
				msg := fmt.Sprintf("input file missing: %s", job.PayloadPath)
				if err := q.records.UpdateJobStatus(context.Background(), job.ID, models.JobStatusFailed, msg); err != nil {
					log.Errorf("failed to persist dispatch failure for job %s: %v", job.ID, err)
				}
			}
			continue
		}

		q.active[job.ID] = job
		q.mu.Unlock()

		q.wg.Add(1)
		go q.runJob(job)
	}
}

func (q *Queue) runJob(job *Job) {
	defer q.wg.Done()

	start := time.Now()
	wait := start.Sub(job.SubmittedAt)
	log.Infof("dispatching job %s (priority %s, waited %s)", job.ID, job.Priority, wait.Round(time.Millisecond))

	err := q.executor.Execute(q.baseCtx, job)

	// A transient start failure goes back into the queue with an
	// incremented retry count instead of counting as a real run. The job is
	// still visible to Status() until it leaves the active map, so the
	// mutation happens under the queue lock.
	if err != nil && errors.Is(err, ErrStartFailed) && job.RetryCount < job.MaxRetries {
		q.mu.Lock()
		job.RetryCount++
		delete(q.active, job.ID)
		heap.Push(&q.pending, job)
		q.pendingByID[job.ID] = job
		q.mu.Unlock()
		log.Warnf("job %s failed to start (attempt %d/%d), re-enqueued: %v",
			job.ID, job.RetryCount, job.MaxRetries, err)
		return
	}

	elapsed := time.Since(start)
	q.mu.Lock()
	delete(q.active, job.ID)
	if err != nil {
		q.totalFailed++
	} else {
		q.completed[job.ID] = struct{}{}
		q.totalCompleted++
	}
	q.waitSum += wait
	q.procSum += elapsed
	q.finishedCount++
	q.mu.Unlock()

	status := "completed"
	if err != nil {
		status = "failed"
		log.Errorf("job %s failed after %s: %v", job.ID, elapsed.Round(time.Millisecond), err)
	} else {
		log.Infof("job %s completed in %s", job.ID, elapsed.Round(time.Millisecond))
	}
	observability.JobsFinished.WithLabelValues(status).Inc()
	observability.JobDuration.Observe(elapsed.Seconds())
	observability.QueueDepth.Set(float64(q.Status().QueueSize))
}
