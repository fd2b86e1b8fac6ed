package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"vellum/internal/tasks"
)

// SweepClient enqueues deferred best-effort stages onto the asynq sweep
// queue. It implements pipeline.Sweeper.
type SweepClient struct {
	client *asynq.Client
}

func NewSweepClient(redisAddr, password string, db int) *SweepClient {
	return &SweepClient{
		client: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: password,
			DB:       db,
		}),
	}
}

func (c *SweepClient) Close() error {
	return c.client.Close()
}

// EnqueueSweep schedules one deferred stage for out-of-band retry. asynq's
// own retry/backoff covers the window until the dependent service recovers.
func (c *SweepClient) EnqueueSweep(ctx context.Context, jobID string, docID int64, stage string) error {
	taskType := tasks.TypeForStage(stage)
	if taskType == "" {
		return fmt.Errorf("stage %q is not sweepable", stage)
	}

	task, err := tasks.NewSweepTask(taskType, tasks.SweepPayload{
		JobID:      jobID,
		DocumentID: docID,
		Stage:      stage,
	})
	if err != nil {
		return fmt.Errorf("building sweep task for job %s: %w", jobID, err)
	}

	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(tasks.SweepQueue),
		asynq.MaxRetry(10),
	)
	if err != nil {
		return fmt.Errorf("enqueue sweep task %s for job %s: %w", taskType, jobID, err)
	}
	log.Printf("Enqueued sweep task %s for job %s (task id %s)", taskType, jobID, info.ID)
	return nil
}
