package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

// Task types for the deferred best-effort batch sweep. One type per
// deferrable pipeline stage so queue priorities and handlers stay separate.
const (
	TypeSweepMetadata = "sweep:metadata"
	TypeSweepLayout   = "sweep:layout"
	TypeSweepQuality  = "sweep:quality"
)

// SweepQueue is the asynq queue sweep tasks are enqueued to.
const SweepQueue = "sweep"

// SweepPayload identifies the job and document a deferred stage should be
// re-run for.
type SweepPayload struct {
	JobID      string `json:"job_id"`
	DocumentID int64  `json:"document_id"`
	Stage      string `json:"stage"`
}

// NewSweepTask builds the asynq task for one deferred stage.
func NewSweepTask(taskType string, payload SweepPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, b), nil
}

// TypeForStage maps a pipeline stage name to its sweep task type. The empty
// string means the stage is not sweepable.
func TypeForStage(stage string) string {
	switch stage {
	case "metadata":
		return TypeSweepMetadata
	case "layout":
		return TypeSweepLayout
	case "quality":
		return TypeSweepQuality
	}
	return ""
}
