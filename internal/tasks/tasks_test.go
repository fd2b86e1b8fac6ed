package tasks

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeForStage(t *testing.T) {
	assert.Equal(t, TypeSweepMetadata, TypeForStage("metadata"))
	assert.Equal(t, TypeSweepLayout, TypeForStage("layout"))
	assert.Equal(t, TypeSweepQuality, TypeForStage("quality"))
	assert.Equal(t, "", TypeForStage("ocr"), "required stages are never swept")
	assert.Equal(t, "", TypeForStage(""))
}

func TestNewSweepTaskPayloadRoundTrip(t *testing.T) {
	task, err := NewSweepTask(TypeSweepLayout, SweepPayload{
		JobID:      "job-123",
		DocumentID: 42,
		Stage:      "layout",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeSweepLayout, task.Type())

	var decoded SweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.Equal(t, "job-123", decoded.JobID)
	assert.Equal(t, int64(42), decoded.DocumentID)
	assert.Equal(t, "layout", decoded.Stage)
}
