package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Document is the authoritative relational record for an ingested document.
// The vector store holds one document-level embedding plus one embedding per
// page, all keyed by the document ID.
type Document struct {
	ID          int64           `db:"id"`
	Filename    string          `db:"filename"`
	ContentHash string          `db:"content_hash"`
	FilePath    *string         `db:"file_path"`
	FileSize    *int64          `db:"file_size"`
	PageCount   int             `db:"page_count"`
	Metadata    json.RawMessage `db:"metadata"`
	EmbeddingID *uuid.UUID      `db:"embedding_id"` // document-level vector
	IsEmbedded  bool            `db:"is_embedded"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// DocumentPage holds per-page OCR output in the relational store.
type DocumentPage struct {
	ID         int64     `db:"id"`
	DocumentID int64     `db:"document_id"`
	PageNumber int       `db:"page_number"`
	Text       string    `db:"text"`
	CreatedAt  time.Time `db:"created_at"`
}

// EmbeddingEntry mirrors the embeddings table in the vector store.
// PageNumber 0 marks the document-level vector.
type EmbeddingEntry struct {
	ID         uuid.UUID       `db:"id"`
	DocumentID int64           `db:"document_id"`
	PageNumber int             `db:"page_number"`
	ChunkText  string          `db:"chunk_text"`
	Vector     pgvector.Vector `db:"vector"`
	Metadata   json.RawMessage `db:"metadata"`
	CreatedAt  time.Time       `db:"created_at"`
}

// StepError records a pipeline stage failure on a job.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// ProcessingJob mirrors the processing_jobs table. It is the durable state
// an external poller reads while a job moves through the pipeline, so every
// stage transition is persisted here before the stage runs.
type ProcessingJob struct {
	ID                 int64           `db:"id"`
	JobID              string          `db:"job_id"`
	Filename           string          `db:"filename"`
	Status             string          `db:"status"`
	CurrentStep        string          `db:"current_step"`
	ProgressPercentage int             `db:"progress_percentage"`
	StepsCompleted     []string        `db:"steps_completed"`
	StepsFailed        []StepError     `db:"steps_failed"`
	PendingTasks       []string        `db:"pending_tasks"`
	ErrorMessage       *string         `db:"error_message"`
	ResultSummary      json.RawMessage `db:"result_summary"`
	DocumentID         *int64          `db:"document_id"`
	CreatedAt          time.Time       `db:"created_at"`
	StartedAt          *time.Time      `db:"started_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}
