package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"vellum/internal/models"
)

// --- Document Store (relational, authoritative) ---

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) ([]*models.Document, error)
	ListDocumentIDs(ctx context.Context) ([]int64, error)
	CountDocuments(ctx context.Context) (int64, error)
	UpdateDocumentEmbeddingStatus(ctx context.Context, docID int64, embeddingID uuid.UUID, isEmbedded bool) error
	UpdateDocumentMetadata(ctx context.Context, docID int64, metadata json.RawMessage) error

	Ping(ctx context.Context) error
}

// --- Page Store (relational, per-page OCR output) ---

type PageStore interface {
	CreatePages(ctx context.Context, docID int64, pages []models.DocumentPage) error
	GetPagesByDocument(ctx context.Context, docID int64) ([]models.DocumentPage, error)
	CountPagesByDocument(ctx context.Context) (map[int64]int64, error)
	// ListOrphanPages returns page rows whose parent document no longer exists.
	ListOrphanPages(ctx context.Context) ([]models.DocumentPage, error)
	DeletePages(ctx context.Context, ids []int64) error
}

// --- Job Store (durable pipeline progress) ---

// JobCompletion carries the terminal state persisted when a pipeline run
// finishes, partially or fully.
type JobCompletion struct {
	Status         string
	StepsCompleted []string
	StepsFailed    []models.StepError
	PendingTasks   []string
	ErrorMessage   string
	ResultSummary  json.RawMessage
	DocumentID     *int64
}

type JobStore interface {
	CreateJob(ctx context.Context, job *models.ProcessingJob) error
	GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	MarkJobStarted(ctx context.Context, jobID string) error
	// UpdateJobProgress persists the stage about to run; progress never
	// decreases while a job is processing.
	UpdateJobProgress(ctx context.Context, jobID, currentStep string, progress int) error
	UpdateJobStatus(ctx context.Context, jobID, status, errorMessage string) error
	CompleteJob(ctx context.Context, jobID string, result JobCompletion) error
	ClearPendingTask(ctx context.Context, jobID, task string) error
	ListJobsWithPendingTask(ctx context.Context, task string) ([]*models.ProcessingJob, error)
	// CleanupJobs removes terminal job records older than the retention
	// window and reports how many were deleted.
	CleanupJobs(ctx context.Context, retention time.Duration) (int64, error)
}

// --- Vector Store (derived similarity index) ---

type VectorStore interface {
	AddEmbedding(ctx context.Context, entry *models.EmbeddingEntry) error
	AddEmbeddings(ctx context.Context, entries []*models.EmbeddingEntry) error
	DeleteEmbeddingsByDocumentID(ctx context.Context, docID int64) error
	// ListDocumentIDs returns the distinct document identities present in
	// the index; the consistency checker diffs this against the relational
	// store.
	ListDocumentIDs(ctx context.Context) ([]int64, error)
	CountDocuments(ctx context.Context) (int64, error)
	CountVectorsByDocument(ctx context.Context) (map[int64]int64, error)
	GetDocumentMetadata(ctx context.Context, docID int64) (json.RawMessage, error)
	UpdateMetadataByDocumentID(ctx context.Context, docID int64, metadata json.RawMessage) error

	Ping(ctx context.Context) error
	Close() error
}
