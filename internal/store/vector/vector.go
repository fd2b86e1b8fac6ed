package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"vellum/internal/models"
	"vellum/internal/store"
)

// StoreImpl implements store.VectorStore on pgvector. The index is derived
// data: the relational store is the identity authority and the consistency
// checker repairs divergence, so writes here never gate reads there.
type StoreImpl struct {
	db *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (store.VectorStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("vector store DSN cannot be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vector store DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping vector store: %w", err)
	}
	log.Info("connected to PostgreSQL vector store")
	return &StoreImpl{db: pool}, nil
}

func (vs *StoreImpl) Close() error {
	if vs.db != nil {
		vs.db.Close()
	}
	return nil
}

func (vs *StoreImpl) Ping(ctx context.Context) error {
	if vs.db == nil {
		return fmt.Errorf("vector store connection is not initialized")
	}
	return vs.db.Ping(ctx)
}

func (vs *StoreImpl) AddEmbedding(ctx context.Context, entry *models.EmbeddingEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Metadata == nil {
		entry.Metadata = json.RawMessage("{}")
	}
	query := `
		INSERT INTO embeddings (id, document_id, page_number, chunk_text, vector, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err := vs.db.QueryRow(ctx, query,
		entry.ID, entry.DocumentID, entry.PageNumber, entry.ChunkText, entry.Vector, entry.Metadata,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("add embedding: %w", err)
	}
	return nil
}

// AddEmbeddings writes a batch of vectors in one transaction so a crashed
// writer leaves the document either fully indexed or fully absent.
func (vs *StoreImpl) AddEmbeddings(ctx context.Context, entries []*models.EmbeddingEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := vs.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin embeddings tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO embeddings (id, document_id, page_number, chunk_text, vector, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, entry := range entries {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		if entry.Metadata == nil {
			entry.Metadata = json.RawMessage("{}")
		}
		if _, err := tx.Exec(ctx, query,
			entry.ID, entry.DocumentID, entry.PageNumber, entry.ChunkText, entry.Vector, entry.Metadata,
		); err != nil {
			return fmt.Errorf("add embedding for document %d page %d: %w", entry.DocumentID, entry.PageNumber, err)
		}
	}
	return tx.Commit(ctx)
}

func (vs *StoreImpl) DeleteEmbeddingsByDocumentID(ctx context.Context, docID int64) error {
	if _, err := vs.db.Exec(ctx, `DELETE FROM embeddings WHERE document_id = $1`, docID); err != nil {
		return fmt.Errorf("delete embeddings for document %d: %w", docID, err)
	}
	return nil
}

func (vs *StoreImpl) ListDocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := vs.db.Query(ctx, `SELECT DISTINCT document_id FROM embeddings ORDER BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("list vector document ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan vector document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (vs *StoreImpl) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	if err := vs.db.QueryRow(ctx, `SELECT COUNT(DISTINCT document_id) FROM embeddings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count vector documents: %w", err)
	}
	return count, nil
}

// CountVectorsByDocument counts page-level vectors per document; the
// document-level vector (page_number 0) is excluded so the count compares
// directly against the relational page rows.
func (vs *StoreImpl) CountVectorsByDocument(ctx context.Context) (map[int64]int64, error) {
	rows, err := vs.db.Query(ctx,
		`SELECT document_id, COUNT(*) FROM embeddings WHERE page_number > 0 GROUP BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("count vectors by document: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var docID, count int64
		if err := rows.Scan(&docID, &count); err != nil {
			return nil, fmt.Errorf("scan vector count: %w", err)
		}
		counts[docID] = count
	}
	return counts, rows.Err()
}

// GetDocumentMetadata returns the metadata of the document-level vector.
func (vs *StoreImpl) GetDocumentMetadata(ctx context.Context, docID int64) (json.RawMessage, error) {
	var metadata json.RawMessage
	err := vs.db.QueryRow(ctx,
		`SELECT metadata FROM embeddings WHERE document_id = $1 AND page_number = 0`, docID,
	).Scan(&metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get vector metadata for document %d: %w", docID, err)
	}
	return metadata, nil
}

// UpdateMetadataByDocumentID rewrites the document-level vector's metadata.
// Page vectors keep their own metadata; only page 0 mirrors relational fields.
func (vs *StoreImpl) UpdateMetadataByDocumentID(ctx context.Context, docID int64, metadata json.RawMessage) error {
	if _, err := vs.db.Exec(ctx,
		`UPDATE embeddings SET metadata = $2 WHERE document_id = $1 AND page_number = 0`, docID, metadata); err != nil {
		return fmt.Errorf("update vector metadata for document %d: %w", docID, err)
	}
	return nil
}
