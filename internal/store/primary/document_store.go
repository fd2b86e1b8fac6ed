package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"vellum/internal/models"
	"vellum/internal/store"
)

// --- Document Management ---

// CreateDocument inserts a new document record.
func (s *StoreImpl) CreateDocument(ctx context.Context, doc *models.Document) error {
	query := `
		INSERT INTO documents (
			filename, content_hash, file_path, file_size,
			page_count, metadata, is_embedded, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	now := time.Now()
	if doc.Metadata == nil {
		doc.Metadata = json.RawMessage("{}")
	}

	err := s.db.QueryRow(ctx, query,
		doc.Filename, doc.ContentHash, doc.FilePath, doc.FileSize,
		doc.PageCount, doc.Metadata, doc.IsEmbedded, now, now,
	).Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("document with hash %s already exists: %w", doc.ContentHash, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (s *StoreImpl) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	query := `
		SELECT id, filename, content_hash, file_path, file_size,
		       page_count, metadata, embedding_id, is_embedded, created_at, updated_at
		FROM documents WHERE id = $1`

	doc := &models.Document{}
	err := s.db.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.Filename, &doc.ContentHash, &doc.FilePath, &doc.FileSize,
		&doc.PageCount, &doc.Metadata, &doc.EmbeddingID, &doc.IsEmbedded,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get document %d: %w", id, err)
	}
	return doc, nil
}

func (s *StoreImpl) GetDocumentByHash(ctx context.Context, hash string) (*models.Document, error) {
	query := `
		SELECT id, filename, content_hash, file_path, file_size,
		       page_count, metadata, embedding_id, is_embedded, created_at, updated_at
		FROM documents WHERE content_hash = $1`

	doc := &models.Document{}
	err := s.db.QueryRow(ctx, query, hash).Scan(
		&doc.ID, &doc.Filename, &doc.ContentHash, &doc.FilePath, &doc.FileSize,
		&doc.PageCount, &doc.Metadata, &doc.EmbeddingID, &doc.IsEmbedded,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get document by hash: %w", err)
	}
	return doc, nil
}

func (s *StoreImpl) GetDocumentsByIDs(ctx context.Context, ids []int64) ([]*models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, filename, content_hash, file_path, file_size,
		       page_count, metadata, embedding_id, is_embedded, created_at, updated_at
		FROM documents WHERE id = ANY($1)`

	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get documents by ids: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc := &models.Document{}
		if err := rows.Scan(
			&doc.ID, &doc.Filename, &doc.ContentHash, &doc.FilePath, &doc.FileSize,
			&doc.PageCount, &doc.Metadata, &doc.EmbeddingID, &doc.IsEmbedded,
			&doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *StoreImpl) ListDocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *StoreImpl) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// UpdateDocumentEmbeddingStatus links the document-level vector and flips
// the embedded flag once the vector store write succeeded.
func (s *StoreImpl) UpdateDocumentEmbeddingStatus(ctx context.Context, docID int64, embeddingID uuid.UUID, isEmbedded bool) error {
	query := `UPDATE documents SET embedding_id = $2, is_embedded = $3, updated_at = $4 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, docID, embeddingID, isEmbedded, time.Now())
	if err != nil {
		return fmt.Errorf("update document embedding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *StoreImpl) UpdateDocumentMetadata(ctx context.Context, docID int64, metadata json.RawMessage) error {
	query := `UPDATE documents SET metadata = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, docID, metadata, time.Now())
	if err != nil {
		return fmt.Errorf("update document metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
