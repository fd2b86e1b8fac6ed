package primary

import (
	"context"
	"fmt"
	"time"

	"vellum/internal/models"
)

// --- Page Management ---

// CreatePages bulk-inserts the per-page OCR output for a document in one
// transaction.
func (s *StoreImpl) CreatePages(ctx context.Context, docID int64, pages []models.DocumentPage) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pages tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO document_pages (document_id, page_number, text, created_at) VALUES ($1, $2, $3, $4)`
	now := time.Now()
	for _, page := range pages {
		if _, err := tx.Exec(ctx, query, docID, page.PageNumber, page.Text, now); err != nil {
			return fmt.Errorf("insert page %d for document %d: %w", page.PageNumber, docID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetPagesByDocument returns a document's pages in page order.
func (s *StoreImpl) GetPagesByDocument(ctx context.Context, docID int64) ([]models.DocumentPage, error) {
	query := `
		SELECT id, document_id, page_number, text, created_at
		FROM document_pages
		WHERE document_id = $1
		ORDER BY page_number`

	rows, err := s.db.Query(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("get pages for document %d: %w", docID, err)
	}
	defer rows.Close()

	var pages []models.DocumentPage
	for rows.Next() {
		var page models.DocumentPage
		if err := rows.Scan(&page.ID, &page.DocumentID, &page.PageNumber, &page.Text, &page.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *StoreImpl) CountPagesByDocument(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT document_id, COUNT(*) FROM document_pages GROUP BY document_id`)
	if err != nil {
		return nil, fmt.Errorf("count pages by document: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var docID, count int64
		if err := rows.Scan(&docID, &count); err != nil {
			return nil, fmt.Errorf("scan page count: %w", err)
		}
		counts[docID] = count
	}
	return counts, rows.Err()
}

// ListOrphanPages returns page rows whose parent document has been deleted.
func (s *StoreImpl) ListOrphanPages(ctx context.Context) ([]models.DocumentPage, error) {
	query := `
		SELECT p.id, p.document_id, p.page_number, p.created_at
		FROM document_pages p
		LEFT JOIN documents d ON d.id = p.document_id
		WHERE d.id IS NULL`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list orphan pages: %w", err)
	}
	defer rows.Close()

	var pages []models.DocumentPage
	for rows.Next() {
		var page models.DocumentPage
		if err := rows.Scan(&page.ID, &page.DocumentID, &page.PageNumber, &page.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *StoreImpl) DeletePages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM document_pages WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete pages: %w", err)
	}
	return nil
}
