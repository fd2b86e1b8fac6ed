package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"vellum/internal/chunking"
	"vellum/internal/models"
	"vellum/internal/services"
	"vellum/internal/store"
)

// StageDeps carries the collaborators the standard stage table closes over.
type StageDeps struct {
	OCR       *services.OCRClient
	Layout    *services.LayoutClient
	Quality   *services.QualityClient
	Embedder  services.EmbeddingService
	Extractor services.MetadataExtractor
	Chunker   *chunking.Chunker
	Documents store.DocumentStore
	Pages     store.PageStore
	Vectors   store.VectorStore
}

// StandardStages builds the fixed stage table for document ingestion.
// ocr and embed are required; quality, layout and metadata are best-effort
// and deferred to the batch sweep when their service is unhealthy.
func StandardStages(deps StageDeps) []StageDef {
	return []StageDef{
		{
			Name:           StageOCR,
			Service:        "ocr",
			Required:       true,
			TargetProgress: 25,
			Run:            ocrStage(deps),
		},
		{
			Name:           StageEmbed,
			Service:        "embedding",
			Required:       true,
			TargetProgress: 55,
			Run:            embedStage(deps),
		},
		{
			Name:           StageQuality,
			Service:        "quality",
			Deferrable:     true,
			TargetProgress: 70,
			Run:            qualityStage(deps),
		},
		{
			Name:           StageLayout,
			Service:        "layout",
			Deferrable:     true,
			TargetProgress: 85,
			Run:            layoutStage(deps),
		},
		{
			Name:           StageMetadata,
			Service:        "metadata",
			Deferrable:     true,
			TargetProgress: 95,
			Run:            metadataStage(deps),
		},
	}
}

func ocrStage(deps StageDeps) StageFunc {
	return func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		pages, err := deps.OCR.ExtractPages(ctx, sc.PayloadPath)
		if err != nil {
			return nil, err
		}
		return &StageResult{Data: map[string]any{
			"pages":      pages,
			"page_count": len(pages),
		}}, nil
	}
}

// embedStage persists the document in both stores. Order matters: the
// relational document and page rows are written before any vector, so a crash
// mid-stage leaves an un-embedded document, never an orphaned vector.
func embedStage(deps StageDeps) StageFunc {
	return func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		pages, ok := PagesFrom(sc)
		if !ok || len(pages) == 0 {
			return nil, errors.New("no OCR pages available for embedding")
		}

		hash, size, err := hashPayload(sc.PayloadPath)
		if err != nil {
			return nil, err
		}

		if existing, err := deps.Documents.GetDocumentByHash(ctx, hash); err == nil {
			log.Printf("document %s already ingested as id %d, reusing", sc.Filename, existing.ID)
			return &StageResult{
				Data:     map[string]any{"document_id": existing.ID},
				Warnings: []string{fmt.Sprintf("duplicate content, reusing document %d", existing.ID)},
			}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking for existing document: %w", err)
		}

		doc := &models.Document{
			Filename:    sc.Filename,
			ContentHash: hash,
			FilePath:    &sc.PayloadPath,
			FileSize:    &size,
			PageCount:   len(pages),
			Metadata:    json.RawMessage("{}"),
		}
		if err := deps.Documents.CreateDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("creating document record: %w", err)
		}

		pageRows := make([]models.DocumentPage, len(pages))
		for i, text := range pages {
			pageRows[i] = models.DocumentPage{
				DocumentID: doc.ID,
				PageNumber: i + 1,
				Text:       text,
			}
		}
		if err := deps.Pages.CreatePages(ctx, doc.ID, pageRows); err != nil {
			return nil, fmt.Errorf("creating page records: %w", err)
		}

		// One input per page plus a leading document-level excerpt.
		texts := make([]string, 0, len(pages)+1)
		texts = append(texts, deps.Chunker.Excerpt(joinPages(pages)))
		for _, p := range pages {
			texts = append(texts, deps.Chunker.Excerpt(p))
		}

		vectors, err := deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding document %d: %w", doc.ID, err)
		}

		docMeta, err := json.Marshal(map[string]any{"filename": sc.Filename})
		if err != nil {
			return nil, fmt.Errorf("encoding document vector metadata: %w", err)
		}
		docEmbeddingID := uuid.New()
		entries := make([]*models.EmbeddingEntry, 0, len(vectors))
		entries = append(entries, &models.EmbeddingEntry{
			ID:         docEmbeddingID,
			DocumentID: doc.ID,
			PageNumber: 0,
			ChunkText:  texts[0],
			Vector:     vectors[0],
			Metadata:   docMeta,
		})
		for i := 1; i < len(vectors); i++ {
			entries = append(entries, &models.EmbeddingEntry{
				ID:         uuid.New(),
				DocumentID: doc.ID,
				PageNumber: i,
				ChunkText:  texts[i],
				Vector:     vectors[i],
				Metadata:   json.RawMessage("{}"),
			})
		}
		if err := deps.Vectors.AddEmbeddings(ctx, entries); err != nil {
			return nil, fmt.Errorf("indexing vectors for document %d: %w", doc.ID, err)
		}

		if err := deps.Documents.UpdateDocumentEmbeddingStatus(ctx, doc.ID, docEmbeddingID, true); err != nil {
			return nil, fmt.Errorf("marking document %d embedded: %w", doc.ID, err)
		}

		return &StageResult{Data: map[string]any{"document_id": doc.ID}}, nil
	}
}

func qualityStage(deps StageDeps) StageFunc {
	return func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		pages, ok := PagesFrom(sc)
		if !ok {
			return nil, errors.New("no OCR pages available for quality scoring")
		}
		res, err := deps.Quality.Score(ctx, pages)
		if err != nil {
			return nil, err
		}
		return &StageResult{
			Data:     map[string]any{"quality_score": res.Score},
			Warnings: res.Warnings,
		}, nil
	}
}

func layoutStage(deps StageDeps) StageFunc {
	return func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		pages, ok := PagesFrom(sc)
		if !ok {
			return nil, errors.New("no OCR pages available for layout analysis")
		}
		res, err := deps.Layout.Analyze(ctx, pages)
		if err != nil {
			return nil, err
		}
		return &StageResult{Data: map[string]any{
			"layout_sections": len(res.Sections),
			"layout_tables":   res.Tables,
			"layout_figures":  res.Figures,
		}}, nil
	}
}

// metadataStage extracts structured metadata from a document excerpt and
// writes it to the relational record; the document-level vector metadata
// keeps only the filename, which the consistency checker cross-checks.
func metadataStage(deps StageDeps) StageFunc {
	return func(ctx context.Context, sc *StageContext) (*StageResult, error) {
		docID, ok := DocumentIDFrom(sc)
		if !ok {
			return nil, errors.New("no document record available for metadata extraction")
		}
		pages, ok := PagesFrom(sc)
		if !ok {
			return nil, errors.New("no OCR pages available for metadata extraction")
		}

		meta, err := deps.Extractor.Extract(ctx, deps.Chunker.Excerpt(joinPages(pages)))
		if err != nil {
			return nil, err
		}
		if err := deps.Documents.UpdateDocumentMetadata(ctx, docID, meta); err != nil {
			return nil, fmt.Errorf("persisting metadata for document %d: %w", docID, err)
		}
		return &StageResult{Data: map[string]any{"metadata_extracted": true}}, nil
	}
}

func hashPayload(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening payload %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing payload %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func joinPages(pages []string) string {
	switch len(pages) {
	case 0:
		return ""
	case 1:
		return pages[0]
	}
	total := 0
	for _, p := range pages {
		total += len(p) + 1
	}
	buf := make([]byte, 0, total)
	for i, p := range pages {
		if i > 0 {
			buf = append(buf, '\n')
		}
		buf = append(buf, p...)
	}
	return string(buf)
}
