package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"vellum/internal/observability"
	"vellum/internal/store"
)

// Issue kinds. The relational store is authoritative; every kind names which
// side disagrees with it. orphaned-vector-record is accepted by AutoFix as
// an alias for the missing-in-relational-store repair, since vectors whose
// document has no relational record are exactly orphaned vectors.
const (
	KindCountMismatch            = "count-mismatch"
	KindMissingInVectorStore     = "missing-in-vector-store"
	KindMissingInRelationalStore = "missing-in-relational-store"
	KindOrphanedVectorRecord     = "orphaned-vector-record"
	KindOrphanedRelationalRecord = "orphaned-relational-record"
	KindMetadataMismatch         = "metadata-mismatch"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue is one detected divergence between the two stores.
type Issue struct {
	Kind        string `json:"kind"`
	Severity    string `json:"severity"`
	DocumentID  *int64 `json:"document_id,omitempty"`
	PageID      *int64 `json:"page_id,omitempty"`
	Description string `json:"description"`
}

// Report is the outcome of a full consistency check.
type Report struct {
	CheckedAt       time.Time      `json:"checked_at"`
	RelationalCount int64          `json:"relational_count"`
	VectorCount     int64          `json:"vector_count"`
	Issues          []Issue        `json:"issues"`
	SeverityCounts  map[string]int `json:"severity_counts"`
	OverallStatus   string         `json:"overall_status"`
	Recommendations []string       `json:"recommendations"`
}

// SummaryReport is the cheap count-only check.
type SummaryReport struct {
	CheckedAt       time.Time `json:"checked_at"`
	RelationalCount int64     `json:"relational_count"`
	VectorCount     int64     `json:"vector_count"`
	CountsMatch     bool      `json:"counts_match"`
}

// FixReport summarizes an auto-fix run.
type FixReport struct {
	Fixed  int `json:"fixed"`
	Failed int `json:"failed"`
}

// Checker cross-checks the relational store against the vector index.
type Checker struct {
	documents  store.DocumentStore
	pages      store.PageStore
	vectors    store.VectorStore
	sampleSize int
}

func NewChecker(documents store.DocumentStore, pages store.PageStore, vectors store.VectorStore, sampleSize int) *Checker {
	if sampleSize <= 0 {
		sampleSize = 25
	}
	return &Checker{documents: documents, pages: pages, vectors: vectors, sampleSize: sampleSize}
}

// Summary runs only the document count comparison.
func (c *Checker) Summary(ctx context.Context) (*SummaryReport, error) {
	relCount, err := c.documents.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting relational documents: %w", err)
	}
	vecCount, err := c.vectors.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting vector documents: %w", err)
	}
	return &SummaryReport{
		CheckedAt:       time.Now(),
		RelationalCount: relCount,
		VectorCount:     vecCount,
		CountsMatch:     relCount == vecCount,
	}, nil
}

// RunFullCheck runs every check and derives an overall status. Individual
// issues never abort the run; a store being unreachable does.
func (c *Checker) RunFullCheck(ctx context.Context) (*Report, error) {
	report := &Report{
		CheckedAt:      time.Now(),
		SeverityCounts: make(map[string]int),
	}

	relCount, err := c.documents.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting relational documents: %w", err)
	}
	vecCount, err := c.vectors.CountDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting vector documents: %w", err)
	}
	report.RelationalCount = relCount
	report.VectorCount = vecCount

	if relCount != vecCount {
		report.add(Issue{
			Kind:        KindCountMismatch,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("document counts diverge: %d relational vs %d vector", relCount, vecCount),
		})
	}

	if err := c.checkIdentity(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkPageVectorCounts(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkOrphanPages(ctx, report); err != nil {
		return nil, err
	}
	if err := c.checkMetadataSample(ctx, report); err != nil {
		return nil, err
	}

	report.OverallStatus = deriveStatus(report)
	report.Recommendations = recommend(report)
	publishIssueMetrics(report)
	return report, nil
}

// checkIdentity diffs document identities between stores, both directions.
func (c *Checker) checkIdentity(ctx context.Context, report *Report) error {
	relIDs, err := c.documents.ListDocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing relational document ids: %w", err)
	}
	vecIDs, err := c.vectors.ListDocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing vector document ids: %w", err)
	}

	vecSet := make(map[int64]bool, len(vecIDs))
	for _, id := range vecIDs {
		vecSet[id] = true
	}
	relSet := make(map[int64]bool, len(relIDs))
	for _, id := range relIDs {
		relSet[id] = true
	}

	for _, id := range relIDs {
		if !vecSet[id] {
			id := id
			report.add(Issue{
				Kind:        KindMissingInVectorStore,
				Severity:    SeverityMedium,
				DocumentID:  &id,
				Description: fmt.Sprintf("document %d has no vectors", id),
			})
		}
	}
	for _, id := range vecIDs {
		if !relSet[id] {
			id := id
			report.add(Issue{
				Kind:        KindMissingInRelationalStore,
				Severity:    SeverityMedium,
				DocumentID:  &id,
				Description: fmt.Sprintf("vectors exist for document %d, which has no relational record", id),
			})
		}
	}
	return nil
}

// checkPageVectorCounts verifies each document carries one vector per page.
// The document-level vector (page 0) is excluded on the vector side.
func (c *Checker) checkPageVectorCounts(ctx context.Context, report *Report) error {
	pageCounts, err := c.pages.CountPagesByDocument(ctx)
	if err != nil {
		return fmt.Errorf("counting pages per document: %w", err)
	}
	vectorCounts, err := c.vectors.CountVectorsByDocument(ctx)
	if err != nil {
		return fmt.Errorf("counting vectors per document: %w", err)
	}

	for docID, pages := range pageCounts {
		vectors := vectorCounts[docID]
		if pages != vectors {
			docID := docID
			report.add(Issue{
				Kind:        KindCountMismatch,
				Severity:    SeverityMedium,
				DocumentID:  &docID,
				Description: fmt.Sprintf("document %d has %d pages but %d page vectors", docID, pages, vectors),
			})
		}
	}
	return nil
}

func (c *Checker) checkOrphanPages(ctx context.Context, report *Report) error {
	orphans, err := c.pages.ListOrphanPages(ctx)
	if err != nil {
		return fmt.Errorf("listing orphan pages: %w", err)
	}
	for _, page := range orphans {
		page := page
		report.add(Issue{
			Kind:        KindOrphanedRelationalRecord,
			Severity:    SeverityLow,
			DocumentID:  &page.DocumentID,
			PageID:      &page.ID,
			Description: fmt.Sprintf("page row %d references deleted document %d", page.ID, page.DocumentID),
		})
	}
	return nil
}

// checkMetadataSample spot-checks the filename stored in the document-level
// vector metadata against the relational record for a bounded sample.
func (c *Checker) checkMetadataSample(ctx context.Context, report *Report) error {
	ids, err := c.documents.ListDocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing relational document ids: %w", err)
	}
	if len(ids) > c.sampleSize {
		ids = ids[:c.sampleSize]
	}
	if len(ids) == 0 {
		return nil
	}

	docs, err := c.documents.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading sampled documents: %w", err)
	}

	for _, doc := range docs {
		meta, err := c.vectors.GetDocumentMetadata(ctx, doc.ID)
		if err != nil {
			// Missing document-level vector is already reported by the
			// identity check.
			continue
		}
		var fields struct {
			Filename string `json:"filename"`
		}
		if err := json.Unmarshal(meta, &fields); err != nil || fields.Filename != doc.Filename {
			docID := doc.ID
			report.add(Issue{
				Kind:        KindMetadataMismatch,
				Severity:    SeverityLow,
				DocumentID:  &docID,
				Description: fmt.Sprintf("document %d vector metadata filename %q differs from relational %q", doc.ID, fields.Filename, doc.Filename),
			})
		}
	}
	return nil
}

// DefaultFixKinds are the issue kinds AutoFix repairs when none are named:
// the safe ones, where the fix cannot destroy authoritative data.
var DefaultFixKinds = []string{KindOrphanedRelationalRecord, KindMetadataMismatch}

// AutoFix repairs fixable issues from a report. Unknown or unfixable kinds
// are skipped; per-issue failures are logged and counted, never fatal.
func (c *Checker) AutoFix(ctx context.Context, report *Report, kinds ...string) (*FixReport, error) {
	if report == nil {
		return nil, fmt.Errorf("auto-fix requires a check report")
	}
	if len(kinds) == 0 {
		kinds = DefaultFixKinds
	}
	wanted := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}
	if wanted[KindOrphanedVectorRecord] {
		wanted[KindMissingInRelationalStore] = true
	}

	fix := &FixReport{}
	for _, issue := range report.Issues {
		if !wanted[issue.Kind] {
			continue
		}
		if err := c.fixIssue(ctx, issue); err != nil {
			log.Errorf("Auto-fix failed for %s issue (document %v): %v", issue.Kind, issue.DocumentID, err)
			fix.Failed++
			continue
		}
		fix.Fixed++
	}
	log.Printf("Auto-fix complete: %d fixed, %d failed", fix.Fixed, fix.Failed)
	return fix, nil
}

func (c *Checker) fixIssue(ctx context.Context, issue Issue) error {
	switch issue.Kind {
	case KindOrphanedRelationalRecord:
		if issue.PageID == nil {
			return fmt.Errorf("orphaned page issue missing page id")
		}
		return c.pages.DeletePages(ctx, []int64{*issue.PageID})

	case KindMetadataMismatch:
		if issue.DocumentID == nil {
			return fmt.Errorf("metadata issue missing document id")
		}
		doc, err := c.documents.GetDocument(ctx, *issue.DocumentID)
		if err != nil {
			return fmt.Errorf("loading authoritative document %d: %w", *issue.DocumentID, err)
		}
		meta, err := c.vectors.GetDocumentMetadata(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("loading vector metadata for document %d: %w", doc.ID, err)
		}
		patched, err := patchFilename(meta, doc.Filename)
		if err != nil {
			return err
		}
		return c.vectors.UpdateMetadataByDocumentID(ctx, doc.ID, patched)

	case KindMissingInRelationalStore:
		if issue.DocumentID == nil {
			return fmt.Errorf("orphaned vector issue missing document id")
		}
		return c.vectors.DeleteEmbeddingsByDocumentID(ctx, *issue.DocumentID)

	default:
		return fmt.Errorf("no fix available for issue kind %q", issue.Kind)
	}
}

// patchFilename overwrites only the filename key, preserving any other
// metadata on the document-level vector.
func patchFilename(meta json.RawMessage, filename string) (json.RawMessage, error) {
	fields := make(map[string]any)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &fields); err != nil {
			fields = make(map[string]any)
		}
	}
	fields["filename"] = filename
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding patched metadata: %w", err)
	}
	return out, nil
}

func (r *Report) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
	r.SeverityCounts[issue.Severity]++
}

func deriveStatus(r *Report) string {
	switch {
	case r.SeverityCounts[SeverityCritical] > 0:
		return "critical"
	case r.SeverityCounts[SeverityHigh] > 0:
		return "poor"
	case len(r.Issues) > 10:
		return "fair"
	case len(r.Issues) > 0:
		return "good"
	default:
		return "excellent"
	}
}

func recommend(r *Report) []string {
	var recs []string
	kinds := make(map[string]int)
	for _, issue := range r.Issues {
		kinds[issue.Kind]++
	}
	if n := kinds[KindMissingInVectorStore]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d document(s) lack vectors: re-run their embed stage", n))
	}
	if n := kinds[KindMissingInRelationalStore]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d vector record(s) have no relational document: run auto-fix with kind %s", n, KindMissingInRelationalStore))
	}
	if n := kinds[KindOrphanedRelationalRecord]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d orphaned page row(s): auto-fix will remove them", n))
	}
	if n := kinds[KindMetadataMismatch]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d metadata mismatch(es): auto-fix will resync from the relational store", n))
	}
	if kinds[KindCountMismatch] > 0 {
		recs = append(recs, "store counts diverge: inspect recent pipeline failures before fixing")
	}
	return recs
}

func publishIssueMetrics(r *Report) {
	for _, severity := range []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		observability.ConsistencyIssues.WithLabelValues(severity).Set(float64(r.SeverityCounts[severity]))
	}
}
