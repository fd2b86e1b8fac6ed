package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"vellum/internal/chunking"
	"vellum/internal/models"
	"vellum/internal/resilience"
	"vellum/internal/services"
	"vellum/internal/store"
	"vellum/internal/tasks"
)

// SweepDeps carries everything the sweep handlers need to re-run a deferred
// stage against a recovered service.
type SweepDeps struct {
	Documents store.DocumentStore
	Pages     store.PageStore
	Jobs      store.JobStore
	Layout    *services.LayoutClient
	Quality   *services.QualityClient
	Extractor services.MetadataExtractor
	Chunker   *chunking.Chunker
	Breakers  *resilience.Manager
}

// RegisterHandlers wires the sweep task handlers onto the mux.
func RegisterHandlers(mux *asynq.ServeMux, deps SweepDeps) {
	mux.HandleFunc(tasks.TypeSweepMetadata, HandleSweepMetadata(deps))
	mux.HandleFunc(tasks.TypeSweepLayout, HandleSweepLayout(deps))
	mux.HandleFunc(tasks.TypeSweepQuality, HandleSweepQuality(deps))
}

// HandleSweepMetadata re-runs metadata extraction for a document whose
// pipeline run deferred it.
func HandleSweepMetadata(deps SweepDeps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, pages, err := loadSweepContext(ctx, deps, t)
		if err != nil {
			return err
		}

		err = deps.Breakers.Call(ctx, "metadata", func(ctx context.Context) error {
			meta, exErr := deps.Extractor.Extract(ctx, deps.Chunker.Excerpt(joinPageText(pages)))
			if exErr != nil {
				return exErr
			}
			return deps.Documents.UpdateDocumentMetadata(ctx, payload.DocumentID, meta)
		})
		if err != nil {
			return fmt.Errorf("sweep metadata for document %d: %w", payload.DocumentID, err)
		}
		return clearPending(ctx, deps, payload)
	}
}

// HandleSweepLayout re-runs layout analysis for a deferred document.
func HandleSweepLayout(deps SweepDeps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, pages, err := loadSweepContext(ctx, deps, t)
		if err != nil {
			return err
		}

		err = deps.Breakers.Call(ctx, "layout", func(ctx context.Context) error {
			res, anErr := deps.Layout.Analyze(ctx, pageTexts(pages))
			if anErr != nil {
				return anErr
			}
			log.Printf("Sweep layout for document %d: %d sections, %d tables, %d figures",
				payload.DocumentID, len(res.Sections), res.Tables, res.Figures)
			return nil
		})
		if err != nil {
			return fmt.Errorf("sweep layout for document %d: %w", payload.DocumentID, err)
		}
		return clearPending(ctx, deps, payload)
	}
}

// HandleSweepQuality re-runs quality scoring for a deferred document.
func HandleSweepQuality(deps SweepDeps) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		payload, pages, err := loadSweepContext(ctx, deps, t)
		if err != nil {
			return err
		}

		err = deps.Breakers.Call(ctx, "quality", func(ctx context.Context) error {
			res, scErr := deps.Quality.Score(ctx, pageTexts(pages))
			if scErr != nil {
				return scErr
			}
			log.Printf("Sweep quality for document %d: score %.2f", payload.DocumentID, res.Score)
			return nil
		})
		if err != nil {
			return fmt.Errorf("sweep quality for document %d: %w", payload.DocumentID, err)
		}
		return clearPending(ctx, deps, payload)
	}
}

// loadSweepContext decodes the payload and loads the document pages the
// deferred stage operates on. A document that no longer exists makes the task
// permanently unprocessable.
func loadSweepContext(ctx context.Context, deps SweepDeps, t *asynq.Task) (tasks.SweepPayload, []models.DocumentPage, error) {
	var payload tasks.SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, nil, fmt.Errorf("decoding sweep payload: %v: %w", err, asynq.SkipRetry)
	}

	pages, err := deps.Pages.GetPagesByDocument(ctx, payload.DocumentID)
	if err != nil {
		return payload, nil, fmt.Errorf("loading pages for document %d: %w", payload.DocumentID, err)
	}
	if len(pages) == 0 {
		log.Warnf("Sweep %s: document %d has no pages, dropping task", payload.Stage, payload.DocumentID)
		return payload, nil, fmt.Errorf("document %d has no pages: %w", payload.DocumentID, asynq.SkipRetry)
	}
	return payload, pages, nil
}

func clearPending(ctx context.Context, deps SweepDeps, payload tasks.SweepPayload) error {
	if err := deps.Jobs.ClearPendingTask(ctx, payload.JobID, payload.Stage); err != nil {
		return fmt.Errorf("clearing pending task %s on job %s: %w", payload.Stage, payload.JobID, err)
	}
	log.Printf("Sweep %s completed for job %s (document %d)", payload.Stage, payload.JobID, payload.DocumentID)
	return nil
}

func pageTexts(pages []models.DocumentPage) []string {
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = p.Text
	}
	return texts
}

func joinPageText(pages []models.DocumentPage) string {
	var sb strings.Builder
	for i, p := range pages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
