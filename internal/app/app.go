package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"vellum/internal/chunking"
	"vellum/internal/config"
	"vellum/internal/consistency"
	"vellum/internal/pipeline"
	"vellum/internal/queue"
	"vellum/internal/resilience"
	"vellum/internal/services"
	"vellum/internal/store"
	"vellum/internal/store/primary"
	"vellum/internal/store/vector"
	"vellum/internal/worker"
)

// App is the explicit dependency container. Constructed once at process
// start; everything downstream receives what it needs from here instead of
// reaching for globals.
type App struct {
	Config *config.Config

	DocumentStore store.DocumentStore
	PageStore     store.PageStore
	JobStore      store.JobStore
	VectorStore   store.VectorStore

	Breakers *resilience.Manager
	Queue    *queue.Queue
	Checker  *consistency.Checker

	OCRClient     *services.OCRClient
	LayoutClient  *services.LayoutClient
	QualityClient *services.QualityClient
	Embedder      services.EmbeddingService
	Extractor     services.MetadataExtractor
	Chunker       *chunking.Chunker

	SweepClient *worker.SweepClient

	primaryStore *primary.StoreImpl
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx := context.Background()
	app := &App{Config: cfg}

	if err := app.initStores(ctx); err != nil {
		return nil, err
	}
	if err := app.initServices(ctx); err != nil {
		app.cleanupPartialInit()
		return nil, err
	}
	app.initResilience()
	app.initPipeline()

	app.Checker = consistency.NewChecker(app.DocumentStore, app.PageStore, app.VectorStore, cfg.Consistency.SampleSize)

	log.Println("Application initialization complete.")
	return app, nil
}

func (a *App) initStores(ctx context.Context) error {
	ps, err := primary.NewPrimaryStore(ctx, a.Config.Database.Primary.DSN)
	if err != nil {
		return fmt.Errorf("init primary store: %w", err)
	}
	a.primaryStore = ps
	a.DocumentStore = ps
	a.PageStore = ps
	a.JobStore = ps

	vs, err := vector.NewStore(ctx, a.Config.Database.Vector.DSN)
	if err != nil {
		ps.Close()
		return fmt.Errorf("init vector store: %w", err)
	}
	a.VectorStore = vs
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	cfg := a.Config

	a.OCRClient = services.NewOCRClient(cfg.Services.OCR.BaseURL, cfg.Services.OCR.Timeout)
	a.LayoutClient = services.NewLayoutClient(cfg.Services.Layout.BaseURL, cfg.Services.Layout.Timeout)
	a.QualityClient = services.NewQualityClient(cfg.Services.Quality.BaseURL, cfg.Services.Quality.Timeout)
	chunker, err := chunking.New(chunking.DefaultMaxTokens)
	if err != nil {
		return fmt.Errorf("init chunker: %w", err)
	}
	a.Chunker = chunker

	embedder, err := services.NewOpenAIProvider(cfg.Embedding.OpenaiApiKey, cfg.Embedding.Model, cfg.Embedding.Dimension)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}
	a.Embedder = embedder

	switch cfg.Metadata.Provider {
	case "gemini":
		extractor, err := services.NewGeminiMetadataExtractor(ctx, cfg.Metadata.GoogleApiKey, cfg.Metadata.Model)
		if err != nil {
			return fmt.Errorf("init Gemini metadata extractor: %w", err)
		}
		a.Extractor = extractor
	case "openai", "":
		extractor, err := services.NewOpenAIMetadataExtractor(cfg.Embedding.OpenaiApiKey, cfg.Metadata.Model)
		if err != nil {
			return fmt.Errorf("init OpenAI metadata extractor: %w", err)
		}
		a.Extractor = extractor
	default:
		return fmt.Errorf("unknown metadata provider %q", cfg.Metadata.Provider)
	}

	a.SweepClient = worker.NewSweepClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	return nil
}

func (a *App) initResilience() {
	policies := make(map[string]resilience.BreakerPolicy, len(a.Config.Breakers))
	for name, settings := range a.Config.Breakers {
		policy := resilience.DefaultBreakerPolicy()
		if settings.FailureThreshold > 0 {
			policy.FailureThreshold = settings.FailureThreshold
		}
		if settings.RecoveryTimeout > 0 {
			policy.RecoveryTimeout = settings.RecoveryTimeout
		}
		if settings.SuccessThreshold > 0 {
			policy.SuccessThreshold = settings.SuccessThreshold
		}
		if settings.CallTimeout > 0 {
			policy.CallTimeout = settings.CallTimeout
		}
		policies[name] = policy
	}
	a.Breakers = resilience.NewManager(policies)
}

func (a *App) initPipeline() {
	stages := pipeline.StandardStages(pipeline.StageDeps{
		OCR:       a.OCRClient,
		Layout:    a.LayoutClient,
		Quality:   a.QualityClient,
		Embedder:  a.Embedder,
		Extractor: a.Extractor,
		Chunker:   a.Chunker,
		Documents: a.DocumentStore,
		Pages:     a.PageStore,
		Vectors:   a.VectorStore,
	})
	orchestrator := pipeline.NewOrchestrator(stages, a.Breakers, a.JobStore, a.SweepClient)

	a.Queue = queue.New(queue.Config{
		MaxConcurrency: a.Config.Queue.MaxConcurrency,
		Capacity:       a.Config.Queue.Capacity,
		MaxRetries:     a.Config.Queue.MaxRetries,
		DispatchTick:   a.Config.Queue.DispatchTick,
		AgingThreshold: a.Config.Queue.AgingThreshold,
	}, orchestrator, a.JobStore)
}

func (a *App) cleanupPartialInit() {
	if a.VectorStore != nil {
		if err := a.VectorStore.Close(); err != nil {
			log.Errorf("Error closing vector store during cleanup: %v", err)
		}
	}
	if a.primaryStore != nil {
		a.primaryStore.Close()
	}
}

// Close releases every long-lived resource in reverse init order.
func (a *App) Close() {
	if a.SweepClient != nil {
		if err := a.SweepClient.Close(); err != nil {
			log.Errorf("Error closing sweep client: %v", err)
		}
	}
	if closer, ok := a.Extractor.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Errorf("Error closing metadata extractor: %v", err)
		}
	}
	if a.VectorStore != nil {
		if err := a.VectorStore.Close(); err != nil {
			log.Errorf("Error closing vector store: %v", err)
		}
	}
	if a.primaryStore != nil {
		a.primaryStore.Close()
	}
	log.Println("Application resources closed.")
}
