package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"google.golang.org/api/option"

	"github.com/joseph-ayodele/invoice-pipeline/internal/cache"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/core"
	"github.com/joseph-ayodele/invoice-pipeline/internal/docai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/docai/gemini"
	"github.com/joseph-ayodele/invoice-pipeline/internal/docai/vertex"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/invoice"
	"github.com/joseph-ayodele/invoice-pipeline/internal/maintenance"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/orchestrator"
	"github.com/joseph-ayodele/invoice-pipeline/internal/preprocess"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

// App is the wired pipeline shared by the daemon and the batch CLI.
type App struct {
	Config       *common.Config
	Store        repository.TaskStore
	Cache        *cache.ResultCache
	Orchestrator *orchestrator.Orchestrator
	Maintenance  *maintenance.Runner

	logger  *slog.Logger
	closers []func() error
}

// Build wires every component from configuration. Close releases whatever
// was opened, also after a partial failure.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a = &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	ocrClient, err := NewOCRClient(ctx, cfg.OCR, logger)
	if err != nil {
		return a, err
	}
	entities, closeEntities, err := NewEntitiesClient(ctx, cfg.Entities, cfg.OCR.GoogleAPIKey, logger)
	if err != nil {
		return a, err
	}
	a.onClose(closeEntities)

	resultCache, closeCache, err := NewResultCache(cfg.Cache, logger)
	if err != nil {
		return a, err
	}
	a.Cache = resultCache
	a.onClose(closeCache)

	store, err := repository.Open(ctx, cfg, logger)
	if err != nil {
		return a, err
	}
	a.Store = store
	a.onClose(store.Close)

	output, err := export.NewLocalSink(cfg.Export.OutputDir)
	if err != nil {
		return a, err
	}
	var remote export.Sink
	if cfg.Export.Bucket != "" {
		gcs, err := export.NewGCSSink(ctx, cfg.Export.Bucket, "", logger)
		if err != nil {
			return a, err
		}
		a.onClose(gcs.Close)
		remote = gcs
	}

	pool := preprocess.NewPool(preprocess.NewPreprocessor(logger, 1), runtime.NumCPU())
	retrier := extract.NewRetrier(extract.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}, logger)
	adapter := extract.NewAdapter(ocrClient, entities, pool, retrier, logger)
	processor := core.NewProcessor(logger, adapter, invoice.NewExtractor(logger), resultCache)

	a.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:     store,
		Loader:    ingest.NewFSLoader(logger, ingest.WithMaxBytes(cfg.MaxUploadBytes())),
		Processor: processor,
		Validator: validation.NewValidator(),
		Rules:     validation.DefaultRules(),
		Exporter:  export.NewService(logger),
		Output:    output,
		Remote:    remote,
	}, orchestrator.SettingsFromConfig(cfg.Pipeline), logger)
	if err != nil {
		return a, err
	}

	a.Maintenance = maintenance.NewRunner(store,
		maintenance.SettingsFromConfig(cfg, orchestrator.WorkDirPrefix), logger,
		maintenance.WithCache(resultCache),
		maintenance.WithQueueMonitor(a.Orchestrator))

	logger.Info("app.build.ok",
		"ocr_backend", cfg.OCR.Backend,
		"entities_backend", cfg.Entities.Backend,
		"cache_backend", cfg.Cache.Backend,
		"task_store", cfg.TaskStore.Backend,
		"workers", cfg.Pipeline.MaxWorkers,
	)
	return a, nil
}

func (a *App) onClose(fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, fn)
	}
}

// Close drains the worker pool, then closes stores and clients in reverse
// order of opening.
func (a *App) Close(ctx context.Context) {
	if a.Orchestrator != nil {
		a.Orchestrator.Shutdown(ctx)
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("app.close.error", "error", err)
	}
}

func googleOptions(apiKey string) []option.ClientOption {
	if apiKey == "" {
		return nil
	}
	return []option.ClientOption{option.WithAPIKey(apiKey)}
}

// NewOCRClient selects the OCR/layout collaborator.
func NewOCRClient(ctx context.Context, cfg common.OCRConfig, logger *slog.Logger) (ocr.Client, error) {
	switch cfg.Backend {
	case "", "tesseract":
		return ocr.NewTesseractClient(ocr.TesseractConfig{
			Binary:      cfg.TesseractBin,
			Lang:        cfg.TesseractLang,
			TessdataDir: cfg.TessdataDir,
		}, logger), nil
	case "vision":
		return ocr.NewVisionClient(ctx, logger, googleOptions(cfg.GoogleAPIKey)...)
	case "http":
		return ocr.NewHTTPClient(cfg.URL, cfg.Timeout, logger), nil
	}
	return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown ocr-backend %q", cfg.Backend), common.ErrInvalidInput)
}

// NewEntitiesClient selects the structured-entity collaborator. Backend
// "none" returns a nil client, leaving the heuristic tier alone.
func NewEntitiesClient(ctx context.Context, cfg common.EntitiesConfig, googleKey string, logger *slog.Logger) (docai.Client, func() error, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil, nil
	case "documentai":
		c, err := docai.NewDocumentAIClient(ctx, cfg.ProcessorName, logger, googleOptions(googleKey)...)
		return c, nil, err
	case "http":
		return docai.NewHTTPClient(docai.HTTPConfig{
			URL:       cfg.URL,
			Processor: cfg.ProcessorName,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
		}, logger), nil, nil
	case "gemini":
		c, err := gemini.NewClient(ctx, gemini.Config{APIKey: cfg.GeminiKey, Model: cfg.GeminiModel}, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "vertex":
		c, err := vertex.NewClient(ctx, vertex.Config{
			ProjectID: cfg.VertexProject,
			Location:  cfg.VertexLocation,
			Model:     cfg.VertexModel,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	}
	return nil, nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown entities-backend %q", cfg.Backend), common.ErrInvalidInput)
}

// NewResultCache opens the configured cache store.
func NewResultCache(cfg common.CacheConfig, logger *slog.Logger) (*cache.ResultCache, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return cache.NewResultCache(cache.NewMemoryStore(), cfg.TTL, logger), nil, nil
	case "bolt":
		store, err := cache.NewBoltStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("app.cache.bolt", "path", cfg.Path)
		return cache.NewResultCache(store, cfg.TTL, logger), store.Close, nil
	}
	return nil, nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown cache-backend %q", cfg.Backend), common.ErrInvalidInput)
}
