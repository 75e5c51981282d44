// Package photoenricher generates descriptive metadata for uploaded photos
// with a vision chat-completion model.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		photoenricher "github.com/menta2k/photo-enricher"
//		"github.com/menta2k/photo-enricher/pkg/config"
//	)
//
//	func main() {
//		cfg, err := config.Load("")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		enricher, err := photoenricher.New(context.Background(), cfg, nil)
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer enricher.Close()
//
//		result, err := enricher.AnalyzeFile(context.Background(), "photo.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Printf("%s (%.2f): %v\n", result.Name, result.Confidence, result.Tags)
//	}
//
// The package wires five components:
//
// 1. Processor (pkg/processing): re-encodes images into bounded JPEG payloads
// 2. Vision clients (pkg/openrouter, pkg/ollama): send the payload with a retry policy
// 3. Validator (pkg/detection): turns model text into a normalized result
// 4. Resolver (pkg/categories): maps the category choice onto a stored category
// 5. Orchestrator (pkg/pipeline): drives images through their processing states
//
// Every image ends in either the completed or the failed state. Failed images
// are flagged for manual metadata entry.
package photoenricher

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/archive"
	"github.com/menta2k/photo-enricher/internal/httpapi"
	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/metrics"
	"github.com/menta2k/photo-enricher/internal/store"
	"github.com/menta2k/photo-enricher/internal/utils"
	"github.com/menta2k/photo-enricher/pkg/analyzer"
	"github.com/menta2k/photo-enricher/pkg/categories"
	"github.com/menta2k/photo-enricher/pkg/client"
	"github.com/menta2k/photo-enricher/pkg/config"
	"github.com/menta2k/photo-enricher/pkg/ollama"
	"github.com/menta2k/photo-enricher/pkg/openrouter"
	"github.com/menta2k/photo-enricher/pkg/pipeline"
	"github.com/menta2k/photo-enricher/pkg/processing"
	"github.com/menta2k/photo-enricher/pkg/types"
)

// Version of the photo enricher
const Version = "1.0.0"

// ErrNotFound is returned by Image for unknown ids
var ErrNotFound = store.ErrNotFound

// Enricher is the assembled analysis service
type Enricher struct {
	cfg       *config.Config
	log       logrus.FieldLogger
	store     *store.Store
	inspector *analyzer.ImageAnalyzer
	client    client.VisionClient
	orch      *pipeline.Orchestrator
}

// New opens the store, seeds the default categories and wires the pipeline
// for the configured backend.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Enricher, error) {
	log = logging.OrDiscard(log)
	metrics.Register()

	db, err := store.Open(cfg.Database.DSN, cfg.Database.Debug)
	if err != nil {
		return nil, err
	}
	st := store.NewStore(db)
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	created, err := st.SeedCategories(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("seed categories: %w", err)
	}
	if created > 0 {
		log.WithField("created", created).Info("default categories seeded")
	}

	vision, err := NewClient(cfg.AI, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	if !vision.Enabled() {
		log.WithField("backend", vision.Name()).Warn("AI analysis disabled, images will be flagged for manual metadata")
	}

	deps := pipeline.Deps{
		Store:      st,
		Normalizer: processing.NewProcessor(log),
		Client:     vision,
		Resolver:   categories.NewResolver(st, log),
		Logger:     log,
	}
	if cfg.Archive.Enabled() {
		archiver, err := archive.NewBlobArchiver(cfg.Archive.AccountName, cfg.Archive.AccountKey, cfg.Archive.ServiceURL, cfg.Archive.Container)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
		deps.Archiver = archiver
	}

	return &Enricher{
		cfg:   cfg,
		log:   log,
		store: st,
		inspector: analyzer.NewWithConfig(analyzer.Config{
			SupportedFormats: analyzer.DefaultFormats,
			MinImageSize:     cfg.Pipeline.MinImageSize,
		}),
		client: vision,
		orch:   pipeline.New(deps, cfg.Pipeline.BatchConcurrency),
	}, nil
}

// NewClient creates the vision client selected by ai.Backend
func NewClient(ai config.AIConfig, log logrus.FieldLogger) (client.VisionClient, error) {
	switch ai.Backend {
	case config.BackendOpenRouter, "":
		return openrouter.NewClient(openrouter.Config{
			APIKey:      ai.APIKey,
			BaseURL:     ai.BaseURL,
			Model:       ai.Model,
			MaxTokens:   ai.MaxTokens,
			Temperature: ai.Temperature,
			Referer:     ai.Referer,
			Title:       ai.Title,
			Policy:      ai.Policy(),
		}, log), nil
	case config.BackendOllama:
		c, err := ollama.NewClient(ollama.Config{
			URL:         ai.OllamaURL,
			Model:       ai.Model,
			Temperature: ai.Temperature,
			MaxTokens:   ai.MaxTokens,
			Policy:      ai.Policy(),
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (use %q or %q)", ai.Backend, config.BackendOpenRouter, config.BackendOllama)
	}
}

// RegisterFile records a file on disk as a pending image
func (e *Enricher) RegisterFile(ctx context.Context, path string) (types.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.Image{}, err
	}
	if info.IsDir() {
		return types.Image{}, fmt.Errorf("%s is a directory", path)
	}

	base := filepath.Base(path)
	ext := utils.GetFileExtension(base)
	img := &store.Image{
		Filename:         utils.SanitizeFilename(base),
		OriginalFilename: base,
		FilePath:         path,
		FileSize:         info.Size(),
		MimeType:         mime.TypeByExtension("." + ext),
		FileExtension:    ext,
	}

	// Unreadable headers are not fatal; the pipeline still tries the raw bytes
	if info, err := e.inspector.Inspect(path); err != nil {
		e.log.WithError(err).WithField("path", path).Warn("failed to read image properties")
	} else {
		if err := e.inspector.ValidateImage(info); err != nil {
			e.log.WithError(err).WithField("path", path).Warn("image below minimum size")
		}
		img.Width = info.Width
		img.Height = info.Height
		img.ImageFormat = info.Format
		img.HasEXIF = info.HasEXIF
		img.EXIFData = info.EXIF
		img.CameraModel = strings.TrimSpace(info.CameraMake + " " + info.CameraModel)
		img.TakenAt = info.TakenAt
	}

	if err := e.store.CreateImage(ctx, img); err != nil {
		return types.Image{}, err
	}
	return img.View(), nil
}

// Image returns the current state of a registered image
func (e *Enricher) Image(ctx context.Context, id uint) (types.Image, error) {
	img, err := e.store.GetImage(ctx, id)
	if err != nil {
		return types.Image{}, err
	}
	return img.View(), nil
}

// AnalyzeFile registers path and analyzes it synchronously. The error is
// non-nil only when the file cannot be registered or the fallback category
// is missing; analysis failures come back in the result.
func (e *Enricher) AnalyzeFile(ctx context.Context, path string) (types.AnalysisResult, error) {
	img, err := e.RegisterFile(ctx, path)
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("register %s: %w", path, err)
	}
	return e.orch.Analyze(ctx, img.ID, img.FilePath)
}

// AnalyzeFiles registers every path and runs them as one batch
func (e *Enricher) AnalyzeFiles(ctx context.Context, paths []string) (pipeline.BatchReport, error) {
	jobs := make([]pipeline.Job, 0, len(paths))
	for _, p := range paths {
		img, err := e.RegisterFile(ctx, p)
		if err != nil {
			return pipeline.BatchReport{}, fmt.Errorf("register %s: %w", p, err)
		}
		jobs = append(jobs, pipeline.Job{ImageID: img.ID, FilePath: img.FilePath})
	}
	return e.orch.AnalyzeBatch(ctx, jobs)
}

// Handler returns the HTTP API of the service
func (e *Enricher) Handler() http.Handler {
	return httpapi.NewHandler(httpapi.Deps{
		Analyzer:    e.orch,
		Images:      e.store,
		Version:     Version,
		Logger:      e.log,
		CORSOrigins: e.cfg.Server.CORSOrigins,
		Status: httpapi.ServiceStatus{
			Enabled:    e.client.Enabled(),
			Backend:    e.client.Name(),
			Model:      e.cfg.AI.Model,
			MaxRetries: e.cfg.AI.MaxRetries,
			RetryDelay: e.cfg.AI.RetryDelay.Duration(),
			Timeout:    e.cfg.AI.Timeout.Duration(),
		},
	})
}

// Orchestrator exposes the pipeline
func (e *Enricher) Orchestrator() *pipeline.Orchestrator {
	return e.orch
}

// Close waits for background runs and closes the store
func (e *Enricher) Close() error {
	e.orch.Wait()
	return e.store.Close()
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
