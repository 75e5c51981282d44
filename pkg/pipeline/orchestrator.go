package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/photo-enricher/internal/logging"
	"github.com/menta2k/photo-enricher/internal/metrics"
	"github.com/menta2k/photo-enricher/pkg/categories"
	"github.com/menta2k/photo-enricher/pkg/client"
	"github.com/menta2k/photo-enricher/pkg/detection"
	"github.com/menta2k/photo-enricher/pkg/inference"
	"github.com/menta2k/photo-enricher/pkg/types"
)

// DefaultBatchConcurrency bounds batch runs when no limit is configured
const DefaultBatchConcurrency = 4

// ImageStore persists the image state machine
type ImageStore interface {
	ResetImage(ctx context.Context, id uint) error
	MarkProcessing(ctx context.Context, id uint) error
	SaveAnalysis(ctx context.Context, id uint, result types.AnalysisResult) error
	MarkFailed(ctx context.Context, id uint, message string) error
	KnownCategories(ctx context.Context) ([]types.KnownCategory, error)
}

// Normalizer prepares an image file for transmission
type Normalizer interface {
	Normalize(path string) (types.EncodedImage, error)
}

// CategoryResolver maps a selection onto a stored category id
type CategoryResolver interface {
	Resolve(ctx context.Context, sel types.CategorySelection) (uint, error)
}

// Archiver keeps a copy of the normalized payload. Failures never fail a run.
type Archiver interface {
	Archive(ctx context.Context, imageID uint, img types.EncodedImage) (string, error)
}

// Deps are the collaborators of an Orchestrator. Archiver and Logger are optional.
type Deps struct {
	Store      ImageStore
	Normalizer Normalizer
	Client     client.VisionClient
	Resolver   CategoryResolver
	Archiver   Archiver
	Logger     logrus.FieldLogger
}

// Orchestrator drives images through pending, processing and a terminal state
type Orchestrator struct {
	store       ImageStore
	normalizer  Normalizer
	client      client.VisionClient
	resolver    CategoryResolver
	archiver    Archiver
	concurrency int
	log         logrus.FieldLogger

	locks keyedMutex
	wg    sync.WaitGroup
}

// New creates an orchestrator. concurrency bounds AnalyzeBatch.
func New(deps Deps, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	return &Orchestrator{
		store:       deps.Store,
		normalizer:  deps.Normalizer,
		client:      deps.Client,
		resolver:    deps.Resolver,
		archiver:    deps.Archiver,
		concurrency: concurrency,
		log:         logging.OrDiscard(deps.Logger),
	}
}

// Analyze runs the pipeline for one image and waits for its terminal state.
// The returned error is non-nil only for categories.ErrSeedDataMissing.
func (o *Orchestrator) Analyze(ctx context.Context, imageID uint, path string) (types.AnalysisResult, error) {
	unlock := o.locks.Lock(imageID)
	defer unlock()
	return o.run(ctx, imageID, path)
}

// Trigger resets the image to pending and analyzes it in the background.
// Calling it again for an image that is still running queues a fresh run.
func (o *Orchestrator) Trigger(ctx context.Context, imageID uint, path string) error {
	if err := o.store.ResetImage(ctx, imageID); err != nil {
		return fmt.Errorf("reset image %d: %w", imageID, err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		unlock := o.locks.Lock(imageID)
		defer unlock()
		// Errors are logged inside run
		_, _ = o.run(context.Background(), imageID, path)
	}()
	return nil
}

// Wait blocks until every triggered run has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, imageID uint, path string) (result types.AnalysisResult, err error) {
	// A started run always reaches a terminal state
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := o.log.WithField("image_id", imageID)

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("internal error: %v", p)
			log.WithField("panic", p).Error("analysis panicked")
			o.markFailed(ctx, log, imageID, msg)
			result, err = detection.Failure(msg), nil
		}
		status := types.StatusCompleted
		if !result.Success {
			status = types.StatusFailed
		}
		metrics.ObserveAnalysis(string(status), start)
	}()

	if err := o.store.MarkProcessing(ctx, imageID); err != nil {
		msg := fmt.Sprintf("mark processing: %v", err)
		log.WithError(err).Error("failed to start analysis")
		o.markFailed(ctx, log, imageID, msg)
		return detection.Failure(msg), nil
	}
	log.WithField("status", types.StatusProcessing).Info("analysis started")

	result = o.analyze(ctx, log, imageID, path)
	if !result.Success {
		o.markFailed(ctx, log, imageID, result.ErrorMessage)
		return result, nil
	}

	categoryID, err := o.resolver.Resolve(ctx, result.Category)
	if err != nil {
		o.markFailed(ctx, log, imageID, err.Error())
		if errors.Is(err, categories.ErrSeedDataMissing) {
			log.WithField("fatal", true).WithError(err).Error("category seed data missing")
			return detection.Failure(err.Error()), err
		}
		return detection.Failure(fmt.Sprintf("resolve category: %v", err)), nil
	}
	result.CategoryID = categoryID

	if err := o.store.SaveAnalysis(ctx, imageID, result); err != nil {
		msg := fmt.Sprintf("save analysis: %v", err)
		o.markFailed(ctx, log, imageID, msg)
		return detection.Failure(msg), nil
	}

	log.WithFields(logrus.Fields{
		"status":      types.StatusCompleted,
		"category_id": categoryID,
		"confidence":  result.Confidence,
		"duration":    time.Since(start),
	}).Info("analysis completed")
	return result, nil
}

// analyze covers normalization, inference and validation. It never fails;
// problems come back as failure results.
func (o *Orchestrator) analyze(ctx context.Context, log logrus.FieldLogger, imageID uint, path string) types.AnalysisResult {
	if !o.client.Enabled() {
		return detection.Failure(inference.DisabledReason)
	}

	known, err := o.store.KnownCategories(ctx)
	if err != nil {
		return detection.Failure(fmt.Sprintf("load categories: %v", err))
	}
	req := types.AnalysisRequest{ImageID: imageID, FilePath: path, Categories: known}

	enc, err := o.normalizer.Normalize(req.FilePath)
	if err != nil {
		return detection.Failure(fmt.Sprintf("image preparation failed: %v", err))
	}
	metrics.PayloadBytes.Observe(float64(enc.Size))
	log.WithFields(logrus.Fields{
		"bytes":   enc.Size,
		"attempt": enc.Attempts,
		"raw":     enc.Raw,
	}).Debug("image normalized")

	o.archive(ctx, log, imageID, enc)

	raw, err := o.client.Analyze(ctx, enc, detection.BuildPrompt(req.Categories))
	if err != nil {
		if inference.KindOf(err) == inference.KindDisabled {
			return detection.Failure(inference.DisabledReason)
		}
		log.WithError(err).WithField("backend", o.client.Name()).Warn("inference failed")
		return detection.Failure(err.Error())
	}

	result := detection.Validate(raw)
	if !result.Success {
		log.WithField("error", result.ErrorMessage).Warn("model response rejected")
	}
	return result
}

func (o *Orchestrator) archive(ctx context.Context, log logrus.FieldLogger, imageID uint, enc types.EncodedImage) {
	if o.archiver == nil {
		return
	}
	name, err := o.archiver.Archive(ctx, imageID, enc)
	if err != nil {
		metrics.ArchiveErrorsTotal.Inc()
		log.WithError(err).Warn("payload archive failed")
		return
	}
	log.WithField("blob", name).Debug("payload archived")
}

func (o *Orchestrator) markFailed(ctx context.Context, log logrus.FieldLogger, imageID uint, message string) {
	if err := o.store.MarkFailed(ctx, imageID, message); err != nil {
		log.WithError(err).Error("failed to record failed state")
		return
	}
	log.WithFields(logrus.Fields{
		"status": types.StatusFailed,
		"error":  message,
	}).Warn("analysis failed, flagged for manual metadata")
}
