package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/photo-enricher/pkg/types"
)

// Job is one image of a batch
type Job struct {
	ImageID  uint   `json:"image_id"`
	FilePath string `json:"file_path"`
}

// Outcome is the terminal state of one batch job
type Outcome struct {
	ImageID    uint                 `json:"image_id"`
	Status     types.Status         `json:"status"`
	Error      string               `json:"error,omitempty"`
	CategoryID uint                 `json:"category_id,omitempty"`
	Result     types.AnalysisResult `json:"result"`
}

// BatchReport aggregates the outcomes of a batch
type BatchReport struct {
	ID         string    `json:"id"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Results    []Outcome `json:"results"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// AnalyzeBatch runs independent pipelines with bounded concurrency. A failed
// image never stops its siblings; the error return is reserved for
// categories.ErrSeedDataMissing and comes with the full report.
func (o *Orchestrator) AnalyzeBatch(ctx context.Context, jobs []Job) (BatchReport, error) {
	report := BatchReport{
		ID:        uuid.NewString(),
		Total:     len(jobs),
		Results:   make([]Outcome, len(jobs)),
		StartedAt: time.Now(),
	}
	log := o.log.WithField("batch_id", report.ID)
	log.WithField("total", len(jobs)).Info("batch started")

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			result, err := o.Analyze(ctx, job.ImageID, job.FilePath)
			report.Results[i] = outcomeOf(job, result)
			return err
		})
	}
	err := g.Wait()

	for _, r := range report.Results {
		if r.Status == types.StatusCompleted {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	report.FinishedAt = time.Now()

	entry := log.WithField("succeeded", report.Succeeded).WithField("failed", report.Failed)
	if err != nil {
		entry.WithField("fatal", true).WithError(err).Error("batch finished with fatal error")
	} else {
		entry.Info("batch finished")
	}
	return report, err
}

func outcomeOf(job Job, result types.AnalysisResult) Outcome {
	out := Outcome{ImageID: job.ImageID, Result: result}
	if result.Success {
		out.Status = types.StatusCompleted
		out.CategoryID = result.CategoryID
	} else {
		out.Status = types.StatusFailed
		out.Error = result.ErrorMessage
	}
	return out
}
