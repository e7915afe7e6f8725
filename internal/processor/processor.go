// Package processor is the reference image worker: it claims queued jobs,
// resizes and watermarks the upload, and stores the result.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype/truetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font/gofont/goregular"

	"asyncart/internal/events"
	"asyncart/internal/jobs"
	"asyncart/internal/models"
	"asyncart/internal/objectstore"
)

// sweepBatch caps how many queued jobs one sweep picks up.
const sweepBatch = 100

type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error
	Remove(ctx context.Context, key string) error
}

type JobService interface {
	Transition(ctx context.Context, id uuid.UUID, to models.JobStatus, resultKey string) (*models.Job, error)
	QueuedJobs(ctx context.Context, limit int) ([]uuid.UUID, error)
}

type Options struct {
	MaxWidth      int
	WatermarkText string
}

type Processor struct {
	objects ObjectStore
	jobs    JobService
	opts    Options
	font    *truetype.Font
	log     *logrus.Logger
}

func New(objects ObjectStore, jobs JobService, opts Options, log *logrus.Logger) (*Processor, error) {
	const op = "processor.New"

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Processor{objects: objects, jobs: jobs, opts: opts, font: f, log: log}, nil
}

// HandleEvent adapts Process to the consumer callback.
func (p *Processor) HandleEvent(ctx context.Context, ev events.QueuedEvent) error {
	id, err := uuid.Parse(ev.JobID)
	if err != nil {
		return fmt.Errorf("processor.HandleEvent: %w", err)
	}
	return p.Process(ctx, id)
}

// Process runs one job end to end. A job that is no longer QUEUED is skipped.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	const op = "processor.Process"
	entry := p.log.WithField("job_id", id.String())

	job, err := p.jobs.Transition(ctx, id, models.StatusProcessing, "")
	if errors.Is(err, jobs.ErrInvalidTransition) {
		entry.Debug("job already claimed, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	resultKey, err := p.render(ctx, job)
	if err != nil {
		p.fail(ctx, entry, id)
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := p.jobs.Transition(context.WithoutCancel(ctx), id, models.StatusCompleted, resultKey); err != nil {
		// The result is only unreferenced once the row is known to be FAILED.
		if !p.fail(ctx, entry, id) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if rerr := p.objects.Remove(context.WithoutCancel(ctx), resultKey); rerr != nil {
			entry.WithError(rerr).WithField("key", resultKey).Error("orphaned result left in bucket")
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	entry.WithField("key", resultKey).Info("job completed")
	return nil
}

// fail marks a claimed job FAILED so it does not stay PROCESSING.
func (p *Processor) fail(ctx context.Context, entry *logrus.Entry, id uuid.UUID) bool {
	if _, err := p.jobs.Transition(context.WithoutCancel(ctx), id, models.StatusFailed, ""); err != nil {
		entry.WithError(err).Error("failed to mark job failed")
		return false
	}
	return true
}

// Sweep processes jobs that are still QUEUED, such as ones whose
// announcement never reached Kafka. It returns how many it picked up.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	const op = "processor.Sweep"

	ids, err := p.jobs.QueuedJobs(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := p.Process(ctx, id); err != nil {
			p.log.WithError(err).WithField("job_id", id.String()).Error("error processing swept job")
		}
	}
	return len(ids), nil
}

// RunSweeper sweeps once right away and then every interval until ctx is done.
func (p *Processor) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := p.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.log.WithError(err).Error("queued job sweep failed")
		case n > 0:
			p.log.WithField("jobs", n).Info("swept queued jobs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) render(ctx context.Context, job *models.Job) (string, error) {
	rc, err := p.objects.Get(ctx, job.OriginalImageKey)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	src, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", job.OriginalImageKey, err)
	}

	out := p.transform(src)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}

	key := objectstore.ResultKey(job.ID)
	if err := p.objects.Put(ctx, key, &buf, int64(buf.Len()), "image/jpeg", nil); err != nil {
		return "", err
	}
	return key, nil
}

func (p *Processor) transform(src image.Image) *image.NRGBA {
	var dst *image.NRGBA
	if p.opts.MaxWidth > 0 && src.Bounds().Dx() > p.opts.MaxWidth {
		dst = imaging.Resize(src, p.opts.MaxWidth, 0, imaging.Lanczos)
	} else {
		dst = imaging.Clone(src)
	}
	if p.opts.WatermarkText != "" {
		drawWatermark(dst, p.font, p.opts.WatermarkText)
	}
	return dst
}
