// Package jobs coordinates the object store and the job table for the
// upload, status and transition operations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asyncart/internal/models"
	"asyncart/internal/objectstore"
	"asyncart/internal/storage"
)

var (
	ErrJobNotFound = storage.ErrJobNotFound
	// ErrInvalidTransition covers moves the status table forbids and stale updates.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrResultMissing means a COMPLETED job has no result key to sign.
	ErrResultMissing = errors.New("completed job has no result file key")
	// ErrForeignResultKey means the result key points outside the job's own result area.
	ErrForeignResultKey = errors.New("result file key does not belong to the job")
)

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, metadata map[string]string) error
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, resultKey string) error
	ListJobIDsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]uuid.UUID, error)
}

// Announcer tells workers a job was queued.
type Announcer interface {
	Announce(ctx context.Context, job *models.Job) error
}

type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type StatusResult struct {
	Status      models.JobStatus
	DownloadURL string
}

type Service struct {
	objects   ObjectStore
	jobs      JobStore
	announcer Announcer
	log       *logrus.Logger
}

// NewService wires the handles together. announcer may be nil.
func NewService(objects ObjectStore, jobs JobStore, announcer Announcer, log *logrus.Logger) *Service {
	return &Service{objects: objects, jobs: jobs, announcer: announcer, log: log}
}

// Submit stores the upload and records a QUEUED job for it. When the insert
// fails after the object was written, the object is removed again.
// A client disconnect does not abort the write, the insert or the cleanup.
func (s *Service) Submit(ctx context.Context, up Upload) (*models.Job, error) {
	const op = "jobs.Submit"

	ctx = context.WithoutCancel(ctx)
	id := uuid.New()
	job := &models.Job{
		ID:               id,
		Status:           models.StatusQueued,
		OriginalImageKey: objectstore.UploadKey(id, up.Filename),
	}
	entry := s.log.WithFields(logrus.Fields{"job_id": id.String(), "key": job.OriginalImageKey})

	err := s.objects.Put(ctx, job.OriginalImageKey, up.Body, up.Size, up.ContentType,
		objectstore.OriginalNameMetadata(up.Filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.jobs.InsertJob(ctx, job); err != nil {
		s.removeOrphan(ctx, entry, job.OriginalImageKey)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	entry.Info("job queued")

	if s.announcer != nil {
		if err := s.announcer.Announce(ctx, job); err != nil {
			entry.WithError(err).Warn("failed to announce job")
		}
	}
	return job, nil
}

func (s *Service) removeOrphan(ctx context.Context, entry *logrus.Entry, key string) {
	if err := s.objects.Remove(ctx, key); err != nil {
		entry.WithError(err).Error("orphaned upload left in bucket")
		return
	}
	entry.Warn("removed upload after failed insert")
}

// Status reports the job state. For a COMPLETED job it also returns a freshly
// signed download link for the result. Like Submit, it is not aborted by a
// client disconnect.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusResult, error) {
	const op = "jobs.Status"

	ctx = context.WithoutCancel(ctx)
	job, err := s.jobs.GetJobByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if job.Status != models.StatusCompleted {
		return &StatusResult{Status: job.Status}, nil
	}
	if job.ResultFileKey == "" {
		return nil, fmt.Errorf("%s: %s: %w", op, id, ErrResultMissing)
	}

	url, err := s.objects.SignedGetURL(ctx, job.ResultFileKey, objectstore.DownloadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &StatusResult{Status: job.Status, DownloadURL: url}, nil
}

// QueuedJobs lists up to limit jobs still waiting for a worker.
func (s *Service) QueuedJobs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ids, err := s.jobs.ListJobIDsByStatus(ctx, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs.QueuedJobs: %w", err)
	}
	return ids, nil
}

// Transition moves a job to the next status. resultKey is required when the
// target is COMPLETED and ignored otherwise.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to models.JobStatus, resultKey string) (*models.Job, error) {
	const op = "jobs.Transition"

	job, err := s.jobs.GetJobByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !job.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%s: %s -> %s: %w", op, job.Status, to, ErrInvalidTransition)
	}
	if to == models.StatusCompleted && resultKey == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrResultMissing)
	}
	if to == models.StatusCompleted && !objectstore.IsResultKeyFor(id, resultKey) {
		return nil, fmt.Errorf("%s: %s: %w", op, resultKey, ErrForeignResultKey)
	}
	if to != models.StatusCompleted {
		resultKey = ""
	}

	err = s.jobs.UpdateJobStatus(ctx, id, job.Status, to, resultKey)
	if errors.Is(err, storage.ErrStaleStatus) {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.log.WithFields(logrus.Fields{"job_id": id.String(), "from": job.Status, "to": to}).Info("job status changed")

	job.Status = to
	if resultKey != "" {
		job.ResultFileKey = resultKey
	}
	return job, nil
}
