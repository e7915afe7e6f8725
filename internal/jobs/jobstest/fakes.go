// Package jobstest provides in-memory doubles for the object store, the job
// table and the announcer.
package jobstest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"asyncart/internal/models"
	"asyncart/internal/storage"
)

type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// ObjectStore keeps objects in memory and, like the real clients, fails
// calls made with a done context. Signed URLs have the form
// https://objects.test/<key>?X-Amz-Expires=<seconds>&X-Amz-Signature=<n>.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string]Object
	signed  int

	PutErr    error
	SignErr   error
	RemoveErr error
	GetErr    error
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string]Object)}
}

func (s *ObjectStore) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string, metadata map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: data, ContentType: contentType, Metadata: metadata}
	return nil
}

func (s *ObjectStore) SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.SignErr != nil {
		return "", s.SignErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signed++
	q := url.Values{
		"X-Amz-Expires":   {fmt.Sprintf("%d", int(ttl.Seconds()))},
		"X-Amz-Signature": {fmt.Sprintf("%d", s.signed)},
	}
	return "https://objects.test/" + key + "?" + q.Encode(), nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key: %s", key)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (s *ObjectStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *ObjectStore) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

func (s *ObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// JobStore mirrors the conditional-update semantics of storage.Storage.
type JobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]models.Job

	InsertErr error
	GetErr    error
	UpdateErr error
	ListErr   error
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]models.Job)}
}

func (s *JobStore) InsertJob(ctx context.Context, job *models.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate key %s", job.ID)
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *JobStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return &job, nil
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, resultKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != from {
		return storage.ErrStaleStatus
	}
	job.Status = to
	if resultKey != "" {
		job.ResultFileKey = resultKey
	}
	s.jobs[id] = job
	return nil
}

func (s *JobStore) ListJobIDsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, job := range s.jobs {
		if len(ids) == limit {
			break
		}
		if job.Status == status {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Set writes a row directly, the way an outside process would.
func (s *JobStore) Set(job models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type Announcer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	Err error
}

func (a *Announcer) Announce(_ context.Context, job *models.Job) error {
	if a.Err != nil {
		return a.Err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, job.ID)
	return nil
}

func (a *Announcer) Announced() []uuid.UUID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uuid.UUID(nil), a.ids...)
}
