// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"asyncart/internal/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleStatus means the row was not in the expected status when the update ran.
	ErrStaleStatus = errors.New("job status changed concurrently")
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func NewStorage(ctx context.Context, dsn string, maxConns int32) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, db, err := openPool(ctx, dsn, maxConns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) InsertJob(ctx context.Context, job *models.Job) error {
	const op = "storage.InsertJob"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, original_image_key) VALUES ($1, $2, $3)`,
		job.ID.String(), string(job.Status), job.OriginalImageKey)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	const op = "storage.GetJobByID"

	var (
		job       models.Job
		status    string
		resultKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, original_image_key, result_file_key FROM jobs WHERE id = $1`,
		id.String()).Scan(&job.ID, &status, &job.OriginalImageKey, &resultKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Rows may be written by other processes, so the status is kept verbatim.
	job.Status = models.JobStatus(status)
	job.ResultFileKey = resultKey.String
	return &job, nil
}

// UpdateJobStatus moves a job from one status to another. An empty resultKey
// leaves result_file_key untouched.
func (s *Storage) UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, resultKey string) error {
	const op = "storage.UpdateJobStatus"

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, result_file_key = COALESCE(NULLIF($2, ''), result_file_key)
		 WHERE id = $3 AND status = $4`,
		string(to), resultKey, id.String(), string(from))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrStaleStatus)
	}
	return nil
}

// ListJobIDsByStatus returns up to limit job ids in the given status.
func (s *Storage) ListJobIDsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]uuid.UUID, error) {
	const op = "storage.ListJobIDsByStatus"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = $1 LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
