// internal/models/models.go
package models

import (
	"fmt"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusFailed     JobStatus = "FAILED"
	StatusCompleted  JobStatus = "COMPLETED"
)

// transitions lists the allowed next states. Terminal states have no entry.
var transitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusQueued, StatusProcessing, StatusFailed, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("models.ParseJobStatus: unknown status %q", s)
}

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Job struct {
	ID               uuid.UUID `db:"id"`
	Status           JobStatus `db:"status"`
	OriginalImageKey string    `db:"original_image_key"`
	ResultFileKey    string    `db:"result_file_key"` // empty until COMPLETED
}
