package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Path may be ":memory:" for an in-process database (tests).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status is the shared lifecycle enum for batches and jobs.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BatchProcess is the persisted record for one named batch submission.
type BatchProcess struct {
	ID          string
	Name        string
	TotalJobs   int
	CreatedAt   time.Time
	StartedAt   time.Time // zero until started
	CompletedAt time.Time // zero until terminal
	Status      Status

	JobsCompleted int
	JobsFailed    int
	JobsCancelled int

	MaxParallelFetch   int
	MaxParallelExtract int
	MaxParallelScore   int

	ResumeEnabled  bool
	ResultsSummary string // JSON blob, written once terminal
}

// BatchJob is the persisted record for one input item within a batch.
//
// Phase outputs are opaque references/payloads; the scheduler only checks
// them for presence to decide phase advancement.
type BatchJob struct {
	ID          string
	BatchID     string
	InputRef    string
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ErrorMessage     string
	FetchOutputRef   string
	ExtractOutputRef string
	ScoreOutputRef   string

	Metadata map[string]string
}
