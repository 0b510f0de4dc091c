package storage

import (
	"context"
	"errors"
	"strings"

	logx "mineflow/pkg/logx"
)

// Store is the persistence API for batch state. The orchestrator is its
// only writer; read-only projections (status, listings) go through it too.
type Store interface {
	CreateBatch(ctx context.Context, b *BatchProcess) error
	GetBatch(ctx context.Context, id string) (*BatchProcess, error)
	UpdateBatch(ctx context.Context, b *BatchProcess) error
	ListBatches(ctx context.Context, status Status) ([]BatchProcess, error)

	CreateJobs(ctx context.Context, jobs []BatchJob) error
	UpdateJob(ctx context.Context, j *BatchJob) error
	ListJobs(ctx context.Context, batchID string, status Status) ([]BatchJob, error)

	// PruneBatches deletes terminal batches (and their jobs) completed
	// before the cutoff. Returns the number of batches removed.
	PruneBatches(ctx context.Context, olderThan int64) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
