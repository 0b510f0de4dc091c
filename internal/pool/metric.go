package pool

import (
	"time"

	"github.com/google/uuid"
)

// Metric tracks one unit of work from dispatch to completion.
//
// Metrics are transient: they feed the owning pool's rolling statistics and
// are never persisted.
type Metric struct {
	ID       string
	Category Category
	Start    time.Time
	End      time.Time
	Success  bool
	Err      string
}

// NewMetric starts a metric for one unit of work in the given category.
func NewMetric(cat Category) *Metric {
	return &Metric{
		ID:       uuid.NewString(),
		Category: cat,
		Start:    time.Now(),
	}
}

// Duration returns the wall time between start and completion.
// Zero until the metric is completed.
func (m *Metric) Duration() time.Duration {
	if m == nil || m.End.IsZero() {
		return 0
	}
	d := m.End.Sub(m.Start)
	if d < 0 {
		return 0
	}
	return d
}
