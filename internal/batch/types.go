package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoInputs       = errors.New("batch has no inputs")
	ErrMissingPhaseFn = errors.New("fetch, extract and score functions are required")
	ErrResumeDisabled = errors.New("batch exists and resume is disabled")
	ErrBatchNotFound  = errors.New("batch not found")
)

// Phase functions are opaque units of work supplied by the caller. The
// orchestrator never inspects their outputs beyond emptiness checks; retry
// and timeout policy belong inside them, and they must be idempotent since
// an interrupted item is re-run on resume.
type (
	FetchFunc   func(ctx context.Context, inputRef string) (string, error)
	ExtractFunc func(ctx context.Context, fetchOutput string) (string, error)
	ScoreFunc   func(ctx context.Context, extractedUnit string) (string, error)
)

// ProgressFunc receives progress updates. It is invoked from a buffered
// dispatcher and must not be relied on for synchronization; slow consumers
// drop updates rather than blocking the phase loop.
type ProgressFunc func(message string, completed, total int, meta map[string]string)

// Options tune one submission.
type Options struct {
	// ID overrides the derived batch id (e.g. for cross-day resume).
	ID string

	// Resume reloads persisted state when a batch with the same id exists.
	// Default true.
	Resume *bool

	MaxParallelFetch   int
	MaxParallelExtract int
	MaxParallelScore   int

	Progress ProgressFunc
}

func (o Options) resumeEnabled() bool {
	return o.Resume == nil || *o.Resume
}

// Request describes one batch submission.
type Request struct {
	Name   string
	Inputs []string

	Fetch   FetchFunc
	Extract ExtractFunc
	Score   ScoreFunc

	// SplitUnits optionally fans an extract payload out into units that are
	// scored individually and fanned back in. Nil scores the whole payload
	// as a single unit.
	SplitUnits func(extractPayload string) []string

	Opts Options
}

// Summary is the user-visible outcome of a batch: counters plus the first
// few error messages per phase. Never a raw stack trace.
type Summary struct {
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
	Cancelled int                 `json:"cancelled"`
	Errors    map[string][]string `json:"errors,omitempty"`
}

const summaryErrorsPerPhase = 5

func (s Summary) marshal() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// deriveBatchID builds a deterministic id from the batch name, the sorted
// input set and the submission day. Re-submitting the same work on the same
// day finds the existing record, which is what makes resume idempotent.
func deriveBatchID(name string, inputs []string, at time.Time) string {
	sorted := make([]string, len(inputs))
	copy(sorted, inputs)
	sort.Strings(sorted)

	h := fnv.New64a()
	for _, in := range sorted {
		_, _ = h.Write([]byte(in))
		_, _ = h.Write([]byte{0})
	}

	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "batch"
	}

	return fmt.Sprintf("%s-%x-%s", slug, h.Sum64(), at.UTC().Format("20060102"))
}

// inputHash identifies an input for dedup metadata.
func inputHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}

func jobID(batchID string, ordinal int) string {
	return fmt.Sprintf("%s-%04d", batchID, ordinal)
}
