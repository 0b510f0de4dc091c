package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mineflow/internal/hardware"
	"mineflow/internal/parallel"
	"mineflow/internal/pool"
	"mineflow/internal/storage"
	logx "mineflow/pkg/logx"
)

// staticProbe reports a fixed neutral load so pools neither grow nor shrink.
type staticProbe struct{}

func (staticProbe) Sample(ctx context.Context) (parallel.Sample, error) {
	return parallel.Sample{CPUPercent: 65, MemoryPercent: 65, MemoryAvailableGB: 8}, nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, storage.Store) {
	t.Helper()

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	tuning := parallel.DefaultTuning()
	tuning.Pools = map[pool.Category]pool.Options{
		pool.CategoryFetch:   {Min: 1, Max: 4, Initial: 2, Cooldown: time.Hour},
		pool.CategoryExtract: {Min: 1, Max: 4, Initial: 2, Cooldown: time.Hour},
		pool.CategoryScore:   {Min: 1, Max: 4, Initial: 2, Cooldown: time.Hour},
	}
	mgr, err := parallel.New(
		hardware.Profile{Cores: 8, MemoryGB: 16, ChipClass: "base"},
		hardware.DefaultTuning(), tuning, staticProbe{}, logx.Nop(), nil,
	)
	if err != nil {
		t.Fatalf("parallel.New: %v", err)
	}

	o := New(st, mgr, logx.Nop(), nil)
	t.Cleanup(o.Close)
	return o, st
}

func passthrough(prefix string) func(context.Context, string) (string, error) {
	return func(_ context.Context, in string) (string, error) {
		return prefix + ":" + in, nil
	}
}

func TestSubmitRunsAllPhases(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, Request{
		Name:    "smoke",
		Inputs:  []string{"a", "b", "c"},
		Fetch:   passthrough("fetched"),
		Extract: passthrough("extracted"),
		Score:   passthrough("scored"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCompleted {
		t.Fatalf("status = %s, want completed", proc.Status)
	}
	if proc.JobsCompleted != 3 || proc.JobsFailed != 0 {
		t.Fatalf("counters = %d/%d, want 3/0", proc.JobsCompleted, proc.JobsFailed)
	}
	if proc.CompletedAt.IsZero() || proc.StartedAt.IsZero() {
		t.Fatalf("timestamps missing: %+v", proc)
	}

	jobs, err := st.ListJobs(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != storage.StatusCompleted {
			t.Errorf("job %s status = %s, want completed", j.ID, j.Status)
		}
		want := "scored:extracted:fetched:" + j.InputRef
		if j.ScoreOutputRef != want {
			t.Errorf("job %s score output = %q, want %q", j.ID, j.ScoreOutputRef, want)
		}
		if j.Metadata["input_hash"] == "" {
			t.Errorf("job %s missing input_hash metadata", j.ID)
		}
	}
}

func TestFailedItemDoesNotFailBatch(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	inputs := []string{"item-1", "item-2", "item-3", "item-4", "item-5"}
	id, err := o.Submit(ctx, Request{
		Name:   "partial",
		Inputs: inputs,
		Fetch:  passthrough("fetched"),
		Extract: func(_ context.Context, in string) (string, error) {
			if strings.Contains(in, "item-3") {
				return "", errors.New("corrupt payload")
			}
			return "extracted:" + in, nil
		},
		Score: passthrough("scored"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCompleted {
		t.Fatalf("per-item failure flipped batch status to %s", proc.Status)
	}
	if proc.JobsCompleted != 4 || proc.JobsFailed != 1 {
		t.Fatalf("counters = %d completed / %d failed, want 4/1", proc.JobsCompleted, proc.JobsFailed)
	}
	if !strings.Contains(proc.ResultsSummary, "corrupt payload") {
		t.Fatalf("summary should carry the error message: %s", proc.ResultsSummary)
	}
	if !strings.Contains(proc.ResultsSummary, "extract") {
		t.Fatalf("summary should group errors by phase: %s", proc.ResultsSummary)
	}

	failed, err := st.ListJobs(ctx, id, storage.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed jobs = %d, want 1", len(failed))
	}
	j := failed[0]
	if j.InputRef != "item-3" {
		t.Fatalf("wrong job failed: %s", j.InputRef)
	}
	if j.ErrorMessage == "" || j.ScoreOutputRef != "" {
		t.Fatalf("failed job should have error and no score output: %+v", j)
	}
	// The fetch result was persisted before the extract failure.
	if j.FetchOutputRef != "fetched:item-3" {
		t.Fatalf("fetch output lost on failed job: %q", j.FetchOutputRef)
	}
	if j.Metadata["failed_phase"] != "extract" {
		t.Fatalf("failed_phase = %q, want extract", j.Metadata["failed_phase"])
	}
}

func TestResumeSkipsCompletedWork(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	// Simulate a batch interrupted after one job fully finished.
	const id = "resume-test"
	now := time.Now()
	if err := st.CreateBatch(ctx, &storage.BatchProcess{
		ID: id, Name: "resume", TotalJobs: 3,
		CreatedAt: now, StartedAt: now,
		Status: storage.StatusInProgress, ResumeEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	jobs := []storage.BatchJob{
		{
			ID: jobID(id, 0), BatchID: id, InputRef: "a", CreatedAt: now,
			Status:         storage.StatusCompleted,
			FetchOutputRef: "old-fetch", ExtractOutputRef: "old-extract", ScoreOutputRef: "old-score",
			StartedAt: now, CompletedAt: now,
		},
		{ID: jobID(id, 1), BatchID: id, InputRef: "b", CreatedAt: now, Status: storage.StatusPending},
		{ID: jobID(id, 2), BatchID: id, InputRef: "c", CreatedAt: now, Status: storage.StatusPending},
	}
	if err := st.CreateJobs(ctx, jobs); err != nil {
		t.Fatal(err)
	}

	var fetchCalls atomic.Int32
	_, err := o.Submit(ctx, Request{
		Name:   "resume",
		Inputs: []string{"a", "b", "c"},
		Fetch: func(ctx context.Context, in string) (string, error) {
			fetchCalls.Add(1)
			return "fetched:" + in, nil
		},
		Extract: passthrough("extracted"),
		Score:   passthrough("scored"),
		Opts:    Options{ID: id},
	})
	if err != nil {
		t.Fatalf("Submit(resume): %v", err)
	}

	if n := fetchCalls.Load(); n != 2 {
		t.Fatalf("fetch ran %d times, want 2 (completed job must be skipped)", n)
	}

	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCompleted || proc.JobsCompleted != 3 {
		t.Fatalf("resumed batch = %s completed=%d, want completed/3", proc.Status, proc.JobsCompleted)
	}

	all, err := st.ListJobs(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range all {
		if j.ID == jobID(id, 0) && j.ScoreOutputRef != "old-score" {
			t.Fatalf("resume re-ran a completed job: %+v", j)
		}
	}
}

func TestResumeRetriesFailedJobs(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	req := Request{
		Name:   "retry",
		Inputs: []string{"item-1", "item-2", "item-3"},
		Fetch:  passthrough("fetched"),
		Extract: func(_ context.Context, in string) (string, error) {
			if strings.Contains(in, "item-3") {
				return "", errors.New("transient upstream error")
			}
			return "extracted:" + in, nil
		},
		Score: passthrough("scored"),
	}
	id, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.JobsCompleted != 2 || proc.JobsFailed != 1 {
		t.Fatalf("first run counters = %d/%d, want 2/1", proc.JobsCompleted, proc.JobsFailed)
	}

	// Re-submit the same batch with the upstream recovered. Only the failed
	// job may run again, and only from its failed phase onward.
	var fetchCalls, extractCalls atomic.Int32
	req.Fetch = func(_ context.Context, in string) (string, error) {
		fetchCalls.Add(1)
		return "fetched:" + in, nil
	}
	req.Extract = func(_ context.Context, in string) (string, error) {
		extractCalls.Add(1)
		return "extracted:" + in, nil
	}
	id2, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit(retry): %v", err)
	}
	if id2 != id {
		t.Fatalf("retry derived a different id: %s vs %s", id2, id)
	}

	if n := fetchCalls.Load(); n != 0 {
		t.Fatalf("fetch ran %d times on retry, want 0 (output was persisted)", n)
	}
	if n := extractCalls.Load(); n != 1 {
		t.Fatalf("extract ran %d times on retry, want 1 (only the failed job)", n)
	}

	proc, err = st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCompleted || proc.JobsCompleted != 3 || proc.JobsFailed != 0 {
		t.Fatalf("after retry: status=%s completed=%d failed=%d, want completed/3/0",
			proc.Status, proc.JobsCompleted, proc.JobsFailed)
	}

	jobs, err := st.ListJobs(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.Status != storage.StatusCompleted {
			t.Errorf("job %s status = %s, want completed", j.ID, j.Status)
		}
		if j.InputRef == "item-3" {
			if j.ErrorMessage != "" || j.Metadata["failed_phase"] != "" {
				t.Errorf("retried job kept stale failure state: %+v", j)
			}
			if j.ScoreOutputRef == "" {
				t.Errorf("retried job has no score output: %+v", j)
			}
		}
	}
}

func TestResumeRetriesCancelledJobs(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	const id = "cancel-retry"
	var once sync.Once
	_, err := o.Submit(ctx, Request{
		Name:   "cancel-retry",
		Inputs: []string{"a", "b", "c"},
		Fetch: func(_ context.Context, in string) (string, error) {
			once.Do(func() {
				if err := o.Cancel(ctx, id); err != nil {
					t.Errorf("Cancel: %v", err)
				}
			})
			return "fetched:" + in, nil
		},
		Extract: passthrough("e"),
		Score:   passthrough("s"),
		Opts:    Options{ID: id, MaxParallelFetch: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCancelled || proc.JobsCancelled == 0 {
		t.Fatalf("setup: status=%s cancelled=%d, want a cancelled batch", proc.Status, proc.JobsCancelled)
	}

	if _, err := o.Submit(ctx, Request{
		Name:    "cancel-retry",
		Inputs:  []string{"a", "b", "c"},
		Fetch:   passthrough("fetched"),
		Extract: passthrough("e"),
		Score:   passthrough("s"),
		Opts:    Options{ID: id},
	}); err != nil {
		t.Fatalf("Submit(resume after cancel): %v", err)
	}

	proc, err = st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCompleted || proc.JobsCompleted != 3 || proc.JobsCancelled != 0 {
		t.Fatalf("after resume: status=%s completed=%d cancelled=%d, want completed/3/0",
			proc.Status, proc.JobsCompleted, proc.JobsCancelled)
	}
}

func TestSubmitAlreadyCompletedIsNoop(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	req := Request{
		Name:    "twice",
		Inputs:  []string{"x", "y"},
		Fetch:   passthrough("f"),
		Extract: passthrough("e"),
		Score:   passthrough("s"),
	}
	id1, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	req.Fetch = func(ctx context.Context, in string) (string, error) {
		calls.Add(1)
		return "f:" + in, nil
	}
	id2, err := o.Submit(ctx, req)
	if err != nil {
		t.Fatalf("re-Submit: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("derived ids differ: %s vs %s", id1, id2)
	}
	if calls.Load() != 0 {
		t.Fatal("completed batch should not re-run any work")
	}
}

func TestSubmitResumeDisabled(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	if err := st.CreateBatch(ctx, &storage.BatchProcess{
		ID: "stuck", Name: "stuck", TotalJobs: 1,
		Status: storage.StatusInProgress, ResumeEnabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	off := false
	_, err := o.Submit(ctx, Request{
		Name:    "stuck",
		Inputs:  []string{"a"},
		Fetch:   passthrough("f"),
		Extract: passthrough("e"),
		Score:   passthrough("s"),
		Opts:    Options{ID: "stuck", Resume: &off},
	})
	if !errors.Is(err, ErrResumeDisabled) {
		t.Fatalf("err = %v, want ErrResumeDisabled", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.Submit(ctx, Request{Name: "empty"}); !errors.Is(err, ErrNoInputs) {
		t.Fatalf("err = %v, want ErrNoInputs", err)
	}
	if _, err := o.Submit(ctx, Request{Name: "nofn", Inputs: []string{"a"}}); !errors.Is(err, ErrMissingPhaseFn) {
		t.Fatalf("err = %v, want ErrMissingPhaseFn", err)
	}
}

func TestCancelStopsDispatchAndMarksJobs(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	const id = "cancel-test"
	var once sync.Once
	fetch := func(_ context.Context, in string) (string, error) {
		once.Do(func() {
			if err := o.Cancel(ctx, id); err != nil {
				t.Errorf("Cancel: %v", err)
			}
		})
		return "fetched:" + in, nil
	}

	_, err := o.Submit(ctx, Request{
		Name:    "cancel",
		Inputs:  []string{"a", "b", "c", "d", "e", "f"},
		Fetch:   fetch,
		Extract: passthrough("e"),
		Score:   passthrough("s"),
		Opts:    Options{ID: id, MaxParallelFetch: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != storage.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", proc.Status)
	}
	if proc.JobsCancelled == 0 {
		t.Fatal("expected some jobs marked cancelled")
	}
	if proc.JobsCompleted != 0 {
		t.Fatalf("no job reached score, yet completed = %d", proc.JobsCompleted)
	}

	jobs, err := st.ListJobs(ctx, id, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			t.Errorf("job %s left non-terminal: %s", j.ID, j.Status)
		}
	}
}

func TestCancelUnknownBatch(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t)
	if err := o.Cancel(context.Background(), "no-such-batch"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("err = %v, want ErrBatchNotFound", err)
	}
}

func TestProgressReportsEveryPhase(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	var mu sync.Mutex
	phases := map[string]int{}
	progress := func(msg string, completed, total int, meta map[string]string) {
		mu.Lock()
		phases[meta["phase"]]++
		mu.Unlock()
	}

	if _, err := o.Submit(ctx, Request{
		Name:    "progress",
		Inputs:  []string{"a", "b"},
		Fetch:   passthrough("f"),
		Extract: passthrough("e"),
		Score:   passthrough("s"),
		Opts:    Options{Progress: progress},
	}); err != nil {
		t.Fatal(err)
	}
	o.Close() // drains the progress dispatcher

	mu.Lock()
	defer mu.Unlock()
	for _, ph := range []string{"fetch", "extract", "score"} {
		if phases[ph] == 0 {
			t.Errorf("no progress reported for %s phase", ph)
		}
	}
}

func TestScoreFanOut(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := o.Submit(ctx, Request{
		Name:    "fanout",
		Inputs:  []string{"doc"},
		Fetch:   passthrough("f"),
		Extract: func(_ context.Context, in string) (string, error) { return "u1|u2|u3", nil },
		Score:   func(_ context.Context, unit string) (string, error) { return "score(" + unit + ")", nil },
		SplitUnits: func(payload string) []string {
			return strings.Split(payload, "|")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ListJobs(ctx, id, storage.StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("completed jobs = %d, want 1", len(jobs))
	}
	out := jobs[0].ScoreOutputRef
	for _, want := range []string{"score(u1)", "score(u2)", "score(u3)"} {
		if !strings.Contains(out, want) {
			t.Errorf("score output missing %q: %s", want, out)
		}
	}
}

func TestGetStatusAndList(t *testing.T) {
	t.Parallel()
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := o.GetStatus(ctx, "missing"); !errors.Is(err, ErrBatchNotFound) {
		t.Fatalf("err = %v, want ErrBatchNotFound", err)
	}

	id, err := o.Submit(ctx, Request{
		Name:    "list",
		Inputs:  []string{"a"},
		Fetch:   passthrough("f"),
		Extract: passthrough("e"),
		Score:   passthrough("s"),
	})
	if err != nil {
		t.Fatal(err)
	}

	proc, err := o.GetStatus(ctx, id)
	if err != nil || proc.ID != id {
		t.Fatalf("GetStatus: %v %+v", err, proc)
	}
	done, err := o.ListBatches(ctx, storage.StatusCompleted)
	if err != nil || len(done) != 1 {
		t.Fatalf("ListBatches: %v (%d)", err, len(done))
	}
}

func TestSummaryCapsErrorsPerPhase(t *testing.T) {
	t.Parallel()
	o, st := newTestOrchestrator(t)
	ctx := context.Background()

	inputs := make([]string, 9)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("in-%d", i)
	}
	id, err := o.Submit(ctx, Request{
		Name:   "allfail",
		Inputs: inputs,
		Fetch: func(_ context.Context, in string) (string, error) {
			return "", fmt.Errorf("unreachable: %s", in)
		},
		Extract: passthrough("e"),
		Score:   passthrough("s"),
	})
	if err != nil {
		t.Fatal(err)
	}

	proc, err := st.GetBatch(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if proc.JobsFailed != 9 {
		t.Fatalf("failed = %d, want 9", proc.JobsFailed)
	}
	if n := strings.Count(proc.ResultsSummary, "unreachable"); n != summaryErrorsPerPhase {
		t.Fatalf("summary holds %d errors, want %d: %s", n, summaryErrorsPerPhase, proc.ResultsSummary)
	}
}
