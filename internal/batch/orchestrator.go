package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mineflow/internal/eventbus"
	"mineflow/internal/parallel"
	"mineflow/internal/pool"
	"mineflow/internal/storage"
	logx "mineflow/pkg/logx"
)

// Orchestrator drives named batches through the fetch → extract → score
// phases, persisting job state after every item so a crash costs at most
// one in-flight item per job. It is the exclusive owner of the persisted
// batch/job rows.
type Orchestrator struct {
	store storage.Store
	mgr   *parallel.Manager
	log   logx.Logger
	bus   eventbus.Bus

	mu     sync.Mutex
	active map[string]*runState

	progressQ    chan progressItem
	progressStop chan struct{}
	progressDone chan struct{}
	busUnsub     func()
	closeOnce    sync.Once
}

type runState struct {
	cancel   context.CancelFunc
	progress ProgressFunc

	mu         sync.Mutex
	cancelled  bool
	persistErr error
}

func (rs *runState) setPersistErr(err error) {
	rs.mu.Lock()
	if rs.persistErr == nil {
		rs.persistErr = err
	}
	rs.mu.Unlock()
}

func (rs *runState) getPersistErr() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.persistErr
}

type progressItem struct {
	fn        ProgressFunc
	msg       string
	completed int
	total     int
	meta      map[string]string
}

func New(store storage.Store, mgr *parallel.Manager, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		store:        store,
		mgr:          mgr,
		log:          log,
		bus:          bus,
		active:       map[string]*runState{},
		progressQ:    make(chan progressItem, 256),
		progressStop: make(chan struct{}),
		progressDone: make(chan struct{}),
	}

	// Dedicated dispatcher so progress callbacks can never block a phase loop.
	go o.dispatchProgress()

	// Forward pool resize events to every active batch's progress callback.
	if bus != nil {
		ch, unsub := bus.Subscribe(32)
		o.busUnsub = unsub
		go func() {
			for ev := range ch {
				if ev.Type != eventbus.TypePoolResized {
					continue
				}
				re, ok := ev.Data.(parallel.ResizeEvent)
				if !ok {
					continue
				}
				msg := fmt.Sprintf("pool %s resized %d -> %d", re.Category, re.From, re.To)
				o.mu.Lock()
				states := make([]*runState, 0, len(o.active))
				for _, rs := range o.active {
					states = append(states, rs)
				}
				o.mu.Unlock()
				for _, rs := range states {
					o.emit(rs, msg, 0, 0, map[string]string{"category": re.Category.String()})
				}
			}
		}()
	}
	return o
}

// Close stops the progress dispatcher. In-flight batches should be
// cancelled or awaited first.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.busUnsub != nil {
			o.busUnsub()
		}
		close(o.progressStop)
		<-o.progressDone
	})
}

func (o *Orchestrator) dispatchProgress() {
	defer close(o.progressDone)
	for {
		select {
		case <-o.progressStop:
			// Drain whatever is buffered, then exit.
			for {
				select {
				case it := <-o.progressQ:
					o.safeProgress(it)
				default:
					return
				}
			}
		case it := <-o.progressQ:
			o.safeProgress(it)
		}
	}
}

func (o *Orchestrator) safeProgress(it progressItem) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("progress callback panicked", logx.Any("panic", r))
		}
	}()
	it.fn(it.msg, it.completed, it.total, it.meta)
}

func (o *Orchestrator) emit(rs *runState, msg string, completed, total int, meta map[string]string) {
	if rs == nil || rs.progress == nil {
		return
	}
	select {
	case o.progressQ <- progressItem{fn: rs.progress, msg: msg, completed: completed, total: total, meta: meta}:
	default:
		// Slow consumer: drop rather than stall the dispatch loop.
	}
}

// Submit runs (or resumes) a batch to a terminal state and returns its id.
//
// Per-item failures are recorded on the jobs and do not fail the batch;
// only batch-level errors (persistence unreachable, invalid request) are
// returned, leaving the batch in its last-known-good persisted state.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(req.Inputs) == 0 {
		return "", ErrNoInputs
	}
	if req.Fetch == nil || req.Extract == nil || req.Score == nil {
		return "", ErrMissingPhaseFn
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "batch"
	}

	now := time.Now()
	id := strings.TrimSpace(req.Opts.ID)
	if id == "" {
		id = deriveBatchID(name, req.Inputs, now)
	}
	log := o.log.With(logx.String("batch", id))

	proc, err := o.store.GetBatch(ctx, id)
	switch {
	case err == nil:
		resume := req.Opts.resumeEnabled() && proc.ResumeEnabled
		if proc.Status == storage.StatusCompleted && (proc.JobsFailed == 0 || !resume) {
			log.Info("batch already completed, nothing to do")
			return id, nil
		}
		if !resume {
			return id, ErrResumeDisabled
		}
		// Failed and cancelled jobs are retried from their last persisted
		// phase output; only completed jobs are skipped.
		if err := o.resetRetryableJobs(ctx, id, log); err != nil {
			return id, fmt.Errorf("reset retryable jobs: %w", err)
		}
		log.Info("resuming batch", logx.String("status", string(proc.Status)), logx.Int("total_jobs", proc.TotalJobs))
	case errors.Is(err, storage.ErrNotFound):
		proc = &storage.BatchProcess{
			ID:                 id,
			Name:               name,
			TotalJobs:          len(req.Inputs),
			CreatedAt:          now,
			Status:             storage.StatusPending,
			MaxParallelFetch:   req.Opts.MaxParallelFetch,
			MaxParallelExtract: req.Opts.MaxParallelExtract,
			MaxParallelScore:   req.Opts.MaxParallelScore,
			ResumeEnabled:      req.Opts.resumeEnabled(),
		}
		if err := o.store.CreateBatch(ctx, proc); err != nil {
			return id, fmt.Errorf("create batch: %w", err)
		}
		jobs := make([]storage.BatchJob, len(req.Inputs))
		for i, in := range req.Inputs {
			jobs[i] = storage.BatchJob{
				ID:        jobID(id, i),
				BatchID:   id,
				InputRef:  in,
				Status:    storage.StatusPending,
				CreatedAt: now,
				Metadata:  map[string]string{"input_hash": inputHash(in)},
			}
		}
		if err := o.store.CreateJobs(ctx, jobs); err != nil {
			return id, fmt.Errorf("create jobs: %w", err)
		}
		log.Info("batch created", logx.Int("jobs", len(jobs)))
	default:
		return id, fmt.Errorf("lookup batch: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rs := &runState{cancel: cancel, progress: req.Opts.Progress}

	o.mu.Lock()
	o.active[id] = rs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
	}()

	return id, o.run(runCtx, rs, proc, req, log)
}

// resetRetryableJobs returns failed and cancelled jobs to pending so the
// phase loops pick them up again. Phase outputs already persisted stay in
// place; a job failed at extract re-enters at extract, not at fetch.
func (o *Orchestrator) resetRetryableJobs(ctx context.Context, batchID string, log logx.Logger) error {
	jobs, err := o.store.ListJobs(ctx, batchID, "")
	if err != nil {
		return err
	}
	reset := 0
	for i := range jobs {
		j := &jobs[i]
		if j.Status != storage.StatusFailed && j.Status != storage.StatusCancelled {
			continue
		}
		j.Status = storage.StatusPending
		j.ErrorMessage = ""
		j.CompletedAt = time.Time{}
		delete(j.Metadata, "failed_phase")
		if err := o.store.UpdateJob(ctx, j); err != nil {
			return err
		}
		reset++
	}
	if reset > 0 {
		log.Info("retrying unfinished jobs", logx.Int("jobs", reset))
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, rs *runState, proc *storage.BatchProcess, req Request, log logx.Logger) error {
	proc.Status = storage.StatusInProgress
	if proc.StartedAt.IsZero() {
		proc.StartedAt = time.Now()
	}
	if err := o.store.UpdateBatch(ctx, proc); err != nil {
		return fmt.Errorf("start batch: %w", err)
	}

	phases := []struct {
		name string
		cat  pool.Category
		cap  int
		run  func(context.Context, *runState, *storage.BatchJob) (string, error)
		pick func(storage.BatchJob) bool
	}{
		{
			name: "fetch",
			cat:  pool.CategoryFetch,
			cap:  proc.MaxParallelFetch,
			run: func(ctx context.Context, rs *runState, j *storage.BatchJob) (string, error) {
				return req.Fetch(ctx, j.InputRef)
			},
			pick: func(j storage.BatchJob) bool {
				return !j.Status.Terminal() && j.FetchOutputRef == ""
			},
		},
		{
			name: "extract",
			cat:  pool.CategoryExtract,
			cap:  proc.MaxParallelExtract,
			run: func(ctx context.Context, rs *runState, j *storage.BatchJob) (string, error) {
				return req.Extract(ctx, j.FetchOutputRef)
			},
			pick: func(j storage.BatchJob) bool {
				return !j.Status.Terminal() && j.FetchOutputRef != "" && j.ExtractOutputRef == ""
			},
		},
		{
			name: "score",
			cat:  pool.CategoryScore,
			cap:  proc.MaxParallelScore,
			run: func(ctx context.Context, rs *runState, j *storage.BatchJob) (string, error) {
				return o.scoreJob(ctx, req, j)
			},
			pick: func(j storage.BatchJob) bool {
				return !j.Status.Terminal() && j.ExtractOutputRef != "" && j.ScoreOutputRef == ""
			},
		},
	}

	for _, ph := range phases {
		if err := rs.getPersistErr(); err != nil {
			return o.failBatch(proc, err, log)
		}
		if rs.isCancelled() || ctx.Err() != nil {
			break
		}
		if err := o.runPhase(ctx, rs, proc, ph.name, ph.cat, ph.cap, ph.run, ph.pick, log); err != nil {
			return o.failBatch(proc, err, log)
		}
	}

	return o.finalize(ctx, rs, proc, log)
}

// runPhase executes one phase over its eligible jobs, persisting each job
// immediately after its item completes.
func (o *Orchestrator) runPhase(
	ctx context.Context,
	rs *runState,
	proc *storage.BatchProcess,
	phase string,
	cat pool.Category,
	maxParallel int,
	unit func(context.Context, *runState, *storage.BatchJob) (string, error),
	pick func(storage.BatchJob) bool,
	log logx.Logger,
) error {
	all, err := o.store.ListJobs(ctx, proc.ID, "")
	if err != nil {
		return fmt.Errorf("%s: list jobs: %w", phase, err)
	}
	eligible := all[:0:0]
	for _, j := range all {
		if pick(j) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		log.Debug("phase has no eligible jobs", logx.String("phase", phase))
		return nil
	}

	log.Info("phase started", logx.String("phase", phase), logx.Int("jobs", len(eligible)))
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchPhase, Data: map[string]any{"batch": proc.ID, "phase": phase, "jobs": len(eligible)}})
	}

	total := len(eligible)
	var doneMu sync.Mutex
	done := 0

	parallel.RunBatch(ctx, o.mgr, cat, eligible, func(ctx context.Context, j storage.BatchJob) (string, error) {
		out, uerr := unit(ctx, rs, &j)

		now := time.Now()
		if j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		switch {
		case uerr != nil:
			j.Status = storage.StatusFailed
			j.ErrorMessage = uerr.Error()
			j.CompletedAt = now
			setMeta(&j, "failed_phase", phase)
		case out == "":
			// Empty output cannot advance the pipeline; record it as a
			// phase failure so the job isn't silently stranded.
			uerr = fmt.Errorf("%s returned empty output", phase)
			j.Status = storage.StatusFailed
			j.ErrorMessage = uerr.Error()
			j.CompletedAt = now
			setMeta(&j, "failed_phase", phase)
		default:
			setPhaseOutput(&j, phase, out)
			if phase == "score" {
				j.Status = storage.StatusCompleted
				j.CompletedAt = now
			} else {
				j.Status = storage.StatusInProgress
			}
		}

		// Persist even when the batch was just cancelled; the item's outcome
		// is real and resume depends on it being recorded.
		if perr := o.store.UpdateJob(context.WithoutCancel(ctx), &j); perr != nil {
			rs.setPersistErr(perr)
			return "", perr
		}

		doneMu.Lock()
		done++
		n := done
		doneMu.Unlock()
		o.emit(rs, fmt.Sprintf("%s %s", phase, j.ID), n, total, map[string]string{"phase": phase, "job": j.ID})
		return out, uerr
	}, parallel.BatchOptions{MaxConcurrency: maxParallel})

	if err := rs.getPersistErr(); err != nil {
		return fmt.Errorf("%s: persist job state: %w", phase, err)
	}
	log.Info("phase finished", logx.String("phase", phase), logx.Int("jobs", total))
	return nil
}

// scoreJob fans the extracted units out to item-level scoring and joins the
// surviving payloads back onto the owning job.
func (o *Orchestrator) scoreJob(ctx context.Context, req Request, j *storage.BatchJob) (string, error) {
	units := []string{j.ExtractOutputRef}
	if req.SplitUnits != nil {
		if split := req.SplitUnits(j.ExtractOutputRef); len(split) > 0 {
			units = split
		}
	}

	if len(units) == 1 {
		return req.Score(ctx, units[0])
	}

	scored := make([]string, 0, len(units))
	for _, u := range units {
		out, err := req.Score(ctx, u)
		if err != nil {
			o.mgr.NoteValidationFailure(pool.CategoryScore)
			return "", fmt.Errorf("unit %d/%d: %w", len(scored)+1, len(units), err)
		}
		scored = append(scored, out)
	}
	joined, err := json.Marshal(scored)
	if err != nil {
		return "", err
	}
	return string(joined), nil
}

func (o *Orchestrator) failBatch(proc *storage.BatchProcess, cause error, log logx.Logger) error {
	proc.Status = storage.StatusFailed
	proc.CompletedAt = time.Now()
	// Best effort: the store may be the thing that failed.
	bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateBatch(bctx, proc); err != nil {
		log.Error("could not persist failed batch state", logx.Err(err))
	}
	log.Error("batch failed", logx.Err(cause))
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFinished, Data: map[string]any{"batch": proc.ID, "status": string(proc.Status)}})
	}
	return cause
}

// finalize reconciles job counters, writes the results summary and moves
// the batch to its terminal status.
func (o *Orchestrator) finalize(ctx context.Context, rs *runState, proc *storage.BatchProcess, log logx.Logger) error {
	// Finalize even when the run context was cancelled.
	fctx := context.WithoutCancel(ctx)

	jobs, err := o.store.ListJobs(fctx, proc.ID, "")
	if err != nil {
		return o.failBatch(proc, fmt.Errorf("finalize: list jobs: %w", err), log)
	}

	cancelled := rs.isCancelled() || ctx.Err() != nil
	sum := Summary{Errors: map[string][]string{}}

	for i := range jobs {
		j := &jobs[i]
		if cancelled && !j.Status.Terminal() {
			j.Status = storage.StatusCancelled
			j.CompletedAt = time.Now()
			if err := o.store.UpdateJob(fctx, j); err != nil {
				return o.failBatch(proc, fmt.Errorf("finalize: persist cancelled job: %w", err), log)
			}
		}
		switch j.Status {
		case storage.StatusCompleted:
			sum.Completed++
		case storage.StatusFailed:
			sum.Failed++
			phase := j.Metadata["failed_phase"]
			if phase == "" {
				phase = "unknown"
			}
			if len(sum.Errors[phase]) < summaryErrorsPerPhase && j.ErrorMessage != "" {
				sum.Errors[phase] = append(sum.Errors[phase], j.ErrorMessage)
			}
		case storage.StatusCancelled:
			sum.Cancelled++
		}
	}
	if len(sum.Errors) == 0 {
		sum.Errors = nil
	}

	proc.JobsCompleted = sum.Completed
	proc.JobsFailed = sum.Failed
	proc.JobsCancelled = sum.Cancelled
	proc.ResultsSummary = sum.marshal()
	proc.CompletedAt = time.Now()
	if cancelled {
		proc.Status = storage.StatusCancelled
	} else {
		// Per-item failures do not fail the batch; they are surfaced in the
		// summary instead.
		proc.Status = storage.StatusCompleted
	}

	if err := o.store.UpdateBatch(fctx, proc); err != nil {
		return fmt.Errorf("finalize: persist batch: %w", err)
	}

	log.Info("batch finished",
		logx.String("status", string(proc.Status)),
		logx.Int("completed", sum.Completed),
		logx.Int("failed", sum.Failed),
		logx.Int("cancelled", sum.Cancelled),
	)
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFinished, Data: map[string]any{"batch": proc.ID, "status": string(proc.Status)}})
	}
	return nil
}

func (rs *runState) isCancelled() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cancelled
}

// Cancel requests cancellation of a running batch. In-flight items finish;
// no further sub-batches are dispatched. Returns ErrBatchNotFound when the
// batch is neither active nor persisted in a cancellable state.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) error {
	o.mu.Lock()
	rs := o.active[batchID]
	o.mu.Unlock()

	if rs != nil {
		rs.mu.Lock()
		rs.cancelled = true
		rs.mu.Unlock()
		rs.cancel()
		o.log.Info("batch cancel requested", logx.String("batch", batchID))
		return nil
	}

	proc, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrBatchNotFound
	}
	if err != nil {
		return err
	}
	if proc.Status.Terminal() {
		return nil
	}
	proc.Status = storage.StatusCancelled
	proc.CompletedAt = time.Now()
	return o.store.UpdateBatch(ctx, proc)
}

// GetStatus returns the persisted batch record.
func (o *Orchestrator) GetStatus(ctx context.Context, batchID string) (*storage.BatchProcess, error) {
	proc, err := o.store.GetBatch(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	return proc, err
}

// ListBatches returns persisted batches, optionally filtered by status.
func (o *Orchestrator) ListBatches(ctx context.Context, status storage.Status) ([]storage.BatchProcess, error) {
	return o.store.ListBatches(ctx, status)
}

func setMeta(j *storage.BatchJob, k, v string) {
	if j.Metadata == nil {
		j.Metadata = map[string]string{}
	}
	j.Metadata[k] = v
}

func setPhaseOutput(j *storage.BatchJob, phase, out string) {
	switch phase {
	case "fetch":
		j.FetchOutputRef = out
	case "extract":
		j.ExtractOutputRef = out
	case "score":
		j.ScoreOutputRef = out
	}
}
