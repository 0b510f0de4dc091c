package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mineflow/internal/parallel"
	"mineflow/internal/pool"
	"mineflow/internal/runtime/supervisor"
	logx "mineflow/pkg/logx"
)

// Stage transforms one payload. Stages are supplied by the caller and must
// tolerate re-execution; the coordinator retries nothing itself.
type Stage func(ctx context.Context, in string) (string, error)

// Result is the terminal outcome for one enqueued ref.
type Result struct {
	Ref   string
	Score string
	Err   error
}

// Config wires the three stages and the coordinator's pacing knobs.
type Config struct {
	Fetch   Stage
	Extract Stage
	Score   Stage

	// PollEvery is the feeder tick interval.
	PollEvery time.Duration

	// ExtractBackpressure pauses fetching when the extract queue exceeds
	// this many times the extract worker count. ScoreBackpressure does the
	// same against the score queue and score workers.
	ExtractBackpressure int
	ScoreBackpressure   int

	// OnResult, if set, streams results as they finish. Called from feeder
	// goroutines; must be fast or offload.
	OnResult func(Result)
}

func (c Config) withDefaults() Config {
	if c.PollEvery <= 0 {
		c.PollEvery = 25 * time.Millisecond
	}
	if c.ExtractBackpressure <= 0 {
		c.ExtractBackpressure = 3
	}
	if c.ScoreBackpressure <= 0 {
		c.ScoreBackpressure = 2
	}
	return c
}

var (
	ErrNoStages    = errors.New("fetch, extract and score stages are required")
	ErrInputClosed = errors.New("pipeline input is closed")
)

type item struct {
	ref     string
	payload string
}

// Coordinator streams refs through fetch → extract → score with one feeder
// per stage. Queue handoffs are in-memory; each feeder sizes its next
// dispatch from the live worker budget, so stage throughput follows pool
// resizes without restarts. The fetch feeder additionally stops producing
// when downstream queues back up.
type Coordinator struct {
	mgr *parallel.Manager
	log logx.Logger
	cfg Config

	mu        sync.Mutex
	fetchQ    []item
	extractQ  []item
	scoreQ    []item
	feeding   int
	inputDone bool
	results   []Result
}

func New(mgr *parallel.Manager, log logx.Logger, cfg Config) (*Coordinator, error) {
	if cfg.Fetch == nil || cfg.Extract == nil || cfg.Score == nil {
		return nil, ErrNoStages
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{mgr: mgr, log: log, cfg: cfg.withDefaults()}, nil
}

// Enqueue adds refs to the fetch queue. Valid before and during Run.
func (c *Coordinator) Enqueue(refs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputDone {
		return ErrInputClosed
	}
	for _, r := range refs {
		c.fetchQ = append(c.fetchQ, item{ref: r})
	}
	return nil
}

// CloseInput marks the input complete. Run returns once everything already
// enqueued has drained.
func (c *Coordinator) CloseInput() {
	c.mu.Lock()
	c.inputDone = true
	c.mu.Unlock()
}

// QueueDepths reports the live queue lengths, fetch/extract/score order.
func (c *Coordinator) QueueDepths() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fetchQ), len(c.extractQ), len(c.scoreQ)
}

// Results returns a snapshot of everything finished so far.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

// Run drives the feeders until the input is closed and all queues drain,
// or ctx is cancelled. It returns the first feeder error, if any.
func (c *Coordinator) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(c.log))

	sup.GoRestart("pipeline.fetch", c.fetchLoop,
		supervisor.WithPublishFirstError(true))
	sup.GoRestart("pipeline.extract", c.stageLoop(pool.CategoryExtract, c.cfg.Extract, c.pushScore),
		supervisor.WithPublishFirstError(true))
	sup.GoRestart("pipeline.score", c.stageLoop(pool.CategoryScore, c.cfg.Score, c.emitScored),
		supervisor.WithPublishFirstError(true))

	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = sup.Stop(context.Background())
			return ctx.Err()
		case <-ticker.C:
			if c.drained() {
				if err := sup.Stop(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
		}
	}
}

func (c *Coordinator) drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputDone && c.feeding == 0 &&
		len(c.fetchQ) == 0 && len(c.extractQ) == 0 && len(c.scoreQ) == 0
}

// fetchBatchSize decides how many refs the fetch feeder may dispatch now.
// Zero means hold: either nothing is queued or a downstream queue is over
// its backpressure threshold.
func (c *Coordinator) fetchBatchSize() int {
	extractWorkers := workersOrOne(c.mgr, pool.CategoryExtract)
	scoreWorkers := workersOrOne(c.mgr, pool.CategoryScore)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fetchQ) == 0 {
		return 0
	}
	if len(c.extractQ) > c.cfg.ExtractBackpressure*extractWorkers {
		return 0
	}
	if len(c.scoreQ) > c.cfg.ScoreBackpressure*scoreWorkers {
		return 0
	}

	n := workersOrOne(c.mgr, pool.CategoryFetch)
	if room := 2*extractWorkers - len(c.extractQ); n > room {
		n = room
	}
	if n > len(c.fetchQ) {
		n = len(c.fetchQ)
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (c *Coordinator) fetchLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n := c.fetchBatchSize()
		if n == 0 {
			continue
		}
		batch := c.take(&c.fetchQ, n)
		if len(batch) == 0 {
			c.doneFeeding()
			continue
		}

		results := parallel.RunBatch(ctx, c.mgr, pool.CategoryFetch, batch,
			func(ctx context.Context, it item) (string, error) {
				return c.cfg.Fetch(ctx, it.ref)
			}, parallel.BatchOptions{})

		for i, r := range results {
			switch {
			case r.Err != nil:
				c.emit(Result{Ref: batch[i].ref, Err: fmt.Errorf("fetch: %w", r.Err)})
			case r.Value == "":
				c.emit(Result{Ref: batch[i].ref, Err: errors.New("fetch returned empty output")})
			default:
				c.push(&c.extractQ, item{ref: batch[i].ref, payload: r.Value})
			}
		}
		c.doneFeeding()
	}
}

// stageLoop builds the drain loop shared by the extract and score feeders:
// take up to one worker-budget's worth of items, run them, hand outputs to
// sink.
func (c *Coordinator) stageLoop(cat pool.Category, stage Stage, sink func(item, string)) func(context.Context) error {
	queue := func() *[]item {
		if cat == pool.CategoryExtract {
			return &c.extractQ
		}
		return &c.scoreQ
	}
	name := cat.String()

	return func(ctx context.Context) error {
		ticker := time.NewTicker(c.cfg.PollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			batch := c.take(queue(), workersOrOne(c.mgr, cat))
			if len(batch) == 0 {
				c.doneFeeding()
				continue
			}

			results := parallel.RunBatch(ctx, c.mgr, cat, batch,
				func(ctx context.Context, it item) (string, error) {
					return stage(ctx, it.payload)
				}, parallel.BatchOptions{})

			for i, r := range results {
				switch {
				case r.Err != nil:
					c.emit(Result{Ref: batch[i].ref, Err: fmt.Errorf("%s: %w", name, r.Err)})
				case r.Value == "":
					c.emit(Result{Ref: batch[i].ref, Err: fmt.Errorf("%s returned empty output", name)})
				default:
					sink(batch[i], r.Value)
				}
			}
			c.doneFeeding()
		}
	}
}

func (c *Coordinator) pushScore(it item, payload string) {
	c.push(&c.scoreQ, item{ref: it.ref, payload: payload})
}

func (c *Coordinator) emitScored(it item, score string) {
	c.emit(Result{Ref: it.ref, Score: score})
}

// take pops up to n items and marks the feeder mid-batch. Every take must
// be paired with doneFeeding, even when it returns nothing.
func (c *Coordinator) take(q *[]item, n int) []item {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeding++
	if n > len(*q) {
		n = len(*q)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]item, n)
	copy(batch, (*q)[:n])
	*q = (*q)[n:]
	return batch
}

func (c *Coordinator) doneFeeding() {
	c.mu.Lock()
	c.feeding--
	c.mu.Unlock()
}

func (c *Coordinator) push(q *[]item, it item) {
	c.mu.Lock()
	*q = append(*q, it)
	c.mu.Unlock()
}

func (c *Coordinator) emit(r Result) {
	c.mu.Lock()
	c.results = append(c.results, r)
	c.mu.Unlock()
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(r)
	}
}

func workersOrOne(m *parallel.Manager, cat pool.Category) int {
	if n := m.CurrentWorkers(cat); n > 0 {
		return n
	}
	return 1
}
