package parallel

import (
	"context"
	"fmt"
	"sync"

	"mineflow/internal/pool"
)

// Result holds one item's outcome. A failed item carries its error and the
// zero value of R; it never aborts the rest of the batch.
type Result[R any] struct {
	Value R
	Err   error
}

// BatchOptions tune a RunBatch call.
type BatchOptions struct {
	// BatchSizeHint overrides the sub-batch size. Zero derives it from the
	// category's current worker count.
	BatchSizeHint int

	// MaxConcurrency additionally caps the worker budget for this call
	// (e.g. a batch-level parallelism cap). Zero means no extra cap.
	MaxConcurrency int

	// OnItem, if set, is invoked after each item completes, with the item's
	// input index. Calls are serialized; the callback may persist state.
	OnItem func(index int, err error)
}

// RunBatch executes fn over items with the category's worker budget,
// returning results positionally aligned to the input.
//
// Items are dispatched in sub-batches; each sub-batch's concurrency is
// capped at the worker count computed at its dispatch time. The cap may
// change between sub-batches but never within one. Cancelling ctx stops
// dispatching further sub-batches; in-flight items run to completion and
// undispatched items report ctx.Err().
func RunBatch[T, R any](ctx context.Context, m *Manager, cat pool.Category, items []T, fn func(context.Context, T) (R, error), opt BatchOptions) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 || fn == nil {
		return results
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var cbMu sync.Mutex

	for off := 0; off < len(items); {
		if ctx.Err() != nil {
			for i := off; i < len(items); i++ {
				results[i].Err = ctx.Err()
			}
			break
		}

		size := opt.BatchSizeHint
		if size <= 0 {
			// Default: two rounds of the current budget per sub-batch.
			size = 2 * m.CurrentWorkers(cat)
		}
		if size < 1 {
			size = 1
		}
		end := off + size
		if end > len(items) {
			end = len(items)
		}
		sub := items[off:end]

		workers := m.GetOptimalWorkers(cat, len(sub))
		if opt.MaxConcurrency > 0 && workers > opt.MaxConcurrency {
			workers = opt.MaxConcurrency
		}
		if workers < 1 {
			workers = 1
		}

		// Semaphore holds concurrency at the just-computed budget even when
		// the sub-batch is larger; excess items queue behind the active set.
		sem := make(chan struct{}, workers)
		var wg sync.WaitGroup

		for i := range sub {
			idx := off + i
			item := sub[i]

			sem <- struct{}{}
			wg.Add(1)
			metric := m.StartJob(cat)

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				var (
					val R
					err error
				)
				func() {
					defer func() {
						if r := recover(); r != nil {
							err = fmt.Errorf("panic: %v", r)
						}
					}()
					val, err = fn(ctx, item)
				}()

				m.CompleteJob(metric, err == nil, err)

				results[idx] = Result[R]{Value: val, Err: err}
				if opt.OnItem != nil {
					cbMu.Lock()
					opt.OnItem(idx, err)
					cbMu.Unlock()
				}
			}()
		}
		wg.Wait()

		off = end
	}
	return results
}
