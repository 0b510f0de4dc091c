// Package pipeline streams work through the fetch, extract and score
// stages with bounded in-memory queues. Stage feeders size every dispatch
// from the live worker budgets and the fetch feeder stops producing while
// downstream queues are over their backpressure thresholds.
package pipeline
