// Package storage persists batch and job state so interrupted batches can
// resume without repeating completed work.
//
// The backend is SQLite (modernc.org/sqlite, no cgo). Schema lives in the
// embedded migrations.sql; the (batch_id, status) index serves the resume
// lookups the orchestrator issues per phase.
package storage
