// Package store persists job records. The memory implementation is the
// default single-node store; the Redis implementation shares records
// across replicas.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/OMAR3lwafi/video-api-sub001/core"
)

// ChangeCallback receives a snapshot of a record after every patch.
type ChangeCallback func(record *core.JobRecord)

// JobStore is a keyed, ordered collection of job records with atomic
// patch semantics. Terminal records are frozen.
type JobStore interface {
	// Save inserts or replaces a record.
	Save(ctx context.Context, record *core.JobRecord) error
	// Get returns a copy of the record or core.ErrNotFound.
	Get(ctx context.Context, id string) (*core.JobRecord, error)
	// Update applies a patch atomically and returns the patched copy.
	// Patching a terminal record fails with core.ErrJobTerminal.
	Update(ctx context.Context, id string, patch *core.JobPatch) (*core.JobRecord, error)
	// List returns up to limit records sorted by creation time,
	// newest first. limit<=0 means all.
	List(ctx context.Context, limit int) ([]*core.JobRecord, error)
	// OnChange registers a callback invoked with the patched snapshot
	// after every successful Update.
	OnChange(cb ChangeCallback)
	// Close releases store resources.
	Close() error
}

// applyPatch folds patch fields into the record and stamps UpdatedAt.
// Shared by both implementations so semantics cannot drift.
func applyPatch(record *core.JobRecord, patch *core.JobPatch) {
	if patch.Status != nil {
		record.Status = *patch.Status
	}
	if patch.ProgressPercent != nil {
		record.ProgressPercent = *patch.ProgressPercent
	}
	if patch.CurrentStep != nil {
		record.CurrentStep = *patch.CurrentStep
	}
	if patch.ResultURL != nil {
		record.ResultURL = *patch.ResultURL
	}
	if patch.FileSizeBytes != nil {
		record.FileSizeBytes = *patch.FileSizeBytes
	}
	if patch.ProcessingTimeMs != nil {
		record.ProcessingTimeMs = *patch.ProcessingTimeMs
	}
	if patch.Error != nil {
		record.Error = *patch.Error
	}
	record.UpdatedAt = time.Now()
}

func notFound(id string) error {
	return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
}

func terminalFrozen(id string, status core.JobStatus) error {
	return fmt.Errorf("job %s is %s: %w", id, status, core.ErrJobTerminal)
}
