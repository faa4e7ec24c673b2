// Package domain describes roster reconciliation plans. The uploaded
// file is treated as complete truth for its period: active workers
// absent from the upload are terminated, never deleted.
package domain

import (
	"context"

	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// OpKind discriminates upsert operations.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
)

// UpsertOp creates a new worker or updates a changed one.
type UpsertOp struct {
	Kind       OpKind                          `json:"kind"`
	NationalID string                          `json:"national_id"`
	Row        ingestiondomain.ValidatedWorker `json:"row"`
	// WorkerID is set for updates.
	WorkerID snowflake.ID `json:"worker_id,omitempty"`
	// ChangedFields is a human-readable audit trail of what differs,
	// e.g. `salary: 3200.00 -> 3500.00`.
	ChangedFields []string `json:"changed_fields,omitempty"`
}

// TerminateOp marks an active worker absent from the upload.
type TerminateOp struct {
	WorkerID   snowflake.ID `json:"worker_id"`
	NationalID string       `json:"national_id"`
}

// Plan is the computed diff between the authoritative roster and an
// upload.
type Plan struct {
	Upserts    []UpsertOp    `json:"upserts"`
	Terminates []TerminateOp `json:"terminates"`
	Unchanged  int           `json:"unchanged"`
}

// Counts summarizes a plan for batch aggregates.
func (p Plan) Counts() (created, updated, terminated int) {
	for _, op := range p.Upserts {
		if op.Kind == OpCreate {
			created++
		} else {
			updated++
		}
	}
	return created, updated, len(p.Terminates)
}

type Service interface {
	// BuildPlan diffs the current roster, terminated rows included,
	// against validated upload rows. Pure; prior state is passed in.
	// A terminated worker present in the upload becomes an update
	// that reactivates the retained row.
	BuildPlan(current []rosterdomain.Worker, upload []ingestiondomain.ValidatedWorker) Plan
	// Apply persists the plan inside the caller's transaction so batch
	// creation and reconciliation commit atomically. Writes are
	// chunked; a failed chunk aborts the surrounding transaction.
	Apply(ctx context.Context, tx *gorm.DB, employerID, siteID snowflake.ID, plan Plan) error
}
