// Package domain models the monthly submission batch and its
// append-only attempt ledger.
package domain

import (
	"time"

	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// BatchStatus is the batch lifecycle state.
type BatchStatus string

const (
	StatusDraft                BatchStatus = "DRAFT"
	StatusAwaitingProcessing   BatchStatus = "AWAITING_PROCESSING"
	StatusPendingQuote         BatchStatus = "PENDING_QUOTE"
	StatusQuoted               BatchStatus = "QUOTED"
	StatusEmployerApproved     BatchStatus = "EMPLOYER_APPROVED"
	StatusEmployerRejected     BatchStatus = "EMPLOYER_REJECTED"
	StatusSubmittedToInsurer   BatchStatus = "SUBMITTED_TO_INSURER"
	StatusAwaitingCorrection   BatchStatus = "AWAITING_CORRECTION"
	StatusAwaitingFinalization BatchStatus = "AWAITING_FINALIZATION"
	StatusFinalized            BatchStatus = "FINALIZED"
	StatusInvoiced             BatchStatus = "INVOICED"
)

// transitions is the legal edge set. Adjudication outcomes move a
// batch out of SUBMITTED_TO_INSURER via recompute, never directly.
var transitions = map[BatchStatus][]BatchStatus{
	StatusDraft:                {StatusAwaitingProcessing},
	StatusAwaitingProcessing:   {StatusPendingQuote},
	StatusPendingQuote:         {StatusQuoted},
	StatusQuoted:               {StatusEmployerApproved, StatusEmployerRejected},
	StatusEmployerRejected:     {StatusAwaitingProcessing},
	StatusEmployerApproved:     {StatusSubmittedToInsurer},
	StatusSubmittedToInsurer:   {StatusAwaitingCorrection, StatusAwaitingFinalization},
	StatusAwaitingCorrection:   {StatusSubmittedToInsurer},
	StatusAwaitingFinalization: {StatusFinalized},
	StatusFinalized:            {StatusInvoiced},
	StatusInvoiced:             {},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves the status.
func Terminal(status BatchStatus) bool {
	return len(transitions[status]) == 0
}

// Batch is one employer/site submission for a competence period
// ("YYYY-MM"). Counts and total value are derived by recompute from
// the current attempt; new/changed/terminated are fixed at upload.
type Batch struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	EmployerID      snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_batches_period,priority:1" json:"employer_id"`
	SiteID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_batches_period,priority:2" json:"site_id"`
	Competence      string          `gorm:"type:text;not null;uniqueIndex:ux_batches_period,priority:3" json:"competence"`
	Status          BatchStatus     `gorm:"type:text;not null;default:'DRAFT'" json:"status"`
	TotalWorkers    int             `gorm:"not null;default:0" json:"total_workers"`
	ApprovedCount   int             `gorm:"not null;default:0" json:"approved_count"`
	RejectedCount   int             `gorm:"not null;default:0" json:"rejected_count"`
	NewCount        int             `gorm:"not null;default:0" json:"new_count"`
	ChangedCount    int             `gorm:"not null;default:0" json:"changed_count"`
	TerminatedCount int             `gorm:"not null;default:0" json:"terminated_count"`
	UnitPrice       decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"unit_price"`
	TotalValue      decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total_value"`
	RejectionReason *string         `gorm:"type:text" json:"rejection_reason,omitempty"`
	Notes           string          `gorm:"type:text;not null;default:''" json:"notes"`
	SubmittedAt     *time.Time      `gorm:"" json:"submitted_at,omitempty"`
	ReadyAt         *time.Time      `gorm:"" json:"ready_at,omitempty"`
	QuotedAt        *time.Time      `gorm:"" json:"quoted_at,omitempty"`
	DecidedAt       *time.Time      `gorm:"" json:"decided_at,omitempty"`
	SentAt          *time.Time      `gorm:"" json:"sent_at,omitempty"`
	FinalizedAt     *time.Time      `gorm:"" json:"finalized_at,omitempty"`
	InvoicedAt      *time.Time      `gorm:"" json:"invoiced_at,omitempty"`
	Metadata        datatypes.JSON  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Batch) TableName() string { return "batches" }

// InsurerStatus is the per-worker adjudication state inside an
// attempt.
type InsurerStatus string

const (
	InsurerPending  InsurerStatus = "PENDING"
	InsurerSent     InsurerStatus = "SENT"
	InsurerApproved InsurerStatus = "APPROVED"
	InsurerRejected InsurerStatus = "REJECTED"
)

// ChangeKind records why a worker entered the attempt.
type ChangeKind string

const (
	ChangeNew        ChangeKind = "NEW"
	ChangeChanged    ChangeKind = "CHANGED"
	ChangeUnchanged  ChangeKind = "UNCHANGED"
	ChangeCorrection ChangeKind = "CORRECTION"
)

// AttemptRecord is one worker's snapshot inside one attempt. Rows are
// append-only; a correction round inserts attempt max+1 rows and
// never edits earlier ones. The batch's current attempt is
// max(attempt_number), never a stored pointer.
type AttemptRecord struct {
	ID              snowflake.ID     `gorm:"primaryKey" json:"id"`
	BatchID         snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_attempt_records,priority:1" json:"batch_id"`
	WorkerID        snowflake.ID     `gorm:"not null;uniqueIndex:ux_attempt_records,priority:2" json:"worker_id"`
	AttemptNumber   int              `gorm:"not null;uniqueIndex:ux_attempt_records,priority:3" json:"attempt_number"`
	NationalID      string           `gorm:"type:text;not null" json:"national_id"`
	Name            string           `gorm:"type:text;not null" json:"name"`
	Sex             rosterdomain.Sex `gorm:"type:text;not null" json:"sex"`
	BirthDate       time.Time        `gorm:"type:date;not null" json:"birth_date"`
	Salary          decimal.Decimal  `gorm:"type:numeric(14,2);not null" json:"salary"`
	SalaryBracket   string           `gorm:"type:text;not null" json:"salary_bracket"`
	ChangeKind      ChangeKind       `gorm:"type:text;not null;default:'UNCHANGED'" json:"change_kind"`
	InsurerStatus   InsurerStatus    `gorm:"type:text;not null;default:'PENDING'" json:"insurer_status"`
	RejectionReason *string          `gorm:"type:text" json:"rejection_reason,omitempty"`
	CreatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (AttemptRecord) TableName() string { return "attempt_records" }

// PricePlanEntry is a quoted unit value per plan and age band.
// Written at quote time, replaced wholesale on a re-quote.
type PricePlanEntry struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	BatchID   snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_price_plan_entries,priority:1" json:"batch_id"`
	PlanName  string          `gorm:"type:text;not null;uniqueIndex:ux_price_plan_entries,priority:2" json:"plan_name"`
	AgeBand   string          `gorm:"type:text;not null;uniqueIndex:ux_price_plan_entries,priority:3" json:"age_band"`
	UnitValue decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"unit_value"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (PricePlanEntry) TableName() string { return "price_plan_entries" }
