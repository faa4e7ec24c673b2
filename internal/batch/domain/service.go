package domain

import (
	"context"
	"errors"

	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrBatchNotFound          = errors.New("batch_not_found")
	ErrRecordNotFound         = errors.New("attempt_record_not_found")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrConcurrentModification = errors.New("concurrent_modification")
	ErrReasonRequired         = errors.New("rejection_reason_required")
	ErrInvalidCompetence      = errors.New("invalid_competence")
	ErrNothingToResubmit      = errors.New("nothing_to_resubmit")
	ErrInvalidUnitPrice       = errors.New("invalid_unit_price")
	ErrInvalidDecision        = errors.New("invalid_decision")
)

// SubmitRosterRequest carries one spreadsheet upload for a competence
// period ("YYYY-MM").
type SubmitRosterRequest struct {
	EmployerID snowflake.ID
	SiteID     snowflake.ID
	Competence string
	Content    []byte
}

// SubmitRosterResponse returns the refreshed batch plus the ingestion
// partition for operator triage.
type SubmitRosterResponse struct {
	Batch   Batch                      `json:"batch"`
	Valid   int                        `json:"valid_rows"`
	Errors  []ingestiondomain.RowError `json:"error_rows"`
	Summary ingestiondomain.Summary    `json:"summary"`
}

// PricePlanEntryInput is one quoted plan/age-band line.
type PricePlanEntryInput struct {
	PlanName  string          `json:"plan_name"`
	AgeBand   string          `json:"age_band"`
	UnitValue decimal.Decimal `json:"unit_value"`
}

// QuoteRequest attaches pricing to a batch. TotalValue becomes
// worker count times UnitPrice.
type QuoteRequest struct {
	BatchID   snowflake.ID
	UnitPrice decimal.Decimal       `json:"unit_price"`
	Entries   []PricePlanEntryInput `json:"entries"`
}

// AdjudicateRequest records one insurer decision on one current-attempt
// record.
type AdjudicateRequest struct {
	BatchID  snowflake.ID
	RecordID snowflake.ID
	Approve  bool
	Reason   string
}

// ResubmitRequest opens a correction round. ExpectedAttempt is the
// attempt number the caller read; a mismatch means someone else
// resubmitted first.
type ResubmitRequest struct {
	BatchID         snowflake.ID
	ExpectedAttempt int
}

type ListBatchRequest struct {
	EmployerID snowflake.ID
	SiteID     snowflake.ID
	Status     BatchStatus
	pagination.Pagination
}

type ListBatchResponse struct {
	pagination.PageInfo
	Batches []Batch `json:"batches"`
}

// BatchDetail is a batch with its current-attempt records and price
// plan.
type BatchDetail struct {
	Batch          Batch            `json:"batch"`
	CurrentAttempt int              `json:"current_attempt"`
	Records        []AttemptRecord  `json:"records"`
	PricePlan      []PricePlanEntry `json:"price_plan,omitempty"`
}

type Service interface {
	// SubmitRoster ingests the upload, reconciles the roster, creates
	// or refreshes the period batch and writes attempt snapshots, all
	// in one transaction. The batch lands in AWAITING_PROCESSING only
	// if every chunk succeeded.
	SubmitRoster(ctx context.Context, req SubmitRosterRequest) (*SubmitRosterResponse, error)

	Get(ctx context.Context, id snowflake.ID) (*BatchDetail, error)
	List(ctx context.Context, req ListBatchRequest) (ListBatchResponse, error)

	// MarkReady moves AWAITING_PROCESSING to PENDING_QUOTE.
	MarkReady(ctx context.Context, id snowflake.ID) (*Batch, error)
	// Quote moves PENDING_QUOTE to QUOTED and writes the price plan.
	Quote(ctx context.Context, req QuoteRequest) (*Batch, error)
	// EmployerApprove moves QUOTED to EMPLOYER_APPROVED.
	EmployerApprove(ctx context.Context, id snowflake.ID) (*Batch, error)
	// EmployerReject moves QUOTED to EMPLOYER_REJECTED; reason is
	// mandatory. The batch returns to AWAITING_PROCESSING on the next
	// roster submission.
	EmployerReject(ctx context.Context, id snowflake.ID, reason string) (*Batch, error)
	// SubmitToInsurer marks every current-attempt record SENT and
	// moves the batch to SUBMITTED_TO_INSURER.
	SubmitToInsurer(ctx context.Context, id snowflake.ID) (*Batch, error)
	// Adjudicate records one decision and recomputes aggregates. The
	// batch status only changes once every current-attempt record is
	// adjudicated.
	Adjudicate(ctx context.Context, req AdjudicateRequest) (*AttemptRecord, error)
	// Resubmit appends the rejected cohort as attempt max+1 with
	// statuses reset, then sends it. Serialized per batch; a stale
	// ExpectedAttempt fails with ErrConcurrentModification.
	Resubmit(ctx context.Context, req ResubmitRequest) (*Batch, error)
	// Finalize moves AWAITING_FINALIZATION to FINALIZED.
	Finalize(ctx context.Context, id snowflake.ID) (*Batch, error)
	// Invoice moves FINALIZED to INVOICED, the terminal state.
	Invoice(ctx context.Context, id snowflake.ID) (*Batch, error)

	// Recompute re-derives counts, total value and the
	// SUBMITTED_TO_INSURER outcome status from current-attempt
	// records. Idempotent and safe under concurrent invocation.
	Recompute(ctx context.Context, id snowflake.ID) (*Batch, error)

	// UpdateNotes replaces the free-text notes on a batch.
	UpdateNotes(ctx context.Context, id snowflake.ID, notes string) (*Batch, error)
}
