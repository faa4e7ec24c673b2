package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrEmployerNotFound     = errors.New("employer_not_found")
	ErrWorkerNotFound       = errors.New("worker_not_found")
	ErrDuplicateNationalID  = errors.New("duplicate_national_id")
	ErrReferentialIntegrity = errors.New("referential_integrity")
	ErrInvalidWorker        = errors.New("invalid_worker")
)

type ListWorkersRequest struct {
	EmployerID      snowflake.ID
	SiteID          *snowflake.ID
	LifecycleStatus *LifecycleStatus
	PageSize        int
	PageToken       string
}

type ListWorkersResponse struct {
	Workers       []Worker `json:"workers"`
	NextPageToken string   `json:"next_page_token"`
	HasMore       bool     `json:"has_more"`
}

// UpdateWorkerRequest is a direct operator edit of a roster entry.
// Nil fields are left untouched.
type UpdateWorkerRequest struct {
	WorkerID  snowflake.ID
	Name      *string
	Sex       *Sex
	BirthDate *time.Time
	Salary    *decimal.Decimal
}

type Service interface {
	ListWorkers(ctx context.Context, req ListWorkersRequest) (ListWorkersResponse, error)
	GetWorker(ctx context.Context, id string) (Worker, error)
	UpdateWorker(ctx context.Context, req UpdateWorkerRequest) (Worker, error)
	// ActiveRoster returns the current active workers for an
	// (employer, site) pair; it is the reconciliation baseline.
	ActiveRoster(ctx context.Context, employerID, siteID snowflake.ID) ([]Worker, error)
	// Brackets returns the salary-bracket reference table ordered by
	// minimum salary ascending.
	Brackets(ctx context.Context) ([]SalaryBracket, error)
	// DeleteEmployer removes an employer. It fails with
	// ErrReferentialIntegrity while dependent batches or workers exist,
	// unless cascade is set.
	DeleteEmployer(ctx context.Context, employerID snowflake.ID, cascade bool) error
}
