// Package domain holds the typed output of spreadsheet ingestion.
// Nothing here is persisted; row errors exist only to be surfaced to
// the operator performing the import.
package domain

import (
	"context"
	"errors"
	"time"

	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoMatchingSheet aborts ingestion: no sheet's first rows
	// contained a header row with the required column signature.
	ErrNoMatchingSheet = errors.New("no_matching_sheet")
	// ErrEmptyIngestion aborts ingestion: the data sheet produced no
	// parsable rows at all.
	ErrEmptyIngestion = errors.New("empty_ingestion")
	// ErrUnreadableFile aborts ingestion: the bytes are not a
	// spreadsheet this service can open.
	ErrUnreadableFile = errors.New("unreadable_file")
)

// CellKind discriminates the cell sum type.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellText
	CellNumber
)

// CellValue is a spreadsheet cell resolved to one of three shapes.
// Arbitrary column content goes through explicit normalizers rather
// than implicit coercion.
type CellValue struct {
	Kind   CellKind
	Text   string
	Number float64
}

// Column is a logical roster column the pipeline knows how to locate.
type Column string

const (
	ColumnName       Column = "name"
	ColumnNationalID Column = "national_id"
	ColumnBirthDate  Column = "birth_date"
	ColumnSex        Column = "sex"
	ColumnSalary     Column = "salary"
)

// Reason codes attached to RowError entries.
const (
	ReasonMissingName       = "missing_name"
	ReasonMissingNationalID = "missing_national_id"
	ReasonInvalidNationalID = "invalid_national_id"
	ReasonInvalidChecksum   = "invalid_checksum"
	ReasonDuplicateInFile   = "duplicate_in_file"
	ReasonInvalidDate       = "invalid_date"
	ReasonInvalidSalary     = "invalid_salary"
	ReasonInvalidSex        = "invalid_sex"
)

// FieldReason is one field-level validation failure on a row.
type FieldReason struct {
	Column  Column `json:"column"`
	Code    string `json:"code"`
	Raw     string `json:"raw,omitempty"`
	Message string `json:"message"`
}

// RowError collects every reason a row was rejected. Ephemeral.
type RowError struct {
	Line    int           `json:"line"`
	Reasons []FieldReason `json:"reasons"`
}

// ValidatedWorker is one fully normalized upload row.
type ValidatedWorker struct {
	Line          int              `json:"line"`
	NationalID    string           `json:"national_id"`
	Name          string           `json:"name"`
	Sex           rosterdomain.Sex `json:"sex"`
	BirthDate     time.Time        `json:"birth_date"`
	Salary        decimal.Decimal  `json:"salary"`
	SalaryBracket string           `json:"salary_bracket"`
}

// Summary carries ingestion counts for the operator.
type Summary struct {
	SheetName  string `json:"sheet_name"`
	HeaderLine int    `json:"header_line"`
	TotalRows  int    `json:"total_rows"`
	ValidRows  int    `json:"valid_rows"`
	ErrorRows  int    `json:"error_rows"`
}

// Result is the ordered outcome of one ingestion run: invalid rows
// first for operator triage, then by original line number.
type Result struct {
	Valid   []ValidatedWorker `json:"valid"`
	Errors  []RowError        `json:"errors"`
	Summary Summary           `json:"summary"`
}

type Service interface {
	// Ingest parses spreadsheet bytes into validated rows. Partial
	// validity is the normal case; only structural problems
	// (ErrNoMatchingSheet, ErrEmptyIngestion, ErrUnreadableFile) fail
	// the run.
	Ingest(ctx context.Context, content []byte) (Result, error)
}
