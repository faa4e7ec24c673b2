// Package pipeline turns spreadsheet bytes into validated roster rows.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/beneplus/beneflow/internal/config"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/ingestion/normalize"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/xuri/excelize/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// headerScanDepth is how many leading rows of each sheet are scanned
// for the required-column signature.
const headerScanDepth = 5

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Cfg       config.Config
	RosterSvc rosterdomain.Service
}

type Service struct {
	log       *zap.Logger
	metrics   *metrics.Metrics
	rosterSvc rosterdomain.Service
	sexPolicy normalize.SexPolicy
}

func NewService(p ServiceParam) ingestiondomain.Service {
	sexPolicy := normalize.SexDefaultMasculine
	if p.Cfg.StrictSexValidation {
		sexPolicy = normalize.SexStrict
	}
	return &Service{
		log:       p.Log.Named("ingestion.pipeline"),
		metrics:   p.Metrics,
		rosterSvc: p.RosterSvc,
		sexPolicy: sexPolicy,
	}
}

func (s *Service) Ingest(ctx context.Context, content []byte) (ingestiondomain.Result, error) {
	brackets, err := s.rosterSvc.Brackets(ctx)
	if err != nil {
		return ingestiondomain.Result{}, err
	}

	file, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return ingestiondomain.Result{}, ingestiondomain.ErrUnreadableFile
	}
	defer file.Close()

	sheet, rows, header, err := locateDataSheet(file)
	if err != nil {
		return ingestiondomain.Result{}, err
	}

	result := s.validateRows(rows, header)
	result.Summary.SheetName = sheet
	if result.Summary.TotalRows == 0 {
		return ingestiondomain.Result{}, ingestiondomain.ErrEmptyIngestion
	}

	for i := range result.Valid {
		result.Valid[i].SalaryBracket = normalize.BracketFor(result.Valid[i].Salary, brackets)
	}

	s.metrics.IngestedRows.WithLabelValues("valid").Add(float64(result.Summary.ValidRows))
	s.metrics.IngestedRows.WithLabelValues("invalid").Add(float64(result.Summary.ErrorRows))
	s.log.Info("ingestion complete",
		zap.String("sheet", sheet),
		zap.Int("total", result.Summary.TotalRows),
		zap.Int("valid", result.Summary.ValidRows),
		zap.Int("errors", result.Summary.ErrorRows),
	)
	return result, nil
}

// headerLayout maps logical columns to zero-based cell indexes.
type headerLayout struct {
	line    int
	columns map[ingestiondomain.Column]int
}

// locateDataSheet returns the first sheet whose leading rows contain a
// header row with both the name and national-id columns.
func locateDataSheet(file *excelize.File) (string, [][]string, headerLayout, error) {
	for _, sheet := range file.GetSheetList() {
		rows, err := file.GetRows(sheet, excelize.Options{RawCellValue: true})
		if err != nil {
			continue
		}
		for i := 0; i < headerScanDepth && i < len(rows); i++ {
			layout := matchHeaderRow(rows[i])
			if layout == nil {
				continue
			}
			layout.line = i + 1
			return sheet, rows, *layout, nil
		}
	}
	return "", nil, headerLayout{}, ingestiondomain.ErrNoMatchingSheet
}

func matchHeaderRow(cells []string) *headerLayout {
	columns := make(map[ingestiondomain.Column]int)
	for idx, cell := range cells {
		column, ok := normalize.MatchColumn(cell)
		if !ok {
			continue
		}
		if _, taken := columns[column]; !taken {
			columns[column] = idx
		}
	}
	if _, ok := columns[ingestiondomain.ColumnName]; !ok {
		return nil
	}
	if _, ok := columns[ingestiondomain.ColumnNationalID]; !ok {
		return nil
	}
	return &headerLayout{columns: columns}
}

func (s *Service) validateRows(rows [][]string, header headerLayout) ingestiondomain.Result {
	var result ingestiondomain.Result
	seenIDs := make(map[string]bool)

	for i := header.line; i < len(rows); i++ {
		line := i + 1
		cells := rows[i]
		if rowIsBlank(cells) {
			continue
		}
		result.Summary.TotalRows++

		worker, reasons := validateRow(cells, header, line, s.sexPolicy)
		// Second and later occurrences of an ID are flagged regardless
		// of the rest of the row; the first occurrence is judged on its
		// own merits.
		if worker.NationalID != "" {
			if seenIDs[worker.NationalID] {
				reasons = append(reasons, ingestiondomain.FieldReason{
					Column:  ingestiondomain.ColumnNationalID,
					Code:    ingestiondomain.ReasonDuplicateInFile,
					Raw:     worker.NationalID,
					Message: "national id already present earlier in this file",
				})
			} else {
				seenIDs[worker.NationalID] = true
			}
		}
		if len(reasons) > 0 {
			result.Errors = append(result.Errors, ingestiondomain.RowError{Line: line, Reasons: reasons})
			continue
		}
		result.Valid = append(result.Valid, worker)
	}

	// Invalid rows surface first for operator triage; both partitions
	// keep original line order.
	sort.Slice(result.Errors, func(a, b int) bool { return result.Errors[a].Line < result.Errors[b].Line })
	sort.Slice(result.Valid, func(a, b int) bool { return result.Valid[a].Line < result.Valid[b].Line })

	result.Summary.HeaderLine = header.line
	result.Summary.ValidRows = len(result.Valid)
	result.Summary.ErrorRows = len(result.Errors)
	return result
}

// validateRow runs every field normalizer and accumulates all reasons
// instead of stopping at the first.
func validateRow(cells []string, header headerLayout, line int, sexPolicy normalize.SexPolicy) (ingestiondomain.ValidatedWorker, []ingestiondomain.FieldReason) {
	worker := ingestiondomain.ValidatedWorker{Line: line}
	var reasons []ingestiondomain.FieldReason

	nameCell := cellAt(cells, header.columns, ingestiondomain.ColumnName)
	name := strings.TrimSpace(nameCell.Text)
	if nameCell.Kind == ingestiondomain.CellNumber {
		name = strconv.FormatFloat(nameCell.Number, 'f', -1, 64)
	}
	if name == "" {
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnName,
			Code:    ingestiondomain.ReasonMissingName,
			Message: "worker name is required",
		})
	}
	worker.Name = name

	idCell := cellAt(cells, header.columns, ingestiondomain.ColumnNationalID)
	id, idStatus := normalize.NationalID(idCell)
	switch idStatus {
	case normalize.StatusAbsent:
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnNationalID,
			Code:    ingestiondomain.ReasonMissingNationalID,
			Message: "national id is required",
		})
	case normalize.StatusInvalid:
		code := ingestiondomain.ReasonInvalidNationalID
		message := "national id has the wrong length"
		if len(id) == normalize.NationalIDLength {
			code = ingestiondomain.ReasonInvalidChecksum
			message = "national id failed check-digit verification"
		}
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnNationalID,
			Code:    code,
			Raw:     rawText(idCell),
			Message: message,
		})
	default:
		worker.NationalID = id
	}

	dateCell := cellAt(cells, header.columns, ingestiondomain.ColumnBirthDate)
	birthDate, rawDate, dateStatus := normalize.Date(dateCell)
	if dateStatus != normalize.StatusOK {
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnBirthDate,
			Code:    ingestiondomain.ReasonInvalidDate,
			Raw:     rawDate,
			Message: "birth date is missing or unparsable",
		})
	} else {
		worker.BirthDate = birthDate
	}

	salaryCell := cellAt(cells, header.columns, ingestiondomain.ColumnSalary)
	salary, salaryStatus := normalize.Currency(salaryCell)
	if salaryStatus != normalize.StatusOK || salary.IsNegative() {
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnSalary,
			Code:    ingestiondomain.ReasonInvalidSalary,
			Raw:     rawText(salaryCell),
			Message: "salary is missing or unparsable",
		})
	} else {
		worker.Salary = salary
	}

	sexCell := cellAt(cells, header.columns, ingestiondomain.ColumnSex)
	sex, sexStatus := normalize.Sex(sexCell, sexPolicy)
	switch sexStatus {
	case normalize.StatusInvalid:
		reasons = append(reasons, ingestiondomain.FieldReason{
			Column:  ingestiondomain.ColumnSex,
			Code:    ingestiondomain.ReasonInvalidSex,
			Raw:     rawText(sexCell),
			Message: "sex is not a recognized value",
		})
	case normalize.StatusAbsent:
		// A missing column or blank cell falls back even in strict
		// mode; only a populated unrecognized cell is an error.
		worker.Sex = rosterdomain.SexMasculine
	default:
		worker.Sex = sex
	}

	return worker, reasons
}

func cellAt(cells []string, columns map[ingestiondomain.Column]int, column ingestiondomain.Column) ingestiondomain.CellValue {
	idx, ok := columns[column]
	if !ok || idx >= len(cells) {
		return ingestiondomain.CellValue{Kind: ingestiondomain.CellEmpty}
	}
	raw := strings.TrimSpace(cells[idx])
	if raw == "" {
		return ingestiondomain.CellValue{Kind: ingestiondomain.CellEmpty}
	}
	if number, err := strconv.ParseFloat(raw, 64); err == nil {
		return ingestiondomain.CellValue{Kind: ingestiondomain.CellNumber, Number: number, Text: raw}
	}
	return ingestiondomain.CellValue{Kind: ingestiondomain.CellText, Text: raw}
}

func rawText(cell ingestiondomain.CellValue) string {
	if cell.Kind == ingestiondomain.CellEmpty {
		return ""
	}
	if cell.Text != "" {
		return cell.Text
	}
	return fmt.Sprintf("%v", cell.Number)
}

func rowIsBlank(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
