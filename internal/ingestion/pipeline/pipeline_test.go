package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/beneplus/beneflow/internal/config"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type rosterStub struct {
	brackets []rosterdomain.SalaryBracket
}

func (s *rosterStub) ListWorkers(ctx context.Context, req rosterdomain.ListWorkersRequest) (rosterdomain.ListWorkersResponse, error) {
	return rosterdomain.ListWorkersResponse{}, nil
}

func (s *rosterStub) GetWorker(ctx context.Context, id string) (rosterdomain.Worker, error) {
	return rosterdomain.Worker{}, rosterdomain.ErrWorkerNotFound
}

func (s *rosterStub) UpdateWorker(ctx context.Context, req rosterdomain.UpdateWorkerRequest) (rosterdomain.Worker, error) {
	return rosterdomain.Worker{}, rosterdomain.ErrWorkerNotFound
}

func (s *rosterStub) ActiveRoster(ctx context.Context, employerID, siteID snowflake.ID) ([]rosterdomain.Worker, error) {
	return nil, nil
}

func (s *rosterStub) Brackets(ctx context.Context) ([]rosterdomain.SalaryBracket, error) {
	return s.brackets, nil
}

func (s *rosterStub) DeleteEmployer(ctx context.Context, employerID snowflake.ID, cascade bool) error {
	return nil
}

func newPipeline(t *testing.T) ingestiondomain.Service {
	t.Helper()
	return newPipelineWithConfig(t, config.Config{})
}

func newPipelineWithConfig(t *testing.T, cfg config.Config) ingestiondomain.Service {
	t.Helper()
	return NewService(ServiceParam{
		Log:     zap.NewNop(),
		Metrics: metrics.New(),
		Cfg:     cfg,
		RosterSvc: &rosterStub{brackets: []rosterdomain.SalaryBracket{
			{Label: "A", MinimumSalary: decimal.RequireFromString("1000")},
			{Label: "B", MinimumSalary: decimal.RequireFromString("2500")},
		}},
	})
}

// buildRosterFile writes rows onto a data sheet preceded by a cover
// sheet, with the header two rows deep the way exported payroll files
// usually arrive.
func buildRosterFile(t *testing.T, rows [][]any) []byte {
	t.Helper()

	file := excelize.NewFile()
	defer file.Close()

	require.NoError(t, file.SetSheetName("Sheet1", "Capa"))
	require.NoError(t, file.SetCellValue("Capa", "A1", "Relatório de colaboradores"))

	_, err := file.NewSheet("Funcionarios")
	require.NoError(t, err)
	require.NoError(t, file.SetCellValue("Funcionarios", "A1", "Empresa Exemplo LTDA"))

	header := []any{"Nome do Funcionário", "CPF", "Data de Nascimento", "Sexo", "Salário"}
	require.NoError(t, file.SetSheetRow("Funcionarios", "A2", &header))
	for i, row := range rows {
		cell := fmt.Sprintf("A%d", i+3)
		require.NoError(t, file.SetSheetRow("Funcionarios", cell, &row))
	}

	buf, err := file.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestIngestPartitionsValidAndInvalidRows(t *testing.T) {
	content := buildRosterFile(t, [][]any{
		{"Maria Souza", "123.456.789-09", "15/03/1990", "F", "3.500,00"},
		{"", "111.444.777-35", "31/02/1991", "M", "2.000,00"},
		{"", "", "", "", ""},
		{"Carlos Pereira", "000.000.000-00", "02/01/1985", "M", "1.200,00"},
		{"Carla Dias", "000.000.000-00", "09/09/1992", "F", "9.800,00"},
	})

	result, err := newPipeline(t).Ingest(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, "Funcionarios", result.Summary.SheetName)
	assert.Equal(t, 2, result.Summary.HeaderLine)
	assert.Equal(t, 4, result.Summary.TotalRows)
	assert.Equal(t, 2, result.Summary.ValidRows)
	assert.Equal(t, 2, result.Summary.ErrorRows)

	require.Len(t, result.Valid, 2)
	maria := result.Valid[0]
	assert.Equal(t, 3, maria.Line)
	assert.Equal(t, "12345678909", maria.NationalID)
	assert.Equal(t, rosterdomain.SexFeminine, maria.Sex)
	assert.Equal(t, 1990, maria.BirthDate.Year())
	assert.True(t, maria.Salary.Equal(decimal.RequireFromString("3500.00")))
	assert.Equal(t, "B", maria.SalaryBracket)

	// The first occurrence of a repeated ID stands on its own merits.
	carlos := result.Valid[1]
	assert.Equal(t, "00000000000", carlos.NationalID)
	assert.Equal(t, "A", carlos.SalaryBracket)

	require.Len(t, result.Errors, 2)
	// Row 4 accumulates every failure, not just the first.
	badRow := result.Errors[0]
	assert.Equal(t, 4, badRow.Line)
	codes := make([]string, 0, len(badRow.Reasons))
	for _, reason := range badRow.Reasons {
		codes = append(codes, reason.Code)
	}
	assert.ElementsMatch(t, []string{
		ingestiondomain.ReasonMissingName,
		ingestiondomain.ReasonInvalidDate,
	}, codes)

	duplicate := result.Errors[1]
	assert.Equal(t, 7, duplicate.Line)
	require.Len(t, duplicate.Reasons, 1)
	assert.Equal(t, ingestiondomain.ReasonDuplicateInFile, duplicate.Reasons[0].Code)
}

func TestIngestIsDeterministic(t *testing.T) {
	content := buildRosterFile(t, [][]any{
		{"Maria Souza", "123.456.789-09", "15/03/1990", "F", "3.500,00"},
		{"Joao Lima", "111.444.777-35", "1988-07-21", "M", "2.400,00"},
	})

	pipeline := newPipeline(t)
	first, err := pipeline.Ingest(context.Background(), content)
	require.NoError(t, err)
	second, err := pipeline.Ingest(context.Background(), content)
	require.NoError(t, err)

	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Valid, second.Valid)
	assert.Equal(t, first.Errors, second.Errors)
}

func TestIngestNoMatchingSheet(t *testing.T) {
	file := excelize.NewFile()
	defer file.Close()
	require.NoError(t, file.SetCellValue("Sheet1", "A1", "Planilha de despesas"))
	require.NoError(t, file.SetCellValue("Sheet1", "B1", "Valor"))
	buf, err := file.WriteToBuffer()
	require.NoError(t, err)

	_, err = newPipeline(t).Ingest(context.Background(), buf.Bytes())
	assert.ErrorIs(t, err, ingestiondomain.ErrNoMatchingSheet)
}

func TestIngestEmptyFile(t *testing.T) {
	content := buildRosterFile(t, nil)

	_, err := newPipeline(t).Ingest(context.Background(), content)
	assert.ErrorIs(t, err, ingestiondomain.ErrEmptyIngestion)
}

func TestIngestUnreadableBytes(t *testing.T) {
	_, err := newPipeline(t).Ingest(context.Background(), []byte("definitely not a spreadsheet"))
	assert.ErrorIs(t, err, ingestiondomain.ErrUnreadableFile)
}

func TestIngestChecksumFailureIsItsOwnReason(t *testing.T) {
	content := buildRosterFile(t, [][]any{
		{"Pedro Gomes", "123.456.789-00", "10/10/1980", "M", "2.200,00"},
	})

	result, err := newPipeline(t).Ingest(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	require.Len(t, result.Errors[0].Reasons, 1)
	assert.Equal(t, ingestiondomain.ReasonInvalidChecksum, result.Errors[0].Reasons[0].Code)
}

func TestIngestStrictSexValidation(t *testing.T) {
	content := buildRosterFile(t, [][]any{
		{"Maria Souza", "123.456.789-09", "15/03/1990", "X", "3.500,00"},
		{"Joao Lima", "111.444.777-35", "02/01/1985", "", "2.000,00"},
	})

	strict := newPipelineWithConfig(t, config.Config{StrictSexValidation: true})
	result, err := strict.Ingest(context.Background(), content)
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	require.Len(t, result.Errors[0].Reasons, 1)
	reason := result.Errors[0].Reasons[0]
	assert.Equal(t, ingestiondomain.ReasonInvalidSex, reason.Code)
	assert.Equal(t, ingestiondomain.ColumnSex, reason.Column)
	assert.Equal(t, "X", reason.Raw)

	// A blank cell still falls back to the default instead of erroring.
	require.Len(t, result.Valid, 1)
	assert.Equal(t, "Joao Lima", result.Valid[0].Name)
	assert.Equal(t, rosterdomain.SexMasculine, result.Valid[0].Sex)

	lenient, err := newPipeline(t).Ingest(context.Background(), content)
	require.NoError(t, err)
	assert.Len(t, lenient.Errors, 0)
	assert.Len(t, lenient.Valid, 2)
}
