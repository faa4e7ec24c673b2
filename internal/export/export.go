// Package export renders roster and batch data as spreadsheet files.
package export

import (
	"context"
	"fmt"

	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/xuri/excelize/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service interface {
	// Roster writes the active roster of an (employer, site) pair as an
	// xlsx workbook. A zero siteID exports every site.
	Roster(ctx context.Context, employerID, siteID snowflake.ID) ([]byte, error)
	// Batch writes a batch's current-attempt records and price plan.
	Batch(ctx context.Context, batchID snowflake.ID) ([]byte, error)
}

type ServiceParam struct {
	fx.In

	Log       *zap.Logger
	RosterSvc rosterdomain.Service
	BatchSvc  batchdomain.Service
}

type service struct {
	log       *zap.Logger
	rosterSvc rosterdomain.Service
	batchSvc  batchdomain.Service
}

func NewService(p ServiceParam) Service {
	return &service{
		log:       p.Log.Named("export.service"),
		rosterSvc: p.RosterSvc,
		batchSvc:  p.BatchSvc,
	}
}

var rosterHeader = []any{"Nome", "CPF", "Nascimento", "Sexo", "Salário", "Faixa", "Situação"}

func (s *service) Roster(ctx context.Context, employerID, siteID snowflake.ID) ([]byte, error) {
	workers, err := s.rosterSvc.ActiveRoster(ctx, employerID, siteID)
	if err != nil {
		return nil, err
	}

	file := excelize.NewFile()
	defer file.Close()

	const sheet = "Funcionarios"
	if err := file.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	if err := file.SetSheetRow(sheet, "A1", &rosterHeader); err != nil {
		return nil, err
	}
	for i, worker := range workers {
		row := []any{
			worker.Name,
			worker.NationalID,
			worker.BirthDate.Format("02/01/2006"),
			string(worker.Sex),
			worker.Salary.StringFixed(2),
			worker.SalaryBracket,
			string(worker.LifecycleStatus),
		}
		if err := file.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	s.log.Info("roster exported",
		zap.String("employer_id", employerID.String()),
		zap.Int("workers", len(workers)),
	)
	return buf.Bytes(), nil
}

var batchHeader = []any{"Nome", "CPF", "Nascimento", "Sexo", "Salário", "Faixa", "Tentativa", "Situação", "Motivo"}

func (s *service) Batch(ctx context.Context, batchID snowflake.ID) ([]byte, error) {
	detail, err := s.batchSvc.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	file := excelize.NewFile()
	defer file.Close()

	const recordsSheet = "Lote"
	if err := file.SetSheetName("Sheet1", recordsSheet); err != nil {
		return nil, err
	}
	if err := file.SetSheetRow(recordsSheet, "A1", &batchHeader); err != nil {
		return nil, err
	}
	for i, record := range detail.Records {
		reason := ""
		if record.RejectionReason != nil {
			reason = *record.RejectionReason
		}
		row := []any{
			record.Name,
			record.NationalID,
			record.BirthDate.Format("02/01/2006"),
			string(record.Sex),
			record.Salary.StringFixed(2),
			record.SalaryBracket,
			record.AttemptNumber,
			string(record.InsurerStatus),
			reason,
		}
		if err := file.SetSheetRow(recordsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	if len(detail.PricePlan) > 0 {
		const planSheet = "Precos"
		if _, err := file.NewSheet(planSheet); err != nil {
			return nil, err
		}
		planHeader := []any{"Plano", "Faixa Etária", "Valor Unitário"}
		if err := file.SetSheetRow(planSheet, "A1", &planHeader); err != nil {
			return nil, err
		}
		for i, entry := range detail.PricePlan {
			row := []any{entry.PlanName, entry.AgeBand, entry.UnitValue.StringFixed(2)}
			if err := file.SetSheetRow(planSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
				return nil, err
			}
		}
	}

	buf, err := file.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	s.log.Info("batch exported",
		zap.String("batch_id", batchID.String()),
		zap.Int("records", len(detail.Records)),
	)
	return buf.Bytes(), nil
}
