package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/config"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	reconciledomain "github.com/beneplus/beneflow/internal/reconcile/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Metrics *metrics.Metrics
	Cfg     config.Config
}

type Service struct {
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	metrics   *metrics.Metrics
	chunkSize int
}

func NewService(p ServiceParam) reconciledomain.Service {
	chunkSize := p.Cfg.ReconcileChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Service{
		log:       p.Log.Named("reconcile.service"),
		clock:     p.Clock,
		genID:     p.GenID,
		metrics:   p.Metrics,
		chunkSize: chunkSize,
	}
}

func (s *Service) BuildPlan(current []rosterdomain.Worker, upload []ingestiondomain.ValidatedWorker) reconciledomain.Plan {
	var plan reconciledomain.Plan

	existing := make(map[string]rosterdomain.Worker, len(current))
	for _, worker := range current {
		existing[worker.NationalID] = worker
	}

	uploaded := make(map[string]bool, len(upload))
	for _, row := range upload {
		uploaded[row.NationalID] = true

		worker, found := existing[row.NationalID]
		if !found {
			plan.Upserts = append(plan.Upserts, reconciledomain.UpsertOp{
				Kind:       reconciledomain.OpCreate,
				NationalID: row.NationalID,
				Row:        row,
			})
			continue
		}

		changed := changedFields(worker, row)
		// A returning terminated worker reactivates the retained row;
		// creating a fresh one would collide on (employer, national_id).
		if worker.LifecycleStatus == rosterdomain.LifecycleTerminated {
			changed = append([]string{fmt.Sprintf("lifecycle_status: %s -> %s",
				rosterdomain.LifecycleTerminated, rosterdomain.LifecycleActive)}, changed...)
		}
		if len(changed) == 0 {
			plan.Unchanged++
			continue
		}
		plan.Upserts = append(plan.Upserts, reconciledomain.UpsertOp{
			Kind:          reconciledomain.OpUpdate,
			NationalID:    row.NationalID,
			Row:           row,
			WorkerID:      worker.ID,
			ChangedFields: changed,
		})
	}

	// Complete-truth semantics: any active worker absent from the
	// upload is terminated for this period. Already-terminated rows
	// stay as they are.
	for _, worker := range current {
		if uploaded[worker.NationalID] || worker.LifecycleStatus != rosterdomain.LifecycleActive {
			continue
		}
		plan.Terminates = append(plan.Terminates, reconciledomain.TerminateOp{
			WorkerID:   worker.ID,
			NationalID: worker.NationalID,
		})
	}
	sort.Slice(plan.Terminates, func(a, b int) bool {
		return plan.Terminates[a].NationalID < plan.Terminates[b].NationalID
	})

	return plan
}

// changedFields compares the tracked fields only: name, sex, birth
// date and salary.
func changedFields(worker rosterdomain.Worker, row ingestiondomain.ValidatedWorker) []string {
	var changed []string
	if worker.Name != row.Name {
		changed = append(changed, fmt.Sprintf("name: %q -> %q", worker.Name, row.Name))
	}
	if worker.Sex != row.Sex {
		changed = append(changed, fmt.Sprintf("sex: %s -> %s", worker.Sex, row.Sex))
	}
	if !worker.BirthDate.Equal(row.BirthDate) {
		changed = append(changed, fmt.Sprintf("birth_date: %s -> %s",
			worker.BirthDate.Format("2006-01-02"), row.BirthDate.Format("2006-01-02")))
	}
	if !worker.Salary.Equal(row.Salary) {
		changed = append(changed, fmt.Sprintf("salary: %s -> %s", worker.Salary.StringFixed(2), row.Salary.StringFixed(2)))
	}
	return changed
}

func (s *Service) Apply(ctx context.Context, tx *gorm.DB, employerID, siteID snowflake.ID, plan reconciledomain.Plan) error {
	now := s.clock.Now()

	var creates []*rosterdomain.Worker
	for _, op := range plan.Upserts {
		switch op.Kind {
		case reconciledomain.OpCreate:
			creates = append(creates, &rosterdomain.Worker{
				ID:              s.genID.Generate(),
				EmployerID:      employerID,
				SiteID:          siteID,
				NationalID:      op.NationalID,
				Name:            op.Row.Name,
				Sex:             op.Row.Sex,
				BirthDate:       op.Row.BirthDate,
				Salary:          op.Row.Salary,
				SalaryBracket:   op.Row.SalaryBracket,
				LifecycleStatus: rosterdomain.LifecycleActive,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		case reconciledomain.OpUpdate:
			err := tx.WithContext(ctx).Exec(
				`UPDATE workers
				 SET name = ?, sex = ?, birth_date = ?, salary = ?, salary_bracket = ?,
				     lifecycle_status = ?, terminated_at = NULL, updated_at = ?
				 WHERE id = ?`,
				op.Row.Name,
				op.Row.Sex,
				op.Row.BirthDate,
				op.Row.Salary,
				op.Row.SalaryBracket,
				rosterdomain.LifecycleActive,
				now,
				op.WorkerID,
			).Error
			if err != nil {
				return err
			}
		}
	}

	if len(creates) > 0 {
		if err := tx.WithContext(ctx).CreateInBatches(creates, s.chunkSize).Error; err != nil {
			return err
		}
	}

	for start := 0; start < len(plan.Terminates); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(plan.Terminates) {
			end = len(plan.Terminates)
		}
		ids := make([]snowflake.ID, 0, end-start)
		for _, op := range plan.Terminates[start:end] {
			ids = append(ids, op.WorkerID)
		}
		err := tx.WithContext(ctx).Exec(
			`UPDATE workers
			 SET lifecycle_status = ?, terminated_at = ?, updated_at = ?
			 WHERE id IN ?`,
			rosterdomain.LifecycleTerminated,
			now,
			now,
			ids,
		).Error
		if err != nil {
			return err
		}
	}

	created, updated, terminated := plan.Counts()
	s.metrics.ReconcileOps.WithLabelValues("create").Add(float64(created))
	s.metrics.ReconcileOps.WithLabelValues("update").Add(float64(updated))
	s.metrics.ReconcileOps.WithLabelValues("terminate").Add(float64(terminated))
	s.metrics.ReconcileOps.WithLabelValues("unchanged").Add(float64(plan.Unchanged))
	s.log.Info("roster reconciled",
		zap.String("employer_id", employerID.String()),
		zap.String("site_id", siteID.String()),
		zap.Int("created", created),
		zap.Int("updated", updated),
		zap.Int("terminated", terminated),
		zap.Int("unchanged", plan.Unchanged),
	)
	return nil
}
