package service

import (
	"context"
	"strings"

	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/events"
	"github.com/beneplus/beneflow/internal/ingestion/normalize"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/beneplus/beneflow/pkg/db/option"
	"github.com/beneplus/beneflow/pkg/db/pagination"
	"github.com/beneplus/beneflow/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	GenID *snowflake.Node
	Hub   *events.Hub
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	hub   *events.Hub

	workerrepo   repository.Repository[rosterdomain.Worker]
	bracketrepo  repository.Repository[rosterdomain.SalaryBracket]
	employerrepo repository.Repository[rosterdomain.Employer]
}

func NewService(p ServiceParam) rosterdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("roster.service"),
		clock: p.Clock,
		genID: p.GenID,
		hub:   p.Hub,

		workerrepo:   repository.ProvideStore[rosterdomain.Worker](p.DB),
		bracketrepo:  repository.ProvideStore[rosterdomain.SalaryBracket](p.DB),
		employerrepo: repository.ProvideStore[rosterdomain.Employer](p.DB),
	}
}

func (s *Service) ListWorkers(ctx context.Context, req rosterdomain.ListWorkersRequest) (rosterdomain.ListWorkersResponse, error) {
	if req.EmployerID == 0 {
		return rosterdomain.ListWorkersResponse{}, rosterdomain.ErrEmployerNotFound
	}

	filter := &rosterdomain.Worker{EmployerID: req.EmployerID}
	if req.SiteID != nil {
		filter.SiteID = *req.SiteID
	}
	if req.LifecycleStatus != nil {
		filter.LifecycleStatus = *req.LifecycleStatus
	}

	pageSize := req.PageSize
	if pageSize <= 0 || pageSize > 250 {
		pageSize = 25
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Default: "id"}),
		option.WithLimit(pageSize + 1),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return rosterdomain.ListWorkersResponse{}, err
		}
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "id",
			Operator: option.GT,
			Value:    cursor.ID,
		}))
	}

	items, err := s.workerrepo.Find(ctx, filter, options...)
	if err != nil {
		return rosterdomain.ListWorkersResponse{}, err
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(w *rosterdomain.Worker) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: w.ID.String()})
		return cursor
	})

	workers := make([]rosterdomain.Worker, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		workers = append(workers, *item)
	}

	resp := rosterdomain.ListWorkersResponse{Workers: workers, HasMore: pageInfo.HasMore}
	if pageInfo.HasMore {
		resp.NextPageToken = pageInfo.NextPageToken
	}
	return resp, nil
}

func (s *Service) GetWorker(ctx context.Context, id string) (rosterdomain.Worker, error) {
	workerID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return rosterdomain.Worker{}, rosterdomain.ErrWorkerNotFound
	}

	item, err := s.workerrepo.FindOne(ctx, &rosterdomain.Worker{ID: workerID})
	if err != nil {
		return rosterdomain.Worker{}, err
	}
	if item == nil {
		return rosterdomain.Worker{}, rosterdomain.ErrWorkerNotFound
	}
	return *item, nil
}

func (s *Service) UpdateWorker(ctx context.Context, req rosterdomain.UpdateWorkerRequest) (rosterdomain.Worker, error) {
	item, err := s.workerrepo.FindOne(ctx, &rosterdomain.Worker{ID: req.WorkerID})
	if err != nil {
		return rosterdomain.Worker{}, err
	}
	if item == nil {
		return rosterdomain.Worker{}, rosterdomain.ErrWorkerNotFound
	}

	worker := *item
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return rosterdomain.Worker{}, rosterdomain.ErrInvalidWorker
		}
		worker.Name = name
	}
	if req.Sex != nil {
		worker.Sex = *req.Sex
	}
	if req.BirthDate != nil {
		worker.BirthDate = req.BirthDate.UTC()
	}
	if req.Salary != nil {
		if req.Salary.IsNegative() {
			return rosterdomain.Worker{}, rosterdomain.ErrInvalidWorker
		}
		worker.Salary = *req.Salary
		brackets, err := s.Brackets(ctx)
		if err != nil {
			return rosterdomain.Worker{}, err
		}
		worker.SalaryBracket = normalize.BracketFor(worker.Salary, brackets)
	}
	worker.UpdatedAt = s.clock.Now()

	if err := s.db.WithContext(ctx).Save(&worker).Error; err != nil {
		return rosterdomain.Worker{}, err
	}

	s.hub.Changed(events.EntityWorker, worker.ID.String(), "updated", worker.UpdatedAt)
	return worker, nil
}

func (s *Service) ActiveRoster(ctx context.Context, employerID, siteID snowflake.ID) ([]rosterdomain.Worker, error) {
	items, err := s.workerrepo.Find(ctx, &rosterdomain.Worker{
		EmployerID:      employerID,
		SiteID:          siteID,
		LifecycleStatus: rosterdomain.LifecycleActive,
	}, option.WithSortBy(option.QuerySortBy{Default: "national_id"}))
	if err != nil {
		return nil, err
	}

	workers := make([]rosterdomain.Worker, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		workers = append(workers, *item)
	}
	return workers, nil
}

func (s *Service) Brackets(ctx context.Context) ([]rosterdomain.SalaryBracket, error) {
	items, err := s.bracketrepo.Find(ctx, &rosterdomain.SalaryBracket{},
		option.WithSortBy(option.QuerySortBy{Default: "minimum_salary"}))
	if err != nil {
		return nil, err
	}

	brackets := make([]rosterdomain.SalaryBracket, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		brackets = append(brackets, *item)
	}
	return brackets, nil
}

// DeleteEmployer refuses to remove an employer that still owns workers
// or batches unless the caller explicitly cascades.
func (s *Service) DeleteEmployer(ctx context.Context, employerID snowflake.ID, cascade bool) error {
	employer, err := s.employerrepo.FindOne(ctx, &rosterdomain.Employer{ID: employerID})
	if err != nil {
		return err
	}
	if employer == nil {
		return rosterdomain.ErrEmployerNotFound
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dependents int64
		if err := tx.Table("workers").Where("employer_id = ?", employerID).Count(&dependents).Error; err != nil {
			return err
		}
		var batchCount int64
		if err := tx.Table("batches").Where("employer_id = ?", employerID).Count(&batchCount).Error; err != nil {
			return err
		}
		dependents += batchCount

		if dependents > 0 && !cascade {
			return rosterdomain.ErrReferentialIntegrity
		}
		if cascade {
			if err := tx.Exec(`DELETE FROM attempt_records WHERE batch_id IN (SELECT id FROM batches WHERE employer_id = ?)`, employerID).Error; err != nil {
				return err
			}
			if err := tx.Exec(`DELETE FROM price_plan_entries WHERE batch_id IN (SELECT id FROM batches WHERE employer_id = ?)`, employerID).Error; err != nil {
				return err
			}
			if err := tx.Exec(`DELETE FROM batches WHERE employer_id = ?`, employerID).Error; err != nil {
				return err
			}
			if err := tx.Exec(`DELETE FROM workers WHERE employer_id = ?`, employerID).Error; err != nil {
				return err
			}
		}
		return tx.Exec(`DELETE FROM employers WHERE id = ?`, employerID).Error
	})
	if err != nil {
		return err
	}

	s.hub.Changed(events.EntityEmployer, employerID.String(), "deleted", s.clock.Now())
	return nil
}
