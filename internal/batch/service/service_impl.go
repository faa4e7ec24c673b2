package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/config"
	"github.com/beneplus/beneflow/internal/events"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	reconciledomain "github.com/beneplus/beneflow/internal/reconcile/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/beneplus/beneflow/pkg/db/option"
	"github.com/beneplus/beneflow/pkg/db/pagination"
	"github.com/beneplus/beneflow/pkg/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var competencePattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	GenID        *snowflake.Node
	Hub          *events.Hub
	Metrics      *metrics.Metrics
	Cfg          config.Config
	IngestSvc    ingestiondomain.Service
	ReconcileSvc reconciledomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	genID        *snowflake.Node
	hub          *events.Hub
	metrics      *metrics.Metrics
	chunkSize    int
	ingestSvc    ingestiondomain.Service
	reconcileSvc reconciledomain.Service

	batchrepo  repository.Repository[batchdomain.Batch]
	recordrepo repository.Repository[batchdomain.AttemptRecord]
	planrepo   repository.Repository[batchdomain.PricePlanEntry]
}

func NewService(p ServiceParam) batchdomain.Service {
	chunkSize := p.Cfg.ReconcileChunkSize
	if chunkSize <= 0 {
		chunkSize = 100
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("batch.service"),
		clock:        p.Clock,
		genID:        p.GenID,
		hub:          p.Hub,
		metrics:      p.Metrics,
		chunkSize:    chunkSize,
		ingestSvc:    p.IngestSvc,
		reconcileSvc: p.ReconcileSvc,

		batchrepo:  repository.ProvideStore[batchdomain.Batch](p.DB),
		recordrepo: repository.ProvideStore[batchdomain.AttemptRecord](p.DB),
		planrepo:   repository.ProvideStore[batchdomain.PricePlanEntry](p.DB),
	}
}

// loadBatchForUpdate locks the batch row for the duration of the
// transaction. Every attempt-ledger write goes through this lock so
// attempt numbers are assigned serially per batch.
func (s *Service) loadBatchForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*batchdomain.Batch, error) {
	query := `SELECT * FROM batches WHERE id = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var batch batchdomain.Batch
	if err := tx.WithContext(ctx).Raw(query, id).Scan(&batch).Error; err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, batchdomain.ErrBatchNotFound
	}
	return &batch, nil
}

func (s *Service) loadPeriodBatchForUpdate(ctx context.Context, tx *gorm.DB, employerID, siteID snowflake.ID, competence string) (*batchdomain.Batch, error) {
	query := `SELECT * FROM batches WHERE employer_id = ? AND site_id = ? AND competence = ?`
	if tx.Dialector.Name() != "sqlite" {
		query += " FOR UPDATE"
	}
	var batch batchdomain.Batch
	if err := tx.WithContext(ctx).Raw(query, employerID, siteID, competence).Scan(&batch).Error; err != nil {
		return nil, err
	}
	if batch.ID == 0 {
		return nil, nil
	}
	return &batch, nil
}

func (s *Service) maxAttempt(ctx context.Context, tx *gorm.DB, batchID snowflake.ID) (int, error) {
	var current int
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(attempt_number), 0) FROM attempt_records WHERE batch_id = ?`,
		batchID,
	).Scan(&current).Error
	return current, err
}

func (s *Service) currentRecords(ctx context.Context, tx *gorm.DB, batchID snowflake.ID, attempt int) ([]batchdomain.AttemptRecord, error) {
	var records []batchdomain.AttemptRecord
	err := tx.WithContext(ctx).
		Where("batch_id = ? AND attempt_number = ?", batchID, attempt).
		Order("national_id ASC").
		Find(&records).Error
	return records, err
}

func (s *Service) SubmitRoster(ctx context.Context, req batchdomain.SubmitRosterRequest) (*batchdomain.SubmitRosterResponse, error) {
	if !competencePattern.MatchString(req.Competence) {
		return nil, batchdomain.ErrInvalidCompetence
	}

	result, err := s.ingestSvc.Ingest(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var batch *batchdomain.Batch
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var employerCount int64
		if err := tx.WithContext(ctx).Model(&rosterdomain.Employer{}).
			Where("id = ?", req.EmployerID).Count(&employerCount).Error; err != nil {
			return err
		}
		if employerCount == 0 {
			return rosterdomain.ErrEmployerNotFound
		}

		existing, err := s.loadPeriodBatchForUpdate(ctx, tx, req.EmployerID, req.SiteID, req.Competence)
		if err != nil {
			return err
		}
		if existing == nil {
			existing = &batchdomain.Batch{
				ID:         s.genID.Generate(),
				EmployerID: req.EmployerID,
				SiteID:     req.SiteID,
				Competence: req.Competence,
				Status:     batchdomain.StatusDraft,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.WithContext(ctx).Create(existing).Error; err != nil {
				return err
			}
		}

		switch existing.Status {
		case batchdomain.StatusDraft, batchdomain.StatusAwaitingProcessing, batchdomain.StatusEmployerRejected:
		default:
			return batchdomain.ErrInvalidTransition
		}

		// The baseline includes terminated workers: a returning
		// national ID must reactivate its retained row, not insert a
		// duplicate.
		var current []rosterdomain.Worker
		if err := tx.WithContext(ctx).
			Where("employer_id = ? AND site_id = ?", req.EmployerID, req.SiteID).
			Find(&current).Error; err != nil {
			return err
		}

		plan := s.reconcileSvc.BuildPlan(current, result.Valid)
		if err := s.reconcileSvc.Apply(ctx, tx, req.EmployerID, req.SiteID, plan); err != nil {
			return err
		}

		// A pre-submission refresh rewrites the open attempt; rows
		// become immutable only once sent to the insurer.
		attempt, err := s.maxAttempt(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		if attempt == 0 {
			attempt = 1
		}
		if err := tx.WithContext(ctx).
			Where("batch_id = ? AND attempt_number = ?", existing.ID, attempt).
			Delete(&batchdomain.AttemptRecord{}).Error; err != nil {
			return err
		}

		records, err := s.snapshotRecords(ctx, tx, existing.ID, req.EmployerID, req.SiteID, attempt, plan, now)
		if err != nil {
			return err
		}

		created, updated, terminated := plan.Counts()
		existing.Status = batchdomain.StatusAwaitingProcessing
		existing.TotalWorkers = len(records)
		existing.ApprovedCount = 0
		existing.RejectedCount = 0
		existing.NewCount = created
		existing.ChangedCount = updated
		existing.TerminatedCount = terminated
		existing.RejectionReason = nil
		existing.SubmittedAt = &now
		existing.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(existing).Error; err != nil {
			return err
		}

		batch = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchTransitions.WithLabelValues(string(batchdomain.StatusAwaitingProcessing)).Inc()
	s.hub.Changed(events.EntityBatch, batch.ID.String(), "submitted", now)
	s.log.Info("roster submitted",
		zap.String("batch_id", batch.ID.String()),
		zap.String("competence", batch.Competence),
		zap.Int("total_workers", batch.TotalWorkers),
		zap.Int("error_rows", len(result.Errors)),
	)

	return &batchdomain.SubmitRosterResponse{
		Batch:   *batch,
		Valid:   result.Summary.ValidRows,
		Errors:  result.Errors,
		Summary: result.Summary,
	}, nil
}

// snapshotRecords writes the attempt cohort from the post-apply active
// roster. ChangeKind is derived from the reconciliation plan.
func (s *Service) snapshotRecords(ctx context.Context, tx *gorm.DB, batchID, employerID, siteID snowflake.ID, attempt int, plan reconciledomain.Plan, now time.Time) ([]*batchdomain.AttemptRecord, error) {
	kinds := make(map[string]batchdomain.ChangeKind, len(plan.Upserts))
	for _, op := range plan.Upserts {
		if op.Kind == reconciledomain.OpCreate {
			kinds[op.NationalID] = batchdomain.ChangeNew
		} else {
			kinds[op.NationalID] = batchdomain.ChangeChanged
		}
	}

	var workers []rosterdomain.Worker
	err := tx.WithContext(ctx).
		Where("employer_id = ? AND site_id = ? AND lifecycle_status = ?",
			employerID, siteID, rosterdomain.LifecycleActive).
		Order("national_id ASC").
		Find(&workers).Error
	if err != nil {
		return nil, err
	}

	records := make([]*batchdomain.AttemptRecord, 0, len(workers))
	for _, worker := range workers {
		kind, ok := kinds[worker.NationalID]
		if !ok {
			kind = batchdomain.ChangeUnchanged
		}
		records = append(records, &batchdomain.AttemptRecord{
			ID:            s.genID.Generate(),
			BatchID:       batchID,
			WorkerID:      worker.ID,
			AttemptNumber: attempt,
			NationalID:    worker.NationalID,
			Name:          worker.Name,
			Sex:           worker.Sex,
			BirthDate:     worker.BirthDate,
			Salary:        worker.Salary,
			SalaryBracket: worker.SalaryBracket,
			ChangeKind:    kind,
			InsurerStatus: batchdomain.InsurerPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(records) > 0 {
		if err := tx.WithContext(ctx).CreateInBatches(records, s.chunkSize).Error; err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*batchdomain.BatchDetail, error) {
	batch, err := s.batchrepo.FindOne(ctx, &batchdomain.Batch{ID: id})
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, batchdomain.ErrBatchNotFound
	}

	attempt, err := s.maxAttempt(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	records, err := s.currentRecords(ctx, s.db, id, attempt)
	if err != nil {
		return nil, err
	}

	entries, err := s.planrepo.Find(ctx, &batchdomain.PricePlanEntry{BatchID: id},
		option.WithSortBy(option.QuerySortBy{Default: "plan_name"}))
	if err != nil {
		return nil, err
	}
	plan := make([]batchdomain.PricePlanEntry, 0, len(entries))
	for _, entry := range entries {
		plan = append(plan, *entry)
	}

	return &batchdomain.BatchDetail{
		Batch:          *batch,
		CurrentAttempt: attempt,
		Records:        records,
		PricePlan:      plan,
	}, nil
}

func (s *Service) List(ctx context.Context, req batchdomain.ListBatchRequest) (batchdomain.ListBatchResponse, error) {
	filter := &batchdomain.Batch{
		EmployerID: req.EmployerID,
		SiteID:     req.SiteID,
		Status:     req.Status,
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
			return batchdomain.ListBatchResponse{}, err
		}
		options = append(options, option.ApplyOperator(option.Condition{
			Field: "id", Operator: option.GT, Value: cursor.ID,
		}))
	}

	rows, err := s.batchrepo.Find(ctx, filter, options...)
	if err != nil {
		return batchdomain.ListBatchResponse{}, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, pageSize, func(b *batchdomain.Batch) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: b.ID.String()})
		return token
	})

	batches := make([]batchdomain.Batch, 0, len(rows))
	for _, row := range rows {
		batches = append(batches, *row)
	}
	return batchdomain.ListBatchResponse{PageInfo: *pageInfo, Batches: batches}, nil
}

// transition applies one lifecycle edge under the batch row lock.
// mutate receives the locked batch after the edge is validated.
func (s *Service) transition(ctx context.Context, id snowflake.ID, to batchdomain.BatchStatus, mutate func(b *batchdomain.Batch, now time.Time)) (*batchdomain.Batch, error) {
	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !batchdomain.CanTransition(locked.Status, to) {
			return batchdomain.ErrInvalidTransition
		}
		locked.Status = to
		locked.UpdatedAt = now
		if mutate != nil {
			mutate(locked, now)
		}
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchTransitions.WithLabelValues(string(to)).Inc()
	s.hub.Changed(events.EntityBatch, batch.ID.String(), strings.ToLower(string(to)), now)
	s.log.Info("batch transitioned",
		zap.String("batch_id", batch.ID.String()),
		zap.String("status", string(to)),
	)
	return batch, nil
}

func (s *Service) MarkReady(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	return s.transition(ctx, id, batchdomain.StatusPendingQuote, func(b *batchdomain.Batch, now time.Time) {
		b.ReadyAt = &now
	})
}

func (s *Service) Quote(ctx context.Context, req batchdomain.QuoteRequest) (*batchdomain.Batch, error) {
	if !req.UnitPrice.IsPositive() {
		return nil, batchdomain.ErrInvalidUnitPrice
	}
	for _, entry := range req.Entries {
		if strings.TrimSpace(entry.PlanName) == "" || !entry.UnitValue.IsPositive() {
			return nil, batchdomain.ErrInvalidUnitPrice
		}
	}

	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		if !batchdomain.CanTransition(locked.Status, batchdomain.StatusQuoted) {
			return batchdomain.ErrInvalidTransition
		}

		if err := tx.WithContext(ctx).
			Where("batch_id = ?", locked.ID).
			Delete(&batchdomain.PricePlanEntry{}).Error; err != nil {
			return err
		}

		inputs := req.Entries
		if len(inputs) == 0 {
			inputs = []batchdomain.PricePlanEntryInput{{
				PlanName:  "standard",
				AgeBand:   "all",
				UnitValue: req.UnitPrice,
			}}
		}
		entries := make([]*batchdomain.PricePlanEntry, 0, len(inputs))
		for _, input := range inputs {
			entries = append(entries, &batchdomain.PricePlanEntry{
				ID:        s.genID.Generate(),
				BatchID:   locked.ID,
				PlanName:  input.PlanName,
				AgeBand:   input.AgeBand,
				UnitValue: input.UnitValue,
				CreatedAt: now,
			})
		}
		if err := tx.WithContext(ctx).Create(entries).Error; err != nil {
			return err
		}

		locked.Status = batchdomain.StatusQuoted
		locked.UnitPrice = req.UnitPrice
		locked.TotalValue = req.UnitPrice.Mul(decimal.NewFromInt(int64(locked.TotalWorkers)))
		locked.QuotedAt = &now
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchTransitions.WithLabelValues(string(batchdomain.StatusQuoted)).Inc()
	s.hub.Changed(events.EntityBatch, batch.ID.String(), "quoted", now)
	s.log.Info("batch quoted",
		zap.String("batch_id", batch.ID.String()),
		zap.String("unit_price", batch.UnitPrice.StringFixed(2)),
		zap.String("total_value", batch.TotalValue.StringFixed(2)),
	)
	return batch, nil
}

func (s *Service) EmployerApprove(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	return s.transition(ctx, id, batchdomain.StatusEmployerApproved, func(b *batchdomain.Batch, now time.Time) {
		b.DecidedAt = &now
		b.RejectionReason = nil
	})
}

func (s *Service) EmployerReject(ctx context.Context, id snowflake.ID, reason string) (*batchdomain.Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, batchdomain.ErrReasonRequired
	}
	return s.transition(ctx, id, batchdomain.StatusEmployerRejected, func(b *batchdomain.Batch, now time.Time) {
		b.DecidedAt = &now
		b.RejectionReason = &reason
	})
}

func (s *Service) SubmitToInsurer(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !batchdomain.CanTransition(locked.Status, batchdomain.StatusSubmittedToInsurer) {
			return batchdomain.ErrInvalidTransition
		}

		attempt, err := s.maxAttempt(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		err = tx.WithContext(ctx).Exec(
			`UPDATE attempt_records
			 SET insurer_status = ?, updated_at = ?
			 WHERE batch_id = ? AND attempt_number = ? AND insurer_status = ?`,
			batchdomain.InsurerSent,
			now,
			locked.ID,
			attempt,
			batchdomain.InsurerPending,
		).Error
		if err != nil {
			return err
		}

		locked.Status = batchdomain.StatusSubmittedToInsurer
		locked.SentAt = &now
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchTransitions.WithLabelValues(string(batchdomain.StatusSubmittedToInsurer)).Inc()
	s.hub.Changed(events.EntityBatch, batch.ID.String(), "sent", now)
	s.log.Info("batch sent to insurer", zap.String("batch_id", batch.ID.String()))
	return batch, nil
}

func (s *Service) Adjudicate(ctx context.Context, req batchdomain.AdjudicateRequest) (*batchdomain.AttemptRecord, error) {
	reason := strings.TrimSpace(req.Reason)
	if !req.Approve && reason == "" {
		return nil, batchdomain.ErrReasonRequired
	}

	now := s.clock.Now()
	var record *batchdomain.AttemptRecord
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		if locked.Status != batchdomain.StatusSubmittedToInsurer {
			return batchdomain.ErrInvalidTransition
		}

		attempt, err := s.maxAttempt(ctx, tx, locked.ID)
		if err != nil {
			return err
		}

		var found batchdomain.AttemptRecord
		err = tx.WithContext(ctx).
			Where("id = ? AND batch_id = ?", req.RecordID, locked.ID).
			First(&found).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return batchdomain.ErrRecordNotFound
			}
			return err
		}
		// Prior attempts are immutable.
		if found.AttemptNumber != attempt {
			return batchdomain.ErrRecordNotFound
		}
		if found.InsurerStatus != batchdomain.InsurerSent {
			return batchdomain.ErrInvalidTransition
		}

		if req.Approve {
			found.InsurerStatus = batchdomain.InsurerApproved
			found.RejectionReason = nil
		} else {
			found.InsurerStatus = batchdomain.InsurerRejected
			found.RejectionReason = &reason
		}
		found.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(&found).Error; err != nil {
			return err
		}

		if err := s.recomputeLocked(ctx, tx, locked, attempt, now); err != nil {
			return err
		}
		record = &found
		return nil
	})
	if err != nil {
		return nil, err
	}

	decision := "approved"
	if !req.Approve {
		decision = "rejected"
	}
	s.metrics.Adjudications.WithLabelValues(decision).Inc()
	s.hub.Changed(events.EntityAttemptRecord, record.ID.String(), decision, now)
	return record, nil
}

// recomputeLocked re-derives aggregates from current-attempt records.
// The caller holds the batch row lock.
func (s *Service) recomputeLocked(ctx context.Context, tx *gorm.DB, batch *batchdomain.Batch, attempt int, now time.Time) error {
	type tally struct {
		Total    int
		Approved int
		Rejected int
		Open     int
	}
	var counts tally
	err := tx.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN insurer_status = ? THEN 1 ELSE 0 END), 0) AS approved,
		        COALESCE(SUM(CASE WHEN insurer_status = ? THEN 1 ELSE 0 END), 0) AS rejected,
		        COALESCE(SUM(CASE WHEN insurer_status IN (?, ?) THEN 1 ELSE 0 END), 0) AS open
		 FROM attempt_records
		 WHERE batch_id = ? AND attempt_number = ?`,
		batchdomain.InsurerApproved,
		batchdomain.InsurerRejected,
		batchdomain.InsurerPending,
		batchdomain.InsurerSent,
		batch.ID,
		attempt,
	).Scan(&counts).Error
	if err != nil {
		return err
	}

	batch.TotalWorkers = counts.Total
	batch.ApprovedCount = counts.Approved
	batch.RejectedCount = counts.Rejected
	batch.TotalValue = batch.UnitPrice.Mul(decimal.NewFromInt(int64(counts.Total)))

	if batch.Status == batchdomain.StatusSubmittedToInsurer && counts.Total > 0 && counts.Open == 0 {
		next := batchdomain.StatusAwaitingFinalization
		if counts.Rejected > 0 {
			next = batchdomain.StatusAwaitingCorrection
		}
		batch.Status = next
		s.metrics.BatchTransitions.WithLabelValues(string(next)).Inc()
	}
	batch.UpdatedAt = now
	return tx.WithContext(ctx).Save(batch).Error
}

func (s *Service) Recompute(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		attempt, err := s.maxAttempt(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if err := s.recomputeLocked(ctx, tx, locked, attempt, now); err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (s *Service) Resubmit(ctx context.Context, req batchdomain.ResubmitRequest) (*batchdomain.Batch, error) {
	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		if locked.Status != batchdomain.StatusAwaitingCorrection {
			return batchdomain.ErrInvalidTransition
		}

		attempt, err := s.maxAttempt(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if req.ExpectedAttempt != attempt {
			return batchdomain.ErrConcurrentModification
		}

		var rejected []batchdomain.AttemptRecord
		err = tx.WithContext(ctx).
			Where("batch_id = ? AND attempt_number = ? AND insurer_status = ?",
				locked.ID, attempt, batchdomain.InsurerRejected).
			Order("national_id ASC").
			Find(&rejected).Error
		if err != nil {
			return err
		}
		if len(rejected) == 0 {
			return batchdomain.ErrNothingToResubmit
		}

		// Re-snapshot the rejected cohort from the roster so operator
		// corrections made since the rejection are what gets resent.
		next := make([]*batchdomain.AttemptRecord, 0, len(rejected))
		for _, prior := range rejected {
			var worker rosterdomain.Worker
			err := tx.WithContext(ctx).
				Where("id = ?", prior.WorkerID).
				First(&worker).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return rosterdomain.ErrWorkerNotFound
				}
				return err
			}
			next = append(next, &batchdomain.AttemptRecord{
				ID:            s.genID.Generate(),
				BatchID:       locked.ID,
				WorkerID:      worker.ID,
				AttemptNumber: attempt + 1,
				NationalID:    worker.NationalID,
				Name:          worker.Name,
				Sex:           worker.Sex,
				BirthDate:     worker.BirthDate,
				Salary:        worker.Salary,
				SalaryBracket: worker.SalaryBracket,
				ChangeKind:    batchdomain.ChangeCorrection,
				InsurerStatus: batchdomain.InsurerPending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		if err := tx.WithContext(ctx).CreateInBatches(next, s.chunkSize).Error; err != nil {
			return err
		}

		// The cohort opens pending and is sent in the same
		// transaction the batch returns to the insurer.
		err = tx.WithContext(ctx).Exec(
			`UPDATE attempt_records SET insurer_status = ?, updated_at = ?
			 WHERE batch_id = ? AND attempt_number = ? AND insurer_status = ?`,
			batchdomain.InsurerSent,
			now,
			locked.ID,
			attempt+1,
			batchdomain.InsurerPending,
		).Error
		if err != nil {
			return err
		}

		locked.Status = batchdomain.StatusSubmittedToInsurer
		locked.TotalWorkers = len(next)
		locked.ApprovedCount = 0
		locked.RejectedCount = 0
		locked.TotalValue = locked.UnitPrice.Mul(decimal.NewFromInt(int64(len(next))))
		locked.SentAt = &now
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchTransitions.WithLabelValues(string(batchdomain.StatusSubmittedToInsurer)).Inc()
	s.hub.Changed(events.EntityBatch, batch.ID.String(), "resubmitted", now)
	s.log.Info("correction round submitted",
		zap.String("batch_id", batch.ID.String()),
		zap.Int("attempt", req.ExpectedAttempt+1),
		zap.Int("cohort", batch.TotalWorkers),
	)
	return batch, nil
}

func (s *Service) Finalize(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	return s.transition(ctx, id, batchdomain.StatusFinalized, func(b *batchdomain.Batch, now time.Time) {
		b.FinalizedAt = &now
	})
}

func (s *Service) Invoice(ctx context.Context, id snowflake.ID) (*batchdomain.Batch, error) {
	return s.transition(ctx, id, batchdomain.StatusInvoiced, func(b *batchdomain.Batch, now time.Time) {
		b.InvoicedAt = &now
	})
}

func (s *Service) UpdateNotes(ctx context.Context, id snowflake.ID, notes string) (*batchdomain.Batch, error) {
	now := s.clock.Now()
	var batch *batchdomain.Batch
	err := s.db.Transaction(func(tx *gorm.DB) error {
		locked, err := s.loadBatchForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		locked.Notes = notes
		locked.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(locked).Error; err != nil {
			return err
		}
		batch = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.hub.Changed(events.EntityBatch, batch.ID.String(), "notes", now)
	return batch, nil
}
