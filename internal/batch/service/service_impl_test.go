package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	batchdomain "github.com/beneplus/beneflow/internal/batch/domain"
	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/config"
	"github.com/beneplus/beneflow/internal/events"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	reconcileservice "github.com/beneplus/beneflow/internal/reconcile/service"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ingestStub struct {
	result ingestiondomain.Result
	err    error
}

func (s *ingestStub) Ingest(ctx context.Context, content []byte) (ingestiondomain.Result, error) {
	if s.err != nil {
		return ingestiondomain.Result{}, s.err
	}
	return s.result, nil
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func prepareWorkflowSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	statements := []string{
		`CREATE TABLE employers (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			tax_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE workers (
			id BIGINT PRIMARY KEY,
			employer_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			national_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sex TEXT NOT NULL,
			birth_date DATE NOT NULL,
			salary NUMERIC(14,2) NOT NULL,
			salary_bracket TEXT NOT NULL,
			lifecycle_status TEXT NOT NULL DEFAULT 'ACTIVE',
			terminated_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_workers_employer_national_id
			ON workers (employer_id, national_id)`,
		`CREATE TABLE batches (
			id BIGINT PRIMARY KEY,
			employer_id BIGINT NOT NULL,
			site_id BIGINT NOT NULL,
			competence TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			total_workers INTEGER NOT NULL DEFAULT 0,
			approved_count INTEGER NOT NULL DEFAULT 0,
			rejected_count INTEGER NOT NULL DEFAULT 0,
			new_count INTEGER NOT NULL DEFAULT 0,
			changed_count INTEGER NOT NULL DEFAULT 0,
			terminated_count INTEGER NOT NULL DEFAULT 0,
			unit_price NUMERIC(14,2) NOT NULL DEFAULT 0,
			total_value NUMERIC(14,2) NOT NULL DEFAULT 0,
			rejection_reason TEXT,
			notes TEXT NOT NULL DEFAULT '',
			submitted_at DATETIME,
			ready_at DATETIME,
			quoted_at DATETIME,
			decided_at DATETIME,
			sent_at DATETIME,
			finalized_at DATETIME,
			invoiced_at DATETIME,
			metadata JSON,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_batches_period
			ON batches (employer_id, site_id, competence)`,
		`CREATE TABLE attempt_records (
			id BIGINT PRIMARY KEY,
			batch_id BIGINT NOT NULL,
			worker_id BIGINT NOT NULL,
			attempt_number INTEGER NOT NULL,
			national_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sex TEXT NOT NULL,
			birth_date DATE NOT NULL,
			salary NUMERIC(14,2) NOT NULL,
			salary_bracket TEXT NOT NULL,
			change_kind TEXT NOT NULL DEFAULT 'UNCHANGED',
			insurer_status TEXT NOT NULL DEFAULT 'PENDING',
			rejection_reason TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_attempt_records
			ON attempt_records (batch_id, worker_id, attempt_number)`,
		`CREATE TABLE price_plan_entries (
			id BIGINT PRIMARY KEY,
			batch_id BIGINT NOT NULL,
			plan_name TEXT NOT NULL,
			age_band TEXT NOT NULL,
			unit_value NUMERIC(14,2) NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_price_plan_entries
			ON price_plan_entries (batch_id, plan_name, age_band)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema: %v", err)
		}
	}
}

type workflowFixture struct {
	svc        batchdomain.Service
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	ingest     *ingestStub
	employerID snowflake.ID
	siteID     snowflake.ID
}

func setupWorkflow(t *testing.T) *workflowFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	prepareWorkflowSchema(t, db)

	node := mustNode(t)
	fakeClock := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	appMetrics := metrics.New()
	cfg := config.Config{ReconcileChunkSize: 50}
	ingest := &ingestStub{}

	reconciler := reconcileservice.NewService(reconcileservice.ServiceParam{
		Log:     zap.NewNop(),
		Clock:   fakeClock,
		GenID:   node,
		Metrics: appMetrics,
		Cfg:     cfg,
	})

	svc := NewService(ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        fakeClock,
		GenID:        node,
		Hub:          events.NewHub(),
		Metrics:      appMetrics,
		Cfg:          cfg,
		IngestSvc:    ingest,
		ReconcileSvc: reconciler,
	})

	employerID := node.Generate()
	siteID := node.Generate()
	err = db.Create(&rosterdomain.Employer{
		ID:        employerID,
		Name:      "Acme Beneficios",
		TaxID:     "12345678000190",
		CreatedAt: fakeClock.Now(),
		UpdatedAt: fakeClock.Now(),
	}).Error
	require.NoError(t, err)

	return &workflowFixture{
		svc:        svc,
		db:         db,
		node:       node,
		clock:      fakeClock,
		ingest:     ingest,
		employerID: employerID,
		siteID:     siteID,
	}
}

func validRow(nationalID, name, salary string) ingestiondomain.ValidatedWorker {
	return ingestiondomain.ValidatedWorker{
		NationalID:    nationalID,
		Name:          name,
		Sex:           rosterdomain.SexFeminine,
		BirthDate:     time.Date(1988, 7, 21, 0, 0, 0, 0, time.UTC),
		Salary:        decimal.RequireFromString(salary),
		SalaryBracket: "A",
	}
}

func (f *workflowFixture) submit(t *testing.T, competence string, rows ...ingestiondomain.ValidatedWorker) *batchdomain.SubmitRosterResponse {
	t.Helper()
	f.ingest.result = ingestiondomain.Result{
		Valid: rows,
		Summary: ingestiondomain.Summary{
			TotalRows: len(rows),
			ValidRows: len(rows),
		},
	}
	resp, err := f.svc.SubmitRoster(context.Background(), batchdomain.SubmitRosterRequest{
		EmployerID: f.employerID,
		SiteID:     f.siteID,
		Competence: competence,
		Content:    []byte("stub"),
	})
	require.NoError(t, err)
	return resp
}

func TestSubmitRosterCreatesBatchAndFirstAttempt(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)

	assert.Equal(t, batchdomain.StatusAwaitingProcessing, resp.Batch.Status)
	assert.Equal(t, 2, resp.Batch.TotalWorkers)
	assert.Equal(t, 2, resp.Batch.NewCount)
	assert.Equal(t, 0, resp.Batch.ChangedCount)

	detail, err := f.svc.Get(ctx, resp.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.CurrentAttempt)
	require.Len(t, detail.Records, 2)
	for _, record := range detail.Records {
		assert.Equal(t, batchdomain.InsurerPending, record.InsurerStatus)
		assert.Equal(t, batchdomain.ChangeNew, record.ChangeKind)
	}
}

func TestSubmitRosterRejectsBadCompetence(t *testing.T) {
	f := setupWorkflow(t)

	_, err := f.svc.SubmitRoster(context.Background(), batchdomain.SubmitRosterRequest{
		EmployerID: f.employerID,
		SiteID:     f.siteID,
		Competence: "04/2026",
		Content:    []byte("stub"),
	})
	assert.ErrorIs(t, err, batchdomain.ErrInvalidCompetence)
}

func TestSubmitRosterRefreshReplacesOpenAttempt(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	first := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)
	second := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3800.00"),
	)

	assert.Equal(t, first.Batch.ID, second.Batch.ID)
	assert.Equal(t, 1, second.Batch.TotalWorkers)
	assert.Equal(t, 1, second.Batch.ChangedCount)
	assert.Equal(t, 1, second.Batch.TerminatedCount)

	detail, err := f.svc.Get(ctx, second.Batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.CurrentAttempt)
	require.Len(t, detail.Records, 1)
	assert.Equal(t, "12345678909", detail.Records[0].NationalID)

	var terminated rosterdomain.Worker
	require.NoError(t, f.db.Where("national_id = ?", "98765432100").First(&terminated).Error)
	assert.Equal(t, rosterdomain.LifecycleTerminated, terminated.LifecycleStatus)
}

func TestSubmitRosterReactivatesReturningWorker(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)
	f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
	)

	var departed rosterdomain.Worker
	require.NoError(t, f.db.Where("national_id = ?", "98765432100").First(&departed).Error)
	require.Equal(t, rosterdomain.LifecycleTerminated, departed.LifecycleStatus)

	third := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)

	assert.Equal(t, 2, third.Batch.TotalWorkers)
	assert.Equal(t, 0, third.Batch.NewCount)
	assert.Equal(t, 1, third.Batch.ChangedCount)
	assert.Equal(t, 0, third.Batch.TerminatedCount)

	var rows []rosterdomain.Worker
	require.NoError(t, f.db.Where("national_id = ?", "98765432100").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, departed.ID, rows[0].ID)
	assert.Equal(t, rosterdomain.LifecycleActive, rows[0].LifecycleStatus)
	assert.Nil(t, rows[0].TerminatedAt)

	detail, err := f.svc.Get(ctx, third.Batch.ID)
	require.NoError(t, err)
	require.Len(t, detail.Records, 2)
	for _, record := range detail.Records {
		if record.NationalID == "98765432100" {
			assert.Equal(t, batchdomain.ChangeChanged, record.ChangeKind)
		}
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)
	batchID := resp.Batch.ID

	batch, err := f.svc.MarkReady(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusPendingQuote, batch.Status)

	batch, err = f.svc.Quote(ctx, batchdomain.QuoteRequest{
		BatchID:   batchID,
		UnitPrice: decimal.RequireFromString("150.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusQuoted, batch.Status)
	assert.True(t, batch.TotalValue.Equal(decimal.RequireFromString("300.00")))

	batch, err = f.svc.EmployerApprove(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusEmployerApproved, batch.Status)

	batch, err = f.svc.SubmitToInsurer(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusSubmittedToInsurer, batch.Status)

	detail, err := f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	for _, record := range detail.Records {
		assert.Equal(t, batchdomain.InsurerSent, record.InsurerStatus)
		_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
			BatchID:  batchID,
			RecordID: record.ID,
			Approve:  true,
		})
		require.NoError(t, err)
	}

	detail, err = f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusAwaitingFinalization, detail.Batch.Status)
	assert.Equal(t, 2, detail.Batch.ApprovedCount)
	assert.Equal(t, 0, detail.Batch.RejectedCount)

	batch, err = f.svc.Finalize(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusFinalized, batch.Status)

	batch, err = f.svc.Invoice(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusInvoiced, batch.Status)

	_, err = f.svc.Finalize(ctx, batchID)
	assert.ErrorIs(t, err, batchdomain.ErrInvalidTransition)
}

func TestEmployerRejectRequiresReason(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04", validRow("12345678909", "Maria Souza", "3500.00"))
	batchID := resp.Batch.ID

	_, err := f.svc.MarkReady(ctx, batchID)
	require.NoError(t, err)
	_, err = f.svc.Quote(ctx, batchdomain.QuoteRequest{
		BatchID:   batchID,
		UnitPrice: decimal.RequireFromString("120.00"),
	})
	require.NoError(t, err)

	_, err = f.svc.EmployerReject(ctx, batchID, "   ")
	assert.ErrorIs(t, err, batchdomain.ErrReasonRequired)

	batch, err := f.svc.EmployerReject(ctx, batchID, "valores acima do orcamento")
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusEmployerRejected, batch.Status)
	require.NotNil(t, batch.RejectionReason)
	assert.Equal(t, "valores acima do orcamento", *batch.RejectionReason)

	// A rejected quote goes back to the submitter; the next upload
	// reopens the batch.
	again := f.submit(t, "2026-04", validRow("12345678909", "Maria Souza", "3200.00"))
	assert.Equal(t, batchdomain.StatusAwaitingProcessing, again.Batch.Status)
	assert.Nil(t, again.Batch.RejectionReason)
}

func TestInvalidTransitionRejected(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04", validRow("12345678909", "Maria Souza", "3500.00"))

	_, err := f.svc.Finalize(ctx, resp.Batch.ID)
	assert.ErrorIs(t, err, batchdomain.ErrInvalidTransition)

	_, err = f.svc.EmployerApprove(ctx, resp.Batch.ID)
	assert.ErrorIs(t, err, batchdomain.ErrInvalidTransition)
}

func advanceToSubmitted(t *testing.T, f *workflowFixture, batchID snowflake.ID) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.MarkReady(ctx, batchID)
	require.NoError(t, err)
	_, err = f.svc.Quote(ctx, batchdomain.QuoteRequest{
		BatchID:   batchID,
		UnitPrice: decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)
	_, err = f.svc.EmployerApprove(ctx, batchID)
	require.NoError(t, err)
	_, err = f.svc.SubmitToInsurer(ctx, batchID)
	require.NoError(t, err)
}

func TestRejectionTriggersCorrectionRound(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)
	batchID := resp.Batch.ID
	advanceToSubmitted(t, f, batchID)

	detail, err := f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, detail.Records, 2)

	_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: detail.Records[0].ID,
		Approve:  false,
	})
	assert.ErrorIs(t, err, batchdomain.ErrReasonRequired)

	_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: detail.Records[0].ID,
		Approve:  false,
		Reason:   "documento ilegivel",
	})
	require.NoError(t, err)
	_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: detail.Records[1].ID,
		Approve:  true,
	})
	require.NoError(t, err)

	detail, err = f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusAwaitingCorrection, detail.Batch.Status)
	assert.Equal(t, 1, detail.Batch.RejectedCount)

	// Stale attempt number loses the race.
	_, err = f.svc.Resubmit(ctx, batchdomain.ResubmitRequest{BatchID: batchID, ExpectedAttempt: 0})
	assert.ErrorIs(t, err, batchdomain.ErrConcurrentModification)

	rejectedID := detail.Records[0].NationalID

	batch, err := f.svc.Resubmit(ctx, batchdomain.ResubmitRequest{BatchID: batchID, ExpectedAttempt: 1})
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusSubmittedToInsurer, batch.Status)
	assert.Equal(t, 1, batch.TotalWorkers)

	detail, err = f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.CurrentAttempt)
	require.Len(t, detail.Records, 1)
	assert.Equal(t, rejectedID, detail.Records[0].NationalID)
	assert.Equal(t, batchdomain.InsurerSent, detail.Records[0].InsurerStatus)
	assert.Equal(t, batchdomain.ChangeCorrection, detail.Records[0].ChangeKind)
	assert.Nil(t, detail.Records[0].RejectionReason)

	// The first attempt's rows are untouched.
	var firstAttempt []batchdomain.AttemptRecord
	require.NoError(t, f.db.Where("batch_id = ? AND attempt_number = 1", batchID).Find(&firstAttempt).Error)
	assert.Len(t, firstAttempt, 2)

	// Approving the corrected cohort finishes the cycle even though
	// attempt 1 recorded a rejection.
	_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: detail.Records[0].ID,
		Approve:  true,
	})
	require.NoError(t, err)

	detail, err = f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, batchdomain.StatusAwaitingFinalization, detail.Batch.Status)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
		validRow("98765432100", "Joao Lima", "2400.00"),
	)
	batchID := resp.Batch.ID
	advanceToSubmitted(t, f, batchID)

	detail, err := f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	_, err = f.svc.Adjudicate(ctx, batchdomain.AdjudicateRequest{
		BatchID:  batchID,
		RecordID: detail.Records[0].ID,
		Approve:  true,
	})
	require.NoError(t, err)

	first, err := f.svc.Recompute(ctx, batchID)
	require.NoError(t, err)
	second, err := f.svc.Recompute(ctx, batchID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ApprovedCount, second.ApprovedCount)
	assert.Equal(t, first.RejectedCount, second.RejectedCount)
	assert.True(t, first.TotalValue.Equal(second.TotalValue))
	// One record still awaits a decision, so the batch stays put.
	assert.Equal(t, batchdomain.StatusSubmittedToInsurer, second.Status)
}

func TestQuoteWritesPricePlan(t *testing.T) {
	f := setupWorkflow(t)
	ctx := context.Background()

	resp := f.submit(t, "2026-04",
		validRow("12345678909", "Maria Souza", "3500.00"),
	)
	batchID := resp.Batch.ID
	_, err := f.svc.MarkReady(ctx, batchID)
	require.NoError(t, err)

	_, err = f.svc.Quote(ctx, batchdomain.QuoteRequest{
		BatchID:   batchID,
		UnitPrice: decimal.Zero,
	})
	assert.ErrorIs(t, err, batchdomain.ErrInvalidUnitPrice)

	_, err = f.svc.Quote(ctx, batchdomain.QuoteRequest{
		BatchID:   batchID,
		UnitPrice: decimal.RequireFromString("180.00"),
		Entries: []batchdomain.PricePlanEntryInput{
			{PlanName: "essencial", AgeBand: "18-38", UnitValue: decimal.RequireFromString("150.00")},
			{PlanName: "essencial", AgeBand: "39-58", UnitValue: decimal.RequireFromString("210.00")},
		},
	})
	require.NoError(t, err)

	detail, err := f.svc.Get(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, detail.PricePlan, 2)
	bands := []string{detail.PricePlan[0].AgeBand, detail.PricePlan[1].AgeBand}
	assert.ElementsMatch(t, []string{"18-38", "39-58"}, bands)
	assert.True(t, detail.Batch.TotalValue.Equal(decimal.RequireFromString("180.00")))
}
