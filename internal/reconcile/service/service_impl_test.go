package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/beneplus/beneflow/internal/clock"
	"github.com/beneplus/beneflow/internal/config"
	ingestiondomain "github.com/beneplus/beneflow/internal/ingestion/domain"
	"github.com/beneplus/beneflow/internal/observability/metrics"
	reconciledomain "github.com/beneplus/beneflow/internal/reconcile/domain"
	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupReconcileService(t *testing.T) (*Service, *gorm.DB, *snowflake.Node) {
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

	if err := db.Exec(`CREATE TABLE workers (
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
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`).Error; err != nil {
		t.Fatalf("create workers: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX ux_workers_employer_national_id
		ON workers (employer_id, national_id)`).Error; err != nil {
		t.Fatalf("create workers index: %v", err)
	}

	node := mustNode(t)
	svc := NewService(ServiceParam{
		Log:     zap.NewNop(),
		Clock:   clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)),
		GenID:   node,
		Metrics: metrics.New(),
		Cfg:     config.Config{ReconcileChunkSize: 2},
	})
	impl, ok := svc.(*Service)
	if !ok {
		t.Fatalf("unexpected service type %T", svc)
	}
	return impl, db, node
}

func activeWorker(node *snowflake.Node, employerID, siteID snowflake.ID, nationalID, name string, salary string) rosterdomain.Worker {
	return rosterdomain.Worker{
		ID:              node.Generate(),
		EmployerID:      employerID,
		SiteID:          siteID,
		NationalID:      nationalID,
		Name:            name,
		Sex:             rosterdomain.SexMasculine,
		BirthDate:       time.Date(1990, 3, 15, 0, 0, 0, 0, time.UTC),
		Salary:          decimal.RequireFromString(salary),
		SalaryBracket:   "A",
		LifecycleStatus: rosterdomain.LifecycleActive,
	}
}

func uploadRow(nationalID, name string, salary string) ingestiondomain.ValidatedWorker {
	return ingestiondomain.ValidatedWorker{
		NationalID:    nationalID,
		Name:          name,
		Sex:           rosterdomain.SexMasculine,
		BirthDate:     time.Date(1990, 3, 15, 0, 0, 0, 0, time.UTC),
		Salary:        decimal.RequireFromString(salary),
		SalaryBracket: "A",
	}
}

func TestBuildPlanPartitionsRows(t *testing.T) {
	svc, _, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()

	kept := activeWorker(node, employerID, siteID, "12345678909", "Maria Souza", "3500.00")
	raised := activeWorker(node, employerID, siteID, "98765432100", "Joao Lima", "3200.00")
	gone := activeWorker(node, employerID, siteID, "11144477735", "Ana Prado", "2100.00")

	plan := svc.BuildPlan(
		[]rosterdomain.Worker{kept, raised, gone},
		[]ingestiondomain.ValidatedWorker{
			uploadRow("12345678909", "Maria Souza", "3500.00"),
			uploadRow("98765432100", "Joao Lima", "3500.00"),
			uploadRow("52998224725", "Novo Colaborador", "1900.00"),
		},
	)

	created, updated, terminated := plan.Counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, terminated)
	assert.Equal(t, 1, plan.Unchanged)

	assert.Equal(t, "11144477735", plan.Terminates[0].NationalID)
	var update reconciledomain.UpsertOp
	for _, op := range plan.Upserts {
		if op.Kind == reconciledomain.OpUpdate {
			update = op
		}
	}
	assert.Equal(t, raised.ID, update.WorkerID)
	assert.Equal(t, []string{"salary: 3200.00 -> 3500.00"}, update.ChangedFields)
}

func TestBuildPlanIdenticalUploadIsAllUnchanged(t *testing.T) {
	svc, _, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()

	current := []rosterdomain.Worker{
		activeWorker(node, employerID, siteID, "12345678909", "Maria Souza", "3500.00"),
		activeWorker(node, employerID, siteID, "98765432100", "Joao Lima", "3200.00"),
	}
	upload := []ingestiondomain.ValidatedWorker{
		uploadRow("12345678909", "Maria Souza", "3500.00"),
		uploadRow("98765432100", "Joao Lima", "3200.00"),
	}

	plan := svc.BuildPlan(current, upload)

	assert.Empty(t, plan.Upserts)
	assert.Empty(t, plan.Terminates)
	assert.Equal(t, 2, plan.Unchanged)
}

func TestApplyPersistsPlan(t *testing.T) {
	svc, db, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()
	ctx := context.Background()

	existing := activeWorker(node, employerID, siteID, "98765432100", "Joao Lima", "3200.00")
	departing := activeWorker(node, employerID, siteID, "11144477735", "Ana Prado", "2100.00")
	if err := db.Create([]*rosterdomain.Worker{&existing, &departing}).Error; err != nil {
		t.Fatalf("seed workers: %v", err)
	}

	plan := svc.BuildPlan(
		[]rosterdomain.Worker{existing, departing},
		[]ingestiondomain.ValidatedWorker{
			uploadRow("98765432100", "Joao Lima", "3500.00"),
			uploadRow("52998224725", "Novo Colaborador", "1900.00"),
		},
	)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Apply(ctx, tx, employerID, siteID, plan)
	})
	assert.NoError(t, err)

	var updated rosterdomain.Worker
	assert.NoError(t, db.Where("national_id = ?", "98765432100").First(&updated).Error)
	assert.True(t, updated.Salary.Equal(decimal.RequireFromString("3500.00")))
	assert.Equal(t, rosterdomain.LifecycleActive, updated.LifecycleStatus)

	var created rosterdomain.Worker
	assert.NoError(t, db.Where("national_id = ?", "52998224725").First(&created).Error)
	assert.Equal(t, employerID, created.EmployerID)
	assert.Equal(t, siteID, created.SiteID)

	var terminated rosterdomain.Worker
	assert.NoError(t, db.Where("national_id = ?", "11144477735").First(&terminated).Error)
	assert.Equal(t, rosterdomain.LifecycleTerminated, terminated.LifecycleStatus)
	if assert.NotNil(t, terminated.TerminatedAt) {
		assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), terminated.TerminatedAt.UTC())
	}

	var total int64
	assert.NoError(t, db.Model(&rosterdomain.Worker{}).Count(&total).Error)
	assert.Equal(t, int64(3), total)
}

func terminatedWorker(node *snowflake.Node, employerID, siteID snowflake.ID, nationalID, name string, salary string) rosterdomain.Worker {
	worker := activeWorker(node, employerID, siteID, nationalID, name, salary)
	worker.LifecycleStatus = rosterdomain.LifecycleTerminated
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	worker.TerminatedAt = &at
	return worker
}

func TestBuildPlanReactivatesReturningTerminatedWorker(t *testing.T) {
	svc, _, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()

	returning := terminatedWorker(node, employerID, siteID, "12345678909", "Maria Souza", "3500.00")
	staying := terminatedWorker(node, employerID, siteID, "11144477735", "Ana Prado", "2100.00")

	plan := svc.BuildPlan(
		[]rosterdomain.Worker{returning, staying},
		[]ingestiondomain.ValidatedWorker{
			uploadRow("12345678909", "Maria Souza", "3500.00"),
		},
	)

	created, updated, terminated := plan.Counts()
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, terminated)
	assert.Equal(t, 0, plan.Unchanged)

	require.Len(t, plan.Upserts, 1)
	op := plan.Upserts[0]
	assert.Equal(t, reconciledomain.OpUpdate, op.Kind)
	assert.Equal(t, returning.ID, op.WorkerID)
	assert.Equal(t, []string{"lifecycle_status: TERMINATED -> ACTIVE"}, op.ChangedFields)
}

func TestApplyReactivatesInsteadOfDuplicating(t *testing.T) {
	svc, db, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()
	ctx := context.Background()

	returning := terminatedWorker(node, employerID, siteID, "12345678909", "Maria Souza", "3500.00")
	if err := db.Create(&returning).Error; err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	plan := svc.BuildPlan(
		[]rosterdomain.Worker{returning},
		[]ingestiondomain.ValidatedWorker{
			uploadRow("12345678909", "Maria Souza", "3800.00"),
		},
	)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Apply(ctx, tx, employerID, siteID, plan)
	})
	require.NoError(t, err)

	var rows []rosterdomain.Worker
	require.NoError(t, db.Where("national_id = ?", "12345678909").Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, returning.ID, rows[0].ID)
	assert.Equal(t, rosterdomain.LifecycleActive, rows[0].LifecycleStatus)
	assert.Nil(t, rows[0].TerminatedAt)
	assert.True(t, rows[0].Salary.Equal(decimal.RequireFromString("3800.00")))
}

func TestApplyIsIdempotentAgainstRebuiltPlan(t *testing.T) {
	svc, db, node := setupReconcileService(t)
	employerID := node.Generate()
	siteID := node.Generate()
	ctx := context.Background()

	upload := []ingestiondomain.ValidatedWorker{
		uploadRow("12345678909", "Maria Souza", "3500.00"),
		uploadRow("98765432100", "Joao Lima", "3200.00"),
	}

	first := svc.BuildPlan(nil, upload)
	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Apply(ctx, tx, employerID, siteID, first)
	})
	assert.NoError(t, err)

	var current []rosterdomain.Worker
	assert.NoError(t, db.Where("employer_id = ? AND lifecycle_status = ?", employerID, rosterdomain.LifecycleActive).Find(&current).Error)

	second := svc.BuildPlan(current, upload)
	assert.Empty(t, second.Upserts)
	assert.Empty(t, second.Terminates)
	assert.Equal(t, 2, second.Unchanged)

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.Apply(ctx, tx, employerID, siteID, second)
	})
	assert.NoError(t, err)

	var total int64
	assert.NoError(t, db.Model(&rosterdomain.Worker{}).Count(&total).Error)
	assert.Equal(t, int64(2), total)
}
