// Package seed bootstraps reference data on startup.
package seed

import (
	"context"
	"errors"
	"time"

	rosterdomain "github.com/beneplus/beneflow/internal/roster/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	demoEmployerName  = "Empresa Demonstracao LTDA"
	demoEmployerTaxID = "00000000000191"
)

// defaultBrackets is the seed salary-bracket table. Thresholds are
// ordered ascending; salaries below the first threshold still land in
// bracket A.
var defaultBrackets = []struct {
	label   string
	minimum string
}{
	{"A", "0.00"},
	{"B", "2500.00"},
	{"C", "5000.00"},
	{"D", "10000.00"},
}

// EnsureSalaryBrackets inserts the bracket table if it is missing.
// Existing rows are left alone so operators can retune thresholds.
func EnsureSalaryBrackets(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&rosterdomain.SalaryBracket{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		rows := make([]*rosterdomain.SalaryBracket, 0, len(defaultBrackets))
		for _, bracket := range defaultBrackets {
			rows = append(rows, &rosterdomain.SalaryBracket{
				ID:            node.Generate(),
				Label:         bracket.label,
				MinimumSalary: decimal.RequireFromString(bracket.minimum),
				CreatedAt:     now,
			})
		}
		return tx.Create(rows).Error
	})
}

// EnsureDemoEmployer creates a sandbox employer for local development.
func EnsureDemoEmployer(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&rosterdomain.Employer{}).
			Where("tax_id = ?", demoEmployerTaxID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		now := time.Now().UTC()
		return tx.Create(&rosterdomain.Employer{
			ID:        node.Generate(),
			Name:      demoEmployerName,
			TaxID:     demoEmployerTaxID,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	})
}
