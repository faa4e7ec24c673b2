// Package domain contains persistence models for the authoritative
// worker roster.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Sex is the worker's registered sex.
type Sex string

const (
	SexMasculine Sex = "MASCULINE"
	SexFeminine  Sex = "FEMININE"
	SexOther     Sex = "OTHER"
)

// LifecycleStatus tracks whether a worker is currently covered.
// Workers are never physically removed; termination retains history.
type LifecycleStatus string

const (
	LifecycleActive     LifecycleStatus = "ACTIVE"
	LifecycleTerminated LifecycleStatus = "TERMINATED"
)

// Employer is a client company submitting monthly rosters.
type Employer struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	TaxID     string       `gorm:"type:text;not null;uniqueIndex" json:"tax_id"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Employer) TableName() string { return "employers" }

// Worker is an authoritative roster entry, unique per
// (employer_id, national_id) among non-deleted rows.
type Worker struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	EmployerID      snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_workers_employer_national_id" json:"employer_id"`
	SiteID          snowflake.ID    `gorm:"not null;index" json:"site_id"`
	NationalID      string          `gorm:"type:text;not null;uniqueIndex:ux_workers_employer_national_id" json:"national_id"`
	Name            string          `gorm:"type:text;not null" json:"name"`
	Sex             Sex             `gorm:"type:text;not null" json:"sex"`
	BirthDate       time.Time       `gorm:"type:date;not null" json:"birth_date"`
	Salary          decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"salary"`
	SalaryBracket   string          `gorm:"type:text;not null" json:"salary_bracket"`
	LifecycleStatus LifecycleStatus `gorm:"type:text;not null;default:'ACTIVE'" json:"lifecycle_status"`
	TerminatedAt    *time.Time      `gorm:"" json:"terminated_at,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Worker) TableName() string { return "workers" }

// SalaryBracket is a reference-table row mapping a minimum salary
// threshold to a bracket label. Rows are seeded and ordered by
// MinimumSalary ascending.
type SalaryBracket struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	Label         string          `gorm:"type:text;not null;uniqueIndex" json:"label"`
	MinimumSalary decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"minimum_salary"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (SalaryBracket) TableName() string { return "salary_brackets" }
