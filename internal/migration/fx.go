package migration

import (
	"github.com/beneplus/beneflow/internal/config"
	"github.com/beneplus/beneflow/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Migrations are written for postgres; sqlite development
		// databases get their schema from gorm-managed test setup.
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		}

		if err := seed.EnsureSalaryBrackets(conn); err != nil {
			return err
		}
		if cfg.SeedDemoEmployer {
			return seed.EnsureDemoEmployer(conn)
		}
		return nil
	}),
)
