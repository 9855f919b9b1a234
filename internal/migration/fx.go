package migration

import (
	billingdomain "github.com/soundloom/tunesmith/internal/billing/domain"
	"github.com/soundloom/tunesmith/internal/config"
	ledgerdomain "github.com/soundloom/tunesmith/internal/ledger/domain"
	taskdomain "github.com/soundloom/tunesmith/internal/task/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Local sqlite runs use gorm's schema sync instead of the
			// versioned postgres migrations.
			return conn.AutoMigrate(
				&ledgerdomain.AccountBalance{},
				&ledgerdomain.CreditEntry{},
				&taskdomain.GenerationTask{},
				&taskdomain.Track{},
				&billingdomain.BillingEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
