package migration

import (
	"strings"

	"github.com/gitulabs/governor/internal/config"
	limitsdomain "github.com/gitulabs/governor/internal/limits/domain"
	usagedomain "github.com/gitulabs/governor/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// sqlite is the zero-config dev dialect; its schema comes from
		// the models instead of the versioned SQL.
		if strings.ToLower(strings.TrimSpace(cfg.DBType)) == "sqlite" {
			return conn.AutoMigrate(&usagedomain.UsageRecord{}, &limitsdomain.UsageLimits{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB, cfg.DBType)
	}),
)
