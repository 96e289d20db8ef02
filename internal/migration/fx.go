package migration

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		dbType := strings.ToLower(strings.TrimSpace(cfg.DBType))
		if dbType != "postgres" {
			log.Info("applying schema with gorm automigrate", zap.String("type", dbType))
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
