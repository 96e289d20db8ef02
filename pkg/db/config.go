package db

import (
	"time"

	"github.com/smallbiznis/creditledger/internal/config"
)

// PoolConfig carries connection pool limits for the sql.DB under gorm.
type PoolConfig struct {
	MaxIdleConn     int
	MaxOpenConn     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func PoolConfigFrom(cfg config.Config) PoolConfig {
	return PoolConfig{
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Second,
	}
}
