package db

import (
	"context"
	"fmt"
	"time"

	"agent-provisioner/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(RegisterConnectionPool),
)

const (
	openAttempts = 5
	openBackoff  = 3 * time.Second
)

// Dialect picks the gorm dialector for DATABASE.TYPE.
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	d := cfg.Database
	switch d.Type {
	case "", "sqlite":
		return sqlite.Open(d.Path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, d.SSLMode, d.Timezone)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", d.Type)
	}
}

func New(cfg *config.Config, dialector gorm.Dialector) (*gorm.DB, error) {
	logLevel, showSQL := logger.Info, true
	if cfg.AppEnv == "production" {
		logLevel, showSQL = logger.Warn, false
	}

	gcfg := &gorm.Config{
		Logger:         NewZapGormLogger(zap.L(), logLevel, showSQL),
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < openAttempts; i++ {
		db, err = gorm.Open(dialector, gcfg)
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying...", zap.Int("retry", i+1), zap.Duration("backoff", openBackoff), zap.Error(err))
		time.Sleep(openBackoff)
	}
	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		return nil, err
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		zap.L().Error("[DB] Failed to register db telemetry", zap.Error(err))
		return nil, err
	}

	if cfg.Database.Metrics {
		if err := db.Use(prometheus.New(prometheus.Config{
			DBName:          dbName(cfg),
			RefreshInterval: 15,
		})); err != nil {
			zap.L().Error("[DB] Failed to register db metrics", zap.Error(err))
			return nil, err
		}
	}

	zap.L().Info("[DB] Database connection configured", zap.String("type", dialector.Name()))

	return db, nil
}

func dbName(cfg *config.Config) string {
	if cfg.Database.DBNAME != "" {
		return cfg.Database.DBNAME
	}
	return cfg.Database.Path
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		zap.L().Error("[DB] Failed to get sql.DB from gorm", zap.Error(err))
		return err
	}

	cp := p.Config.Database.ConnectionPool
	sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
	sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[DB] Closing connection pool...")
			return sqlDB.Close()
		},
	})

	return nil
}
