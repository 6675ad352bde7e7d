package main

import (
	"fmt"
	"os"

	"agent-provisioner/pkg/config"
	"agent-provisioner/pkg/db"
	"agent-provisioner/pkg/health"
	"agent-provisioner/pkg/inventory"
	"agent-provisioner/pkg/lease"
	"agent-provisioner/pkg/logger"
	"agent-provisioner/pkg/metrics"
	"agent-provisioner/pkg/minio"
	"agent-provisioner/pkg/otelcol"
	"agent-provisioner/pkg/profiling"
	"agent-provisioner/pkg/redis"
	"agent-provisioner/pkg/remoteshell"
	"agent-provisioner/pkg/server"
	"agent-provisioner/services/batch"
	"agent-provisioner/services/dispatcher"
	"agent-provisioner/services/httpapi"
	"agent-provisioner/services/ledger"
	"agent-provisioner/services/pipeline"
	"agent-provisioner/services/queue"
	"agent-provisioner/services/steplog"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	pflag.String("config", "", "path to the config file (default ./config.yaml)")
	pflag.Parse()
	if err := config.BindFlags(pflag.CommandLine); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := fx.New(
		config.Module,
		logger.Module,
		logger.FxLogger,
		db.Module,
		redis.Module,
		lease.Module,
		minio.Module,
		otelcol.Module,
		profiling.Module,
		metrics.Module,
		health.Module,
		remoteshell.Module,
		inventory.Module,
		fx.Provide(provideSnowflakeNode),
		fx.Invoke(autoMigrate),
		queue.Module,
		ledger.Module,
		batch.Module,
		steplog.Module,
		pipeline.Module,
		dispatcher.Module,
		server.ProvideHTTPServer,
		httpapi.Module,
	)

	app.Run()
}

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func autoMigrate(conn *gorm.DB) error {
	err := conn.AutoMigrate(
		&queue.Task{},
		&ledger.ResultRow{},
		&steplog.Entry{},
		&batch.Batch{},
	)
	if err != nil {
		zap.L().Error("[DB] auto migrate failed", zap.Error(err))
		return err
	}
	zap.L().Info("[DB] schema migrated")
	return nil
}
