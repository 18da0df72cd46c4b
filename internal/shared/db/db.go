package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/dbresolver"
	"gorm.io/plugin/opentelemetry/tracing"

	"timeline-service/configs"
)

// Open connects to Postgres with retry and registers optional read
// replicas behind dbresolver. Cold-path feed queries are read-heavy and
// can be served from replicas; writes always hit the primary.
func Open(cfg *configs.Config, log *zap.Logger) (*gorm.DB, error) {
	base, err := openWithRetry(cfg.DSN(), 8, 2*time.Second, log)
	if err != nil {
		return nil, err
	}

	sqlDB, err := base.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(40)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if len(cfg.DBReplicas) > 0 {
		replicas := make([]gorm.Dialector, 0, len(cfg.DBReplicas))
		for _, dsn := range cfg.DBReplicas {
			replicas = append(replicas, postgres.Open(dsn))
		}
		resolver := dbresolver.Register(dbresolver.Config{
			Replicas: replicas,
			Policy:   dbresolver.RandomPolicy{},
		})
		if err := base.Use(resolver); err != nil {
			return nil, fmt.Errorf("dbresolver: %w", err)
		}
	}

	if err := base.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("gorm tracing: %w", err)
	}

	return base, nil
}

func openWithRetry(dsn string, attempts int, sleep time.Duration, log *zap.Logger) (*gorm.DB, error) {
	var last error
	for i := 1; i <= attempts; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err == nil {
			sqlDB, err2 := db.DB()
			if err2 == nil && sqlDB != nil {
				if pingErr := pingWithTimeout(sqlDB, 2*time.Second); pingErr == nil {
					return db, nil
				} else {
					last = pingErr
				}
			} else {
				last = err2
			}
		} else {
			last = err
		}

		log.Warn("db open failed",
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Error(last))
		time.Sleep(sleep)
		if sleep < 8*time.Second {
			sleep *= 2
		}
	}
	return nil, last
}

func pingWithTimeout(sqlDB *sql.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
