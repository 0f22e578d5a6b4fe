package docstore

import (
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTable = "schema_migrations"

type zapGooseLogger struct {
	logger *zap.SugaredLogger
}

func (l zapGooseLogger) Printf(format string, v ...any) { l.logger.Infof(format, v...) }

// Fatalf does not exit; Migrate returns the error instead.
func (l zapGooseLogger) Fatalf(format string, v ...any) { l.logger.Errorf(format, v...) }

// Migrate applies pending schema migrations embedded in the binary.
func Migrate(pool *pgxpool.Pool, logger *zap.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(zapGooseLogger{logger: logger.Sugar()})
	goose.SetTableName(migrationTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err == nil {
		logger.Info("Database schema is up to date", zap.Int64("version", version))
	}
	return nil
}
