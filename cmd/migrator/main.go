package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/notekeeper/internal/config"
	"github.com/lalithlochan/notekeeper/internal/db"
	"github.com/lalithlochan/notekeeper/internal/observ"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.Named("migrator")

	if cfg.DBDriver != config.DriverPostgres {
		logger.Info("sqlite schema is created on open, nothing to migrate",
			zap.String("db_driver", cfg.DBDriver))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dbCfg := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	poolCfg, err := pgxpool.ParseConfig(dbCfg.DSN())
	if err != nil {
		logger.Fatal("parse database config", zap.Error(err))
	}
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "notekeeper-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		logger.Fatal("ensure schema_migrations", zap.Error(err))
	}

	m := &migrator{pool: pool, logger: logger}
	applied, skipped, err := m.apply(ctx, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	logger.Info("migrations complete",
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
	)
}

type migrator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

// pendingMigrations lists *.up.sql files in name order.
func pendingMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	return names, nil
}

func (m *migrator) apply(ctx context.Context, dir string) (applied, skipped int, err error) {
	names, err := pendingMigrations(dir)
	if err != nil {
		return 0, 0, err
	}

	for _, name := range names {
		var exists bool
		err := m.pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)", name,
		).Scan(&exists)
		if err != nil {
			return applied, skipped, fmt.Errorf("check applied %s: %w", name, err)
		}
		if exists {
			m.logger.Debug("skip migration, already applied", zap.String("name", name))
			skipped++
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return applied, skipped, fmt.Errorf("read %s: %w", name, err)
		}

		start := time.Now()
		m.logger.Info("applying migration", zap.String("name", name))

		tx, err := m.pool.Begin(ctx)
		if err != nil {
			return applied, skipped, fmt.Errorf("begin %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(contents)); err != nil {
			tx.Rollback(ctx)
			return applied, skipped, fmt.Errorf("execute %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT DO NOTHING", name,
		); err != nil {
			tx.Rollback(ctx)
			return applied, skipped, fmt.Errorf("mark applied %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, skipped, fmt.Errorf("commit %s: %w", name, err)
		}

		applied++
		m.logger.Info("applied migration",
			zap.String("name", name),
			zap.Duration("took", time.Since(start).Round(time.Millisecond)),
		)
	}

	return applied, skipped, nil
}
