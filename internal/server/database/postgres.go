package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_transfers",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfers (
				id                VARCHAR(36)  PRIMARY KEY,
				short_id          VARCHAR(16)  NOT NULL UNIQUE,
				status            VARCHAR(20)  NOT NULL DEFAULT 'uploading',
				total_size        BIGINT       NOT NULL DEFAULT 0,
				file_count        INTEGER      NOT NULL DEFAULT 0,
				expires_at        TIMESTAMPTZ  NOT NULL,
				max_downloads     INTEGER,
				download_count    INTEGER      NOT NULL DEFAULT 0,
				sender_email      VARCHAR(254) NOT NULL DEFAULT '',
				sender_ip         VARCHAR(45)  NOT NULL,
				user_id           VARCHAR(64),
				title             VARCHAR(255) NOT NULL DEFAULT '',
				message           TEXT         NOT NULL DEFAULT '',
				password_hash     VARCHAR(255),
				recipient_emails  TEXT         NOT NULL DEFAULT '',
				virus_scan_status VARCHAR(20)  NOT NULL DEFAULT 'pending',
				virus_scan_result TEXT         NOT NULL DEFAULT '',
				created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfers_status_expires ON transfers(status, expires_at);
			CREATE INDEX IF NOT EXISTS idx_transfers_sender_ip ON transfers(sender_ip, created_at);
		`,
	},
	{
		Version: "000002_create_transfer_files",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfer_files (
				id              VARCHAR(36)  PRIMARY KEY,
				transfer_id     VARCHAR(36)  NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
				upload_id       VARCHAR(64)  NOT NULL UNIQUE,
				original_name   VARCHAR(512) NOT NULL,
				stored_name     VARCHAR(128) NOT NULL UNIQUE,
				size            BIGINT       NOT NULL,
				mime_type       VARCHAR(255) NOT NULL DEFAULT 'application/octet-stream',
				upload_complete BOOLEAN      NOT NULL DEFAULT FALSE,
				uploaded_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_transfer_files_transfer ON transfer_files(transfer_id);
		`,
	},
	{
		Version: "000003_create_monthly_usage",
		SQL: `
			CREATE TABLE IF NOT EXISTS monthly_usage (
				id                BIGSERIAL    PRIMARY KEY,
				identity          VARCHAR(128) NOT NULL,
				year              INTEGER      NOT NULL,
				month             INTEGER      NOT NULL,
				bytes_transferred BIGINT       NOT NULL DEFAULT 0,
				transfer_count    INTEGER      NOT NULL DEFAULT 0,
				updated_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
				UNIQUE (identity, year, month)
			);
		`,
	},
	{
		Version: "000004_create_download_events",
		SQL: `
			CREATE TABLE IF NOT EXISTS download_events (
				id               BIGSERIAL   PRIMARY KEY,
				transfer_id      VARCHAR(36) NOT NULL REFERENCES transfers(id) ON DELETE CASCADE,
				file_id          VARCHAR(36) REFERENCES transfer_files(id) ON DELETE CASCADE,
				ip_address       VARCHAR(45) NOT NULL,
				user_agent       TEXT        NOT NULL DEFAULT '',
				is_full_download BOOLEAN     NOT NULL DEFAULT TRUE,
				downloaded_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_download_events_transfer ON download_events(transfer_id, downloaded_at);
		`,
	},
	{
		Version: "000005_add_file_preview_type",
		SQL: `
			ALTER TABLE transfer_files ADD COLUMN IF NOT EXISTS preview_type VARCHAR(10) NOT NULL DEFAULT 'none';
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
