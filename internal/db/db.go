package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string, log *zap.Logger) (*sqlx.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database_migrations_applied", zap.Int("count", len(migrations)))

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS forums (
            id BIGSERIAL PRIMARY KEY,
            name TEXT NOT NULL,
            tags TEXT[] NOT NULL DEFAULT '{}',
            is_private BOOLEAN NOT NULL DEFAULT FALSE,
            owner_id TEXT NOT NULL,
            moderator_id TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS forum_messages (
            id BIGSERIAL PRIMARY KEY,
            forum_id BIGINT NOT NULL REFERENCES forums(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            client_id BIGINT,
            body TEXT NOT NULL DEFAULT '',
            attachments JSONB NOT NULL DEFAULT '[]',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            deleted_at TIMESTAMPTZ,
            UNIQUE(forum_id, sender_id, client_id)
        );`,
	`CREATE INDEX IF NOT EXISTS forum_messages_forum_created_idx
            ON forum_messages (forum_id, created_at)
            WHERE deleted_at IS NULL;`,
	`CREATE INDEX IF NOT EXISTS forum_messages_client_idx
            ON forum_messages (forum_id, client_id);`,
}

// RunMigrations applies the schema. Every statement is idempotent.
func RunMigrations(db *sqlx.DB) error {
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
