package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Connect initializes the database connection and runs migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// users, conversations, group_members and user_blocks are owned by the CRUD services;
// the statements below only make sure the shapes this service reads exist.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id BIGSERIAL PRIMARY KEY,
            username TEXT NOT NULL,
            avatar_url TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            user1_id BIGINT NOT NULL,
            user2_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(user1_id, user2_id),
            CHECK (user1_id < user2_id)
        );`,
	`CREATE TABLE IF NOT EXISTS groups (
            id BIGSERIAL PRIMARY KEY,
            name TEXT NOT NULL,
            owner_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS group_members (
            group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            role TEXT NOT NULL DEFAULT 'member',
            PRIMARY KEY(group_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS user_blocks (
            blocker_id BIGINT NOT NULL,
            blocked_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            PRIMARY KEY(blocker_id, blocked_id)
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            client_id TEXT NOT NULL DEFAULT '',
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            group_id BIGINT REFERENCES groups(id) ON DELETE CASCADE,
            sender_id BIGINT NOT NULL,
            content TEXT NOT NULL,
            kind TEXT NOT NULL DEFAULT 'text',
            sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            reply_to_id BIGINT REFERENCES messages(id),
            CHECK ((conversation_id IS NULL) <> (group_id IS NULL))
        );`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_cursor ON messages (conversation_id, sent_at DESC, id DESC) WHERE conversation_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS messages_group_cursor ON messages (group_id, sent_at DESC, id DESC) WHERE group_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_client_id ON messages (sender_id, client_id) WHERE client_id <> '';`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}
