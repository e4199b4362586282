// Package postgres provides a PostgreSQL-backed [store.Store].
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
//
// Rows in profiles can be locked (locked = true) by an operator. Writes to a
// locked profile store nothing and report [store.ErrWriteRejected].
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id        TEXT         PRIMARY KEY,
    username       TEXT         NOT NULL,
    profession     TEXT         NOT NULL DEFAULT '',
    english_level  TEXT         NOT NULL DEFAULT 'Intermediate',
    goal           TEXT         NOT NULL DEFAULT '',
    locked         BOOLEAN      NOT NULL DEFAULT false,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlLearnedWords = `
CREATE TABLE IF NOT EXISTS learned_words (
    user_id     TEXT         NOT NULL,
    word        TEXT         NOT NULL,
    topic_id    TEXT         NOT NULL DEFAULT '',
    learned_at  TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp(),
    PRIMARY KEY (user_id, word)
);

CREATE INDEX IF NOT EXISTS idx_learned_words_user_learned
    ON learned_words (user_id, learned_at);
`

// Migrate creates the tables if they do not exist. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlProfiles, ddlLearnedWords} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
