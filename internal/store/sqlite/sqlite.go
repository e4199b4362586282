// Package sqlite provides a single-file [store.Store] on modernc.org/sqlite,
// for deployments without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/pkg/types"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id        TEXT PRIMARY KEY,
	username       TEXT NOT NULL,
	profession     TEXT NOT NULL DEFAULT '',
	english_level  TEXT NOT NULL DEFAULT 'Intermediate',
	goal           TEXT NOT NULL DEFAULT '',
	locked         INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learned_words (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	word        TEXT NOT NULL,
	topic_id    TEXT NOT NULL DEFAULT '',
	learned_at  INTEGER NOT NULL,
	UNIQUE (user_id, word)
);
CREATE INDEX IF NOT EXISTS idx_learned_words_user ON learned_words(user_id, id);
`

// Store is a [store.Store] backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path in WAL mode and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetProfile implements [store.Store].
func (s *Store) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	const q = `SELECT username, profession, english_level, goal FROM profiles WHERE user_id = ?`

	var p types.UserProfile
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&p.Username, &p.Profession, &p.EnglishLevel, &p.Goal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get profile: %w", err)
	}
	return &p, nil
}

// SaveProfile implements [store.Store]. Locked rows are left untouched and
// reported as [store.ErrWriteRejected].
func (s *Store) SaveProfile(ctx context.Context, userID string, p types.UserProfile) (*types.UserProfile, error) {
	p, err := store.Prepare(userID, p)
	if err != nil {
		return nil, err
	}

	const q = `
	INSERT INTO profiles (user_id, username, profession, english_level, goal, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		profession = excluded.profession,
		english_level = excluded.english_level,
		goal = excluded.goal,
		updated_at = excluded.updated_at
	WHERE profiles.locked = 0
	RETURNING username, profession, english_level, goal`

	now := time.Now().Unix()
	var out types.UserProfile
	err = s.db.QueryRowContext(ctx, q, userID, p.Username, p.Profession, p.EnglishLevel, p.Goal, now, now).
		Scan(&out.Username, &out.Profession, &out.EnglishLevel, &out.Goal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrWriteRejected
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: save profile: %w", err)
	}
	return &out, nil
}

// SetLocked locks or unlocks a profile against further writes.
func (s *Store) SetLocked(ctx context.Context, userID string, locked bool) error {
	v := 0
	if locked {
		v = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE profiles SET locked = ? WHERE user_id = ?`, v, userID); err != nil {
		return fmt.Errorf("sqlite store: set locked: %w", err)
	}
	return nil
}

// SaveLearnedWord implements [store.Store].
func (s *Store) SaveLearnedWord(ctx context.Context, userID, word, topicID string) error {
	if userID == "" {
		return store.ErrMissingUser
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return nil
	}

	const q = `
	INSERT INTO learned_words (user_id, word, topic_id, learned_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, word) DO UPDATE SET topic_id = excluded.topic_id`

	if _, err := s.db.ExecContext(ctx, q, userID, word, topicID, time.Now().Unix()); err != nil {
		return fmt.Errorf("sqlite store: save learned word: %w", err)
	}
	return nil
}

// GetLearnedWords implements [store.Store].
func (s *Store) GetLearnedWords(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT word FROM learned_words WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: get learned words: %w", err)
	}
	defer rows.Close()

	words := []string{}
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("sqlite store: scan learned word: %w", err)
		}
		words = append(words, w)
	}
	return words, rows.Err()
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}
