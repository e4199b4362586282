package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/pkg/types"
)

var _ store.Store = (*Store)(nil)

// Store is a [store.Store] over a [pgxpool.Pool]. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool, mainly for tests and operators.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// GetProfile implements [store.Store].
func (s *Store) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	const q = `
		SELECT username, profession, english_level, goal
		FROM   profiles
		WHERE  user_id = $1`

	var p types.UserProfile
	err := s.pool.QueryRow(ctx, q, userID).Scan(&p.Username, &p.Profession, &p.EnglishLevel, &p.Goal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get profile: %w", err)
	}
	return &p, nil
}

// SaveProfile implements [store.Store]. The upsert skips locked rows, in
// which case RETURNING yields nothing and [store.ErrWriteRejected] is
// returned.
func (s *Store) SaveProfile(ctx context.Context, userID string, p types.UserProfile) (*types.UserProfile, error) {
	p, err := store.Prepare(userID, p)
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO profiles (user_id, username, profession, english_level, goal)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
		    username      = EXCLUDED.username,
		    profession    = EXCLUDED.profession,
		    english_level = EXCLUDED.english_level,
		    goal          = EXCLUDED.goal,
		    updated_at    = now()
		WHERE NOT profiles.locked
		RETURNING username, profession, english_level, goal`

	var out types.UserProfile
	err = s.pool.QueryRow(ctx, q, userID, p.Username, p.Profession, p.EnglishLevel, p.Goal).
		Scan(&out.Username, &out.Profession, &out.EnglishLevel, &out.Goal)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrWriteRejected
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: save profile: %w", err)
	}
	return &out, nil
}

// SetLocked locks or unlocks a profile against further writes.
func (s *Store) SetLocked(ctx context.Context, userID string, locked bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE profiles SET locked = $2 WHERE user_id = $1`, userID, locked); err != nil {
		return fmt.Errorf("postgres store: set locked: %w", err)
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
		INSERT INTO learned_words (user_id, word, topic_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, word) DO UPDATE SET topic_id = EXCLUDED.topic_id`

	if _, err := s.pool.Exec(ctx, q, userID, word, topicID); err != nil {
		return fmt.Errorf("postgres store: save learned word: %w", err)
	}
	return nil
}

// GetLearnedWords implements [store.Store].
func (s *Store) GetLearnedWords(ctx context.Context, userID string) ([]string, error) {
	const q = `
		SELECT word
		FROM   learned_words
		WHERE  user_id = $1
		ORDER  BY learned_at, word`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get learned words: %w", err)
	}
	words, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan learned words: %w", err)
	}
	return words, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [store.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
