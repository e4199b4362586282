package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/englishpro/pkg/types"
)

var _ Store = (*Guard)(nil)

// Guard wraps a [Store] so that a failing backend never interrupts a lesson.
// Reads fall back to "nothing stored" and learned-word writes are dropped,
// each with a warning. Profile writes still report their error, since the
// learner must know when a change was not kept.
//
// The guard is degraded while the most recent backend call failed.
type Guard struct {
	store    Store
	degraded atomic.Bool
}

// NewGuard wraps s.
func NewGuard(s Store) *Guard {
	return &Guard{store: s}
}

func (g *Guard) observe(err error) {
	// Validation errors say nothing about backend health.
	if err == nil || errors.Is(err, ErrInvalidProfile) || errors.Is(err, ErrMissingUser) || errors.Is(err, ErrWriteRejected) {
		g.degraded.Store(false)
		return
	}
	g.degraded.Store(true)
}

// GetProfile returns (nil, nil) when the backend fails.
func (g *Guard) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	p, err := g.store.GetProfile(ctx, userID)
	g.observe(err)
	if err != nil {
		slog.Warn("store guard: GetProfile failed, continuing without profile", "user_id", userID, "err", err)
		return nil, nil
	}
	return p, nil
}

// SaveProfile passes every error through.
func (g *Guard) SaveProfile(ctx context.Context, userID string, p types.UserProfile) (*types.UserProfile, error) {
	saved, err := g.store.SaveProfile(ctx, userID, p)
	g.observe(err)
	return saved, err
}

// SaveLearnedWord logs and swallows backend failures.
func (g *Guard) SaveLearnedWord(ctx context.Context, userID, word, topicID string) error {
	err := g.store.SaveLearnedWord(ctx, userID, word, topicID)
	g.observe(err)
	if err != nil {
		slog.Warn("store guard: SaveLearnedWord failed, swallowing error",
			"user_id", userID,
			"word", word,
			"err", err,
		)
	}
	return nil
}

// GetLearnedWords returns an empty list when the backend fails.
func (g *Guard) GetLearnedWords(ctx context.Context, userID string) ([]string, error) {
	words, err := g.store.GetLearnedWords(ctx, userID)
	g.observe(err)
	if err != nil {
		slog.Warn("store guard: GetLearnedWords failed, returning empty", "user_id", userID, "err", err)
		return []string{}, nil
	}
	return words, nil
}

// Ping reports the backend error unchanged and updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.observe(err)
	return err
}

// Close closes the wrapped store.
func (g *Guard) Close() error { return g.store.Close() }

// IsDegraded reports whether the most recent backend call failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }
