// Package store defines the persistence collaborator for learner profiles and
// learned vocabulary.
//
// [Store] is implemented by an in-memory backend ([Memory]) and by the
// postgres and sqlite subpackages. Every implementation must be safe for
// concurrent use.
//
// A profile write that the backend silently refuses (an access policy or a
// locked row) returns [ErrWriteRejected] rather than success, so callers can
// tell the learner their changes were not kept.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/englishpro/pkg/types"
)

var (
	// ErrWriteRejected is returned when a write completed without error but
	// stored nothing.
	ErrWriteRejected = errors.New("store: write rejected")

	// ErrInvalidProfile is returned for profiles that fail [ValidateProfile].
	ErrInvalidProfile = errors.New("store: invalid profile")

	// ErrMissingUser is returned when an operation needs a user id and got
	// none.
	ErrMissingUser = errors.New("store: missing user id")
)

// Store persists profiles and learned words.
type Store interface {
	// GetProfile returns the user's profile, or (nil, nil) when none exists.
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)

	// SaveProfile creates or replaces the user's profile and returns the
	// stored row. It returns ErrWriteRejected when nothing was stored.
	SaveProfile(ctx context.Context, userID string, p types.UserProfile) (*types.UserProfile, error)

	// SaveLearnedWord records word as learned. Saving the same word twice
	// keeps one row and updates its topic.
	SaveLearnedWord(ctx context.Context, userID, word, topicID string) error

	// GetLearnedWords returns the user's learned words, oldest first.
	GetLearnedWords(ctx context.Context, userID string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// NormalizeProfile trims every field and fills in the default level.
func NormalizeProfile(p types.UserProfile) types.UserProfile {
	p.Username = strings.TrimSpace(p.Username)
	p.Profession = strings.TrimSpace(p.Profession)
	p.EnglishLevel = strings.TrimSpace(p.EnglishLevel)
	p.Goal = strings.TrimSpace(p.Goal)
	if p.EnglishLevel == "" {
		p.EnglishLevel = types.LevelIntermediate
	}
	return p
}

// ValidateProfile checks a normalized profile.
func ValidateProfile(p types.UserProfile) error {
	var errs []error
	if p.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if !types.ValidLevel(p.EnglishLevel) {
		errs = append(errs, fmt.Errorf("unknown english level %q", p.EnglishLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	return nil
}

// Prepare normalizes and validates a profile write.
func Prepare(userID string, p types.UserProfile) (types.UserProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return p, ErrMissingUser
	}
	p = NormalizeProfile(p)
	return p, ValidateProfile(p)
}
