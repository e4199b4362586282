// Package storetest holds a conformance suite that every [store.Store]
// backend runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/pkg/types"
)

// Locker is implemented by backends that can lock a profile row.
type Locker interface {
	SetLocked(ctx context.Context, userID string, locked bool) error
}

// Run exercises newStore against the [store.Store] contract. newStore must
// return an empty store; it is called once per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("GetProfileAbsent", func(t *testing.T) {
		s := newStore(t)
		p, err := s.GetProfile(context.Background(), "nobody")
		if err != nil {
			t.Fatalf("GetProfile: %v", err)
		}
		if p != nil {
			t.Errorf("GetProfile() = %+v, want nil", p)
		}
	})

	t.Run("SaveAndGetProfile", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		saved, err := s.SaveProfile(ctx, "u1", types.UserProfile{
			Username:   " Dewi ",
			Profession: "Nurse",
			Goal:       "Talk to patients",
		})
		if err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		want := types.UserProfile{Username: "Dewi", Profession: "Nurse", EnglishLevel: types.LevelIntermediate, Goal: "Talk to patients"}
		if *saved != want {
			t.Errorf("SaveProfile() = %+v, want %+v", *saved, want)
		}

		got, err := s.GetProfile(ctx, "u1")
		if err != nil {
			t.Fatalf("GetProfile: %v", err)
		}
		if got == nil || *got != want {
			t.Errorf("GetProfile() = %+v, want %+v", got, want)
		}
	})

	t.Run("SaveProfileUpserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.SaveProfile(ctx, "u1", types.UserProfile{Username: "A", EnglishLevel: types.LevelBeginner}); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		if _, err := s.SaveProfile(ctx, "u1", types.UserProfile{Username: "B", EnglishLevel: types.LevelAdvanced}); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		got, _ := s.GetProfile(ctx, "u1")
		if got == nil || got.Username != "B" || got.EnglishLevel != types.LevelAdvanced {
			t.Errorf("GetProfile() = %+v, want B/Advanced", got)
		}
	})

	t.Run("SaveProfileInvalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.SaveProfile(ctx, "u1", types.UserProfile{Username: "A", EnglishLevel: "Expert"}); !errors.Is(err, store.ErrInvalidProfile) {
			t.Errorf("unknown level: err = %v, want ErrInvalidProfile", err)
		}
		if _, err := s.SaveProfile(ctx, "u1", types.UserProfile{}); !errors.Is(err, store.ErrInvalidProfile) {
			t.Errorf("missing username: err = %v, want ErrInvalidProfile", err)
		}
		if _, err := s.SaveProfile(ctx, "", types.UserProfile{Username: "A"}); !errors.Is(err, store.ErrMissingUser) {
			t.Errorf("missing user: err = %v, want ErrMissingUser", err)
		}
	})

	t.Run("SaveProfileRejected", func(t *testing.T) {
		s := newStore(t)
		l, ok := s.(Locker)
		if !ok {
			t.Skip("backend cannot lock profiles")
		}
		ctx := context.Background()

		if _, err := s.SaveProfile(ctx, "u1", types.UserProfile{Username: "Original"}); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		if err := l.SetLocked(ctx, "u1", true); err != nil {
			t.Fatalf("SetLocked: %v", err)
		}
		p, err := s.SaveProfile(ctx, "u1", types.UserProfile{Username: "Changed"})
		if !errors.Is(err, store.ErrWriteRejected) {
			t.Fatalf("SaveProfile() err = %v, want ErrWriteRejected", err)
		}
		if p != nil {
			t.Errorf("SaveProfile() = %+v, want nil", p)
		}
		got, _ := s.GetProfile(ctx, "u1")
		if got == nil || got.Username != "Original" {
			t.Errorf("GetProfile() = %+v, want Original", got)
		}
	})

	t.Run("LearnedWords", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, w := range []string{"leverage", "align", "leverage", "  ", "mitigate"} {
			if err := s.SaveLearnedWord(ctx, "u1", w, "job-interview"); err != nil {
				t.Fatalf("SaveLearnedWord(%q): %v", w, err)
			}
		}
		if err := s.SaveLearnedWord(ctx, "u2", "pivot", "networking"); err != nil {
			t.Fatalf("SaveLearnedWord: %v", err)
		}

		got, err := s.GetLearnedWords(ctx, "u1")
		if err != nil {
			t.Fatalf("GetLearnedWords: %v", err)
		}
		if want := []string{"leverage", "align", "mitigate"}; !slices.Equal(got, want) {
			t.Errorf("GetLearnedWords() = %v, want %v", got, want)
		}

		none, err := s.GetLearnedWords(ctx, "nobody")
		if err != nil {
			t.Fatalf("GetLearnedWords: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("GetLearnedWords(nobody) = %v, want empty", none)
		}

		if err := s.SaveLearnedWord(ctx, "", "x", ""); !errors.Is(err, store.ErrMissingUser) {
			t.Errorf("err = %v, want ErrMissingUser", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
