package drill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/gateway"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/pkg/types"
)

// ErrNoWords is returned when the model answered without any usable word.
// The caller keeps its current list; the learner may simply retry.
var ErrNoWords = errors.New("drill: model returned no words")

// ErrGeneration wraps any other failure to produce a new list. It is
// retryable in the same way as [ErrNoWords].
var ErrGeneration = errors.New("drill: word generation failed")

// ExclusionLimit bounds the number of excluded words sent to the model.
const ExclusionLimit = 200

// seedRange is the exclusive upper bound of the prompt variation seed.
const seedRange = 10000

// WordSource produces a batch of words. [gateway.Gateway] implements it.
type WordSource interface {
	GenerateWords(ctx context.Context, req gateway.WordsRequest) ([]string, error)
}

// LearnedWords returns the words a user has already completed.
type LearnedWords interface {
	GetLearnedWords(ctx context.Context, userID string) ([]string, error)
}

// Generator produces fresh vocabulary lists.
type Generator struct {
	source  WordSource
	learned LearnedWords
	metrics *observe.Metrics
	seed    func() int
}

// GeneratorOption configures a [Generator].
type GeneratorOption func(*Generator)

// WithSeed replaces the random seed source.
func WithSeed(fn func() int) GeneratorOption {
	return func(g *Generator) { g.seed = fn }
}

// WithGeneratorMetrics overrides the metrics instance.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// NewGenerator creates a Generator. learned may be nil, in which case only
// the active list is excluded.
func NewGenerator(source WordSource, learned LearnedWords, opts ...GeneratorOption) *Generator {
	g := &Generator{
		source:  source,
		learned: learned,
		seed:    func() int { return rand.IntN(seedRange) },
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Generate returns a new list for topic that avoids the active list and the
// user's learned words. Any non-empty list is accepted as-is, even when it is
// shorter than requested. On error the caller must keep its current list.
func (g *Generator) Generate(ctx context.Context, topic curriculum.Topic, profile *types.UserProfile, active []string, userID string) ([]string, error) {
	var learned []string
	if g.learned != nil && userID != "" {
		var err error
		learned, err = g.learned.GetLearnedWords(ctx, userID)
		if err != nil {
			// A missing history only weakens the exclusion list.
			slog.Warn("drill: failed to load learned words", "user_id", userID, "err", err)
			learned = nil
		}
	}

	words, err := g.source.GenerateWords(ctx, gateway.WordsRequest{
		TopicName: topic.Name,
		Profile:   profile,
		Exclude:   Exclusions(active, learned, ExclusionLimit),
		Seed:      g.seed(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	if len(words) == 0 {
		return nil, ErrNoWords
	}
	g.metrics.WordsGenerated.Add(ctx, int64(len(words)))
	slog.Info("drill: generated new words", "topic", topic.ID, "count", len(words))
	return words, nil
}

// Exclusions returns the union of active and learned, in first-seen order
// with duplicates removed, truncated to the last limit entries. Duplicates
// are compared case-insensitively.
func Exclusions(active, learned []string, limit int) []string {
	seen := make(map[string]struct{}, len(active)+len(learned))
	out := make([]string, 0, len(active)+len(learned))
	for _, list := range [][]string{active, learned} {
		for _, w := range list {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			key := strings.ToLower(w)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, w)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// IsRetryable reports whether err is a generation failure the learner can
// retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoWords) || errors.Is(err, ErrGeneration)
}
