package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/pkg/provider/llm"
	"github.com/MrWong99/englishpro/pkg/types"
)

// WordsRequest asks for a fresh batch of business vocabulary.
type WordsRequest struct {
	// TopicName is the display name of the topic being drilled.
	TopicName string

	Profile *types.UserProfile

	// Exclude lists words the learner already knows or is drilling.
	Exclude []string

	// Seed varies the prompt between otherwise identical requests.
	Seed int
}

// GenerateWords asks the model for new vocabulary. The returned list may be
// empty when the model answered with no words; deciding whether that is
// acceptable is up to the caller.
func (g *Gateway) GenerateWords(ctx context.Context, req WordsRequest) ([]string, error) {
	if !g.Configured() {
		return nil, ErrNotConfigured
	}

	ctx, span := observe.StartSpan(ctx, "gateway.GenerateWords")
	defer span.End()

	base := llm.CompletionRequest{
		SystemPrompt: wordsPrompt(req.Profile, req.Exclude),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: wordsUserMessage(req.TopicName, req.Seed)}},
		Temperature:  wordsTemperature,
		Format:       llm.FormatJSONObject,
	}

	var lastErr string
	words, err := resilience.Run(ctx, g.current().words,
		func(ctx context.Context, _ string, model string) ([]string, error) {
			content, err := g.complete(ctx, model, base)
			if err != nil {
				return nil, err
			}
			return ParseWords(content)
		},
		g.observer(ctx, &lastErr),
	)
	if cerr := ctx.Err(); err != nil && cerr != nil {
		return nil, fmt.Errorf("gateway: generate words: %w", cerr)
	}
	if err != nil {
		g.metrics.RecordExhausted(ctx, "words")
		observe.Logger(ctx).Error("gateway: word generation failed", "last_error", lastErr)
		return nil, fmt.Errorf("gateway: generate words: %w", err)
	}
	return words, nil
}

// wireWords accepts both property names models use for the list.
type wireWords struct {
	Words      []json.RawMessage `json:"words"`
	Vocabulary []json.RawMessage `json:"vocabulary"`
}

// ParseWords extracts the word list from a model reply. It reads "words" and
// falls back to "vocabulary". Non-string entries and blanks are dropped.
func ParseWords(content string) ([]string, error) {
	obj, err := extractObject(content)
	if err != nil {
		return nil, err
	}
	var w wireWords
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw := w.Words
	if len(raw) == 0 {
		raw = w.Vocabulary
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
