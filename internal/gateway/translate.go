package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/pkg/provider/llm"
)

// ErrEmptyText is returned by [Gateway.Translate] for blank input.
var ErrEmptyText = errors.New("gateway: empty text")

// Translate translates text between Indonesian and English. The direction is
// left to the model.
func (g *Gateway) Translate(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if !g.Configured() {
		return "", ErrNotConfigured
	}

	ctx, span := observe.StartSpan(ctx, "gateway.Translate")
	defer span.End()

	base := llm.CompletionRequest{
		SystemPrompt: translatorPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  translateTemperature,
		MaxTokens:    translateMaxTokens,
	}

	var lastErr string
	out, err := resilience.Run(ctx, g.current().translate,
		func(ctx context.Context, _ string, model string) (string, error) {
			content, err := g.complete(ctx, model, base)
			if err != nil {
				return "", err
			}
			content = strings.TrimSpace(content)
			if content == "" {
				return "", llm.ErrEmptyResponse
			}
			return content, nil
		},
		g.observer(ctx, &lastErr),
	)
	if cerr := ctx.Err(); err != nil && cerr != nil {
		return "", fmt.Errorf("gateway: translate: %w", cerr)
	}
	if err != nil {
		g.metrics.RecordExhausted(ctx, "translate")
		observe.Logger(ctx).Error("gateway: translation failed", "last_error", lastErr)
		return "", fmt.Errorf("gateway: translate: %w", err)
	}
	return out, nil
}
