// Package gateway turns a dialogue turn into a structured [types.FeedbackResult]
// by calling an LLM backend.
//
// A [Gateway] owns an ordered chain of model identifiers served by one
// [llm.Provider]. Each call walks the chain from the top and stops at the
// first model that produced a usable answer. Rate limits, overloads,
// transport errors and malformed replies all move on to the next model; there
// is no delay between candidates. When every model fails, [Gateway.Converse]
// returns a fixed retry message instead of an error so the caller always has
// something to show and speak.
//
// The chain can be replaced at runtime with [Gateway.SetModels].
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/pkg/provider/llm"
	"github.com/MrWong99/englishpro/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Messages returned in place of a model answer.
const (
	MsgNotConfigured = "API key not configured."
	MsgOverloaded    = "System overloaded. Please wait 10 seconds and try again."
	MsgCancelled     = "Request cancelled."
)

// ErrNotConfigured is returned by auxiliary calls when no backend credential
// is configured.
var ErrNotConfigured = errors.New("gateway: API key not configured")

// DefaultModels is the failover order used when none is configured.
var DefaultModels = []string{
	"llama-3.1-8b-instant",
	"mixtral-8x7b-32768",
	"llama-3.3-70b-versatile",
	"llama3-70b-8192",
	"llama3-8b-8192",
	"gemma2-9b-it",
	"gemma-7b-it",
}

// Request parameters for each operation.
const (
	DefaultAuxModel = "llama-3.1-8b-instant"

	converseTemperature  = 0.2
	converseMaxTokens    = 1024
	wordsTemperature     = 0.7
	translateTemperature = 0.3
	translateMaxTokens   = 200
)

// ConverseRequest is one dialogue turn.
type ConverseRequest struct {
	// Transcript is the prior conversation, oldest first. It does not include
	// Message.
	Transcript []types.Turn

	// Message is the new user message.
	Message string

	Mode types.Mode

	// Topic is nil for a conversation without scenario.
	Topic *curriculum.Topic

	// Vocabulary overrides the topic's list in practice mode when non-empty.
	Vocabulary []string

	// Profile personalises the prompt; nil omits the profile block.
	Profile *types.UserProfile
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithModels sets the failover order.
func WithModels(models ...string) Option {
	return func(g *Gateway) { g.models = slices.Clone(models) }
}

// WithWordsModel sets the first model tried for vocabulary generation.
func WithWordsModel(model string) Option {
	return func(g *Gateway) { g.wordsModel = model }
}

// WithTranslateModel sets the first model tried for translation.
func WithTranslateModel(model string) Option {
	return func(g *Gateway) { g.translateModel = model }
}

// WithChainConfig configures the per-model circuit breakers.
func WithChainConfig(cfg resilience.ChainConfig) Option {
	return func(g *Gateway) { g.chainCfg = cfg }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// chains holds one failover chain per operation. Each operation starts with
// its own preferred model followed by the rest of the shared order.
type chains struct {
	converse  *resilience.Chain[string]
	words     *resilience.Chain[string]
	translate *resilience.Chain[string]
}

// Gateway calls an LLM backend with model failover. It is safe for concurrent
// use.
type Gateway struct {
	provider llm.Provider
	metrics  *observe.Metrics
	chainCfg resilience.ChainConfig

	mu             sync.RWMutex
	models         []string
	wordsModel     string
	translateModel string
	chains         chains
}

// New creates a Gateway over p. A nil p means no credential is configured:
// every call answers with [MsgNotConfigured] or [ErrNotConfigured] without
// any network traffic.
func New(p llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:       p,
		models:         slices.Clone(DefaultModels),
		wordsModel:     DefaultAuxModel,
		translateModel: DefaultAuxModel,
	}
	for _, o := range opts {
		o(g)
	}
	if len(g.models) == 0 {
		g.models = slices.Clone(DefaultModels)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.chains = g.buildChains()
	return g
}

// Configured reports whether a backend is available.
func (g *Gateway) Configured() bool { return g.provider != nil }

// Models returns the current failover order.
func (g *Gateway) Models() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.models)
}

// SetModels replaces the failover order. In-flight calls finish on the chain
// they started with. Breaker state is reset.
func (g *Gateway) SetModels(models []string) {
	if len(models) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.models = slices.Clone(models)
	g.chains = g.buildChains()
	slog.Info("gateway: model chain updated", "models", g.models)
}

// SetAuxModels replaces the models tried first for vocabulary generation and
// translation. An empty value falls back to the failover order alone.
func (g *Gateway) SetAuxModels(words, translate string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.wordsModel = words
	g.translateModel = translate
	g.chains = g.buildChains()
	slog.Info("gateway: aux models updated", "words", words, "translate", translate)
}

// buildChains must be called with g.mu held for writing or before g is shared.
func (g *Gateway) buildChains() chains {
	return chains{
		converse:  g.newChain(g.models),
		words:     g.newChain(preferFirst(g.wordsModel, g.models)),
		translate: g.newChain(preferFirst(g.translateModel, g.models)),
	}
}

func (g *Gateway) newChain(models []string) *resilience.Chain[string] {
	c := resilience.NewChain[string](g.chainCfg)
	for _, m := range models {
		c.Add(m, m)
	}
	return c
}

// preferFirst returns models with first moved (or inserted) at the front.
func preferFirst(first string, models []string) []string {
	if first == "" {
		return slices.Clone(models)
	}
	out := make([]string, 0, len(models)+1)
	out = append(out, first)
	for _, m := range models {
		if m != first {
			out = append(out, m)
		}
	}
	return out
}

func (g *Gateway) current() chains {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chains
}

// Converse produces the partner's reply to req. It never fails: a missing
// credential or an exhausted chain yields a displayable fallback result. When
// ctx ends first the result is [MsgCancelled] and callers should drop it.
func (g *Gateway) Converse(ctx context.Context, req ConverseRequest) types.FeedbackResult {
	if !g.Configured() {
		return types.FeedbackResult{AvatarResponse: MsgNotConfigured}
	}

	ctx, span := observe.StartSpan(ctx, "gateway.Converse")
	defer span.End()
	span.SetAttributes(attribute.String("mode", req.Mode.String()))

	base := llm.CompletionRequest{
		SystemPrompt: SystemPrompt(req.Mode, req.Topic, req.Vocabulary, req.Profile),
		Messages:     buildMessages(req.Transcript, req.Message),
		Temperature:  converseTemperature,
		MaxTokens:    converseMaxTokens,
		Format:       llm.FormatJSONObject,
	}

	var lastErr string
	result, err := resilience.Run(ctx, g.current().converse,
		func(ctx context.Context, _ string, model string) (types.FeedbackResult, error) {
			content, err := g.complete(ctx, model, base)
			if err != nil {
				return types.FeedbackResult{}, err
			}
			return ParseFeedback(content)
		},
		g.observer(ctx, &lastErr),
	)
	if cerr := ctx.Err(); err != nil && cerr != nil {
		span.SetStatus(codes.Error, cerr.Error())
		observe.Logger(ctx).Debug("gateway: converse cancelled", "err", cerr)
		return types.FeedbackResult{AvatarResponse: MsgCancelled}
	}
	if err != nil {
		if lastErr == "" {
			lastErr = err.Error()
		}
		span.SetStatus(codes.Error, lastErr)
		g.metrics.RecordExhausted(ctx, "converse")
		observe.Logger(ctx).Error("gateway: all models failed", "last_error", lastErr)
		correction := "All models busy. Last error: " + lastErr
		return types.FeedbackResult{AvatarResponse: MsgOverloaded, Correction: &correction}
	}
	return result
}

// buildMessages maps the transcript onto chat roles and appends message. A
// "user" turn stays user; every other role becomes assistant.
func buildMessages(transcript []types.Turn, message string) []llm.Message {
	msgs := make([]llm.Message, 0, len(transcript)+1)
	for _, t := range transcript {
		role := llm.RoleAssistant
		if t.Role == types.RoleUser {
			role = llm.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: message})
}

// complete runs one attempt against model and records its latency.
func (g *Gateway) complete(ctx context.Context, model string, req llm.CompletionRequest) (string, error) {
	req.Model = model
	start := time.Now()
	resp, err := g.provider.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	g.metrics.RecordLLMAttempt(ctx, model, status, time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// observer returns a chain callback that logs and counts failed attempts and
// keeps the human-readable description of the most recent one in lastErr.
func (g *Gateway) observer(ctx context.Context, lastErr *string) func(resilience.Attempt) {
	return func(a resilience.Attempt) {
		if a.Err == nil {
			return
		}
		reason, desc := describe(a)
		*lastErr = desc
		g.metrics.RecordFailover(ctx, a.Name, reason)
		observe.Logger(ctx).Warn("gateway: model failed, switching",
			"model", a.Name, "reason", reason, "err", a.Err)
	}
}

// describe classifies a failed attempt for metrics and for the user-facing
// "Last error" text.
func describe(a resilience.Attempt) (reason, desc string) {
	switch {
	case a.Skipped:
		return observe.ReasonSkipped, "Circuit open on " + a.Name
	case errors.Is(a.Err, llm.ErrRateLimited):
		return observe.ReasonRateLimited, "Rate limit on " + a.Name
	case errors.Is(a.Err, llm.ErrOverloaded):
		return observe.ReasonOverloaded, "Rate limit on " + a.Name
	case errors.Is(a.Err, ErrMalformed):
		return observe.ReasonMalformed, fmt.Sprintf("Error: %v", a.Err)
	default:
		return observe.ReasonError, fmt.Sprintf("Error: %v", a.Err)
	}
}
