package gateway

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/pkg/provider/llm"
	"github.com/MrWong99/englishpro/pkg/provider/llm/mock"
	"github.com/MrWong99/englishpro/pkg/types"
	"go.opentelemetry.io/otel/metric/noop"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func ok(content string) mock.Result {
	return mock.Result{Response: &llm.CompletionResponse{Content: content}}
}

func fail(code int) mock.Result {
	return mock.Result{Err: &llm.StatusError{StatusCode: code}}
}

func newTestGateway(t *testing.T, p llm.Provider, opts ...Option) *Gateway {
	t.Helper()
	return New(p, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
}

func TestConverse_NotConfigured(t *testing.T) {
	t.Parallel()
	g := newTestGateway(t, nil)

	got := g.Converse(context.Background(), ConverseRequest{Message: "hi", Mode: types.ModeExam})
	if got.AvatarResponse != MsgNotConfigured {
		t.Errorf("AvatarResponse = %q, want %q", got.AvatarResponse, MsgNotConfigured)
	}
	if got.Correction != nil {
		t.Errorf("Correction = %q, want nil", *got.Correction)
	}
	if g.Configured() {
		t.Error("Configured() = true, want false")
	}
}

func TestConverse_FailoverStopsAtFirstSuccess(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		ByModel: map[string]mock.Result{
			"llama-3.1-8b-instant":    fail(429),
			"mixtral-8x7b-32768":      fail(503),
			"llama-3.3-70b-versatile": ok(`{"avatar_response":"Hello there","correction":null}`),
		},
		CompleteResponse: &llm.CompletionResponse{Content: `{"avatar_response":"too late"}`},
	}
	g := newTestGateway(t, p)

	got := g.Converse(context.Background(), ConverseRequest{Message: "hi", Mode: types.ModeExam})
	if got.AvatarResponse != "Hello there" {
		t.Errorf("AvatarResponse = %q, want %q", got.AvatarResponse, "Hello there")
	}
	want := []string{"llama-3.1-8b-instant", "mixtral-8x7b-32768", "llama-3.3-70b-versatile"}
	if models := p.Models(); !slices.Equal(models, want) {
		t.Errorf("models called = %v, want %v", models, want)
	}
}

func TestConverse_Exhausted(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: &llm.StatusError{StatusCode: 429}}
	g := newTestGateway(t, p)

	got := g.Converse(context.Background(), ConverseRequest{Message: "hi", Mode: types.ModePractice})
	if got.AvatarResponse != MsgOverloaded {
		t.Errorf("AvatarResponse = %q, want %q", got.AvatarResponse, MsgOverloaded)
	}
	if got.Correction == nil {
		t.Fatal("Correction = nil, want message")
	}
	want := "All models busy. Last error: Rate limit on gemma-7b-it"
	if *got.Correction != want {
		t.Errorf("Correction = %q, want %q", *got.Correction, want)
	}
	if n := len(p.Calls()); n != len(DefaultModels) {
		t.Errorf("calls = %d, want %d", n, len(DefaultModels))
	}
}

func TestConverse_ExhaustedWithGenericError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteErr: &llm.StatusError{StatusCode: 500, Body: `{"error":"boom"}`}}
	g := newTestGateway(t, p, WithModels("a", "b"))

	got := g.Converse(context.Background(), ConverseRequest{Message: "hi", Mode: types.ModeExam})
	want := `All models busy. Last error: Error: API Error 500: {"error":"boom"}`
	if got.Correction == nil || *got.Correction != want {
		t.Errorf("Correction = %v, want %q", got.Correction, want)
	}
}

func TestConverse_MalformedMovesOn(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		Script: []mock.Result{
			ok("I am not JSON at all"),
			ok(`{"current_word":"align"}`),
			ok(`{"avatar_response":"The next word is align.","current_word":"align","word_number":"2"}`),
		},
	}
	g := newTestGateway(t, p, WithModels("a", "b", "c", "d"))

	got := g.Converse(context.Background(), ConverseRequest{Message: "I leverage data.", Mode: types.ModePractice})
	if got.AvatarResponse != "The next word is align." {
		t.Errorf("AvatarResponse = %q", got.AvatarResponse)
	}
	if n, ok := got.Number(); !ok || n != 2 {
		t.Errorf("Number() = %d, %v, want 2, true", n, ok)
	}
	if models := p.Models(); !slices.Equal(models, []string{"a", "b", "c"}) {
		t.Errorf("models called = %v, want [a b c]", models)
	}
}

func TestConverse_RequestShape(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"avatar_response":"ok"}`}}
	g := newTestGateway(t, p)
	topic := &curriculum.Topic{ID: "t", Role: "HR Manager", RoleName: "Sarah", Scenario: "An interview."}

	g.Converse(context.Background(), ConverseRequest{
		Transcript: []types.Turn{
			{Role: types.RoleModel, Text: "Hello!"},
			{Role: types.RoleUser, Text: "Hi."},
			{Role: "narrator", Text: "odd"},
		},
		Message: "Nice to meet you.",
		Mode:    types.ModeExam,
		Topic:   topic,
	})

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", req.Temperature)
	}
	if req.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", req.MaxTokens)
	}
	if req.Format != llm.FormatJSONObject {
		t.Errorf("Format = %v, want %v", req.Format, llm.FormatJSONObject)
	}
	wantRoles := []string{llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	var roles []string
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if !slices.Equal(roles, wantRoles) {
		t.Errorf("roles = %v, want %v", roles, wantRoles)
	}
	if last := req.Messages[len(req.Messages)-1].Content; last != "Nice to meet you." {
		t.Errorf("last message = %q", last)
	}
	if !strings.Contains(req.SystemPrompt, "ROLE: HR Manager named Sarah\nSCENARIO: An interview.") {
		t.Errorf("SystemPrompt missing persona:\n%s", req.SystemPrompt)
	}
}

func TestConverse_BreakerSkipsFailingModel(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		ByModel: map[string]mock.Result{
			"a": fail(429),
			"b": ok(`{"avatar_response":"from b"}`),
		},
	}
	g := newTestGateway(t, p,
		WithModels("a", "b"),
		WithChainConfig(resilience.ChainConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		}),
	)

	g.Converse(context.Background(), ConverseRequest{Message: "one", Mode: types.ModeExam})
	p.Reset()
	got := g.Converse(context.Background(), ConverseRequest{Message: "two", Mode: types.ModeExam})

	if got.AvatarResponse != "from b" {
		t.Errorf("AvatarResponse = %q, want %q", got.AvatarResponse, "from b")
	}
	if models := p.Models(); !slices.Equal(models, []string{"b"}) {
		t.Errorf("models called = %v, want [b]", models)
	}
}

func TestConverse_CancelledContext(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"avatar_response":"ok"}`}}
	g := newTestGateway(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := g.Converse(ctx, ConverseRequest{Message: "hi", Mode: types.ModeExam})
	if got.AvatarResponse != MsgCancelled || got.Correction != nil {
		t.Errorf("Converse() = %q, correction %v, want %q without correction", got.AvatarResponse, got.Correction, MsgCancelled)
	}
	if len(p.Calls()) != 0 {
		t.Errorf("calls = %d, want 0", len(p.Calls()))
	}
}

func TestSetModels(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"avatar_response":"ok"}`}}
	g := newTestGateway(t, p)

	g.SetModels([]string{"x", "y"})
	if got := g.Models(); !slices.Equal(got, []string{"x", "y"}) {
		t.Errorf("Models() = %v, want [x y]", got)
	}
	g.SetModels(nil)
	if got := g.Models(); !slices.Equal(got, []string{"x", "y"}) {
		t.Errorf("Models() after empty update = %v, want [x y]", got)
	}

	g.Converse(context.Background(), ConverseRequest{Message: "hi", Mode: types.ModeExam})
	if models := p.Models(); !slices.Equal(models, []string{"x"}) {
		t.Errorf("models called = %v, want [x]", models)
	}
}

func TestGenerateWords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"words", `{"words":["Leverage","Synergy"]}`, []string{"Leverage", "Synergy"}},
		{"vocabulary fallback", `{"vocabulary":["Pivot"]}`, []string{"Pivot"}},
		{"empty", `{"words":[]}`, []string{}},
		{"drops junk", `{"words":["Scale", 3, "  ", null]}`, []string{"Scale"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: tc.content}}
			g := newTestGateway(t, p)

			got, err := g.GenerateWords(context.Background(), WordsRequest{TopicName: "Job Interview", Seed: 42})
			if err != nil {
				t.Fatalf("GenerateWords: %v", err)
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("GenerateWords() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGenerateWords_Request(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"words":["Mitigate"]}`}}
	g := newTestGateway(t, p, WithModels("big", "llama-3.1-8b-instant", "small"))

	_, err := g.GenerateWords(context.Background(), WordsRequest{
		TopicName: "Job Interview",
		Profile:   &types.UserProfile{Profession: "Engineer", EnglishLevel: "Advanced"},
		Exclude:   []string{"leverage", "align"},
		Seed:      1234,
	})
	if err != nil {
		t.Fatalf("GenerateWords: %v", err)
	}
	req := p.Calls()[0].Req
	if req.Model != DefaultAuxModel {
		t.Errorf("Model = %q, want %q", req.Model, DefaultAuxModel)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.Format != llm.FormatJSONObject {
		t.Errorf("Format = %v, want json_object", req.Format)
	}
	for _, want := range []string{
		"CONSTRAINT: Exclude: [leverage, align].",
		"User is a Advanced level Engineer. Context: Daily Business Communication.",
	} {
		if !strings.Contains(req.SystemPrompt, want) {
			t.Errorf("SystemPrompt missing %q", want)
		}
	}
	if got := req.Messages[0].Content; got != "Topic: Job Interview. Variation Seed: 1234. Generate words for modern business use." {
		t.Errorf("user message = %q", got)
	}
}

func TestGenerateWords_Errors(t *testing.T) {
	t.Parallel()

	if _, err := newTestGateway(t, nil).GenerateWords(context.Background(), WordsRequest{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}

	p := &mock.Provider{CompleteErr: &llm.StatusError{StatusCode: 503}}
	_, err := newTestGateway(t, p, WithModels("a")).GenerateWords(context.Background(), WordsRequest{})
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, llm.ErrOverloaded) {
		t.Errorf("err = %v, want ErrOverloaded in chain", err)
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  Good morning \n"}}
	g := newTestGateway(t, p)

	got, err := g.Translate(context.Background(), " Selamat pagi ")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if got != "Good morning" {
		t.Errorf("Translate() = %q, want %q", got, "Good morning")
	}
	req := p.Calls()[0].Req
	if req.SystemPrompt != translatorPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.3 || req.MaxTokens != 200 {
		t.Errorf("Temperature, MaxTokens = %v, %d, want 0.3, 200", req.Temperature, req.MaxTokens)
	}
	if req.Format != llm.FormatText {
		t.Errorf("Format = %v, want text", req.Format)
	}
	if req.Messages[0].Content != "Selamat pagi" {
		t.Errorf("message = %q", req.Messages[0].Content)
	}

	if _, err := g.Translate(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestSetAuxModels(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello"}}
	g := newTestGateway(t, p, WithModels("a", "b"))

	g.SetAuxModels("", "b")
	if _, err := g.Translate(context.Background(), "Halo"); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if models := p.Models(); !slices.Equal(models, []string{"b"}) {
		t.Errorf("models called = %v, want [b]", models)
	}
}

func TestPreferFirst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		first  string
		models []string
		want   []string
	}{
		{"b", []string{"a", "b", "c"}, []string{"b", "a", "c"}},
		{"z", []string{"a", "b"}, []string{"z", "a", "b"}},
		{"", []string{"a", "b"}, []string{"a", "b"}},
	}
	for _, tc := range tests {
		if got := preferFirst(tc.first, tc.models); !slices.Equal(got, tc.want) {
			t.Errorf("preferFirst(%q, %v) = %v, want %v", tc.first, tc.models, got, tc.want)
		}
	}
}
