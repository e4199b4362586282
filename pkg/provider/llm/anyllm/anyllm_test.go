package anyllm

import (
	"errors"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/englishpro/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{llm.RoleSystem, anyllmlib.RoleSystem},
		{llm.RoleUser, llm.RoleUser},
		{llm.RoleAssistant, llm.RoleAssistant},
		{"model", llm.RoleUser},
	}
	for _, tt := range tests {
		got := convertMessage(llm.Message{Role: tt.in, Content: "x"})
		if got.Role != tt.want {
			t.Errorf("convertMessage(%q).Role = %q, want %q", tt.in, got.Role, tt.want)
		}
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "default"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0.3,
		MaxTokens:    200,
	})
	if params.Model != "default" {
		t.Errorf("Model = %q, want default", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("Messages = %+v, want system + user", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 200 {
		t.Errorf("MaxTokens = %v, want 200", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{
		Model:    "gemma2-9b-it",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if params.Model != "gemma2-9b-it" {
		t.Errorf("Model = %q, want gemma2-9b-it", params.Model)
	}
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero Temperature/MaxTokens should leave params unset")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want error
	}{
		{errors.New("status 429: Too Many Requests"), llm.ErrRateLimited},
		{errors.New("Rate limit reached for model"), llm.ErrRateLimited},
		{errors.New("503 Service Unavailable"), llm.ErrOverloaded},
		{errors.New("connection refused"), nil},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		if tt.want == nil {
			if llm.IsTransient(got) {
				t.Errorf("classify(%q) is transient, want plain error", tt.err)
			}
			continue
		}
		if !errors.Is(got, tt.want) {
			t.Errorf("classify(%q) = %v, want wrapping %v", tt.err, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Error("New with empty provider name: expected error")
	}
	if _, err := New("groq", ""); err == nil {
		t.Error("New with empty model: expected error")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("New with unsupported provider: expected error")
	}
}

func TestNewGroq_WithAPIKey(t *testing.T) {
	p, err := NewGroq("llama-3.1-8b-instant", anyllmlib.WithAPIKey("gsk-test"))
	if err != nil {
		t.Fatalf("NewGroq() error: %v", err)
	}
	if p.Name() != "anyllm/groq" {
		t.Errorf("Name() = %q, want anyllm/groq", p.Name())
	}
}

func TestNewOllama_NoAPIKey(t *testing.T) {
	if _, err := NewOllama("llama3"); err != nil {
		t.Fatalf("NewOllama() error: %v", err)
	}
}
