package mcpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/mcpserver"
)

type fakeTranslator struct {
	out string
	err error
	got []string
}

func (f *fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	f.got = append(f.got, text)
	return f.out, f.err
}

func connect(t *testing.T, tr mcpserver.Translator) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := mcpserver.New(curriculum.Default(), tr, "test")

	ct, st := mcp.NewInMemoryTransports()
	ss, err := srv.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error = %v", name, err)
	}
	return res
}

func text(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

func TestTools_Listed(t *testing.T) {
	t.Parallel()
	cs := connect(t, nil)

	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools() error = %v", err)
		}
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{"list_topics", "lookup_topic", "translate"}
	if !slices.Equal(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestListTopics(t *testing.T) {
	t.Parallel()
	cs := connect(t, nil)

	res := call(t, cs, "list_topics", map[string]any{})
	if res.IsError {
		t.Fatalf("list_topics IsError, content %q", text(res))
	}
	var all mcpserver.TopicList
	if err := json.Unmarshal([]byte(text(res)), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all.Topics) != curriculum.Default().Len() {
		t.Errorf("len(topics) = %d, want %d", len(all.Topics), curriculum.Default().Len())
	}
	if all.Topics[0].ID != "behavioral_interview" {
		t.Errorf("first topic = %q, want behavioral_interview", all.Topics[0].ID)
	}

	res = call(t, cs, "list_topics", map[string]any{"category": "networking"})
	var some mcpserver.TopicList
	if err := json.Unmarshal([]byte(text(res)), &some); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(some.Topics) != 2 {
		t.Fatalf("len(networking topics) = %d, want 2", len(some.Topics))
	}
	for _, tp := range some.Topics {
		if tp.CategoryKey != "networking" {
			t.Errorf("topic %q category = %q, want networking", tp.ID, tp.CategoryKey)
		}
	}
}

func TestLookupTopic(t *testing.T) {
	t.Parallel()
	cs := connect(t, nil)

	res := call(t, cs, "lookup_topic", map[string]any{"id": "salary_negotiation"})
	if res.IsError {
		t.Fatalf("lookup_topic IsError, content %q", text(res))
	}
	var got mcpserver.TopicResult
	if err := json.Unmarshal([]byte(text(res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := curriculum.Default().Lookup("salary_negotiation")
	if got.Topic.Name != want.Name || !slices.Equal(got.Topic.Vocabulary, want.Vocabulary) {
		t.Errorf("topic = %+v, want %+v", got.Topic, want)
	}

	res = call(t, cs, "lookup_topic", map[string]any{"id": "nope"})
	if !res.IsError {
		t.Error("lookup_topic(nope) IsError = false, want true")
	}
	if !strings.Contains(text(res), "unknown topic") {
		t.Errorf("content = %q, want unknown topic", text(res))
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	tr := &fakeTranslator{out: "Good morning"}
	cs := connect(t, tr)

	res := call(t, cs, "translate", map[string]any{"text": "  Selamat pagi "})
	if res.IsError {
		t.Fatalf("translate IsError, content %q", text(res))
	}
	var got mcpserver.Translation
	if err := json.Unmarshal([]byte(text(res)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "Good morning" {
		t.Errorf("translation = %q, want %q", got.Text, "Good morning")
	}
	if !slices.Equal(tr.got, []string{"Selamat pagi"}) {
		t.Errorf("translator got %v, want trimmed input", tr.got)
	}
}

func TestTranslate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tr   mcpserver.Translator
		text string
	}{
		{"blank", &fakeTranslator{out: "x"}, "   "},
		{"no translator", nil, "halo"},
		{"backend failure", &fakeTranslator{err: errors.New("all models busy")}, "halo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cs := connect(t, tt.tr)
			if res := call(t, cs, "translate", map[string]any{"text": tt.text}); !res.IsError {
				t.Errorf("translate IsError = false, want true (content %q)", text(res))
			}
		})
	}
}
