// Package mcpserver exposes the curriculum and quick translation as MCP tools
// so that assistants can browse scenarios and translate learner phrases.
//
// Three tools are registered:
//   - "list_topics"  lists the scenarios, optionally for one category.
//   - "lookup_topic" returns one scenario with its vocabulary and phrases.
//   - "translate"    translates between Indonesian and English.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/englishpro/internal/curriculum"
)

// Translator translates free text. [gateway.Gateway] implements it.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// ErrUnknownTopic is reported by lookup_topic for ids not in the catalog.
var ErrUnknownTopic = errors.New("mcpserver: unknown topic")

type listTopicsArgs struct {
	Category string `json:"category,omitempty" jsonschema:"optional category key such as interview or meetings"`
}

// TopicSummary is one entry of the list_topics result.
type TopicSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	CategoryKey string `json:"category_key"`
	Description string `json:"description"`
}

// TopicList is the list_topics result.
type TopicList struct {
	Topics []TopicSummary `json:"topics"`
}

type lookupTopicArgs struct {
	ID string `json:"id" jsonschema:"topic id as returned by list_topics"`
}

// TopicResult is the lookup_topic result.
type TopicResult struct {
	Topic curriculum.Topic `json:"topic"`
}

type translateArgs struct {
	Text string `json:"text" jsonschema:"Indonesian or English text to translate"`
}

// Translation is the translate result.
type Translation struct {
	Text string `json:"text"`
}

// New returns an MCP server with the tools registered. tr may be nil, in
// which case translate reports an error.
func New(cat *curriculum.Catalog, tr Translator, version string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: "englishpro", Version: version}, nil)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "list_topics",
		Description: "List the practice scenarios of the curriculum in order. Pass a category key to restrict the list.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in listTopicsArgs) (*mcp.CallToolResult, TopicList, error) {
		return listTopics(cat, in)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        "lookup_topic",
		Description: "Return one scenario with its role, vocabulary list and useful phrases.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in lookupTopicArgs) (*mcp.CallToolResult, TopicResult, error) {
		return lookupTopic(cat, in)
	})

	mcp.AddTool(s, &mcp.Tool{
		Name:        "translate",
		Description: "Translate a short text from Indonesian to English or from English to Indonesian.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in translateArgs) (*mcp.CallToolResult, Translation, error) {
		return translate(ctx, tr, in)
	})

	return s
}

// Handler serves s over streamable HTTP.
func Handler(s *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
}

func listTopics(cat *curriculum.Catalog, in listTopicsArgs) (*mcp.CallToolResult, TopicList, error) {
	key := strings.TrimSpace(in.Category)
	out := TopicList{Topics: []TopicSummary{}}
	for _, t := range cat.Topics() {
		if key != "" && !strings.EqualFold(t.CategoryKey, key) {
			continue
		}
		out.Topics = append(out.Topics, TopicSummary{
			ID:          t.ID,
			Name:        t.Name,
			Category:    t.Category,
			CategoryKey: t.CategoryKey,
			Description: t.Description,
		})
	}
	return textResult(out)
}

func lookupTopic(cat *curriculum.Catalog, in lookupTopicArgs) (*mcp.CallToolResult, TopicResult, error) {
	t, ok := cat.Lookup(strings.TrimSpace(in.ID))
	if !ok {
		return nil, TopicResult{}, fmt.Errorf("%w: %q", ErrUnknownTopic, in.ID)
	}
	return textResult(TopicResult{Topic: t})
}

func translate(ctx context.Context, tr Translator, in translateArgs) (*mcp.CallToolResult, Translation, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, Translation{}, errors.New("mcpserver: text must not be empty")
	}
	if tr == nil {
		return nil, Translation{}, errors.New("mcpserver: translation not available")
	}
	start := time.Now()
	out, err := tr.Translate(ctx, text)
	if err != nil {
		slog.Warn("mcpserver: translate failed", "err", err)
		return nil, Translation{}, fmt.Errorf("mcpserver: translate: %w", err)
	}
	slog.Debug("mcpserver: translated", "chars", len(text), "duration", time.Since(start))
	return textResult(Translation{Text: out})
}

// textResult carries v both as structured output and as JSON text for
// clients that only read content.
func textResult[T any](v T) (*mcp.CallToolResult, T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		var zero T
		return nil, zero, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}, v, nil
}
