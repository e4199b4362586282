package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/englishpro/pkg/types"
)

// ErrMalformed is returned when a model answered with content that is not the
// expected JSON object. It is treated like any other failed attempt and the
// next model is tried.
var ErrMalformed = errors.New("gateway: malformed model response")

// wireFeedback mirrors the model's JSON reply. Models are inconsistent about
// types ("word_number": "3", "correction": false), so every optional field is
// decoded from raw JSON.
type wireFeedback struct {
	AvatarResponse *string         `json:"avatar_response"`
	CurrentWord    json.RawMessage `json:"current_word"`
	WordNumber     json.RawMessage `json:"word_number"`
	Correction     json.RawMessage `json:"correction"`
	VocabLesson    json.RawMessage `json:"vocab_lesson"`
}

// ParseFeedback decodes a model reply into a [types.FeedbackResult].
func ParseFeedback(content string) (types.FeedbackResult, error) {
	obj, err := extractObject(content)
	if err != nil {
		return types.FeedbackResult{}, err
	}
	var w wireFeedback
	if err := json.Unmarshal(obj, &w); err != nil {
		return types.FeedbackResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.AvatarResponse == nil {
		return types.FeedbackResult{}, fmt.Errorf("%w: missing avatar_response", ErrMalformed)
	}
	return types.FeedbackResult{
		AvatarResponse: *w.AvatarResponse,
		CurrentWord:    optString(w.CurrentWord),
		WordNumber:     optInt(w.WordNumber),
		Correction:     optString(w.Correction),
		VocabLesson:    optString(w.VocabLesson),
	}, nil
}

// extractObject returns the outermost JSON object in content. Backends that
// ignore the JSON response format sometimes wrap the object in prose or a
// markdown fence.
func extractObject(content string) ([]byte, error) {
	s := strings.TrimSpace(content)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrMalformed, truncate(s, 80))
	}
	return []byte(s[start : end+1]), nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// optString decodes a nullable string. Non-string scalars keep their JSON
// text; false and empty strings read as absent.
func optString(raw json.RawMessage) *string {
	if isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return &s
	}
	t := string(bytes.TrimSpace(raw))
	if t == "false" {
		return nil
	}
	return &t
}

// optInt decodes a nullable integer that may arrive as a number or a numeric
// string.
func optInt(raw json.RawMessage) *int {
	if isNull(raw) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		n := int(math.Round(f))
		return &n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.Trim(strings.TrimSpace(s), "[]#")
		if n, err := strconv.Atoi(s); err == nil {
			return &n
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
