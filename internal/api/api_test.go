package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/drill"
	"github.com/MrWong99/englishpro/internal/gateway"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/internal/session"
	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/internal/transcript/phonetic"
	"github.com/MrWong99/englishpro/pkg/types"
)

// fakeConversation answers every turn with reply. With gate set each call
// blocks until gate is closed or the context ends.
type fakeConversation struct {
	mu      sync.Mutex
	reply   types.FeedbackResult
	reqs    []gateway.ConverseRequest
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeConversation) Converse(ctx context.Context, req gateway.ConverseRequest) types.FeedbackResult {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	reply, gate, started := f.reply, f.gate, f.started
	f.mu.Unlock()
	if reply.AvatarResponse == "" {
		reply.AvatarResponse = "Good answer."
	}
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return reply
}

func (f *fakeConversation) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.Message
	}
	return out
}

type fakeWords struct {
	words []string
	err   error
}

func (f *fakeWords) Generate(context.Context, curriculum.Topic, *types.UserProfile, []string, string) ([]string, error) {
	return f.words, f.err
}

type fakeTranslator struct{ err error }

func (f fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "EN: " + text, nil
}

type testEnv struct {
	srv   *httptest.Server
	api   *Server
	mgr   *session.Manager
	store *store.Memory
	conv  *fakeConversation
	words *fakeWords
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	env := &testEnv{
		store: store.NewMemory(),
		conv:  &fakeConversation{},
		words: &fakeWords{words: []string{"benchmark", "milestone"}},
	}
	cat := curriculum.Default()
	env.mgr = session.NewManager(session.ManagerConfig{
		Session: session.Config{
			Catalog:      cat,
			Conversation: env.conv,
			Words:        env.words,
			Learned:      env.store,
			Corrector:    phonetic.New(),
			Metrics:      m,
		},
		Profiles:   env.store,
		Translator: fakeTranslator{},
	})
	cfg := Config{
		Manager:  env.mgr,
		Catalog:  cat,
		Profiles: env.store,
		Metrics:  m,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	env.api = New(cfg)
	env.srv = httptest.NewServer(env.api.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

// do sends body as JSON, or verbatim when it is a string.
func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response, wantCode int) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if resp.StatusCode != wantCode {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, wantCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// createSession returns the id of a new session for userID.
func (e *testEnv) createSession(t *testing.T, userID string) string {
	t.Helper()
	snap := decodeBody[session.Snapshot](t, e.do(t, http.MethodPost, "/v1/sessions", createSessionRequest{UserID: userID}), http.StatusCreated)
	return snap.ID
}

// startExam moves session id into an exam on topic.
func (e *testEnv) startExam(t *testing.T, id, topic string) session.Snapshot {
	t.Helper()
	decodeBody[session.Snapshot](t, e.do(t, http.MethodPost, "/v1/sessions/"+id+"/simulation", nil), http.StatusOK)
	return decodeBody[session.Snapshot](t, e.do(t, http.MethodPost, "/v1/sessions/"+id+"/exam", pickTopicRequest{TopicID: topic}), http.StatusOK)
}

func TestStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		code      int
		retryable bool
	}{
		{"bad request", fmt.Errorf("%w: x", errBadRequest), http.StatusBadRequest, false},
		{"empty message", session.ErrEmptyMessage, http.StatusBadRequest, false},
		{"invalid profile", store.ErrInvalidProfile, http.StatusBadRequest, false},
		{"unknown session", session.ErrNotFound, http.StatusNotFound, false},
		{"unknown topic", session.ErrUnknownTopic, http.StatusNotFound, false},
		{"busy", session.ErrBusy, http.StatusConflict, true},
		{"transition", session.ErrInvalidTransition, http.StatusConflict, false},
		{"live taken", errLiveTaken, http.StatusConflict, false},
		{"write rejected", store.ErrWriteRejected, http.StatusForbidden, false},
		{"word generation", fmt.Errorf("x: %w", drill.ErrGeneration), http.StatusServiceUnavailable, true},
		{"all models failed", resilience.ErrAllFailed, http.StatusServiceUnavailable, true},
		{"no model", gateway.ErrNotConfigured, http.StatusServiceUnavailable, false},
		{"no store", errNoStore, http.StatusNotImplemented, false},
		{"no speech", errNoSpeech, http.StatusNotImplemented, false},
		{"canceled", context.Canceled, 499, false},
		{"other", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, retryable := status(tt.err)
			if code != tt.code || retryable != tt.retryable {
				t.Errorf("status(%v) = %d, %v, want %d, %v", tt.err, code, retryable, tt.code, tt.retryable)
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := env.do(t, http.MethodGet, path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMCPMount(t *testing.T) {
	t.Parallel()
	var hits int
	var mu sync.Mutex
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	env := newTestEnv(t, func(c *Config) {
		c.MCP = mcp
		c.MCPPath = "/mcp"
	})
	resp := env.do(t, http.MethodPost, "/mcp", "{}")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("POST /mcp status = %d, want 202", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("mcp handler hits = %d, want 1", hits)
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	body := decodeBody[errorBody](t, env.do(t, http.MethodPost, "/v1/sessions", `{"user":"u1"}`), http.StatusBadRequest)
	if body.Error == "" || body.Retryable {
		t.Errorf("error body = %+v", body)
	}
	if n := env.mgr.Len(); n != 0 {
		t.Errorf("sessions after rejected create = %d, want 0", n)
	}
}
