// Package api is the HTTP and WebSocket surface of englishpro.
//
// All JSON endpoints live under /v1. Errors are reported as
//
//	{"error": "...", "retryable": true}
//
// with a status code derived from the sentinel errors of the domain
// packages. The live channel at /v1/sessions/{id}/live carries session
// events and speech audio.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/drill"
	"github.com/MrWong99/englishpro/internal/gateway"
	"github.com/MrWong99/englishpro/internal/health"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/internal/session"
	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/internal/transcribe"
	"github.com/MrWong99/englishpro/pkg/provider/stt"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
	"github.com/MrWong99/englishpro/pkg/provider/vad"
	"github.com/MrWong99/englishpro/pkg/types"
)

// maxBodyBytes bounds JSON request bodies. Transcription uploads use
// maxAudioBytes instead.
const (
	maxBodyBytes  = 64 << 10
	maxAudioBytes = 16 << 20
)

// Profiles is the part of the store the API reads and writes.
type Profiles interface {
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)
	SaveProfile(ctx context.Context, userID string, p types.UserProfile) (*types.UserProfile, error)
	GetLearnedWords(ctx context.Context, userID string) ([]string, error)
}

// SpeechConfig enables the speech side of the live channel. Without STT and
// VAD the live channel carries text and events only.
type SpeechConfig struct {
	STT stt.Provider
	VAD vad.Engine

	// TTS may be nil; replies are then not voiced.
	TTS tts.Provider

	Language        string
	NoSpeechTimeout time.Duration
	PreferredVoice  string
	FrameInterval   time.Duration
}

// Config holds the dependencies of a [Server]. Manager and Catalog are
// required.
type Config struct {
	Manager  *session.Manager
	Catalog  *curriculum.Catalog
	Profiles Profiles

	Health  *health.Handler
	Metrics *observe.Metrics

	// Transcriber serves /v1/transcribe when set.
	Transcriber *transcribe.Worker

	Speech SpeechConfig

	// MCP is mounted at MCPPath when set.
	MCP     http.Handler
	MCPPath string

	// MetricsHandler serves /metrics. Nil uses the Prometheus default
	// registry.
	MetricsHandler http.Handler

	// AllowedOrigins are host patterns accepted for the live WebSocket in
	// addition to same-origin requests.
	AllowedOrigins []string
}

// Server routes requests to the session manager and its collaborators.
type Server struct {
	cfg Config

	mu             sync.Mutex
	preferredVoice string
	live           map[string]struct{}
}

// New returns a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	return &Server{
		cfg:            cfg,
		preferredVoice: cfg.Speech.PreferredVoice,
		live:           make(map[string]struct{}),
	}
}

// SetPreferredVoice changes the voice preference of live connections opened
// afterwards.
func (s *Server) SetPreferredVoice(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferredVoice = v
}

func (s *Server) voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferredVoice
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.cfg.Metrics))

	s.cfg.Health.Register(r)
	r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	if s.cfg.MCP != nil && s.cfg.MCPPath != "" {
		r.Mount(s.cfg.MCPPath, s.cfg.MCP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/curriculum", s.getCurriculum)
		r.Get("/curriculum/topics/{id}", s.getTopic)

		r.Post("/translate", s.translate)
		r.Post("/transcribe", s.transcribe)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Post("/practice", s.startPractice)
				r.Post("/simulation", s.startSimulation)
				r.Post("/exam", s.pickTopic)
				r.Post("/messages", s.sendMessage)
				r.Post("/words", s.newWords)
				r.Post("/home", s.goHome)
				r.Get("/live", s.live)
			})
		})

		r.Route("/profiles/{user_id}", func(r chi.Router) {
			r.Get("/", s.getProfile)
			r.Put("/", s.putProfile)
			r.Get("/words", s.getLearnedWords)
		})
	})
	return r
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

var (
	errBadRequest = errors.New("api: bad request")
	errNotFound   = errors.New("api: not found")
	errNoStore    = errors.New("api: persistence not configured")
)

// status maps err onto an HTTP status and reports whether retrying the same
// request may succeed.
func status(err error) (int, bool) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, errUnknownCommand),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, gateway.ErrEmptyText),
		errors.Is(err, store.ErrInvalidProfile),
		errors.Is(err, store.ErrMissingUser):
		return http.StatusBadRequest, false
	case errors.Is(err, errNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrUnknownTopic):
		return http.StatusNotFound, false
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, true
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrInterrupted),
		errors.Is(err, errLiveTaken):
		return http.StatusConflict, false
	case errors.Is(err, store.ErrWriteRejected):
		return http.StatusForbidden, false
	case drill.IsRetryable(err),
		errors.Is(err, resilience.ErrAllFailed):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, gateway.ErrNotConfigured):
		return http.StatusServiceUnavailable, false
	case errors.Is(err, errNoStore), errors.Is(err, errNoTranscriber), errors.Is(err, errNoSpeech):
		return http.StatusNotImplemented, false
	case errors.Is(err, context.Canceled):
		return 499, false
	default:
		return http.StatusInternalServerError, false
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, retryable := status(err)
	if code >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("api: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"err", err,
		)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Retryable: retryable})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
