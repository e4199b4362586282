// Package whisper talks to a whisper.cpp server (the whisper-server binary)
// over its REST API.
//
// whisper.cpp transcribes whole recordings, so streaming is simulated: a
// stream buffers PCM, cuts an utterance once the audio has stayed quiet for
// the configured silence window, and posts the utterance to /inference. Each
// utterance yields exactly one final [stt.Transcript]; there are no interim
// results.
//
// Vocabulary hints are passed as the decoder prompt, which nudges whisper
// toward the drill's spelling of words it hears.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	text, err := p.Transcribe(ctx, pcm, stt.StreamConfig{Hints: words})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/stt"
)

const (
	// silenceRMS is the amplitude below which a chunk counts as quiet.
	silenceRMS = 300.0

	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilence      = 500 * time.Millisecond
	defaultMaxUtterance = 15 * time.Second
	defaultTimeout      = 30 * time.Second
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model name forwarded to the server. Empty (the
// default) uses whatever model the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how long the audio must stay quiet before a stream
// submits the utterance. Default: 500ms.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps how much audio a stream buffers before it submits
// regardless of silence. Default: 15s.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithHTTPClient replaces the HTTP client. The default has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements [stt.Provider] and [stt.Transcriber]. It is safe for
// concurrent use.
type Provider struct {
	serverURL    string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	client       *http.Client
}

// New returns a Provider for the server at serverURL, for example
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: server URL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		language:     defaultLanguage,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		client:       &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) format(cfg stt.StreamConfig) audio.Format {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

func (p *Provider) lang(cfg stt.StreamConfig) string {
	if cfg.Language != "" {
		return cfg.Language
	}
	return p.language
}

// Ping checks that the server answers HTTP. whisper-server serves a page at
// its root, so any non-5xx response means it is up.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: build ping request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("whisper: ping: server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Transcribe posts one recording and returns its text as a final transcript.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	text, err := p.infer(ctx, pcm, p.format(cfg), p.lang(cfg), cfg.Hints)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, IsFinal: true}, nil
}

func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, lang string, hints []string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "speech.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, f)); err != nil {
		return "", fmt.Errorf("whisper: write audio: %w", err)
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", lang},
		{"model", p.model},
		{"prompt", strings.Join(hints, ", ")},
	}
	for _, kv := range fields {
		if kv[1] == "" {
			continue
		}
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return "", fmt.Errorf("whisper: write %s: %w", kv[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// StartStream opens a simulated stream. No request is made until the first
// utterance is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: start stream: %w", err)
	}
	s := &stream{
		p:       p,
		format:  p.format(cfg),
		lang:    p.lang(cfg),
		hints:   append([]string(nil), cfg.Hints...),
		audio:   make(chan []byte, 256),
		results: make(chan stt.Transcript, 16),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// stream buffers audio between silences. All buffer state is owned by run.
type stream struct {
	p      *Provider
	format audio.Format
	lang   string

	mu    sync.Mutex
	hints []string

	audio   chan []byte
	results chan stt.Transcript

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	case <-s.exited:
		return stt.ErrClosed
	}
}

func (s *stream) Results() <-chan stt.Transcript { return s.results }

func (s *stream) SetHints(hints []string) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	s.mu.Lock()
	s.hints = append([]string(nil), hints...)
	s.mu.Unlock()
	return nil
}

func (s *stream) currentHints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hints
}

// Close submits any buffered speech and waits for it to be transcribed.
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.exited
	return nil
}

func (s *stream) run(ctx context.Context) {
	defer close(s.exited)
	defer close(s.results)

	var (
		buf    []byte
		speech bool
		quiet  time.Duration
	)
	flush := func(ctx context.Context) {
		pcm, had := buf, speech
		buf, speech, quiet = nil, false, 0
		if !had || len(pcm) == 0 {
			return
		}
		text, err := s.p.infer(ctx, pcm, s.format, s.lang, s.currentHints())
		if err != nil {
			slog.Warn("whisper: utterance dropped", "err", err)
			return
		}
		if text == "" {
			return
		}
		select {
		case s.results <- stt.Transcript{Text: text, IsFinal: true}:
		case <-ctx.Done():
		}
	}
	// The caller's context may already be gone during shutdown.
	final := func() {
		fctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		flush(fctx)
	}
	maxBytes := int(s.p.maxUtterance.Seconds() * float64(s.format.BytesPerSecond()))

	for {
		select {
		case <-ctx.Done():
			final()
			return
		case <-s.done:
			// Take what is already queued before the last flush.
		drain:
			for {
				select {
				case chunk := <-s.audio:
					if speech || audio.RMS(chunk) >= silenceRMS {
						speech = true
						buf = append(buf, chunk...)
					}
				default:
					break drain
				}
			}
			final()
			return
		case chunk := <-s.audio:
			d := s.format.Duration(len(chunk))
			if audio.RMS(chunk) < silenceRMS {
				if !speech {
					continue
				}
				buf = append(buf, chunk...)
				quiet += d
				if quiet >= s.p.silence {
					flush(ctx)
				}
				continue
			}
			speech = true
			quiet = 0
			buf = append(buf, chunk...)
			if maxBytes > 0 && len(buf) >= maxBytes {
				flush(ctx)
			}
		}
	}
}
