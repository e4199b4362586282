// Package deepgram streams learner speech to Deepgram's live transcription
// WebSocket API.
//
// Drill vocabulary is sent with the connection: Nova-3 models take it as
// keyterm prompts, older models as boosted keywords. Deepgram fixes both at
// connect time, so [stt.Stream.SetHints] returns [stt.ErrNotSupported] and
// callers reconnect to change them.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/englishpro/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	defaultHintBoost  = 2.0

	// closeTimeout bounds how long Close waits for the final results.
	closeTimeout = 5 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model. Default: "nova-3".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language. Default: "en-US".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHintBoost sets the keyword intensifier used for models without keyterm
// support. Default: 2.
func WithHintBoost(boost float64) Option {
	return func(p *Provider) { p.boost = boost }
}

// WithEndpoint overrides the WebSocket URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements [stt.Provider].
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	boost    float64
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
		boost:    defaultHintBoost,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a stream ready for audio.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	u, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build url: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &stream{
		conn:    conn,
		cancel:  cancel,
		audio:   make(chan []byte, 256),
		results: make(chan stt.Transcript, 64),
		done:    make(chan struct{}),
		wrote:   make(chan struct{}),
		read:    make(chan struct{}),
	}
	go s.writeLoop(ctx)
	go s.readLoop(ctx)
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")

	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, h := range cfg.Hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if keyterms {
			q.Add("keyterm", h)
		} else {
			q.Add("keywords", h+":"+strconv.FormatFloat(p.boost, 'g', -1, 64))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the subset of a Deepgram "Results" message that is used.
type response struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResponse returns false for messages that carry no transcript.
func parseResponse(data []byte) (stt.Transcript, bool) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return stt.Transcript{}, false
	}
	if r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := r.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{Text: alt.Transcript, IsFinal: r.IsFinal, Confidence: alt.Confidence}, true
}

type stream struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	audio   chan []byte
	results chan stt.Transcript

	done      chan struct{}
	wrote     chan struct{}
	read      chan struct{}
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
	case <-s.wrote:
		return stt.ErrClosed
	}
}

func (s *stream) Results() <-chan stt.Transcript { return s.results }

func (s *stream) SetHints([]string) error {
	return fmt.Errorf("deepgram: update hints: %w", stt.ErrNotSupported)
}

// Close sends queued audio, asks Deepgram to finalise, and waits for the
// remaining results.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.wrote
		select {
		case <-s.read:
		case <-time.After(closeTimeout):
		}
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		<-s.read
	})
	return nil
}

func (s *stream) writeLoop(ctx context.Context) {
	defer close(s.wrote)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Warn("deepgram: write failed", "err", err)
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					// Deepgram answers with the last results, then closes.
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer close(s.read)
	defer close(s.results)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		t, ok := parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- t:
		case <-ctx.Done():
			return
		}
	}
}
