// Package coqui speaks through a self-hosted Coqui TTS server.
//
// Two server flavours are supported:
//
//   - [ModeStandard] (default): the stock Coqui TTS server image. Speech
//     comes from GET /api/tts, voices from GET /details.
//   - [ModeXTTS]: the XTTS v2 API server. Speech comes from
//     POST /tts_to_audio/, voices from GET /studio_speakers.
//
// Both return one WAV file per request. A reply is split into sentences and
// up to [lookahead] sentences are synthesised concurrently, so the first
// sentence plays while later ones are still rendering. Output is converted to
// the configured format (16 kHz mono by default).
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
	providerName    = "coqui"

	// lookahead bounds the sentences in flight for one utterance.
	lookahead = 3

	// chunkSize is the PCM chunk size emitted on the audio channel.
	chunkSize = 4096
)

var _ tts.Provider = (*Provider)(nil)

// Mode selects the server API.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeXTTS     Mode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language sent to the server. Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMode selects the server API. Default: ModeStandard.
func WithMode(m Mode) Option {
	return func(p *Provider) { p.mode = m }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithFormat sets the PCM format audio is converted to. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(p *Provider) { p.format = f }
}

// Provider implements [tts.Provider].
type Provider struct {
	serverURL string
	language  string
	mode      Mode
	format    audio.Format
	client    *http.Client
}

// New returns a Provider for the server at serverURL.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		mode:      ModeStandard,
		format:    audio.Speech,
		client:    &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case ModeStandard, ModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown mode %q", p.mode)
	}
	if !p.format.Valid() {
		return nil, fmt.Errorf("coqui: invalid output format %s", p.format)
	}
	return p, nil
}

func (p *Provider) Format() audio.Format { return p.format }

type result struct {
	pcm []byte
	err error
}

// Synthesize renders text sentence by sentence. A failed sentence ends the
// utterance early.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" && p.mode == ModeXTTS {
		return nil, tts.ErrNoVoice
	}
	sentences := splitSentences(text)
	out := make(chan []byte, 64)
	if len(sentences) == 0 {
		close(out)
		return out, nil
	}

	pending := make(chan chan result, lookahead)
	go func() {
		defer close(pending)
		for _, s := range sentences {
			ch := make(chan result, 1)
			select {
			case pending <- ch:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.sentence(ctx, s, voice)
				ch <- result{pcm: pcm, err: err}
			}()
		}
	}()

	go func() {
		defer close(out)
		for ch := range pending {
			var r result
			select {
			case r = <-ch:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					slog.Warn("coqui: sentence failed", "err", r.err)
				}
				return
			}
			for pcm := r.pcm; len(pcm) > 0; {
				n := min(chunkSize, len(pcm))
				select {
				case out <- pcm[:n]:
				case <-ctx.Done():
					return
				}
				pcm = pcm[n:]
			}
		}
	}()
	return out, nil
}

func (p *Provider) sentence(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.mode == ModeXTTS {
		body, _ := json.Marshal(map[string]string{
			"text":        text,
			"speaker_wav": voice.ID,
			"language":    p.language,
		})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/tts_to_audio/", bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{}
		q.Set("text", text)
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+"/api/tts?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: synthesize: unexpected status %d", resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read audio: %w", err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w", err)
	}
	return audio.Convert(pcm, f, p.format)
}

// Voices lists the server's speakers sorted by name. A single-speaker model
// is reported as one voice named after the model.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	path := "/details"
	if p.mode == ModeXTTS {
		path = "/studio_speakers"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: list voices: unexpected status %d", resp.StatusCode)
	}

	var names []string
	lang := p.language
	if p.mode == ModeXTTS {
		var speakers map[string]json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&speakers); err != nil {
			return nil, fmt.Errorf("coqui: decode speakers: %w", err)
		}
		for name := range speakers {
			names = append(names, name)
		}
	} else {
		var d struct {
			ModelName string   `json:"model_name"`
			Language  string   `json:"language"`
			Speakers  []string `json:"speakers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return nil, fmt.Errorf("coqui: decode details: %w", err)
		}
		if d.Language != "" {
			lang = d.Language
		}
		names = d.Speakers
		if len(names) == 0 {
			return []tts.Voice{{Name: cmp.Or(d.ModelName, "default"), Lang: lang, Provider: providerName}}, nil
		}
	}
	sort.Strings(names)
	voices := make([]tts.Voice, 0, len(names))
	for _, n := range names {
		voices = append(voices, tts.Voice{ID: n, Name: n, Lang: lang, Provider: providerName})
	}
	return voices, nil
}

// splitSentences cuts text after '.', '!' or '?' when followed by space or
// the end of text, so "Dr.Smith" or "3.5" stay whole.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 < len(text) && !unicode.IsSpace(rune(text[i+1])) {
				continue
			}
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
