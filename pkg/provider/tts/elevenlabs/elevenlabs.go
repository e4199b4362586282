// Package elevenlabs speaks through the ElevenLabs input-streaming WebSocket
// API. Audio is requested as raw PCM so it can go to the learner's browser
// without decoding.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

const (
	defaultWSBase    = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
	providerName     = "elevenlabs"
)

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID. Default: "eleven_flash_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat selects a "pcm_<rate>" output format. Default: "pcm_16000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURLs overrides the WebSocket and REST base URLs.
func WithBaseURLs(ws, api string) Option {
	return func(p *Provider) {
		p.wsBase = strings.TrimRight(ws, "/")
		p.apiBase = strings.TrimRight(api, "/")
	}
}

// WithHTTPClient replaces the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements [tts.Provider].
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	format       audio.Format
	wsBase       string
	apiBase      string
	client       *http.Client
}

// New returns a Provider for apiKey. Only PCM output formats are accepted.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: api key must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		wsBase:       defaultWSBase,
		apiBase:      defaultAPIBase,
		client:       http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	rate, ok := strings.CutPrefix(p.outputFormat, "pcm_")
	n, err := strconv.Atoi(rate)
	if !ok || err != nil || n <= 0 {
		return nil, fmt.Errorf("elevenlabs: unsupported output format %q", p.outputFormat)
	}
	p.format = audio.Format{SampleRate: n, Channels: 1}
	return p, nil
}

func (p *Provider) Format() audio.Format { return p.format }

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type inputMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XIAPIKey      string         `json:"xi_api_key,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

type outputMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// Synthesize sends text as a single generation and streams the PCM back.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, tts.ErrNoVoice
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	// The first message opens the generation; the text must end with a space
	// and the empty message closes it.
	msgs := []inputMessage{
		{Text: " ", XIAPIKey: p.apiKey, VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}},
		{Text: strings.TrimSpace(text) + " ", Flush: true},
		{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					slog.Warn("elevenlabs: stream ended", "err", err)
				}
				return
			}
			var m outputMessage
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			if m.Error != "" {
				slog.Warn("elevenlabs: synthesis failed", "error", m.Error, "message", m.Message)
				return
			}
			if m.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(m.Audio)
				if err != nil {
					continue
				}
				select {
				case out <- pcm:
				case <-ctx.Done():
					return
				}
			}
			if m.IsFinal {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}()
	return out, nil
}

type voicesResponse struct {
	Voices []struct {
		VoiceID string            `json:"voice_id"`
		Name    string            `json:"name"`
		Labels  map[string]string `json:"labels"`
	} `json:"voices"`
}

// accentLang maps the accent label ElevenLabs attaches to its voices to a
// language tag.
var accentLang = map[string]string{
	"american":   "en-US",
	"british":    "en-GB",
	"australian": "en-AU",
	"irish":      "en-IE",
	"indian":     "en-IN",
}

// Voices lists the voices of the account, sorted by name.
func (p *Provider) Voices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}
	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}

	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		lang, ok := accentLang[strings.ToLower(v.Labels["accent"])]
		if !ok {
			lang = "en"
		}
		voices = append(voices, tts.Voice{ID: v.VoiceID, Name: v.Name, Lang: lang, Provider: providerName})
	}
	sort.Slice(voices, func(i, j int) bool { return voices[i].Name < voices[j].Name })
	return voices, nil
}
