package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/englishpro/internal/transcribe"
	"github.com/MrWong99/englishpro/pkg/audio"
)

type fakeModel struct {
	mu   sync.Mutex
	text string
	pcm  [][]byte
}

func (m *fakeModel) Load(_ context.Context, progress func(float64)) error {
	progress(50)
	progress(100)
	return nil
}

func (m *fakeModel) Generate(_ context.Context, pcm []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pcm = append(m.pcm, pcm)
	return " " + m.text + " ", nil
}

func (m *fakeModel) lastLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pcm) == 0 {
		return 0
	}
	return len(m.pcm[len(m.pcm)-1])
}

func readMessages(t *testing.T, resp *http.Response) []transcribe.Message {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}
	var out []transcribe.Message
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var m transcribe.Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func statuses(msgs []transcribe.Message) []transcribe.Status {
	out := make([]transcribe.Status, len(msgs))
	for i, m := range msgs {
		out[i] = m.Status
	}
	return out
}

func TestTranscribe_LoadAndGenerate(t *testing.T) {
	t.Parallel()
	model := &fakeModel{text: "we should leverage our network"}
	env := newTestEnv(t, func(c *Config) { c.Transcriber = transcribe.New(model, nil) })

	msgs := readMessages(t, env.do(t, http.MethodPost, "/v1/transcribe", transcribe.Request{Type: transcribe.TypeLoad}))
	want := []transcribe.Status{transcribe.StatusProgress, transcribe.StatusProgress, transcribe.StatusReady}
	if got := statuses(msgs); !slices.Equal(got, want) {
		t.Fatalf("load statuses = %v, want %v", got, want)
	}
	if msgs[1].Progress != 100 {
		t.Errorf("last progress = %v, want 100", msgs[1].Progress)
	}

	msgs = readMessages(t, env.do(t, http.MethodPost, "/v1/transcribe", transcribe.Request{Type: transcribe.TypeGenerate, Audio: make([]byte, 3200)}))
	if len(msgs) != 1 || msgs[0].Status != transcribe.StatusComplete || msgs[0].Output == nil {
		t.Fatalf("generate replies = %+v", msgs)
	}
	if got := msgs[0].Output.Text; got != "we should leverage our network" {
		t.Errorf("Output.Text = %q", got)
	}
}

func TestTranscribe_WAV(t *testing.T) {
	t.Parallel()
	model := &fakeModel{text: "hello"}
	env := newTestEnv(t, func(c *Config) { c.Transcriber = transcribe.New(model, nil) })

	// 100 ms of stereo 32 kHz audio becomes 100 ms of 16 kHz mono.
	src := audio.Format{SampleRate: 32000, Channels: 2}
	wav := audio.EncodeWAV(make([]byte, 32000*2*2/10), src)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/transcribe", bytes.NewReader(wav))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}

	msgs := readMessages(t, resp)
	if len(msgs) != 1 || msgs[0].Status != transcribe.StatusComplete {
		t.Fatalf("replies = %+v", msgs)
	}
	if got, want := model.lastLen(), 16000*2/10; got != want {
		t.Errorf("model got %d bytes, want %d", got, want)
	}
}

func TestTranscribe_Errors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Transcriber = transcribe.New(&fakeModel{}, nil) })

	msgs := readMessages(t, env.do(t, http.MethodPost, "/v1/transcribe", transcribe.Request{Type: "unload"}))
	if len(msgs) != 1 || msgs[0].Status != transcribe.StatusError || msgs[0].Data == "" {
		t.Errorf("unknown type replies = %+v", msgs)
	}
	decodeBody[errorBody](t, env.do(t, http.MethodPost, "/v1/transcribe", `not json`), http.StatusBadRequest)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/v1/transcribe", bytes.NewReader([]byte("RIFF")))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	decodeBody[errorBody](t, resp, http.StatusBadRequest)
}

func TestTranscribe_NotConfigured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	decodeBody[errorBody](t, env.do(t, http.MethodPost, "/v1/transcribe", transcribe.Request{Type: transcribe.TypeLoad}), http.StatusNotImplemented)
}
