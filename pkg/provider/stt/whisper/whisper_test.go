package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/englishpro/pkg/provider/stt"
	"github.com/MrWong99/englishpro/pkg/provider/stt/whisper"
)

// inferenceServer answers POST /inference with text and records the form
// fields of every request.
type inferenceServer struct {
	*httptest.Server
	calls   atomic.Int32
	mu      sync.Mutex
	prompts []string
	langs   []string
}

func newInferenceServer(t *testing.T, text string, status int) *inferenceServer {
	t.Helper()
	s := &inferenceServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.WriteHeader(status)
			return
		}
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		s.calls.Add(1)
		s.mu.Lock()
		s.prompts = append(s.prompts, r.FormValue("prompt"))
		s.langs = append(s.langs, r.FormValue("language"))
		s.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "model not loaded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *inferenceServer) lastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.prompts) == 0 {
		return ""
	}
	return s.prompts[len(s.prompts)-1]
}

// tone returns samples of a 440 Hz sine at 16 kHz, far above the silence
// threshold.
func tone(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func quiet(samples int) []byte { return make([]byte, samples*2) }

func nextResult(t *testing.T, ch <-chan stt.Transcript) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-ch:
		if !ok {
			t.Fatal("Results() closed before a transcript arrived")
		}
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a transcript")
	}
	return stt.Transcript{}
}

func TestNew_EmptyServerURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("New(\"\") err = nil, want error")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "  I want to leverage our data \n", http.StatusOK)
	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("en"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := p.Transcribe(context.Background(), tone(1600), stt.StreamConfig{Hints: []string{"leverage", "align"}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.Text != "I want to leverage our data" || !got.IsFinal {
		t.Errorf("Transcribe() = %+v", got)
	}
	if p := srv.lastPrompt(); p != "leverage, align" {
		t.Errorf("prompt = %q, want %q", p, "leverage, align")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "", http.StatusServiceUnavailable)
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), tone(160), stt.StreamConfig{}); err == nil {
		t.Fatal("Transcribe() err = nil, want error")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	up := newInferenceServer(t, "", http.StatusOK)
	p, _ := whisper.New(up.URL)
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}

	down := newInferenceServer(t, "", http.StatusBadGateway)
	p, _ = whisper.New(down.URL)
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil, want error for 502")
	}
}

func TestStartStream_CancelledContext(t *testing.T) {
	t.Parallel()
	p, _ := whisper.New("http://localhost:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.StartStream(ctx, stt.StreamConfig{}); err == nil {
		t.Fatal("StartStream() err = nil, want error")
	}
}

func TestStream_SilenceAloneIsIgnored(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "unexpected", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithSilence(50*time.Millisecond))
	s, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		if err := s.SendAudio(quiet(1600)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("inference calls = %d, want 0", n)
	}
	if _, ok := <-s.Results(); ok {
		t.Error("Results() still open after Close")
	}
}

func TestStream_SpeechThenSilenceYieldsFinal(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "touch base", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithSilence(100*time.Millisecond))
	s, err := p.StartStream(context.Background(), stt.StreamConfig{Hints: []string{"Touch base"}})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_ = s.SendAudio(tone(3200))
	// 2 x 100ms of quiet crosses the window.
	_ = s.SendAudio(quiet(1600))
	_ = s.SendAudio(quiet(1600))

	got := nextResult(t, s.Results())
	if got.Text != "touch base" || !got.IsFinal {
		t.Errorf("result = %+v, want final \"touch base\"", got)
	}
	if p := srv.lastPrompt(); p != "Touch base" {
		t.Errorf("prompt = %q, want %q", p, "Touch base")
	}
}

func TestStream_SetHintsAppliesToNextUtterance(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "synergy", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithSilence(50*time.Millisecond))
	s, _ := p.StartStream(context.Background(), stt.StreamConfig{Hints: []string{"leverage"}})

	if err := s.SetHints([]string{"synergy", "bandwidth"}); err != nil {
		t.Fatalf("SetHints: %v", err)
	}
	_ = s.SendAudio(tone(1600))
	_ = s.SendAudio(quiet(1600))
	nextResult(t, s.Results())
	if p := srv.lastPrompt(); p != "synergy, bandwidth" {
		t.Errorf("prompt = %q, want updated hints", p)
	}

	_ = s.Close()
	if err := s.SetHints(nil); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SetHints after Close err = %v, want ErrClosed", err)
	}
}

func TestStream_MaxUtteranceForcesFlush(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "long answer", http.StatusOK)
	p, _ := whisper.New(srv.URL,
		whisper.WithSilence(time.Hour),
		whisper.WithMaxUtterance(200*time.Millisecond),
	)
	s, _ := p.StartStream(context.Background(), stt.StreamConfig{})
	defer s.Close()

	for range 3 {
		_ = s.SendAudio(tone(1600))
	}
	if got := nextResult(t, s.Results()); got.Text != "long answer" {
		t.Errorf("result = %+v", got)
	}
}

func TestStream_CloseFlushesPendingSpeech(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "align", http.StatusOK)
	p, _ := whisper.New(srv.URL, whisper.WithSilence(time.Hour))
	s, _ := p.StartStream(context.Background(), stt.StreamConfig{})

	_ = s.SendAudio(tone(1600))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	got := nextResult(t, s.Results())
	if got.Text != "align" {
		t.Errorf("result = %+v, want flushed \"align\"", got)
	}
	if err := s.SendAudio(tone(10)); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("SendAudio after Close err = %v, want ErrClosed", err)
	}
}

func TestStream_ServerErrorDropsUtterance(t *testing.T) {
	t.Parallel()
	srv := newInferenceServer(t, "", http.StatusInternalServerError)
	p, _ := whisper.New(srv.URL, whisper.WithSilence(50*time.Millisecond))
	s, _ := p.StartStream(context.Background(), stt.StreamConfig{})

	_ = s.SendAudio(tone(1600))
	_ = s.SendAudio(quiet(1600))
	_ = s.Close()
	for tr := range s.Results() {
		t.Errorf("unexpected result %+v", tr)
	}
	if srv.calls.Load() == 0 {
		t.Error("no inference attempted")
	}
}
