package speech

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
	ttsmock "github.com/MrWong99/englishpro/pkg/provider/tts/mock"
)

// fakeRecognizer counts Start and Stop calls. Its event channel is
// unbuffered so emit returns only once the coordinator picked the event up.
type fakeRecognizer struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	events   chan EngineEvent
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{events: make(chan EngineEvent)}
}

func (f *fakeRecognizer) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeRecognizer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRecognizer) Events() <-chan EngineEvent { return f.events }

func (f *fakeRecognizer) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeSink struct {
	mu     sync.Mutex
	chunks []string
	format audio.Format
}

func (s *fakeSink) PlayAudio(_ context.Context, pcm []byte, f audio.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, string(pcm))
	s.format = f
	return nil
}

type constLevels []uint8

func (c constLevels) Levels() []uint8 { return c }

func runCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// settle waits until the loop has finished handling everything received so
// far.
func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.do(func() {}); err != nil {
		t.Fatalf("coordinator closed: %v", err)
	}
}

func (f *fakeRecognizer) emit(t *testing.T, c *Coordinator, ev EngineEvent) {
	t.Helper()
	select {
	case f.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("event %v not consumed", ev.Type)
	}
	settle(t, c)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCoordinator_EngineEndRestartsOnceWhileListening(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	c := runCoordinator(t, Config{Recognizer: rec})

	if err := c.StartListening(); err != nil {
		t.Fatalf("StartListening: %v", err)
	}
	rec.emit(t, c, EngineEvent{Type: EngineStart})
	rec.emit(t, c, EngineEvent{Type: EngineEnd})
	if starts, _ := rec.counts(); starts != 2 {
		t.Fatalf("starts after engine end = %d, want 2", starts)
	}
	if !c.State().Listening {
		t.Error("Listening = false after automatic restart, want true")
	}

	if err := c.StopListening(); err != nil {
		t.Fatalf("StopListening: %v", err)
	}
	// The end owed by the stopped segment, then a stray one.
	rec.emit(t, c, EngineEvent{Type: EngineEnd})
	rec.emit(t, c, EngineEvent{Type: EngineEnd})
	starts, stops := rec.counts()
	if starts != 2 || stops != 1 {
		t.Errorf("starts, stops = %d, %d, want 2, 1", starts, stops)
	}
	if c.State().Listening {
		t.Error("Listening = true after StopListening")
	}
}

func TestCoordinator_StopThenStartIgnoresStaleEnd(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	c := runCoordinator(t, Config{Recognizer: rec})

	_ = c.StartListening()
	_ = c.StopListening()
	_ = c.StartListening()
	// End of the first segment arrives after the second started.
	rec.emit(t, c, EngineEvent{Type: EngineEnd})
	if starts, _ := rec.counts(); starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
}

func TestCoordinator_ResultReplacesTranscript(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	c := runCoordinator(t, Config{Recognizer: rec})

	_ = c.StartListening()
	rec.emit(t, c, EngineEvent{Type: EngineStart})
	rec.emit(t, c, EngineEvent{Type: EngineResult, Text: "I want"})
	rec.emit(t, c, EngineEvent{Type: EngineResult, Text: "I want to leverage"})
	if got := c.State().Transcript; got != "I want to leverage" {
		t.Errorf("Transcript = %q, want %q", got, "I want to leverage")
	}

	_ = c.StopListening()
	_ = c.StartListening()
	if got := c.State().Transcript; got != "" {
		t.Errorf("Transcript after restart = %q, want empty", got)
	}
}

func TestCoordinator_EngineErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code          ErrorCode
		wantErr       error
		wantListening bool
		wantStarts    int
	}{
		{CodeNotAllowed, ErrPermissionDenied, false, 1},
		{CodeNetwork, ErrNetwork, true, 1},
		{CodeNoSpeech, nil, true, 2},
		{CodeAborted, nil, true, 2},
		{"audio-capture", ErrRecognition, true, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			rec := newFakeRecognizer()
			c := runCoordinator(t, Config{Recognizer: rec})

			_ = c.StartListening()
			rec.emit(t, c, EngineEvent{Type: EngineStart})
			rec.emit(t, c, EngineEvent{Type: EngineError, Code: tt.code})
			st := c.State()
			if tt.wantErr == nil && st.Err != nil {
				t.Errorf("Err = %v, want nil", st.Err)
			}
			if tt.wantErr != nil && !errors.Is(st.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", st.Err, tt.wantErr)
			}
			if st.Listening != tt.wantListening {
				t.Errorf("Listening = %v, want %v", st.Listening, tt.wantListening)
			}

			rec.emit(t, c, EngineEvent{Type: EngineEnd})
			if starts, _ := rec.counts(); starts != tt.wantStarts {
				t.Errorf("starts after end = %d, want %d", starts, tt.wantStarts)
			}
		})
	}
}

func TestCoordinator_StartFailure(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	rec.startErr = errors.New("device busy")
	c := runCoordinator(t, Config{Recognizer: rec})

	if err := c.StartListening(); !errors.Is(err, ErrRecognition) {
		t.Errorf("StartListening() err = %v, want ErrRecognition", err)
	}
	if st := c.State(); st.Err == nil || st.Error == "" {
		t.Errorf("State() = %+v, want surfaced error", st)
	}
}

func TestCoordinator_SpeakOnlyLatestCallbackFires(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{
		Hold:   true,
		Chunks: [][]byte{[]byte("pcm")},
		VoiceList: []tts.Voice{
			{ID: "gb", Name: "Daniel", Lang: "en-GB"},
			{ID: "us", Name: "Samantha", Lang: "en-US"},
		},
	}
	sink := &fakeSink{}
	c := runCoordinator(t, Config{
		Recognizer:  newFakeRecognizer(),
		Synthesizer: NewTTSSynthesizer(p, sink, nil),
	})

	var aCalled atomic.Bool
	bDone := make(chan struct{})
	c.Speak("A", func() { aCalled.Store(true) })
	c.Speak("B", func() { close(bDone) })
	waitFor(t, "both utterances", func() bool { return p.CallCount() == 2 })
	p.Finish()

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("B's completion callback did not fire")
	}
	settle(t, c)
	time.Sleep(20 * time.Millisecond)
	if aCalled.Load() {
		t.Error("A's completion callback fired")
	}
	if c.State().Speaking {
		t.Error("Speaking = true after B finished")
	}
	last, _ := p.LastCall()
	if last.Voice.ID != "us" {
		t.Errorf("voice = %q, want %q", last.Voice.ID, "us")
	}
}

func TestCoordinator_SpeakStopsListening(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	p := &ttsmock.Provider{Chunks: [][]byte{[]byte("pcm")}}
	c := runCoordinator(t, Config{
		Recognizer:  rec,
		Synthesizer: NewTTSSynthesizer(p, &fakeSink{}, nil),
	})

	_ = c.StartListening()
	rec.emit(t, c, EngineEvent{Type: EngineStart})
	c.Speak("Let's begin.", nil)
	if _, stops := rec.counts(); stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
	if c.State().Listening {
		t.Error("Listening = true while speaking")
	}
	// The stopped segment's end must not resume listening.
	rec.emit(t, c, EngineEvent{Type: EngineEnd})
	if starts, _ := rec.counts(); starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestCoordinator_StartListeningCancelsSpeech(t *testing.T) {
	t.Parallel()
	p := &ttsmock.Provider{Hold: true}
	c := runCoordinator(t, Config{
		Recognizer:  newFakeRecognizer(),
		Synthesizer: NewTTSSynthesizer(p, &fakeSink{}, nil),
	})

	var called atomic.Bool
	c.Speak("A long answer.", func() { called.Store(true) })
	waitFor(t, "synthesis", func() bool { return p.CallCount() == 1 })
	if !c.State().Speaking {
		t.Fatal("Speaking = false during utterance")
	}
	if err := c.StartListening(); err != nil {
		t.Fatal(err)
	}
	if c.State().Speaking {
		t.Error("Speaking = true after StartListening")
	}
	p.Finish()
	time.Sleep(20 * time.Millisecond)
	settle(t, c)
	if called.Load() {
		t.Error("completion callback of cancelled utterance fired")
	}
}

func TestCoordinator_MeterStopsWithListening(t *testing.T) {
	t.Parallel()
	rec := newFakeRecognizer()
	c := runCoordinator(t, Config{
		Recognizer:    rec,
		Levels:        constLevels{64, 64, 64},
		FrameInterval: time.Millisecond,
	})

	_ = c.StartListening()
	waitFor(t, "level", func() bool { return c.Level() == 50 })
	_ = c.StopListening()
	if got := c.Level(); got != 0 {
		t.Errorf("Level() after stop = %d, want 0", got)
	}
	time.Sleep(10 * time.Millisecond)
	if got := c.Level(); got != 0 {
		t.Errorf("Level() later = %d, want 0", got)
	}
}

func TestCoordinator_OnChange(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		states []State
	)
	rec := newFakeRecognizer()
	c := runCoordinator(t, Config{
		Recognizer: rec,
		OnChange: func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		},
	})

	_ = c.StartListening()
	rec.emit(t, c, EngineEvent{Type: EngineStart})
	rec.emit(t, c, EngineEvent{Type: EngineResult, Text: "hello"})
	rec.emit(t, c, EngineEvent{Type: EngineResult, Text: "hello"})

	mu.Lock()
	defer mu.Unlock()
	var transcripts []string
	for _, s := range states {
		transcripts = append(transcripts, s.Transcript)
	}
	if n := len(slices.DeleteFunc(transcripts, func(s string) bool { return s != "hello" })); n != 1 {
		t.Errorf("states with transcript %q = %d, want 1", "hello", n)
	}
	if !states[len(states)-1].Listening {
		t.Error("last state not listening")
	}
}

func TestCoordinator_ClosedAfterRun(t *testing.T) {
	t.Parallel()
	c := New(Config{Recognizer: newFakeRecognizer()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if err := c.StartListening(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartListening() after Run = %v, want ErrClosed", err)
	}
}

func TestVolume(t *testing.T) {
	t.Parallel()
	tests := []struct {
		bins []uint8
		want int
	}{
		{nil, 0},
		{[]uint8{0, 0}, 0},
		{[]uint8{64, 64}, 50},
		{[]uint8{100}, 78},
		{[]uint8{127}, 100},
		{[]uint8{255, 255}, 100},
	}
	for _, tt := range tests {
		if got := Volume(tt.bins); got != tt.want {
			t.Errorf("Volume(%v) = %d, want %d", tt.bins, got, tt.want)
		}
	}
}

func TestPickVoice(t *testing.T) {
	t.Parallel()
	google := tts.Voice{Name: "Google US English", Lang: "en-US"}
	alex := tts.Voice{Name: "Alex", Lang: "en-US"}
	daniel := tts.Voice{Name: "Daniel", Lang: "en-GB"}
	anna := tts.Voice{Name: "Anna", Lang: "de-DE"}
	tests := []struct {
		name   string
		voices []tts.Voice
		want   tts.Voice
		wantOK bool
	}{
		{"none", nil, tts.Voice{}, false},
		{"preferred name", []tts.Voice{alex, google}, google, true},
		{"us english", []tts.Voice{daniel, alex}, alex, true},
		{"any english", []tts.Voice{anna, daniel}, daniel, true},
		{"first", []tts.Voice{anna}, anna, true},
	}
	for _, tt := range tests {
		got, ok := PickVoice(tt.voices, DefaultPreferredVoice)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s: PickVoice() = %+v, %v, want %+v, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}
