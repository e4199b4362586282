package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

// State is a snapshot of the coordinator.
type State struct {
	Listening  bool   `json:"listening"`
	Speaking   bool   `json:"speaking"`
	Transcript string `json:"transcript"`
	Level      int    `json:"level"`

	// Error is the text of Err for the wire.
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// Config holds the collaborators of a [Coordinator]. Recognizer is required.
type Config struct {
	Recognizer  Recognizer
	Synthesizer Synthesizer
	Levels      LevelSource

	// PreferredVoice is matched against voice names first. Empty uses
	// DefaultPreferredVoice.
	PreferredVoice string

	// FrameInterval is the metering cadence. Zero uses DefaultFrameInterval.
	FrameInterval time.Duration

	// OnChange is called from the coordinator loop after each state change.
	// It must not block or call back into the coordinator.
	OnChange func(State)

	Metrics *observe.Metrics
}

type spoken struct {
	id  uint64
	err error
}

// Coordinator is the speech state machine of one live connection. Create it
// with [New] and drive it with [Coordinator.Run].
type Coordinator struct {
	rec       Recognizer
	syn       Synthesizer
	levels    LevelSource
	preferred string
	onChange  func(State)
	metrics   *observe.Metrics

	cmds   chan func()
	spoken chan spoken
	done   chan struct{}

	// Loop-owned state.
	ctx        context.Context
	intent     bool
	running    bool
	listening  bool
	speaking   bool
	transcript string
	err        error
	// pendingEnds counts EngineEnd events still owed by segments stopped
	// through StopListening. They must not trigger a restart.
	pendingEnds int
	utterance   uint64
	cancelSpeak context.CancelFunc
	onEnd       func()
	voice       tts.Voice
	meter       meter

	mu   sync.Mutex
	last State
}

// New returns a Coordinator. It does nothing until Run is called.
func New(cfg Config) *Coordinator {
	interval := cfg.FrameInterval
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	preferred := cfg.PreferredVoice
	if preferred == "" {
		preferred = DefaultPreferredVoice
	}
	c := &Coordinator{
		rec:       cfg.Recognizer,
		syn:       cfg.Synthesizer,
		levels:    cfg.Levels,
		preferred: preferred,
		onChange:  cfg.OnChange,
		metrics:   cfg.Metrics,
		cmds:      make(chan func()),
		spoken:    make(chan spoken),
		done:      make(chan struct{}),
	}
	c.meter.interval = interval
	return c
}

// Run loads the voice list and processes commands and engine events until
// ctx is cancelled. Listening and speaking are stopped on return.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)
	c.ctx = ctx
	if c.syn != nil {
		voices, err := c.syn.Voices(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("speech: list voices", "err", err)
		}
		if v, ok := PickVoice(voices, c.preferred); ok {
			c.voice = v
			slog.Debug("speech: voice selected", "voice", v.Name, "lang", v.Lang)
		}
	}
	defer c.shutdown()

	events := c.rec.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handle(ev)
		case s := <-c.spoken:
			c.finishUtterance(s)
		}
	}
}

func (c *Coordinator) shutdown() {
	c.cancelSpeech()
	c.intent = false
	if c.running {
		c.running = false
		if err := c.rec.Stop(); err != nil {
			slog.Warn("speech: stop recognizer", "err", err)
		}
	}
	c.meter.stop()
	c.listening = false
	c.changed()
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrClosed
	}
	<-ran
	return nil
}

// StartListening cancels any utterance, clears the transcript and error, and
// starts recognition and metering.
func (c *Coordinator) StartListening() error {
	var err error
	if derr := c.do(func() { err = c.startListening() }); derr != nil {
		return derr
	}
	return err
}

// StopListening ends recognition. A segment end reported afterwards does not
// restart the engine.
func (c *Coordinator) StopListening() error {
	return c.do(c.stopListening)
}

// Speak voices text, cancelling any utterance in progress and stopping
// listening. onEnd runs once the utterance finished playing; it never runs
// for an utterance superseded by a later Speak or StartListening.
func (c *Coordinator) Speak(text string, onEnd func()) {
	_ = c.do(func() { c.speak(text, onEnd) })
}

// CancelSpeech interrupts the current utterance without running its onEnd.
func (c *Coordinator) CancelSpeech() error {
	return c.do(c.cancelSpeech)
}

// WriteAudio passes microphone PCM to the recognizer and the level source.
func (c *Coordinator) WriteAudio(pcm []byte) error {
	var errs []error
	if w, ok := c.rec.(AudioWriter); ok {
		errs = append(errs, w.WriteAudio(pcm))
	}
	if w, ok := c.levels.(AudioWriter); ok {
		errs = append(errs, w.WriteAudio(pcm))
	}
	return errors.Join(errs...)
}

// SetHints passes vocabulary hints to the recognizer when it accepts them.
func (c *Coordinator) SetHints(hints []string) error {
	if h, ok := c.rec.(Hinter); ok {
		return h.SetHints(hints)
	}
	return nil
}

// State returns the latest snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	s := c.last
	c.mu.Unlock()
	s.Level = c.Level()
	return s
}

// Level returns the current input level in [0, 100].
func (c *Coordinator) Level() int { return int(c.meter.level.Load()) }

func (c *Coordinator) startListening() error {
	c.cancelSpeech()
	c.transcript = ""
	c.err = nil
	c.intent = true
	defer c.changed()
	if !c.running {
		if err := c.rec.Start(c.ctx); err != nil {
			c.intent = false
			c.err = fmt.Errorf("%w: %v", ErrRecognition, err)
			return c.err
		}
		c.running = true
	}
	c.meter.start(c.levels)
	return nil
}

func (c *Coordinator) stopListening() {
	// Intent goes first so the engine's end callback sees it cleared.
	c.intent = false
	if c.running {
		c.running = false
		c.pendingEnds++
		if err := c.rec.Stop(); err != nil {
			slog.Warn("speech: stop recognizer", "err", err)
		}
	}
	c.meter.stop()
	c.listening = false
	c.changed()
}

func (c *Coordinator) handle(ev EngineEvent) {
	switch ev.Type {
	case EngineStart:
		c.listening = true
		c.err = nil
	case EngineResult:
		c.transcript = ev.Text
	case EngineError:
		c.engineError(ev.Code)
	case EngineEnd:
		c.engineEnd()
	}
	c.changed()
}

func (c *Coordinator) engineError(code ErrorCode) {
	switch code {
	case CodeNoSpeech, CodeAborted:
		slog.Debug("speech: recognizer notice", "code", string(code))
		return
	case CodeNotAllowed:
		c.err = ErrPermissionDenied
		c.intent = false
		c.listening = false
		c.meter.stop()
	case CodeNetwork:
		c.err = ErrNetwork
		c.intent = false
	default:
		c.err = fmt.Errorf("%w: %s", ErrRecognition, code)
	}
	slog.Warn("speech: recognizer error", "code", string(code))
	if c.metrics != nil {
		c.metrics.RecordSpeechError(context.Background(), string(code))
	}
}

func (c *Coordinator) engineEnd() {
	if c.pendingEnds > 0 {
		c.pendingEnds--
		return
	}
	c.running = false
	if c.intent {
		if err := c.rec.Start(c.ctx); err != nil {
			slog.Warn("speech: restart recognizer", "err", err)
			c.intent = false
			c.err = fmt.Errorf("%w: %v", ErrRecognition, err)
		} else {
			c.running = true
			if c.metrics != nil {
				c.metrics.RecognitionRestarts.Add(context.Background(), 1)
			}
			return
		}
	}
	c.listening = false
	c.meter.stop()
}

func (c *Coordinator) speak(text string, onEnd func()) {
	c.cancelSpeech()
	if c.intent || c.running {
		c.stopListening()
	}
	if c.syn == nil || strings.TrimSpace(text) == "" {
		return
	}
	c.utterance++
	id := c.utterance
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelSpeak = cancel
	c.onEnd = onEnd
	c.speaking = true
	voice := c.voice
	go func() {
		err := c.syn.Speak(ctx, text, voice)
		select {
		case c.spoken <- spoken{id: id, err: err}:
		case <-c.done:
		}
	}()
	c.changed()
}

func (c *Coordinator) cancelSpeech() {
	if c.cancelSpeak != nil {
		c.cancelSpeak()
		c.cancelSpeak = nil
	}
	c.onEnd = nil
	if c.speaking {
		c.speaking = false
		c.changed()
	}
}

func (c *Coordinator) finishUtterance(s spoken) {
	if s.id != c.utterance || !c.speaking {
		return
	}
	c.speaking = false
	if c.cancelSpeak != nil {
		c.cancelSpeak()
		c.cancelSpeak = nil
	}
	onEnd := c.onEnd
	c.onEnd = nil
	switch {
	case s.err != nil:
		if !errors.Is(s.err, context.Canceled) {
			slog.Warn("speech: synthesis failed", "err", s.err)
		}
	case onEnd != nil:
		go onEnd()
	}
	c.changed()
}

// changed stores a snapshot and notifies OnChange when it differs from the
// previous one.
func (c *Coordinator) changed() {
	s := State{
		Listening:  c.listening,
		Speaking:   c.speaking,
		Transcript: c.transcript,
		Err:        c.err,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	c.mu.Lock()
	same := c.last == s
	c.last = s
	c.mu.Unlock()
	if !same && c.onChange != nil {
		s.Level = c.Level()
		c.onChange(s)
	}
}
