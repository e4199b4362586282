package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/stt"
	"github.com/MrWong99/englishpro/pkg/provider/vad"
)

// DefaultNoSpeechTimeout is how much leading silence ends a segment with
// CodeNoSpeech.
const DefaultNoSpeechTimeout = 8 * time.Second

var (
	_ Recognizer  = (*STTRecognizer)(nil)
	_ AudioWriter = (*STTRecognizer)(nil)
	_ Hinter      = (*STTRecognizer)(nil)
)

// RecognizerOption configures an [STTRecognizer].
type RecognizerOption func(*STTRecognizer)

// WithLanguage sets the recognition language. Default: "en-US".
func WithLanguage(lang string) RecognizerOption {
	return func(r *STTRecognizer) { r.cfg.Language = lang }
}

// WithNoSpeechTimeout sets the leading silence after which a segment ends
// with CodeNoSpeech. Zero disables it.
func WithNoSpeechTimeout(d time.Duration) RecognizerOption {
	return func(r *STTRecognizer) { r.noSpeech = d }
}

// WithDetectorConfig tunes the voice activity detector.
func WithDetectorConfig(cfg vad.Config) RecognizerOption {
	return func(r *STTRecognizer) { r.vadCfg = cfg }
}

// STTRecognizer turns an [stt.Provider] into a segmenting [Recognizer].
//
// Each segment is one provider stream. Microphone audio is written with
// WriteAudio as 16 kHz mono PCM; the voice activity detector ends the
// segment after sustained silence, the way a browser recognizer stops on its
// own, and the coordinator restarts it while the learner keeps listening.
type STTRecognizer struct {
	provider stt.Provider
	vad      vad.Engine
	cfg      stt.StreamConfig
	vadCfg   vad.Config
	noSpeech time.Duration

	events    chan EngineEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	seg   *segment
	hints []string
}

type segment struct {
	stream  stt.Stream
	det     vad.Detector
	heard   bool
	silence int

	// ended is set when the segment was closed on purpose; code is the
	// error reported with its end.
	ended bool
	code  ErrorCode
}

// NewSTTRecognizer returns a recognizer over p, segmented by v.
func NewSTTRecognizer(p stt.Provider, v vad.Engine, opts ...RecognizerOption) *STTRecognizer {
	r := &STTRecognizer{
		provider: p,
		vad:      v,
		cfg: stt.StreamConfig{
			SampleRate: audio.Speech.SampleRate,
			Channels:   audio.Speech.Channels,
			Language:   "en-US",
		},
		noSpeech: DefaultNoSpeechTimeout,
		events:   make(chan EngineEvent, 64),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.vadCfg.SampleRate == 0 {
		r.vadCfg.SampleRate = r.cfg.SampleRate
	}
	return r
}

func (r *STTRecognizer) Events() <-chan EngineEvent { return r.events }

// Start opens a provider stream. A provider failure is reported as a network
// error followed by the end of the segment.
func (r *STTRecognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	if r.seg != nil {
		return ErrRunning
	}
	det, err := r.vad.NewDetector(r.vadCfg)
	if err != nil {
		return fmt.Errorf("speech: create detector: %w", err)
	}
	cfg := r.cfg
	cfg.Hints = slices.Clone(r.hints)
	stream, err := r.provider.StartStream(ctx, cfg)
	if err != nil {
		slog.Warn("speech: start recognition stream", "err", err)
		go func() {
			r.emit(EngineEvent{Type: EngineError, Code: CodeNetwork})
			r.emit(EngineEvent{Type: EngineEnd})
		}()
		return nil
	}
	seg := &segment{stream: stream, det: det}
	r.seg = seg
	go r.read(seg)
	return nil
}

// Stop closes the running segment.
func (r *STTRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seg != nil {
		r.end(r.seg, "")
	}
	return nil
}

// Close stops the recognizer for good. Pending events are dropped.
func (r *STTRecognizer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		if r.seg != nil {
			r.end(r.seg, "")
		}
		r.mu.Unlock()
		close(r.closed)
	})
	return nil
}

// SetHints replaces the vocabulary hints. Backends that cannot update a
// running stream get them with the next segment.
func (r *STTRecognizer) SetHints(hints []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints = slices.Clone(hints)
	if r.seg == nil {
		return nil
	}
	if err := r.seg.stream.SetHints(r.hints); err != nil && !errors.Is(err, stt.ErrNotSupported) {
		return fmt.Errorf("speech: set hints: %w", err)
	}
	return nil
}

// WriteAudio feeds microphone audio to the running segment. Audio arriving
// while no segment runs is dropped.
func (r *STTRecognizer) WriteAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg := r.seg
	if seg == nil {
		return nil
	}
	ev, err := seg.det.Process(pcm)
	if err != nil {
		return fmt.Errorf("speech: detect: %w", err)
	}
	if err := seg.stream.SendAudio(pcm); err != nil {
		if errors.Is(err, stt.ErrClosed) {
			return nil
		}
		return fmt.Errorf("speech: send audio: %w", err)
	}
	switch ev {
	case vad.SpeechStart, vad.Speech:
		seg.heard = true
	case vad.SpeechEnd:
		r.end(seg, "")
	case vad.Silence:
		if seg.heard || r.noSpeech <= 0 {
			break
		}
		seg.silence += len(pcm)
		limit := int(r.noSpeech.Seconds() * float64(r.cfg.SampleRate*2*max(r.cfg.Channels, 1)))
		if seg.silence >= limit {
			r.end(seg, CodeNoSpeech)
		}
	}
	return nil
}

// end closes seg. The caller holds r.mu. The stream is closed in the
// background because closing flushes pending audio to the backend.
func (r *STTRecognizer) end(seg *segment, code ErrorCode) {
	seg.ended = true
	seg.code = code
	if r.seg == seg {
		r.seg = nil
	}
	go func() {
		if err := seg.stream.Close(); err != nil {
			slog.Warn("speech: close recognition stream", "err", err)
		}
	}()
}

// read forwards the results of seg and reports its end. It is the only
// sender of events for a started segment, which keeps them ordered.
func (r *STTRecognizer) read(seg *segment) {
	r.emit(EngineEvent{Type: EngineStart})
	var finals []string
	for t := range seg.stream.Results() {
		text := strings.TrimSpace(t.Text)
		cum := strings.Join(append(slices.Clone(finals), text), " ")
		if t.IsFinal && text != "" {
			finals = append(finals, text)
		}
		if cum = strings.TrimSpace(cum); cum == "" {
			continue
		}
		r.emit(EngineEvent{Type: EngineResult, Text: cum})
	}

	r.mu.Lock()
	ended, code := seg.ended, seg.code
	if r.seg == seg {
		r.seg = nil
	}
	r.mu.Unlock()
	if !ended {
		// The backend closed the stream on its own.
		code = CodeNetwork
		if err := seg.stream.Close(); err != nil {
			slog.Debug("speech: close dropped stream", "err", err)
		}
	}
	if code != "" {
		r.emit(EngineEvent{Type: EngineError, Code: code})
	}
	r.emit(EngineEvent{Type: EngineEnd})
}

func (r *STTRecognizer) emit(ev EngineEvent) {
	select {
	case r.events <- ev:
	case <-r.closed:
	}
}
