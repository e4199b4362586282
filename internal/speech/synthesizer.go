package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

var _ Synthesizer = (*TTSSynthesizer)(nil)

// AudioSink plays synthesized PCM, typically by writing it to the learner's
// live connection.
type AudioSink interface {
	PlayAudio(ctx context.Context, pcm []byte, f audio.Format) error
}

// TTSSynthesizer speaks through a [tts.Provider] into an [AudioSink].
type TTSSynthesizer struct {
	provider tts.Provider
	sink     AudioSink
	metrics  *observe.Metrics
}

// NewTTSSynthesizer returns a synthesizer. m may be nil.
func NewTTSSynthesizer(p tts.Provider, sink AudioSink, m *observe.Metrics) *TTSSynthesizer {
	return &TTSSynthesizer{provider: p, sink: sink, metrics: m}
}

func (s *TTSSynthesizer) Voices(ctx context.Context) ([]tts.Voice, error) {
	return s.provider.Voices(ctx)
}

// Speak streams the utterance into the sink and returns once the last chunk
// was played, or with ctx's error when interrupted.
func (s *TTSSynthesizer) Speak(ctx context.Context, text string, voice tts.Voice) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := s.provider.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("speech: synthesize: %w", err)
	}
	f := s.provider.Format()
	first := true
	for pcm := range ch {
		if first {
			first = false
			if s.metrics != nil {
				s.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
			}
		}
		if err := s.sink.PlayAudio(ctx, pcm, f); err != nil {
			return fmt.Errorf("speech: play audio: %w", err)
		}
	}
	return ctx.Err()
}

// DefaultBins matches a 256-point analyser.
const DefaultBins = 128

var (
	_ LevelSource = (*PCMLevels)(nil)
	_ AudioWriter = (*PCMLevels)(nil)
)

// PCMLevels computes level bins from the most recent microphone chunk.
type PCMLevels struct {
	bins int

	mu   sync.Mutex
	last []byte
}

// NewPCMLevels returns a level source with the given number of bins. Zero
// uses DefaultBins.
func NewPCMLevels(bins int) *PCMLevels {
	if bins <= 0 {
		bins = DefaultBins
	}
	return &PCMLevels{bins: bins}
}

func (l *PCMLevels) WriteAudio(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = append(l.last[:0], pcm...)
	return nil
}

func (l *PCMLevels) Levels() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return audio.Levels(l.last, l.bins)
}
