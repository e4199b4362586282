package transcribe

import (
	"context"
	"fmt"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/stt"
)

// Pinger is implemented by backends with a health probe, such as the
// whisper.cpp server.
type Pinger interface {
	Ping(ctx context.Context) error
}

var _ Model = (*TranscriberModel)(nil)

// TranscriberModel adapts an [stt.Transcriber] to [Model]. Load probes the
// backend when it implements [Pinger] and succeeds immediately otherwise.
type TranscriberModel struct {
	t    stt.Transcriber
	lang string
}

// NewTranscriberModel returns a Model over t transcribing English.
func NewTranscriberModel(t stt.Transcriber) *TranscriberModel {
	return &TranscriberModel{t: t, lang: "en"}
}

func (m *TranscriberModel) Load(ctx context.Context, progress func(float64)) error {
	progress(0)
	if p, ok := m.t.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("probe backend: %w", err)
		}
	}
	progress(100)
	return nil
}

func (m *TranscriberModel) Generate(ctx context.Context, pcm []byte) (string, error) {
	res, err := m.t.Transcribe(ctx, pcm, stt.StreamConfig{
		SampleRate: audio.Speech.SampleRate,
		Channels:   audio.Speech.Channels,
		Language:   m.lang,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
