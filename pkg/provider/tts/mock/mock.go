// Package mock provides a test double for [tts.Provider].
//
// By default Synthesize emits Chunks and closes the channel. With Hold set,
// the channel stays open until the test calls Finish or the context is
// cancelled, which lets tests interrupt an utterance mid-way.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/englishpro/pkg/audio"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Call records one Synthesize invocation.
type Call struct {
	Text  string
	Voice tts.Voice
}

// Provider is a scripted [tts.Provider].
type Provider struct {
	mu sync.Mutex

	// VoiceList is returned by Voices.
	VoiceList []tts.Voice
	VoicesErr error

	// Chunks are emitted by every Synthesize call.
	Chunks [][]byte

	// SynthesizeErr fails Synthesize.
	SynthesizeErr error

	// Hold keeps each channel open until Finish.
	Hold bool

	// AudioFormat is returned by Format; zero means 16 kHz mono.
	AudioFormat audio.Format

	Calls []Call

	finish []chan struct{}
}

func (p *Provider) Voices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Voice(nil), p.VoiceList...), p.VoicesErr
}

func (p *Provider) Format() audio.Format {
	if p.AudioFormat.SampleRate == 0 {
		return audio.Speech
	}
	return p.AudioFormat
}

func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (<-chan []byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		p.mu.Unlock()
		return nil, p.SynthesizeErr
	}
	chunks := p.Chunks
	var release chan struct{}
	if p.Hold {
		release = make(chan struct{})
		p.finish = append(p.finish, release)
	}
	p.mu.Unlock()

	out := make(chan []byte, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	if release == nil {
		close(out)
		return out, nil
	}
	go func() {
		defer close(out)
		select {
		case <-release:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Finish ends every held utterance.
func (p *Provider) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.finish {
		close(c)
	}
	p.finish = nil
}

// CallCount returns the number of Synthesize calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the latest Synthesize call.
func (p *Provider) LastCall() (Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return Call{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}
