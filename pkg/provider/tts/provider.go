// Package tts defines the text-to-speech contract the speech coordinator
// speaks model replies through.
//
// A reply is synthesised as one utterance. The returned channel yields PCM
// chunks in the provider's [Provider.Format] as they arrive and is closed at
// the end of the utterance or when ctx is cancelled, so cancelling ctx is how
// a newer utterance interrupts an older one.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/englishpro/pkg/audio"
)

// ErrNoVoice is returned when a provider cannot speak without a voice and
// none was given.
var ErrNoVoice = errors.New("tts: no voice selected")

// Voice is one voice offered by a provider.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Lang is a BCP-47 tag such as "en-US", or "" when unknown.
	Lang string `json:"lang"`

	// Provider names the backend the voice belongs to.
	Provider string `json:"provider"`
}

// Provider synthesises speech. Implementations are safe for concurrent use.
type Provider interface {
	// Voices lists the voices available right now.
	Voices(ctx context.Context) ([]Voice, error)

	// Synthesize starts speaking text with voice. A non-nil error means
	// nothing will be played; failures after the start close the channel
	// early.
	Synthesize(ctx context.Context, text string, voice Voice) (<-chan []byte, error)

	// Format describes the PCM the provider emits.
	Format() audio.Format
}
