// Package stt defines the speech-to-text contract used by the speech
// coordinator and the transcription worker.
//
// Two shapes are supported. A [Provider] opens a [Stream] that accepts PCM
// chunks as the learner speaks and emits [Transcript] values on a single
// channel, interim ones first and a final one per utterance. A
// [Transcriber] turns one finished recording into text in a single call.
//
// Both accept vocabulary hints: the words of the running drill. Backends use
// them to bias recognition toward terms like "leverage" that a general model
// would otherwise hear as something more common.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by Stream methods after Close.
	ErrClosed = errors.New("stt: stream closed")

	// ErrNotSupported is returned when a backend cannot honour a request,
	// such as updating hints on a running stream.
	ErrNotSupported = errors.New("stt: not supported")
)

// Transcript is one recognition result.
type Transcript struct {
	// Text is the cumulative text of the current utterance.
	Text string `json:"text"`

	// IsFinal marks the last result of an utterance. Interim results may be
	// revised by later ones; a final result is not.
	IsFinal bool `json:"is_final"`

	// Confidence is the backend's score in [0, 1], or 0 when unknown.
	Confidence float64 `json:"confidence,omitempty"`
}

// StreamConfig describes the audio sent to a backend.
type StreamConfig struct {
	// SampleRate in Hz. Zero selects the backend default (normally 16000).
	SampleRate int

	// Channels of the PCM data. Zero means mono.
	Channels int

	// Language is a BCP-47 tag such as "en" or "en-US".
	Language string

	// Hints lists words and phrases the learner is expected to say.
	Hints []string
}

// Stream is a live recognition session over 16-bit little-endian PCM.
//
// Results is closed when the stream ends, whether through Close, context
// cancellation or a backend failure.
type Stream interface {
	// SendAudio queues a chunk of PCM. It returns ErrClosed after Close.
	SendAudio(chunk []byte) error

	// Results emits interim and final transcripts in order.
	Results() <-chan Transcript

	// SetHints replaces the vocabulary hints for the rest of the stream.
	SetHints(hints []string) error

	// Close flushes pending audio and ends the stream. Safe to call more
	// than once.
	Close() error
}

// Provider opens streams.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Transcriber recognises a complete recording.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, cfg StreamConfig) (Transcript, error)
}
