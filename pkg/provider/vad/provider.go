// Package vad defines voice activity detection over 16-bit PCM frames.
//
// The speech recognizer adapter uses a [Detector] to decide when the learner
// has finished an utterance: a [SpeechEnd] after sustained silence ends the
// recognition segment, the same way a browser recognizer stops on its own.
//
// A Detector keeps per-stream state and is not safe for concurrent use.
// Engines are.
package vad

import "time"

// Event is the detection result for one frame.
type Event int

const (
	// Silence: no speech and none in progress.
	Silence Event = iota

	// SpeechStart: the first frame of a speech segment.
	SpeechStart

	// Speech: a frame inside a running segment, voiced or within the
	// hangover after the last voiced frame.
	Speech

	// SpeechEnd: the hangover elapsed; the segment is over.
	SpeechEnd
)

func (e Event) String() string {
	switch e {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case Speech:
		return "speech"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Config tunes a Detector. Zero fields take engine defaults.
type Config struct {
	// SampleRate of the mono PCM passed to Process.
	SampleRate int

	// Threshold is the engine-specific level above which a frame is voiced.
	Threshold float64

	// Hangover is how long the audio must stay below Threshold before a
	// segment ends.
	Hangover time.Duration

	// MinSpeech is the voiced duration needed before a segment starts,
	// which keeps clicks and breath noise from opening one.
	MinSpeech time.Duration
}

// Detector classifies consecutive frames of one stream.
type Detector interface {
	// Process classifies frame. Frames may have any length that is a whole
	// number of samples.
	Process(frame []byte) (Event, error)

	// Reset forgets the running segment.
	Reset()
}

// Engine creates detectors.
type Engine interface {
	NewDetector(cfg Config) (Detector, error)
}
