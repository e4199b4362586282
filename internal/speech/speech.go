// Package speech coordinates the microphone and the speaker of one live
// connection.
//
// A [Coordinator] owns a [Recognizer] and a [Synthesizer] and runs them
// half-duplex: starting to listen cancels the utterance being spoken, and
// speaking stops listening. Recognition is continuous. When the engine ends a
// segment on its own while the learner still wants to listen, the coordinator
// restarts it once; after an explicit StopListening it never does.
//
// All state lives on the goroutine started by [Coordinator.Run]. Engine
// callbacks arrive as [EngineEvent] values on the recognizer's channel and
// public methods are funnelled through the same loop, so no other component
// touches the engines directly.
package speech

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/englishpro/pkg/provider/tts"
)

var (
	// ErrPermissionDenied is surfaced when the recognizer may not use the
	// microphone. It ends the listening attempt.
	ErrPermissionDenied = errors.New("speech: microphone access denied")

	// ErrNetwork is surfaced when the recognition backend cannot be reached.
	// Listening can be started again manually.
	ErrNetwork = errors.New("speech: network error, check your connection")

	// ErrRecognition wraps every other recognizer failure.
	ErrRecognition = errors.New("speech: recognition error")

	// ErrClosed is returned once the coordinator or recognizer has shut down.
	ErrClosed = errors.New("speech: closed")

	// ErrRunning is returned by Start on a recognizer that is already running.
	ErrRunning = errors.New("speech: recognizer already running")
)

// EngineEventType names a recognizer callback.
type EngineEventType int

const (
	// EngineStart: the engine began capturing.
	EngineStart EngineEventType = iota

	// EngineResult: a new cumulative transcript for the current segment.
	EngineResult

	// EngineError: the engine reported a failure; Code says which.
	EngineError

	// EngineEnd: the segment is over. Exactly one EngineEnd follows every
	// successful Start.
	EngineEnd
)

func (t EngineEventType) String() string {
	switch t {
	case EngineStart:
		return "start"
	case EngineResult:
		return "result"
	case EngineError:
		return "error"
	case EngineEnd:
		return "end"
	default:
		return "unknown"
	}
}

// ErrorCode classifies an [EngineError].
type ErrorCode string

const (
	CodeNotAllowed ErrorCode = "not-allowed"
	CodeNetwork    ErrorCode = "network"
	CodeNoSpeech   ErrorCode = "no-speech"
	CodeAborted    ErrorCode = "aborted"
)

// EngineEvent is one recognizer callback.
type EngineEvent struct {
	Type EngineEventType

	// Text is the cumulative transcript of the segment (EngineResult).
	Text string

	// Code is set on EngineError.
	Code ErrorCode
}

// Recognizer is a continuous speech-to-text engine.
type Recognizer interface {
	// Start begins a segment. Failures after Start returned are reported as
	// EngineError followed by EngineEnd.
	Start(ctx context.Context) error

	// Stop ends the running segment. Its EngineEnd still arrives on Events.
	// Stop on an idle recognizer is a no-op.
	Stop() error

	// Events delivers callbacks in order for the lifetime of the recognizer.
	Events() <-chan EngineEvent
}

// Synthesizer speaks text.
type Synthesizer interface {
	Voices(ctx context.Context) ([]tts.Voice, error)

	// Speak blocks until the utterance has been played or ctx is cancelled.
	// Cancelling ctx is how an utterance is interrupted.
	Speak(ctx context.Context, text string, voice tts.Voice) error
}

// LevelSource returns a snapshot of frequency-bin magnitudes in [0, 255].
type LevelSource interface {
	Levels() []uint8
}

// AudioWriter accepts microphone PCM.
type AudioWriter interface {
	WriteAudio(pcm []byte) error
}

// Hinter accepts vocabulary hints for recognition.
type Hinter interface {
	SetHints(hints []string) error
}

// DefaultPreferredVoice is matched against voice names before falling back
// to language preferences.
const DefaultPreferredVoice = "Google US English"

// PickVoice selects a voice in preference order: a name containing preferred,
// then language en-US, then any en* language, then the first voice. It
// reports false when voices is empty and the engine default should be used.
func PickVoice(voices []tts.Voice, preferred string) (tts.Voice, bool) {
	if len(voices) == 0 {
		return tts.Voice{}, false
	}
	if preferred != "" {
		for _, v := range voices {
			if strings.Contains(v.Name, preferred) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.Lang == "en-US" {
			return v, true
		}
	}
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, "en") {
			return v, true
		}
	}
	return voices[0], true
}
