// Package transcribe runs one-shot speech recognition behind a small message
// contract, for clients that record a whole answer and send it at once.
//
// A "load" request prepares the model and answers with progress messages
// followed by "ready", or "error" when the model cannot be reached. A
// "generate" request transcribes audio and answers "complete" with the text,
// or "error". Generating before loading loads the model first, silently.
//
//	w := transcribe.New(transcribe.NewTranscriberModel(whisperProvider), nil)
//	w.Handle(ctx, transcribe.Request{Type: transcribe.TypeGenerate, Audio: pcm}, send)
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/englishpro/internal/observe"
)

// ErrUnknownType is reported for requests with an unsupported type.
var ErrUnknownType = errors.New("transcribe: unknown request type")

// RequestType names a request.
type RequestType string

const (
	TypeLoad     RequestType = "load"
	TypeGenerate RequestType = "generate"
)

// Request is one message to the worker.
type Request struct {
	Type RequestType `json:"type"`

	// Audio is 16 kHz mono 16-bit PCM for TypeGenerate. It is base64 in JSON.
	Audio []byte `json:"audio,omitempty"`
}

// Status names a reply.
type Status string

const (
	StatusProgress Status = "progress"
	StatusReady    Status = "ready"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Output is the result of a generate request.
type Output struct {
	Text string `json:"text"`
}

// Message is one reply from the worker.
type Message struct {
	Status Status `json:"status"`

	// Progress is in [0, 100] on StatusProgress.
	Progress float64 `json:"progress,omitempty"`

	// Output is set on StatusComplete.
	Output *Output `json:"output,omitempty"`

	// Data carries the error text on StatusError.
	Data string `json:"data,omitempty"`
}

// Model is a speech recognition model.
type Model interface {
	// Load prepares the model, reporting progress in [0, 100].
	Load(ctx context.Context, progress func(float64)) error

	// Generate transcribes one recording.
	Generate(ctx context.Context, pcm []byte) (string, error)
}

// Worker serves requests against one Model. It is safe for concurrent use;
// concurrent loads share one call to Model.Load.
type Worker struct {
	model   Model
	metrics *observe.Metrics

	group  singleflight.Group
	mu     sync.Mutex
	loaded bool
}

// New returns a Worker. m may be nil.
func New(model Model, m *observe.Metrics) *Worker {
	return &Worker{model: model, metrics: m}
}

// Loaded reports whether the model is ready.
func (w *Worker) Loaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

// Handle processes req and passes every reply to send, in order. It returns
// once the final reply was sent.
func (w *Worker) Handle(ctx context.Context, req Request, send func(Message)) {
	switch req.Type {
	case TypeLoad:
		if err := w.load(ctx, func(p float64) {
			send(Message{Status: StatusProgress, Progress: p})
		}); err != nil {
			slog.Warn("transcribe: load failed", "err", err)
			send(errorMessage(err))
			return
		}
		send(Message{Status: StatusReady})
	case TypeGenerate:
		text, err := w.generate(ctx, req.Audio)
		if err != nil {
			slog.Warn("transcribe: generate failed", "err", err)
			send(errorMessage(err))
			return
		}
		send(Message{Status: StatusComplete, Output: &Output{Text: text}})
	default:
		send(errorMessage(fmt.Errorf("%w: %q", ErrUnknownType, req.Type)))
	}
}

// Serve handles requests from in one at a time until in is closed or ctx is
// done, writing replies to out.
func (w *Worker) Serve(ctx context.Context, in <-chan Request, out chan<- Message) error {
	send := func(m Message) {
		select {
		case out <- m:
		case <-ctx.Done():
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-in:
			if !ok {
				return nil
			}
			w.Handle(ctx, req, send)
		}
	}
}

func errorMessage(err error) Message {
	return Message{Status: StatusError, Data: err.Error()}
}

// load runs Model.Load unless the model is already loaded. A failed load is
// retried by the next request. Progress is only reported to the caller that
// started the load.
func (w *Worker) load(ctx context.Context, progress func(float64)) error {
	if w.Loaded() {
		if progress != nil {
			progress(100)
		}
		return nil
	}
	_, err, _ := w.group.Do("load", func() (any, error) {
		if w.Loaded() {
			return nil, nil
		}
		report := progress
		if report == nil {
			report = func(float64) {}
		}
		if err := w.model.Load(ctx, report); err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.loaded = true
		w.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("transcribe: load model: %w", err)
	}
	return nil
}

func (w *Worker) generate(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", errors.New("transcribe: no audio")
	}
	if err := w.load(ctx, nil); err != nil {
		return "", err
	}
	start := time.Now()
	text, err := w.model.Generate(ctx, pcm)
	if w.metrics != nil {
		w.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("transcribe: generate: %w", err)
	}
	return strings.TrimSpace(text), nil
}
