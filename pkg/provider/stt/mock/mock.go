// Package mock provides test doubles for the stt package.
//
// A [Stream] is driven by the test: Emit pushes a transcript to Results and
// End closes it, the way a backend ends a stream after a network drop.
//
//	s := mock.NewStream()
//	p := &mock.Provider{Streams: []*mock.Stream{s}}
//	s.Emit(stt.Transcript{Text: "leverage", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/englishpro/pkg/provider/stt"
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
	_ stt.Stream      = (*Stream)(nil)
)

// Provider hands out prepared streams in order and records every request.
type Provider struct {
	mu sync.Mutex

	// Streams are returned by successive StartStream calls. Once exhausted,
	// a fresh Stream is created per call.
	Streams []*Stream

	// StartErr, when set, fails StartStream.
	StartErr error

	// Text and TranscribeErr are returned by Transcribe.
	Text          string
	TranscribeErr error

	// Started records every config passed to StartStream.
	Started []stt.StreamConfig

	// Transcribed records every recording passed to Transcribe.
	Transcribed [][]byte

	created []*Stream
}

// StartStream records cfg and returns the next stream.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Started = append(p.Started, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	var s *Stream
	if len(p.Streams) > 0 {
		s, p.Streams = p.Streams[0], p.Streams[1:]
	} else {
		s = NewStream()
	}
	p.created = append(p.created, s)
	return s, nil
}

// Transcribe records pcm and returns Text or TranscribeErr.
func (p *Provider) Transcribe(_ context.Context, pcm []byte, _ stt.StreamConfig) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Transcribed = append(p.Transcribed, append([]byte(nil), pcm...))
	if p.TranscribeErr != nil {
		return stt.Transcript{}, p.TranscribeErr
	}
	return stt.Transcript{Text: p.Text, IsFinal: true}, nil
}

// StartCount returns the number of StartStream calls.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Started)
}

// Last returns the most recently started stream, or nil.
func (p *Provider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

// Stream records audio and lets the test drive results.
type Stream struct {
	mu      sync.Mutex
	results chan stt.Transcript
	ended   bool
	closed  bool
	audio   [][]byte
	hints   [][]string

	// SendErr, when set, fails SendAudio.
	SendErr error
}

// NewStream returns an open stream with a buffered result channel.
func NewStream() *Stream {
	return &Stream{results: make(chan stt.Transcript, 64)}
}

func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

func (s *Stream) Results() <-chan stt.Transcript { return s.results }

func (s *Stream) SetHints(hints []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, append([]string(nil), hints...))
	return nil
}

// Close ends the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

// Emit delivers t unless the stream has ended.
func (s *Stream) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.results <- t
	}
}

// End closes Results without marking the stream closed by the caller.
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.results)
	}
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Audio returns a copy of every chunk received.
func (s *Stream) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Hints returns every hint list passed to SetHints.
func (s *Stream) Hints() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.hints...)
}
