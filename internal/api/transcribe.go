package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/MrWong99/englishpro/internal/transcribe"
	"github.com/MrWong99/englishpro/pkg/audio"
)

var errNoTranscriber = errors.New("api: transcription not configured")

// transcribe runs one worker request and streams its replies as NDJSON.
//
// The body is either a JSON [transcribe.Request] or a WAV file
// (Content-Type audio/wav), which is converted to 16 kHz mono and treated
// as a generate request.
func (s *Server) transcribe(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transcriber == nil {
		writeError(w, r, errNoTranscriber)
		return
	}
	req, err := readTranscribeRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	s.cfg.Transcriber.Handle(r.Context(), req, func(m transcribe.Message) {
		if err := enc.Encode(m); err != nil {
			return
		}
		_ = rc.Flush()
	})
}

func readTranscribeRequest(r *http.Request) (transcribe.Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes+1))
	if err != nil {
		return transcribe.Request{}, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}
	if len(body) > maxAudioBytes {
		return transcribe.Request{}, fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, maxAudioBytes)
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "audio/wav", "audio/wave", "audio/x-wav":
		pcm, f, err := audio.DecodeWAV(body)
		if err != nil {
			return transcribe.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		pcm, err = audio.Convert(pcm, f, audio.Speech)
		if err != nil {
			return transcribe.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return transcribe.Request{Type: transcribe.TypeGenerate, Audio: pcm}, nil
	default:
		var req transcribe.Request
		if err := json.Unmarshal(body, &req); err != nil {
			return transcribe.Request{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return req, nil
	}
}
