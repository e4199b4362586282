package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/englishpro/internal/session"
	"github.com/MrWong99/englishpro/internal/speech"
	"github.com/MrWong99/englishpro/internal/transcript/phonetic"
	"github.com/MrWong99/englishpro/pkg/audio"
)

const (
	// liveReadLimit bounds one incoming frame. Microphone chunks are far
	// smaller.
	liveReadLimit = 1 << 20

	liveWriteTimeout = 10 * time.Second

	// levelInterval is how often the input level is pushed while it changes.
	levelInterval = 100 * time.Millisecond
)

var (
	errLiveTaken      = errors.New("api: session already has a live connection")
	errSessionClosed  = errors.New("api: session closed")
	errNoSpeech       = errors.New("api: speech not available")
	errUnknownCommand = errors.New("api: unknown command")
)

// Live commands sent by the client as text frames.
const (
	cmdSend   = "send"
	cmdListen = "listen"
	cmdStop   = "stop"
	cmdCancel = "cancel"
)

// Notices sent to the client besides session events.
const (
	noticeError       = "error"
	noticeAudioFormat = "audio_format"
	noticeLevel       = "level"
	noticeCorrections = "corrections"
)

type liveCommand struct {
	Type string `json:"type"`

	// Text of a send command. Empty sends what was heard while listening.
	Text string `json:"text,omitempty"`
}

type liveNotice struct {
	Type        string                `json:"type"`
	Error       string                `json:"error,omitempty"`
	Retryable   bool                  `json:"retryable,omitempty"`
	Format      *audio.Format         `json:"format,omitempty"`
	Level       *int                  `json:"level,omitempty"`
	Corrections []phonetic.Correction `json:"corrections,omitempty"`
}

func (s *Server) claimLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; ok {
		return false
	}
	s.live[id] = struct{}{}
	return true
}

func (s *Server) releaseLive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id)
}

// liveConn is one accepted live WebSocket. Writes may come from the event
// pump, the synthesizer and command handlers concurrently.
type liveConn struct {
	conn  *websocket.Conn
	sess  *session.Session
	coord *speech.Coordinator

	mu     sync.Mutex
	format audio.Format

	sends sync.WaitGroup
}

// live upgrades to the live channel of a session. Only one live connection
// per session is accepted.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.cfg.Manager.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !s.claimLive(id) {
		writeError(w, r, fmt.Errorf("%w: %q", errLiveTaken, id))
		return
	}
	defer s.releaseLive(id)

	events, unsubscribe, err := s.cfg.Manager.Subscribe(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		slog.Warn("api: live accept failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(liveReadLimit)

	lc := &liveConn{conn: conn, sess: sess}
	g, ctx := errgroup.WithContext(r.Context())

	if cfg, rec := s.speechConfig(lc); rec != nil {
		cfg.OnChange = func(st speech.State) {
			s.cfg.Manager.Publish(session.Event{Type: session.EventSpeech, SessionID: id, Speech: st})
		}
		lc.coord = speech.New(cfg)
		defer rec.Close()
		sess.SetSpeaker(lc.coord)
		defer sess.SetSpeaker(nil)
		if err := lc.coord.SetHints(sess.Snapshot().Vocabulary); err != nil {
			slog.Debug("api: set recognition hints failed", "session_id", id, "err", err)
		}
		g.Go(func() error { return lc.coord.Run(ctx) })
	}

	slog.Info("api: live connection opened", "session_id", id, "speech", lc.coord != nil)

	snap := sess.Snapshot()
	if err := lc.write(ctx, session.Event{Type: session.EventState, SessionID: id, Snapshot: &snap}); err != nil {
		return
	}
	g.Go(func() error { return lc.pump(ctx, events) })
	g.Go(func() error { return lc.readLoop(ctx) })

	err = g.Wait()
	lc.sends.Wait()

	switch {
	case errors.Is(err, errSessionClosed), websocket.CloseStatus(err) != -1:
	case err != nil && !errors.Is(err, context.Canceled):
		slog.Warn("api: live connection failed", "session_id", id, "err", err)
	}
	slog.Info("api: live connection closed", "session_id", id)
}

// speechConfig builds the coordinator configuration of one connection. It
// returns a nil recognizer when speech is not configured.
func (s *Server) speechConfig(sink speech.AudioSink) (speech.Config, *speech.STTRecognizer) {
	sc := s.cfg.Speech
	if sc.STT == nil || sc.VAD == nil {
		return speech.Config{}, nil
	}
	var opts []speech.RecognizerOption
	if sc.Language != "" {
		opts = append(opts, speech.WithLanguage(sc.Language))
	}
	if sc.NoSpeechTimeout > 0 {
		opts = append(opts, speech.WithNoSpeechTimeout(sc.NoSpeechTimeout))
	}
	rec := speech.NewSTTRecognizer(sc.STT, sc.VAD, opts...)
	cfg := speech.Config{
		Recognizer:     rec,
		Levels:         speech.NewPCMLevels(speech.DefaultBins),
		PreferredVoice: s.voice(),
		FrameInterval:  sc.FrameInterval,
		Metrics:        s.cfg.Metrics,
	}
	if sc.TTS != nil {
		cfg.Synthesizer = speech.NewTTSSynthesizer(sc.TTS, sink, s.cfg.Metrics)
	}
	return cfg, rec
}

func (lc *liveConn) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("api: encode live message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return lc.conn.Write(ctx, websocket.MessageText, b)
}

func (lc *liveConn) notifyError(ctx context.Context, err error) {
	_, retryable := status(err)
	if werr := lc.write(ctx, liveNotice{Type: noticeError, Error: err.Error(), Retryable: retryable}); werr != nil {
		slog.Debug("api: live notice dropped", "err", werr)
	}
}

// PlayAudio sends synthesized PCM as binary frames, preceded by an
// audio_format notice whenever the format changes.
func (lc *liveConn) PlayAudio(ctx context.Context, pcm []byte, f audio.Format) error {
	lc.mu.Lock()
	changed := lc.format != f
	lc.format = f
	lc.mu.Unlock()
	if changed {
		if err := lc.write(ctx, liveNotice{Type: noticeAudioFormat, Format: &f}); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
	defer cancel()
	return lc.conn.Write(ctx, websocket.MessageBinary, pcm)
}

// pump forwards session events and input levels until the session is
// removed or ctx ends.
func (lc *liveConn) pump(ctx context.Context, events <-chan session.Event) error {
	tick := time.NewTicker(levelInterval)
	defer tick.Stop()
	var (
		lastLevel int
		hints     []string
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return lc.closeSession()
			}
			if err := lc.write(ctx, e); err != nil {
				return err
			}
			if e.Type == session.EventClosed {
				return lc.closeSession()
			}
			if lc.coord != nil && e.Snapshot != nil && !slices.Equal(hints, e.Snapshot.Vocabulary) {
				hints = e.Snapshot.Vocabulary
				if err := lc.coord.SetHints(hints); err != nil {
					slog.Debug("api: set recognition hints failed", "err", err)
				}
			}
		case <-tick.C:
			if lc.coord == nil {
				continue
			}
			if lvl := lc.coord.Level(); lvl != lastLevel {
				lastLevel = lvl
				if err := lc.write(ctx, liveNotice{Type: noticeLevel, Level: &lvl}); err != nil {
					return err
				}
			}
		}
	}
}

// closeSession runs the close handshake after the session was removed. The
// read loop sees the peer's reply and ends.
func (lc *liveConn) closeSession() error {
	if err := lc.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("api: live close handshake failed", "err", err)
	}
	return errSessionClosed
}

// readLoop dispatches client frames: binary frames are microphone PCM,
// text frames are commands.
func (lc *liveConn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := lc.conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if lc.coord == nil {
				continue
			}
			if err := lc.coord.WriteAudio(data); err != nil {
				slog.Debug("api: live audio dropped", "err", err)
			}
		case websocket.MessageText:
			var cmd liveCommand
			if err := json.Unmarshal(data, &cmd); err != nil {
				lc.notifyError(ctx, fmt.Errorf("%w: %v", errBadRequest, err))
				continue
			}
			if err := lc.handle(ctx, cmd); err != nil {
				lc.notifyError(ctx, err)
			}
		}
	}
}

func (lc *liveConn) handle(ctx context.Context, cmd liveCommand) error {
	switch cmd.Type {
	case cmdSend:
		return lc.send(ctx, cmd.Text)
	case cmdListen, cmdStop, cmdCancel:
		if lc.coord == nil {
			return errNoSpeech
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
	}
	switch cmd.Type {
	case cmdListen:
		return lc.coord.StartListening()
	case cmdStop:
		return lc.coord.StopListening()
	default:
		return lc.coord.CancelSpeech()
	}
}

// send submits typed text, or with empty text stops listening and submits
// what was heard. The model call outlives the connection so the reply still
// lands in the session.
func (lc *liveConn) send(ctx context.Context, text string) error {
	spoken := false
	if strings.TrimSpace(text) == "" && lc.coord != nil {
		if err := lc.coord.StopListening(); err != nil {
			return err
		}
		text = lc.coord.State().Transcript
		spoken = true
	}
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyMessage
	}

	callCtx := context.WithoutCancel(ctx)
	lc.sends.Add(1)
	go func() {
		defer lc.sends.Done()
		var err error
		if spoken {
			var corrections []phonetic.Correction
			_, corrections, err = lc.sess.SendTranscript(callCtx, text)
			if len(corrections) > 0 {
				_ = lc.write(ctx, liveNotice{Type: noticeCorrections, Corrections: corrections})
			}
		} else {
			_, err = lc.sess.Send(callCtx, text)
		}
		if err != nil {
			lc.notifyError(ctx, err)
		}
	}()
	return nil
}
