// Package session implements the dialogue state machine of one learner.
//
// A [Session] moves between four modes:
//
//	home ──StartPractice──▶ practice ◀──NewWords──┐
//	  │                        │  ▲               │
//	  │                        └──┴──Send─────────┘
//	  └──StartSimulation──▶ exam-menu ──PickTopic──▶ exam ──Send──▶ exam
//
// GoHome returns to home from anywhere and discards every piece of state.
//
// At most one model call is outstanding per session. A second Send, start or
// regeneration while one is in flight returns [ErrBusy] immediately and leaves
// the session untouched. Each completed Send appends exactly two turns: the
// learner's message and the partner's reply.
//
// All exported methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/drill"
	"github.com/MrWong99/englishpro/internal/gateway"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/transcript/phonetic"
	"github.com/MrWong99/englishpro/pkg/types"
)

var (
	// ErrBusy is returned while another model call of the same session is
	// outstanding.
	ErrBusy = errors.New("session: a request is already in flight")

	// ErrInvalidTransition is returned for operations the current mode does
	// not allow.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrEmptyMessage is returned for blank input.
	ErrEmptyMessage = errors.New("session: empty message")

	// ErrUnknownTopic is returned when a topic id is not in the catalog.
	ErrUnknownTopic = errors.New("session: unknown topic")

	// ErrInterrupted is returned by a call whose session went home before
	// the model answered. The answer is dropped.
	ErrInterrupted = errors.New("session: interrupted")
)

// greetingClosers end the locally built exam greeting.
var greetingClosers = []string{
	"Let's begin. Could you tell me a little about yourself?",
	"I've been expecting you. Shall we get started?",
	"Good to meet you. What brings you here today?",
	"Let's jump right in. How are you doing?",
	"I'm interested to hear your thoughts. Where should we start?",
	"Please, introduce yourself.",
	"Let's start the session. How can I help you?",
	"Tell me, what are your goals for this conversation?",
	"I'm ready when you are. Please proceed.",
}

// Greeting returns the opening line of an exam on topic.
func Greeting(topic curriculum.Topic, closer string) string {
	return fmt.Sprintf("Hello! I'm %s, %s. %s %s", topic.RoleName, topic.Role, topic.Scenario, closer)
}

// Conversation answers dialogue turns. [gateway.Gateway] implements it.
type Conversation interface {
	Converse(ctx context.Context, req gateway.ConverseRequest) types.FeedbackResult
}

// WordGenerator produces fresh drill lists. [drill.Generator] implements it.
type WordGenerator interface {
	Generate(ctx context.Context, topic curriculum.Topic, profile *types.UserProfile, active []string, userID string) ([]string, error)
}

// LearnedWordSaver records drill words a learner has reached.
type LearnedWordSaver interface {
	SaveLearnedWord(ctx context.Context, userID, word, topicID string) error
}

// Speaker voices partner replies. onEnd runs when playback finished; it may
// never run when the utterance is superseded.
type Speaker interface {
	Speak(text string, onEnd func())
}

// Config holds the collaborators of a [Session]. Catalog and Conversation
// are required; everything else is optional.
type Config struct {
	Catalog      *curriculum.Catalog
	Conversation Conversation
	Words        WordGenerator
	Learned      LearnedWordSaver
	Corrector    *phonetic.Corrector
	Speaker      Speaker
	Metrics      *observe.Metrics

	// Rand picks random topics and greeting closers. Nil uses the global
	// source.
	Rand *rand.Rand
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID         string                `json:"id"`
	UserID     string                `json:"user_id,omitempty"`
	Mode       types.Mode            `json:"mode"`
	Topic      *curriculum.Topic     `json:"topic,omitempty"`
	Transcript []types.Turn          `json:"transcript"`
	Vocabulary []string              `json:"vocabulary"`
	Feedback   *types.FeedbackResult `json:"latest_feedback"`
	Drill      drill.Progress        `json:"drill"`
	Busy       bool                  `json:"busy"`
	CreatedAt  time.Time             `json:"created_at"`
}

// Session is one learner's dialogue.
type Session struct {
	id        string
	userID    string
	createdAt time.Time
	cfg       Config
	publish   func(Event)

	mu         sync.Mutex
	profile    *types.UserProfile
	mode       types.Mode
	topic      *curriculum.Topic
	transcript []types.Turn
	feedback   *types.FeedbackResult
	tracker    *drill.Tracker
	speaker    Speaker

	// busy is set while a model call is outstanding. epoch increments on
	// every reset so a late answer can tell that its session went home.
	busy   bool
	epoch  uint64
	cancel context.CancelFunc
}

// New creates a session in home mode. publish receives every state change
// and may be nil.
func New(id, userID string, profile *types.UserProfile, cfg Config, publish func(Event)) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Corrector == nil {
		cfg.Corrector = phonetic.New()
	}
	return &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now().UTC(),
		cfg:       cfg,
		publish:   publish,
		profile:   cloneProfile(profile),
		tracker:   drill.NewTracker(nil),
		speaker:   cfg.Speaker,
	}
}

func cloneProfile(p *types.UserProfile) *types.UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the learner the session belongs to.
func (s *Session) UserID() string { return s.userID }

// SetProfile replaces the profile used for subsequent prompts.
func (s *Session) SetProfile(p *types.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = cloneProfile(p)
}

// SetSpeaker replaces the speaker that voices replies, for example when a
// live connection attaches. A nil sp silences the session.
func (s *Session) SetSpeaker(sp Speaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaker = sp
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:         s.id,
		UserID:     s.userID,
		Mode:       s.mode,
		Transcript: slices.Clone(s.transcript),
		Vocabulary: s.tracker.Words(),
		Busy:       s.busy,
		CreatedAt:  s.createdAt,
	}
	if snap.Transcript == nil {
		snap.Transcript = []types.Turn{}
	}
	if snap.Vocabulary == nil {
		snap.Vocabulary = []string{}
	}
	// Drill progress only means something while drilling; an exam keeps its
	// vocabulary for correction and hints but reports no cursor.
	if s.mode == types.ModePractice {
		snap.Drill = s.tracker.Progress()
	}
	if s.topic != nil {
		t := s.topic.Clone()
		snap.Topic = &t
	}
	if s.feedback != nil {
		fb := *s.feedback
		snap.Feedback = &fb
	}
	return snap
}

func (s *Session) emit(e Event) {
	if s.publish == nil {
		return
	}
	e.SessionID = s.id
	s.publish(e)
}

func (s *Session) emitState() {
	snap := s.Snapshot()
	s.emit(Event{Type: EventState, Snapshot: &snap})
}

// beginLocked marks a model call as outstanding and returns the context it
// runs under together with the current epoch. s.mu must be held.
func (s *Session) beginLocked(ctx context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancel = cancel
	return ctx, s.epoch
}

// finishLocked clears the in-flight flag if the session has not been reset
// since epoch. It reports whether the caller may still apply its result.
// s.mu must be held.
func (s *Session) finishLocked(epoch uint64) bool {
	if s.epoch != epoch {
		return false
	}
	s.busy = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return true
}

func (s *Session) rejectBusy(ctx context.Context) error {
	s.cfg.Metrics.BusyRejections.Add(ctx, 1)
	return ErrBusy
}

// resetLocked discards the dialogue state and invalidates any outstanding
// call. s.mu must be held.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.busy = false
	s.topic = nil
	s.transcript = nil
	s.feedback = nil
	s.tracker.Reset(nil)
}

func (s *Session) randIntN(n int) int {
	if s.cfg.Rand != nil {
		return s.cfg.Rand.IntN(n)
	}
	return rand.IntN(n)
}

// StartPractice picks a random topic from the whole catalog and opens a
// vocabulary drill on it. The instructor introduces the first word; its reply
// becomes the only turn of the transcript.
func (s *Session) StartPractice(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Snapshot{}, s.rejectBusy(ctx)
	}
	if s.mode != types.ModeHome {
		mode := s.mode
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: start practice from %s", ErrInvalidTransition, mode)
	}
	topic := s.cfg.Catalog.Random(s.cfg.Rand)
	return s.startDrillLocked(ctx, topic, topic.Vocabulary)
}

// startDrillLocked switches to practice on topic with words and asks the
// instructor for the first lesson. s.mu must be held; it is released before
// the model call.
func (s *Session) startDrillLocked(ctx context.Context, topic curriculum.Topic, words []string) (Snapshot, error) {
	s.resetLocked()
	s.mode = types.ModePractice
	s.topic = &topic
	s.tracker.Reset(words)
	callCtx, epoch := s.beginLocked(ctx)
	req := gateway.ConverseRequest{
		Message:    gateway.StartDrillPrefix + words[0],
		Mode:       types.ModePractice,
		Topic:      &topic,
		Vocabulary: slices.Clone(words),
		Profile:    cloneProfile(s.profile),
	}
	s.mu.Unlock()

	slog.Info("session: practice started",
		"session_id", s.id,
		"topic", topic.ID,
		"words", len(words),
	)
	s.emitState()

	fb := s.cfg.Conversation.Converse(callCtx, req)

	s.mu.Lock()
	if !s.finishLocked(epoch) {
		s.mu.Unlock()
		return Snapshot{}, ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		slog.Debug("session: drill start abandoned", "session_id", s.id, "err", err)
		s.emitState()
		return Snapshot{}, err
	}
	s.transcript = []types.Turn{{Role: types.RoleModel, Text: fb.AvatarResponse}}
	s.feedback = &fb
	s.tracker.Observe(fb)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventTurn, Turn: &snap.Transcript[0]})
	s.emit(Event{Type: EventFeedback, Feedback: &fb})
	s.emit(Event{Type: EventState, Snapshot: &snap})
	s.speak(fb.AvatarResponse)
	return snap, nil
}

// StartSimulation opens the scenario picker.
func (s *Session) StartSimulation() (Snapshot, error) {
	s.mu.Lock()
	if s.mode != types.ModeHome {
		mode := s.mode
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: start simulation from %s", ErrInvalidTransition, mode)
	}
	s.resetLocked()
	s.mode = types.ModeExamMenu
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventState, Snapshot: &snap})
	return snap, nil
}

// PickTopic starts the exam roleplay on topicID. The greeting is built
// locally; no model call is made.
func (s *Session) PickTopic(topicID string) (Snapshot, error) {
	topic, ok := s.cfg.Catalog.Lookup(topicID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topicID)
	}

	s.mu.Lock()
	if s.mode != types.ModeExamMenu {
		mode := s.mode
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: pick topic from %s", ErrInvalidTransition, mode)
	}
	s.resetLocked()
	s.mode = types.ModeExam
	s.topic = &topic
	s.tracker.Reset(topic.Vocabulary)
	greeting := Greeting(topic, greetingClosers[s.randIntN(len(greetingClosers))])
	s.transcript = []types.Turn{{Role: types.RoleModel, Text: greeting}}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	slog.Info("session: exam started", "session_id", s.id, "topic", topic.ID)
	s.emit(Event{Type: EventTurn, Turn: &snap.Transcript[0]})
	s.emit(Event{Type: EventState, Snapshot: &snap})
	s.speak(greeting)
	return snap, nil
}

// Send submits a learner message and waits for the partner's reply.
func (s *Session) Send(ctx context.Context, text string) (Snapshot, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Snapshot{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Snapshot{}, s.rejectBusy(ctx)
	}
	if !s.mode.Active() {
		mode := s.mode
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: send from %s", ErrInvalidTransition, mode)
	}

	mode := s.mode
	req := gateway.ConverseRequest{
		Transcript: slices.Clone(s.transcript),
		Message:    text,
		Mode:       mode,
		Vocabulary: s.tracker.Words(),
		Profile:    cloneProfile(s.profile),
	}
	if s.topic != nil {
		t := s.topic.Clone()
		req.Topic = &t
	}
	userTurn := types.Turn{Role: types.RoleUser, Text: text}
	s.transcript = append(s.transcript, userTurn)
	callCtx, epoch := s.beginLocked(ctx)
	s.mu.Unlock()

	s.emit(Event{Type: EventTurn, Turn: &userTurn})
	s.cfg.Metrics.RecordSend(ctx, mode.String())

	fb := s.cfg.Conversation.Converse(callCtx, req)

	s.mu.Lock()
	if !s.finishLocked(epoch) {
		s.mu.Unlock()
		return Snapshot{}, ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		// The caller went away; its reply is not part of the dialogue.
		s.transcript = s.transcript[:len(s.transcript)-1]
		snap := s.snapshotLocked()
		s.mu.Unlock()
		slog.Debug("session: send abandoned", "session_id", s.id, "err", err)
		s.emit(Event{Type: EventState, Snapshot: &snap})
		return Snapshot{}, err
	}
	modelTurn := types.Turn{Role: types.RoleModel, Text: fb.AvatarResponse}
	s.transcript = append(s.transcript, modelTurn)
	s.feedback = &fb
	var topicID string
	if s.topic != nil {
		topicID = s.topic.ID
	}
	if mode == types.ModePractice && s.tracker.Observe(fb) == drill.StateExhausted {
		slog.Debug("session: drill list exhausted", "session_id", s.id)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventTurn, Turn: &modelTurn})
	s.emit(Event{Type: EventFeedback, Feedback: &fb})
	s.emit(Event{Type: EventState, Snapshot: &snap})
	s.speak(fb.AvatarResponse)

	if word, ok := fb.Word(); ok && mode == types.ModePractice {
		s.saveLearned(ctx, word, topicID)
	}
	return snap, nil
}

// SendTranscript corrects recognised speech toward the active vocabulary and
// sends the result. It returns the corrections that were applied.
func (s *Session) SendTranscript(ctx context.Context, heard string) (Snapshot, []phonetic.Correction, error) {
	vocab := s.tracker.Words()
	text, corrections := s.cfg.Corrector.Correct(strings.TrimSpace(heard), vocab)
	if len(corrections) > 0 {
		slog.Debug("session: transcript corrected",
			"session_id", s.id,
			"heard", heard,
			"corrected", text,
			"corrections", len(corrections),
		)
	}
	snap, err := s.Send(ctx, text)
	return snap, corrections, err
}

// NewWords replaces the drill list with freshly generated words and restarts
// practice on the same topic. On failure the current list stays active and
// the error wraps [drill.ErrNoWords] or [drill.ErrGeneration].
func (s *Session) NewWords(ctx context.Context) (Snapshot, error) {
	if s.cfg.Words == nil {
		return Snapshot{}, fmt.Errorf("session: new words: %w", drill.ErrGeneration)
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return Snapshot{}, s.rejectBusy(ctx)
	}
	if s.mode != types.ModePractice || s.topic == nil {
		mode := s.mode
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: new words from %s", ErrInvalidTransition, mode)
	}
	topic := s.topic.Clone()
	active := s.tracker.Words()
	profile := cloneProfile(s.profile)
	callCtx, epoch := s.beginLocked(ctx)
	s.mu.Unlock()

	s.emitState()

	words, err := s.cfg.Words.Generate(callCtx, topic, profile, active, s.userID)

	s.mu.Lock()
	if !s.finishLocked(epoch) {
		s.mu.Unlock()
		return Snapshot{}, ErrInterrupted
	}
	if err != nil {
		s.mu.Unlock()
		slog.Warn("session: word generation failed", "session_id", s.id, "err", err)
		s.emitState()
		return Snapshot{}, err
	}
	return s.startDrillLocked(ctx, topic, words)
}

// GoHome discards the session state and returns to home. An outstanding
// model call is cancelled and its answer dropped.
func (s *Session) GoHome() Snapshot {
	s.mu.Lock()
	s.resetLocked()
	s.mode = types.ModeHome
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventState, Snapshot: &snap})
	return snap
}

func (s *Session) speak(text string) {
	s.mu.Lock()
	sp := s.speaker
	s.mu.Unlock()
	if sp == nil || text == "" {
		return
	}
	sp.Speak(text, nil)
}

func (s *Session) saveLearned(ctx context.Context, word, topicID string) {
	if s.cfg.Learned == nil || s.userID == "" {
		return
	}
	if err := s.cfg.Learned.SaveLearnedWord(ctx, s.userID, word, topicID); err != nil {
		slog.Warn("session: save learned word failed",
			"session_id", s.id,
			"word", word,
			"err", err,
		)
	}
}

// close cancels any outstanding call. The session must not be used
// afterwards.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.mode = types.ModeHome
}
