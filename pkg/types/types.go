// Package types defines the data shared between the dialogue session, the
// LLM gateway, the drill engine and the persistence layer.
//
// Each package defines its own domain types; only the structures that cross
// package boundaries live here, which keeps the import graph acyclic.
package types

import (
	"fmt"
	"strings"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn spoken or typed by the learner.
	RoleUser Role = "user"

	// RoleModel marks a turn produced by the conversation partner.
	RoleModel Role = "model"
)

// Turn is one entry of the transcript. Transcripts are append-only and their
// order is replayed verbatim to the model on every request.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Mode is the dialogue session state.
type Mode int

const (
	// ModeHome is the idle state: no topic, no transcript.
	ModeHome Mode = iota

	// ModeExamMenu is the scenario picker shown before an exam starts.
	ModeExamMenu

	// ModePractice is the vocabulary drill with the instructor persona.
	ModePractice

	// ModeExam is the free roleplay with the scenario persona.
	ModeExam
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeHome:
		return "home"
	case ModeExamMenu:
		return "exam-menu"
	case ModePractice:
		return "practice"
	case ModeExam:
		return "exam"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Active reports whether the mode carries a conversation.
func (m Mode) Active() bool {
	return m == ModePractice || m == ModeExam
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses the wire name of a mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "home":
		return ModeHome, nil
	case "exam-menu":
		return ModeExamMenu, nil
	case "practice":
		return ModePractice, nil
	case "exam":
		return ModeExam, nil
	default:
		return ModeHome, fmt.Errorf("types: unknown mode %q", s)
	}
}

// FeedbackResult is the structured reply of the conversation partner. The
// optional fields are nil when the model left them out or set them to null.
// CurrentWord and WordNumber are only meaningful in practice mode.
type FeedbackResult struct {
	AvatarResponse string  `json:"avatar_response"`
	CurrentWord    *string `json:"current_word"`
	WordNumber     *int    `json:"word_number"`
	Correction     *string `json:"correction"`
	VocabLesson    *string `json:"vocab_lesson"`
}

// Word returns the current drill word, if any.
func (f FeedbackResult) Word() (string, bool) {
	if f.CurrentWord == nil {
		return "", false
	}
	w := strings.TrimSpace(*f.CurrentWord)
	return w, w != ""
}

// Number returns the 1-based position of the current drill word, if any.
func (f FeedbackResult) Number() (int, bool) {
	if f.WordNumber == nil {
		return 0, false
	}
	return *f.WordNumber, true
}

// HasCorrection reports whether the model flagged the learner's last attempt.
func (f FeedbackResult) HasCorrection() bool {
	return f.Correction != nil && strings.TrimSpace(*f.Correction) != ""
}

// English proficiency levels offered during profile setup.
const (
	LevelBeginner     = "Beginner"
	LevelIntermediate = "Intermediate"
	LevelAdvanced     = "Advanced"
	LevelNativeLike   = "Native-like"
)

// UserProfile personalises prompts. It is owned by the persistence layer and
// read-only for the duration of a turn.
type UserProfile struct {
	Username     string `json:"username"`
	Profession   string `json:"profession"`
	EnglishLevel string `json:"english_level"`
	Goal         string `json:"goal"`
}

// ValidLevel reports whether level is one of the known proficiency levels.
func ValidLevel(level string) bool {
	switch level {
	case LevelBeginner, LevelIntermediate, LevelAdvanced, LevelNativeLike:
		return true
	default:
		return false
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
