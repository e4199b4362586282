// Package drill tracks progress through a practice vocabulary list and
// regenerates the list on request.
//
// Grading is done by the model: a reply that carries a correction means the
// learner's attempt was wrong and the drill stays on the same word. The
// [Tracker] only follows the current word reported in each reply and flags the
// list as exhausted once the reply points past its end. New words are never
// fetched automatically; the learner asks for them and a [Generator] produces
// the next list.
package drill

import (
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/englishpro/pkg/types"
)

// State is the drill's progress through its list.
type State int

const (
	// StateEmpty means no list is installed.
	StateEmpty State = iota

	// StateDrilling means the learner is working through the list.
	StateDrilling

	// StateExhausted means the model moved past the last word. The learner
	// needs a new list.
	StateExhausted
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDrilling:
		return "drilling"
	case StateExhausted:
		return "need-new-words"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Progress is a point-in-time view of a [Tracker].
type Progress struct {
	State State `json:"state"`

	// Cursor is the 1-based position of the current word; 0 when empty.
	Cursor int `json:"cursor"`

	Current string   `json:"current_word"`
	Total   int      `json:"total"`
	Words   []string `json:"words"`
}

// Tracker follows the current word of one drill list. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	words   []string
	cursor  int
	current string
	state   State
}

// NewTracker returns a tracker drilling words.
func NewTracker(words []string) *Tracker {
	t := &Tracker{}
	t.Reset(words)
	return t
}

// Reset installs a new list with the cursor on its first word.
func (t *Tracker) Reset(words []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.words = slices.Clone(words)
	if len(t.words) == 0 {
		t.cursor, t.current, t.state = 0, "", StateEmpty
		return
	}
	t.cursor, t.current, t.state = 1, t.words[0], StateDrilling
}

// Observe applies a model reply and returns the resulting state.
//
// A reply with a correction leaves the tracker untouched. Otherwise the
// position comes from word_number, or from current_word when the number is
// missing. The cursor only moves forward. A position past the end of the
// list switches to [StateExhausted].
func (t *Tracker) Observe(fb types.FeedbackResult) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateDrilling || fb.HasCorrection() {
		return t.state
	}

	pos, ok := fb.Number()
	if !ok {
		w, hasWord := fb.Word()
		if !hasWord {
			return t.state
		}
		pos = t.indexOf(w) + 1
		if pos == 0 {
			return t.state
		}
	}

	if pos > len(t.words) {
		t.state = StateExhausted
		return t.state
	}
	if pos > t.cursor {
		t.cursor = pos
		t.current = t.words[pos-1]
		if w, hasWord := fb.Word(); hasWord {
			t.current = w
		}
	}
	return t.state
}

func (t *Tracker) indexOf(word string) int {
	return slices.IndexFunc(t.words, func(w string) bool {
		return strings.EqualFold(w, word)
	})
}

// Words returns a copy of the active list.
func (t *Tracker) Words() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.words)
}

// Progress returns a snapshot of the tracker.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{
		State:   t.state,
		Cursor:  t.cursor,
		Current: t.current,
		Total:   len(t.words),
		Words:   slices.Clone(t.words),
	}
}
