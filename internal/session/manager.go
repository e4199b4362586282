package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/pkg/types"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// subscriberBuffer is the number of events queued per subscriber before new
// events are dropped for it.
const subscriberBuffer = 64

// ProfileSource loads learner profiles. [store.Store] implements it.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)
}

// Translator translates free text. [gateway.Gateway] implements it.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	// Session is the configuration every new session is created with.
	Session Config

	// Profiles may be nil; sessions then run without a profile.
	Profiles ProfileSource

	// Translator may be nil; Translate then fails.
	Translator Translator
}

type subscriber struct {
	ch chan Event
}

// Manager owns the live sessions. A user is bound to at most one session at
// a time. All exported methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string

	subMu sync.Mutex
	subs  map[string]map[*subscriber]struct{}
}

// NewManager creates an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// Create returns the session bound to userID, creating one in home mode if
// there is none. An empty userID always creates an unbound session. The
// learner's profile is loaded from the profile source; a failed load is
// logged and the session starts without a profile.
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID != "" {
		if s, ok := m.ForUser(userID); ok {
			return s, nil
		}
	}

	profile := m.loadProfile(ctx, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if userID != "" {
		if id, ok := m.byUser[userID]; ok {
			return m.sessions[id], nil
		}
	}

	id := uuid.NewString()
	s := New(id, userID, profile, m.cfg.Session, func(e Event) { m.publish(e) })
	m.sessions[id] = s
	if userID != "" {
		m.byUser[userID] = id
	}
	m.cfg.Session.Metrics.ActiveSessions.Add(ctx, 1)

	slog.Info("session created", "session_id", id, "user_id", userID, "profile", profile != nil)
	return s, nil
}

func (m *Manager) loadProfile(ctx context.Context, userID string) *types.UserProfile {
	if m.cfg.Profiles == nil || userID == "" {
		return nil
	}
	p, err := m.cfg.Profiles.GetProfile(ctx, userID)
	if err != nil {
		slog.Warn("session: load profile failed", "user_id", userID, "err", err)
		return nil
	}
	return p
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return s, nil
}

// ForUser returns the session bound to userID.
func (m *Manager) ForUser(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// List returns snapshots of all sessions, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Remove discards the session with id, cancels its outstanding call and
// closes its subscriptions after a final [EventClosed].
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	delete(m.sessions, id)
	if s.userID != "" && m.byUser[s.userID] == id {
		delete(m.byUser, s.userID)
	}
	m.mu.Unlock()

	s.close()
	m.cfg.Session.Metrics.ActiveSessions.Add(ctx, -1)
	m.publish(Event{Type: EventClosed, SessionID: id})

	m.subMu.Lock()
	for sub := range m.subs[id] {
		close(sub.ch)
	}
	delete(m.subs, id)
	m.subMu.Unlock()

	slog.Info("session removed", "session_id", id, "user_id", s.userID)
	return nil
}

// Close removes every session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Remove(ctx, id)
	}
}

// UpdateProfile replaces the profile of the session bound to userID, if any.
func (m *Manager) UpdateProfile(userID string, p *types.UserProfile) {
	if s, ok := m.ForUser(userID); ok {
		s.SetProfile(p)
	}
}

// Translate translates text between Indonesian and English. It does not
// touch any session.
func (m *Manager) Translate(ctx context.Context, text string) (string, error) {
	if m.cfg.Translator == nil {
		return "", errors.New("session: translation not available")
	}
	return m.cfg.Translator.Translate(ctx, text)
}

// Subscribe returns a channel of the events of session id. The channel is
// closed by the returned cancel function or when the session is removed.
// A subscriber that falls behind misses events rather than blocking the
// session.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	// Registering under m.mu orders the subscription against Remove, which
	// then always finds and closes it.
	m.mu.RLock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.RUnlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	m.subMu.Lock()
	if m.subs[id] == nil {
		m.subs[id] = make(map[*subscriber]struct{})
	}
	m.subs[id][sub] = struct{}{}
	m.subMu.Unlock()
	m.mu.RUnlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[id][sub]; ok {
				delete(m.subs[id], sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel, nil
}

// Publish delivers e to the subscribers of e.SessionID. It is used by
// components that report on behalf of a session, such as the speech
// coordinator of a live connection.
func (m *Manager) Publish(e Event) { m.publish(e) }

func (m *Manager) publish(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs[e.SessionID] {
		select {
		case sub.ch <- e:
		default:
			slog.Warn("session: subscriber lagging, event dropped",
				"session_id", e.SessionID,
				"type", e.Type,
			)
		}
	}
}
