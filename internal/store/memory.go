package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/englishpro/pkg/types"
)

var _ Store = (*Memory)(nil)

// Memory is a process-local [Store]. Data is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	readOnly bool
	profiles map[string]types.UserProfile
	locked   map[string]bool
	words    map[string][]learnedWord
}

type learnedWord struct {
	word    string
	topicID string
}

// MemoryOption configures a [Memory] store.
type MemoryOption func(*Memory)

// ReadOnly makes every profile write return [ErrWriteRejected], the way a
// hosted database behaves when its access policy denies the caller.
func ReadOnly() MemoryOption {
	return func(m *Memory) { m.readOnly = true }
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		profiles: make(map[string]types.UserProfile),
		locked:   make(map[string]bool),
		words:    make(map[string][]learnedWord),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetProfile implements [Store].
func (m *Memory) GetProfile(_ context.Context, userID string) (*types.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// SaveProfile implements [Store].
func (m *Memory) SaveProfile(_ context.Context, userID string, p types.UserProfile) (*types.UserProfile, error) {
	p, err := Prepare(userID, p)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly || m.locked[userID] {
		return nil, ErrWriteRejected
	}
	m.profiles[userID] = p
	return &p, nil
}

// SetLocked locks or unlocks a profile against further writes.
func (m *Memory) SetLocked(_ context.Context, userID string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[userID]; !ok {
		return nil
	}
	m.locked[userID] = locked
	return nil
}

// SaveLearnedWord implements [Store].
func (m *Memory) SaveLearnedWord(_ context.Context, userID, word, topicID string) error {
	if userID == "" {
		return ErrMissingUser
	}
	word = strings.TrimSpace(word)
	if word == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.words[userID]
	if i := slices.IndexFunc(list, func(w learnedWord) bool { return w.word == word }); i >= 0 {
		list[i].topicID = topicID
		return nil
	}
	m.words[userID] = append(list, learnedWord{word: word, topicID: topicID})
	return nil
}

// GetLearnedWords implements [Store].
func (m *Memory) GetLearnedWords(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.words[userID]
	out := make([]string, len(list))
	for i, w := range list {
		out[i] = w.word
	}
	return out, nil
}

// Ping implements [Store].
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Store].
func (m *Memory) Close() error { return nil }
