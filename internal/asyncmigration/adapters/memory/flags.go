package memory

import (
	"context"
	"sync"
)

// FlagStore keeps flags in process memory. Unknown flags read as their default.
type FlagStore struct {
	mu       sync.RWMutex
	values   map[string]bool
	defaults map[string]bool
	history  []FlagChange
}

// FlagChange records one Set call
type FlagChange struct {
	Name  string
	Value bool
}

// NewFlagStore creates a flag store with the given defaults
func NewFlagStore(defaults map[string]bool) *FlagStore {
	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &FlagStore{
		values:   make(map[string]bool),
		defaults: d,
	}
}

// Get returns the flag value
func (s *FlagStore) Get(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[name]; ok {
		return v, nil
	}
	return s.defaults[name], nil
}

// Set stores the flag value
func (s *FlagStore) Set(_ context.Context, name string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[name] = value
	s.history = append(s.history, FlagChange{Name: name, Value: value})
	return nil
}

// History returns every Set call in order
func (s *FlagStore) History() []FlagChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FlagChange(nil), s.history...)
}
