package memory

import (
	"context"
	"sync"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/model"
)

// RunLock is a process-local run lock
type RunLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewRunLock creates a new process-local run lock
func NewRunLock() *RunLock {
	return &RunLock{held: make(map[string]bool)}
}

// Acquire takes the lock of a migration or fails with model.ErrRunInProgress
func (l *RunLock) Acquire(_ context.Context, migration string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[migration] {
		return nil, model.ErrRunInProgress
	}
	l.held[migration] = true

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, migration)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// Held reports whether the lock of a migration is taken
func (l *RunLock) Held(migration string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[migration]
}
