package lock

import (
	"context"
	"sync"
)

// Memory is an in-process keyed mutex. It serializes per-evaluation work
// within a single process only; tests and single-binary deployments use it.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*sync.Mutex)}
}

func (m *Memory) Acquire(ctx context.Context, evaluationID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	l, ok := m.locks[evaluationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[evaluationID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock, nil
}
