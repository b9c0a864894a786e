package pipeline

import (
	"context"
	"sync"
)

// GroupManager implements last-writer-wins cancellation between runs
// sharing a concurrency group: beginning a run cancels any in-flight run of
// the same group. Newer runs supersede older ones; there is no queueing.
type GroupManager struct {
	mu     sync.Mutex
	active map[string]*registration
}

type registration struct {
	cancel context.CancelFunc
}

// NewGroupManager creates an empty GroupManager.
func NewGroupManager() *GroupManager {
	return &GroupManager{active: map[string]*registration{}}
}

// Begin registers a new run under group and returns its context. Any run
// previously registered under the same group is canceled. The returned
// cancel must be called when the run finishes.
func (m *GroupManager) Begin(parent context.Context, group string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	reg := &registration{cancel: cancel}

	m.mu.Lock()
	if previous, ok := m.active[group]; ok {
		previous.cancel()
	}
	m.active[group] = reg
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		// Forget the registration only if a newer run has not already
		// superseded it.
		if m.active[group] == reg {
			delete(m.active, group)
		}
		m.mu.Unlock()
		cancel()
	}
}
