// Package sessions tracks the live relay sessions of the process.
package sessions

import (
	"context"
	"sort"
	"sync"

	"github.com/stillmatic/convai-call-relay/pkg/relay"
)

// Session is what the tracker needs from a live relay session.
type Session interface {
	ID() string
	Stats() relay.Stats
	Shutdown()
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	sess Session
	once sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds s and returns the function that removes it. The returned
// function is safe to call more than once.
func (t *Tracker) Register(s Session) (unregister func()) {
	if t == nil {
		return func() {}
	}
	id := s.ID()
	entry := &trackedSession{sess: s}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[id]
	t.sessions[id] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(id, old)
	}

	return func() { t.unregister(id, entry) }
}

func (t *Tracker) unregister(id string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[id] == entry {
			delete(t.sessions, id)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot returns the stats of every live session, oldest first.
func (t *Tracker) Snapshot() []relay.Stats {
	out := make([]relay.Stats, 0)
	for _, s := range t.live() {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ShutdownAll closes every live session and returns how many were asked to.
func (t *Tracker) ShutdownAll() (closed int) {
	for _, s := range t.live() {
		s.Shutdown()
		closed++
	}
	return closed
}

func (t *Tracker) live() []Session {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.sess)
	}
	return out
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
