package agentsocket

import (
	"context"
	"iter"
	"sync"
)

// Snapshot is the externally observable state of a Session. Versions
// increase monotonically; a watcher only ever sees newer snapshots.
type Snapshot struct {
	Version        uint64
	State          ConnState
	RetryAttempt   int
	Messages       []Message
	Typing         TypingState
	ConversationID string
	SessionID      string
	Err            string
}

// Watcher receives snapshots of a Session. Intermediate snapshots are
// coalesced: a slow reader skips straight to the latest state.
type Watcher struct {
	session *Session
	ch      chan Snapshot
	done    chan struct{}

	closeOnce sync.Once
}

func newWatcher(s *Session) *Watcher {
	return &Watcher{
		session: s,
		ch:      make(chan Snapshot, 1),
		done:    make(chan struct{}),
	}
}

// Next returns the next snapshot. It returns ErrClosed once the watcher or
// its session is closed.
func (w *Watcher) Next(ctx context.Context) (Snapshot, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case snap := <-w.ch:
		return snap, nil
	case <-w.done:
		// Drain the last pending snapshot
		select {
		case snap := <-w.ch:
			return snap, nil
		default:
		}
		return Snapshot{}, ErrClosed
	}
}

// All returns an iterator over snapshots until ctx ends or the watcher is
// closed.
func (w *Watcher) All(ctx context.Context) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		for {
			snap, err := w.Next(ctx)
			if err != nil {
				return
			}
			if !yield(snap) {
				return
			}
		}
	}
}

// Close unregisters the watcher.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		w.session.removeWatcher(w)
		close(w.done)
	})
}

// offer replaces any unread snapshot with snap. Must be called with the
// session's watchMu held.
func (w *Watcher) offer(snap Snapshot) {
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- snap:
	default:
	}
}

// Watch registers a watcher primed with the current snapshot.
func (s *Session) Watch() *Watcher {
	w := newWatcher(s)

	s.watchMu.Lock()
	if s.watchClosed {
		s.watchMu.Unlock()
		w.closeOnce.Do(func() { close(w.done) })
		return w
	}
	s.watchers[w] = struct{}{}
	s.watchMu.Unlock()

	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	return w
}

// Updates returns an iterator over snapshots, starting with the current one.
func (s *Session) Updates(ctx context.Context) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		w := s.Watch()
		defer w.Close()
		for snap := range w.All(ctx) {
			if !yield(snap) {
				return
			}
		}
	}
}

// publish delivers snap to every watcher unless a newer one was already
// delivered.
func (s *Session) publish(snap Snapshot) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if snap.Version <= s.published {
		return
	}
	s.published = snap.Version
	for w := range s.watchers {
		w.offer(snap)
	}
}

func (s *Session) removeWatcher(w *Watcher) {
	s.watchMu.Lock()
	delete(s.watchers, w)
	s.watchMu.Unlock()
}

func (s *Session) closeWatchers() {
	s.watchMu.Lock()
	s.watchClosed = true
	watchers := make([]*Watcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.watchMu.Unlock()

	for _, w := range watchers {
		w.Close()
	}
}
