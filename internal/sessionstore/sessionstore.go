// Package sessionstore holds the in-memory live-session map and the
// bounded terminated-session history (C5). Grounded on
// original_source/src/workers/browser_launcher.py, whose BrowserLauncher
// keeps `self.sessions: dict[str, BrowserSession]` under `self._session_lock`
// and a capped `self.terminated_sessions` list.
package sessionstore

import (
	"sync"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

// maxTerminatedHistory bounds the terminated-session ring buffer.
const maxTerminatedHistory = 50

// Store is the concurrency-safe container for every live and recently
// terminated session this worker knows about.
type Store struct {
	mu         sync.RWMutex
	maxSlots   int
	sessions   map[string]*model.Session
	terminated []model.TerminatedSessionRecord
}

// New constructs a Store with the given slot capacity.
func New(maxSlots int) *Store {
	return &Store{
		maxSlots: maxSlots,
		sessions: make(map[string]*model.Session),
	}
}

// HasAvailableSlots reports whether a new session could be inserted without
// exceeding maxSlots.
func (s *Store) HasAvailableSlots() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions) < s.maxSlots
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// AvailableSlots returns how many more sessions could be inserted.
func (s *Store) AvailableSlots() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.maxSlots - len(s.sessions)
	if n < 0 {
		return 0
	}
	return n
}

// ErrSlotFull is returned by InsertIfCapacity when the store is already at
// maxSlots.
type ErrSlotFull struct{}

func (ErrSlotFull) Error() string { return "no available slots" }

// InsertIfCapacity atomically checks capacity and inserts the session,
// avoiding the race where two concurrent launches both pass a separate
// capacity check and overshoot maxSlots.
func (s *Store) InsertIfCapacity(session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxSlots {
		return ErrSlotFull{}
	}
	s.sessions[session.WorkerID] = session
	return nil
}

// Get returns the live session for workerID, if any.
func (s *Store) Get(workerID string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[workerID]
	return sess, ok
}

// LookupBySessionID finds a live session by its caller-facing session ID,
// used by delete-action requests that reference a session rather than a
// worker.
func (s *Store) LookupBySessionID(sessionID string) (*model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.SessionID == sessionID {
			return sess, true
		}
	}
	return nil, false
}

// RemoveAndRecord deletes the live session and appends a terminated-session
// record, trimming the ring buffer to maxTerminatedHistory. Returns the
// removed session (or false if it was already gone, which is not an error -
// callers may race to terminate the same worker).
func (s *Store) RemoveAndRecord(workerID string, record model.TerminatedSessionRecord) (*model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[workerID]
	if !ok {
		return nil, false
	}
	delete(s.sessions, workerID)

	s.terminated = append(s.terminated, record)
	if len(s.terminated) > maxTerminatedHistory {
		s.terminated = s.terminated[len(s.terminated)-maxTerminatedHistory:]
	}
	return sess, true
}

// Touch mutates the live session for workerID in place under the store's
// lock, returning false if the worker has no live session. Used for small
// state transitions (like marking a session as navigated-away) that must be
// visible to every holder of the store, not just a snapshot copy.
func (s *Store) Touch(workerID string, mutate func(*model.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerID]
	if !ok {
		return false
	}
	mutate(sess)
	return true
}

// SnapshotActive returns a copy of every live session, safe to read without
// holding the store's lock.
func (s *Store) SnapshotActive() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// SnapshotTerminated returns a copy of the terminated-session history, most
// recent last.
func (s *Store) SnapshotTerminated() []model.TerminatedSessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.TerminatedSessionRecord, len(s.terminated))
	copy(out, s.terminated)
	return out
}
