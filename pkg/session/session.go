package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/cowrite/pkg/document"
)

var (
	// ErrEvicted means the bridge removed this session from the registry
	// after the caller looked it up; the caller must fetch a fresh one.
	ErrEvicted = errors.New("session evicted")
	// ErrConnectionCeiling means the per-document connection ceiling is
	// already reached.
	ErrConnectionCeiling = errors.New("connection ceiling reached")
)

// FlushState is the per-session persistence state machine. Transitions:
// Clean -> Dirty on the first accepted update, Dirty -> Flushing when the
// bridge picks the session up, Flushing -> Clean only if no update arrived
// while the flush was in flight, Flushing -> Dirty otherwise or on failure.
type FlushState int

const (
	StateClean FlushState = iota
	StateDirty
	StateFlushing
)

func (s FlushState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateFlushing:
		return "flushing"
	}
	return "unknown"
}

// Client is the session's view of an attached connection: an id and a way to
// push an encoded frame. Deliver must not block; the gateway backs it with a
// bounded queue and detaches slow clients itself.
type Client interface {
	ID() string
	UserID() string
	Deliver(frame []byte) bool
}

// Session holds the authoritative in-memory copy of one document while at
// least one client is attached. All engine access is serialized under mu, so
// updates for one document apply strictly one at a time while different
// documents never contend.
type Session struct {
	DocumentID string

	mu              sync.Mutex
	handle          *document.Handle
	attached        map[string]Client
	state           FlushState
	gen             uint64
	lastPersistedAt time.Time
	evictAttempts   int
	evicted         bool
}

func newSession(documentID string, handle *document.Handle) *Session {
	return &Session{
		DocumentID: documentID,
		handle:     handle,
		attached:   map[string]Client{},
		state:      StateClean,
	}
}

func (s *Session) Attach(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[c.ID()] = c
	s.evictAttempts = 0
}

// AttachLimited attaches the connection unless the per-document ceiling is
// already reached or the session has been evicted. Check and insert happen
// under one lock so two racing joins cannot both squeeze past the ceiling,
// and an attach cannot land on a session the registry no longer holds.
func (s *Session) AttachLimited(c Client, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return ErrEvicted
	}
	if max > 0 && len(s.attached) >= max {
		return ErrConnectionCeiling
	}
	s.attached[c.ID()] = c
	s.evictAttempts = 0
	return nil
}

// Detach removes a connection and reports how many remain attached. The
// caller schedules final-flush-then-evict when zero comes back.
func (s *Session) Detach(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, connID)
	return len(s.attached)
}

func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// UserAttached reports whether any other connection of the same user is
// still attached; presence records survive while one is.
func (s *Session) UserAttached(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.attached {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

// Apply feeds one client update into the live doc and marks the session
// dirty. Updates from a single connection arrive through its read loop, so
// per-source ordering falls out of the one-at-a-time lock here.
func (s *Session) Apply(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.handle.ApplyUpdate(payload); err != nil {
		return err
	}
	s.gen++
	if s.state == StateClean {
		s.state = StateDirty
	}
	return nil
}

// Broadcast pushes an encoded frame to every attached client except the
// originator. Clients whose queue is full report failure and are returned so
// the gateway can force-detach them.
func (s *Session) Broadcast(fromConnID string, frame []byte) []Client {
	s.mu.Lock()
	clients := make([]Client, 0, len(s.attached))
	for id, c := range s.attached {
		if id != fromConnID {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	var stalled []Client
	for _, c := range clients {
		if !c.Deliver(frame) {
			slog.Warn("dropping slow client", "doc", s.DocumentID, "conn", c.ID())
			stalled = append(stalled, c)
		}
	}
	return stalled
}

// SnapshotDoc serializes the live doc. Used by the initial state push to a
// joining client and by the bridge.
func (s *Session) SnapshotDoc() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.Snapshot()
}

func (s *Session) State() FlushState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastPersistedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPersistedAt
}

// beginFlush snapshots the doc for persistence if the session is dirty and
// no flush is in flight. The returned generation is compared on completion.
func (s *Session) beginFlush() (snapshot []byte, gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDirty {
		return nil, 0, false
	}
	s.state = StateFlushing
	return s.handle.Snapshot(), s.gen, true
}

// endFlush resolves the Flushing state. The compare against the generation
// recorded at beginFlush keeps an update that landed mid-flush dirty for the
// next tick instead of silently losing it.
func (s *Session) endFlush(gen uint64, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateDirty
		return
	}
	s.lastPersistedAt = now
	if s.gen == gen {
		s.state = StateClean
	} else {
		s.state = StateDirty
	}
}
