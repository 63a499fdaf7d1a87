package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/cowrite/pkg/document"
	"github.com/astromechza/cowrite/pkg/store"
)

// Registry owns the one-session-per-document invariant. Concurrent
// GetOrCreate calls for the same id share one load; calls for different ids
// never wait on each other.
type Registry struct {
	store       store.Store
	maxDocBytes int
	// allowCreate seeds a fresh doc when the store has no content. Off by
	// default: document creation belongs to the surrounding CRUD API.
	allowCreate bool

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	once    sync.Once
	ready   chan struct{}
	session *Session
	err     error
}

func NewRegistry(st store.Store, maxDocBytes int, allowCreate bool) *Registry {
	return &Registry{
		store:       st,
		maxDocBytes: maxDocBytes,
		allowCreate: allowCreate,
		entries:     map[string]*registryEntry{},
	}
}

// GetOrCreate returns the live session for a document, loading it from the
// durable store when no client currently has it open.
func (r *Registry) GetOrCreate(ctx context.Context, documentID string) (*Session, error) {
	r.mu.Lock()
	e, ok := r.entries[documentID]
	if !ok {
		e = &registryEntry{ready: make(chan struct{})}
		r.entries[documentID] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		defer close(e.ready)
		e.session, e.err = r.load(ctx, documentID)
		if e.err != nil {
			r.mu.Lock()
			delete(r.entries, documentID)
			r.mu.Unlock()
		}
	})

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.session, e.err
}

func (r *Registry) load(ctx context.Context, documentID string) (*Session, error) {
	raw, err := r.store.Load(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		if !r.allowCreate {
			return nil, err
		}
		slog.Info("seeding fresh document", "doc", documentID)
		return newSession(documentID, document.New()), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load document %q: %w", documentID, err)
	}
	if err := document.CheckSize(raw, r.maxDocBytes); err != nil {
		return nil, err
	}
	handle, err := document.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load document %q: %w", documentID, err)
	}
	return newSession(documentID, handle), nil
}

// Get returns the session only if it is currently live.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[documentID]
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.session, true
}

// Range calls fn for every live session.
func (r *Registry) Range(fn func(*Session)) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				sessions = append(sessions, e.session)
			}
		default:
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

// evict drops the session from the registry. Only the bridge calls this, and
// only under the eviction rules: no attached connections and either a clean
// flush or exhausted retries. Emptiness is re-verified under both locks and
// the session is marked evicted in the same critical section, so a join that
// raced the bridge either attached first (eviction aborts) or sees the mark
// in AttachLimited and fetches a fresh session. Reports whether the session
// is gone from the registry.
func (r *Registry) evict(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attached) > 0 || s.state == StateFlushing {
		return false
	}
	s.evicted = true
	if e, ok := r.entries[s.DocumentID]; ok && e.session == s {
		delete(r.entries, s.DocumentID)
	}
	return true
}
