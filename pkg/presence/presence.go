package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/cowrite/pkg/schedule"
)

// Record describes one user's presence on one document.
type Record struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Editing    bool      `json:"isEditing"`
	LastSeen   time.Time `json:"lastSeenAt"`
}

type key struct {
	doc, user string
}

type entry struct {
	rec    Record
	cancel schedule.CancelFunc
}

// Table tracks which users are present on which documents and whether each is
// actively editing. An editing user that stops heartbeating for two heartbeat
// intervals is downgraded to not-editing; the record itself is only removed
// by an explicit Leave.
type Table struct {
	mu        sync.Mutex
	sched     schedule.Scheduler
	heartbeat time.Duration
	entries   map[key]*entry
}

func NewTable(sched schedule.Scheduler, heartbeat time.Duration) *Table {
	return &Table{sched: sched, heartbeat: heartbeat, entries: map[key]*entry{}}
}

// Init replaces the whole presence set for a document in one step. Timers for
// previous entries are cancelled and rebuilt for the users now marked editing.
func (t *Table) Init(doc string, userIDs []string, editingIDs []string) {
	editing := make(map[string]bool, len(editingIDs))
	for _, u := range editingIDs {
		editing[u] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.doc == doc {
			if e.cancel != nil {
				e.cancel()
			}
			delete(t.entries, k)
		}
	}
	for _, u := range userIDs {
		t.upsertLocked(doc, u, editing[u])
	}
}

// Touch upserts a presence record. While editing is true, each call cancels
// the previous expiry timer and schedules a fresh one, so at most one timer
// is ever pending per (document, user) and a slightly late heartbeat never
// races a stale timer into a spurious downgrade.
func (t *Table) Touch(doc, user string, editing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upsertLocked(doc, user, editing)
}

func (t *Table) upsertLocked(doc, user string, editing bool) {
	k := key{doc: doc, user: user}
	e, ok := t.entries[k]
	if !ok {
		e = &entry{rec: Record{DocumentID: doc, UserID: user}}
		t.entries[k] = e
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.rec.Editing = editing
	e.rec.LastSeen = t.sched.Now()
	if editing {
		e.cancel = t.sched.After(2*t.heartbeat, func() { t.expire(k) })
	}
}

// expire is the timer callback: downgrade to not-editing, never delete.
func (t *Table) expire(k key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[k]
	if !ok || !e.rec.Editing {
		return
	}
	e.rec.Editing = false
	e.cancel = nil
	slog.Debug("presence editing expired", "doc", k.doc, "user", k.user)
}

// Leave removes the record and cancels any pending timer. No-op if absent.
func (t *Table) Leave(doc, user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{doc: doc, user: user}
	if e, ok := t.entries[k]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(t.entries, k)
	}
}

// Get returns a snapshot of the presence records for a document.
func (t *Table) Get(doc string) map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record)
	for k, e := range t.entries {
		if k.doc == doc {
			out[k.user] = e.rec
		}
	}
	return out
}

// Snapshot splits a document's presence into the user id lists carried by the
// init frame sent to a joining client.
func (t *Table) Snapshot(doc string) (userIDs, editingIDs []string) {
	for u, rec := range t.Get(doc) {
		userIDs = append(userIDs, u)
		if rec.Editing {
			editingIDs = append(editingIDs, u)
		}
	}
	return userIDs, editingIDs
}
