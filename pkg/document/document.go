package document

import (
	"errors"
	"fmt"

	"github.com/automerge/automerge-go"
)

// ErrTooLarge indicates a document snapshot exceeds the configured ceiling.
var ErrTooLarge = errors.New("document too large")

// Handle wraps the live automerge doc that backs one collaborative session.
// It is not safe for concurrent use: the owning session serializes access.
type Handle struct {
	doc *automerge.Doc
}

func New() *Handle {
	return &Handle{doc: automerge.New()}
}

func Load(raw []byte) (*Handle, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &Handle{doc: doc}, nil
}

// ApplyUpdate feeds an opaque incremental change payload from a client into
// the live doc. The payload shape belongs to the engine, not to us.
func (h *Handle) ApplyUpdate(payload []byte) error {
	if err := h.doc.LoadIncremental(payload); err != nil {
		return fmt.Errorf("failed to apply update: %w", err)
	}
	return nil
}

// Snapshot serializes the full document for persistence.
func (h *Handle) Snapshot() []byte {
	return h.doc.Save()
}

// CheckSize enforces the hard snapshot ceiling applied at session load time.
func CheckSize(raw []byte, limit int) error {
	if limit > 0 && len(raw) > limit {
		return fmt.Errorf("%w: %d bytes over %d limit", ErrTooLarge, len(raw), limit)
	}
	return nil
}
