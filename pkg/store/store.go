package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no persisted content exists for the document id.
	ErrNotFound = errors.New("document not found")
	// ErrDenied indicates the user has no capabilities on the document.
	ErrDenied = errors.New("access denied")
)

// Store is the durable side of the persistence bridge.
type Store interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, content []byte) error
}

// Capabilities are the access rights a user holds on one document.
type Capabilities struct {
	Read  bool
	Write bool
}

// Authorizer answers whether a user may attach to a document.
type Authorizer interface {
	CanAccess(ctx context.Context, userID, documentID string) (Capabilities, error)
}
