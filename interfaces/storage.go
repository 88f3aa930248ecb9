package interfaces

import "context"

// StoreBackend persists the policy store record as a single opaque blob.
// The record is always read and written wholesale; backends must make
// Save atomic so a crash never leaves a partially written record that
// still parses.
type StoreBackend interface {
	// Load retrieves the current record. Returns ErrStoreMissing if no
	// record has been saved yet.
	Load(ctx context.Context) ([]byte, error)

	// Save replaces the current record atomically.
	Save(ctx context.Context, data []byte) error

	// Exists reports whether a record is present without reading it.
	Exists(ctx context.Context) (bool, error)

	// Name returns a unique identifier for this backend.
	Name() string

	// LocationURI returns the URI identifying where records are stored.
	LocationURI() string
}
