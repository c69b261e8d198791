// Package metadata defines the storage interface the cluster core
// depends on for index settings and document metadata, plus a Badger
// backed implementation.
package metadata

import "context"

// Document is a stored object plus its optimistic-concurrency version.
type Document struct {
	Body    []byte
	Version uint64
}

// UpdateType distinguishes a full document replace from a partial merge.
type UpdateType int

const (
	UpdateReplace UpdateType = iota
	UpdateMerge
)

// UpdateRequest describes an optimistically-locked write.
type UpdateRequest struct {
	ID              string
	ExpectedVersion uint64
	Create          bool
	Object          []byte
	Commit          bool
	Type            UpdateType
}

// Store is the persistence interface the cluster core depends on. The
// backing engine is an implementation detail; core code only ever talks
// to this interface so it can be swapped (Badger today, something else
// tomorrow) without touching resolver/schema logic.
type Store interface {
	// GetMetadata returns the bytes stored under key, or ErrDocNotFound /
	// ErrDatabaseNotFound.
	GetMetadata(ctx context.Context, database, key string) ([]byte, error)

	// SetMetadata stores bytes under key, last-writer-wins.
	SetMetadata(ctx context.Context, database, key string, value []byte) error

	// GetDocument fetches a document body and its current version.
	GetDocument(ctx context.Context, database, id string) (Document, error)

	// Update performs an optimistic-locked write, returning the new
	// version on success or ErrVersionConflict if ExpectedVersion is
	// stale.
	Update(ctx context.Context, database string, req UpdateRequest) (newVersion uint64, err error)

	// Close releases any resources held by the store.
	Close() error
}
