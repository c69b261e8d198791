package metadata

import "errors"

// ErrDocNotFound is returned by GetMetadata/GetDocument when the key or
// document id has no stored value.
var ErrDocNotFound = errors.New("metadata: document not found")

// ErrDatabaseNotFound is returned when the backing database for a
// metadata lookup does not exist (distinct from a missing key within an
// existing database).
var ErrDatabaseNotFound = errors.New("metadata: database not found")

// ErrVersionConflict is returned by Update when the caller's expected
// version does not match the document's current stored version.
var ErrVersionConflict = errors.New("metadata: document version conflict")

// IsVersionConflict reports whether err is, or wraps, ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound reports whether err is, or wraps, ErrDocNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocNotFound)
}
