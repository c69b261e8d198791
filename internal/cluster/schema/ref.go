// Package schema caches per-index schemas in a two-tier LRU: one cache
// of local (or foreign-pointer) schemas keyed by index path, one of
// foreign-schema versions keyed by URI, with at-most-one-writer-per-slot
// semantics enforced via a compare-and-swap loop.
package schema

// Ref is the tagged-union schema value: either a Foreign pointer at
// another endpoint, or a Local schema body. Resolution over it is a
// pure function of which variant it holds.
type Ref struct {
	// Saved reports whether this value has been persisted to
	// MetadataStore; an update loop that produced an unsaved Ref must
	// still attempt set_metadata before handing it to a writable
	// caller.
	Saved bool

	foreign *foreignRef
	local   *localRef
}

type foreignRef struct {
	Endpoint string
}

type localRef struct {
	Body map[string]interface{}
}

// NewForeign builds a Ref pointing at another endpoint.
func NewForeign(endpoint string) Ref {
	return Ref{foreign: &foreignRef{Endpoint: endpoint}}
}

// NewLocal builds a Ref embedding a schema body directly.
func NewLocal(body map[string]interface{}) Ref {
	return Ref{local: &localRef{Body: body}}
}

// IsForeign reports whether the Ref is a foreign pointer.
func (r Ref) IsForeign() bool {
	return r.foreign != nil
}

// ForeignEndpoint returns the foreign URI; valid only if IsForeign.
func (r Ref) ForeignEndpoint() string {
	if r.foreign == nil {
		return ""
	}
	return r.foreign.Endpoint
}

// LocalBody returns the embedded schema body; valid only if !IsForeign.
func (r Ref) LocalBody() map[string]interface{} {
	if r.local == nil {
		return nil
	}
	return r.local.Body
}

// sameValue reports whether two Refs describe the same logical schema,
// used by the CAS loop's hit-path comparison ("held the same object by
// pointer or by value").
func (r Ref) sameValue(other Ref) bool {
	if r.foreign != nil || other.foreign != nil {
		return r.foreign == other.foreign || (r.foreign != nil && other.foreign != nil && r.foreign.Endpoint == other.foreign.Endpoint)
	}
	if r.local == other.local {
		return true
	}
	if r.local == nil || other.local == nil {
		return false
	}
	return mapsEqual(r.local.Body, other.local.Body)
}

func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	am, aok := a.(map[string]interface{})
	bm, bok := b.(map[string]interface{})
	if aok && bok {
		return mapsEqual(am, bm)
	}
	return a == b
}
