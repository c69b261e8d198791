package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yndnr/tokmesh-go/internal/cluster/metadata"
	"github.com/yndnr/tokmesh-go/internal/cluster/resolver"
)

// MaxSchemaRecursion bounds foreign-schema resolution depth; a chain of
// foreign pointers longer than this, or a direct cycle, is rejected.
const MaxSchemaRecursion = 10

// ErrCyclicReference is returned when resolving a foreign schema
// re-enters a path already being resolved in the same call chain.
var ErrCyclicReference = errors.New("schema: cyclic schema reference detected")

// EndpointResolver is the subset of IndexResolver that foreign
// resolution needs: turning a logical path into the node(s) that host
// it, so the foreign document can be fetched from the right place.
type EndpointResolver interface {
	ResolveIndexEndpoints(ctx context.Context, path string, writable, primary bool, settings *resolver.Settings) ([]resolver.Endpoint, error)
}

// recursionContext tracks the set of paths currently being resolved
// within one top-level get_shared call chain, so a cycle is detected
// rather than looping forever.
type recursionContext struct {
	seen map[string]struct{}
}

func newRecursionContext() *recursionContext {
	return &recursionContext{seen: make(map[string]struct{})}
}

func (c *recursionContext) enter(path string) error {
	if len(c.seen) >= MaxSchemaRecursion {
		return fmt.Errorf("schema: max schema recursion depth exceeded at %q", path)
	}
	if _, ok := c.seen[path]; ok {
		return fmt.Errorf("%w: %s", ErrCyclicReference, path)
	}
	c.seen[path] = struct{}{}
	return nil
}

// validateForeignURI splits a foreign URI at its last '/' into path and
// id, failing if either half is empty.
func validateForeignURI(uri string) (path, id string, err error) {
	i := strings.LastIndex(uri, "/")
	if i < 0 {
		return "", "", fmt.Errorf("schema: foreign uri %q has no path separator", uri)
	}
	path, id = uri[:i], uri[i+1:]
	if path == "" || id == "" {
		return "", "", fmt.Errorf("schema: foreign uri %q missing path or id component", uri)
	}
	return path, id, nil
}

// parseSelector splits an id into the base document id plus an optional
// drill (".field") or object (`{"field":...}`) selector suffix, mirroring
// the two selector syntaxes the original schema id strings allow.
func parseSelector(id string) (docID, selector string) {
	if i := strings.IndexAny(id, ".{"); i > 0 {
		return id[:i], id[i:]
	}
	return id, ""
}

// getShared resolves a foreign schema reference into the Local ref it
// ultimately points to. A fetched body that is itself a foreign pointer
// is followed recursively with the same ctxSet, which detects cycles and
// bounds the depth at MaxSchemaRecursion; the special case of self-reference
// through the system indices catalog returns a synthesized minimal
// schema rather than recursing into the chicken-and-egg lookup that
// would otherwise require resolving .xapiand/indices to read
// .xapiand/indices.
func (s *SchemasLRU) getShared(ctx context.Context, endpoint string, ctxSet *recursionContext) (Ref, error) {
	path, id, err := validateForeignURI(endpoint)
	if err != nil {
		return Ref{}, err
	}

	if ctxSet == nil {
		ctxSet = newRecursionContext()
	}
	if err := ctxSet.enter(path); err != nil {
		if errors.Is(err, ErrCyclicReference) && path == resolver.SystemIndicesPath {
			return defaultSystemIndicesSchema(), nil
		}
		return Ref{}, err
	}

	docID, selector := parseSelector(id)

	endpoints, err := s.resolver.ResolveIndexEndpoints(ctx, path, false, true, nil)
	if err != nil {
		return Ref{}, fmt.Errorf("schema: resolve foreign endpoint %q: %w", endpoint, err)
	}
	if len(endpoints) == 0 {
		return Ref{}, fmt.Errorf("schema: no endpoint available for foreign path %q", path)
	}

	doc, err := s.store.GetDocument(ctx, path, docID)
	if err != nil {
		if errors.Is(err, metadata.ErrDocNotFound) {
			return Ref{}, fmt.Errorf("schema: foreign document %q not found at %q", docID, path)
		}
		return Ref{}, err
	}

	body, err := decodeRef(doc.Body)
	if err != nil {
		return Ref{}, err
	}
	if selector != "" {
		return applySelector(body, selector), nil
	}
	if body.IsForeign() {
		return s.getShared(ctx, body.ForeignEndpoint(), ctxSet)
	}
	return body, nil
}

// applySelector narrows a Local ref's body to the field named by a
// drill (".field") or object ({"field":...}) selector. Unknown
// selectors return the body unchanged: schema selectors are an
// optimization, not a correctness requirement, for this core.
func applySelector(r Ref, selector string) Ref {
	if r.IsForeign() {
		return r
	}
	field := strings.Trim(selector, ".{}\"")
	if field == "" {
		return r
	}
	if v, ok := r.LocalBody()[field]; ok {
		if m, ok := v.(map[string]interface{}); ok {
			return NewLocal(m)
		}
	}
	return r
}

// defaultSystemIndicesSchema is the non-recursive, non-store schema
// synthesized when resolving .xapiand/indices would otherwise require
// resolving .xapiand/indices itself.
func defaultSystemIndicesSchema() Ref {
	return NewLocal(map[string]interface{}{
		"recursive": false,
		"store":     false,
	})
}
