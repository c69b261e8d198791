package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/tokmesh-go/internal/cluster/metadata"
	"github.com/yndnr/tokmesh-go/internal/cluster/resolver"
)

// SystemNodesPath is the one system path that never gets the default
// foreign-link synthesis: its own schema is self-contained, avoiding a
// chicken-and-egg dependency on the indices catalog.
const SystemNodesPath = ".xapiand/nodes"

// Config configures a SchemasLRU.
type Config struct {
	SchemasLRUSize  int
	VersionsLRUSize int
}

// DefaultConfig returns sane cache sizes.
func DefaultConfig() Config {
	return Config{SchemasLRUSize: 2048, VersionsLRUSize: 2048}
}

// OnForeignSaved is invoked after a foreign schema is persisted,
// carrying the foreign endpoint's uri and version for a downstream
// debounce notification; callers that don't care may leave it nil.
type OnForeignSaved func(uri string, version uint64)

// SchemasLRU is the two-tier local+foreign schema cache.
type SchemasLRU struct {
	cfg      Config
	store    metadata.Store
	resolver EndpointResolver
	logger   *slog.Logger

	schemasMu sync.Mutex
	schemas   *lru.Cache // path -> Ref

	versionsMu sync.Mutex
	versions   *lru.Cache // foreign uri -> uint64

	onForeignSaved OnForeignSaved

	metricsHit  prometheus.Counter
	metricsMiss prometheus.Counter
}

// RegisterMetrics wires schema-cache hit/miss counters into the given
// registry, mirroring the pattern metadata.BadgerStore uses.
func (s *SchemasLRU) RegisterMetrics(registry *prometheus.Registry) *SchemasLRU {
	s.metricsHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "schema",
		Name:      "lookup_hits_total",
		Help:      "Get/Set calls served from the cached schema without a metadata-store load.",
	})
	s.metricsMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "schema",
		Name:      "lookup_misses_total",
		Help:      "Get/Set calls that had to load or synthesize a schema.",
	})
	registry.MustRegister(s.metricsHit, s.metricsMiss)
	return s
}

func (s *SchemasLRU) recordLookup(hit bool) {
	if s.metricsHit == nil {
		return
	}
	if hit {
		s.metricsHit.Inc()
	} else {
		s.metricsMiss.Inc()
	}
}

// New builds a SchemasLRU.
func New(cfg Config, store metadata.Store, res EndpointResolver, logger *slog.Logger) (*SchemasLRU, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schemasSize := cfg.SchemasLRUSize
	if schemasSize <= 0 {
		schemasSize = DefaultConfig().SchemasLRUSize
	}
	versionsSize := cfg.VersionsLRUSize
	if versionsSize <= 0 {
		versionsSize = DefaultConfig().VersionsLRUSize
	}

	schemas, err := lru.New(schemasSize)
	if err != nil {
		return nil, fmt.Errorf("schema: new schemas lru: %w", err)
	}
	versions, err := lru.New(versionsSize)
	if err != nil {
		return nil, fmt.Errorf("schema: new versions lru: %w", err)
	}

	return &SchemasLRU{
		cfg:      cfg,
		store:    store,
		resolver: res,
		logger:   logger,
		schemas:  schemas,
		versions: versions,
	}, nil
}

// OnForeignSaved registers the debounce notification callback.
func (s *SchemasLRU) OnForeignSaved(fn OnForeignSaved) {
	s.onForeignSaved = fn
}

// Get returns the currently-cached or newly-resolved schema for path,
// without attempting to install any particular value: a pure read.
func (s *SchemasLRU) Get(ctx context.Context, path string) (Ref, error) {
	resolved, _, err := s.update(ctx, path, nil, false)
	return resolved, err
}

// Set installs desired as the schema for path. failure=true means a
// concurrent writer won (or persistence hit a version conflict); the
// caller should retry with the returned schema.
func (s *SchemasLRU) Set(ctx context.Context, path string, desired Ref, writable bool) (resolved Ref, failure bool, err error) {
	return s.update(ctx, path, &desired, writable)
}

// update is the CAS loop behind Get and Set: read, maybe validate a
// foreign link, hit-check, miss-path load-or-synthesize, CAS-install,
// optional persistence, and, for a foreign result, recursive
// resolution of the pointed-to schema.
func (s *SchemasLRU) update(ctx context.Context, path string, desired *Ref, writable bool) (Ref, bool, error) {
	if desired != nil && desired.IsForeign() {
		if _, _, err := validateForeignURI(desired.ForeignEndpoint()); err != nil {
			return Ref{}, false, err
		}
	}

	s.schemasMu.Lock()
	cached, hit := s.schemas.Get(path)
	var cachedRef Ref
	if hit {
		cachedRef = cached.(Ref)
	}
	if hit && (desired == nil || cachedRef.sameValue(*desired)) {
		s.schemasMu.Unlock()
		s.recordLookup(true)
		resolved, rerr := s.resolveIfForeign(ctx, path, cachedRef)
		return resolved, false, rerr
	}
	s.schemasMu.Unlock()
	s.recordLookup(false)

	stored, notYetWritten, err := s.loadOrSynthesize(ctx, path, desired)
	if err != nil {
		return Ref{}, false, err
	}

	s.schemasMu.Lock()
	current, stillHit := s.schemas.Get(path)
	failure := false
	if !stillHit || (hit && cachedRef.sameValue(current.(Ref))) {
		s.schemas.Add(path, stored)
	} else {
		stored = current.(Ref)
		failure = true
	}
	s.schemasMu.Unlock()

	if failure {
		resolved, rerr := s.resolveIfForeign(ctx, path, stored)
		return resolved, true, rerr
	}

	if writable && notYetWritten {
		encoded, eerr := encodeRef(stored)
		if eerr != nil {
			return Ref{}, false, eerr
		}
		if serr := s.store.SetMetadata(ctx, path, "schema", encoded); serr != nil {
			s.schemasMu.Lock()
			if v, ok := s.schemas.Get(path); ok && v.(Ref).sameValue(stored) {
				s.schemas.Remove(path)
			}
			s.schemasMu.Unlock()
			return Ref{}, false, fmt.Errorf("schema: save %q: %w", path, serr)
		}
		stored.Saved = true
		s.schemasMu.Lock()
		s.schemas.Add(path, stored)
		s.schemasMu.Unlock()

		if stored.IsForeign() && s.onForeignSaved != nil {
			s.onForeignSaved(stored.ForeignEndpoint(), 0)
		}
	}

	resolved, rerr := s.resolveIfForeign(ctx, path, stored)
	return resolved, false, rerr
}

// loadOrSynthesize is the miss path of update: read metadata, or build
// a fresh record when absent.
func (s *SchemasLRU) loadOrSynthesize(ctx context.Context, path string, desired *Ref) (Ref, bool, error) {
	raw, err := s.store.GetMetadata(ctx, path, "schema")
	if err == nil {
		ref, derr := decodeRef(raw)
		if derr != nil {
			return Ref{}, false, derr
		}
		ref.Saved = true
		return ref, false, nil
	}
	if !errors.Is(err, metadata.ErrDocNotFound) && !errors.Is(err, metadata.ErrDatabaseNotFound) {
		return Ref{}, false, err
	}

	switch {
	case desired != nil && desired.IsForeign():
		return *desired, true, nil
	case path != SystemNodesPath:
		return NewForeign(defaultForeignURI(path)), true, nil
	case desired != nil:
		return *desired, true, nil
	default:
		return NewLocal(map[string]interface{}{}), true, nil
	}
}

// defaultForeignURI builds the synthesized foreign link target for a
// path with no stored schema: .xapiand/indices/<path, slashes %2F-encoded>.
func defaultForeignURI(path string) string {
	encoded := strings.ReplaceAll(url.PathEscape(path), "/", "%2F")
	return resolver.SystemIndicesPath + "/" + encoded
}

// resolveIfForeign recursively follows a foreign Ref to its underlying
// local schema and records the foreign URI in the versions cache with
// version 0; the resolved schema itself is not cached.
func (s *SchemasLRU) resolveIfForeign(ctx context.Context, path string, ref Ref) (Ref, error) {
	if !ref.IsForeign() {
		return ref, nil
	}
	uri := ref.ForeignEndpoint()

	ctxSet := newRecursionContext()
	_ = ctxSet.enter(path) // fresh set, never errors; seeds the chain so a foreign link pointing back at path is caught

	resolved, err := s.getShared(ctx, uri, ctxSet)
	if err != nil {
		return Ref{}, err
	}

	s.versionsMu.Lock()
	s.versions.Add(uri, uint64(0))
	s.versionsMu.Unlock()

	return resolved, nil
}
