package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/tokmesh-go/internal/cluster/metadata"
	"github.com/yndnr/tokmesh-go/internal/cluster/registry"
)

// ConflictRetries bounds the optimistic-retry loop in
// ResolveIndexEndpoints, mirroring the resolver's write-path retry
// bound on metadata.ErrVersionConflict.
const ConflictRetries = 10

// SystemPrefix marks paths whose settings are never persisted: their
// placement is derived directly from the current cluster membership.
const SystemPrefix = ".xapiand/"

// SystemIndicesPath is the one system path that shards like a regular
// index (one shard per configured opts.NumShards); every other system
// path gets a single shard.
const SystemIndicesPath = SystemPrefix + "indices"

// ErrClientError reports a caller-supplied argument that violates the
// resolver's contract (e.g. settings given for a system path, or an
// attempt to change number_of_shards on an already-loaded index).
var ErrClientError = errors.New("resolver: invalid request")

// Config configures index placement defaults.
type Config struct {
	DefaultNumShards   int
	DefaultNumReplicas int
	StallTime          time.Duration
	LRUSize            int
}

// DefaultConfig mirrors the historical Xapiand defaults: five shards,
// no replicas beyond the primary.
func DefaultConfig() Config {
	return Config{
		DefaultNumShards:   5,
		DefaultNumReplicas: 0,
		StallTime:          30 * time.Second,
		LRUSize:            1024,
	}
}

// Settings is the optional user-supplied override accepted by
// ResolveIndexSettings.
type Settings struct {
	NumberOfShards   *int
	NumberOfReplicas *int
}

// RaftDispatcher is the subset of the Raft layer the resolver needs:
// the ability to force a primary re-election for a stalled shard.
type RaftDispatcher interface {
	ElectPrimary(shardPath string) error
}

// IndexResolver maintains the LRU of IndexSettings and computes shard
// placement from the current node registry.
type IndexResolver struct {
	cfg      Config
	registry *registry.Registry
	store    metadata.Store
	raft     RaftDispatcher
	logger   *slog.Logger

	mu    sync.Mutex
	cache *lru.Cache

	metricsHit  prometheus.Counter
	metricsMiss prometheus.Counter
}

// RegisterMetrics wires cache hit/miss counters into the given registry,
// mirroring the pattern metadata.BadgerStore uses.
func (r *IndexResolver) RegisterMetrics(registry *prometheus.Registry) *IndexResolver {
	r.metricsHit = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "resolver",
		Name:      "settings_cache_hits_total",
		Help:      "ResolveIndexSettings calls served from the cached IndexSettings without a reload.",
	})
	r.metricsMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tokmesh",
		Subsystem: "resolver",
		Name:      "settings_cache_misses_total",
		Help:      "ResolveIndexSettings calls that had to load or recompute IndexSettings.",
	})
	registry.MustRegister(r.metricsHit, r.metricsMiss)
	return r
}

func (r *IndexResolver) recordLookup(hit bool) {
	if r.metricsHit == nil {
		return
	}
	if hit {
		r.metricsHit.Inc()
	} else {
		r.metricsMiss.Inc()
	}
}

// New builds an IndexResolver. raft may be nil; ELECT_PRIMARY dispatch
// is then skipped with a logged warning instead of failing resolution.
func New(cfg Config, reg *registry.Registry, store metadata.Store, raft RaftDispatcher, logger *slog.Logger) (*IndexResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.LRUSize
	if size <= 0 {
		size = DefaultConfig().LRUSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("resolver: new lru: %w", err)
	}
	return &IndexResolver{
		cfg:      cfg,
		registry: reg,
		store:    store,
		raft:     raft,
		logger:   logger,
		cache:    cache,
	}, nil
}

func shardPath(unsharded string, shard int, numShards int) string {
	if numShards == 1 {
		return unsharded
	}
	return fmt.Sprintf("%s/.__%d", unsharded, shard)
}

// ResolveIndexSettings resolves the placement record for path: system-path
// short circuit, LRU hit, metadata load-or-initialize, settings
// validation, shard (re)calculation, replica settling and (for writable
// calls) primary failover, then a best-effort save.
func (r *IndexResolver) ResolveIndexSettings(ctx context.Context, path string, writable, primary bool, settings *Settings, primaryNode string, reload, rebuild, clear bool) (IndexSettings, error) {
	if strings.HasPrefix(path, SystemPrefix) {
		if settings != nil {
			return IndexSettings{}, fmt.Errorf("%w: settings not allowed for system path %q", ErrClientError, path)
		}
		return r.systemSettings(path), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clear {
		r.cache.Remove(path)
		return IndexSettings{}, nil
	}

	var current IndexSettings
	var haveCurrent bool

	if !reload {
		if cached, ok := r.cache.Get(path); ok {
			cs := cached.(IndexSettings)
			if !writable {
				r.recordLookup(true)
				return cs.Clone(), nil
			}
			// A saved writable hit only short-circuits while every
			// shard's primary is still active; a dead primary must
			// fall through to updatePrimary below rather than hand
			// back a stale placement.
			if cs.Saved && r.allPrimariesActive(cs) {
				r.recordLookup(true)
				return cs.Clone(), nil
			}
			current, haveCurrent = cs, true
		}
	}

	if !haveCurrent {
		r.recordLookup(false)
		loaded, err := r.loadOrInit(ctx, path)
		if err != nil {
			return IndexSettings{}, err
		}
		current = loaded
	}

	needRebuild := rebuild || !current.Loaded
	if settings != nil {
		if settings.NumberOfShards != nil {
			n := *settings.NumberOfShards
			if n < 1 || n > 9999 {
				return IndexSettings{}, fmt.Errorf("%w: number_of_shards out of range: %d", ErrClientError, n)
			}
			if current.Loaded && current.NumShards != 0 && current.NumShards != n {
				return IndexSettings{}, fmt.Errorf("%w: number_of_shards cannot change on an already-loaded index", ErrClientError)
			}
			current.NumShards = n
		}
		if settings.NumberOfReplicas != nil {
			n := *settings.NumberOfReplicas
			if n < 0 || n > 9999 {
				return IndexSettings{}, fmt.Errorf("%w: number_of_replicas out of range: %d", ErrClientError, n)
			}
			want := n + 1
			if current.Loaded && current.NumReplicasPlusMaster != 0 && current.NumReplicasPlusMaster != want {
				needRebuild = true
			}
			current.NumReplicasPlusMaster = want
		}
	}

	dirty := needRebuild
	if needRebuild {
		r.calculateShards(path, &current)
		current.Modified = true
	}

	if r.settleReplicas(&current) {
		dirty = true
	}

	if writable {
		if r.updatePrimary(path, &current) {
			dirty = true
		}
	}
	if dirty {
		current.Saved = false
	}

	if writable && !current.Saved {
		if err := r.saveSettings(ctx, path, &current); err != nil {
			return IndexSettings{}, err
		}
		current.Saved = true
	}

	current.Loaded = true
	r.populateCache(path, current)

	return current.Clone(), nil
}

// systemSettings builds the always-derived placement for .xapiand/*
// paths: primary is the current leader, replicas are every other known
// node, sharded only for the indices catalog itself.
func (r *IndexResolver) systemSettings(path string) IndexSettings {
	leader := r.registry.Leader()
	leaderName := ""
	if leader != nil {
		leaderName = leader.Name
	}

	nodes := make([]string, 0)
	if leaderName != "" {
		nodes = append(nodes, leaderName)
	}
	for _, name := range r.registry.ActiveNames() {
		if !strings.EqualFold(name, leaderName) {
			nodes = append(nodes, name)
		}
	}

	numShards := 1
	if path == SystemIndicesPath {
		numShards = r.defaultNumShards()
	}

	shards := make([]IndexSettingsShard, numShards)
	for i := range shards {
		shards[i] = IndexSettingsShard{Nodes: append([]string(nil), nodes...)}
	}

	return IndexSettings{
		Loaded:                true,
		Saved:                 true,
		NumShards:             numShards,
		NumReplicasPlusMaster: len(nodes),
		Shards:                shards,
	}
}

func (r *IndexResolver) defaultNumShards() int {
	if r.cfg.DefaultNumShards > 0 {
		return r.cfg.DefaultNumShards
	}
	return DefaultConfig().DefaultNumShards
}

func (r *IndexResolver) defaultNumReplicasPlusMaster() int {
	n := r.cfg.DefaultNumReplicas
	if n <= 0 {
		n = DefaultConfig().DefaultNumReplicas
	}
	return n + 1
}

// loadOrInit fetches the persisted settings document for path, or builds
// a fresh unsaved record from configured defaults. The aggregate
// document at (path, "settings") carries NumShards/NumReplicasPlusMaster
// and its own optimistic version; for a multi-shard index each shard's
// node list is a separate document at its own shard path, versioned
// independently, mirroring how a primary swap only needs to touch one
// shard's document rather than rewrite the whole index's placement.
func (r *IndexResolver) loadOrInit(ctx context.Context, path string) (IndexSettings, error) {
	doc, err := r.store.GetDocument(ctx, path, "settings")
	if err != nil {
		if !metadata.IsNotFound(err) && !errors.Is(err, metadata.ErrDatabaseNotFound) {
			return IndexSettings{}, err
		}
		return IndexSettings{
			NumShards:             r.defaultNumShards(),
			NumReplicasPlusMaster: r.defaultNumReplicasPlusMaster(),
			Modified:              true,
		}, nil
	}

	var agg aggregateDoc
	if err := json.Unmarshal(doc.Body, &agg); err != nil {
		return IndexSettings{}, fmt.Errorf("resolver: decode settings: %w", err)
	}

	settings := IndexSettings{
		Version:               doc.Version,
		Loaded:                true,
		Saved:                 true,
		NumShards:             agg.NumShards,
		NumReplicasPlusMaster: agg.NumReplicasPlusMaster,
	}

	if settings.NumShards <= 1 {
		settings.Shards = []IndexSettingsShard{{Nodes: agg.Nodes}}
		return settings, nil
	}

	shards := make([]IndexSettingsShard, settings.NumShards)
	for i := range shards {
		shardDoc, err := r.store.GetDocument(ctx, shardPath(path, i, settings.NumShards), "settings")
		if err != nil {
			return IndexSettings{}, fmt.Errorf("resolver: load shard %d of %q: %w", i, path, err)
		}
		var sd perShardDoc
		if err := json.Unmarshal(shardDoc.Body, &sd); err != nil {
			return IndexSettings{}, fmt.Errorf("resolver: decode shard %d of %q: %w", i, path, err)
		}
		shards[i] = IndexSettingsShard{Version: shardDoc.Version, Nodes: sd.Nodes}
	}
	settings.Shards = shards
	return settings, nil
}

// calculateShards assigns a primary node to each shard via jump
// consistent hashing seeded by path.
func (r *IndexResolver) calculateShards(path string, s *IndexSettings) {
	nodes := r.registry.ActiveNames()
	if len(nodes) == 0 {
		s.Shards = make([]IndexSettingsShard, s.NumShards)
		return
	}

	key := routingKey(path)
	bucket := jumpConsistentHash(key, len(nodes))

	shards := make([]IndexSettingsShard, s.NumShards)
	for sh := 0; sh < s.NumShards; sh++ {
		idx := ((bucket-sh)%len(nodes) + len(nodes)) % len(nodes)
		shards[sh] = IndexSettingsShard{
			Nodes:    []string{nodes[idx]},
			Modified: true,
		}
	}
	s.Shards = shards
}

// settleReplicas grows each shard's replica list, walking the sorted
// node ring from the primary and skipping names already present, until
// NumReplicasPlusMaster is reached or the ring is exhausted. Reports
// whether any shard's replica list actually grew.
func (r *IndexResolver) settleReplicas(s *IndexSettings) bool {
	nodes := r.registry.ActiveNames()
	if len(nodes) == 0 {
		return false
	}

	grew := false
	for i := range s.Shards {
		shard := &s.Shards[i]
		if len(shard.Nodes) == 0 {
			continue
		}
		primaryIdx := indexOf(nodes, shard.Nodes[0])
		if primaryIdx < 0 {
			continue
		}
		for off := 1; off < len(nodes) && len(shard.Nodes) < s.NumReplicasPlusMaster; off++ {
			candidate := nodes[(primaryIdx+off)%len(nodes)]
			if !contains(shard.Nodes, candidate) {
				shard.Nodes = append(shard.Nodes, candidate)
				shard.Modified = true
				grew = true
			}
		}
	}
	return grew
}

// updatePrimary is the failover half of ResolveIndexSettings: swap in
// an active replica when the current primary has gone inactive, or
// stall and eventually dispatch ELECT_PRIMARY if none is available.
// Reports whether any shard's primary was swapped.
func (r *IndexResolver) updatePrimary(path string, s *IndexSettings) bool {
	now := time.Now()
	changed := false
	for i := range s.Shards {
		shard := &s.Shards[i]
		if len(shard.Nodes) == 0 {
			continue
		}
		if r.registry.IsActive(shard.Nodes[0]) {
			continue
		}

		swapped := false
		for j := 1; j < len(shard.Nodes); j++ {
			if r.registry.IsActive(shard.Nodes[j]) {
				shard.Nodes[0], shard.Nodes[j] = shard.Nodes[j], shard.Nodes[0]
				shard.Modified = true
				swapped = true
				changed = true
				name := shardPath(path, i, s.NumShards)
				r.logger.Info("promoted replica to primary", "shard", name, "node", shard.Nodes[0])
				break
			}
		}
		if swapped {
			continue
		}

		if s.Stalled.IsZero() {
			s.Stalled = now.Add(r.stallTime())
			continue
		}
		if now.After(s.Stalled) {
			name := shardPath(path, i, s.NumShards)
			if r.raft == nil {
				r.logger.Warn("shard stalled with no active primary and no raft dispatcher configured", "shard", name)
				continue
			}
			if err := r.raft.ElectPrimary(name); err != nil {
				r.logger.Error("elect_primary dispatch failed", "shard", name, "error", err)
			}
		}
	}
	return changed
}

// allPrimariesActive reports whether every shard's current primary node
// is still active, used to decide whether a saved cache hit is still
// trustworthy for a writable resolve.
func (r *IndexResolver) allPrimariesActive(s IndexSettings) bool {
	for _, shard := range s.Shards {
		if len(shard.Nodes) == 0 {
			continue
		}
		if !r.registry.IsActive(shard.Nodes[0]) {
			return false
		}
	}
	return true
}

func (r *IndexResolver) stallTime() time.Duration {
	if r.cfg.StallTime > 0 {
		return r.cfg.StallTime
	}
	return DefaultConfig().StallTime
}

// saveSettings persists s via optimistic-locked writes: the aggregate
// document always, plus one document per shard once the index has more
// than one. A stale ExpectedVersion on either comes back as
// metadata.ErrVersionConflict, which ResolveIndexEndpoints' retry loop
// recovers from by reloading and recomputing placement.
func (r *IndexResolver) saveSettings(ctx context.Context, path string, s *IndexSettings) error {
	if s.NumShards <= 1 {
		var nodes []string
		if len(s.Shards) > 0 {
			nodes = s.Shards[0].Nodes
		}
		encoded, err := json.Marshal(aggregateDoc{NumShards: s.NumShards, NumReplicasPlusMaster: s.NumReplicasPlusMaster, Nodes: nodes})
		if err != nil {
			return fmt.Errorf("resolver: encode settings: %w", err)
		}
		newVersion, err := r.store.Update(ctx, path, metadata.UpdateRequest{
			ID:              "settings",
			ExpectedVersion: s.Version,
			Create:          s.Version == 0,
			Object:          encoded,
			Commit:          true,
			Type:            metadata.UpdateReplace,
		})
		if err != nil {
			return err
		}
		s.Version = newVersion
		if len(s.Shards) > 0 {
			s.Shards[0].Version = newVersion
			s.Shards[0].Modified = false
		}
		return nil
	}

	encoded, err := json.Marshal(aggregateDoc{NumShards: s.NumShards, NumReplicasPlusMaster: s.NumReplicasPlusMaster})
	if err != nil {
		return fmt.Errorf("resolver: encode settings: %w", err)
	}
	newVersion, err := r.store.Update(ctx, path, metadata.UpdateRequest{
		ID:              "settings",
		ExpectedVersion: s.Version,
		Create:          s.Version == 0,
		Object:          encoded,
		Commit:          true,
		Type:            metadata.UpdateReplace,
	})
	if err != nil {
		return err
	}
	s.Version = newVersion

	for i := range s.Shards {
		shard := &s.Shards[i]
		if !shard.Modified && shard.Version != 0 {
			continue
		}
		shardEncoded, err := json.Marshal(perShardDoc{Nodes: shard.Nodes})
		if err != nil {
			return fmt.Errorf("resolver: encode shard %d: %w", i, err)
		}
		shardVersion, err := r.store.Update(ctx, shardPath(path, i, s.NumShards), metadata.UpdateRequest{
			ID:              "settings",
			ExpectedVersion: shard.Version,
			Create:          shard.Version == 0,
			Object:          shardEncoded,
			Commit:          true,
			Type:            metadata.UpdateReplace,
		})
		if err != nil {
			return err
		}
		shard.Version = shardVersion
		shard.Modified = false
	}
	return nil
}

// populateCache stores both the aggregate entry and one entry per shard
// keyed "<path>/.__<n>", so a resolver call for a specific shard path
// hits a single-shard entry directly.
func (r *IndexResolver) populateCache(path string, s IndexSettings) {
	r.cache.Add(path, s)
	if s.NumShards <= 1 {
		return
	}
	for i, shard := range s.Shards {
		single := IndexSettings{
			Loaded:                s.Loaded,
			Saved:                 s.Saved,
			NumShards:             1,
			NumReplicasPlusMaster: s.NumReplicasPlusMaster,
			Shards:                []IndexSettingsShard{shard},
		}
		r.cache.Add(shardPath(path, i, s.NumShards), single)
	}
}

// ResolveIndexEndpoints resolves path to the nodes currently serving
// each of its shards, retrying up to ConflictRetries times on a version
// conflict surfaced while the caller is trying to persist a rebuild.
func (r *IndexResolver) ResolveIndexEndpoints(ctx context.Context, path string, writable, primary bool, settings *Settings) ([]Endpoint, error) {
	var lastErr error
	for attempt := 0; attempt < ConflictRetries; attempt++ {
		s, err := r.ResolveIndexSettings(ctx, path, writable, primary, settings, "", false, false, false)
		if err != nil {
			if metadata.IsVersionConflict(err) {
				lastErr = err
				r.InvalidateSettings(path)
				continue
			}
			return nil, err
		}

		endpoints, needRetry := r.buildEndpoints(path, s, writable, primary)
		if !needRetry {
			return endpoints, nil
		}
		lastErr = fmt.Errorf("no active replica available for %q", path)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("exhausted retries resolving endpoints for %q", path)
	}
	return nil, fmt.Errorf("%w: %v", ErrClientError, lastErr)
}

func (r *IndexResolver) buildEndpoints(path string, s IndexSettings, writable, primary bool) (endpoints []Endpoint, needRetry bool) {
	endpoints = make([]Endpoint, 0, len(s.Shards))
	for i, shard := range s.Shards {
		if len(shard.Nodes) == 0 {
			continue
		}
		p := shardPath(path, i, s.NumShards)

		switch {
		case writable:
			node := firstActive(r.registry, shard.Nodes)
			if node == "" {
				needRetry = true
				continue
			}
			endpoints = append(endpoints, Endpoint{Node: node, Path: p})
		case primary:
			endpoints = append(endpoints, Endpoint{Node: shard.Nodes[0], Path: p})
		default:
			node := firstActive(r.registry, shard.Nodes)
			if node == "" {
				node = shard.Nodes[0]
			}
			endpoints = append(endpoints, Endpoint{Node: node, Path: p})
		}
	}
	return endpoints, needRetry
}

func firstActive(reg *registry.Registry, names []string) string {
	for _, n := range names {
		if reg.IsActive(n) {
			return n
		}
	}
	return ""
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}

func contains(ss []string, v string) bool {
	return indexOf(ss, v) >= 0
}

// InvalidateSettings drops path from the LRU, used when another node
// reports a newer version via DB_UPDATED.
func (r *IndexResolver) InvalidateSettings(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(path)
}

// aggregateDoc is the on-the-wire shape of the path-level settings
// document: shard counts always, plus the lone shard's node list when
// the index has only one (no separate per-shard document in that case).
type aggregateDoc struct {
	NumShards             int      `json:"num_shards"`
	NumReplicasPlusMaster int      `json:"num_replicas_plus_master"`
	Nodes                 []string `json:"nodes,omitempty"`
}

// perShardDoc is the on-the-wire shape of an individual shard's
// placement document, used once an index has more than one shard.
type perShardDoc struct {
	Nodes []string `json:"nodes"`
}
