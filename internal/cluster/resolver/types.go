// Package resolver resolves a logical index path to the physical nodes
// and shards that host it, using a jump-consistent-hash placement
// scheme and an LRU cache of the resulting settings.
package resolver

import "time"

// IndexSettingsShard is a single shard's placement: an ordered list of
// node names, position 0 being the primary.
type IndexSettingsShard struct {
	Version  uint64
	Modified bool
	Nodes    []string
}

// IndexSettings is the full placement record for a logical index path.
type IndexSettings struct {
	Version               uint64
	Loaded                bool
	Saved                 bool
	Modified              bool
	Stalled               time.Time
	NumShards             int
	NumReplicasPlusMaster int
	Shards                []IndexSettingsShard
}

// Clone returns a deep copy safe for the caller to mutate without
// affecting the LRU's cached value.
func (s IndexSettings) Clone() IndexSettings {
	out := s
	out.Shards = make([]IndexSettingsShard, len(s.Shards))
	for i, sh := range s.Shards {
		out.Shards[i] = IndexSettingsShard{
			Version:  sh.Version,
			Modified: sh.Modified,
			Nodes:    append([]string(nil), sh.Nodes...),
		}
	}
	return out
}

// Endpoint is a single physical location: a node name plus the shard
// path on that node.
type Endpoint struct {
	Node string
	Path string
}
