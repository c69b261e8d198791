package resolver

import "errors"

var errInvalidShardSuffix = errors.New("resolver: invalid shard path suffix")

// NumShardsForShardPath splits a shard path of the form
// "<unsharded>/.__<n>" into the unsharded path and the shard index n,
// used by callers that only have the resolved endpoint path. A path
// without a valid suffix is returned as-is with sharded=false.
func NumShardsForShardPath(path string) (unsharded string, shard int, sharded bool) {
	idx := lastIndexShardMarker(path)
	if idx < 0 {
		return path, 0, false
	}
	unsharded = path[:idx]
	n, err := parseShardSuffix(path[idx+len(shardMarker):])
	if err != nil {
		return path, 0, false
	}
	return unsharded, n, true
}

const shardMarker = "/.__"

func lastIndexShardMarker(path string) int {
	for i := len(path) - len(shardMarker); i >= 0; i-- {
		if path[i:i+len(shardMarker)] == shardMarker {
			return i
		}
	}
	return -1
}

func parseShardSuffix(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errInvalidShardSuffix
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errInvalidShardSuffix
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
