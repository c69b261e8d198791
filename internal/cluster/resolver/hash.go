package resolver

import "github.com/spaolacci/murmur3"

// routingKey hashes path into a well-distributed 64-bit key suitable
// for jumpConsistentHash, using the same hash family the cluster's ring
// hashing already relies on elsewhere.
func routingKey(path string) int64 {
	h := murmur3.Sum64([]byte(path))
	// jumpConsistentHash requires a nonnegative key.
	return int64(h & 0x7fffffffffffffff)
}

// jumpConsistentHash implements Lamping & Veach's jump consistent hash:
// given a key and a bucket count, it returns a bucket in [0, numBuckets)
// such that increasing numBuckets by one moves only a 1/numBuckets
// fraction of keys. Used to pick a stable "routing key" bucket that
// then seeds shard-to-node placement.
func jumpConsistentHash(key int64, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	var b, j int64 = -1, 0
	for j < int64(numBuckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}
