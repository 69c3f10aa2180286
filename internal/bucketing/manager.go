package bucketing

import (
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps string keys onto a fixed number of buckets. The
// mapping is stable across processes, so widget ids land on the same bucket
// on every replica.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets < 1 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Buckets returns the bucket count.
func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

// GetBucket returns the bucket for key, in [0, Buckets()).
func (bm *BucketingManager) GetBucket(key string) int {
	if bm.buckets == 1 {
		return 0
	}
	return int(bm.getHash(key) % uint64(bm.buckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
