package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMap is a string-keyed map split across a fixed number of shards,
// each guarded by its own RWMutex. Operations on keys in different shards
// never contend, so per-key state can be created and read in parallel
// without a single global lock.
type ShardedMap[V any] struct {
	shards [shardCount]mapShard[V]
	once   sync.Once
}

type mapShard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// NewShardedMap creates an empty sharded map.
func NewShardedMap[V any]() *ShardedMap[V] {
	s := &ShardedMap[V]{}
	s.init()
	return s
}

func (s *ShardedMap[V]) init() {
	s.once.Do(func() {
		for i := range s.shards {
			s.shards[i].m = make(map[string]V)
		}
	})
}

// Load returns the value stored for key.
func (s *ShardedMap[V]) Load(key string) (V, bool) {
	s.init()
	sh := s.shard(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	return v, ok
}

// LoadOrCreate returns the value for key, calling create to build and store
// one if the key is absent. create runs under the shard's write lock, so at
// most one value is ever created for a key. The boolean reports whether the
// value already existed.
func (s *ShardedMap[V]) LoadOrCreate(key string, create func() V) (V, bool) {
	s.init()
	sh := s.shard(key)

	sh.mu.RLock()
	v, ok := sh.m[key]
	sh.mu.RUnlock()
	if ok {
		return v, true
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok := sh.m[key]; ok {
		return v, true
	}
	v = create()
	sh.m[key] = v
	return v, false
}

// Update atomically replaces the value for key with the result of fn.
// fn receives the current value (zero value and false when absent) and
// returns the new value and whether to keep it; returning false deletes
// the key.
func (s *ShardedMap[V]) Update(key string, fn func(cur V, ok bool) (V, bool)) {
	s.init()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[key]
	next, keep := fn(cur, ok)
	if keep {
		sh.m[key] = next
	} else if ok {
		delete(sh.m, key)
	}
}

// Delete removes key.
func (s *ShardedMap[V]) Delete(key string) {
	s.init()
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// DeleteFunc removes every entry for which pred returns true and returns the
// number of entries removed. Each shard is write-locked while it is scanned,
// so pred sees a stable view of that shard.
func (s *ShardedMap[V]) DeleteFunc(pred func(key string, v V) bool) int {
	s.init()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if pred(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries across all shards.
func (s *ShardedMap[V]) Len() int {
	s.init()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. Shards are visited
// one at a time under a read lock; fn must not call back into the map.
func (s *ShardedMap[V]) Range(fn func(key string, v V) bool) {
	s.init()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.m {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

func (s *ShardedMap[V]) shard(key string) *mapShard[V] {
	return &s.shards[ShardIndex(key, shardCount)]
}

// ShardIndex hashes key with FNV-1a into [0, n).
func ShardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
