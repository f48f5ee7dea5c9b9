package registry

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const defaultShardCount = 32

// table is the session map, split into shards so lookups for different
// clients rarely contend.
type table[C any] struct {
	shards []*shard[C]
	count  atomic.Int64
}

type shard[C any] struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session[C]
}

func newTable[C any](shardCount int) *table[C] {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	t := &table[C]{shards: make([]*shard[C], shardCount)}
	for i := range t.shards {
		t.shards[i] = &shard[C]{sessions: make(map[uuid.UUID]*session[C])}
	}
	return t
}

func (t *table[C]) shardFor(id uuid.UUID) *shard[C] {
	return t.shards[xxhash.Sum64(id[:])%uint64(len(t.shards))]
}

func (t *table[C]) load(id uuid.UUID) (*session[C], bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[id]
	return s, ok
}

// store inserts s unless a session with the same id exists.
func (t *table[C]) store(id uuid.UUID, s *session[C]) bool {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[id]; exists {
		return false
	}
	sh.sessions[id] = s
	t.count.Add(1)
	return true
}

func (t *table[C]) remove(id uuid.UUID) (*session[C], bool) {
	sh := t.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
		t.count.Add(-1)
	}
	return s, ok
}

func (t *table[C]) len() int {
	return int(t.count.Load())
}

// snapshot copies the current sessions shard by shard. Sessions added or
// removed while it runs may or may not be included.
func (t *table[C]) snapshot() []*session[C] {
	out := make([]*session[C], 0, t.len())
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}
