package registry

import (
	"hash/fnv"
	"sync"

	"github.com/stricklysoft/agentcoord/internal/ids"
)

// shardCount is the number of stripes the registry's agent map is split
// across. Readers and writers for agents in different shards never
// contend; writers for the same agent ID are serialized by the shard's
// mutex, satisfying the per-ID writer-serialization requirement without
// a single registry-wide lock.
const shardCount = 32

// shard is one stripe of the registry's concurrent map.
type shard struct {
	mu      sync.RWMutex
	records map[ids.AgentID]*Record
}

func newShards() []*shard {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{records: make(map[ids.AgentID]*Record)}
	}
	return shards
}

// shardFor picks the stripe responsible for id. The hash only needs to
// distribute load evenly; it is not exposed or persisted anywhere.
func shardFor(shards []*shard, id ids.AgentID) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return shards[h.Sum32()%uint32(len(shards))]
}
