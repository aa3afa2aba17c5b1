package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"chan-rpc/discovery"
)

// ConsistentHashBalancer maps keys to instances on a hash ring. The same key lands on the
// same instance while the instance set is unchanged, and only a share of keys move when it
// changes.
//
// Each instance gets replicas virtual nodes hashed from "{addr}#{i}" so a few instances
// still spread evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	set   string            // sorted addresses the ring was built from
	ring  []uint32          // sorted virtual node hashes
	nodes map[uint32]string // virtual node hash -> addr
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick hashes key and walks clockwise to the first virtual node. The ring is rebuilt when
// instances differs from the set it was last built from.
func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	b.rebuild(instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	addr := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return &instances[0], nil
}

// rebuild replaces the ring when the address set changed. Callers hold mu.
func (b *ConsistentHashBalancer) rebuild(instances []discovery.Instance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	set := strings.Join(addrs, ",")
	if set == b.set && b.ring != nil {
		return
	}

	b.set = set
	b.ring = make([]uint32, 0, len(addrs)*b.replicas)
	b.nodes = make(map[uint32]string, len(addrs)*b.replicas)
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = addr
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
