package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"edo/message"
)

// ConsistentHashBalancer maps keys to addresses on a hash ring. The same key lands on
// the same address until the address set changes, and a change only moves the keys of
// the affected addresses.
//
// Each address is placed on the ring as many virtual nodes so a handful of hosts still
// split the key space evenly.
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
	set   string // addresses the ring was built from
	ring  []uint32
	nodes map[uint32]message.HostAddress
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per address.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Pick(addrs []message.HostAddress, key string) (message.HostAddress, error) {
	if len(addrs) == 0 {
		return message.HostAddress{}, ErrNoAddresses
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rebuild(addrs)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Past the last node: wrap around to the first.
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// rebuild refreshes the ring when the address set changed. Caller holds b.mu.
func (b *ConsistentHashBalancer) rebuild(addrs []message.HostAddress) {
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = a.String()
	}
	slices.Sort(keys)
	set := strings.Join(keys, ",")
	if set == b.set {
		return
	}

	b.set = set
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]message.HostAddress, len(addrs)*b.replicas)
	for _, a := range addrs {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", a, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = a
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
