package dispatch

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultProbeCacheSize bounds the AE-probe dedup cache, avoiding
// unbounded growth from a chatty or adversarial peer re-sending the same
// AntiEntropyProbe repeatedly.
const DefaultProbeCacheSize = 4096

// ProbeDedup suppresses re-processing of an AntiEntropyProbe we've already
// handled, identified by a non-cryptographic hash of its embedded SAP
// bytes. Grounded on the teacher's connection_pool's bounded-map-with-reaper
// idiom, rendered here as a proper bounded LRU rather than a plain map plus
// manual eviction, since entries here have no natural TTL to reap by.
type ProbeDedup struct {
	seen *lru.Cache[uint64, struct{}]
}

// NewProbeDedup builds a ProbeDedup with the given capacity (0 uses
// DefaultProbeCacheSize).
func NewProbeDedup(capacity int) *ProbeDedup {
	if capacity <= 0 {
		capacity = DefaultProbeCacheSize
	}
	c, _ := lru.New[uint64, struct{}](capacity)
	return &ProbeDedup{seen: c}
}

// SeenBefore reports whether body has already been processed, recording it
// as seen if not.
func (p *ProbeDedup) SeenBefore(body []byte) bool {
	key := xxhash.Sum64(body)
	if _, ok := p.seen.Get(key); ok {
		return true
	}
	p.seen.Add(key, struct{}{})
	return false
}
