package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// versionGate remembers the last applied version per report key or per
// layer cell. Version 0 marks an unversioned event and is never gated.
type versionGate struct {
	mu   sync.Mutex
	last *lru.Cache[string, uint64]
}

func newVersionGate(size int) *versionGate {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionGate{last: c}
}

func keyScope(key string) string          { return "key|" + key }
func cellScope(layer, cell string) string { return layer + "|" + cell }

// stale reports whether v was already applied for scope.
func (g *versionGate) stale(scope string, v uint64) bool {
	if v == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last.Get(scope)
	return ok && v <= last
}

// commit records v once its eviction succeeded, so a failed attempt is
// retried on redelivery.
func (g *versionGate) commit(v uint64, scopes ...string) {
	if v == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range scopes {
		if last, ok := g.last.Get(s); ok && last >= v {
			continue
		}
		g.last.Add(s, v)
	}
}
