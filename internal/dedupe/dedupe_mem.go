package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type MemGuard struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

var _ Guard = (*MemGuard)(nil)

func NewMemGuard(capacity int, ttl time.Duration) *MemGuard {
	return &MemGuard{
		seen: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

func (g *MemGuard) First(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen.Contains(key) {
		return false, nil
	}
	g.seen.Add(key, struct{}{})
	return true, nil
}
