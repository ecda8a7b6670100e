package order

import (
	"context"
	"sync"
)

// Guard serializes transitions per order id. Locks are created on demand and
// dropped when nobody holds or waits for them.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*keyLock)}
}

func (g *Guard) acquireRef(key string) *keyLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		g.locks[key] = l
	}
	l.refs++
	return l
}

func (g *Guard) dropRef(key string, l *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, key)
	}
}

func (g *Guard) unlocker(key string, l *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			g.dropRef(key, l)
		})
	}
}

// Lock blocks until the key is free or ctx is done.
func (g *Guard) Lock(ctx context.Context, key string) (func(), error) {
	l := g.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return g.unlocker(key, l), nil
	case <-ctx.Done():
		g.dropRef(key, l)
		return nil, ctx.Err()
	}
}

// TryLock takes the key only if it is free right now.
func (g *Guard) TryLock(key string) (func(), bool) {
	l := g.acquireRef(key)
	select {
	case l.sem <- struct{}{}:
		return g.unlocker(key, l), true
	default:
		g.dropRef(key, l)
		return nil, false
	}
}

// Len reports how many keys are currently tracked.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
